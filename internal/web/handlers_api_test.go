package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"udk-dimmer-home/internal/bus"
	"udk-dimmer-home/internal/hub"
)

// fakeDimmer implements hub.Dimmer against an in-memory state map.
type fakeDimmer struct {
	mu    sync.Mutex
	key   string
	state map[bus.ChannelKey]bus.ChannelState
	sets  int
	offs  int
	err   error
}

func (f *fakeDimmer) SetLevel(_ context.Context, addr, channel, level uint8, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	if f.err != nil {
		return f.err
	}
	f.state[bus.ChannelKey{Addr: addr, Channel: channel}] = bus.ChannelState{Level: level, On: level > 0, Confirmed: true}
	return nil
}

func (f *fakeDimmer) TurnOff(ctx context.Context, addr, channel uint8, fade time.Duration) error {
	f.mu.Lock()
	f.offs++
	f.mu.Unlock()
	return f.SetLevel(ctx, addr, channel, 0, fade)
}

func (f *fakeDimmer) Query(_ context.Context, addr, channel uint8) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.state[bus.ChannelKey{Addr: addr, Channel: channel}].Level, nil
}

func (f *fakeDimmer) State(addr, channel uint8) (bus.ChannelState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.state[bus.ChannelKey{Addr: addr, Channel: channel}]
	return st, ok
}

func (f *fakeDimmer) Seed(addr, channel, level uint8, on bool, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[bus.ChannelKey{Addr: addr, Channel: channel}] = bus.ChannelState{Level: level, On: on, UpdatedAt: at}
}

func (f *fakeDimmer) OnStateChanged(func(bus.StateChange)) func() { return func() {} }
func (f *fakeDimmer) Stats() bus.Stats                            { return bus.Stats{Port: "/dev/null", Baud: 38400} }
func (f *fakeDimmer) Key() string                                 { return f.key }
func (f *fakeDimmer) Close() error                                { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *fakeDimmer) {
	t.Helper()
	fake := &fakeDimmer{key: "/dev/null@38400", state: make(map[bus.ChannelKey]bus.ChannelState)}
	opener := func(string, int, *slog.Logger) (hub.Dimmer, error) { return fake, nil }

	cfgs := []hub.ModuleConfig{
		{Name: "hallway", Port: "/dev/null", Baud: 38400, Address: 1, Channels: 4},
	}
	h, err := hub.New(cfgs, opener, nil, hub.NewEventBus(testLogger()), testLogger())
	if err != nil {
		t.Fatalf("hub.New: %v", err)
	}
	t.Cleanup(h.Stop)

	s := NewServer(h, testLogger(), opts...)
	t.Cleanup(s.Stop)
	return s, fake
}

func doJSON(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var out map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestAPIListModules(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/modules", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var mods []hub.ModuleInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &mods); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(mods) != 1 || mods[0].Name != "hallway" || len(mods[0].Channels) != 4 {
		t.Errorf("modules = %+v", mods)
	}
}

func TestAPIGetModule(t *testing.T) {
	s, _ := newTestServer(t)

	rec, _ := doJSON(t, s, http.MethodGet, "/api/modules/hallway", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}

	rec, _ = doJSON(t, s, http.MethodGet, "/api/modules/garage", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown module status = %d", rec.Code)
	}
}

func TestAPISetLevel(t *testing.T) {
	s, fake := newTestServer(t)

	rec, out := doJSON(t, s, http.MethodPost, "/api/modules/hallway/channels/2/set", `{"level":128,"fade_ms":0}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if out["level"].(float64) != 128 || out["on"] != true {
		t.Errorf("response = %v", out)
	}
	if fake.sets != 1 {
		t.Errorf("fake got %d set calls", fake.sets)
	}
}

func TestAPISetLevelValidation(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		path, body string
		want       int
	}{
		{"/api/modules/hallway/channels/0/set", `{"level":1}`, http.StatusBadRequest},
		{"/api/modules/hallway/channels/x/set", `{"level":1}`, http.StatusBadRequest},
		{"/api/modules/hallway/channels/9/set", `{"level":1}`, http.StatusBadRequest},
		{"/api/modules/garage/channels/1/set", `{"level":1}`, http.StatusNotFound},
		{"/api/modules/hallway/channels/1/set", `not json`, http.StatusBadRequest},
		{"/api/modules/hallway/channels/1/set", `{"level":1,"fade_ms":-5}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		rec, _ := doJSON(t, s, http.MethodPost, tc.path, tc.body)
		if rec.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.path, rec.Code, tc.want)
		}
	}
}

func TestAPITurnOffEmptyBody(t *testing.T) {
	s, fake := newTestServer(t)

	rec, _ := doJSON(t, s, http.MethodPost, "/api/modules/hallway/channels/1/off", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if fake.offs != 1 {
		t.Errorf("fake got %d off calls", fake.offs)
	}
}

func TestAPIRefresh(t *testing.T) {
	s, fake := newTestServer(t)
	fake.Seed(1, 3, 210, true, time.Now())

	rec, out := doJSON(t, s, http.MethodPost, "/api/modules/hallway/channels/3/refresh", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if out["level"].(float64) != 210 {
		t.Errorf("level = %v", out["level"])
	}
}

func TestAPICommandErrorMapping(t *testing.T) {
	s, fake := newTestServer(t)

	tests := []struct {
		err  error
		want int
	}{
		{bus.ErrBusBusy, http.StatusServiceUnavailable},
		{bus.ErrSuperseded, http.StatusConflict},
		{bus.ErrCommandFailed, http.StatusBadGateway},
		{bus.ErrBusClosed, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		fake.err = tc.err
		rec, _ := doJSON(t, s, http.MethodPost, "/api/modules/hallway/channels/1/set", `{"level":10}`)
		if rec.Code != tc.want {
			t.Errorf("%v: status = %d, want %d", tc.err, rec.Code, tc.want)
		}
	}
}

func TestAPIStatus(t *testing.T) {
	s, _ := newTestServer(t, WithVersion("1.2.3"))

	rec, out := doJSON(t, s, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if out["version"] != "1.2.3" || out["modules"].(float64) != 1 {
		t.Errorf("response = %v", out)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	s, _ := newTestServer(t, WithAPIKey("secret"))

	rec, _ := doJSON(t, s, http.MethodGet, "/api/modules", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/modules", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec2 := httptest.NewRecorder()
	s.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d", rec2.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/modules", nil)
	req.Header.Set("X-API-Key", "secret")
	rec3 := httptest.NewRecorder()
	s.ServeHTTP(rec3, req)
	if rec3.Code != http.StatusOK {
		t.Errorf("correct key: status = %d", rec3.Code)
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	s, _ := newTestServer(t, WithAllowedOrigins([]string{"https://ok.example"}))

	req := httptest.NewRequest(http.MethodPost, "/api/modules/hallway/channels/1/set", strings.NewReader(`{"level":1}`))
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/modules/hallway/channels/1/set", strings.NewReader(`{"level":1}`))
	req.Header.Set("Origin", "https://ok.example")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("allowed origin status = %d", rec.Code)
	}
}
