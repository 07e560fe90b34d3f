package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"udk-dimmer-home/internal/bus"
	"udk-dimmer-home/internal/store"
)

var (
	ErrUnknownModule  = errors.New("unknown module")
	ErrUnknownChannel = errors.New("unknown channel")
)

// MaxChannels is the number of outputs a single dimmer module can carry.
const MaxChannels = 4

// ModuleConfig describes one dimmer module on an RS-485 bus.
type ModuleConfig struct {
	Name     string `yaml:"name"`
	Port     string `yaml:"port"`
	Baud     int    `yaml:"baud"`
	Address  uint8  `yaml:"address"`
	Channels uint8  `yaml:"channels"`
}

// Dimmer is the bus surface the hub drives. *bus.Bus implements it; tests
// substitute a fake.
type Dimmer interface {
	SetLevel(ctx context.Context, addr, channel, level uint8, fade time.Duration) error
	TurnOff(ctx context.Context, addr, channel uint8, fade time.Duration) error
	Query(ctx context.Context, addr, channel uint8) (uint8, error)
	State(addr, channel uint8) (bus.ChannelState, bool)
	Seed(addr, channel, level uint8, on bool, at time.Time)
	OnStateChanged(fn func(bus.StateChange)) func()
	Stats() bus.Stats
	Key() string
	Close() error
}

// BusOpener opens (or joins) the shared bus for a serial port.
type BusOpener func(port string, baud int, logger *slog.Logger) (Dimmer, error)

// OpenSerial is the production BusOpener.
func OpenSerial(port string, baud int, logger *slog.Logger) (Dimmer, error) {
	return bus.Open(port, baud, logger)
}

// Module is one configured dimmer module, bound to its bus.
type Module struct {
	Name     string
	Port     string
	Baud     int
	Address  uint8
	Channels uint8

	bus Dimmer
}

// ChannelInfo is a snapshot of one output for API consumers.
type ChannelInfo struct {
	Channel   uint8     `json:"channel"`
	Level     uint8     `json:"level"`
	On        bool      `json:"on"`
	Confirmed bool      `json:"confirmed"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// ModuleInfo is a snapshot of one module for API consumers.
type ModuleInfo struct {
	Name     string        `json:"name"`
	Port     string        `json:"port"`
	Baud     int           `json:"baud"`
	Address  uint8         `json:"address"`
	Channels []ChannelInfo `json:"channels"`
}

// Hub maps named dimmer modules onto shared RS-485 buses. It owns the bus
// handles, seeds their caches from the store at startup, and persists
// confirmed state changes back.
type Hub struct {
	mu      sync.RWMutex
	modules map[string]*Module
	buses   map[string]Dimmer
	names   map[string]map[uint8]string // bus key -> module address -> name
	unsubs  []func()
	store   store.Store
	events  *EventBus
	logger  *slog.Logger
}

// New opens every bus the configured modules need, seeds channel state from
// the store and wires change notifications. A failure releases any buses
// already opened.
func New(cfgs []ModuleConfig, open BusOpener, st store.Store, events *EventBus, logger *slog.Logger) (*Hub, error) {
	h := &Hub{
		modules: make(map[string]*Module),
		buses:   make(map[string]Dimmer),
		names:   make(map[string]map[uint8]string),
		store:   st,
		events:  events,
		logger:  logger,
	}

	for _, cfg := range cfgs {
		if err := h.addModule(cfg, open); err != nil {
			h.Stop()
			return nil, err
		}
	}

	h.seedFromStore()

	for key, d := range h.buses {
		key := key
		h.unsubs = append(h.unsubs, d.OnStateChanged(func(ch bus.StateChange) {
			h.handleStateChange(key, ch)
		}))
	}

	return h, nil
}

func (h *Hub) addModule(cfg ModuleConfig, open BusOpener) error {
	if cfg.Name == "" {
		return errors.New("module name is required")
	}
	if _, dup := h.modules[cfg.Name]; dup {
		return fmt.Errorf("duplicate module name %q", cfg.Name)
	}
	if cfg.Port == "" {
		return fmt.Errorf("module %q: port is required", cfg.Name)
	}
	if cfg.Address < 1 {
		return fmt.Errorf("module %q: address must be at least 1", cfg.Name)
	}
	if cfg.Channels < 1 || cfg.Channels > MaxChannels {
		return fmt.Errorf("module %q: channels must be 1..%d", cfg.Name, MaxChannels)
	}
	baud := cfg.Baud
	if baud == 0 {
		baud = bus.DefaultBaud
	}

	d, err := open(cfg.Port, baud, h.logger)
	if err != nil {
		return fmt.Errorf("module %q: %w", cfg.Name, err)
	}
	key := d.Key()
	if existing, ok := h.buses[key]; ok {
		// Already holding this bus; release the duplicate handle.
		d.Close()
		d = existing
	} else {
		h.buses[key] = d
	}

	if h.names[key] == nil {
		h.names[key] = make(map[uint8]string)
	}
	if other, taken := h.names[key][cfg.Address]; taken {
		return fmt.Errorf("module %q: address %d on %s already used by %q", cfg.Name, cfg.Address, key, other)
	}
	h.names[key][cfg.Address] = cfg.Name

	h.modules[cfg.Name] = &Module{
		Name:     cfg.Name,
		Port:     cfg.Port,
		Baud:     baud,
		Address:  cfg.Address,
		Channels: cfg.Channels,
		bus:      d,
	}
	h.logger.Info("module registered", "name", cfg.Name, "bus", key, "address", cfg.Address, "channels", cfg.Channels)
	return nil
}

// seedFromStore loads persisted channel levels into the bus caches so state
// reads work before the first command round-trips.
func (h *Hub) seedFromStore() {
	if h.store == nil {
		return
	}
	records, err := h.store.ListChannels()
	if err != nil {
		h.logger.Warn("load persisted channels", "err", err)
		return
	}
	seeded := 0
	for _, rec := range records {
		d, ok := h.buses[rec.Bus]
		if !ok {
			continue
		}
		d.Seed(rec.Address, rec.Channel, rec.Level, rec.On, rec.UpdatedAt)
		seeded++
	}
	if seeded > 0 {
		h.logger.Info("seeded channel state", "channels", seeded)
	}
}

func (h *Hub) handleStateChange(busKey string, ch bus.StateChange) {
	name := h.moduleNameFor(busKey, ch.Addr)

	if h.store != nil {
		rec := &store.ChannelRecord{
			Bus:       busKey,
			Address:   ch.Addr,
			Channel:   ch.Channel,
			Level:     ch.State.Level,
			On:        ch.State.On,
			UpdatedAt: ch.State.UpdatedAt,
		}
		if err := h.store.SaveChannel(rec); err != nil {
			h.logger.Error("persist channel state", "bus", busKey, "address", ch.Addr, "channel", ch.Channel, "err", err)
		}
	}

	if name == "" {
		// Reply from an address no module claims; persisted above but not surfaced.
		return
	}
	h.events.Emit(Event{Type: EventStateChanged, Data: StateChangeData{
		Module:    name,
		Channel:   ch.Channel,
		Level:     ch.State.Level,
		On:        ch.State.On,
		UpdatedAt: ch.State.UpdatedAt,
	}})
}

func (h *Hub) moduleNameFor(busKey string, addr uint8) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.names[busKey][addr]
}

func (h *Hub) module(name string) (*Module, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.modules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModule, name)
	}
	return m, nil
}

func (h *Hub) target(name string, channel uint8) (*Module, error) {
	m, err := h.module(name)
	if err != nil {
		return nil, err
	}
	if channel < 1 || channel > m.Channels {
		return nil, fmt.Errorf("%w: module %q has channels 1..%d, got %d", ErrUnknownChannel, name, m.Channels, channel)
	}
	return m, nil
}

// SetLevel drives one output of a named module to level, fading over fade.
func (h *Hub) SetLevel(ctx context.Context, name string, channel, level uint8, fade time.Duration) error {
	m, err := h.target(name, channel)
	if err != nil {
		return err
	}
	if err := m.bus.SetLevel(ctx, m.Address, channel, level, fade); err != nil {
		h.reportFailure(name, channel, err)
		return err
	}
	return nil
}

// TurnOff turns one output of a named module off.
func (h *Hub) TurnOff(ctx context.Context, name string, channel uint8, fade time.Duration) error {
	m, err := h.target(name, channel)
	if err != nil {
		return err
	}
	if err := m.bus.TurnOff(ctx, m.Address, channel, fade); err != nil {
		h.reportFailure(name, channel, err)
		return err
	}
	return nil
}

func (h *Hub) reportFailure(name string, channel uint8, err error) {
	if errors.Is(err, bus.ErrSuperseded) || errors.Is(err, context.Canceled) {
		return
	}
	h.events.Emit(Event{Type: EventCommandFailed, Data: CommandFailedData{
		Module:  name,
		Channel: channel,
		Error:   err.Error(),
	}})
}

// ChannelState returns the cached state of one output.
func (h *Hub) ChannelState(name string, channel uint8) (bus.ChannelState, error) {
	m, err := h.target(name, channel)
	if err != nil {
		return bus.ChannelState{}, err
	}
	st, _ := m.bus.State(m.Address, channel)
	return st, nil
}

// Refresh queries the hardware for one output's actual level.
func (h *Hub) Refresh(ctx context.Context, name string, channel uint8) (uint8, error) {
	m, err := h.target(name, channel)
	if err != nil {
		return 0, err
	}
	level, err := m.bus.Query(ctx, m.Address, channel)
	if err != nil {
		h.reportFailure(name, channel, err)
		return 0, err
	}
	return level, nil
}

// RefreshAll queries every configured output, reconciling the cache with the
// hardware. Individual failures are logged and do not stop the sweep.
func (h *Hub) RefreshAll(ctx context.Context) {
	for _, m := range h.snapshotModules() {
		for ch := uint8(1); ch <= m.Channels; ch++ {
			if ctx.Err() != nil {
				return
			}
			if _, err := m.bus.Query(ctx, m.Address, ch); err != nil {
				h.logger.Warn("refresh channel", "module", m.Name, "channel", ch, "err", err)
			}
		}
	}
}

func (h *Hub) snapshotModules() []*Module {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Module, 0, len(h.modules))
	for _, m := range h.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Modules returns a snapshot of every module and its channel states,
// sorted by name.
func (h *Hub) Modules() []ModuleInfo {
	mods := h.snapshotModules()
	out := make([]ModuleInfo, 0, len(mods))
	for _, m := range mods {
		info := ModuleInfo{
			Name:     m.Name,
			Port:     m.Port,
			Baud:     m.Baud,
			Address:  m.Address,
			Channels: make([]ChannelInfo, 0, m.Channels),
		}
		for ch := uint8(1); ch <= m.Channels; ch++ {
			st, _ := m.bus.State(m.Address, ch)
			info.Channels = append(info.Channels, ChannelInfo{
				Channel:   ch,
				Level:     st.Level,
				On:        st.On,
				Confirmed: st.Confirmed,
				UpdatedAt: st.UpdatedAt,
			})
		}
		out = append(out, info)
	}
	return out
}

// Module returns the snapshot for one named module.
func (h *Hub) Module(name string) (ModuleInfo, error) {
	if _, err := h.module(name); err != nil {
		return ModuleInfo{}, err
	}
	for _, info := range h.Modules() {
		if info.Name == name {
			return info, nil
		}
	}
	return ModuleInfo{}, fmt.Errorf("%w: %q", ErrUnknownModule, name)
}

// BusStats returns counters for every open bus, sorted by bus key.
func (h *Hub) BusStats() []bus.Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]bus.Stats, 0, len(h.buses))
	for _, d := range h.buses {
		out = append(out, d.Stats())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Port < out[j].Port || (out[i].Port == out[j].Port && out[i].Baud < out[j].Baud)
	})
	return out
}

// Events returns the hub's event bus.
func (h *Hub) Events() *EventBus {
	return h.events
}

// Stop unsubscribes from bus notifications and releases every bus handle.
func (h *Hub) Stop() {
	for _, unsub := range h.unsubs {
		unsub()
	}
	h.unsubs = nil
	for key, d := range h.buses {
		if err := d.Close(); err != nil {
			h.logger.Warn("close bus", "bus", key, "err", err)
		}
		delete(h.buses, key)
	}
}
