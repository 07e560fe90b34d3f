package web

import (
	"encoding/json"
	"net/http"

	"udk-dimmer-home/internal/automation"
)

// scriptView is the API representation of a stored script. The on-disk
// metadata header stays an implementation detail of the manager.
type scriptView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	LuaCode     string `json:"lua_code"`
}

func viewOf(sc *automation.Script) scriptView {
	return scriptView{
		ID:          sc.ID,
		Name:        sc.Meta.Name,
		Description: sc.Meta.Description,
		Enabled:     sc.Meta.Enabled,
		LuaCode:     sc.LuaCode,
	}
}

// scriptPayload is the request body for creating or updating a script.
type scriptPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
	LuaCode     string `json:"lua_code"`
}

// scriptsEnabled guards every automation endpoint. Builds carrying the
// no_automation tag, or a failed manager setup, leave scriptMgr nil.
func (s *Server) scriptsEnabled(w http.ResponseWriter) bool {
	if s.scriptMgr == nil {
		s.writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "automation not available"})
		return false
	}
	return true
}

func (s *Server) decodePayload(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// applyScriptState brings the engine in line with a saved script's enabled
// flag: enabled scripts are (re)started, disabled ones stopped.
func (s *Server) applyScriptState(sc *automation.Script) {
	if s.autoEngine == nil {
		return
	}
	if sc.Meta.Enabled {
		if err := s.autoEngine.ReloadScript(sc.ID); err != nil {
			s.logger.Error("reload script", "id", sc.ID, "err", err)
		}
	} else {
		s.autoEngine.StopScript(sc.ID)
	}
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsEnabled(w) {
		return
	}
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.logger.Error("list scripts", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	views := make([]scriptView, 0, len(scripts))
	for _, sc := range scripts {
		views = append(views, viewOf(sc))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsEnabled(w) {
		return
	}
	sc, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "script not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(sc))
}

func (s *Server) handleAPICreateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsEnabled(w) {
		return
	}
	var p scriptPayload
	if !s.decodePayload(w, r, &p) {
		return
	}
	if p.Name == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}

	saved, err := s.scriptMgr.Save(&automation.Script{
		Meta: automation.ScriptMeta{
			Name:        p.Name,
			Description: p.Description,
			Enabled:     p.Enabled,
		},
		LuaCode: p.LuaCode,
	})
	if err != nil {
		s.logger.Error("create script", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	s.applyScriptState(saved)
	s.writeJSON(w, http.StatusCreated, viewOf(saved))
}

func (s *Server) handleAPIUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsEnabled(w) {
		return
	}
	sc, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "script not found"})
		return
	}

	var p scriptPayload
	if !s.decodePayload(w, r, &p) {
		return
	}
	if p.Name == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}

	sc.Meta.Name = p.Name
	sc.Meta.Description = p.Description
	sc.Meta.Enabled = p.Enabled
	sc.LuaCode = p.LuaCode

	saved, err := s.scriptMgr.Save(sc)
	if err != nil {
		s.logger.Error("update script", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	s.applyScriptState(saved)
	s.writeJSON(w, http.StatusOK, viewOf(saved))
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsEnabled(w) {
		return
	}
	id := r.PathValue("id")
	if s.autoEngine != nil {
		s.autoEngine.StopScript(id)
	}
	if err := s.scriptMgr.Delete(id); err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "script not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIToggleAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsEnabled(w) {
		return
	}
	sc, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "script not found"})
		return
	}

	sc.Meta.Enabled = !sc.Meta.Enabled
	saved, err := s.scriptMgr.Save(sc)
	if err != nil {
		s.logger.Error("toggle script", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	s.applyScriptState(saved)
	s.writeJSON(w, http.StatusOK, viewOf(saved))
}

func (s *Server) handleAPIRunAutomation(w http.ResponseWriter, r *http.Request) {
	if s.autoEngine == nil {
		s.writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "automation not available"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunScript(r.PathValue("id")))
}

// handleAPIPreviewAutomation runs Lua from the request body in a throwaway
// sandbox, without touching anything on disk.
func (s *Server) handleAPIPreviewAutomation(w http.ResponseWriter, r *http.Request) {
	if s.autoEngine == nil {
		s.writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "automation not available"})
		return
	}
	var p struct {
		LuaCode string `json:"lua_code"`
	}
	if !s.decodePayload(w, r, &p) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(p.LuaCode))
}
