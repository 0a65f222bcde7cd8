package web

import (
	"encoding/json"
	"net/http"
	"slices"

	"qtpy-flash/internal/automation"
)

// inlineHookID runs Lua from the request body instead of a saved hook.
const inlineHookID = "_inline"

// hookView is a hook script as the API returns it.
type hookView struct {
	*automation.Script
	// Running is true while the script's VM is subscribed to flash events.
	Running bool `json:"running"`
}

type saveHookRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LuaCode     string `json:"lua_code"`
	Enabled     bool   `json:"enabled"`
}

// hooksAvailable answers 503 when the binary was built or configured
// without hook scripts.
func (s *Server) hooksAvailable(w http.ResponseWriter) bool {
	if s.scriptMgr == nil || s.autoEngine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "flash hooks are disabled")
		return false
	}
	return true
}

func (s *Server) hookView(script *automation.Script) hookView {
	return hookView{Script: script, Running: slices.Contains(s.autoEngine.Running(), script.ID)}
}

// lookupHook writes a 404 and returns nil for an unknown hook id.
func (s *Server) lookupHook(w http.ResponseWriter, id string) *automation.Script {
	script, err := s.scriptMgr.Get(id)
	if err != nil || script == nil {
		s.writeError(w, http.StatusNotFound, "hook script not found")
		return nil
	}
	return script
}

func (s *Server) decodeHook(w http.ResponseWriter, r *http.Request) (saveHookRequest, bool) {
	var req saveHookRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "hook name is required")
		return req, false
	}
	return req, true
}

// applyHook restarts or stops the hook's VM to match its enabled flag.
func (s *Server) applyHook(script *automation.Script) {
	if !script.Meta.Enabled {
		s.autoEngine.StopScript(script.ID)
		return
	}
	if err := s.autoEngine.ReloadScript(script.ID); err != nil {
		s.logger.Error("start hook script", "id", script.ID, "err", err)
	}
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil || s.autoEngine == nil {
		s.writeJSON(w, http.StatusOK, []hookView{})
		return
	}
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.logger.Error("list hook scripts", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	views := make([]hookView, 0, len(scripts))
	for _, script := range scripts {
		views = append(views, s.hookView(script))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.hooksAvailable(w) {
		return
	}
	if script := s.lookupHook(w, r.PathValue("id")); script != nil {
		s.writeJSON(w, http.StatusOK, s.hookView(script))
	}
}

func (s *Server) handleAPICreateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.hooksAvailable(w) {
		return
	}
	req, ok := s.decodeHook(w, r)
	if !ok {
		return
	}

	saved, err := s.scriptMgr.Save(&automation.Script{
		Meta: automation.ScriptMeta{
			Name:        req.Name,
			Description: req.Description,
			Enabled:     req.Enabled,
		},
		LuaCode: req.LuaCode,
	})
	if err != nil {
		s.logger.Error("save hook script", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if saved.Meta.Enabled {
		s.applyHook(saved)
	}
	s.writeJSON(w, http.StatusCreated, s.hookView(saved))
}

func (s *Server) handleAPIUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.hooksAvailable(w) {
		return
	}
	existing := s.lookupHook(w, r.PathValue("id"))
	if existing == nil {
		return
	}
	req, ok := s.decodeHook(w, r)
	if !ok {
		return
	}

	existing.Meta.Name = req.Name
	existing.Meta.Description = req.Description
	existing.Meta.Enabled = req.Enabled
	existing.LuaCode = req.LuaCode

	saved, err := s.scriptMgr.Save(existing)
	if err != nil {
		s.logger.Error("save hook script", "id", existing.ID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.applyHook(saved)
	s.writeJSON(w, http.StatusOK, s.hookView(saved))
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.hooksAvailable(w) {
		return
	}
	script := s.lookupHook(w, r.PathValue("id"))
	if script == nil {
		return
	}

	// Unsubscribe from flash events before the file goes away.
	s.autoEngine.StopScript(script.ID)
	if err := s.scriptMgr.Delete(script.ID); err != nil {
		s.logger.Error("delete hook script", "id", script.ID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": script.ID})
}

func (s *Server) handleAPIToggleAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.hooksAvailable(w) {
		return
	}
	script := s.lookupHook(w, r.PathValue("id"))
	if script == nil {
		return
	}

	script.Meta.Enabled = !script.Meta.Enabled
	saved, err := s.scriptMgr.Save(script)
	if err != nil {
		s.logger.Error("toggle hook script", "id", script.ID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.applyHook(saved)
	s.writeJSON(w, http.StatusOK, s.hookView(saved))
}

// handleAPIRunAutomation dry-runs a hook: handlers it registers get one
// synthetic flash event each, and flash.start is disabled.
func (s *Server) handleAPIRunAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.hooksAvailable(w) {
		return
	}

	id := r.PathValue("id")
	if id != inlineHookID {
		s.writeJSON(w, http.StatusOK, s.autoEngine.RunScript(id))
		return
	}

	var req struct {
		LuaCode string `json:"lua_code"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(req.LuaCode))
}
