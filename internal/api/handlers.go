package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/talgya/villagelife/internal/catalog"
	"github.com/talgya/villagelife/internal/engine"
	"github.com/talgya/villagelife/internal/events"
	"github.com/talgya/villagelife/internal/resources"
	"github.com/talgya/villagelife/internal/task"
)

// StatusResponse is the top-level village summary.
type StatusResponse struct {
	engine.Status
	Speed   float64 `json:"speed"`
	Running bool    `json:"running"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Status: s.Session.Status()}
	if s.Eng != nil {
		resp.Speed = s.Eng.Speed()
		resp.Running = s.Eng.Running()
	}
	writeJSON(w, resp)
}

// showHidden reports whether hidden templates may be listed for r.
func (s *Server) showHidden(r *http.Request) bool {
	return s.AdminKey != "" && s.checkBearerToken(r)
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	category := catalog.Category(r.URL.Query().Get("category"))
	chain := r.URL.Query().Get("chain")
	hidden := s.showHidden(r)

	out := []catalog.Template{}
	for _, t := range s.Catalog.All() {
		if t.Hidden && !hidden {
			continue
		}
		if category != "" && t.Category != category {
			continue
		}
		if chain != "" && t.ChainID != chain {
			continue
		}
		out = append(out, t)
	}
	writeJSON(w, out)
}

func (s *Server) handleTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.Catalog.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, t)
}

// ChainResponse is a chain with its ordered members.
type ChainResponse struct {
	catalog.Chain
	Members []string `json:"members"`
}

func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	out := []ChainResponse{}
	for _, c := range s.Catalog.Chains() {
		out = append(out, ChainResponse{Chain: c, Members: s.Catalog.ChainMembers(c.ID)})
	}
	writeJSON(w, out)
}

func (s *Server) handleAvailable(w http.ResponseWriter, r *http.Request) {
	list := s.Session.Available(r.PathValue("owner"))
	if r.URL.Query().Get("eligible") == "true" {
		kept := list[:0]
		for _, a := range list {
			if a.Result.Eligible {
				kept = append(kept, a)
			}
		}
		list = kept
	}
	if list == nil {
		list = []task.Availability{}
	}
	writeJSON(w, list)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	res, err := s.Session.Check(r.PathValue("owner"), r.PathValue("template"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Session.Inventory(r.PathValue("owner")))
}

// ProfileResponse adds the derived village level to a profile.
type ProfileResponse struct {
	Owner string `json:"owner"`
	task.Profile
	VillageLevel int `json:"village_level"`
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")
	p := s.Session.Profile(owner)
	writeJSON(w, ProfileResponse{Owner: owner, Profile: p, VillageLevel: p.VillageLevel()})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	state := task.Status(r.URL.Query().Get("state"))
	out := []task.Instance{}
	for _, inst := range s.Session.Instances(r.URL.Query().Get("owner")) {
		if state != "" && inst.State != state {
			continue
		}
		out = append(out, inst)
	}
	writeJSON(w, out)
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	inst, err := s.Session.Instance(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, inst)
}

// handleEvents returns recent events. With history=true and a database
// attached, events come from storage instead of memory.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	owner := r.URL.Query().Get("owner")

	if r.URL.Query().Get("history") == "true" && s.DB != nil {
		list, err := s.DB.RecentEvents(owner, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if list == nil {
			list = []events.Event{}
		}
		writeJSON(w, list)
		return
	}

	out := []events.Event{}
	if s.Recorder != nil {
		all := s.Recorder.Events()
		for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
			if owner == "" || all[i].Owner == owner {
				out = append(out, all[i])
			}
		}
		// Oldest first.
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	writeJSON(w, out)
}

// BeginRequest creates and starts a task.
type BeginRequest struct {
	Owner      string `json:"owner"`
	TemplateID string `json:"template_id"`
	// StartNow defaults to true. False leaves the task PENDING.
	StartNow *bool `json:"start,omitempty"`
}

func (s *Server) handleBegin(w http.ResponseWriter, r *http.Request) {
	var req BeginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Owner == "" || req.TemplateID == "" {
		http.Error(w, "owner and template_id are required", http.StatusBadRequest)
		return
	}

	if req.StartNow != nil && !*req.StartNow {
		inst, err := s.Session.Create(req.Owner, req.TemplateID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSONStatus(w, http.StatusCreated, inst)
		return
	}

	inst, err := s.Session.Begin(req.Owner, req.TemplateID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, inst)
}

func (s *Server) handleTaskAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var (
		inst task.Instance
		err  error
	)
	switch r.PathValue("action") {
	case "start":
		inst, err = s.Session.Start(id)
	case "complete":
		inst, err = s.Session.Complete(id)
	case "cancel":
		inst, err = s.Session.Cancel(id)
	default:
		http.Error(w, "unknown action (start, complete, cancel)", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, inst)
}

// GrantRequest adds resources to an owner.
type GrantRequest struct {
	Type     resources.Type `json:"type"`
	Quantity float64        `json:"quantity"`
	Quality  float64        `json:"quality"`
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	if req.Quality < 0 || req.Quality > 1 {
		http.Error(w, "quality must be between 0 and 1", http.StatusBadRequest)
		return
	}
	st, err := s.Session.Grant(r.PathValue("owner"), req.Type, req.Quantity, req.Quality)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, st)
}

func (s *Server) handleSkills(w http.ResponseWriter, r *http.Request) {
	var req map[string]float64
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	owner := r.PathValue("owner")
	for skill, level := range req {
		if level < 0 || level > 100 {
			http.Error(w, fmt.Sprintf("skill %s must be between 0 and 100", skill), http.StatusBadRequest)
			return
		}
	}
	for skill, level := range req {
		s.Session.SetSkill(owner, skill, level)
	}
	p := s.Session.Profile(owner)
	writeJSON(w, ProfileResponse{Owner: owner, Profile: p, VillageLevel: p.VillageLevel()})
}

// handleSpeed handles GET (read) and POST (set) for simulation speed.
func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	if s.Eng == nil {
		http.Error(w, "no engine attached", http.StatusServiceUnavailable)
		return
	}
	if r.Method == http.MethodGet {
		writeJSON(w, map[string]any{"speed": s.Eng.Speed()})
		return
	}

	var req struct {
		Speed float64 `json:"speed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Speed < 0 || req.Speed > 1000 {
		http.Error(w, "speed must be between 0 and 1000", http.StatusBadRequest)
		return
	}
	s.Eng.SetSpeed(req.Speed)
	writeJSON(w, map[string]any{"speed": req.Speed})
}

// handleSnapshot persists the village on demand.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.Save == nil {
		http.Error(w, "persistence not configured", http.StatusServiceUnavailable)
		return
	}
	tick, err := s.Save()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"saved": true, "tick": tick})
}
