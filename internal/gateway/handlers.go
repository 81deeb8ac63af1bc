package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/hyperasset/hyperasset/internal/domain"
	"github.com/hyperasset/hyperasset/internal/supervisor"
)

// handleHealth serves the gateway's own liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleSystemHealth reports host metrics.
func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"timestamp": time.Now().Format(time.RFC3339),
	}

	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		out["cpu_percent"] = cpuPercent[0]
	}
	if memStat, err := mem.VirtualMemory(); err == nil {
		out["memory_percent"] = memStat.UsedPercent
		out["memory_total_mb"] = memStat.Total / 1024 / 1024
	}
	if diskStat, err := disk.Usage("/"); err == nil {
		out["disk_percent"] = diskStat.UsedPercent
	}

	writeJSON(w, http.StatusOK, out)
}

// handleCreateProfile registers a new user.
func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username                string  `json:"username"`
		PhoneNumber             string  `json:"phone_number"`
		NewsSimilarityThreshold float64 `json:"news_similarity_threshold"`
		NewsImpactThreshold     float64 `json:"news_impact_threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, domain.ValidationError("bad profile body: %v", err), "user")
		return
	}

	userID, err := s.users.CreateProfile(r.Context(), domain.UserProfile{
		Username:                req.Username,
		PhoneNumber:             req.PhoneNumber,
		NewsSimilarityThreshold: req.NewsSimilarityThreshold,
		NewsImpactThreshold:     req.NewsImpactThreshold,
	})
	if err != nil {
		writeError(w, r, err, "user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": userID})
}

// handleGetConfig returns the assembled user configuration.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	cfg, err := s.users.GetUserConfig(r.Context(), userID)
	if err != nil {
		writeError(w, r, err, "user")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleUpdateConfig applies a partial configuration update: any of
// thresholds, services, model.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	var req struct {
		NewsSimilarityThreshold *float64             `json:"news_similarity_threshold"`
		NewsImpactThreshold     *float64             `json:"news_impact_threshold"`
		ModelType               *string              `json:"model_type"`
		Services                *domain.ServiceFlags `json:"services"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, domain.ValidationError("bad config body: %v", err), "user")
		return
	}

	if req.NewsSimilarityThreshold != nil || req.NewsImpactThreshold != nil {
		cfg, err := s.users.GetUserConfig(r.Context(), userID)
		if err != nil {
			writeError(w, r, err, "user")
			return
		}
		similarity := cfg.Profile.NewsSimilarityThreshold
		impact := cfg.Profile.NewsImpactThreshold
		if req.NewsSimilarityThreshold != nil {
			similarity = *req.NewsSimilarityThreshold
		}
		if req.NewsImpactThreshold != nil {
			impact = *req.NewsImpactThreshold
		}
		if err := s.users.UpdateThresholds(r.Context(), userID, similarity, impact); err != nil {
			writeError(w, r, err, "user")
			return
		}
	}
	if req.ModelType != nil {
		if err := s.users.SetModel(r.Context(), userID, domain.ModelTag(*req.ModelType)); err != nil {
			writeError(w, r, err, "user")
			return
		}
	}
	if req.Services != nil {
		if err := s.users.UpdateServices(r.Context(), userID, *req.Services); err != nil {
			writeError(w, r, err, "user")
			return
		}
	}

	cfg, err := s.users.GetUserConfig(r.Context(), userID)
	if err != nil {
		writeError(w, r, err, "user")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleUpdateStocks replaces the user's watchlist.
func (s *Server) handleUpdateStocks(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	var req struct {
		Stocks []domain.WatchlistEntry `json:"stocks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, domain.ValidationError("bad stocks body: %v", err), "user")
		return
	}
	if err := s.users.UpdateStocks(r.Context(), userID, req.Stocks); err != nil {
		writeError(w, r, err, "user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": len(req.Stocks)})
}

// handleUpdateModel sets the user's model choice.
func (s *Server) handleUpdateModel(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	var req struct {
		ModelType string `json:"model_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, domain.ValidationError("bad model body: %v", err), "user")
		return
	}
	if err := s.users.SetModel(r.Context(), userID, domain.ModelTag(req.ModelType)); err != nil {
		writeError(w, r, err, "user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"model_type": req.ModelType})
}

// Supervisor handlers. Nil-safe: worker binaries run without one.

func (s *Server) handleStartServices(w http.ResponseWriter, r *http.Request) {
	if s.super == nil {
		writeErrorStatus(w, r, http.StatusNotFound, "not_found", "supervisor not enabled", "supervisor")
		return
	}
	userID := chi.URLParam(r, "user_id")
	states, err := s.super.StartUserServices(r.Context(), userID)
	if err != nil {
		writeError(w, r, err, "supervisor")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": states})
}

func (s *Server) handleStopServices(w http.ResponseWriter, r *http.Request) {
	if s.super == nil {
		writeErrorStatus(w, r, http.StatusNotFound, "not_found", "supervisor not enabled", "supervisor")
		return
	}
	userID := chi.URLParam(r, "user_id")
	if err := s.super.StopUserServices(r.Context(), userID); err != nil {
		writeError(w, r, err, "supervisor")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleGetServices(w http.ResponseWriter, r *http.Request) {
	if s.super == nil {
		writeErrorStatus(w, r, http.StatusNotFound, "not_found", "supervisor not enabled", "supervisor")
		return
	}
	userID := chi.URLParam(r, "user_id")
	states, err := s.super.GetUserServices(r.Context(), userID)
	if err != nil {
		writeError(w, r, err, "supervisor")
		return
	}
	if states == nil {
		states = []supervisor.ServiceState{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": states})
}
