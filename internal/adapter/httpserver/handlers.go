package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fairyhunter13/llm-keyrouter/internal/domain"
)

// KeyLister exposes the pool snapshot.
type KeyLister interface {
	Keys() []domain.KeySlotStatus
}

// Check is a named readiness probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Server holds the ops handlers.
type Server struct {
	keys   KeyLister
	checks []Check
}

// NewServer creates the ops server.
func NewServer(keys KeyLister, checks ...Check) *Server {
	return &Server{keys: keys, checks: checks}
}

// HealthzHandler reports liveness.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type checkResult struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Details string `json:"details,omitempty"`
}

// ReadyzHandler runs every probe; 503 when any fails or no key is usable.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		ready := true
		results := make([]checkResult, 0, len(s.checks)+1)
		for _, c := range s.checks {
			res := checkResult{Name: c.Name, OK: true}
			if err := c.Probe(ctx); err != nil {
				res.OK, res.Details, ready = false, err.Error(), false
			}
			results = append(results, res)
		}

		usable := 0
		now := time.Now()
		for _, k := range s.keys.Keys() {
			if k.CooldownUntil == nil || !k.CooldownUntil.After(now) {
				usable++
			}
		}
		keysRes := checkResult{Name: "key_pool", OK: usable > 0}
		if usable == 0 {
			keysRes.Details, ready = "every key is cooling down", false
		} else {
			keysRes.Details = fmt.Sprintf("%d usable", usable)
		}
		results = append(results, keysRes)

		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ready": ready, "checks": results})
	}
}

// KeysHandler lists key slots without credentials.
func (s *Server) KeysHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		keys := s.keys.Keys()
		if len(keys) == 0 {
			writeError(w, domain.ErrNoKeys, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
	}
}
