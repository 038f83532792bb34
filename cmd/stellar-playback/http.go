package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-playback/internal/domain/player"
	"github.com/edumarques81/stellar-playback/internal/infra/cache"
	"github.com/edumarques81/stellar-playback/internal/version"
)

// historyStore is the part of the cache the HTTP API reads.
type historyStore interface {
	RecentPlays(ctx context.Context, limit int) ([]cache.PlayRecord, error)
	GetStats(ctx context.Context) (cache.Stats, error)
}

type api struct {
	svc     *player.Service
	history historyStore
	socket  http.Handler
}

func (a *api) routes() http.Handler {
	rest := http.NewServeMux()
	rest.Handle("GET /metrics", promhttp.Handler())
	rest.HandleFunc("GET /health", a.health)
	rest.HandleFunc("GET /api/v1/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, version.GetInfo())
	})
	rest.HandleFunc("GET /api/v1/session", a.session)
	rest.HandleFunc("GET /api/v1/queue", a.queue)
	rest.HandleFunc("GET /api/v1/history", a.recentPlays)

	// Socket.IO answers its own CORS preflights.
	mux := http.NewServeMux()
	if a.socket != nil {
		mux.Handle("/socket.io/", a.socket)
	}
	mux.Handle("/", corsMiddleware(rest))
	return mux
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok", "session": "none"}
	if sess := a.svc.Active(); sess != nil {
		resp["session"] = sess.State().String()
	}

	stats, err := a.history.GetStats(r.Context())
	if err != nil {
		resp["status"] = "error"
		resp["database"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp["positions"] = stats.PositionCount
	resp["plays"] = stats.PlayCount
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) session(w http.ResponseWriter, r *http.Request) {
	snap, err := a.svc.Snapshot()
	if errors.Is(err, player.ErrNoActiveSession) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, snap.ToJSON())
}

func (a *api) queue(w http.ResponseWriter, r *http.Request) {
	snap := a.svc.Queue().Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": snap.Items,
		"index": snap.Index,
		"mode":  snap.Mode.String(),
	})
}

func (a *api) recentPlays(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	plays, err := a.history.RecentPlays(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read play history")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, plays)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// corsMiddleware sets CORS headers on every response, errors included, so
// browser clients served from another port can read them.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
