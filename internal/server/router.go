package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/l0p7/requery"
)

// CacheAPI defines the minimal surface the HTTP facade needs from the cache.
type CacheAPI interface {
	Read(key requery.Key) requery.Snapshot
	Fetch(ctx context.Context, key requery.Key) (any, error)
	Invalidate(prefix requery.Key) int
	Remove(prefix requery.Key) int
	Stats() requery.Stats
}

// NewCacheHandler wires the HTTP facade to the cache so the lifecycle server
// owns URL dispatch without embedding transport concerns into the cache
// itself.
func NewCacheHandler(api CacheAPI, logger *slog.Logger) http.Handler {
	if api == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "cache unavailable", http.StatusServiceUnavailable)
		})
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &cacheHandler{api: api, logger: logger.With(slog.String("component", "http"))}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/entry", h.entry)
	mux.HandleFunc("/v1/invalidate", h.invalidate)
	mux.HandleFunc("/v1/remove", h.remove)
	mux.HandleFunc("/v1/stats", h.stats)
	mux.HandleFunc("/healthz", h.health)
	return mux
}

type cacheHandler struct {
	api    CacheAPI
	logger *slog.Logger
}

type entryResponse struct {
	Key       string         `json:"key"`
	Status    string         `json:"status"`
	Fetching  bool           `json:"fetching,omitempty"`
	Value     any            `json:"value,omitempty"`
	UpdatedAt string         `json:"updatedAt,omitempty"`
	Error     *errorResponse `json:"error,omitempty"`
}

type errorResponse struct {
	Message  string `json:"message"`
	Attempts int    `json:"attempts,omitempty"`
}

type countResponse struct {
	Invalidated int `json:"invalidated,omitempty"`
	Removed     int `json:"removed,omitempty"`
}

type statsResponse struct {
	Entries   int            `json:"entries"`
	Observers int            `json:"observers"`
	InFlight  int            `json:"inFlight"`
	ByStatus  map[string]int `json:"byStatus"`
}

// entry reports the cached state of a key. With wait=true it fetches through
// the cache first, so the reply reflects a settled value or the fetch error.
func (h *cacheHandler) entry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, http.MethodGet)
		return
	}
	key, ok := h.keyParam(w, r, "key")
	if !ok {
		return
	}
	wait := false
	if raw := r.URL.Query().Get("wait"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "wait must be a boolean")
			return
		}
		wait = parsed
	}

	if wait {
		if _, err := h.api.Fetch(r.Context(), key); err != nil {
			status := fetchFailureStatus(err)
			h.writeJSON(w, status, entryResponse{
				Key:    key.String(),
				Status: requery.StatusError.String(),
				Error:  &errorResponse{Message: err.Error()},
			})
			return
		}
	}

	h.writeJSON(w, http.StatusOK, snapshotResponse(h.api.Read(key)))
}

func (h *cacheHandler) invalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w, http.MethodPost)
		return
	}
	prefix, ok := h.keyParam(w, r, "prefix")
	if !ok {
		return
	}
	n := h.api.Invalidate(prefix)
	h.logger.Debug("invalidate requested", slog.String("prefix", prefix.String()), slog.Int("entries", n))
	h.writeJSON(w, http.StatusOK, countResponse{Invalidated: n})
}

func (h *cacheHandler) remove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w, http.MethodPost)
		return
	}
	prefix, ok := h.keyParam(w, r, "prefix")
	if !ok {
		return
	}
	n := h.api.Remove(prefix)
	h.logger.Debug("remove requested", slog.String("prefix", prefix.String()), slog.Int("entries", n))
	h.writeJSON(w, http.StatusOK, countResponse{Removed: n})
}

func (h *cacheHandler) stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, http.MethodGet)
		return
	}
	st := h.api.Stats()
	h.writeJSON(w, http.StatusOK, statsResponse{
		Entries:   st.Entries,
		Observers: st.Observers,
		InFlight:  st.InFlight,
		ByStatus:  st.ByStatus,
	})
}

func (h *cacheHandler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, http.MethodGet)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *cacheHandler) keyParam(w http.ResponseWriter, r *http.Request, name string) (requery.Key, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, name+" query parameter required")
		return requery.Key{}, false
	}
	key, err := requery.ParseKey(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return requery.Key{}, false
	}
	return key, true
}

func (h *cacheHandler) methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (h *cacheHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *cacheHandler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Debug("response encode failed", slog.String("error", err.Error()))
	}
}

func snapshotResponse(snap requery.Snapshot) entryResponse {
	resp := entryResponse{
		Key:      snap.Key.String(),
		Status:   snap.Status.String(),
		Fetching: snap.IsFetching,
	}
	if snap.HasValue {
		resp.Value = snap.Value
		resp.UpdatedAt = snap.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	if snap.Error != nil {
		resp.Error = &errorResponse{Message: snap.Error.Err.Error(), Attempts: snap.Error.Attempts}
	}
	return resp
}

// fetchFailureStatus maps cache fetch errors onto the HTTP facade: missing
// documents stay 404, shutdown surfaces as 503, timeouts as 504 and every
// other upstream failure as 502.
func fetchFailureStatus(err error) int {
	switch {
	case errors.Is(err, requery.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	}
	if remote, ok := requery.AsRemoteError(err); ok {
		if remote.Kind == requery.KindServer && remote.Status == http.StatusNotFound {
			return http.StatusNotFound
		}
	}
	return http.StatusBadGateway
}
