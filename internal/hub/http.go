package hub

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/synthlabs/scrybe/internal/buildinfo"
	"github.com/synthlabs/scrybe/internal/models"
)

const maxBody = 1 << 20

// Handler returns the hub's HTTP surface. When gatherer is non-nil, /metrics
// serves it.
func (h *Hub) Handler(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	r.Get("/ws", h.ServeWS)
	r.Get("/states", h.handleList)
	r.Get("/states/{name}", h.handleGet)
	r.Put("/states/{name}", h.handlePut)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (h *Hub) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     buildinfo.Version,
		"connections": h.Connections(),
	})
}

func (h *Hub) handleList(w http.ResponseWriter, r *http.Request) {
	names, err := h.Names(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]State, 0, len(names))
	for _, n := range names {
		st, err := h.Get(r.Context(), n)
		if errors.Is(err, ErrNotFound) {
			out = append(out, State{Name: n})
			continue
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		st.Value = nil
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Hub) handleGet(w http.ResponseWriter, r *http.Request) {
	st, err := h.Get(r.Context(), chi.URLParam(r, "name"))
	switch {
	case errors.Is(err, models.ErrInvalidName):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, st)
	}
}

func (h *Hub) handlePut(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st, err := h.Set(r.Context(), chi.URLParam(r, "name"), body)
	switch {
	case errors.Is(err, models.ErrInvalidName), errors.Is(err, errInvalidJSON), errors.Is(err, errNullValue):
		writeError(w, http.StatusBadRequest, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, st)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
