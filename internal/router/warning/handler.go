package warning

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Handler serves the /warnings surface for binaries that do not carry the
// full monitoring API. Reads are open; mutations can be put behind admin
// middleware with SetAdminGate.
type Handler struct {
	service   Service
	adminGate func(http.Handler) http.Handler
}

// NewHandler creates a warning HTTP handler over the given store.
func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// SetAdminGate wraps the mutation routes with the given middleware. Must be
// called before RegisterRoutes.
func (h *Handler) SetAdminGate(gate func(http.Handler) http.Handler) {
	h.adminGate = gate
}

// RegisterRoutes mounts the warning routes. Mutations are grouped so the
// admin gate, when set, covers exactly the routes that change state.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/warnings", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/unacknowledged", h.ListUnacknowledged)
		r.Get("/severity/{severity}", h.ListBySeverity)

		r.Group(func(r chi.Router) {
			if h.adminGate != nil {
				r.Use(h.adminGate)
			}
			r.Post("/{id}/acknowledge", h.Acknowledge)
			r.Delete("/", h.ClearAll)
			r.Delete("/old", h.ClearOld)
		})
	})
}

// List handles GET /warnings
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.GetAllWarnings())
}

// ListUnacknowledged handles GET /warnings/unacknowledged
func (h *Handler) ListUnacknowledged(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.GetUnacknowledgedWarnings())
}

// ListBySeverity handles GET /warnings/severity/{severity}
func (h *Handler) ListBySeverity(w http.ResponseWriter, r *http.Request) {
	severity := chi.URLParam(r, "severity")
	writeJSON(w, http.StatusOK, h.service.GetWarningsBySeverity(severity))
}

// Acknowledge handles POST /warnings/{id}/acknowledge
func (h *Handler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.service.AcknowledgeWarning(id) {
		http.Error(w, "Warning not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearAll handles DELETE /warnings
func (h *Handler) ClearAll(w http.ResponseWriter, r *http.Request) {
	h.service.ClearAllWarnings()
	w.WriteHeader(http.StatusNoContent)
}

// ClearOld handles DELETE /warnings/old?hours=24
func (h *Handler) ClearOld(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if param := r.URL.Query().Get("hours"); param != "" {
		if parsed, err := strconv.Atoi(param); err == nil && parsed > 0 {
			hours = parsed
		}
	}
	h.service.ClearOldWarnings(hours)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
