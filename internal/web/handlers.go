package web

import (
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/hpungsan/unseal/internal/bridge"
	"github.com/hpungsan/unseal/internal/errors"
	"github.com/hpungsan/unseal/internal/ops"
)

// Handlers contains HTTP route handlers for the status API.
type Handlers struct {
	db      *sql.DB
	coord   *ops.Coordinator
	version string
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		renderJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "unavailable",
			"version": h.version,
		})
		return
	}
	renderJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.version,
	})
}

// HandleTransferList handles GET /api/transfers?status=a,b&limit=&offset=.
func (h *Handlers) HandleTransferList(w http.ResponseWriter, r *http.Request) {
	var statuses []bridge.Status
	for _, s := range strings.Split(r.URL.Query().Get("status"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			statuses = append(statuses, bridge.Status(s))
		}
	}

	result, err := h.coord.ListTransfers(r.Context(), statuses,
		parseIntParam(r, "limit", 20), parseIntParam(r, "offset", 0))
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandleTransferGet handles GET /api/transfers/{id}.
func (h *Handlers) HandleTransferGet(w http.ResponseWriter, r *http.Request) {
	result, err := h.coord.GetTransfer(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandleCapsuleGet handles GET /api/capsules/{id}. Content is omitted until
// the capsule is unsealed.
func (h *Handlers) HandleCapsuleGet(w http.ResponseWriter, r *http.Request) {
	result, err := ops.FetchCapsule(r.Context(), h.db, mux.Vars(r)["id"])
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandleGroupList handles GET /api/groups?user_id=.
func (h *Handlers) HandleGroupList(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if strings.TrimSpace(userID) == "" {
		renderError(w, errors.NewInvalidRequest("user_id is required"))
		return
	}
	groups, err := ops.ListGroupsForUser(r.Context(), h.db, userID)
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

// renderError writes err in the same envelope the MCP tools use. Internal
// errors never expose their message.
func renderError(w http.ResponseWriter, err error) {
	var uErr *errors.UnsealError
	if !stderrors.As(err, &uErr) {
		uErr = errors.NewInternal(err)
	}

	message := uErr.Message
	if uErr.Code == errors.ErrInternal {
		message = "an internal error occurred"
	}
	status := uErr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	renderJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    string(uErr.Code),
			"message": message,
			"status":  status,
		},
	})
}

func renderJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
