package server

import (
	"net/http"
	"strings"
)

type checkResponse struct {
	UserID     string `json:"user_id"`
	Permission string `json:"permission"`
	Access     bool   `json:"access"`
}

// HandlePermissionCheck serves GET /permissions/check?user=&permission=.
// name= addresses a group by name instead of id.
func (h *Handlers) HandlePermissionCheck(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := strings.TrimSpace(q.Get("user"))
	permission := strings.TrimSpace(q.Get("permission"))
	name := strings.TrimSpace(q.Get("name"))
	if userID == "" || (permission == "" && name == "") {
		writeError(w, http.StatusBadRequest, "user and permission (or name) are required")
		return
	}
	resp := checkResponse{UserID: userID, Permission: permission}
	if permission != "" {
		resp.Access = h.deps.Permissions.Check(r.Context(), userID, permission)
	} else {
		resp.Permission = name
		resp.Access = h.deps.Permissions.CheckByName(r.Context(), userID, name)
	}
	writeJSON(w, http.StatusOK, resp)
}
