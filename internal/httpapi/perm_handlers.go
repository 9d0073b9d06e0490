package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"paperhub.org/internal/auth"
	"paperhub.org/internal/perm"
)

type inviteRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

type roleRequest struct {
	Role string `json:"role"`
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

type listPermissionsResponse struct {
	Items []perm.Permission `json:"items"`
	AsOf  time.Time         `json:"as_of"`
}

type replayResponse struct {
	Entity string       `json:"entity"`
	Events []perm.Event `json:"events"`
}

// handleWorkspaces routes /v1/workspaces/{ws}/permissions[/{email}[/{action}]].
func (a *API) handleWorkspaces(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/workspaces/")
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) < 2 || segs[0] == "" || segs[1] != "permissions" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	ws := segs[0]

	switch {
	case len(segs) == 2:
		switch r.Method {
		case http.MethodGet:
			a.listPermissions(w, r, ws)
		case http.MethodPost:
			a.invite(w, r, ws)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}
	case len(segs) == 3:
		email := segs[2]
		switch r.Method {
		case http.MethodGet:
			a.getPermission(w, r, ws, email)
		case http.MethodDelete:
			a.remove(w, r, ws, email)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
		}
	case len(segs) == 4:
		email := segs[2]
		switch segs[3] {
		case "accept":
			if r.Method != http.MethodPost {
				methodNotAllowed(w, r, http.MethodPost)
				return
			}
			a.accept(w, r, ws, email)
		case "role":
			if r.Method != http.MethodPut {
				methodNotAllowed(w, r, http.MethodPut)
				return
			}
			a.setRole(w, r, ws, email)
		case "revoke":
			if r.Method != http.MethodPost {
				methodNotAllowed(w, r, http.MethodPost)
				return
			}
			a.revoke(w, r, ws, email)
		default:
			writeError(w, r, http.StatusNotFound, "resource not found")
		}
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) listPermissions(w http.ResponseWriter, r *http.Request, ws string) {
	if _, err := a.authz.RequireMember(r.Context(), ws); err != nil {
		handlePermError(w, r, err)
		return
	}
	items, err := a.perms.List(r.Context(), ws)
	if err != nil {
		handlePermError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listPermissionsResponse{Items: items, AsOf: time.Now().UTC()})
}

func (a *API) getPermission(w http.ResponseWriter, r *http.Request, ws, email string) {
	if _, err := a.authz.RequireMember(r.Context(), ws); err != nil {
		handlePermError(w, r, err)
		return
	}
	row, err := a.perms.Get(r.Context(), ws, email)
	if err != nil {
		handlePermError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (a *API) invite(w http.ResponseWriter, r *http.Request, ws string) {
	var req inviteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	p, err := a.requireOwnerOrFounder(r, ws, req)
	if err != nil {
		handlePermError(w, r, err)
		return
	}

	e, err := a.perms.Invite(r.Context(), ws, req.Email, req.Role, p.Email)
	if err != nil {
		handlePermError(w, r, err)
		return
	}

	a.audit(r.Context(), "permissions.invite", map[string]any{
		"workspace": ws,
		"email":     strings.ToLower(strings.TrimSpace(req.Email)),
		"role":      req.Role,
		"event_id":  e.ID,
	})
	w.Header().Set("Location", "/v1/workspaces/"+ws+"/permissions/"+strings.ToLower(strings.TrimSpace(req.Email)))
	writeJSON(w, http.StatusCreated, e)
}

// requireOwnerOrFounder enforces the owner rank for invites, with one
// carve-out: an empty workspace accepts a self-invite as owner, which is how
// a workspace gets its first member.
func (a *API) requireOwnerOrFounder(r *http.Request, ws string, req inviteRequest) (auth.Principal, error) {
	p, err := a.authz.Require(r.Context(), ws, perm.RoleOwner)
	if err == nil || !errors.Is(err, auth.ErrForbidden) {
		return p, err
	}
	existing, listErr := a.perms.List(r.Context(), ws)
	if listErr != nil {
		return p, listErr
	}
	if len(existing) == 0 &&
		strings.EqualFold(strings.TrimSpace(req.Email), p.Email) &&
		req.Role == perm.RoleOwner {
		return p, nil
	}
	return p, err
}

func (a *API) accept(w http.ResponseWriter, r *http.Request, ws, email string) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		handlePermError(w, r, auth.ErrUnauthorized)
		return
	}
	// Only the invitee can accept their own invitation.
	if !strings.EqualFold(strings.TrimSpace(email), p.Email) {
		handlePermError(w, r, auth.ErrForbidden)
		return
	}
	if _, err := a.perms.Get(r.Context(), ws, email); err != nil {
		handlePermError(w, r, err)
		return
	}

	e, err := a.perms.Accept(r.Context(), ws, email)
	if err != nil {
		handlePermError(w, r, err)
		return
	}
	a.audit(r.Context(), "permissions.accept", map[string]any{
		"workspace": ws,
		"email":     p.Email,
		"event_id":  e.ID,
	})
	writeJSON(w, http.StatusOK, e)
}

func (a *API) setRole(w http.ResponseWriter, r *http.Request, ws, email string) {
	var req roleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := a.authz.Require(r.Context(), ws, perm.RoleOwner); err != nil {
		handlePermError(w, r, err)
		return
	}
	if _, err := a.perms.Get(r.Context(), ws, email); err != nil {
		handlePermError(w, r, err)
		return
	}

	e, err := a.perms.SetRole(r.Context(), ws, email, req.Role)
	if err != nil {
		handlePermError(w, r, err)
		return
	}
	a.audit(r.Context(), "permissions.role_change", map[string]any{
		"workspace": ws,
		"email":     strings.ToLower(email),
		"role":      req.Role,
		"event_id":  e.ID,
	})
	writeJSON(w, http.StatusOK, e)
}

func (a *API) revoke(w http.ResponseWriter, r *http.Request, ws, email string) {
	var req revokeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	if _, err := a.authz.Require(r.Context(), ws, perm.RoleOwner); err != nil {
		handlePermError(w, r, err)
		return
	}
	if _, err := a.perms.Get(r.Context(), ws, email); err != nil {
		handlePermError(w, r, err)
		return
	}

	e, err := a.perms.Revoke(r.Context(), ws, email, req.Reason)
	if err != nil {
		handlePermError(w, r, err)
		return
	}
	a.audit(r.Context(), "permissions.revoke", map[string]any{
		"workspace": ws,
		"email":     strings.ToLower(email),
		"reason":    req.Reason,
		"event_id":  e.ID,
	})
	writeJSON(w, http.StatusOK, e)
}

func (a *API) remove(w http.ResponseWriter, r *http.Request, ws, email string) {
	if _, err := a.authz.Require(r.Context(), ws, perm.RoleOwner); err != nil {
		handlePermError(w, r, err)
		return
	}
	if _, err := a.perms.Get(r.Context(), ws, email); err != nil {
		handlePermError(w, r, err)
		return
	}

	e, err := a.perms.Remove(r.Context(), ws, email)
	if err != nil {
		handlePermError(w, r, err)
		return
	}
	a.audit(r.Context(), "permissions.remove", map[string]any{
		"workspace": ws,
		"email":     strings.ToLower(email),
		"event_id":  e.ID,
	})
	writeJSON(w, http.StatusOK, e)
}

// handleReplay returns an entity's full event history in resolver order, the
// diagnostic view of how a projection row was derived.
func (a *API) handleReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	entity := strings.TrimSpace(r.URL.Query().Get("entity"))
	ws, _, err := perm.SplitEntityID(entity)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "entity must look like <workspace>:<email>")
		return
	}
	if _, err := a.authz.RequireMember(r.Context(), ws); err != nil {
		handlePermError(w, r, err)
		return
	}
	events, err := a.perms.Replay(r.Context(), entity)
	if err != nil {
		handlePermError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, replayResponse{Entity: entity, Events: events})
}

// --- shared helpers ---

func parseLimit(raw string, def, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < 1 || val > max {
		return 0, fmt.Errorf("limit must be between 1 and %d", max)
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handlePermError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, perm.ErrInvalidInput),
		errors.Is(err, perm.ErrInvalidPayload),
		errors.Is(err, perm.ErrUnknownEvent),
		errors.Is(err, perm.ErrUnknownEntity):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, perm.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		w.Header().Set("WWW-Authenticate", `Bearer realm="paperhub"`)
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "insufficient permissions")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
