package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"paperhub.org/internal/perm"
	"paperhub.org/internal/replication"
)

// handleReplication serves the peer-to-peer event exchange: POST ingests a
// batch pushed by a peer, GET pages this node's log out for peer resync.
// Both directions are guarded by the shared peer token, not user JWTs.
func (a *API) handleReplication(w http.ResponseWriter, r *http.Request) {
	if !a.checkPeerToken(r) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="paperhub-replication"`)
		writeError(w, r, http.StatusUnauthorized, "invalid peer token")
		return
	}

	switch r.Method {
	case http.MethodPost:
		a.ingestEvents(w, r)
	case http.MethodGet:
		a.serveEvents(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) checkPeerToken(r *http.Request) bool {
	if a.peerToken == "" {
		return false
	}
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.peerToken)) == 1
}

func (a *API) ingestEvents(w http.ResponseWriter, r *http.Request) {
	var req replication.PushRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Events) == 0 {
		writeError(w, r, http.StatusBadRequest, "events are required")
		return
	}
	if len(req.Events) > 500 {
		writeError(w, r, http.StatusBadRequest, "batch too large")
		return
	}

	start := time.Now().UTC()
	resp := replication.PushResponse{Results: make([]replication.PushResult, 0, len(req.Events))}
	applied := 0
	for _, e := range req.Events {
		res, err := a.perms.HandleRemote(r.Context(), e)
		pr := replication.PushResult{ID: e.ID, Status: res.Status}
		if err != nil {
			pr.Error = err.Error()
		} else if res.Status == perm.AppendApplied {
			applied++
		}
		resp.Results = append(resp.Results, pr)
	}

	a.audit(r.Context(), "replication.ingest", map[string]any{
		"events":      len(req.Events),
		"applied":     applied,
		"duration_ms": float64(time.Since(start).Microseconds()) / 1000.0,
	})
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) serveEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), 100, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	afterParam := strings.TrimSpace(r.URL.Query().Get("after"))
	var after uint64
	if afterParam != "" {
		v, err := strconv.ParseUint(afterParam, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = v
	}

	events, next, err := a.perms.ReadSince(r.Context(), after, limit)
	if err != nil {
		handlePermError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, replication.FetchResponse{Events: events, NextAfter: next})
}
