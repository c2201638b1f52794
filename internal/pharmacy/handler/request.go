package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/actor"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
)

// parsePage reads limit/offset query parameters; the repository clamps them
func parsePage(r *http.Request) (repository.Page, error) {
	var page repository.Page
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return page, errors.BadRequest("limit must be a non-negative integer")
		}
		page.Limit = limit
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return page, errors.BadRequest("offset must be a non-negative integer")
		}
		page.Offset = offset
	}

	return page, nil
}

func optionalQuery(r *http.Request, key string) *string {
	if v := r.URL.Query().Get(key); v != "" {
		return &v
	}
	return nil
}

// optionalTime accepts RFC 3339 timestamps or plain dates
func optionalTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, errors.BadRequest(key + " must be a date (YYYY-MM-DD) or RFC 3339 timestamp")
	}
	return &t, nil
}

// branchFor returns the requested branch or, when empty, the actor's home branch
func branchFor(r *http.Request, requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	if a := actor.FromContext(r.Context()); a != nil && a.BranchID != nil {
		return *a.BranchID, nil
	}
	return "", errors.Validation(map[string]string{"branch_id": "this field is required"})
}

// actorID is the ID of the authenticated user. Routes always run behind
// Authenticate, so a missing actor falls back to the system actor.
func actorID(r *http.Request) string {
	if a := actor.FromContext(r.Context()); a != nil {
		return a.ID
	}
	return actor.SystemID
}

func actorIDPtr(r *http.Request) *string {
	if a := actor.FromContext(r.Context()); a != nil {
		return a.IDPtr()
	}
	return nil
}
