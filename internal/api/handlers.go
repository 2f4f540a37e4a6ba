package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"promptsched/internal/auth"
	"promptsched/internal/cycle"
	"promptsched/internal/notify"
	"promptsched/internal/rule"
	"promptsched/internal/store"
	logx "promptsched/pkg/logx"
)

const keyHeader = "X-Api-Key"

func (s *Service) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /v1/schedules", s.withKey(s.handleCreate))
	mux.HandleFunc("GET /v1/schedules", s.withKey(s.handleList))
	mux.HandleFunc("GET /v1/schedules/{id}", s.withKey(s.handleGet))
	mux.HandleFunc("PATCH /v1/schedules/{id}", s.withKey(s.handleUpdate))
	mux.HandleFunc("DELETE /v1/schedules/{id}", s.withKey(s.handleDelete))
	mux.HandleFunc("GET /v1/schedules/{id}/records", s.withKey(s.handleRecords))
	mux.HandleFunc("POST /v1/cycle", s.withKey(s.handleCycle))

	return mux
}

// withKey resolves the X-Api-Key header to an identity before the handler
// runs. The identity travels as an argument, not in the request context.
func (s *Service) withKey(h func(http.ResponseWriter, *http.Request, auth.Identity)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.keys.Resolve(r.Header.Get(keyHeader))
		if err != nil {
			s.log.Debug("key rejected", logx.Err(err))
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		h(w, r, id)
	}
}

// entryView is the wire shape of a schedule entry. The owner hash stays
// internal.
type entryView struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	Prompt              string        `json:"prompt"`
	Rule                rule.Spec     `json:"rule"`
	Enabled             bool          `json:"enabled"`
	Notify              notify.Config `json:"notify,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
	LastExecutedAt      *time.Time    `json:"last_executed_at,omitempty"`
	NextExecutionAt     time.Time     `json:"next_execution_at"`
	ExecutionCount      int           `json:"execution_count"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

func toView(e store.ScheduleEntry) entryView {
	return entryView{
		ID:                  e.ID,
		Name:                e.Name,
		Prompt:              e.Prompt,
		Rule:                e.Rule,
		Enabled:             e.Enabled,
		Notify:              e.Notify,
		CreatedAt:           e.CreatedAt,
		UpdatedAt:           e.UpdatedAt,
		LastExecutedAt:      e.LastExecutedAt,
		NextExecutionAt:     e.NextExecutionAt,
		ExecutionCount:      e.ExecutionCount,
		ConsecutiveFailures: e.ConsecutiveFailures,
	}
}

type createRequest struct {
	Name    string         `json:"name"`
	Prompt  string         `json:"prompt"`
	Rule    rule.Spec      `json:"rule"`
	Enabled *bool          `json:"enabled,omitempty"`
	Notify  *notify.Config `json:"notify,omitempty"`
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "name and prompt are required")
		return
	}
	if err := rule.Validate(req.Rule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	enabled := req.Enabled == nil || *req.Enabled
	if enabled {
		if ok, msg := s.underTierCap(r, id); !ok {
			writeError(w, http.StatusForbidden, msg)
			return
		}
	}

	entry := store.ScheduleEntry{
		OwnerKey: id.OwnerKey,
		Name:     req.Name,
		Prompt:   req.Prompt,
		Rule:     req.Rule,
		Enabled:  enabled,
	}
	if req.Notify != nil {
		entry.Notify = *req.Notify
	}

	created, err := s.store.Create(r.Context(), entry)
	if err != nil {
		s.log.Error("create schedule failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}
	writeJSON(w, http.StatusCreated, toView(created))
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	entries, err := s.store.FindByOwner(r.Context(), id.OwnerKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, toView(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": views})
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	e, err := s.ownedEntry(w, r, id)
	if err != nil {
		return
	}
	writeJSON(w, http.StatusOK, toView(e))
}

type updateRequest struct {
	Name    *string        `json:"name,omitempty"`
	Prompt  *string        `json:"prompt,omitempty"`
	Rule    *rule.Spec     `json:"rule,omitempty"`
	Enabled *bool          `json:"enabled,omitempty"`
	Notify  *notify.Config `json:"notify,omitempty"`
}

func (s *Service) handleUpdate(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var req updateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Rule != nil {
		if err := rule.Validate(*req.Rule); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Enabled != nil && *req.Enabled {
		cur, err := s.store.Get(r.Context(), r.PathValue("id"))
		if err == nil && cur.OwnerKey == id.OwnerKey && !cur.Enabled {
			if ok, msg := s.underTierCap(r, id); !ok {
				writeError(w, http.StatusForbidden, msg)
				return
			}
		}
	}

	updated, err := s.store.Update(r.Context(), r.PathValue("id"), id.OwnerKey, store.EntryUpdate{
		Name:    req.Name,
		Prompt:  req.Prompt,
		Rule:    req.Rule,
		Enabled: req.Enabled,
		Notify:  req.Notify,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(updated))
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	if err := s.store.Delete(r.Context(), r.PathValue("id"), id.OwnerKey); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleRecords(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	e, err := s.ownedEntry(w, r, id)
	if err != nil {
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be 1..500")
			return
		}
		limit = n
	}
	recs, err := s.store.RecordsByEntry(r.Context(), e.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "records failed")
		return
	}
	if recs == nil {
		recs = []store.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (s *Service) handleCycle(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	rep, err := s.coord.RunCycle(r.Context(), time.Now())
	switch {
	case errors.Is(err, cycle.ErrCycleBusy):
		writeError(w, http.StatusConflict, "cycle already running")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"due":       rep.Due,
			"succeeded": rep.Succeeded,
			"failed":    rep.Failed,
			"took_ms":   rep.Took.Milliseconds(),
		})
	}
}

// ownedEntry loads the entry and hides other owners' entries behind 404.
func (s *Service) ownedEntry(w http.ResponseWriter, r *http.Request, id auth.Identity) (store.ScheduleEntry, error) {
	e, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return store.ScheduleEntry{}, err
	}
	if e.OwnerKey != id.OwnerKey {
		writeError(w, http.StatusNotFound, "not found")
		return store.ScheduleEntry{}, store.ErrUnauthorized
	}
	return e, nil
}

func (s *Service) underTierCap(r *http.Request, id auth.Identity) (bool, string) {
	n, err := s.store.CountEnabledByOwner(r.Context(), id.OwnerKey)
	if err != nil {
		s.log.Error("tier cap check failed", logx.Err(err))
		return false, "cap check failed"
	}
	if limit := id.Tier.MaxEnabled(); n >= limit {
		return false, "enabled schedule limit reached for tier " + string(id.Tier)
	}
	return true, ""
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrUnauthorized):
		// Other owners' entries are indistinguishable from missing ones.
		writeError(w, http.StatusNotFound, "not found")
	default:
		writeError(w, http.StatusInternalServerError, "storage error")
	}
}
