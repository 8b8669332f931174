// Package httpadmin is the minimal HTTP admin surface: trigger a manual
// run, read status/history, and undo or revise a single applied change
// under its etag precondition. A plain net/http server run in its own
// goroutine is all an internal admin surface needs.
package httpadmin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/jony/caldav-reconciler/internal/audit"
	"github.com/jony/caldav-reconciler/internal/models"
	"github.com/jony/caldav-reconciler/internal/rlog"
	"github.com/jony/caldav-reconciler/internal/transport"
)

// Triggerer is the subset of scheduler.Scheduler the admin surface
// needs, kept narrow so tests can substitute a fake.
type Triggerer interface {
	TriggerManual(trigger models.Trigger, window *models.Window) bool
}

// Server is the admin HTTP surface. It holds the last run summary in
// memory (refreshed by whatever calls RecordLastRun, normally the
// scheduler's onRun hook) so /status answers without touching sqlite on
// every poll.
type Server struct {
	audit   *audit.Store
	caldav  transport.CalDAVClient
	trigger Triggerer

	mu      sync.Mutex
	last    models.RunSummary
	haveRun bool

	log rlog.Logger
	srv *http.Server
}

// New builds a Server. addr is the listen address (host:port). trigger
// may be nil at construction time (the scheduler that implements it is
// typically built afterward, since it in turn wants this server's
// RecordLastRun as its onRun hook); call SetTrigger before Start.
func New(auditStore *audit.Store, caldav transport.CalDAVClient, trigger Triggerer, addr string) *Server {
	s := &Server{audit: auditStore, caldav: caldav, trigger: trigger, log: rlog.New("Admin")}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/trigger", s.handleTrigger)
	mux.HandleFunc("/undo", s.handleUndo)
	mux.HandleFunc("/revise", s.handleRevise)
	mux.HandleFunc("/history", s.handleHistory)
	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// SetTrigger wires the scheduler after construction, breaking the
// New(server)/New(scheduler, server.RecordLastRun) construction cycle.
func (s *Server) SetTrigger(trigger Triggerer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trigger = trigger
}

// RecordLastRun updates the in-memory last-run summary. Wire this as the
// scheduler's onRun callback.
func (s *Server) RecordLastRun(summary models.RunSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = summary
	s.haveRun = true
}

// Start launches the HTTP server in the background. ListenAndServe's
// terminal http.ErrServerClosed is swallowed; any other error is logged.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("listen: %v", err)
		}
	}()
}

// Stop shuts the server down within timeout.
func (s *Server) Stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

type statusResponse struct {
	HaveRun bool              `json:"have_run"`
	Last    models.RunSummary `json:"last_run,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	resp := statusResponse{HaveRun: s.haveRun, Last: s.last}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	runs, err := s.audit.RecentRuns(20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

type triggerRequest struct {
	Window *struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"window,omitempty"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req triggerRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	trig := models.TriggerManual
	var window *models.Window
	if req.Window != nil {
		start, serr := time.Parse(time.RFC3339, req.Window.Start)
		end, eerr := time.Parse(time.RFC3339, req.Window.End)
		if serr != nil || eerr != nil {
			http.Error(w, "window start/end must be RFC3339", http.StatusBadRequest)
			return
		}
		window = &models.Window{Start: start, End: end}
		trig = models.TriggerManualWindow
	}

	s.mu.Lock()
	trigger := s.trigger
	s.mu.Unlock()
	if trigger == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scheduler not ready"})
		return
	}
	if !trigger.TriggerManual(trig, window) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "a manual run is already queued"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type undoRequest struct {
	CalendarID string `json:"calendar_id"`
	UID        string `json:"uid"`
}

// handleUndo restores the before-state of the most recent
// apply_ai_change event recorded for (calendar_id, uid), refusing when
// the live etag no longer matches what was written.
func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req undoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ev, ok, err := s.audit.LatestChangeEvent(req.CalendarID, req.UID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok || ev.Action != "apply_ai_change" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no undoable change recorded for this event"})
		return
	}
	var detail models.ChangeAuditDetail
	if err := json.Unmarshal([]byte(ev.DetailsJSON), &detail); err != nil {
		http.Error(w, "corrupt audit detail", http.StatusInternalServerError)
		return
	}

	live, err := s.caldav.GetByUID(r.Context(), req.CalendarID, req.UID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if live == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "event no longer exists"})
		return
	}
	if detail.ExpectedETag != "" && live.ETag != detail.ExpectedETag {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "version-conflict: live etag does not match the change being undone"})
		return
	}

	restored := detail.Before
	restored.ETag = live.ETag
	written, err := s.caldav.Upsert(r.Context(), req.CalendarID, restored)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, written)
}

type reviseRequest struct {
	CalendarID  string  `json:"calendar_id"`
	UID         string  `json:"uid"`
	Summary     *string `json:"summary,omitempty"`
	Location    *string `json:"location,omitempty"`
	Description *string `json:"description,omitempty"`
	Start       *string `json:"start,omitempty"`
	End         *string `json:"end,omitempty"`
}

// handleRevise applies an operator-supplied correction directly to the
// live event, enforcing the same expected-etag precondition as undo:
// the operator must be looking at the version the system last wrote,
// not a stale one.
func (s *Server) handleRevise(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req reviseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ev, ok, err := s.audit.LatestChangeEvent(req.CalendarID, req.UID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var expectedETag string
	if ok {
		var detail models.ChangeAuditDetail
		if jerr := json.Unmarshal([]byte(ev.DetailsJSON), &detail); jerr == nil {
			expectedETag = detail.ExpectedETag
		}
	}

	live, err := s.caldav.GetByUID(r.Context(), req.CalendarID, req.UID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if live == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "event not found"})
		return
	}
	if expectedETag != "" && live.ETag != expectedETag {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "version-conflict: live etag has moved since the last recorded change"})
		return
	}

	updated := *live
	if req.Summary != nil {
		updated.Summary = *req.Summary
	}
	if req.Location != nil {
		updated.Location = *req.Location
	}
	if req.Description != nil {
		updated.Description = *req.Description
	}
	if req.Start != nil {
		t, perr := time.Parse(time.RFC3339, *req.Start)
		if perr != nil {
			http.Error(w, "start must be RFC3339", http.StatusBadRequest)
			return
		}
		updated.Start = t
	}
	if req.End != nil {
		t, perr := time.Parse(time.RFC3339, *req.End)
		if perr != nil {
			http.Error(w, "end must be RFC3339", http.StatusBadRequest)
			return
		}
		updated.End = t
	}

	written, err := s.caldav.Upsert(r.Context(), req.CalendarID, updated)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, written)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
