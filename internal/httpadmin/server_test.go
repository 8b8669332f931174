package httpadmin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jony/caldav-reconciler/internal/audit"
	"github.com/jony/caldav-reconciler/internal/models"
)

type fakeCalDAV struct {
	events map[string]models.Event // uid -> event
}

func (f *fakeCalDAV) ListCalendars(ctx context.Context) ([]models.Calendar, error) { return nil, nil }
func (f *fakeCalDAV) EnsureCalendar(ctx context.Context, id, name string) (models.Calendar, error) {
	return models.Calendar{}, nil
}
func (f *fakeCalDAV) Fetch(ctx context.Context, calendarID string, start, end time.Time) ([]models.Event, error) {
	return nil, nil
}
func (f *fakeCalDAV) Upsert(ctx context.Context, calendarID string, event models.Event) (models.Event, error) {
	event.ETag = "etag-after-write"
	f.events[event.UID] = event
	return event, nil
}
func (f *fakeCalDAV) Delete(ctx context.Context, calendarID, uid string) (bool, error) { return true, nil }
func (f *fakeCalDAV) GetByUID(ctx context.Context, calendarID, uid string) (*models.Event, error) {
	e, ok := f.events[uid]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

type fakeTrigger struct {
	calls int
}

func (f *fakeTrigger) TriggerManual(trigger models.Trigger, window *models.Window) bool {
	f.calls++
	return f.calls == 1
}

func newTestServer(t *testing.T) (*Server, *audit.Store, *fakeCalDAV) {
	t.Helper()
	store, err := audit.Open(t.TempDir() + "/audit.db")
	if err != nil {
		t.Fatalf("open audit store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	caldav := &fakeCalDAV{events: map[string]models.Event{}}
	s := New(store, caldav, &fakeTrigger{}, "127.0.0.1:0")
	return s, store, caldav
}

func TestHandleTriggerAccepted(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest("POST", "/trigger", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	if rec.Code != 202 {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleTriggerConflictWhenAlreadyQueued(t *testing.T) {
	s, _, _ := newTestServer(t)
	for i, want := range []int{202, 409} {
		req := httptest.NewRequest("POST", "/trigger", nil)
		rec := httptest.NewRecorder()
		s.srv.Handler.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("call %d: status = %d, want %d", i, rec.Code, want)
		}
	}
}

func TestHandleUndoRestoresBeforeState(t *testing.T) {
	s, store, caldav := newTestServer(t)
	runID, err := store.RecordRun(models.RunSummary{Status: models.StatusSuccess})
	if err != nil {
		t.Fatalf("record run: %v", err)
	}
	before := models.Event{CalendarID: "user-cal", UID: "abc", Summary: "Original"}
	after := models.Event{CalendarID: "user-cal", UID: "abc", Summary: "Changed", ETag: "etag-live"}
	detail := models.ChangeAuditDetail{Before: before, After: after, ExpectedETag: "etag-live"}
	if err := store.RecordAuditEvent(runID, "user-cal", "abc", "apply_ai_change", detail); err != nil {
		t.Fatalf("record audit event: %v", err)
	}
	caldav.events["abc"] = models.Event{CalendarID: "user-cal", UID: "abc", Summary: "Changed", ETag: "etag-live"}

	body, _ := json.Marshal(undoRequest{CalendarID: "user-cal", UID: "abc"})
	req := httptest.NewRequest("POST", "/undo", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if stored := caldav.events["abc"]; stored.Summary != "Original" {
		t.Errorf("summary after undo = %q, want %q", stored.Summary, "Original")
	}
}

func TestHandleUndoConflictsOnStaleETag(t *testing.T) {
	s, store, caldav := newTestServer(t)
	runID, _ := store.RecordRun(models.RunSummary{Status: models.StatusSuccess})
	detail := models.ChangeAuditDetail{
		Before:       models.Event{CalendarID: "user-cal", UID: "abc", Summary: "Original"},
		ExpectedETag: "etag-expected",
	}
	if err := store.RecordAuditEvent(runID, "user-cal", "abc", "apply_ai_change", detail); err != nil {
		t.Fatalf("record audit event: %v", err)
	}
	caldav.events["abc"] = models.Event{CalendarID: "user-cal", UID: "abc", Summary: "SomeoneElseEdited", ETag: "etag-moved"}

	body, _ := json.Marshal(undoRequest{CalendarID: "user-cal", UID: "abc"})
	req := httptest.NewRequest("POST", "/undo", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	if rec.Code != 409 {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleStatusReportsLastRun(t *testing.T) {
	s, _, _ := newTestServer(t)
	s.RecordLastRun(models.RunSummary{Status: models.StatusSuccess, ChangesApplied: 3})

	req := httptest.NewRequest("GET", "/status", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.HaveRun || resp.Last.ChangesApplied != 3 {
		t.Errorf("unexpected status response: %+v", resp)
	}
}
