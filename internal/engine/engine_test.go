package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jony/caldav-reconciler/internal/audit"
	"github.com/jony/caldav-reconciler/internal/config"
	"github.com/jony/caldav-reconciler/internal/models"
	"github.com/jony/caldav-reconciler/internal/transport"
	"github.com/jony/caldav-reconciler/internal/uidcodec"
)

// fakeCalDAV is an in-memory transport.CalDAVClient. Etags advance on
// every write so the optimistic-concurrency paths see realistic version
// movement.
type fakeCalDAV struct {
	mu        sync.Mutex
	calendars []models.Calendar
	events    map[string]map[string]models.Event // calendarID -> uid -> event
	etagSeq   int
}

func newFakeCalDAV(calendars ...models.Calendar) *fakeCalDAV {
	f := &fakeCalDAV{calendars: calendars, events: map[string]map[string]models.Event{}}
	for _, c := range calendars {
		f.events[c.ID] = map[string]models.Event{}
	}
	return f
}

func (f *fakeCalDAV) ListCalendars(ctx context.Context) ([]models.Calendar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Calendar(nil), f.calendars...), nil
}

func (f *fakeCalDAV) EnsureCalendar(ctx context.Context, id, name string) (models.Calendar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calendars {
		if c.ID == id {
			return c, nil
		}
	}
	cal := models.Calendar{ID: id, Name: name}
	f.calendars = append(f.calendars, cal)
	f.events[id] = map[string]models.Event{}
	return cal, nil
}

func (f *fakeCalDAV) Fetch(ctx context.Context, calendarID string, start, end time.Time) ([]models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Event
	for _, e := range f.events[calendarID] {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeCalDAV) Upsert(ctx context.Context, calendarID string, event models.Event) (models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events[calendarID] == nil {
		f.events[calendarID] = map[string]models.Event{}
	}
	f.etagSeq++
	event.CalendarID = calendarID
	event.ETag = fmt.Sprintf("etag-%d", f.etagSeq)
	f.events[calendarID][event.UID] = event
	return event, nil
}

func (f *fakeCalDAV) Delete(ctx context.Context, calendarID, uidOrHref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.events[calendarID][uidOrHref]; !ok {
		return false, nil
	}
	delete(f.events[calendarID], uidOrHref)
	return true, nil
}

func (f *fakeCalDAV) GetByUID(ctx context.Context, calendarID, uid string) (*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[calendarID][uid]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

var _ transport.CalDAVClient = (*fakeCalDAV)(nil)

type fakePlanner struct {
	mu      sync.Mutex
	calls   int
	changes []models.Change
}

func (f *fakePlanner) IsConfigured() bool { return true }
func (f *fakePlanner) Generate(ctx context.Context, messages []transport.PlannerMessage) (transport.PlannerResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return transport.PlannerResponse{Changes: f.changes}, nil
}
func (f *fakePlanner) Test(ctx context.Context) (bool, string)          { return true, "ok" }
func (f *fakePlanner) ListModels(ctx context.Context) ([]string, error) { return nil, nil }

func (f *fakePlanner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var _ transport.PlannerClient = (*fakePlanner)(nil)

func testConfig() models.Config {
	return models.Config{
		CalDAV: models.CalDAVConfig{BaseURL: "https://dav.example", Username: "jony", Password: "x"},
		Sync:   models.SyncConfig{WindowDays: 7, IntervalSecond: 300, Timezone: "UTC"},
		CalendarRules: models.CalendarRulesConfig{
			User:    models.CalendarRef{ID: "user-cal", Name: "User"},
			Staging: models.CalendarRef{ID: "stage-cal", Name: "Staging"},
			Intake:  models.CalendarRef{ID: "intake-cal", Name: "Intake"},
		},
		TaskDefaults: models.TaskDefaultsConfig{EditableFields: models.DefaultEditableFields},
	}
}

func newTestEngine(t *testing.T, caldav *fakeCalDAV, planner *fakePlanner) *Engine {
	t.Helper()
	cfgStore, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfgStore.Set(testConfig()); err != nil {
		t.Fatal(err)
	}
	auditStore, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { auditStore.Close() })
	return New(cfgStore, auditStore, caldav, planner)
}

func managedCalendars() []models.Calendar {
	return []models.Calendar{
		{ID: "user-cal", Name: "User"},
		{ID: "stage-cal", Name: "Staging"},
		{ID: "intake-cal", Name: "Intake"},
	}
}

func TestRunOnceFreshIntake(t *testing.T) {
	caldav := newFakeCalDAV(managedCalendars()...)
	start := time.Now().UTC().Add(time.Hour)
	caldav.events["intake-cal"]["abc"] = models.Event{
		CalendarID: "intake-cal", UID: "abc", Summary: "Gym",
		Start: start, End: start.Add(time.Hour),
	}
	planner := &fakePlanner{}
	e := newTestEngine(t, caldav, planner)

	summary := e.RunOnce(context.Background(), models.TriggerManual, nil)
	if summary.Status != models.StatusSuccess {
		t.Fatalf("status = %q (%s), want success", summary.Status, summary.Message)
	}

	target := uidcodec.StagingUID("intake-cal", "abc")
	twin, ok := caldav.events["user-cal"][target]
	if !ok {
		t.Fatalf("expected user-layer twin under %q, have %v", target, keys(caldav.events["user-cal"]))
	}
	if twin.Source != models.SourceUser || twin.OriginalUID != "abc" || twin.OriginalCalendarID != "intake-cal" {
		t.Errorf("twin provenance wrong: %+v", twin)
	}
	if len(caldav.events["intake-cal"]) != 0 {
		t.Error("intake original must be deleted after import")
	}
	if _, ok := caldav.events["stage-cal"][target]; !ok {
		t.Error("stage must mirror the user layer under the preserved uid")
	}
	if planner.callCount() != 1 {
		t.Errorf("planner calls = %d, want 1 (fresh intake must force a replan)", planner.callCount())
	}
}

func TestScheduledRunsWithIdenticalInputsCallPlannerOnce(t *testing.T) {
	caldav := newFakeCalDAV(managedCalendars()...)
	start := time.Now().UTC().Add(2 * time.Hour)
	caldav.events["intake-cal"]["e1"] = models.Event{
		CalendarID: "intake-cal", UID: "e1", Summary: "Dentist",
		Start: start, End: start.Add(time.Hour),
	}
	planner := &fakePlanner{}
	e := newTestEngine(t, caldav, planner)

	first := e.RunOnce(context.Background(), models.TriggerScheduled, nil)
	if first.Status != models.StatusSuccess {
		t.Fatalf("first run status = %q (%s)", first.Status, first.Message)
	}
	second := e.RunOnce(context.Background(), models.TriggerScheduled, nil)
	if second.Status != models.StatusSuccess {
		t.Fatalf("second run status = %q (%s)", second.Status, second.Message)
	}
	if planner.callCount() != 1 {
		t.Errorf("planner calls = %d, want exactly 1 across two identical scheduled runs", planner.callCount())
	}
	if second.ChangesApplied != 0 {
		t.Errorf("second run applied %d changes, want 0", second.ChangesApplied)
	}
}

func TestRunOnceRepairsNestedUserUID(t *testing.T) {
	caldav := newFakeCalDAV(managedCalendars()...)
	start := time.Now().UTC().Add(time.Hour)
	twin := models.Event{
		CalendarID: "user-cal", UID: "76044593b8:abc", Summary: "Gym",
		Start: start, End: start.Add(time.Hour),
	}
	nested := models.Event{
		CalendarID: "user-cal", UID: "aaaaaaaaaa:76044593b8:abc", Summary: "Stale copy",
		Start: start, End: start.Add(time.Hour),
	}
	caldav.events["user-cal"][twin.UID] = twin
	caldav.events["user-cal"][nested.UID] = nested
	planner := &fakePlanner{}
	e := newTestEngine(t, caldav, planner)

	summary := e.RunOnce(context.Background(), models.TriggerScheduled, nil)
	if summary.Status != models.StatusSuccess {
		t.Fatalf("status = %q (%s)", summary.Status, summary.Message)
	}
	if _, ok := caldav.events["user-cal"][nested.UID]; ok {
		t.Error("nested entry should be deleted")
	}
	kept, ok := caldav.events["user-cal"][twin.UID]
	if !ok {
		t.Fatal("collapsed twin must survive the repair")
	}
	if kept.Summary != "Gym" {
		t.Errorf("twin content overwritten by the stale nested copy: %+v", kept)
	}
	if planner.callCount() != 1 {
		t.Errorf("planner calls = %d, want 1 (nested-uid repair must force a replan)", planner.callCount())
	}
}

func TestRunOnceSkippedWithoutCalDAVConfig(t *testing.T) {
	cfgStore, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	auditStore, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer auditStore.Close()
	e := New(cfgStore, auditStore, newFakeCalDAV(), &fakePlanner{})

	summary := e.RunOnce(context.Background(), models.TriggerStartup, nil)
	if summary.Status != models.StatusSkipped {
		t.Errorf("status = %q, want skipped when caldav is unconfigured", summary.Status)
	}
}

func TestRunOnceNormalizesUserTaskBlocks(t *testing.T) {
	caldav := newFakeCalDAV(managedCalendars()...)
	uid := uidcodec.StagingUID("some-src", "raw1")
	start := time.Now().UTC().Add(3 * time.Hour)
	caldav.events["user-cal"][uid] = models.Event{
		CalendarID: "user-cal", UID: uid, Summary: "Review PRs",
		Description: "just notes, no block",
		Start:       start, End: start.Add(time.Hour),
	}
	planner := &fakePlanner{}
	e := newTestEngine(t, caldav, planner)

	summary := e.RunOnce(context.Background(), models.TriggerScheduled, nil)
	if summary.Status != models.StatusSuccess {
		t.Fatalf("status = %q (%s)", summary.Status, summary.Message)
	}
	normalized := caldav.events["user-cal"][uid]
	if normalized.Description == "just notes, no block" {
		t.Error("expected the user event's description to gain a task block")
	}
	if planner.callCount() != 1 {
		t.Errorf("planner calls = %d, want 1 (normalization is a mutation and must force a replan)", planner.callCount())
	}
}

func keys(m map[string]models.Event) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}
