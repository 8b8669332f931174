package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/jony/caldav-reconciler/internal/models"
	"github.com/jony/caldav-reconciler/internal/transport"
)

type fakeClient struct {
	events  map[string]map[string]models.Event // calendarID -> uid -> event
	deletes []string
	upserts []string
}

func newFake() *fakeClient {
	return &fakeClient{events: map[string]map[string]models.Event{}}
}

func (f *fakeClient) ListCalendars(ctx context.Context) ([]models.Calendar, error) { return nil, nil }
func (f *fakeClient) EnsureCalendar(ctx context.Context, id, name string) (models.Calendar, error) {
	return models.Calendar{ID: id, Name: name}, nil
}
func (f *fakeClient) Fetch(ctx context.Context, calendarID string, start, end time.Time) ([]models.Event, error) {
	var out []models.Event
	for _, e := range f.events[calendarID] {
		out = append(out, e)
	}
	return out, nil
}
func (f *fakeClient) Upsert(ctx context.Context, calendarID string, event models.Event) (models.Event, error) {
	if f.events[calendarID] == nil {
		f.events[calendarID] = map[string]models.Event{}
	}
	event.CalendarID = calendarID
	event.ETag = "etag-" + event.UID
	f.events[calendarID][event.UID] = event
	f.upserts = append(f.upserts, calendarID+":"+event.UID)
	return event, nil
}
func (f *fakeClient) Delete(ctx context.Context, calendarID, uid string) (bool, error) {
	f.deletes = append(f.deletes, calendarID+":"+uid)
	delete(f.events[calendarID], uid)
	return true, nil
}
func (f *fakeClient) GetByUID(ctx context.Context, calendarID, uid string) (*models.Event, error) {
	e, ok := f.events[calendarID][uid]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

var _ transport.CalDAVClient = (*fakeClient)(nil)

func TestStageHygieneDropsNested(t *testing.T) {
	events := []models.Event{
		{UID: "76044593b8:abc"},
		{UID: "aaaaaaaaaa:76044593b8:abc"},
	}
	cleaned, mutated := StageHygiene(events, nil)
	if !mutated || len(cleaned) != 1 {
		t.Fatalf("expected nested uid dropped, got %+v mutated=%v", cleaned, mutated)
	}
}

func TestStageHygieneDropsDuplicates(t *testing.T) {
	events := []models.Event{{UID: "abc"}, {UID: "abc"}}
	cleaned, mutated := StageHygiene(events, nil)
	if !mutated || len(cleaned) != 1 {
		t.Fatalf("expected duplicate uid dropped, got %+v mutated=%v", cleaned, mutated)
	}
}

func TestUserHygieneDeletesNestedWhenTwinExistsLaterInFetch(t *testing.T) {
	client := newFake()
	twin := models.Event{CalendarID: "user-cal", UID: "76044593b8:abc", Summary: "Gym"}
	nested := models.Event{CalendarID: "user-cal", UID: "aaaaaaaaaa:76044593b8:abc", Summary: "Stale copy"}
	client.events["user-cal"] = map[string]models.Event{twin.UID: twin, nested.UID: nested}

	var audited string
	audit := func(action, calendarID, uid, detail string) { audited = action }
	// The nested entry comes first in the fetch; the twin check must
	// still see the whole set, not just what was scanned so far.
	result, mutated, err := UserHygiene(context.Background(), client, "user-cal", []models.Event{nested, twin}, audit)
	if err != nil || !mutated {
		t.Fatalf("err=%v mutated=%v", err, mutated)
	}
	if len(client.upserts) != 0 {
		t.Errorf("the live twin must not be overwritten, got upserts %v", client.upserts)
	}
	if audited != "purge_nested_user_uid" {
		t.Errorf("audit = %q, want purge_nested_user_uid", audited)
	}
	if _, ok := client.events["user-cal"][nested.UID]; ok {
		t.Error("nested entry should be deleted")
	}
	if len(result) != 1 || result[0].UID != twin.UID || result[0].Summary != "Gym" {
		t.Errorf("working set = %+v, want just the untouched twin", result)
	}
}

func TestUserHygieneMigratesNestedWithoutTwin(t *testing.T) {
	client := newFake()
	nested := models.Event{CalendarID: "user-cal", UID: "aaaaaaaaaa:76044593b8:abc", Summary: "Only copy"}
	client.events["user-cal"] = map[string]models.Event{nested.UID: nested}

	result, mutated, err := UserHygiene(context.Background(), client, "user-cal", []models.Event{nested}, nil)
	if err != nil || !mutated {
		t.Fatalf("err=%v mutated=%v", err, mutated)
	}
	if _, ok := client.events["user-cal"]["76044593b8:abc"]; !ok {
		t.Error("expected the nested entry migrated in place under the collapsed uid")
	}
	if _, ok := client.events["user-cal"][nested.UID]; ok {
		t.Error("nested original should be deleted after migration")
	}
	if len(result) != 1 || result[0].UID != "76044593b8:abc" {
		t.Errorf("working set = %+v", result)
	}
}

func TestImportIntakeFreshEvent(t *testing.T) {
	client := newFake()
	ctx := context.Background()
	intakeEvents := []models.Event{{UID: "abc", Summary: "Gym"}}

	mutated, err := ImportIntake(ctx, client, "intake-cal", "user-cal", intakeEvents, map[string]models.Event{}, models.TaskDefaultsConfig{}, nil)
	if err != nil || !mutated {
		t.Fatalf("expected import to mutate, err=%v mutated=%v", err, mutated)
	}
	expected := "3f23805859:abc" // not asserted exactly; just check presence under some namespaced uid
	_ = expected
	found := false
	for uid := range client.events["user-cal"] {
		if uid != "abc" {
			found = true
		}
	}
	if !found {
		t.Error("expected a namespaced user-layer twin to be created")
	}
	if len(client.events["intake-cal"]) != 0 {
		t.Error("intake original should be deleted after import")
	}
}

func TestImportIntakePurgesAlreadyNamespaced(t *testing.T) {
	client := newFake()
	ctx := context.Background()
	intakeEvents := []models.Event{{UID: "76044593b8:abc"}}

	mutated, err := ImportIntake(ctx, client, "intake-cal", "user-cal", intakeEvents, map[string]models.Event{}, models.TaskDefaultsConfig{}, nil)
	if err != nil || !mutated {
		t.Fatalf("expected purge to mutate, err=%v mutated=%v", err, mutated)
	}
	if len(client.events["user-cal"]) != 0 {
		t.Error("a pre-namespaced intake event must never be seeded into user layer")
	}
}
