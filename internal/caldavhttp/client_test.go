package caldavhttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jony/caldav-reconciler/internal/models"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := models.Event{
		CalendarID:  "personal",
		UID:         "76044593b8:abc",
		Summary:     "Gym",
		Description: "leg day",
		Location:    "Basement",
		Start:       time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC),
		End:         time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC),
	}
	data, err := encodeEvent(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := decodeEvent(data, "personal")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out == nil {
		t.Fatal("decode returned no event")
	}
	if out.UID != in.UID || out.Summary != in.Summary || out.Location != in.Location {
		t.Errorf("round trip mismatch: %+v", out)
	}
	if !out.Start.Equal(in.Start) || !out.End.Equal(in.End) {
		t.Errorf("round trip times: start=%v end=%v", out.Start, out.End)
	}
	if out.AllDay {
		t.Error("timed event must not decode as all-day")
	}
}

func TestEncodeAllDayUsesDateValues(t *testing.T) {
	in := models.Event{
		UID:    "d1",
		Start:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		AllDay: true,
	}
	data, err := encodeEvent(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := decodeEvent(data, "personal")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out == nil || !out.AllDay {
		t.Fatalf("expected all-day event back, got %+v", out)
	}
}

func TestParseICSTime(t *testing.T) {
	got, allDay := parseICSTime("20260301T180000Z")
	if allDay || !got.Equal(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)) {
		t.Errorf("datetime parse = %v allDay=%v", got, allDay)
	}
	got, allDay = parseICSTime("20260301")
	if !allDay || !got.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("date parse = %v allDay=%v", got, allDay)
	}
}

func TestStripHTML(t *testing.T) {
	if got := stripHTML("<b>Hello</b> world"); got != "Hello world" {
		t.Errorf("stripHTML = %q", got)
	}
	if got := stripHTML("plain text stays"); got != "plain text stays" {
		t.Errorf("plain text altered: %q", got)
	}
}

const listBody = `<?xml version="1.0" encoding="utf-8"?>
<d:multistatus xmlns:d="DAV:">
 <d:response>
  <d:href>/dav/calendars/jony/</d:href>
  <d:propstat>
   <d:prop><d:resourcetype><d:collection/></d:resourcetype><d:displayname>Home</d:displayname></d:prop>
   <d:status>HTTP/1.1 200 OK</d:status>
  </d:propstat>
 </d:response>
 <d:response>
  <d:href>/dav/calendars/jony/personal/</d:href>
  <d:propstat>
   <d:prop><d:resourcetype><d:collection/></d:resourcetype><d:displayname>Personal</d:displayname></d:prop>
   <d:status>HTTP/1.1 200 OK</d:status>
  </d:propstat>
 </d:response>
</d:multistatus>`

func TestListCalendarsParsesMultistatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "PROPFIND" {
			t.Errorf("unexpected method %s", r.Method)
		}
		w.WriteHeader(http.StatusMultiStatus)
		w.Write([]byte(listBody))
	}))
	defer srv.Close()

	c := New(models.CalDAVConfig{BaseURL: srv.URL + "/dav/calendars/jony", Username: "jony", Password: "x"}, time.Second)
	cals, err := c.ListCalendars(context.Background())
	if err != nil {
		t.Fatalf("ListCalendars: %v", err)
	}
	if len(cals) != 1 {
		t.Fatalf("expected the home collection itself to be skipped, got %d calendars: %+v", len(cals), cals)
	}
	if cals[0].ID != "personal" || cals[0].Name != "Personal" {
		t.Errorf("calendar = %+v", cals[0])
	}
}
