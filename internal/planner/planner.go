// Package planner assembles the planning payload, gates repeat
// scheduled calls via fingerprint, invokes the external LLM planner, and
// normalizes its response into change records.
package planner

import (
	"context"
	"crypto/sha1" //nolint:gosec // payload dedup, not a security boundary
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/jony/caldav-reconciler/internal/models"
	"github.com/jony/caldav-reconciler/internal/transport"
)

// Payload is the request body sent to the planner.
type Payload struct {
	Window struct {
		Start    string `json:"start"`
		End      string `json:"end"`
		Timezone string `json:"timezone"`
	} `json:"window"`
	ImmutableCalendarIDs []string          `json:"immutable_calendar_ids"`
	Events               []PayloadEvent    `json:"events"`
}

// PayloadEvent is the wire shape of one event inside the planner payload.
type PayloadEvent struct {
	CalendarID  string `json:"calendar_id"`
	UID         string `json:"uid"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
	Location    string `json:"location"`
	Start       string `json:"start"`
	End         string `json:"end"`
	Locked      bool   `json:"locked"`
	Mandatory   bool   `json:"mandatory"`
}

// BuildPayload assembles the payload from the immutable and user-layer
// events visible to this run.
func BuildPayload(window models.Window, immutableCalendarIDs []string, immutable, user []models.Event) Payload {
	var p Payload
	p.Window.Start = window.Start.UTC().Format("2006-01-02T15:04:05Z")
	p.Window.End = window.End.UTC().Format("2006-01-02T15:04:05Z")
	p.Window.Timezone = window.Timezone
	p.ImmutableCalendarIDs = immutableCalendarIDs
	for _, e := range append(append([]models.Event{}, immutable...), user...) {
		p.Events = append(p.Events, PayloadEvent{
			CalendarID:  e.CalendarID,
			UID:         e.UID,
			Summary:     e.Summary,
			Description: e.Description,
			Location:    e.Location,
			Start:       e.Start.UTC().Format("2006-01-02T15:04:05Z"),
			End:         e.EffectiveEnd().UTC().Format("2006-01-02T15:04:05Z"),
			Locked:      e.Locked,
			Mandatory:   e.Mandatory,
		})
	}
	return p
}

// Fingerprint hashes the canonical JSON of payload, used to suppress
// identical scheduled calls.
func Fingerprint(payload Payload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:]), nil
}

const systemPrompt = `You are a calendar reconciliation planner. You receive a JSON payload describing a planning window, immutable constraint events, and user-editable events. Reply with a JSON object of the form {"changes":[...]} where each change names a target event by calendar_id and uid and proposes any of start, end, summary, location, description, category, reason. Never propose changes to events you were not given a user_intent for.`

// BuildMessages composes the two-message chat exchange sent to the
// planner: the system prompt, then the payload serialized as JSON text.
func BuildMessages(payload Payload) ([]transport.PlannerMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []transport.PlannerMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: string(data)},
	}, nil
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*\\})\\s*```")

// ExtractJSON pulls the first balanced JSON object out of a planner
// reply, unwrapping a fenced code block if present.
func ExtractJSON(reply string) string {
	if m := fencedJSON.FindStringSubmatch(reply); m != nil {
		return m[1]
	}
	start := strings.IndexByte(reply, '{')
	if start < 0 {
		return reply
	}
	depth := 0
	for i := start; i < len(reply); i++ {
		switch reply[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return reply[start : i+1]
			}
		}
	}
	return reply[start:]
}

type rawChange struct {
	CalendarID  string  `json:"calendar_id"`
	UID         string  `json:"uid"`
	Start       *string `json:"start"`
	End         *string `json:"end"`
	Summary     *string `json:"summary"`
	Location    *string `json:"location"`
	Description *string `json:"description"`
	Category    *string `json:"category"`
	Reason      string  `json:"reason"`
}

type rawResponse struct {
	Changes []rawChange `json:"changes"`
}

// NormalizeChanges decodes a planner reply into a change list. Any
// non-conforming response (not JSON, no "changes" array) yields an empty
// list rather than an error.
func NormalizeChanges(reply string) []models.Change {
	var parsed rawResponse
	if err := json.Unmarshal([]byte(ExtractJSON(reply)), &parsed); err != nil {
		return nil
	}
	var out []models.Change
	for _, rc := range parsed.Changes {
		if strings.TrimSpace(rc.CalendarID) == "" || strings.TrimSpace(rc.UID) == "" {
			continue
		}
		out = append(out, models.Change{
			CalendarID:  rc.CalendarID,
			UID:         rc.UID,
			Start:       rc.Start,
			End:         rc.End,
			Summary:     rc.Summary,
			Location:    rc.Location,
			Description: rc.Description,
			Category:    rc.Category,
			Reason:      rc.Reason,
		})
	}
	return out
}

// Gateway wraps a transport.PlannerClient. It holds no dedup state: the
// last scheduled-call fingerprint is passed in by the caller.
type Gateway struct {
	Client transport.PlannerClient
}

// GeneratePreviewLimit bounds the response-preview size recorded on the
// audit event.
const GeneratePreviewLimit = 10

// Invoke calls the planner unless trigger is scheduled and payloadFP
// matches lastFP, returning the change list, the new fingerprint to
// persist, whether the call was skipped, and the request byte size for
// the request audit event.
func (g Gateway) Invoke(ctx context.Context, trigger models.Trigger, payload Payload, lastFP string) (changes []models.Change, newFP string, skipped bool, requestBytes int, err error) {
	newFP, err = Fingerprint(payload)
	if err != nil {
		return nil, "", false, 0, err
	}
	if trigger == models.TriggerScheduled && lastFP != "" && newFP == lastFP {
		return nil, newFP, true, 0, nil
	}

	messages, err := BuildMessages(payload)
	if err != nil {
		return nil, newFP, false, 0, err
	}
	requestBytes = len(messages[1].Content)

	resp, err := g.Client.Generate(ctx, messages)
	if err != nil {
		return nil, newFP, false, requestBytes, err
	}
	return resp.Changes, newFP, false, requestBytes, nil
}
