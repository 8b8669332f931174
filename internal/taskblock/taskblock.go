// Package taskblock parses, normalizes and re-emits the [AI Task]
// structured block embedded in an event's description, carrying policy,
// constraints and user intent.
package taskblock

import (
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jony/caldav-reconciler/internal/models"
)

const (
	startMarker = "[AI Task]"
	endMarker   = "[/AI Task]"
)

var blockPattern = regexp.MustCompile(`(?s)\[AI Task\]\s*\n(.*?)\n\[/AI Task\]`)

// intentFallback matches a user_intent line even inside a block that
// otherwise fails to parse as YAML, so an in-flight edit is never lost.
var intentFallback = regexp.MustCompile(`(?m)^\s*user_intent\s*:\s*(.+)$`)

// Constraints is the task block's constraints sub-record.
type Constraints struct {
	EarliestStart            *time.Time `yaml:"earliest_start"`
	LatestEnd                *time.Time `yaml:"latest_end"`
	AvoidOverlapWithMandatory bool      `yaml:"avoid_overlap_with_mandatory"`
}

// Block is the normalized, explicit schema of an [AI Task] body.
type Block struct {
	Version        int         `yaml:"version"`
	Locked         bool        `yaml:"locked"`
	Mandatory      bool        `yaml:"mandatory"`
	EditableFields []string    `yaml:"editable_fields"`
	UserIntent     string      `yaml:"user_intent"`
	Constraints    Constraints `yaml:"constraints"`
	Priority       string      `yaml:"priority"`
	Source         string      `yaml:"source"`
	LastEditor     string      `yaml:"last_editor"`
	UpdatedAt      string      `yaml:"updated_at"`
	Category       string      `yaml:"category,omitempty"`
}

// Default builds the default block from configured task_defaults.
func Default(defaults models.TaskDefaultsConfig) Block {
	fields := defaults.EditableFields
	if len(fields) == 0 {
		fields = append([]string(nil), models.DefaultEditableFields...)
	}
	return Block{
		Version:        1,
		Locked:         defaults.Locked,
		Mandatory:      defaults.Mandatory,
		EditableFields: fields,
		UserIntent:     "",
		Constraints:    Constraints{AvoidOverlapWithMandatory: true},
		Priority:       "medium",
		Source:         "system",
		LastEditor:     "system",
		UpdatedAt:      nowISO(),
	}
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Parse locates the first delimited block in description and decodes its
// body as YAML. It returns (nil, false) on any parse failure or absence.
func Parse(description string) (*Block, bool) {
	if description == "" {
		return nil, false
	}
	m := blockPattern.FindStringSubmatch(description)
	if m == nil {
		return nil, false
	}
	var b Block
	if err := yaml.Unmarshal([]byte(m[1]), &b); err != nil {
		return nil, false
	}
	return &b, true
}

// Strip removes the [AI Task] block from description, returning the rest.
func Strip(description string) string {
	if description == "" {
		return ""
	}
	return strings.TrimSpace(blockPattern.ReplaceAllString(description, ""))
}

// FallbackIntent extracts user_intent via regex when Parse fails,
// guaranteeing an in-flight user edit is never silently discarded.
func FallbackIntent(description string) (string, bool) {
	m := blockPattern.FindStringSubmatch(description)
	if m == nil {
		return "", false
	}
	im := intentFallback.FindStringSubmatch(m[1])
	if im == nil {
		return "", false
	}
	return strings.TrimSpace(im[1]), true
}

// Normalize overlays a parsed block on top of the configured defaults:
// missing fields take default values, editable_fields is clamped to a
// non-empty subset of the allowed five, locked/mandatory are coerced to
// bool, and updated_at defaults to now when absent.
func Normalize(parsed *Block, defaults models.TaskDefaultsConfig) Block {
	b := Default(defaults)
	if parsed != nil {
		if parsed.Version != 0 {
			b.Version = parsed.Version
		}
		b.Locked = parsed.Locked
		b.Mandatory = parsed.Mandatory
		if len(parsed.EditableFields) > 0 {
			b.EditableFields = parsed.EditableFields
		}
		b.UserIntent = parsed.UserIntent
		if parsed.Constraints.EarliestStart != nil {
			b.Constraints.EarliestStart = parsed.Constraints.EarliestStart
		}
		if parsed.Constraints.LatestEnd != nil {
			b.Constraints.LatestEnd = parsed.Constraints.LatestEnd
		}
		b.Constraints.AvoidOverlapWithMandatory = parsed.Constraints.AvoidOverlapWithMandatory
		if parsed.Priority != "" {
			b.Priority = parsed.Priority
		}
		if parsed.Source != "" {
			b.Source = parsed.Source
		}
		if parsed.LastEditor != "" {
			b.LastEditor = parsed.LastEditor
		}
		if parsed.UpdatedAt != "" {
			b.UpdatedAt = parsed.UpdatedAt
		}
		if parsed.Category != "" {
			b.Category = parsed.Category
		}
	}
	b.EditableFields = clampEditableFields(b.EditableFields)
	return b
}

func clampEditableFields(fields []string) []string {
	allowed := make(map[string]bool, len(models.DefaultEditableFields))
	for _, f := range models.DefaultEditableFields {
		allowed[f] = true
	}
	cleaned := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" && allowed[f] {
			cleaned = append(cleaned, f)
		}
	}
	if len(cleaned) == 0 {
		return append([]string(nil), models.DefaultEditableFields...)
	}
	return cleaned
}

// ForImmutable forces locked=true, mandatory=true on a normalized
// block: immutable-source events always carry these regardless of
// stored values.
func ForImmutable(b Block) Block {
	b.Locked = true
	b.Mandatory = true
	return b
}

// Emit serializes b as YAML and either replaces the existing block inside
// description in place, or appends it separated by a blank line.
func Emit(description string, b Block) string {
	body, err := yaml.Marshal(b)
	if err != nil {
		body = []byte{}
	}
	block := startMarker + "\n" + strings.TrimRight(string(body), "\n") + "\n" + endMarker
	if description == "" {
		return block
	}
	if blockPattern.MatchString(description) {
		return strings.TrimSpace(blockPattern.ReplaceAllString(description, block))
	}
	return strings.TrimSpace(strings.TrimRight(description, " \t\n") + "\n\n" + block)
}

// SetCategory patches only the category field into the block embedded in
// description, leaving the rest of the block untouched. It is kept
// distinct from Normalize+Emit because the reconciler's category patch
// must not re-run full normalization mid-apply.
func SetCategory(description, category string) (string, bool) {
	parsed, ok := Parse(description)
	if !ok {
		return description, false
	}
	if parsed.Category == category {
		return description, false
	}
	parsed.Category = category
	return Emit(description, *parsed), true
}

// ClearIntent patches user_intent to "" in the block embedded in
// description, consuming the intent after a successful apply.
func ClearIntent(description string) string {
	parsed, ok := Parse(description)
	if !ok {
		return description
	}
	if parsed.UserIntent == "" {
		return description
	}
	parsed.UserIntent = ""
	return Emit(description, *parsed)
}

// Ensure prepares a description for ingestion: it parses the existing
// block (falling back to defaults on any failure), normalizes it,
// re-emits the description, and reports whether anything changed so
// callers only write back when needed.
func Ensure(description string, defaults models.TaskDefaultsConfig) (newDescription string, block Block, changed bool) {
	parsed, ok := Parse(description)
	normalized := Normalize(parsed, defaults)
	if !ok {
		if intent, found := FallbackIntent(description); found {
			normalized.UserIntent = intent
		}
	}
	emitted := Emit(description, normalized)
	if !ok {
		return emitted, normalized, true
	}
	changed = !equalBlocks(*parsed, normalized) || emitted != description
	return emitted, normalized, changed
}

func equalBlocks(a, b Block) bool {
	ae, _ := yaml.Marshal(a)
	be, _ := yaml.Marshal(b)
	return string(ae) == string(be)
}
