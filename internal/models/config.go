package models

// DefaultEditableFields is the full set of fields a task block may mark
// editable; normalize() clamps to a non-empty subset of this set.
var DefaultEditableFields = []string{"start", "end", "summary", "location", "description"}

// TaskDefaultsConfig is the task_defaults section of the configuration
// schema.
type TaskDefaultsConfig struct {
	Locked         bool     `yaml:"locked"`
	Mandatory      bool     `yaml:"mandatory"`
	EditableFields []string `yaml:"editable_fields"`
}

// CalendarRef names a managed calendar by id/name.
type CalendarRef struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// PerCalendarDefault is one entry of calendar_rules.per_calendar_defaults.
type PerCalendarDefault struct {
	Mode      string `yaml:"mode"` // "editable" | "immutable"
	Locked    bool   `yaml:"locked"`
	Mandatory bool   `yaml:"mandatory"`
}

// CalendarRulesConfig is the calendar_rules section of the configuration
// schema.
type CalendarRulesConfig struct {
	ImmutableKeywords    []string                      `yaml:"immutable_keywords"`
	ImmutableCalendarIDs []string                      `yaml:"immutable_calendar_ids"`
	Staging              CalendarRef                   `yaml:"staging"`
	User                 CalendarRef                   `yaml:"user"`
	Intake               CalendarRef                   `yaml:"intake"`
	PerCalendarDefaults  map[string]PerCalendarDefault `yaml:"per_calendar_defaults"`
}

// CalDAVConfig is the caldav section of the configuration schema.
type CalDAVConfig struct {
	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// AIConfig is the ai section of the configuration schema.
type AIConfig struct {
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	TimeoutSecond int    `yaml:"timeout_seconds"`
	SystemPrompt  string `yaml:"system_prompt"`
}

// SyncConfig is the sync section of the configuration schema.
type SyncConfig struct {
	WindowDays     int    `yaml:"window_days"`
	IntervalSecond int    `yaml:"interval_seconds"`
	Timezone       string `yaml:"timezone"`
}

// Config is the full configuration document.
type Config struct {
	CalDAV        CalDAVConfig        `yaml:"caldav"`
	AI            AIConfig            `yaml:"ai"`
	Sync          SyncConfig          `yaml:"sync"`
	CalendarRules CalendarRulesConfig `yaml:"calendar_rules"`
	TaskDefaults  TaskDefaultsConfig  `yaml:"task_defaults"`
}
