package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/jony/caldav-reconciler/internal/config"
	"github.com/jony/caldav-reconciler/internal/models"
)

// setupCmd interactively builds or edits the configuration document:
// one huh.NewGroup per config section, WithHideFunc to skip the
// calendar-rules section when the operator names no calendars
// explicitly, string fields parsed back to their numeric/slice forms
// before being persisted.
func setupCmd() {
	fmt.Printf("%s caldav-reconciler setup\n\n", logo)

	cfgStore, err := config.Load(config.DefaultPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "load existing config: %v (starting blank)\n", err)
		cfgStore, _ = config.Load("")
	}
	cfg := cfgStore.Get()

	baseURL := cfg.CalDAV.BaseURL
	username := cfg.CalDAV.Username
	password := cfg.CalDAV.Password

	aiBaseURL := cfg.AI.BaseURL
	apiKey := cfg.AI.APIKey
	model := cfg.AI.Model
	if model == "" {
		model = "claude-sonnet-4-5-20250929"
	}

	windowDaysStr := strconv.Itoa(orDefault(cfg.Sync.WindowDays, 14))
	intervalStr := strconv.Itoa(orDefault(cfg.Sync.IntervalSecond, 1800))
	timezone := cfg.Sync.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	userCalID := cfg.CalendarRules.User.ID
	stageCalID := cfg.CalendarRules.Staging.ID
	intakeCalID := cfg.CalendarRules.Intake.ID

	immutableKeywords := joinCSV(cfg.CalendarRules.ImmutableKeywords)

	haveAdvancedRules := userCalID != "" || stageCalID != "" || intakeCalID != ""

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("1. CalDAV Base URL").
				Description("Ex: https://nextcloud.example.com/remote.php/dav/calendars/you").
				Value(&baseURL),
			huh.NewInput().
				Title("CalDAV Username").
				Value(&username),
			huh.NewInput().
				Title("CalDAV App Password").
				EchoMode(huh.EchoModePassword).
				Value(&password),
		).Title("CalDAV Connection"),
		huh.NewGroup(
			huh.NewInput().
				Title("2. Anthropic API Key").
				Description("Leave blank to run caldav-only with replanning disabled.").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
			huh.NewInput().
				Title("Model").
				Value(&model),
			huh.NewInput().
				Title("Custom API Base URL (optional)").
				Value(&aiBaseURL),
		).Title("Planner"),
		huh.NewGroup(
			huh.NewInput().Title("3. Planning Window (days)").Value(&windowDaysStr),
			huh.NewInput().Title("Reconcile Interval (seconds)").Value(&intervalStr),
			huh.NewInput().Title("Timezone").Value(&timezone),
		).Title("Schedule"),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Name the managed calendars explicitly?").
				Description("Select NO to let the engine auto-create/discover them by convention.").
				Value(&haveAdvancedRules),
		).Title("Calendar Rules"),
		huh.NewGroup(
			huh.NewInput().Title("4. User Calendar ID").Value(&userCalID),
			huh.NewInput().Title("Staging Calendar ID").Value(&stageCalID),
			huh.NewInput().Title("Intake Calendar ID").Value(&intakeCalID),
			huh.NewInput().Title("Immutable Keywords (comma-separated)").Value(&immutableKeywords),
		).WithHideFunc(func() bool {
			return !haveAdvancedRules
		}),
	)

	if err := form.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "setup aborted: %v\n", err)
		return
	}

	newCfg := models.Config{
		CalDAV: models.CalDAVConfig{BaseURL: baseURL, Username: username, Password: password},
		AI:     models.AIConfig{BaseURL: aiBaseURL, APIKey: apiKey, Model: model, TimeoutSecond: 30},
		Sync: models.SyncConfig{
			WindowDays:     atoiOrDefault(windowDaysStr, 14),
			IntervalSecond: atoiOrDefault(intervalStr, 1800),
			Timezone:       timezone,
		},
		CalendarRules: models.CalendarRulesConfig{
			ImmutableKeywords: splitCSV(immutableKeywords),
		},
		TaskDefaults: models.TaskDefaultsConfig{EditableFields: models.DefaultEditableFields},
	}
	if haveAdvancedRules {
		newCfg.CalendarRules.User = models.CalendarRef{ID: userCalID, Name: "Personal"}
		newCfg.CalendarRules.Staging = models.CalendarRef{ID: stageCalID, Name: "Staging"}
		newCfg.CalendarRules.Intake = models.CalendarRef{ID: intakeCalID, Name: "Intake"}
	} else {
		newCfg.CalendarRules.User = models.CalendarRef{Name: "Personal"}
		newCfg.CalendarRules.Staging = models.CalendarRef{Name: "Staging"}
		newCfg.CalendarRules.Intake = models.CalendarRef{Name: "Intake"}
	}

	if _, err := cfgStore.Merge(newCfg); err != nil {
		fmt.Fprintf(os.Stderr, "save config: %v\n", err)
		return
	}

	fmt.Printf("\n✅ Setup complete! Configuration saved to %s\n", config.DefaultPath())
	fmt.Println("Run `reconciler run` for a one-shot pass, or `reconciler serve` to start the scheduler.")
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func atoiOrDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func joinCSV(items []string) string {
	return strings.Join(items, ",")
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
