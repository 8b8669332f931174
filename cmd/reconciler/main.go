package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/jony/caldav-reconciler/internal/aiclient"
	"github.com/jony/caldav-reconciler/internal/audit"
	"github.com/jony/caldav-reconciler/internal/caldavhttp"
	"github.com/jony/caldav-reconciler/internal/config"
	"github.com/jony/caldav-reconciler/internal/engine"
	"github.com/jony/caldav-reconciler/internal/httpadmin"
	"github.com/jony/caldav-reconciler/internal/models"
	"github.com/jony/caldav-reconciler/internal/rlog"
	"github.com/jony/caldav-reconciler/internal/scheduler"
)

const logo = "📅"

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runCmd()
	case "serve":
		serveCmd()
	case "setup":
		setupCmd()
	case "version", "--version", "-v":
		fmt.Printf("%s caldav-reconciler v1.0.0\n", logo)
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Printf("%s caldav-reconciler - CalDAV task reconciliation engine\n\n", logo)
	fmt.Println("Usage: reconciler <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run      Perform a single reconciliation pass and exit")
	fmt.Println("  serve    Run the scheduler loop and admin HTTP surface until interrupted")
	fmt.Println("  setup    Run the interactive configuration wizard")
	fmt.Println("  version  Show version")
}

// openEngine loads config and wires the four run collaborators.
func openEngine() (*engine.Engine, *config.Store, *audit.Store, error) {
	cfgStore, err := config.Load(config.DefaultPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	cfg := cfgStore.Get()

	home, _ := os.UserHomeDir()
	auditPath := os.Getenv("RECONCILER_AUDIT_DB")
	if auditPath == "" {
		auditPath = filepath.Join(home, ".caldav-reconciler", "audit.db")
	}
	auditStore, err := audit.Open(auditPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open audit store: %w", err)
	}

	timeout := time.Duration(cfg.AI.TimeoutSecond) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	caldav := caldavhttp.New(cfg.CalDAV, timeout)
	planner := aiclient.New(cfg.AI)

	return engine.New(cfgStore, auditStore, caldav, planner), cfgStore, auditStore, nil
}

// runCmd performs a single manually-triggered reconciliation pass,
// printing the resulting summary.
func runCmd() {
	e, _, auditStore, err := openEngine()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s setup error: %v\n", logo, err)
		os.Exit(1)
	}
	defer auditStore.Close()

	summary := e.RunOnce(context.Background(), models.TriggerManual, nil)
	fmt.Printf("status=%s changes=%d conflicts=%d message=%q\n", summary.Status, summary.ChangesApplied, summary.Conflicts, summary.Message)
	if summary.Status == models.StatusError {
		os.Exit(1)
	}
}

// serveCmd runs the scheduler loop and the admin HTTP surface together,
// joining them in reverse start order on SIGINT.
func serveCmd() {
	e, cfgStore, auditStore, err := openEngine()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s setup error: %v\n", logo, err)
		os.Exit(1)
	}
	defer auditStore.Close()

	log := rlog.New("Main")
	cfg := cfgStore.Get()
	interval := time.Duration(cfg.Sync.IntervalSecond) * time.Second

	addr := os.Getenv("RECONCILER_ADMIN_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8780"
	}

	admin := httpadmin.New(auditStore, e.CalDAV, nil, addr)
	sched := scheduler.New(e, interval, admin.RecordLastRun)
	admin.SetTrigger(sched)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	admin.Start()
	sched.Start(ctx)
	log.Printf("serving on %s, reconciling every %s", addr, interval)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	<-sigChan

	log.Printf("shutting down")
	cancel()
	if err := sched.Stop(10 * time.Second); err != nil {
		log.Errorf("scheduler stop: %v", err)
	}
	if err := admin.Stop(5 * time.Second); err != nil {
		log.Errorf("admin server stop: %v", err)
	}
}
