package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"schedsync/internal/config"
	"schedsync/internal/gcal"
	"schedsync/internal/ics"
	appLog "schedsync/internal/log"
	"schedsync/internal/mapper"
	"schedsync/internal/state"
	"schedsync/internal/store"
	synccore "schedsync/internal/sync"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "schedsync",
		Short:         "Keep a local schedule in sync with an external calendar",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "./schedsync.yaml", "path to config file")

	root.AddCommand(
		newSyncCmd(),
		newPullCmd(),
		newImportCmd(),
		newDaemonCmd(),
		newCalendarsCmd(),
		newEnableCmd(true),
		newEnableCmd(false),
	)

	if err := root.Execute(); err != nil {
		appLog.Error("command failed", err)
		os.Exit(1)
	}
}

// app bundles everything a command needs.
type app struct {
	cfg    *config.Config
	store  *store.Store
	states *state.FileStore
	client *gcal.Client
	orch   *synccore.Orchestrator
}

// setup loads config and opens the local stores; withProvider also builds
// the Google Calendar client and the orchestrator.
func setup(ctx context.Context, withProvider bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))

	st, err := store.Open(cfg.SchedulePath)
	if err != nil {
		return nil, fmt.Errorf("opening schedule: %w", err)
	}

	a := &app{cfg: cfg, store: st, states: state.NewFileStore(cfg.StatePath)}
	if !withProvider {
		return a, nil
	}

	creds, err := cfg.GoogleCredentials()
	if err != nil {
		return nil, err
	}
	persisted, err := a.states.Load()
	if err != nil {
		appLog.Error("sync state unreadable", err)
		persisted = nil
	}
	calendarID := ""
	if persisted != nil {
		calendarID = persisted.CalendarID
	}

	client, err := gcal.New(ctx, creds, calendarID)
	if err != nil {
		return nil, err
	}
	a.client = client

	m := mapper.New(cfg.Location())
	a.orch = synccore.New(client, a.states, client, m, synccore.Options{
		CalendarName:       cfg.CalendarName,
		ForwardWindowWeeks: cfg.ForwardWindowWeeks,
		ReversePastDays:    cfg.ReversePastDays,
		ReverseFutureDays:  cfg.ReverseFutureDays,
		Periods:            cfg.Periods,
	})
	return a, nil
}

func (a *app) runForward(ctx context.Context) synccore.Result {
	loc := a.cfg.Location()
	semStart := a.cfg.SemesterStartDate(loc)
	res := a.orch.Forward(ctx, a.store.ActiveEvents(), a.store.Courses(), semStart, a.cfg.TotalWeeks)
	logResult("forward", res)
	return res
}

func (a *app) runReverse(ctx context.Context) synccore.Result {
	res := a.orch.Reverse(ctx, a.store.ReverseHooks(), a.store.ActiveEvents(), a.store.ArchivedEvents())
	logResult("reverse", res)
	return res
}

func logResult(pass string, res synccore.Result) {
	if !res.Success {
		appLog.Error(pass+" pass failed", res.Err, "message", res.Message)
		return
	}
	appLog.Info(pass+" pass done",
		"created", res.Created, "updated", res.Updated,
		"deleted", res.Deleted, "skipped", res.Skipped,
		"duration", res.Duration)
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one forward (app to calendar) pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), true)
			if err != nil {
				return err
			}
			if res := a.runForward(cmd.Context()); !res.Success {
				return res.Err
			}
			return nil
		},
	}
}

func newPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Run one reverse (calendar to app) pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), true)
			if err != nil {
				return err
			}
			if res := a.runReverse(cmd.Context()); !res.Success {
				return res.Err
			}
			return nil
		},
	}
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Import configured ICS feeds into the local schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), false)
			if err != nil {
				return err
			}
			if len(a.cfg.ICS) == 0 {
				return fmt.Errorf("no ICS sources configured")
			}

			loc := a.cfg.Location()
			now := time.Now().In(loc)
			from := now.AddDate(0, 0, -a.cfg.ReversePastDays)
			until := now.AddDate(0, 0, a.cfg.ReverseFutureDays)

			batch := ics.Import(cmd.Context(), ics.NewFetcher(), a.cfg.ICS, from, until, loc)
			stats, err := a.store.ApplyImport(batch, a.cfg.PreserveArchiveStatus)
			if err != nil {
				return err
			}
			appLog.Info("import done", "added", stats.Added, "skipped", stats.Skipped, "archive_changes", stats.Archived)
			return nil
		},
	}
}

func newCalendarsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "calendars",
		Short: "List writable external calendars",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), true)
			if err != nil {
				return err
			}
			cals, err := a.client.ListWritableCalendars(cmd.Context())
			if err != nil {
				return err
			}
			for _, c := range cals {
				fmt.Printf("%s\t%s\n", c.ID, c.Name)
			}
			return nil
		},
	}
}

// newEnableCmd builds the enable/disable toggle for the persisted sync
// flag.
func newEnableCmd(enable bool) *cobra.Command {
	use, short := "enable", "Enable synchronization"
	if !enable {
		use, short = "disable", "Disable synchronization"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), false)
			if err != nil {
				return err
			}
			st, err := a.states.Load()
			if err != nil {
				return err
			}
			st.Enabled = enable
			if err := a.states.Save(st); err != nil {
				return err
			}
			appLog.Info("sync flag updated", "enabled", enable)
			return nil
		},
	}
}

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run periodic sync passes on the configured cron schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := setup(ctx, true)
			if err != nil {
				return err
			}

			// Re-sync when the local schedule changes; coalesced through a
			// buffered channel so a burst of edits triggers one pass.
			changed := make(chan struct{}, 1)
			a.store.OnChange(func() {
				select {
				case changed <- struct{}{}:
				default:
				}
			})

			runBoth := func() {
				a.runForward(ctx)
				a.runReverse(ctx)
			}

			c := cron.New()
			if _, err := c.AddFunc(a.cfg.RefreshCron, runBoth); err != nil {
				return fmt.Errorf("bad refresh cron %q: %w", a.cfg.RefreshCron, err)
			}
			c.Start()
			defer c.Stop()

			appLog.Info("daemon started", "refresh", a.cfg.RefreshCron)
			runBoth()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			for {
				select {
				case sig := <-sigCh:
					appLog.Info("signal received, shutting down", "signal", sig.String())
					return nil
				case <-changed:
					a.runForward(ctx)
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
}
