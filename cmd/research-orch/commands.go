package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/claude-research-orchestrator/internal/batch"
	"github.com/hochfrequenz/claude-research-orchestrator/internal/config"
	"github.com/hochfrequenz/claude-research-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-research-orchestrator/internal/history"
	"github.com/hochfrequenz/claude-research-orchestrator/internal/notify"
	"github.com/hochfrequenz/claude-research-orchestrator/internal/runner"
	"github.com/hochfrequenz/claude-research-orchestrator/tui"
	"github.com/hochfrequenz/claude-research-orchestrator/web/api"
)

var (
	runFile       string
	runParallel   int
	runTimeout    int
	runModel      string
	runPeriod     string
	runYear       int
	runJSON       bool
	runTUI        bool
	runNoHistory  bool
	historyLimit  int
	servePort     int
	serveHost     string
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run [QUESTION...]",
		Short: "Run a batch of research questions",
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runFile, "file", "", "file with one question per line")
	runCmd.Flags().IntVar(&runParallel, "parallel", 0, "worker count (default from config)")
	runCmd.Flags().IntVar(&runTimeout, "timeout", 0, "per-query timeout in seconds")
	runCmd.Flags().StringVar(&runModel, "model", "", "agent model override")
	runCmd.Flags().StringVar(&runPeriod, "period", "", "time period hint: early, mid or late")
	runCmd.Flags().IntVar(&runYear, "year", 0, "year the questions refer to")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the full outcome as JSON")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "show a live dashboard while running")
	runCmd.Flags().BoolVar(&runNoHistory, "no-history", false, "skip writing the batch to history")
	rootCmd.AddCommand(runCmd)

	// history command
	historyCmd := &cobra.Command{
		Use:   "history [BATCH_ID]",
		Short: "Show past batches",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of batches to list")
	rootCmd.AddCommand(historyCmd)

	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the web dashboard and submission API",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "host to bind (default from config)")
	rootCmd.AddCommand(serveCmd)

	// schedule command
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run scheduled batches from the schedule file",
		RunE:  runSchedule,
	}
	rootCmd.AddCommand(scheduleCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func buildParams(cfg *config.Config) domain.Params {
	if runTimeout > 0 {
		cfg.Research.TimeoutSeconds = runTimeout
	}

	period := cfg.Research.Period
	if runPeriod != "" {
		period = runPeriod
	}
	year := cfg.Research.Year
	if runYear > 0 {
		year = runYear
	}
	if year == 0 {
		year = time.Now().Year()
	}
	model := cfg.Research.Model
	if runModel != "" {
		model = runModel
	}

	return domain.Params{
		Period:              domain.ParsePeriod(period),
		Year:                year,
		Model:               model,
		Timeout:             cfg.EffectiveTimeout(),
		MaxSources:          cfg.EffectiveMaxSources(),
		RejectCommandEvents: cfg.Policy.RejectCommandEvents,
	}
}

func buildOrchestrator(cfg *config.Config) (*batch.Orchestrator, error) {
	var pattern *regexp.Regexp
	if cfg.Policy.CommandPattern != "" {
		var err error
		pattern, err = regexp.Compile(cfg.Policy.CommandPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid command_pattern: %w", err)
		}
	}

	r := runner.New(
		cfg.General.AgentBinary,
		cfg.General.ScratchDir,
		pattern,
		logrus.WithField("component", "runner"),
	)

	return &batch.Orchestrator{
		Runner: r,
		Log:    logrus.WithField("component", "batch"),
	}, nil
}

func readQuestions(args []string) ([]string, error) {
	questions := append([]string(nil), args...)

	if runFile != "" {
		data, err := os.ReadFile(runFile)
		if err != nil {
			return nil, err
		}
		questions = append(questions, strings.Split(string(data), "\n")...)
	}

	questions = batch.FilterQuestions(questions)
	if len(questions) == 0 {
		return nil, fmt.Errorf("no questions given; pass them as arguments or via --file")
	}
	return questions, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	questions, err := readQuestions(args)
	if err != nil {
		return err
	}

	orch, err := buildOrchestrator(cfg)
	if err != nil {
		return err
	}

	parallelism := runParallel
	if parallelism <= 0 {
		parallelism = cfg.Research.MaxParallel
	}

	req := batch.Request{
		Questions:   questions,
		Params:      buildParams(cfg),
		Parallelism: parallelism,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var outcome *domain.BatchOutcome
	if runTUI {
		outcome, err = executeWithTUI(ctx, orch, req)
	} else {
		sink := func(s string) { fmt.Fprintln(os.Stderr, s) }
		outcome, err = orch.Execute(ctx, req, sink)
	}
	if err != nil {
		return err
	}

	saveAndNotify(cfg, outcome)

	if runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(outcome); err != nil {
			return err
		}
	} else {
		fmt.Println(outcome.Text)
	}

	if !outcome.OK {
		return fmt.Errorf("batch failed: %s", outcome.Reason)
	}
	return nil
}

// executeWithTUI runs the batch in the background and drives a live
// dashboard in the foreground. Quitting the dashboard aborts the batch.
func executeWithTUI(ctx context.Context, orch *batch.Orchestrator, req batch.Request) (*domain.BatchOutcome, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		runs    []domain.RunState
		done    bool
		outcome *domain.BatchOutcome
		execErr error
	)

	orch.Observer = func(snapshot []domain.RunState) {
		mu.Lock()
		runs = snapshot
		mu.Unlock()
	}

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		outcome, execErr = orch.Execute(ctx, req, nil)
		mu.Lock()
		done = true
		if outcome != nil {
			runs = outcome.Runs
		}
		mu.Unlock()
	}()

	model := tui.NewModel(func() tui.Snapshot {
		mu.Lock()
		defer mu.Unlock()
		s := tui.Snapshot{Runs: runs, Done: done}
		if outcome != nil {
			s.BatchID = outcome.ID
		}
		return s
	})

	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		cancel()
		<-finished
		return nil, err
	}

	cancel()
	<-finished
	return outcome, execErr
}

func saveAndNotify(cfg *config.Config, outcome *domain.BatchOutcome) {
	if !runNoHistory && cfg.General.DatabasePath != "" {
		store, err := history.New(cfg.General.DatabasePath)
		if err != nil {
			logrus.WithError(err).Warn("could not open history database")
		} else {
			defer store.Close()
			if err := store.SaveBatch(outcome); err != nil {
				logrus.WithError(err).Warn("could not record batch in history")
			}
		}
	}

	notifier := notify.NewMultiNotifier(
		notify.NewDesktopNotifier(cfg.Notifications.Desktop),
		notify.NewSlackNotifier(cfg.Notifications.SlackWebhook),
	)
	if err := notifier.Send(notify.FromBatch(outcome)); err != nil {
		logrus.WithError(err).Warn("notification failed")
	}
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := history.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) == 1 {
		return printBatchRuns(store, args[0])
	}

	batches, err := store.ListBatches(historyLimit)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		fmt.Println("No batches recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tQUERIES\tOK\tFAILED\tELAPSED")
	for _, b := range batches {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%.0fs\n",
			b.ID, b.StartedAt.Format("2006-01-02 15:04"), b.Total, b.Succeeded, b.Failed, b.ElapsedSeconds)
	}
	return w.Flush()
}

func printBatchRuns(store *history.Store, batchID string) error {
	runs, err := store.GetBatchRuns(batchID)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return fmt.Errorf("batch %s not found", batchID)
	}

	for _, r := range runs {
		fmt.Printf("[%d] %s\n", r.Index, r.Question)
		if r.OK {
			fmt.Printf("    %s (as of %s, confidence %.2f)\n", r.Answer, r.AsOf, r.Confidence)
			for _, src := range r.Sources {
				fmt.Printf("    - %s\n", src)
			}
		} else {
			fmt.Printf("    FAILED (%s)\n", r.Reason)
		}
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	host := cfg.Web.Host
	if serveHost != "" {
		host = serveHost
	}
	port := cfg.Web.Port
	if servePort > 0 {
		port = servePort
	}
	addr := fmt.Sprintf("%s:%d", host, port)

	store, err := history.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	var server *api.Server
	submit := func(questions []string, parallelism int) (string, error) {
		orch, err := buildOrchestrator(cfg)
		if err != nil {
			return "", err
		}

		id := uuid.NewString()
		orch.Observer = func(runs []domain.RunState) {
			server.UpdateRuns(id, runs, true)
		}

		req := batch.Request{
			Questions:   questions,
			Params:      buildParams(cfg),
			Parallelism: parallelism,
		}

		go func() {
			outcome, err := orch.Execute(context.Background(), req, nil)
			if err != nil {
				logrus.WithError(err).Error("batch execution failed")
				server.UpdateRuns(id, nil, false)
				return
			}
			server.UpdateRuns(id, outcome.Runs, false)
			if err := store.SaveBatch(outcome); err != nil {
				logrus.WithError(err).Warn("could not record batch in history")
			}
		}()

		return id, nil
	}

	server = api.NewServer(store, submit, addr)
	fmt.Printf("Listening on http://%s\n", addr)
	return server.Start()
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	schedCfg, err := batch.LoadScheduleConfig(cfg.General.SchedulePath)
	if err != nil {
		return err
	}
	if len(schedCfg.Batches) == 0 {
		return fmt.Errorf("no batches defined in %s", cfg.General.SchedulePath)
	}

	log := logrus.WithField("component", "scheduler")
	sched, err := batch.NewScheduler(schedCfg.Batches, log)
	if err != nil {
		return err
	}

	fmt.Printf("Scheduling %d batches:\n", len(schedCfg.Batches))
	for _, name := range sched.ListBatches() {
		fmt.Printf("  - %s (next run %s)\n", name, sched.NextRun(name).Format("2006-01-02 15:04"))
	}

	sched.Start(func(sb batch.ScheduledBatch) error {
		orch, err := buildOrchestrator(cfg)
		if err != nil {
			return err
		}

		req := batch.Request{
			Questions:   sb.Questions,
			Params:      buildParams(cfg),
			Parallelism: sb.Parallelism,
		}

		outcome, err := orch.Execute(context.Background(), req, nil)
		if err != nil {
			return err
		}

		if cfg.General.DatabasePath != "" {
			store, err := history.New(cfg.General.DatabasePath)
			if err == nil {
				defer store.Close()
				if err := store.SaveBatch(outcome); err != nil {
					log.WithError(err).Warn("could not record batch in history")
				}
			}
		}

		if sb.NotifyOnComplete {
			notifier := notify.NewMultiNotifier(
				notify.NewDesktopNotifier(cfg.Notifications.Desktop),
				notify.NewSlackNotifier(cfg.Notifications.SlackWebhook),
			)
			if err := notifier.Send(notify.FromBatch(outcome)); err != nil {
				log.WithError(err).Warn("notification failed")
			}
		}

		return nil
	})

	return nil
}
