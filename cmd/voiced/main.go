package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"voiced/internal/common/fsutil"
	"voiced/internal/config"
	"voiced/internal/dialog"
	"voiced/internal/httpapi"
	"voiced/internal/rpc"
	"voiced/internal/sched"
	"voiced/internal/supervisor"
	"voiced/internal/vram"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	flagConfig   string
	flagAddr     string
	flagLogLevel string
	flagPretty   bool
)

func main() {
	root := &cobra.Command{
		Use:           "voiced",
		Short:         "Voice pipeline orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (.yaml/.json/.toml)")
	root.PersistentFlags().StringVar(&flagAddr, "addr", "", "admin API listen address, overrides config")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug|info|warn|error")
	root.PersistentFlags().BoolVar(&flagPretty, "pretty", false, "human-readable console log output")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Boot the service fleet and run the dialog loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
	root.AddCommand(runCmd, versionCmd)
	// Bare invocation runs the daemon.
	root.RunE = runCmd.RunE

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg := config.Default()
	if flagConfig != "" {
		var err error
		cfg, err = config.Load(flagConfig)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	if flagAddr != "" {
		cfg.Addr = flagAddr
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}

	log, err := newLogger(cfg.LogLevel, flagPretty)
	if err != nil {
		return err
	}

	runDir, err := fsutil.ExpandHome(cfg.RunDir)
	if err != nil {
		return err
	}
	if err := fsutil.EnsureDir(runDir); err != nil {
		return fmt.Errorf("run dir: %w", err)
	}

	guard := vram.NewGuard(vram.NvidiaSmiSampler{}, cfg.Vram.MinFreeMB, log)
	timers := sched.NewRegistry()
	sup := supervisor.New(supervisor.Options{
		Config: cfg,
		Guard:  guard,
		Timers: timers,
		Logger: log,
		RunDir: runDir,
	})

	// Admin API comes up before boot so /readyz reports loading.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetLogger(log)
	httpapi.SetBaseContext(baseCtx)
	srv := &http.Server{Addr: cfg.Addr, Handler: httpapi.NewMux(sup)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("admin api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("admin api server failed")
		}
	}()

	if err := sup.Boot(ctx); err != nil {
		shutdownServer(srv, log)
		return fmt.Errorf("boot: %w", err)
	}

	wakeClient := rpc.NewWakeClient(serviceURL(cfg, "kwd"))
	sttClient := rpc.NewSttClient(serviceURL(cfg, "stt"))
	llmClient := rpc.NewLlmClient(serviceURL(cfg, "llm"))
	ttsClient := rpc.NewTtsClient(serviceURL(cfg, "tts"))
	journal := rpc.NewJournalClient(serviceURL(cfg, "logger"), log)
	speaker := ttsSpeaker{c: ttsClient}

	coord := dialog.New(dialog.Options{
		Config:  cfg,
		Wake:    wakeClient,
		Stt:     sttClient,
		Llm:     llmClient,
		Tts:     speaker,
		Journal: journal,
		Timers:  timers,
		Logger:  log,
	})
	sup.SetDialogStatus(coord.Snapshot)

	dialogCtx, cancelDialog := context.WithCancel(context.Background())
	defer cancelDialog()
	go func() {
		if err := coord.Run(dialogCtx); err != nil {
			log.Error().Err(err).Msg("dialog coordinator failed")
		}
	}()

	greeting := dialog.NewGreetingSequencer(cfg.Greeting, cfg.Dialog.Voice, wakeClient, speaker, timers, log)
	go greeting.Run(dialogCtx)
	journal.WriteApp(ctx, "loader", "system_ready", "INFO", "all services up")

	// Block until a signal, a fatal supervision escalation, or caller ctx.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	exitErr := error(nil)
	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-sup.SystemFailed():
		log.Error().Msg("system failed: degraded service escalated")
		exitErr = fmt.Errorf("system failed")
	case <-ctx.Done():
	}

	cancelDialog()
	cancelBase()
	shutdownServer(srv, log)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sup.Shutdown(shutdownCtx)
	return exitErr
}

func newLogger(level string, pretty bool) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("log level %q: %w", level, err)
	}
	var log zerolog.Logger
	if pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(lvl).With().Timestamp().Logger(), nil
}

func shutdownServer(srv *http.Server, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("admin api shutdown error")
	}
}

func serviceURL(cfg config.Config, name string) string {
	sc := cfg.Service(name)
	if sc == nil {
		return ""
	}
	return fmt.Sprintf("http://127.0.0.1:%d", sc.Port)
}
