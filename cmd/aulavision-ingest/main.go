package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aulavision/ingest/internal/admission"
	"github.com/aulavision/ingest/internal/api"
	"github.com/aulavision/ingest/internal/audit"
	"github.com/aulavision/ingest/internal/config"
	"github.com/aulavision/ingest/internal/health"
	"github.com/aulavision/ingest/internal/logging"
	"github.com/aulavision/ingest/internal/session"
	"github.com/aulavision/ingest/internal/store"
	"github.com/aulavision/ingest/internal/timetable"
	"github.com/aulavision/ingest/internal/viewer"
)

var (
	version = "0.1.0"
	cfgFile string
	seedPath string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "aulavision-ingest",
	Short: "AulaVision classroom video-ingest and attendance service",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server and ingest pipeline",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("aulavision-ingest v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default /etc/aulavision/aulavision.yaml)")
	serveCmd.Flags().StringVar(&seedPath, "seed", "", "load a YAML fixture of classrooms/classes/students/devices at startup")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogging(cfg *config.Config) {
	var output io.Writer = os.Stdout

	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v (logging to stdout only)\n", cfg.LogFile, err)
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")
}

// runServe wires every component described in SPEC_FULL.md's package table
// and blocks serving HTTP until SIGINT/SIGTERM.
func runServe() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogging(cfg)

	log.Info("starting aulavision-ingest", "version", version, "listenAddr", cfg.ListenAddr)

	db, err := store.Open(cfg.StoreDSN)
	if err != nil {
		log.Error("open store failed", logging.KeyError, err)
		os.Exit(1)
	}
	defer db.Close()

	if seedPath != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := db.LoadSeed(ctx, seedPath); err != nil {
			cancel()
			log.Error("load seed failed", logging.KeyError, err)
			os.Exit(1)
		}
		cancel()
		log.Info("loaded seed fixture", "path", seedPath)
	}

	auditLogger, err := audit.NewLogger(cfg)
	if err != nil {
		log.Error("start audit logger failed", logging.KeyError, err)
		os.Exit(1)
	}

	oracle, err := timetable.New(db, cfg.Timezone)
	if err != nil {
		log.Error("build timetable oracle failed", logging.KeyError, err)
		os.Exit(1)
	}

	ingestCtx, cancelIngest := context.WithCancel(context.Background())
	defer cancelIngest()

	monitor := health.NewMonitor()
	builder := &workerBuilder{cfg: cfg, store: db, oracle: oracle, ctx: ingestCtx, health: monitor}
	registry := session.New(db, cfg.DefaultDeadlineSecs, cfg.SimilarityThreshold, builder.start)

	controller := admission.New(
		oracle, db, db, registry, auditLogger,
		time.Duration(cfg.StopTransmitTimeout)*time.Second,
		time.Duration(cfg.DeadlineAdjustWindow)*time.Second,
	)

	viewerHandler := viewer.New(oracle, registry, time.Duration(cfg.ViewerFrameIntervalMillis)*time.Millisecond)
	apiServer := api.New(db, oracle, db, controller, auditLogger, cfg.JWTSecret, viewerHandler, monitor)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: apiServer,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", logging.KeyError, err)
		}
	}()
	log.Info("http server listening", "addr", cfg.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancelIngest()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", logging.KeyError, err)
	}
}
