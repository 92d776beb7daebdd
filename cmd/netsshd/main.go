package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/netsshio/netsshd/go/config"
	"github.com/netsshio/netsshd/go/executor"
	"github.com/netsshio/netsshd/go/metrics"
	"github.com/netsshio/netsshd/go/ops"
	"github.com/netsshio/netsshd/go/scheduler"
	"github.com/netsshio/netsshd/go/session"
	"github.com/netsshio/netsshd/go/store"
	"github.com/netsshio/netsshd/go/vendordriver"
	"github.com/netsshio/netsshd/go/worker"
)

const iniFilename = "netsshd.ini"

func main() {
	var cfg config.ServiceConfig
	var parser = flags.NewParser(&cfg, flags.Default)

	mbp.MustParseConfig(parser, iniFilename)

	defer mbp.InitDiagnosticsAndRecover(cfg.Diagnostics)()
	mbp.InitLog(cfg.Log)
	mbp.Must(cfg.Validate(), "invalid configuration")

	st, err := store.Open(cfg.Store.SQLitePath)
	mbp.Must(err, "opening job store")
	defer st.Close()

	var transcripts *store.TranscriptStore
	var transcriptFor worker.TranscriptSinkFactory
	if cfg.Netssh.Logging.EnableSessionLog {
		transcripts, err = store.OpenTranscriptStore(cfg.Netssh.Logging.SessionLogPath)
		mbp.Must(err, "opening session transcript store")
		defer transcripts.Close()

		transcriptFor = func(jobID string, commandIdx int) session.TranscriptSink {
			return transcripts.For(jobID, commandIdx)
		}
	}

	templates := executor.NewFileTemplateResolver(cfg.Store.TemplatesDir)
	exec := executor.New(templates, ops.StdLogger())

	driverFactory := func(strategy vendordriver.Strategy, timeouts vendordriver.Timeouts, secret string, l ops.Logger) worker.Driver {
		return vendordriver.New(strategy, timeouts, secret, l)
	}

	pool := worker.New(
		st,
		exec,
		cfg.Worker,
		cfg.Netssh.Network,
		driverFactory,
		transcriptFor,
		cfg.Netssh.Buffer.ReadBufferSize,
		cfg.Worker.ConnectRateLimitPerSec,
		ops.StdLogger(),
	)
	defer pool.Close()

	tz, err := time.LoadLocation(cfg.Scheduler.Timezone)
	mbp.Must(err, "loading scheduler.timezone")

	planner := scheduler.New(st, pool, cfg.Scheduler.PollInterval(), tz, ops.StdLogger())

	var tasks = task.NewGroup(context.Background())
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("planner", func() error {
		return planner.Run(tasks.Context())
	})

	if cfg.Metrics.Port != 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: mux}

		tasks.Queue("metrics", func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		tasks.Queue("metrics shutdown watcher", func() error {
			<-tasks.Context().Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			tasks.Cancel()
			return nil
		case <-tasks.Context().Done():
			return nil
		}
	})

	tasks.GoRun()

	log.WithFields(log.Fields{
		"sqlite_path":      cfg.Store.SQLitePath,
		"templates_dir":    cfg.Store.TemplatesDir,
		"max_concurrency":  cfg.Worker.MaxConcurrency,
		"connection_reuse": cfg.Worker.ConnectionReuse,
		"poll_interval":    cfg.Scheduler.PollInterval(),
	}).Info("netsshd started")

	mbp.Must(tasks.Wait(), "netsshd task failed")
	log.Info("goodbye")
}
