package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/cfq/internal/config"
	"github.com/zulandar/cfq/internal/extract"
	"github.com/zulandar/cfq/internal/inference"
	"github.com/zulandar/cfq/internal/logger"
	"github.com/zulandar/cfq/internal/notify"
	"github.com/zulandar/cfq/internal/storage"
	"github.com/zulandar/cfq/internal/summarize"
	"github.com/zulandar/cfq/internal/transcode"
	"github.com/zulandar/cfq/internal/worker"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Command names for the worker entry points.
const (
	queueTranscode = "transcode"
	queueSummarize = "summarize"
	queueBoth      = "run"
)

var errOnceOrLoop = errors.New("specify exactly one of --once or --loop")

type runFlags struct {
	once    bool
	loop    bool
	sleep   int
	minutes int
}

func (f runFlags) validate() error {
	if f.once == f.loop {
		return errOnceOrLoop
	}
	if f.sleep < 0 {
		return fmt.Errorf("--sleep must not be negative")
	}
	if f.minutes < 0 {
		return fmt.Errorf("--minutes must not be negative")
	}
	return nil
}

func newQueueCmd(configPath *string, name string) *cobra.Command {
	var flags runFlags

	short := map[string]string{
		queueTranscode: "Extract text from unprocessed files",
		queueSummarize: "Summarize processed files",
		queueBoth:      "Run the transcode and summarize queues in one process",
	}[name]

	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		Long: short + `.

--once processes at most one file per queue and exits. --loop keeps
claiming files until interrupted, sleeping --sleep seconds whenever a
queue is empty. --minutes stops the loop after that many minutes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.validate(); err != nil {
				cmd.SilenceUsage = false
				return err
			}
			return runQueue(cmd, *configPath, name, flags)
		},
	}

	cmd.Flags().BoolVar(&flags.once, "once", false, "process one file per queue and exit")
	cmd.Flags().BoolVar(&flags.loop, "loop", false, "run continuously (daemon mode)")
	cmd.Flags().IntVar(&flags.sleep, "sleep", 0, "seconds to sleep when a queue is empty (default from config: 10 transcode, 15 summarize)")
	cmd.Flags().IntVar(&flags.minutes, "minutes", 0, "stop looping after this many minutes (0 = no limit)")
	return cmd
}

// registryQueue maps a command to the queue name recorded for its worker.
func registryQueue(name string) string {
	switch name {
	case queueTranscode:
		return worker.QueueTranscode
	case queueSummarize:
		return worker.QueueSummarize
	}
	return worker.QueueAll
}

// pipeline holds the stages built for one command and what they need
// released afterwards.
type pipeline struct {
	stages []worker.Stage
	sleeps []time.Duration
	closer io.Closer
}

func (p *pipeline) Close() {
	if p.closer != nil {
		p.closer.Close()
	}
}

func buildPipeline(ctx context.Context, cfg *config.Config, gormDB *gorm.DB, log *logger.Logger, name, workerID string, sleepOverride int) *pipeline {
	p := &pipeline{}
	sleep := func(configured int) time.Duration {
		if sleepOverride > 0 {
			return time.Duration(sleepOverride) * time.Second
		}
		return time.Duration(configured) * time.Second
	}

	if name == queueTranscode || name == queueBoth {
		tr, trErr := extract.NewTranscriber(ctx, cfg.Audio, extract.ExecTools{})
		if trErr != nil {
			log.Warn("speech-to-text unavailable; audio files will fail", "backend", cfg.Audio.Backend, "error", trErr)
		}
		if c, ok := tr.(io.Closer); ok {
			p.closer = c
		}
		registry := extract.NewRegistry(extract.Options{
			Transcriber:    tr,
			TranscriberErr: trErr,
			MaxSheetRows:   cfg.Transcode.MaxSheetRows,
			Log:            log,
		})
		log.Info("extractors ready", "capabilities", registry.Capabilities())
		p.stages = append(p.stages, &transcode.Queue{
			DB:       gormDB,
			Store:    storage.New(cfg.Storage.Root, cfg.Storage.MaxFileBytes),
			Registry: registry,
			WorkerID: workerID,
			Policy:   cfg.Transcode.FailurePolicy,
			Log:      log.With("queue", worker.QueueTranscode),
		})
		p.sleeps = append(p.sleeps, sleep(cfg.Transcode.IdleSleepSec))
	}

	if name == queueSummarize || name == queueBoth {
		p.stages = append(p.stages, &summarize.Queue{
			DB:        gormDB,
			Generator: inference.New(cfg.Inference),
			Prompt: summarize.PromptOptions{
				MaxChars:    cfg.Summary.MaxInputChars,
				TargetWords: cfg.Summary.TargetWords,
			},
			WorkerID: workerID,
			Log:      log.With("queue", worker.QueueSummarize),
		})
		p.sleeps = append(p.sleeps, sleep(cfg.Summary.IdleSleepSec))
	}
	return p
}

func runQueue(cmd *cobra.Command, configPath, name string, flags runFlags) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	defer log.Sync()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	if flags.once {
		p := buildPipeline(ctx, cfg, gormDB, log, name, "", flags.sleep)
		defer p.Close()
		fmt.Fprintf(out, "Running %s in one-shot mode\n", name)
		found, err := (&worker.Runner{Stages: p.stages, Log: log}).RunOnce(ctx)
		if found {
			fmt.Fprintln(out, "Completed")
		} else if err == nil {
			fmt.Fprintln(out, "Nothing to do")
		}
		return err
	}

	w, err := worker.Register(gormDB, registryQueue(name))
	if err != nil {
		return err
	}
	log = log.With("worker_id", w.ID)
	defer func() {
		if err := worker.Deregister(gormDB, w.ID); err != nil {
			log.Warn("deregister failed", "error", err)
		}
	}()
	// Stop beating before the deferred Deregister so a late beat cannot
	// revive the row.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	hbErr := worker.StartHeartbeat(hbCtx, gormDB, w.ID, worker.DefaultHeartbeatInterval)
	go func() {
		select {
		case err := <-hbErr:
			log.Error("heartbeat stopped", "error", err)
		case <-hbCtx.Done():
		}
	}()

	p := buildPipeline(ctx, cfg, gormDB, log, name, w.ID, flags.sleep)
	defer p.Close()

	notifier, err := notify.New(ctx, cfg.Redis, log)
	if err != nil {
		log.Warn("upload wake-ups disabled", "error", err)
		notifier = nil
	}
	defer notifier.Close()

	var deadline time.Time
	if flags.minutes > 0 {
		deadline = time.Now().Add(time.Duration(flags.minutes) * time.Minute)
	}

	fmt.Fprintf(out, "Worker %s running %s in daemon mode (Ctrl+C to stop)\n", w.ID, name)

	if name != queueSummarize && cfg.Reclaim.Enabled {
		cronCtx, stopCron := context.WithCancel(ctx)
		defer stopCron()
		go runReclaimSchedule(cronCtx, cfg, gormDB, log)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, stage := range p.stages {
		wake, err := notifier.Subscribe(gctx)
		if err != nil {
			log.Warn("subscribe failed; relying on idle sleep", "error", err)
		}
		r := &worker.Runner{
			Stages:    []worker.Stage{stage},
			IdleSleep: p.sleeps[i],
			Deadline:  deadline,
			Wake:      wake,
			Log:       log.With("queue", stage.Name()),
		}
		g.Go(func() error { return r.RunLoop(gctx) })
	}
	err = g.Wait()
	fmt.Fprintln(out, "Shutdown complete")
	return err
}

func runReclaimSchedule(ctx context.Context, cfg *config.Config, gormDB *gorm.DB, log *logger.Logger) {
	timeout := time.Duration(cfg.Reclaim.TimeoutSec) * time.Second
	err := worker.RunScheduled(ctx, cfg.Reclaim.Schedule, func(context.Context) {
		n, err := transcode.ReclaimStale(gormDB, timeout)
		if err != nil {
			log.Error("reclaim sweep failed", "error", err)
			return
		}
		if n > 0 {
			log.Info("reclaimed stuck files", "count", n)
		}
	})
	if err != nil {
		log.Error("reclaim schedule disabled", "error", err)
	}
}
