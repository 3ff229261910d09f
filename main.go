package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"

	"screenstreamer/cmd"
	"screenstreamer/internal/config"
	"screenstreamer/internal/events"
	"screenstreamer/internal/ffmpeg"
	"screenstreamer/internal/logging"
	"screenstreamer/internal/process"
	"screenstreamer/internal/streaming"
)

// Process exit codes.
const (
	exitOK             = 0
	exitUnexpected     = 1
	exitConfigError    = 2
	exitEncoderMissing = 3
	exitBreakerTripped = 4
)

// shutdownBudget bounds an orderly teardown; past it the process self-exits.
const shutdownBudget = 10 * time.Second

// Options for the CLI.
type Options struct {
	Config      string `help:"Path to JSON configuration file" short:"c" default:"config/config.json"`
	ListWindows bool   `help:"List candidate capture windows and exit"`
	LogLevel    string `help:"Override logging level (DEBUG, INFO, WARNING, ERROR, CRITICAL)"`
	LogFormat   string `help:"Log format (text, json)" default:"text"`
}

func main() {
	var (
		coord   *streaming.Coordinator
		server  *streaming.Server
		watcher *config.Watcher
		done    = make(chan int, 1)
	)

	cli := humacli.New(func(hooks humacli.Hooks, opts *Options) {
		hooks.OnStart(func() {
			if opts.ListWindows {
				cmd.PrintWindows(os.Stdout)
				os.Exit(exitOK)
			}

			cfg, err := config.Load(opts.Config)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitConfigError)
			}
			if opts.LogLevel != "" {
				cfg.Logging.Level = opts.LogLevel
			}

			logging.Initialize(logging.Config{
				Level:  cfg.Logging.Level,
				Format: opts.LogFormat,
				File:   cfg.Logging.File,
			})
			logger := logging.GetLogger("main")

			if _, lookErr := exec.LookPath(cfg.FFmpeg.Path); lookErr != nil {
				logger.Error("Encoder executable not found", "path", cfg.FFmpeg.Path)
				os.Exit(exitEncoderMissing)
			}

			// Hot-reloaded encoder settings apply on the next encoder run;
			// restarting a live stream under viewers is not worth the glitch.
			var liveCfg atomic.Pointer[config.Config]
			liveCfg.Store(cfg)

			bus := events.New()
			health := process.NewHealthMonitor(
				cfg.Process.CrashThreshold,
				time.Duration(cfg.Process.CrashWindow)*time.Second,
				logging.GetLogger("health"),
			)

			newEncoder := func() streaming.Encoder {
				sup := process.NewSupervisor(
					ffmpeg.NewBuilder(liveCfg.Load()),
					logging.GetLogger("supervisor"),
				)
				sup.SetLogParser(logging.GetLogger("ffmpeg"), ffmpeg.ParseLogLevel)
				return sup
			}

			coord = streaming.NewCoordinator(streaming.Options{
				NewEncoder:    newEncoder,
				Health:        health,
				ShutdownGrace: time.Duration(cfg.Process.ShutdownTimeout) * time.Second,
				StopGrace:     5 * time.Second,
				QueueCapacity: streaming.QueueCapacityForBitrate(cfg.FFmpeg.Bitrate),
				Bus:           bus,
				Logger:        logging.GetLogger("coordinator"),
			})

			// A breaker trip before the encoder ever ran means the setup is
			// broken, not flaky; surface it as a distinct exit code.
			bus.Subscribe(func(e events.EncoderCrashedEvent) {
				if !e.Restarting && !coord.EverRan() {
					select {
					case done <- exitBreakerTripped:
					default:
					}
				}
			})

			server = streaming.NewServer(coord, logging.GetLogger("server"))
			if startErr := server.Start(cfg.Server.Addr()); startErr != nil {
				logger.Error("Failed to start server", "error", startErr)
				os.Exit(exitUnexpected)
			}

			watcher = config.NewWatcher(opts.Config, logging.GetLogger("config"))
			watcher.OnReload(func(fresh *config.Config) {
				liveCfg.Store(fresh)
				logger.Info("Configuration reloaded, encoder settings apply on next start")
			})
			if watchErr := watcher.Start(); watchErr != nil {
				logger.Warn("Config watcher unavailable, hot-reload disabled", "error", watchErr)
			}

			logger.Info("Service ready, encoder starts with the first viewer",
				"addr", cfg.Server.Addr(), "source", cfg.Source.Type)

			code := <-done
			if code == exitBreakerTripped {
				logger.Error("Encoder never came up, giving up", "exit_code", code)
			}
			os.Exit(code)
		})

		hooks.OnStop(func() {
			// Orderly teardown has a hard deadline.
			time.AfterFunc(shutdownBudget, func() {
				fmt.Fprintln(os.Stderr, "shutdown deadline exceeded")
				os.Exit(exitUnexpected)
			})

			if watcher != nil {
				_ = watcher.Stop()
			}
			if server != nil {
				ctx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
				defer cancel()
				_ = server.Stop(ctx)
			}
			if coord != nil {
				coord.Shutdown()
			}

			select {
			case done <- exitOK:
			default:
			}
		})
	})

	cli.Root().Use = "screenstreamer"
	cli.Root().AddCommand(cmd.CreateListWindowsCmd())

	cli.Run()
}
