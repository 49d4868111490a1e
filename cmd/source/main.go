// Command source runs a TCP syslog source connector: it accepts one
// connection at a time, frames syslog records and publishes them as
// envelopes onto the ingest stream. A capture file can record the raw
// traffic, and a recorded capture can be replayed without a socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/corrstack/correlator/internal/config"
	"github.com/corrstack/correlator/internal/fileutil"
	"github.com/corrstack/correlator/internal/monitoring"
	"github.com/corrstack/correlator/internal/stream"
	"github.com/corrstack/correlator/internal/syslog"
)

type optionFlags []string

func (o *optionFlags) String() string { return fmt.Sprint(*o) }

func (o *optionFlags) Set(value string) error {
	*o = append(*o, value)
	return nil
}

func main() {
	_ = godotenv.Load()

	var options optionFlags
	id := flag.String("id", "", "Source ID")
	configFile := flag.String("config_file", os.Getenv("CORRELATOR_CFG"), "Correlator configuration file")
	debug := flag.Bool("d", false, "Enable more verbose output")
	writeFile := flag.String("write-file", "", "Capture raw traffic to this file; 'default' rotates and uses YYYYMMDD.cap")
	readFile := flag.String("read-file", "", "Replay a capture file instead of listening")
	flag.Var(&options, "option", "Runtime configuration override key=value, repeatable")
	flag.Parse()

	if *id == "" || *configFile == "" {
		fmt.Fprintln(os.Stderr, "both --id and --config_file (or CORRELATOR_CFG) are required")
		flag.Usage()
		os.Exit(2)
	}

	logger := newLogger(*debug)
	if err := run(*id, *configFile, *writeFile, *readFile, options, logger); err != nil {
		logger.Error("source failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func run(id, configFile, writeFile, readFile string, options optionFlags, logger *slog.Logger) error {
	app, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if app.SourceByID(id) == nil {
		return fmt.Errorf("no source with id %q in configuration", id)
	}

	cfg := config.NewStore()
	if err := cfg.Register(syslog.ServerConfigItems(), "sources", id); err != nil {
		return err
	}
	if err := app.ProcessSourceConfig(id, cfg); err != nil {
		return err
	}
	overrides := config.ParseOptions(options)
	if err := config.ApplyOverrides(cfg, overrides, "sources."); err != nil {
		return err
	}
	cfg.DumpToLog(logger)

	prefix := "sources." + id + "."
	redisAddr, err := cfg.GetString(prefix + "redis_address")
	if err != nil {
		return err
	}
	monitorAddr, err := cfg.GetString(prefix + "monitor_address")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker, err := stream.NewRedisBroker(ctx, redisAddr, "", 0, logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	var capture *os.File
	if writeFile != "" {
		name := writeFile
		if name == "default" {
			if name, err = fileutil.CaptureFilename(time.Now()); err != nil {
				return err
			}
		}
		if capture, err = os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
			return fmt.Errorf("open capture file: %w", err)
		}
		defer capture.Close()
		logger.Info("capturing raw traffic", "file", name)
	}

	metrics := monitoring.NewMetrics()
	params := syslog.ServerParams{
		SourceID: id,
		Config:   cfg,
		Broker:   broker,
		Logger:   logger,
		Metrics:  metrics,
	}
	if capture != nil {
		params.Capture = capture
	}
	server, err := syslog.NewServer(params)
	if err != nil {
		return err
	}

	if monitorAddr != "" {
		mon := monitoring.NewServer("source", metrics, cfg, logger)
		go func() {
			if err := mon.Run(ctx, monitorAddr); err != nil {
				logger.Error("monitoring endpoint failed", "error", err)
			}
		}()
	}

	if readFile != "" {
		f, err := os.Open(readFile)
		if err != nil {
			return fmt.Errorf("open capture file: %w", err)
		}
		defer f.Close()
		logger.Info("replaying capture file", "file", readFile)
		return server.Replay(ctx, f)
	}
	return server.Run(ctx)
}
