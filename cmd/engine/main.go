// Command engine runs a correlation engine: it consumes the ingest
// stream, fans records through the configured modules per tenant,
// publishes events and checkpoints module state with stream offsets.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/corrstack/correlator/internal/config"
	"github.com/corrstack/correlator/internal/engine"
	"github.com/corrstack/correlator/internal/monitoring"
	"github.com/corrstack/correlator/internal/stream"

	_ "github.com/corrstack/correlator/internal/module/report"
	_ "github.com/corrstack/correlator/internal/module/sshd"
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
	id := flag.String("id", "", "Engine ID")
	configFile := flag.String("config_file", os.Getenv("CORRELATOR_CFG"), "Correlator configuration file")
	debug := flag.Bool("d", false, "Enable more verbose output")
	reset := flag.Bool("reset", false, "Clear persistence store and start over")
	flag.Var(&options, "option", "Runtime configuration override key=value, repeatable")
	flag.Parse()

	if *id == "" || *configFile == "" {
		fmt.Fprintln(os.Stderr, "both --id and --config_file (or CORRELATOR_CFG) are required")
		flag.Usage()
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(*id, *configFile, *reset, options, logger); err != nil {
		logger.Error("engine failed", "error", err)
		os.Exit(1)
	}
}

// probeSettings reads broker and monitoring addresses from a throwaway
// store; the engine registers its own configuration when it is built.
func probeSettings(app *config.AppConfig, id string, overrides []config.Option) (redisAddr, monitorAddr string, err error) {
	probe := config.NewStore()
	if err = probe.Register(engine.ConfigItems(), "engines", id); err != nil {
		return "", "", err
	}
	if err = app.ProcessEngineConfig(id, probe); err != nil {
		return "", "", err
	}
	if err = config.ApplyOverrides(probe, overrides, "engines."); err != nil {
		return "", "", err
	}
	prefix := "engines." + id + "."
	if redisAddr, err = probe.GetString(prefix + "redis_address"); err != nil {
		return "", "", err
	}
	if monitorAddr, err = probe.GetString(prefix + "monitor_address"); err != nil {
		return "", "", err
	}
	return redisAddr, monitorAddr, nil
}

func run(id, configFile string, reset bool, options optionFlags, logger *slog.Logger) error {
	app, err := config.Load(configFile)
	if err != nil {
		return err
	}
	overrides := config.ParseOptions(options)

	redisAddr, monitorAddr, err := probeSettings(app, id, overrides)
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

	metrics := monitoring.NewMetrics()
	cfg := config.NewStore()
	eng, err := engine.New(engine.Params{
		ID:      id,
		Config:  cfg,
		App:     app,
		Broker:  broker,
		Logger:  logger,
		Metrics: metrics,
		Options: overrides,
		Reset:   reset,
	})
	if err != nil {
		return err
	}
	cfg.DumpToLog(logger)

	if monitorAddr != "" {
		mon := monitoring.NewServer("engine", metrics, cfg, logger)
		go func() {
			if err := mon.Run(ctx, monitorAddr); err != nil {
				logger.Error("monitoring endpoint failed", "error", err)
			}
		}()
	}

	return eng.Run(ctx)
}
