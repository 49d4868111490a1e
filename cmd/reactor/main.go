// Command reactor runs an event reactor: it consumes the event stream
// and fans each event to the handlers configured for its tenant, gated by
// filter expressions. Its monitoring endpoint adds a /watch websocket
// tailing the event stream live.
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
	"github.com/corrstack/correlator/internal/keyring"
	"github.com/corrstack/correlator/internal/monitoring"
	"github.com/corrstack/correlator/internal/reactor"
	"github.com/corrstack/correlator/internal/stream"
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
	id := flag.String("id", "", "Reactor ID")
	configFile := flag.String("config_file", os.Getenv("CORRELATOR_CFG"), "Correlator configuration file")
	debug := flag.Bool("d", false, "Enable more verbose output")
	rerunSpec := flag.String("rerun", "", "Replay a historical offset or range (N or N-M) and exit")
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

	if err := run(*id, *configFile, *rerunSpec, options, logger); err != nil {
		logger.Error("reactor failed", "error", err)
		os.Exit(1)
	}
}

func probeSettings(app *config.AppConfig, id string, overrides []config.Option) (redisAddr, monitorAddr, eventStream string, err error) {
	probe := config.NewStore()
	if err = probe.Register(reactor.ConfigItems(), "reactors", id); err != nil {
		return "", "", "", err
	}
	if err = app.ProcessReactorConfig(id, probe); err != nil {
		return "", "", "", err
	}
	if err = config.ApplyOverrides(probe, overrides, "reactors."); err != nil {
		return "", "", "", err
	}
	prefix := "reactors." + id + "."
	if redisAddr, err = probe.GetString(prefix + "redis_address"); err != nil {
		return "", "", "", err
	}
	if monitorAddr, err = probe.GetString(prefix + "monitor_address"); err != nil {
		return "", "", "", err
	}
	if eventStream, err = probe.GetString(prefix + "event_stream"); err != nil {
		return "", "", "", err
	}
	return redisAddr, monitorAddr, eventStream, nil
}

func run(id, configFile, rerunSpec string, options optionFlags, logger *slog.Logger) error {
	app, err := config.Load(configFile)
	if err != nil {
		return err
	}
	overrides := config.ParseOptions(options)

	var rerun *reactor.Range
	if rerunSpec != "" {
		if rerun, err = reactor.ParseRerun(rerunSpec); err != nil {
			return err
		}
	}

	redisAddr, monitorAddr, eventStream, err := probeSettings(app, id, overrides)
	if err != nil {
		return err
	}

	ring, err := keyring.FromEnvironment()
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
	rct, err := reactor.New(reactor.Params{
		ID:      id,
		Config:  cfg,
		App:     app,
		Broker:  broker,
		Keyring: ring,
		Logger:  logger,
		Metrics: metrics,
		Options: overrides,
		Rerun:   rerun,
	})
	if err != nil {
		return err
	}
	cfg.DumpToLog(logger)

	if monitorAddr != "" {
		mon := monitoring.NewServer("reactor", metrics, cfg, logger)
		mon.AttachWatch(broker, eventStream)
		go func() {
			if err := mon.Run(ctx, monitorAddr); err != nil {
				logger.Error("monitoring endpoint failed", "error", err)
			}
		}()
	}

	return rct.Run(ctx)
}
