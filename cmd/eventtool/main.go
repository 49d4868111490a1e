// Command eventtool lists and reports on events on the event stream.
//
// In list mode it prints key information for events in an offset range.
// In inspect mode it reports the details of a single event by offset.
// In watch mode it sits on the end of the event stream and reports new
// events as they arrive.
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
	"github.com/corrstack/correlator/internal/event"
	"github.com/corrstack/correlator/internal/protocol"
	"github.com/corrstack/correlator/internal/reactor"
	"github.com/corrstack/correlator/internal/stream"
)

func main() {
	_ = godotenv.Load()

	id := flag.String("id", "", "Reactor ID whose configuration names the event stream")
	configFile := flag.String("config_file", os.Getenv("CORRELATOR_CFG"), "Correlator configuration file")
	debug := flag.Bool("d", false, "Enable more verbose output")
	page := flag.Int("page", 20, "Events to display before a new header line is printed, 0 disables")
	listSpec := flag.String("list", "", "List events by offset or range, N or N-M")
	inspect := flag.Uint64("inspect", 0, "Inspect a single event by its stream offset")
	watch := flag.Bool("watch", false, "Watch from the end of the event stream for new events")
	flag.Parse()

	if *id == "" || *configFile == "" {
		fmt.Fprintln(os.Stderr, "both --id and --config_file (or CORRELATOR_CFG) are required")
		flag.Usage()
		os.Exit(2)
	}
	modes := 0
	if *listSpec != "" {
		modes++
	}
	if *inspect > 0 {
		modes++
	}
	if *watch {
		modes++
	}
	if modes != 1 {
		fmt.Fprintln(os.Stderr, "exactly one of --list, --inspect or --watch is required")
		flag.Usage()
		os.Exit(2)
	}

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(*id, *configFile, *listSpec, *inspect, *watch, *page, logger); err != nil {
		fmt.Fprintln(os.Stderr, "eventtool:", err)
		os.Exit(1)
	}
}

func run(id, configFile, listSpec string, inspect uint64, watch bool, page int, logger *slog.Logger) error {
	app, err := config.Load(configFile)
	if err != nil {
		return err
	}

	cfg := config.NewStore()
	if err := cfg.Register(reactor.ConfigItems(), "reactors", id); err != nil {
		return err
	}
	if err := app.ProcessReactorConfig(id, cfg); err != nil {
		return err
	}
	prefix := "reactors." + id + "."
	redisAddr, err := cfg.GetString(prefix + "redis_address")
	if err != nil {
		return err
	}
	eventStream, err := cfg.GetString(prefix + "event_stream")
	if err != nil {
		return err
	}

	var span *reactor.Range
	if listSpec != "" {
		if span, err = reactor.ParseRerun(listSpec); err != nil {
			return err
		}
	} else if inspect > 0 {
		span = &reactor.Range{Start: inspect, End: inspect}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker, err := stream.NewRedisBroker(ctx, redisAddr, "", 0, logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	pos := stream.FromEnd()
	if span != nil {
		pos = stream.FromOffset(span.Start)
	}
	ch, err := broker.Subscribe(ctx, eventStream, pos)
	if err != nil {
		return err
	}

	if watch {
		fmt.Printf("Watching and reporting on events from stream %s on server %s\n",
			eventStream, redisAddr)
	} else if listSpec != "" {
		fmt.Printf("Listing events from stream offsets %d to %d from stream %s on server %s\n",
			span.Start, span.End, eventStream, redisAddr)
	}
	if inspect == 0 {
		printHeader()
	}

	total := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("event stream subscription closed")
			}
			env, err := protocol.UnmarshalEventEnvelope(msg.Payload)
			if err != nil {
				fmt.Printf("%-8d <undecodable envelope: %v>\n", msg.Offset, err)
				continue
			}
			evt, err := event.Unmarshal(env.Event)
			if err != nil {
				fmt.Printf("%-8d %-16s<undecodable event: %v>\n", msg.Offset, env.TenantID, err)
				continue
			}

			if inspect > 0 {
				if err := printDetails(msg.Offset, env.TenantID, evt); err != nil {
					return err
				}
			} else {
				if total != 0 && page != 0 && total%page == 0 {
					printHeader()
				}
				fmt.Printf("%-8d %-16s%-25s%s\n", msg.Offset, env.TenantID, evt.ID(), evt.Summary())
			}
			total++

			if span != nil && msg.Offset >= span.End {
				return nil
			}
		}
	}
}

func printHeader() {
	fmt.Println("Offset   Tenant          Event ID                 Summary\n" +
		"---------------------------------------------------------------------")
}

func printDetails(offset uint64, tenant string, evt *event.Event) error {
	table, err := evt.RenderDataTable("text/plain")
	if err != nil {
		return err
	}
	fmt.Printf("-----------Event Information-----------\n\n"+
		"Stream offset: %d\n       Tenant: %s\n     Event ID: %s\n\n"+
		"-----------Attributes-----------\n\n%s", offset, tenant, evt.FQID(), table)
	return nil
}
