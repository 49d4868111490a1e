// Package reactor hosts the event-stream consumer: it fans each event to
// the handlers configured for its tenant, gated by per-handler filter
// expressions, and stores its offset after every event so a restart
// resumes exactly one past the last processed event.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/corrstack/correlator/internal/config"
	"github.com/corrstack/correlator/internal/event"
	"github.com/corrstack/correlator/internal/handler"
	"github.com/corrstack/correlator/internal/keyring"
	"github.com/corrstack/correlator/internal/module"
	"github.com/corrstack/correlator/internal/monitoring"
	"github.com/corrstack/correlator/internal/protocol"
	"github.com/corrstack/correlator/internal/stream"
)

// ConfigItems declares the options every reactor instance registers under
// reactors.<id>. Exported so the CLI can probe broker settings before the
// reactor itself is built.
func ConfigItems() []config.Item {
	return []config.Item{
		{
			Key:         "event_stream",
			Type:        config.String,
			Default:     "Correlator-event",
			Description: "Name of the event stream",
		},
		{
			Key:         "redis_address",
			Type:        config.String,
			Default:     "localhost:6379",
			Description: "Address of the Redis stream broker",
		},
		{
			Key:         "monitor_address",
			Type:        config.String,
			Default:     "",
			Description: "Listen address for the monitoring endpoint, empty disables it",
		},
	}
}

// Range is a closed offset interval for re-run mode.
type Range struct {
	Start uint64
	End   uint64
}

type handlerState struct {
	name          string // fq name, tenant.handler
	h             handler.Handler
	filter        *event.Filter
	defaultAction bool
}

type tenantState struct {
	id       string
	handlers []*handlerState
}

// Params configures a new reactor.
type Params struct {
	ID      string
	Config  *config.Store
	App     *config.AppConfig
	Broker  stream.Broker
	Keyring keyring.Provider
	Logger  *slog.Logger
	Metrics *monitoring.Metrics

	// Options are command-line overrides, applied after file values so the
	// CLI wins.
	Options []config.Option

	// Rerun replays a historical offset range and exits, without touching
	// the stored offset.
	Rerun *Range
}

// Reactor is one reactor process: per-tenant ordered handler lists plus
// the stored-offset bookkeeping that makes restarts idempotent.
type Reactor struct {
	id      string
	cfg     *config.Store
	broker  stream.Broker
	logger  *slog.Logger
	metrics *monitoring.Metrics

	eventStream string
	rerun       *Range
	options     []config.Option

	tenants map[string]*tenantState
}

// New builds a reactor from the topology: registers and applies its
// configuration, compiles every filter expression, instantiates the
// handlers, and initializes them.
func New(p Params) (*Reactor, error) {
	def := p.App.ReactorByID(p.ID)
	if def == nil {
		return nil, fmt.Errorf("no reactor with id %q in configuration", p.ID)
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Reactor{
		id:      p.ID,
		cfg:     p.Config,
		broker:  p.Broker,
		logger:  logger.With("reactor", p.ID),
		metrics: p.Metrics,
		rerun:   p.Rerun,
		tenants: map[string]*tenantState{},
	}

	if err := p.Config.Register(ConfigItems(), "reactors", p.ID); err != nil {
		return nil, err
	}
	if err := p.App.ProcessReactorConfig(p.ID, p.Config); err != nil {
		return nil, err
	}
	if err := config.ApplyOverrides(p.Config, p.Options, "reactors."); err != nil {
		return nil, err
	}
	r.options = p.Options

	var err error
	if r.eventStream, err = p.Config.GetString("reactors." + p.ID + ".event_stream"); err != nil {
		return nil, err
	}

	if err := r.buildTenants(def, p.Keyring); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reactor) buildTenants(def *config.ReactorDef, provider keyring.Provider) error {
	for _, tenantDef := range def.Tenants {
		t := &tenantState{id: tenantDef.ID}

		for _, hDef := range tenantDef.Handlers {
			fqName := tenantDef.ID + "." + hDef.Name
			r.logger.Info("instantiating event handler",
				"class", hDef.Handler.FQ(), "instance", fqName)

			var filter *event.Filter
			if hDef.FilterExpression != "" {
				var err error
				if filter, err = event.CompileFilter(hDef.FilterExpression); err != nil {
					return fmt.Errorf("handler %s: %w", fqName, err)
				}
			}

			h, err := handler.New(hDef.Handler.FQ(), fqName, handler.Deps{
				Config:  r.cfg,
				Keyring: provider,
				Logger:  r.logger,
			})
			if err != nil {
				return err
			}

			for key, value := range hDef.Config {
				if err := r.cfg.Set("handler."+fqName+"."+key, value); err != nil {
					return err
				}
			}
			if err := config.ApplyOverrides(r.cfg, r.options, "handler."+fqName+"."); err != nil {
				return err
			}

			if err := h.Initialize(); err != nil {
				var creds *module.CredentialsRequired
				if errors.As(err, &creds) {
					for _, id := range creds.IDs {
						r.logger.Error("missing secret for credential",
							"handler", fqName, "credential", fqName+"."+id)
					}
				} else {
					r.logger.Error("handler failed initialization",
						"handler", fqName, "error", err)
				}
				return err
			}

			t.handlers = append(t.handlers, &handlerState{
				name:          fqName,
				h:             h,
				filter:        filter,
				defaultAction: hDef.DefaultAction,
			})
		}

		r.tenants[t.id] = t
	}
	return nil
}

// processMessage decodes one event-stream entry and fans the event to the
// tenant's handlers.
func (r *Reactor) processMessage(msg stream.Message) {
	env, err := protocol.UnmarshalEventEnvelope(msg.Payload)
	if err != nil {
		r.logger.Error("undecodable event envelope", "offset", msg.Offset, "error", err)
		return
	}
	evt, err := event.Unmarshal(env.Event)
	if err != nil {
		r.logger.Error("undecodable event", "offset", msg.Offset, "error", err)
		return
	}

	r.logger.Info("processing event",
		"fq_id", evt.FQID(), "tenant", env.TenantID, "offset", msg.Offset)

	t := r.tenants[env.TenantID]
	if t == nil {
		r.logger.Warn("event for unconfigured tenant", "tenant", env.TenantID)
		return
	}

	for _, hs := range t.handlers {
		if !r.selects(hs, evt) {
			r.metrics.RecordHandled(hs.name, "filtered")
			continue
		}
		if err := hs.h.ProcessEvent(evt); err != nil {
			// One failing sink must not block the rest of the fan-out.
			r.metrics.RecordHandled(hs.name, "error")
			r.logger.Error("handler failed to process event",
				"handler", hs.name, "fq_id", evt.FQID(), "error", err)
			continue
		}
		r.metrics.RecordHandled(hs.name, "ok")
	}
}

// selects applies the handler's filter; a filter that fails to evaluate
// deselects the event. Handlers without a filter fall through to their
// default action.
func (r *Reactor) selects(hs *handlerState, evt *event.Event) bool {
	if hs.filter == nil {
		r.logger.Debug("falling through to default action",
			"handler", hs.name, "action", hs.defaultAction)
		return hs.defaultAction
	}
	ok, err := hs.filter.Eval(evt)
	if err != nil {
		r.logger.Info("filter expression failed to evaluate",
			"handler", hs.name, "error", err)
		return false
	}
	return ok
}

func (r *Reactor) subscriber() string { return "reactor." + r.id }

// Run consumes the event stream until ctx is cancelled. In re-run mode it
// replays the configured range and returns when the range is exhausted.
func (r *Reactor) Run(ctx context.Context) error {
	if r.rerun != nil {
		return r.runRange(ctx)
	}

	pos := stream.FromEnd()
	stored, found, err := r.broker.QueryOffset(ctx, r.eventStream, r.subscriber())
	if err != nil {
		return err
	}
	if found {
		pos = stream.FromOffset(stored + 1)
		r.logger.Info("resuming event stream", "stream", r.eventStream, "offset", stored+1)
	} else {
		r.logger.Info("subscribing to event stream at the end", "stream", r.eventStream)
	}

	ch, err := r.broker.Subscribe(ctx, r.eventStream, pos)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reactor stopping")
			return nil
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					r.logger.Info("reactor stopping")
					return nil
				}
				return fmt.Errorf("event stream subscription closed")
			}
			r.processMessage(msg)
			if err := r.broker.StoreOffset(ctx, r.eventStream, r.subscriber(), msg.Offset); err != nil {
				return fmt.Errorf("store offset %d: %w", msg.Offset, err)
			}
		}
	}
}

// runRange replays [Start, End] against the handlers and exits. The stored
// offset is left alone so normal operation is unaffected.
func (r *Reactor) runRange(ctx context.Context) error {
	r.logger.Info("re-running historical events",
		"start", r.rerun.Start, "end", r.rerun.End)

	rangeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := r.broker.Subscribe(rangeCtx, r.eventStream, stream.FromOffset(r.rerun.Start))
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("event stream subscription closed")
			}
			if msg.Offset > r.rerun.End {
				return nil
			}
			r.processMessage(msg)
			if msg.Offset == r.rerun.End {
				return nil
			}
		}
	}
}

// ParseRerun parses the --rerun argument: a single offset or a
// hyphen-separated range.
func ParseRerun(arg string) (*Range, error) {
	var start, end uint64
	switch n, err := fmt.Sscanf(arg, "%d-%d", &start, &end); {
	case n == 2 && err == nil:
	case n >= 1:
		end = start
	default:
		return nil, fmt.Errorf("invalid rerun specification %q", arg)
	}
	if start == 0 || end < start {
		return nil, fmt.Errorf("invalid rerun specification %q", arg)
	}
	return &Range{Start: start, End: end}, nil
}
