// Package engine hosts the correlation engine: it consumes ingest
// envelopes, fans each record through the configured modules per tenant,
// publishes dispatched events onto the event stream, and checkpoints
// module state together with stream offsets so restarts neither skip nor
// silently drop records.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/corrstack/correlator/internal/config"
	"github.com/corrstack/correlator/internal/event"
	"github.com/corrstack/correlator/internal/module"
	"github.com/corrstack/correlator/internal/monitoring"
	"github.com/corrstack/correlator/internal/protocol"
	"github.com/corrstack/correlator/internal/stream"
	"github.com/corrstack/correlator/internal/syslog"
)

const tickInterval = 15 * time.Second

// ConfigItems declares the options every engine instance registers under
// engines.<id>. Exported so the CLI can probe broker settings before the
// engine itself is built.
func ConfigItems() []config.Item {
	return []config.Item{
		{
			Key:         "source_stream",
			Type:        config.String,
			Default:     "Correlator-source",
			Description: "Name of the ingest stream",
		},
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
			Key:         "persistence_store",
			Type:        config.String,
			Default:     ".",
			Description: "Writable directory for snapshot files",
		},
		{
			Key:         "save_store_interval_records",
			Type:        config.Integer,
			Default:     10000,
			Description: "Source record interval between snapshots",
		},
		{
			Key:         "save_store_interval_minutes",
			Type:        config.Integer,
			Default:     5,
			Description: "Minute interval between forced snapshots",
		},
		{
			Key:         "monitor_address",
			Type:        config.String,
			Default:     "",
			Description: "Listen address for the monitoring endpoint, empty disables it",
		},
	}
}

type queuedEvent struct {
	tenant string
	evt    *event.Event
}

type tenantState struct {
	id      string
	modules []module.Module
	names   []string // fq names, aligned with modules

	// consumers are the modules that also correlate on events, with their
	// fq names.
	consumers     []module.EventHandler
	consumerNames []string
}

// Params configures a new engine.
type Params struct {
	ID      string
	Config  *config.Store
	App     *config.AppConfig
	Broker  stream.Broker
	Logger  *slog.Logger
	Metrics *monitoring.Metrics

	// Options are command-line overrides, applied after file values so the
	// CLI wins.
	Options []config.Option

	// Reset deletes any prior snapshot before startup.
	Reset bool
}

// Engine is one engine process: a set of tenants, their module instances,
// and the checkpointed state that ties stream offsets to module stores.
type Engine struct {
	id      string
	cfg     *config.Store
	broker  stream.Broker
	logger  *slog.Logger
	metrics *monitoring.Metrics

	sourceStream string
	eventStream  string
	snapshotPath string
	saveRecords  int
	saveMinutes  int

	tenants       []*tenantState
	tenantIndex   map[string]*tenantState
	scheduler     *module.Scheduler
	consumeEvents bool
	options       []config.Option

	snapshot         *Snapshot
	queue            []queuedEvent
	currentTenant    string
	firstRecordSeen  bool
	recordsSinceSave int
	minutesSinceSave int
	deferredErr      error
}

// Dispatch implements module.EventSink: events queue against the tenant
// whose record is currently being processed.
func (e *Engine) Dispatch(evt *event.Event) {
	e.queue = append(e.queue, queuedEvent{tenant: e.currentTenant, evt: evt})
	e.logger.Info("event added to queue", "tenant", e.currentTenant, "fq_id", evt.FQID())
}

// New builds an engine from the topology: registers and applies its
// configuration, loads the snapshot, instantiates every tenant's modules,
// binds stores, and initializes the modules.
func New(p Params) (*Engine, error) {
	def := p.App.EngineByID(p.ID)
	if def == nil {
		return nil, fmt.Errorf("no engine with id %q in configuration", p.ID)
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		id:          p.ID,
		cfg:         p.Config,
		broker:      p.Broker,
		logger:      logger.With("engine", p.ID),
		metrics:     p.Metrics,
		tenantIndex: map[string]*tenantState{},
		scheduler:   module.NewScheduler(logger),
	}

	if err := p.Config.Register(ConfigItems(), "engines", p.ID); err != nil {
		return nil, err
	}
	if err := p.App.ProcessEngineConfig(p.ID, p.Config); err != nil {
		return nil, err
	}
	if err := config.ApplyOverrides(p.Config, p.Options, "engines."); err != nil {
		return nil, err
	}
	e.options = p.Options

	prefix := "engines." + p.ID + "."
	var err error
	if e.sourceStream, err = p.Config.GetString(prefix + "source_stream"); err != nil {
		return nil, err
	}
	if e.eventStream, err = p.Config.GetString(prefix + "event_stream"); err != nil {
		return nil, err
	}
	storeDir, err := p.Config.GetString(prefix + "persistence_store")
	if err != nil {
		return nil, err
	}
	if e.saveRecords, err = p.Config.GetInt(prefix + "save_store_interval_records"); err != nil {
		return nil, err
	}
	if e.saveMinutes, err = p.Config.GetInt(prefix + "save_store_interval_minutes"); err != nil {
		return nil, err
	}
	e.snapshotPath = filepath.Join(storeDir, p.ID+".store")

	if p.Reset {
		if err := os.Remove(e.snapshotPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reset snapshot %s: %w", e.snapshotPath, err)
		}
		e.logger.Info("snapshot reset", "path", e.snapshotPath)
	}

	if e.snapshot, err = LoadSnapshot(e.snapshotPath); err != nil {
		return nil, err
	}
	e.logger.Info("restored offsets",
		"source", e.snapshot.SourceStreamOffset, "event", e.snapshot.EventStreamOffset)

	if err := e.buildTenants(def); err != nil {
		return nil, err
	}

	if err := e.scheduler.Add(p.ID, "minute", e.minuteTick); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) buildTenants(def *config.EngineDef) error {
	for _, tenantDef := range def.Tenants {
		t := &tenantState{id: tenantDef.ID}

		for _, modDef := range tenantDef.Modules {
			fqName := tenantDef.ID + "." + modDef.Name
			e.logger.Info("instantiating module",
				"class", modDef.Module.FQ(), "instance", fqName)

			m, err := module.New(modDef.Module.FQ(), fqName, module.Deps{
				Config: e.cfg,
				Sink:   e,
				Logger: e.logger,
			})
			if err != nil {
				return err
			}

			for key, value := range modDef.Config {
				if err := e.cfg.Set("module."+fqName+"."+key, value); err != nil {
					return err
				}
			}
			if err := config.ApplyOverrides(e.cfg, e.options, "module."+fqName+"."); err != nil {
				return err
			}

			if raw, ok := e.snapshot.Stores[fqName]; ok {
				store := m.NewStore()
				if err := json.Unmarshal(raw, store); err != nil {
					return fmt.Errorf("restore store for %s: %w", fqName, err)
				}
				if err := m.SetStore(store); err != nil {
					return err
				}
			} else {
				if err := m.SetStore(m.NewStore()); err != nil {
					return err
				}
			}

			if err := m.Initialize(); err != nil {
				var creds *module.CredentialsRequired
				if errors.As(err, &creds) {
					for _, id := range creds.IDs {
						e.logger.Error("missing secret for credential",
							"module", fqName, "credential", fqName+"."+id)
					}
				} else {
					e.logger.Error("module failed initialization",
						"module", fqName, "error", err)
				}
				return err
			}
			if err := m.PostInitStore(); err != nil {
				return err
			}
			if err := e.addScheduledModule(t.id, fqName, m); err != nil {
				return err
			}

			t.modules = append(t.modules, m)
			t.names = append(t.names, fqName)
			if eh, ok := m.(module.EventHandler); ok {
				t.consumers = append(t.consumers, eh)
				t.consumerNames = append(t.consumerNames, fqName)
				e.consumeEvents = true
			}
		}

		e.tenants = append(e.tenants, t)
		e.tenantIndex[t.id] = t
	}
	return nil
}

// addScheduledModule registers a module's timer handlers, binding the
// owning tenant so events dispatched from a timer carry its tag rather
// than that of the last-processed record.
func (e *Engine) addScheduledModule(tenantID, fqName string, m module.Module) error {
	scheduled, ok := m.(module.Scheduled)
	if !ok {
		return nil
	}
	for _, h := range scheduled.TimerHandlers() {
		fn := h.Fn
		err := e.scheduler.Add(fqName, h.Spec, func(now time.Time) {
			e.currentTenant = tenantID
			fn(now)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// minuteTick forces a snapshot every save_store_interval_minutes minutes
// so long-quiet streams still converge to disk.
func (e *Engine) minuteTick(time.Time) {
	e.minutesSinceSave++
	if e.minutesSinceSave < e.saveMinutes {
		return
	}
	if err := e.checkpoint("interval minutes"); err != nil {
		e.deferredErr = err
	}
}

// checkpoint serialises every module store plus the acknowledged offsets
// and writes the snapshot whole-file.
func (e *Engine) checkpoint(reason string) error {
	for _, t := range e.tenants {
		for i, m := range t.modules {
			raw, err := json.Marshal(m.Store())
			if err != nil {
				return fmt.Errorf("serialise store for %s: %w", t.names[i], err)
			}
			e.snapshot.Stores[t.names[i]] = raw
		}
	}
	start := time.Now()
	if err := e.snapshot.Write(e.snapshotPath); err != nil {
		return err
	}
	e.metrics.RecordCheckpoint(e.id, reason, time.Since(start).Seconds())
	e.recordsSinceSave = 0
	e.minutesSinceSave = 0
	e.firstRecordSeen = true
	e.logger.Info("snapshot written", "path", e.snapshotPath, "reason", reason,
		"source_offset", e.snapshot.SourceStreamOffset,
		"event_offset", e.snapshot.EventStreamOffset)
	return nil
}

// publishQueued emits every queued event onto the event stream in dispatch
// order, tagging each with its tenant.
func (e *Engine) publishQueued(ctx context.Context) error {
	for _, q := range e.queue {
		blob, err := q.evt.Marshal()
		if err != nil {
			return fmt.Errorf("serialise event %s: %w", q.evt.FQID(), err)
		}
		env := protocol.EventEnvelope{TenantID: q.tenant, Event: blob}
		payload, err := env.Marshal()
		if err != nil {
			return err
		}
		offset, err := e.broker.Publish(ctx, e.eventStream, payload)
		if err != nil {
			return fmt.Errorf("publish event %s: %w", q.evt.FQID(), err)
		}
		e.snapshot.EventStreamOffset = offset
		e.metrics.RecordEventPublished(e.id, q.evt.Severity().String())
		e.logger.Info("event published",
			"tenant", q.tenant, "fq_id", q.evt.FQID(), "offset", offset)
	}
	e.queue = e.queue[:0]
	return nil
}

// processEnvelope is the per-record critical section: module dispatch,
// event emission, then checkpoint bookkeeping.
func (e *Engine) processEnvelope(ctx context.Context, msg stream.Message) error {
	env, err := protocol.UnmarshalEnvelope(msg.Payload)
	if err != nil {
		e.logger.Error("undecodable ingest envelope", "offset", msg.Offset, "error", err)
		e.snapshot.SourceStreamOffset = msg.Offset
		return e.afterDispatch(ctx)
	}

	e.snapshot.SourceStreamOffset = msg.Offset

	t := e.tenantIndex[env.TenantID]
	if t == nil {
		e.logger.Warn("record for unconfigured tenant", "tenant", env.TenantID, "offset", msg.Offset)
		return e.afterDispatch(ctx)
	}
	e.currentTenant = t.id

	var rec *syslog.Record
	if env.Type == protocol.SyslogData {
		rec = syslog.Parse(env.Payload)
		if rec.Err != "" {
			// Parse errors are isolated to the record: report and move on.
			e.metrics.RecordParseFailure("engine")
			e.logger.Info("record parse failure", "offset", msg.Offset, "error", rec.Err)
			e.Dispatch(event.NewSimpleError(
				fmt.Sprintf("Cannot parse record at offset %d: %s", msg.Offset, rec.Err)))
			return e.afterDispatch(ctx)
		}
	}

	e.metrics.RecordProcessed(e.id, t.id)
	for i, m := range t.modules {
		if err := m.HandleRecord(rec); err != nil {
			// State may be inconsistent; stop without checkpointing so the
			// record is replayed after intervention.
			return fmt.Errorf("module %s failed on record at offset %d: %w",
				t.names[i], msg.Offset, err)
		}
	}

	return e.afterDispatch(ctx)
}

// afterDispatch applies the checkpoint rules for the envelope just
// processed: events force a checkpoint, the first record checkpoints once,
// otherwise every save_store_interval_records records.
func (e *Engine) afterDispatch(ctx context.Context) error {
	if len(e.queue) > 0 {
		if err := e.publishQueued(ctx); err != nil {
			return err
		}
		return e.checkpoint("post event")
	}
	if !e.firstRecordSeen {
		return e.checkpoint("first record")
	}
	e.recordsSinceSave++
	if e.recordsSinceSave >= e.saveRecords {
		return e.checkpoint("interval records")
	}
	return nil
}

// processEvent fans one event-stream entry through the tenant's
// event-consuming modules. Events they dispatch in response are committed
// like any others.
func (e *Engine) processEvent(ctx context.Context, msg stream.Message) error {
	env, err := protocol.UnmarshalEventEnvelope(msg.Payload)
	if err != nil {
		e.logger.Error("undecodable event envelope", "offset", msg.Offset, "error", err)
		e.snapshot.EventStreamOffset = msg.Offset
		return nil
	}
	evt, err := event.Unmarshal(env.Event)
	if err != nil {
		e.logger.Error("undecodable event", "offset", msg.Offset, "error", err)
		e.snapshot.EventStreamOffset = msg.Offset
		return nil
	}

	e.snapshot.EventStreamOffset = msg.Offset

	t := e.tenantIndex[env.TenantID]
	if t == nil || len(t.consumers) == 0 {
		return nil
	}
	e.currentTenant = t.id

	e.logger.Info("processing event",
		"tenant", t.id, "fq_id", evt.FQID(), "offset", msg.Offset)
	for i, c := range t.consumers {
		if err := c.HandleEvent(evt); err != nil {
			return fmt.Errorf("module %s failed on event at offset %d: %w",
				t.consumerNames[i], msg.Offset, err)
		}
	}

	if len(e.queue) > 0 {
		if err := e.publishQueued(ctx); err != nil {
			return err
		}
		return e.checkpoint("post event")
	}
	return nil
}

// Run consumes the ingest stream until ctx is cancelled, then writes a
// final snapshot. Engines with event-consuming modules additionally
// subscribe to the event stream.
func (e *Engine) Run(ctx context.Context) error {
	pos := stream.FromEnd()
	if e.snapshot.SourceStreamOffset > 0 {
		pos = stream.FromOffset(e.snapshot.SourceStreamOffset + 1)
		e.logger.Info("subscribing to source stream",
			"stream", e.sourceStream, "offset", e.snapshot.SourceStreamOffset+1)
	} else {
		e.logger.Info("subscribing to source stream at the end", "stream", e.sourceStream)
	}

	ch, err := e.broker.Subscribe(ctx, e.sourceStream, pos)
	if err != nil {
		return err
	}

	// A nil channel blocks forever, so engines without event consumers
	// never wake on the event stream.
	var evCh <-chan stream.Message
	if e.consumeEvents {
		evPos := stream.FromEnd()
		if e.snapshot.EventStreamOffset > 0 {
			evPos = stream.FromOffset(e.snapshot.EventStreamOffset + 1)
		}
		if evCh, err = e.broker.Subscribe(ctx, e.eventStream, evPos); err != nil {
			return err
		}
		e.logger.Info("subscribing to event stream", "stream", e.eventStream)
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return e.shutdown()
		case now := <-ticker.C:
			if e.scheduler.Tick(now) {
				if err := e.flushTimerEvents(ctx); err != nil {
					return err
				}
			}
			if e.deferredErr != nil {
				return e.deferredErr
			}
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return e.shutdown()
				}
				return fmt.Errorf("source stream subscription closed")
			}
			if err := e.processEnvelope(ctx, msg); err != nil {
				return err
			}
		case msg, ok := <-evCh:
			if !ok {
				if ctx.Err() != nil {
					return e.shutdown()
				}
				return fmt.Errorf("event stream subscription closed")
			}
			if err := e.processEvent(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// flushTimerEvents commits events dispatched from timer handlers, which
// run outside any record's critical section.
func (e *Engine) flushTimerEvents(ctx context.Context) error {
	if len(e.queue) == 0 {
		return nil
	}
	if err := e.publishQueued(ctx); err != nil {
		return err
	}
	return e.checkpoint("post timer event")
}

// shutdown emits final module statistics, publishes them, and writes the
// last snapshot. The run context is already cancelled, so the flush gets
// its own deadline.
func (e *Engine) shutdown() error {
	e.logger.Info("engine stopping")
	e.Statistics(false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.publishQueued(ctx); err != nil {
		return err
	}
	return e.checkpoint("shutdown")
}

// Statistics asks every module for its stats event; the events flow
// through the normal queue and are committed by the caller's loop.
func (e *Engine) Statistics(reset bool) {
	for _, t := range e.tenants {
		e.currentTenant = t.id
		for _, m := range t.modules {
			m.Statistics(reset)
		}
	}
}

// Tick drives the scheduler directly. Tests use this instead of waiting
// for the wall clock.
func (e *Engine) Tick(ctx context.Context, now time.Time) error {
	if e.scheduler.Tick(now) {
		if err := e.flushTimerEvents(ctx); err != nil {
			return err
		}
	}
	return e.deferredErr
}

// SnapshotPath is the engine's persistence file location.
func (e *Engine) SnapshotPath() string { return e.snapshotPath }

// Offsets reports the last checkpointable offsets.
func (e *Engine) Offsets() (source, evt uint64) {
	return e.snapshot.SourceStreamOffset, e.snapshot.EventStreamOffset
}
