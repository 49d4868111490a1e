// Package module defines the contract between the correlation engine and
// the pluggable correlators it hosts. A module owns a durable store, sees
// every ingest record for its tenant, and emits events through the
// engine's sink.
package module

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/corrstack/correlator/internal/config"
	"github.com/corrstack/correlator/internal/event"
	"github.com/corrstack/correlator/internal/syslog"
)

// EventSink accepts events dispatched by modules. The engine implements
// this; tests substitute a recorder.
type EventSink interface {
	Dispatch(e *event.Event)
}

// CredentialsRequired aborts startup when a module or handler needs
// secrets that are not provisioned. IDs are bare credential ids; the
// runtime logs them qualified as owner.id.
type CredentialsRequired struct {
	Owner string
	IDs   []string
}

func (e *CredentialsRequired) Error() string {
	return fmt.Sprintf("%s requires credentials: %s", e.Owner, strings.Join(e.IDs, ", "))
}

// Module is one correlator instance. The engine binds configuration and a
// store, then calls Initialize and PostInitStore before the first record.
//
// HandleRecord is the only entry point during normal operation. A nil
// record is a heartbeat; modules may use it for maintenance or ignore it.
// A non-nil error from HandleRecord is fatal to the engine.
type Module interface {
	Name() string
	Description() string

	// NewStore returns a fresh, empty store value. The engine serialises
	// stores as JSON for the snapshot, so the returned value must be a
	// pointer to a JSON-marshallable struct.
	NewStore() any
	// SetStore binds a store, either fresh or restored from a snapshot.
	SetStore(store any) error
	// Store returns the bound store, nil before SetStore.
	Store() any

	Initialize() error
	PostInitStore() error
	HandleRecord(rec *syslog.Record) error

	// Statistics emits the module's *Stats event, zeroing counters when
	// reset is set.
	Statistics(reset bool)
}

// EventHandler is implemented by modules that also correlate on events.
// The engine subscribes to the event stream only when at least one of its
// modules implements it, and fans every event for the tenant through
// HandleEvent. A non-nil error is fatal to the engine, like HandleRecord.
type EventHandler interface {
	HandleEvent(e *event.Event) error
}

// Base carries the plumbing every module shares: naming, config access
// under module.<name>., and event dispatch.
type Base struct {
	name   string
	cfg    *config.Store
	sink   EventSink
	Logger *slog.Logger
}

func NewBase(name string, cfg *config.Store, sink EventSink, logger *slog.Logger) Base {
	if logger == nil {
		logger = slog.Default()
	}
	return Base{
		name:   name,
		cfg:    cfg,
		sink:   sink,
		Logger: logger.With("module", name),
	}
}

func (b *Base) Name() string { return b.name }

// DispatchEvent claims the event for this module and hands it to the
// engine.
func (b *Base) DispatchEvent(e *event.Event) {
	e.SetSystem(b.name)
	b.Logger.Info("dispatching event",
		"event", e.ID(), "fq_id", e.FQID(), "severity", e.Severity().String())
	b.sink.Dispatch(e)
}

// AddConfig registers configuration items under module.<name>.
func (b *Base) AddConfig(items []config.Item) error {
	return b.cfg.Register(items, "module", b.name)
}

func (b *Base) configKey(key string) string {
	return fmt.Sprintf("module.%s.%s", b.name, key)
}

// GetConfigInt reads module.<name>.<key>. The module registered the key
// itself, so a read failure is a programming error; it is logged and the
// zero value returned.
func (b *Base) GetConfigInt(key string) int {
	v, err := b.cfg.GetInt(b.configKey(key))
	if err != nil {
		b.Logger.Error("config read failed", "key", b.configKey(key), "error", err)
	}
	return v
}

func (b *Base) GetConfigString(key string) string {
	v, err := b.cfg.GetString(b.configKey(key))
	if err != nil {
		b.Logger.Error("config read failed", "key", b.configKey(key), "error", err)
	}
	return v
}

func (b *Base) GetConfigBool(key string) bool {
	v, err := b.cfg.GetBool(b.configKey(key))
	if err != nil {
		b.Logger.Error("config read failed", "key", b.configKey(key), "error", err)
	}
	return v
}

// Deps is everything a module factory needs from the engine.
type Deps struct {
	Config *config.Store
	Sink   EventSink
	Logger *slog.Logger
}

// Factory builds a module instance with its configured instance name.
type Factory func(name string, deps Deps) Module

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a module class to the compile-time registry under its
// fully-qualified id, e.g. "module/sshd.SSHD". Module packages call this
// from init.
func Register(id string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[id]; dup {
		panic(fmt.Sprintf("module %q registered twice", id))
	}
	registry[id] = factory
}

// New instantiates a registered module class.
func New(id, name string, deps Deps) (Module, error) {
	registryMu.RLock()
	factory, ok := registry[id]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown module class %q", id)
	}
	return factory(name, deps), nil
}

// Registered lists known module class ids, sorted.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
