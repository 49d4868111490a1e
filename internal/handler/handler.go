// Package handler defines the contract between the reactor and the
// terminal consumers of events. A handler is bound to one reactor tenant,
// reads its options from the runtime config under handler.<name>., and
// resolves its secrets through the keyring.
package handler

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/corrstack/correlator/internal/config"
	"github.com/corrstack/correlator/internal/event"
	"github.com/corrstack/correlator/internal/keyring"
)

// Handler consumes events the reactor selected for it. Initialize runs
// once at startup; a *module.CredentialsRequired error aborts the reactor
// with the missing credential ids. ProcessEvent must not block beyond a
// small bounded timeout.
type Handler interface {
	Name() string
	Description() string
	Initialize() error
	ProcessEvent(e *event.Event) error
}

// Base carries the plumbing every handler shares: naming, config access
// under handler.<name>., and keyring lookups owned by the handler name.
type Base struct {
	name    string
	cfg     *config.Store
	keyring keyring.Provider
	Logger  *slog.Logger
}

func NewBase(name string, deps Deps) Base {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return Base{
		name:    name,
		cfg:     deps.Config,
		keyring: deps.Keyring,
		Logger:  logger.With("handler", name),
	}
}

func (b *Base) Name() string { return b.name }

// AddConfig registers configuration items under handler.<name>.
func (b *Base) AddConfig(items []config.Item) error {
	return b.cfg.Register(items, "handler", b.name)
}

func (b *Base) configKey(key string) string {
	return fmt.Sprintf("handler.%s.%s", b.name, key)
}

// GetConfigString reads handler.<name>.<key>. The handler registered the
// key itself, so a read failure is a programming error; it is logged and
// the zero value returned.
func (b *Base) GetConfigString(key string) string {
	v, err := b.cfg.GetString(b.configKey(key))
	if err != nil {
		b.Logger.Error("config read failed", "key", b.configKey(key), "error", err)
	}
	return v
}

func (b *Base) GetConfigInt(key string) int {
	v, err := b.cfg.GetInt(b.configKey(key))
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

// GetCreds resolves a secret owned by this handler. found is false when
// the credential is not provisioned.
func (b *Base) GetCreds(id string) (string, bool, error) {
	if b.keyring == nil {
		return "", false, nil
	}
	return b.keyring.Get(b.name, id)
}

// Deps is everything a handler factory needs from the reactor.
type Deps struct {
	Config  *config.Store
	Keyring keyring.Provider
	Logger  *slog.Logger
}

// Factory builds a handler instance with its configured instance name.
type Factory func(name string, deps Deps) Handler

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a handler class to the compile-time registry under its
// fully-qualified id, e.g. "handler.Logger". Handler files call this from
// init.
func Register(id string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[id]; dup {
		panic(fmt.Sprintf("handler %q registered twice", id))
	}
	registry[id] = factory
}

// New instantiates a registered handler class.
func New(id, name string, deps Deps) (Handler, error) {
	registryMu.RLock()
	factory, ok := registry[id]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown handler class %q", id)
	}
	return factory(name, deps), nil
}

// Registered lists known handler class ids, sorted.
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
