package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v2"
)

// ModuleRef names a correlation module or event handler implementation in
// the compile-time registry: a package path and an exported type name.
type ModuleRef [2]string

func (r ModuleRef) Path() string  { return r[0] }
func (r ModuleRef) Class() string { return r[1] }

// FQ is the registry lookup key, "path.Class".
func (r ModuleRef) FQ() string { return r[0] + "." + r[1] }

// ModuleDef is one module instance on a tenant. Order in the containing
// slice is dispatch order.
type ModuleDef struct {
	Name   string         `json:"name" yaml:"name"`
	Module ModuleRef      `json:"module" yaml:"module,flow"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// HandlerDef is one event handler instance on a reactor tenant.
type HandlerDef struct {
	Name             string         `json:"name" yaml:"name"`
	Handler          ModuleRef      `json:"handler" yaml:"handler,flow"`
	FilterExpression string         `json:"filter_expression,omitempty" yaml:"filter_expression,omitempty"`
	DefaultAction    bool           `json:"default_action,omitempty" yaml:"default_action,omitempty"`
	Config           map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

type EngineTenant struct {
	ID      string      `json:"id" yaml:"id"`
	Modules []ModuleDef `json:"modules" yaml:"modules"`
}

type ReactorTenant struct {
	ID       string       `json:"id" yaml:"id"`
	Handlers []HandlerDef `json:"handlers" yaml:"handlers"`
}

type SourceDef struct {
	ID        string         `json:"id" yaml:"id"`
	Desc      string         `json:"desc" yaml:"desc"`
	Connector string         `json:"connector" yaml:"connector"`
	Config    map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

type EngineDef struct {
	ID      string         `json:"id" yaml:"id"`
	Desc    string         `json:"desc" yaml:"desc"`
	Config  map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Tenants []EngineTenant `json:"tenants" yaml:"tenants"`
}

type ReactorDef struct {
	ID      string          `json:"id" yaml:"id"`
	Desc    string          `json:"desc" yaml:"desc"`
	Config  map[string]any  `json:"config,omitempty" yaml:"config,omitempty"`
	Tenants []ReactorTenant `json:"tenants" yaml:"tenants"`
}

// Topology is the application configuration file: the processes that make
// up one correlator deployment and their per-instance options.
type Topology struct {
	Name           string         `json:"name" yaml:"name"`
	InputProcessor map[string]any `json:"input_processor,omitempty" yaml:"input_processor,omitempty"`
	Sources        []SourceDef    `json:"sources" yaml:"sources"`
	Engines        []EngineDef    `json:"engines" yaml:"engines"`
	Reactors       []ReactorDef   `json:"reactors" yaml:"reactors"`
}

// AppConfig validates a topology and applies per-instance configuration
// into a runtime Store.
type AppConfig struct {
	Topology Topology

	sources  map[string]*SourceDef
	engines  map[string]*EngineDef
	reactors map[string]*ReactorDef
}

// Load reads and validates a topology file. YAML is accepted for files
// ending in .yaml or .yml, JSON otherwise.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read configuration file: %w", err)
	}

	var topo Topology
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(data, &topo); err != nil {
			return nil, fmt.Errorf("parse configuration file: %w", err)
		}
		topo.InputProcessor = normalizeMap(topo.InputProcessor)
	} else {
		if err := json.Unmarshal(data, &topo); err != nil {
			return nil, fmt.Errorf("parse configuration file: %w", err)
		}
	}

	ac := &AppConfig{
		Topology: topo,
		sources:  make(map[string]*SourceDef),
		engines:  make(map[string]*EngineDef),
		reactors: make(map[string]*ReactorDef),
	}
	if err := ac.validate(); err != nil {
		return nil, err
	}
	return ac, nil
}

func (ac *AppConfig) validate() error {
	topo := &ac.Topology

	for i := range topo.Sources {
		src := &topo.Sources[i]
		if src.ID == "" {
			return fmt.Errorf("source %d: missing id", i)
		}
		if _, dup := ac.sources[src.ID]; dup {
			return fmt.Errorf("duplicate source id %q", src.ID)
		}
		src.Config = normalizeMap(src.Config)
		ac.sources[src.ID] = src
	}

	for i := range topo.Engines {
		eng := &topo.Engines[i]
		if eng.ID == "" {
			return fmt.Errorf("engine %d: missing id", i)
		}
		if _, dup := ac.engines[eng.ID]; dup {
			return fmt.Errorf("duplicate engine id %q", eng.ID)
		}
		eng.Config = normalizeMap(eng.Config)
		for _, tenant := range eng.Tenants {
			if tenant.ID == "" {
				return fmt.Errorf("engine %q: tenant with missing id", eng.ID)
			}
			if len(tenant.Modules) == 0 {
				return fmt.Errorf("engine %q: no modules defined for tenant %q", eng.ID, tenant.ID)
			}
			for j := range tenant.Modules {
				mod := &tenant.Modules[j]
				if mod.Name == "" || mod.Module.Path() == "" || mod.Module.Class() == "" {
					return fmt.Errorf("engine %q tenant %q: invalid module entry %d", eng.ID, tenant.ID, j)
				}
				mod.Config = normalizeMap(mod.Config)
			}
		}
		ac.engines[eng.ID] = eng
	}

	for i := range topo.Reactors {
		rct := &topo.Reactors[i]
		if rct.ID == "" {
			return fmt.Errorf("reactor %d: missing id", i)
		}
		if _, dup := ac.reactors[rct.ID]; dup {
			return fmt.Errorf("duplicate reactor id %q", rct.ID)
		}
		rct.Config = normalizeMap(rct.Config)
		for _, tenant := range rct.Tenants {
			if tenant.ID == "" {
				return fmt.Errorf("reactor %q: tenant with missing id", rct.ID)
			}
			if len(tenant.Handlers) == 0 {
				return fmt.Errorf("reactor %q: no handlers defined for tenant %q", rct.ID, tenant.ID)
			}
			for j := range tenant.Handlers {
				h := &tenant.Handlers[j]
				if h.Name == "" || h.Handler.Path() == "" || h.Handler.Class() == "" {
					return fmt.Errorf("reactor %q tenant %q: invalid handler entry %d", rct.ID, tenant.ID, j)
				}
				h.Config = normalizeMap(h.Config)
			}
		}
		ac.reactors[rct.ID] = rct
	}

	return nil
}

func (ac *AppConfig) SourceByID(id string) *SourceDef   { return ac.sources[id] }
func (ac *AppConfig) EngineByID(id string) *EngineDef   { return ac.engines[id] }
func (ac *AppConfig) ReactorByID(id string) *ReactorDef { return ac.reactors[id] }

// ProcessSourceConfig applies a source's config block into the store under
// sources.<id>.
func (ac *AppConfig) ProcessSourceConfig(id string, store *Store) error {
	src := ac.sources[id]
	if src == nil {
		return fmt.Errorf("no source with id %q in configuration", id)
	}
	return applySettings(store, "sources."+id, src.Config)
}

// ProcessEngineConfig applies an engine's config block into the store under
// engines.<id>.
func (ac *AppConfig) ProcessEngineConfig(id string, store *Store) error {
	eng := ac.engines[id]
	if eng == nil {
		return fmt.Errorf("no engine with id %q in configuration", id)
	}
	return applySettings(store, "engines."+id, eng.Config)
}

// ProcessReactorConfig applies a reactor's config block into the store
// under reactors.<id>.
func (ac *AppConfig) ProcessReactorConfig(id string, store *Store) error {
	rct := ac.reactors[id]
	if rct == nil {
		return fmt.Errorf("no reactor with id %q in configuration", id)
	}
	return applySettings(store, "reactors."+id, rct.Config)
}

func applySettings(store *Store, prefix string, settings map[string]any) error {
	for key, value := range settings {
		full := prefix + "." + key
		slog.Debug("Applying configuration", "key", full, "value", value)
		if err := store.Set(full, value); err != nil {
			return err
		}
	}
	return nil
}

var optionRe = regexp.MustCompile(`^(.+?)=(.+)$`)

// Option is a key=value runtime override from the command line.
type Option struct {
	Key   string
	Value string
}

// ParseOptions turns --option arguments of the form key=value into a list
// of overrides. Malformed entries are ignored, matching the original CLI
// behaviour.
func ParseOptions(args []string) []Option {
	var out []Option
	for _, arg := range args {
		if m := optionRe.FindStringSubmatch(arg); m != nil {
			out = append(out, Option{Key: m[1], Value: m[2]})
		}
	}
	return out
}

// ApplyOverrides sets command-line overrides after file values so the CLI
// wins. Overrides for keys in foreign namespaces are skipped when prefix is
// non-empty.
func ApplyOverrides(store *Store, overrides []Option, prefix string) error {
	for _, o := range overrides {
		if prefix != "" && !strings.HasPrefix(o.Key, prefix) {
			continue
		}
		if err := store.Set(o.Key, o.Value); err != nil {
			return err
		}
	}
	return nil
}

// normalizeMap converts YAML's map[interface{}]interface{} trees into
// map[string]any so config values look the same regardless of file format.
func normalizeMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeValue(val)
		}
		return out
	case []interface{}:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}
