// Package config holds both configuration systems: the runtime option
// store that sources, engines, modules and handlers read during execution,
// and the application topology loaded from the configuration file.
package config

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Type enumerates the value types an option can carry.
type Type int

const (
	Integer Type = iota + 1
	Float
	String
	Boolean
	Bytes
	Email
)

func (t Type) String() string {
	switch t {
	case Integer:
		return "Integer"
	case Float:
		return "Float"
	case String:
		return "String"
	case Boolean:
		return "Boolean"
	case Bytes:
		return "Bytes"
	case Email:
		return "Email"
	}
	return "Unknown"
}

var emailRe = regexp.MustCompile(`(?i)^[A-Z0-9+_.-]+@[A-Z0-9.-]+$`)

// Error reports an invalid key or a value that failed coercion.
type Error struct {
	Key string
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Key, e.Msg)
}

// Item declares one registrable option.
type Item struct {
	Key         string
	Type        Type
	Default     any
	Description string
}

type entry struct {
	item     Item
	value    any
	hasValue bool
}

// Entry is the introspection view of a stored option.
type Entry struct {
	Key         string
	Type        Type
	Description string
	Default     any
	Value       any
}

// Store is the runtime option store. Options are registered under
// namespaced keys at startup; Set is the only mutator and always coerces,
// so Get never returns an uncoerced value.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// Register adds items under prefix[.instance].key. Every item must carry a
// type. Items are deep-copied; later mutation of the caller's slice has no
// effect on the store.
func (s *Store) Register(items []Item, prefix string, instance ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range items {
		if item.Type == 0 {
			return &Error{Key: item.Key, Msg: "no type definition"}
		}
		key := prefix + "." + item.Key
		if len(instance) > 0 && instance[0] != "" {
			key = prefix + "." + instance[0] + "." + item.Key
		}
		if _, ok := s.entries[key]; !ok {
			s.order = append(s.order, key)
		}
		s.entries[key] = &entry{item: item}
		slog.Debug("Configuration item registered", "key", key, "type", item.Type.String())
	}
	return nil
}

// Set coerces raw to the option's declared type and stores it.
func (s *Store) Set(key string, raw any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return &Error{Key: key, Msg: "unknown configuration parameter"}
	}

	coerced, err := coerce(e.item.Type, raw)
	if err != nil {
		return &Error{Key: key, Msg: err.Error()}
	}

	e.value = coerced
	e.hasValue = true
	return nil
}

func coerce(t Type, raw any) (any, error) {
	switch t {
	case Boolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case int:
			if v == 0 {
				return false, nil
			}
			if v == 1 {
				return true, nil
			}
		case float64:
			if v == 0 {
				return false, nil
			}
			if v == 1 {
				return true, nil
			}
		case string:
			switch strings.ToLower(v) {
			case "0", "false", "no":
				return false, nil
			case "1", "true", "yes":
				return true, nil
			}
		}
		return nil, fmt.Errorf("%v does not map to a valid boolean", raw)
	case Integer:
		switch v := raw.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			return int(v), nil
		case bool:
			if v {
				return 1, nil
			}
			return 0, nil
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("%v will not cast to a valid integer", raw)
			}
			return n, nil
		}
		return nil, fmt.Errorf("%v will not cast to a valid integer", raw)
	case Float:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("%v will not cast to a valid float", raw)
			}
			return f, nil
		}
		return nil, fmt.Errorf("%v will not cast to a valid float", raw)
	case Email:
		str, ok := raw.(string)
		if !ok || !emailRe.MatchString(str) {
			return nil, fmt.Errorf("%v is not a valid email address", raw)
		}
		return str, nil
	case Bytes:
		if b, ok := raw.([]byte); ok {
			return b, nil
		}
		return []byte(fmt.Sprintf("%v", raw)), nil
	default: // String
		if str, ok := raw.(string); ok {
			return str, nil
		}
		return fmt.Sprintf("%v", raw), nil
	}
}

// Get returns the set value, falling back to the declared default.
func (s *Store) Get(key string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, &Error{Key: key, Msg: "unknown configuration parameter"}
	}
	if e.hasValue {
		return e.value, nil
	}
	return e.item.Default, nil
}

func (s *Store) GetInt(key string) (int, error) {
	v, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	}
	return 0, &Error{Key: key, Msg: fmt.Sprintf("%v is not an integer", v)}
}

func (s *Store) GetString(key string) (string, error) {
	v, err := s.Get(key)
	if err != nil {
		return "", err
	}
	if str, ok := v.(string); ok {
		return str, nil
	}
	return fmt.Sprintf("%v", v), nil
}

func (s *Store) GetBool(key string) (bool, error) {
	v, err := s.Get(key)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, &Error{Key: key, Msg: fmt.Sprintf("%v is not a boolean", v)}
	}
	return b, nil
}

func (s *Store) GetFloat(key string) (float64, error) {
	v, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	switch f := v.(type) {
	case float64:
		return f, nil
	case int:
		return float64(f), nil
	}
	return 0, &Error{Key: key, Msg: fmt.Sprintf("%v is not a float", v)}
}

func (s *Store) GetBytes(key string) ([]byte, error) {
	v, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	return nil, &Error{Key: key, Msg: "not a bytes value"}
}

// List enumerates all options in registration order for diagnostics.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.order))
	for _, key := range s.order {
		e := s.entries[key]
		value := e.item.Default
		if e.hasValue {
			value = e.value
		}
		out = append(out, Entry{
			Key:         key,
			Type:        e.item.Type,
			Description: e.item.Description,
			Default:     e.item.Default,
			Value:       value,
		})
	}
	return out
}

// DumpToLog writes the whole store to the logger, one line per option.
func (s *Store) DumpToLog(log *slog.Logger) {
	for _, e := range s.List() {
		log.Info("config",
			"key", e.Key,
			"type", e.Type.String(),
			"value", e.Value,
			"default", e.Default,
			"desc", e.Description)
	}
}
