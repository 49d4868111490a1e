// Package event defines the value objects that flow from correlation
// modules to reactor handlers. An event is built from a Kind descriptor
// (schema, templates, optional severity override) plus a payload, and is
// immutable once constructed.
package event

import (
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultSystem is the system tag an event carries until the dispatching
// module claims it.
const DefaultSystem = "system"

// Severity orders events by operational urgency.
type Severity int

const (
	Informational Severity = 0
	Warning       Severity = 1
	Error         Severity = 2
)

func (s Severity) String() string {
	switch s {
	case Informational:
		return "Informational"
	case Warning:
		return "Warning"
	case Error:
		return "Error"
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// ParseSeverity resolves a severity name, case-insensitively.
func ParseSeverity(name string) (Severity, bool) {
	switch strings.ToLower(name) {
	case "informational":
		return Informational, true
	case "warning":
		return Warning, true
	case "error":
		return Error, true
	}
	return 0, false
}

// Field is one schema entry: a payload key plus its human description.
type Field struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Category separates plain notices from machine-oriented event families.
type Category int

const (
	Notice Category = iota // human-readable occurrences
	Data                   // structured audit records, AuditID set
	Stats                  // periodic statistics snapshots
)

// Kind describes one event type. All events of a kind share the schema,
// the summary templates, and the optional severity override.
type Kind struct {
	Name             string            `json:"name"`
	Category         Category          `json:"category,omitempty"`
	AuditID          string            `json:"audit_id,omitempty"`
	Schema           []Field           `json:"schema"`
	SummaryTemplate  string            `json:"summary_template,omitempty"`
	Templates        map[string]string `json:"templates,omitempty"`
	SeverityOverride *Severity         `json:"severity_override,omitempty"`
}

// reserved payload keys: timestamp is injected by the constructor, summary
// is derived.
var reservedFields = map[string]bool{"timestamp": true, "summary": true}

// Validate checks a kind for definition errors. A kind whose name marks it
// a warning must not carry an Error severity override; such definitions
// are refused rather than silently honoured.
func (k *Kind) Validate() error {
	if k.Name == "" {
		return fmt.Errorf("event kind has no name")
	}
	if len(k.Schema) == 0 {
		return fmt.Errorf("%s: missing schema in kind definition", k.Name)
	}
	seen := map[string]bool{}
	for _, f := range k.Schema {
		if reservedFields[f.Name] {
			return fmt.Errorf("%s: schema uses reserved field %q", k.Name, f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("%s: schema repeats field %q", k.Name, f.Name)
		}
		seen[f.Name] = true
	}
	if strings.HasSuffix(k.Name, "Warning") && k.SeverityOverride != nil && *k.SeverityOverride == Error {
		return fmt.Errorf("%s: warning kind declares Error severity override", k.Name)
	}
	if k.Category == Data && k.AuditID == "" {
		return fmt.Errorf("%s: data kind has no audit id", k.Name)
	}
	return nil
}

// summaryTemplateFor resolves the summary template for a content type.
// text/plain falls back to SummaryTemplate.
func (k *Kind) summaryTemplateFor(contentType string) string {
	if tpl, ok := k.Templates[contentType]; ok {
		return tpl
	}
	if contentType == "text/plain" {
		return k.SummaryTemplate
	}
	return ""
}

func severityPtr(s Severity) *Severity { return &s }

// Event is an immutable occurrence emitted by a correlation module. The
// payload holds exactly the kind's schema fields plus the injected
// timestamp, every value already normalised to a string.
type Event struct {
	kind      *Kind
	system    string
	severity  Severity
	timestamp time.Time
	payload   map[string]string
	repr      string
	summaries map[string]string
}

// Option adjusts event construction.
type Option func(*settings)

type settings struct {
	severity Severity
	now      time.Time
}

// WithSeverity sets the constructor severity. A kind-level override still
// wins.
func WithSeverity(s Severity) Option {
	return func(o *settings) { o.severity = s }
}

// WithTimestamp pins the event timestamp. Tests use this; production code
// takes the wall clock.
func WithTimestamp(t time.Time) Option {
	return func(o *settings) { o.now = t }
}

// New constructs an event of the given kind. The payload must contain
// exactly the schema fields; values may be strings, integers, floats,
// time.Time, or nil.
func New(kind *Kind, payload map[string]any, opts ...Option) (*Event, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}
	o := settings{severity: Informational, now: time.Now()}
	for _, opt := range opts {
		opt(&o)
	}

	var missing, extra []string
	known := map[string]bool{}
	for _, f := range kind.Schema {
		known[f.Name] = true
		if _, ok := payload[f.Name]; !ok {
			missing = append(missing, f.Name)
		}
	}
	for key := range payload {
		if !known[key] {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)

	var problems []string
	if len(missing) > 0 {
		problems = append(problems, fmt.Sprintf("missing field(s): %s", strings.Join(missing, ", ")))
	}
	if len(extra) > 0 {
		problems = append(problems, fmt.Sprintf("extra field(s): %s", strings.Join(extra, ", ")))
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%s: schema validation failed: %s", kind.Name, strings.Join(problems, ", "))
	}

	normalised := make(map[string]string, len(payload)+1)
	for key, value := range payload {
		s, err := normaliseValue(value)
		if err != nil {
			return nil, fmt.Errorf("%s: field %q: %w", kind.Name, key, err)
		}
		normalised[key] = s
	}
	normalised["timestamp"] = FormatTimestamp(o.now)

	severity := o.severity
	if kind.SeverityOverride != nil {
		severity = *kind.SeverityOverride
	}

	e := &Event{
		kind:      kind,
		system:    DefaultSystem,
		severity:  severity,
		timestamp: o.now,
		payload:   normalised,
		summaries: map[string]string{},
	}
	e.repr = e.buildRepr()
	return e, nil
}

// FormatTimestamp renders a timestamp the way payloads and data tables
// carry it.
func FormatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

func normaliseValue(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case int:
		return strconv.Itoa(v), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case time.Time:
		return FormatTimestamp(v), nil
	case nil:
		return "None", nil
	}
	return "", fmt.Errorf("cannot translate type %T", value)
}

func (e *Event) buildRepr() string {
	parts := make([]string, 0, len(e.kind.Schema)+1)
	for _, name := range e.FieldNames() {
		parts = append(parts, fmt.Sprintf("%s=%s", name, e.payload[name]))
	}
	return fmt.Sprintf("%s: %s", e.kind.Name, strings.Join(parts, ", "))
}

func (e *Event) Kind() *Kind          { return e.kind }
func (e *Event) ID() string           { return e.kind.Name }
func (e *Event) AuditID() string      { return e.kind.AuditID }
func (e *Event) Category() Category   { return e.kind.Category }
func (e *Event) Severity() Severity   { return e.severity }
func (e *Event) Timestamp() time.Time { return e.timestamp }
func (e *Event) System() string       { return e.system }

// SetSystem is called once by the dispatching module, before the event
// leaves the engine.
func (e *Event) SetSystem(system string) { e.system = system }

// FQID qualifies the event id with the system that emitted it.
func (e *Event) FQID() string {
	return fmt.Sprintf("%s-%s", e.system, e.kind.Name)
}

// FieldNames lists payload fields in render order, timestamp first.
func (e *Event) FieldNames() []string {
	names := make([]string, 0, len(e.kind.Schema)+1)
	names = append(names, "timestamp")
	for _, f := range e.kind.Schema {
		names = append(names, f.Name)
	}
	return names
}

// FieldValues returns payload values aligned with FieldNames.
func (e *Event) FieldValues() []string {
	names := e.FieldNames()
	values := make([]string, len(names))
	for i, name := range names {
		values[i] = e.payload[name]
	}
	return values
}

// Payload exposes a field's normalised value.
func (e *Event) Payload(field string) (string, bool) {
	v, ok := e.payload[field]
	return v, ok
}

// Summary is the text/plain summary.
func (e *Event) Summary() string {
	s, _ := e.RenderSummary("text/plain")
	return s
}

// RenderSummary renders the kind's summary template for the content type,
// falling back to the repr form when no template is registered. Results
// are memoised per content type.
func (e *Event) RenderSummary(contentType string) (string, error) {
	if s, ok := e.summaries[contentType]; ok {
		return s, nil
	}
	tpl := e.kind.summaryTemplateFor(contentType)
	if tpl == "" {
		e.summaries[contentType] = e.repr
		return e.repr, nil
	}
	s, err := Render(tpl, e.payload)
	if err != nil {
		return "", fmt.Errorf("%s: summary template failed to render: %w", e.kind.Name, err)
	}
	e.summaries[contentType] = s
	return s, nil
}

// RenderDataTable renders the field/value table for mail bodies and other
// rich sinks. Supported content types are text/plain and text/html.
func (e *Event) RenderDataTable(contentType string) (string, error) {
	type row struct{ label, value string }
	rows := []row{{"Timestamp:", e.payload["timestamp"]}}
	for _, f := range e.kind.Schema {
		rows = append(rows, row{f.Description + ":", e.payload[f.Name]})
	}

	switch contentType {
	case "text/plain":
		var b strings.Builder
		for _, r := range rows {
			b.WriteString(r.label)
			b.WriteString(" ")
			b.WriteString(r.value)
			b.WriteString(" \n")
		}
		return b.String(), nil
	case "text/html":
		// Payload values come from untrusted log content.
		var b strings.Builder
		b.WriteString(`<table class="datatable">`)
		for _, r := range rows {
			b.WriteString("<tr><td>")
			b.WriteString(html.EscapeString(r.label))
			b.WriteString("</td><td>")
			b.WriteString(html.EscapeString(r.value))
			b.WriteString("</td></tr>")
		}
		b.WriteString("</table>")
		return b.String(), nil
	}
	return "", fmt.Errorf("cannot render content type %s", contentType)
}

func (e *Event) String() string {
	return fmt.Sprintf("[%s :: %s]: %s", e.system, e.kind.Name, e.Summary())
}

// blob is the self-describing serialised form that crosses the event
// stream. It carries the kind descriptor so consumers need no registry.
type blob struct {
	Version   int               `json:"v"`
	Kind      *Kind             `json:"kind"`
	System    string            `json:"system"`
	Severity  Severity          `json:"severity"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

const blobVersion = 1

// Marshal serialises the event for the event stream.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(blob{
		Version:   blobVersion,
		Kind:      e.kind,
		System:    e.system,
		Severity:  e.severity,
		Timestamp: e.timestamp,
		Payload:   e.payload,
	})
}

// Unmarshal reconstructs an event from its stream form. The embedded kind
// descriptor is used as-is; no registry lookup happens.
func Unmarshal(data []byte) (*Event, error) {
	var b blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if b.Version != blobVersion {
		return nil, fmt.Errorf("unsupported event blob version %d", b.Version)
	}
	if b.Kind == nil {
		return nil, fmt.Errorf("event blob has no kind descriptor")
	}
	if err := b.Kind.Validate(); err != nil {
		return nil, err
	}
	e := &Event{
		kind:      b.Kind,
		system:    b.System,
		severity:  b.Severity,
		timestamp: b.Timestamp,
		payload:   b.Payload,
		summaries: map[string]string{},
	}
	if e.system == "" {
		e.system = DefaultSystem
	}
	e.repr = e.buildRepr()
	return e, nil
}
