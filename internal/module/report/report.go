// Package report is a report-only correlation module: it keeps traffic
// statistics for its tenant and surfaces every record as a notice event.
// Useful for smoke-testing a pipeline before real correlation modules go
// in.
package report

import (
	"fmt"
	"time"

	"github.com/corrstack/correlator/internal/event"
	"github.com/corrstack/correlator/internal/module"
	"github.com/corrstack/correlator/internal/syslog"
)

// StatsKind summarises a reporting period.
var StatsKind = &event.Kind{
	Name:     "ReportStats",
	Category: event.Stats,
	AuditID:  "report.stats",
	Schema: []event.Field{
		{Name: "start", Description: "Session started"},
		{Name: "end", Description: "Session ended"},
		{Name: "duration", Description: "Session duration"},
		{Name: "messages", Description: "Number of log records"},
		{Name: "size", Description: "Total size in bytes"},
	},
	SummaryTemplate: "Statistics: Session started at ${start}, ended at " +
		"${end}, with a duration of ${duration} and ${size} bytes processed",
}

// Store is the module's durable state.
type Store struct {
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	NumRecords  int       `json:"num_records"`
	SizeRecords int       `json:"size_records"`
}

// Report is the report-only module.
type Report struct {
	module.Base

	store *Store
}

func init() {
	module.Register("module/report.Report", NewReport)
}

// NewReport builds an instance; the engine supplies the configured name.
func NewReport(name string, deps module.Deps) module.Module {
	return &Report{
		Base: module.NewBase(name, deps.Config, deps.Sink, deps.Logger),
	}
}

func (m *Report) Description() string { return "Report-only" }

func (m *Report) NewStore() any { return &Store{} }

func (m *Report) SetStore(store any) error {
	s, ok := store.(*Store)
	if !ok {
		return fmt.Errorf("%s: store is %T, want *report.Store", m.Name(), store)
	}
	m.store = s
	return nil
}

func (m *Report) Store() any { return m.store }

func (m *Report) Initialize() error { return nil }

func (m *Report) PostInitStore() error {
	if m.store == nil {
		return fmt.Errorf("%s: no store bound", m.Name())
	}
	return nil
}

// HandleRecord widens the observed time window, counts the record and
// raises a notice carrying its trimmed detail.
func (m *Report) HandleRecord(rec *syslog.Record) error {
	if rec == nil {
		return nil
	}

	if m.store.Start.IsZero() || rec.Timestamp.Before(m.store.Start) {
		m.store.Start = rec.Timestamp
	}
	if m.store.End.IsZero() || rec.Timestamp.After(m.store.End) {
		m.store.End = rec.Timestamp
	}
	m.store.NumRecords++
	m.store.SizeRecords += len(rec.Raw())

	m.DispatchEvent(event.NewSimpleNotice(event.TrimSummary(rec.String())))
	return nil
}

func (m *Report) Statistics(reset bool) {
	var start, end, duration string
	if !m.store.Start.IsZero() {
		start = event.FormatTimestamp(m.store.Start)
	}
	if !m.store.End.IsZero() {
		end = event.FormatTimestamp(m.store.End)
		duration = m.store.End.Sub(m.store.Start).Truncate(time.Second).String()
	}
	e, err := event.New(StatsKind, map[string]any{
		"start":    start,
		"end":      end,
		"duration": duration,
		"messages": m.store.NumRecords,
		"size":     m.store.SizeRecords,
	})
	if err != nil {
		m.Logger.Error("statistics event construction failed", "error", err)
		return
	}
	m.DispatchEvent(e)

	if reset {
		*m.store = Store{}
	}
}
