package handler

import (
	"fmt"

	"github.com/corrstack/correlator/internal/event"
)

// Logger writes every event as a log line at its mapped severity. It is
// the default handler in most reactor topologies.
type Logger struct {
	Base
}

func init() {
	Register("handler.Logger", func(name string, deps Deps) Handler {
		return &Logger{Base: NewBase(name, deps)}
	})
}

func (h *Logger) Description() string { return "Logs all events" }

func (h *Logger) Initialize() error { return nil }

func (h *Logger) ProcessEvent(e *event.Event) error {
	line := fmt.Sprintf("%s: %s", e.System(), e.Summary())
	switch {
	case e.Severity() == event.Error:
		h.Logger.Error(line, "fq_id", e.FQID())
	case e.Severity() == event.Warning:
		h.Logger.Warn(line, "fq_id", e.FQID())
	case e.Category() == event.Data:
		h.Logger.Info(fmt.Sprintf("%s: Audit(%s): %s", e.System(), e.AuditID(), e.Summary()),
			"fq_id", e.FQID())
	default:
		h.Logger.Info(line, "fq_id", e.FQID())
	}
	return nil
}
