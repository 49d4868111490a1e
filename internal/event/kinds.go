package event

import "fmt"

// Built-in kinds used across the pipeline.
var (
	SimpleErrorKind = &Kind{
		Name:             "SimpleError",
		Schema:           []Field{{Name: "message", Description: "Message"}},
		SummaryTemplate:  "Error: ${message}",
		SeverityOverride: severityPtr(Error),
	}

	SimpleWarningKind = &Kind{
		Name:             "SimpleWarning",
		Schema:           []Field{{Name: "message", Description: "Message"}},
		SummaryTemplate:  "Warning: ${message}",
		SeverityOverride: severityPtr(Warning),
	}

	SimpleNoticeKind = &Kind{
		Name:             "SimpleNotice",
		Schema:           []Field{{Name: "message", Description: "Message"}},
		SummaryTemplate:  "${message}",
		SeverityOverride: severityPtr(Informational),
	}
)

// NewSimpleError wraps a message in a SimpleError event.
func NewSimpleError(message string) *Event {
	e, err := New(SimpleErrorKind, map[string]any{"message": message})
	if err != nil {
		panic(fmt.Sprintf("SimpleError construction failed: %v", err))
	}
	return e
}

// NewSimpleWarning wraps a message in a SimpleWarning event.
func NewSimpleWarning(message string) *Event {
	e, err := New(SimpleWarningKind, map[string]any{"message": message})
	if err != nil {
		panic(fmt.Sprintf("SimpleWarning construction failed: %v", err))
	}
	return e
}

// NewSimpleNotice wraps a message in a SimpleNotice event.
func NewSimpleNotice(message string) *Event {
	e, err := New(SimpleNoticeKind, map[string]any{"message": message})
	if err != nil {
		panic(fmt.Sprintf("SimpleNotice construction failed: %v", err))
	}
	return e
}
