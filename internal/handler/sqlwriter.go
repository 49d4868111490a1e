package handler

import (
	"database/sql"
	"fmt"
	"regexp"

	_ "github.com/lib/pq"

	"github.com/corrstack/correlator/internal/config"
	"github.com/corrstack/correlator/internal/event"
)

var sqlConfig = []config.Item{
	{
		Key:         "dsn",
		Type:        config.String,
		Default:     "",
		Description: "Postgres connection string",
	},
	{
		Key:         "table",
		Type:        config.String,
		Default:     "events",
		Description: "Table to archive events into",
	},
}

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLWriter archives every event as a row in Postgres. The payload column
// holds the event's self-describing stream form, so rows can be decoded
// back into full events.
type SQLWriter struct {
	Base

	db     *sql.DB
	insert string
	regErr error
}

func init() {
	Register("handler.SQLWriter", func(name string, deps Deps) Handler {
		h := &SQLWriter{Base: NewBase(name, deps)}
		h.regErr = h.AddConfig(sqlConfig)
		return h
	})
}

func (h *SQLWriter) Description() string { return "Archives events to Postgres" }

// SetDB substitutes an open database handle. Tests use this; when unset,
// Initialize opens the configured DSN.
func (h *SQLWriter) SetDB(db *sql.DB) { h.db = db }

func (h *SQLWriter) Initialize() error {
	if h.regErr != nil {
		return h.regErr
	}

	table := h.GetConfigString("table")
	if !tableNameRe.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	h.insert = fmt.Sprintf(
		`INSERT INTO %s (fq_id, system, severity, occurred_at, summary, payload) VALUES ($1, $2, $3, $4, $5, $6)`,
		table)

	if h.db != nil {
		return nil
	}
	dsn := h.GetConfigString("dsn")
	if dsn == "" {
		return fmt.Errorf("invalid or missing configuration parameter(s): dsn")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open event archive: %w", err)
	}
	h.db = db
	return nil
}

func (h *SQLWriter) ProcessEvent(e *event.Event) error {
	blob, err := e.Marshal()
	if err != nil {
		return err
	}
	_, err = h.db.Exec(h.insert,
		e.FQID(), e.System(), e.Severity().String(), e.Timestamp(), e.Summary(), blob)
	if err != nil {
		return fmt.Errorf("archive event %s: %w", e.FQID(), err)
	}
	return nil
}

// Close releases the database handle. The reactor calls this on shutdown.
func (h *SQLWriter) Close() error {
	if h.db == nil {
		return nil
	}
	return h.db.Close()
}
