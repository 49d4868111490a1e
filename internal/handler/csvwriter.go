package handler

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/corrstack/correlator/internal/config"
	"github.com/corrstack/correlator/internal/event"
	"github.com/corrstack/correlator/internal/fileutil"
)

var csvConfig = []config.Item{
	{
		Key:         "output_directory",
		Type:        config.String,
		Default:     "csv",
		Description: "The directory to write CSV files into",
	},
	{
		Key:         "rotate_files",
		Type:        config.Integer,
		Default:     fileutil.DefaultRotateKeep,
		Description: "Rotated generations to keep per CSV file",
	},
	{
		Key:         "cache_filehandles",
		Type:        config.Boolean,
		Default:     true,
		Description: "Keep CSV files open between events",
	},
	{
		Key:         "enabled",
		Type:        config.Boolean,
		Default:     true,
		Description: "Write CSV rows",
	},
}

// CSVWriter appends one row per event to <output_directory>/<fq_id>.csv.
// The first write to each file rotates any prior chain and starts with a
// header row of the event's field names. Rows are flushed as they are
// written.
type CSVWriter struct {
	Base

	dir        string
	rotateKeep int
	cache      bool
	enabled    bool

	files  map[string]*os.File
	seen   map[string]bool
	regErr error
}

func init() {
	Register("handler.CSVWriter", func(name string, deps Deps) Handler {
		h := &CSVWriter{
			Base:  NewBase(name, deps),
			files: map[string]*os.File{},
			seen:  map[string]bool{},
		}
		h.regErr = h.AddConfig(csvConfig)
		return h
	})
}

func (h *CSVWriter) Description() string { return "Writes events as CSV file rows" }

func (h *CSVWriter) Initialize() error {
	if h.regErr != nil {
		return h.regErr
	}
	h.enabled = h.GetConfigBool("enabled")
	h.cache = h.GetConfigBool("cache_filehandles")
	h.rotateKeep = h.GetConfigInt("rotate_files")

	dir, err := filepath.Abs(h.GetConfigString("output_directory"))
	if err != nil {
		return fmt.Errorf("resolve CSV output directory: %w", err)
	}
	h.dir = dir
	h.Logger.Debug("calculated CSV path", "dir", h.dir)

	if !h.enabled {
		return nil
	}
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return fmt.Errorf("create CSV output directory: %w", err)
	}
	return nil
}

func (h *CSVWriter) ProcessEvent(e *event.Event) error {
	if !h.enabled {
		return nil
	}

	base := filepath.Join(h.dir, e.FQID())
	f, err := h.open(base, e)
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if err := w.Write(e.FieldValues()); err != nil {
		return fmt.Errorf("write CSV row %s: %w", base, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush CSV row %s: %w", base, err)
	}

	if !h.cache {
		delete(h.files, base)
		return f.Close()
	}
	return nil
}

// open returns the file for an event's row, rotating old generations and
// writing the header on the first encounter of each fq_id.
func (h *CSVWriter) open(base string, e *event.Event) (*os.File, error) {
	if f, ok := h.files[base]; ok {
		return f, nil
	}

	if h.seen[base] {
		f, err := os.OpenFile(base+".csv", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("reopen CSV file: %w", err)
		}
		h.files[base] = f
		return f, nil
	}

	if err := fileutil.RotateFile(base, "csv", h.rotateKeep); err != nil {
		return nil, err
	}
	f, err := os.Create(base + ".csv")
	if err != nil {
		return nil, fmt.Errorf("create CSV file: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(e.FieldNames()); err != nil {
		f.Close()
		return nil, fmt.Errorf("write CSV header %s: %w", base, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("flush CSV header %s: %w", base, err)
	}

	h.seen[base] = true
	h.files[base] = f
	return f, nil
}

// Close releases cached file handles. The reactor calls this on shutdown.
func (h *CSVWriter) Close() error {
	var firstErr error
	for base, f := range h.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(h.files, base)
	}
	return firstErr
}
