// Package syslog parses RFC 5424 syslog records and serves them off a TCP
// stream, reframing by a discovered record trailer.
package syslog

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var bom = []byte{0xef, 0xbb, 0xbf}

// mainRe is the first-stage framing expression: priority, version,
// timestamp, and the four header tokens, with everything after the header
// captured for the structured-data pass.
var mainRe = regexp.MustCompile(
	`(?s)^<(\d+)>(\d) (\S+) (\S+) (\S+) (\S+) (\S+) (.+)$`)

// Record is the parsed, immutable form of one syslog record. A record that
// fails to parse still carries the raw bytes and a non-empty Err.
type Record struct {
	Timestamp      time.Time
	Priority       string
	Version        string
	Hostname       string
	Appname        string
	ProcID         string
	MsgID          string
	Detail         string
	StructuredData map[string]map[string]string

	raw []byte

	// Err is one of: "", "1st stage parse failure",
	// "Cannot parse timestamp", or "Cannot parse structured data: …".
	Err string
}

// RawRecord is the header-only view used for trailer discovery: everything
// up to but not including the detail.
type RawRecord struct {
	Timestamp      string
	Priority       string
	Hostname       string
	Appname        string
	ProcID         string
	MsgID          string
	StructuredData map[string]map[string]string
}

// Raw returns the exact bytes the record was parsed from.
func (r *Record) Raw() []byte { return r.raw }

func (r *Record) String() string {
	return fmt.Sprintf("%s: %s %s %s %s",
		r.Timestamp.Format("2006-01-02 15:04:05"),
		r.Hostname, r.Appname, r.ProcID, r.Detail)
}

// Identifier keys module state per originating process.
func (r *Record) Identifier() string {
	return r.Hostname + "." + r.ProcID
}

// Parse decodes one framed syslog record. It never returns a Go error;
// parse failures are reported through Record.Err so a bad record can still
// be carried around and reported on.
func Parse(raw []byte) *Record {
	rec := &Record{raw: raw}

	decoded := string(bytes.ReplaceAll(raw, bom, nil))

	m := mainRe.FindStringSubmatch(decoded)
	if m == nil {
		rec.Err = "1st stage parse failure"
		return rec
	}

	rec.Priority = m[1]
	rec.Version = m[2]
	rec.Hostname = m[4]
	rec.Appname = m[5]
	rec.ProcID = m[6]
	rec.MsgID = m[7]

	ts, err := parseISO8601(m[3])
	if err != nil {
		rec.Err = "Cannot parse timestamp"
		return rec
	}
	rec.Timestamp = ts

	detail, sd, err := parseStructuredData(m[8])
	if err != nil {
		rec.Err = "Cannot parse structured data: " + err.Error()
		return rec
	}
	rec.Detail = detail
	rec.StructuredData = sd

	return rec
}

// DecodeRaw parses the data-only portion of the first received block for
// trailer discovery. Structured-data errors are tolerated here; the block
// may be truncated mid-detail.
func DecodeRaw(block []byte) *RawRecord {
	decoded := string(bytes.ReplaceAll(block, bom, nil))
	m := mainRe.FindStringSubmatch(decoded)
	if m == nil {
		return nil
	}

	_, sd, err := parseStructuredData(m[8])
	if err != nil {
		sd = map[string]map[string]string{}
	}

	return &RawRecord{
		Timestamp:      m[3],
		Priority:       m[1],
		Hostname:       m[4],
		Appname:        m[5],
		ProcID:         m[6],
		MsgID:          m[7],
		StructuredData: sd,
	}
}

var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// parseISO8601 parses the record timestamp and strips the zone: downstream
// modules and templates treat timestamps as comparable naive wall-clock
// scalars.
func parseISO8601(s string) (time.Time, error) {
	for _, layout := range isoLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		return time.Date(t.Year(), t.Month(), t.Day(),
			t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

var (
	noSDRe      = regexp.MustCompile(`(?s)^-\s+(.+)$`)
	sdElementRe = regexp.MustCompile(`(?s)^\[(\w+) (.*)$`)
	sdCloseRe   = regexp.MustCompile(`(?s)^](.*)$`)
	sdParamRe   = regexp.MustCompile(`(?s)^(.+?)="([^"]*)"\s*(.*)$`)
)

// parseStructuredData runs the two-state machine over everything after the
// header: state 1 expects an SD element (or the nil marker), state 2
// consumes params inside an element. The leftover after the last element is
// the free-form detail.
func parseStructuredData(dataline string) (string, map[string]map[string]string, error) {
	parsed := map[string]map[string]string{}
	hasStructuredData := false
	elementID := ""
	state := 1

	for {
		if dataline == "" {
			return "", nil, fmt.Errorf("ran out of content")
		}
		if state == 1 {
			if !hasStructuredData {
				if m := noSDRe.FindStringSubmatch(dataline); m != nil {
					return m[1], map[string]map[string]string{}, nil
				}
			}
			m := sdElementRe.FindStringSubmatch(dataline)
			if m == nil {
				if !hasStructuredData {
					return "", nil, fmt.Errorf("SD-DATA %s parse failed", dataline)
				}
				return strings.TrimLeft(dataline, " \t"), parsed, nil
			}
			elementID = m[1]
			dataline = m[2]
			state = 2
			continue
		}

		// state 2: inside an element
		if m := sdCloseRe.FindStringSubmatch(dataline); m != nil {
			dataline = m[1]
			state = 1
			continue
		}
		if m := sdParamRe.FindStringSubmatch(dataline); m != nil {
			if parsed[elementID] == nil {
				parsed[elementID] = map[string]string{}
			}
			parsed[elementID][m[1]] = m[2]
			hasStructuredData = true
			dataline = m[3]
			continue
		}
		return "", nil, fmt.Errorf("SD-DATA Key/Value %s parse failed", dataline)
	}
}
