package syslog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/corrstack/correlator/internal/config"
	"github.com/corrstack/correlator/internal/event"
	"github.com/corrstack/correlator/internal/monitoring"
	"github.com/corrstack/correlator/internal/protocol"
	"github.com/corrstack/correlator/internal/stream"
)

// ServerConfigItems declares the options every source instance registers
// under sources.<id>.
func ServerConfigItems() []config.Item {
	return []config.Item{
		{
			Key:     "buffer_size",
			Type:    config.Integer,
			Default: 4096,
			Description: "Read buffer size. This must be large enough so that an " +
				"entire header and structured data can fit.",
		},
		{
			Key:     "default_trailer",
			Type:    config.String,
			Default: "\n",
			Description: "The default syslog record separator to use if trailer " +
				"discovery can't conclusively determine the record separator in use",
		},
		{
			Key:     "listen_address",
			Type:    config.String,
			Default: "0.0.0.0",
			Description: "The IPv4 address of the interface to listen on. 0.0.0.0 " +
				"means listen on all interfaces.",
		},
		{
			Key:         "listen_port",
			Type:        config.Integer,
			Default:     514,
			Description: "The TCP port number to listen on.",
		},
		{
			Key:         "timeout_seconds",
			Type:        config.Integer,
			Default:     60,
			Description: "Accept/read timeout before a heartbeat is sent",
		},
		{
			Key:         "tenant",
			Type:        config.String,
			Default:     "",
			Description: "The tenant associated with this connector instance",
		},
		{
			Key:         "source_stream",
			Type:        config.String,
			Default:     "Correlator-source",
			Description: "Name of the ingest stream",
		},
		{
			Key:         "redis_address",
			Type:        config.String,
			Default:     "localhost:6379",
			Description: "Address of the Redis stream broker",
		},
		{
			Key:         "monitor_address",
			Type:        config.String,
			Default:     "",
			Description: "Listen address for the monitoring endpoint, empty disables it",
		},
	}
}

// sessionStatsKind describes the statistics event logged when a server
// session ends.
var sessionStatsKind = &event.Kind{
	Name:     "SyslogServerStats",
	Category: event.Data,
	AuditID:  "system-stats",
	Schema: []event.Field{
		{Name: "start", Description: "Session start"},
		{Name: "end", Description: "Session end"},
		{Name: "duration", Description: "Session duration"},
	},
	SummaryTemplate: "Server session started at ${start} and ended at ${end} " +
		"for a total duration of ${duration}",
}

// TrailerDiscovery inspects the header of the first received block and
// may name the record separator in use. Returning nil falls back to the
// configured default trailer.
type TrailerDiscovery func(*RawRecord) []byte

// ServerParams configures a source connector instance.
type ServerParams struct {
	SourceID string
	Config   *config.Store
	Broker   stream.Broker
	Logger   *slog.Logger
	Metrics  *monitoring.Metrics

	// Discovery is optional; nil means always use the default trailer.
	Discovery TrailerDiscovery

	// Capture, when set, receives every raw block read from the network.
	Capture io.Writer
}

// Server reads syslog frames off a single TCP connection and publishes
// them as ingest envelopes. Idle periods produce heartbeat envelopes so
// downstream engines can run their timers against a live stream.
type Server struct {
	sourceID string
	broker   stream.Broker
	logger   *slog.Logger
	metrics  *monitoring.Metrics

	tenant     string
	streamName string
	listenAddr string
	bufferSize int
	timeout    time.Duration
	defTrailer []byte

	discovery TrailerDiscovery
	capture   io.Writer

	mu        sync.Mutex
	boundAddr string
}

// Addr reports the bound listen address once Run is serving, "" before.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// NewServer builds a source connector from its registered configuration.
// The caller registers ServerConfigItems and applies the topology first.
func NewServer(p ServerParams) (*Server, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		sourceID:  p.SourceID,
		broker:    p.Broker,
		logger:    logger.With("source", p.SourceID),
		metrics:   p.Metrics,
		discovery: p.Discovery,
		capture:   p.Capture,
	}

	prefix := "sources." + p.SourceID + "."
	var err error
	if s.tenant, err = p.Config.GetString(prefix + "tenant"); err != nil {
		return nil, err
	}
	if s.streamName, err = p.Config.GetString(prefix + "source_stream"); err != nil {
		return nil, err
	}
	if s.bufferSize, err = p.Config.GetInt(prefix + "buffer_size"); err != nil {
		return nil, err
	}
	addr, err := p.Config.GetString(prefix + "listen_address")
	if err != nil {
		return nil, err
	}
	port, err := p.Config.GetInt(prefix + "listen_port")
	if err != nil {
		return nil, err
	}
	s.listenAddr = fmt.Sprintf("%s:%d", addr, port)
	seconds, err := p.Config.GetInt(prefix + "timeout_seconds")
	if err != nil {
		return nil, err
	}
	s.timeout = time.Duration(seconds) * time.Second
	trailer, err := p.Config.GetString(prefix + "default_trailer")
	if err != nil {
		return nil, err
	}
	s.defTrailer = []byte(trailer)

	return s, nil
}

func (s *Server) publish(ctx context.Context, recordType protocol.RecordType, payload []byte) error {
	env := protocol.Envelope{
		TenantID:    s.tenant,
		SourceID:    s.sourceID,
		Type:        recordType,
		TimestampMS: uint64(time.Now().UnixMilli()),
		Payload:     payload,
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if _, err := s.broker.Publish(ctx, s.streamName, data); err != nil {
		return fmt.Errorf("publish %s envelope: %w", recordType, err)
	}
	if recordType == protocol.SyslogData {
		s.metrics.RecordIngested(s.sourceID)
	}
	return nil
}

func (s *Server) heartbeat(ctx context.Context) error {
	s.logger.Debug("timed out waiting for data, sending heartbeat")
	if err := s.publish(ctx, protocol.Heartbeat, nil); err != nil {
		return err
	}
	s.metrics.RecordHeartbeat(s.sourceID)
	return nil
}

// Run serves connections until ctx is cancelled. One connection at a
// time; after a remote close the server goes back to accepting.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.listenAddr, err)
	}
	defer listener.Close()
	tcp := listener.(*net.TCPListener)
	s.mu.Lock()
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info("server waiting", "address", s.listenAddr)
	start := time.Now()
	defer s.logSessionStats(start)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := tcp.SetDeadline(time.Now().Add(s.timeout)); err != nil {
			return err
		}
		conn, err := tcp.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if err := s.heartbeat(ctx); err != nil {
					return err
				}
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.logger.Info("connection accepted", "remote", conn.RemoteAddr().String())
		if err := s.serveConn(ctx, conn); err != nil {
			conn.Close()
			return err
		}
		conn.Close()
	}
}

// serveConn runs the read loop for one connection. The trailer is
// discovered on the first block and fixed for the connection.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) error {
	var trailer []byte
	var last []byte
	buf := make([]byte, s.bufferSize)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
			return err
		}
		n, err := conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if err := s.heartbeat(ctx); err != nil {
					return err
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				s.logger.Info("remote closed connection")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if n == 0 {
			continue
		}
		block := buf[:n]

		if s.capture != nil {
			if _, err := s.capture.Write(block); err != nil {
				return fmt.Errorf("write capture file: %w", err)
			}
		}

		if trailer == nil {
			trailer = s.discoverTrailer(block)
		}

		last, err = s.processFrames(ctx, append(last, block...), trailer)
		if err != nil {
			return err
		}
	}
}

// processFrames publishes every complete frame in data and returns the
// carry for the next block.
func (s *Server) processFrames(ctx context.Context, data, trailer []byte) ([]byte, error) {
	if len(trailer) == 0 {
		return data, nil
	}
	for {
		pos := bytes.Index(data, trailer)
		if pos < 0 {
			return data, nil
		}
		frame := data[:pos]
		data = data[pos+len(trailer):]
		if len(frame) == 0 {
			continue
		}

		rec := Parse(frame)
		if rec.Err != "" {
			s.metrics.RecordParseFailure("source")
			s.logger.Error("syslog parse error", "error", rec.Err)
			continue
		}
		payload := make([]byte, len(frame))
		copy(payload, frame)
		if err := s.publish(ctx, protocol.SyslogData, payload); err != nil {
			return nil, err
		}
		s.logger.Debug("syslog record published", "identifier", rec.Identifier())
	}
}

func (s *Server) discoverTrailer(block []byte) []byte {
	if s.discovery != nil {
		raw := DecodeRaw(block)
		if t := s.discovery(raw); len(t) > 0 {
			s.logger.Debug("trailer discovery method returned a trailer", "trailer", string(t))
			return t
		}
	}
	s.logger.Debug("using default trailer", "trailer", string(s.defTrailer))
	return s.defTrailer
}

// Replay feeds a raw capture file through the framing path, publishing
// envelopes exactly as the network read loop would. No heartbeats are
// produced.
func (s *Server) Replay(ctx context.Context, r io.Reader) error {
	var trailer []byte
	var last []byte
	buf := make([]byte, s.bufferSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			block := buf[:n]
			if trailer == nil {
				trailer = s.discoverTrailer(block)
			}
			var perr error
			if last, perr = s.processFrames(ctx, append(last, block...), trailer); perr != nil {
				return perr
			}
		}
		if errors.Is(err, io.EOF) {
			if len(last) > 0 {
				s.logger.Warn("capture ended mid-record", "bytes", len(last))
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("read capture: %w", err)
		}
	}
}

// logSessionStats reports the server session as a statistics event line.
func (s *Server) logSessionStats(start time.Time) {
	end := time.Now()
	e, err := event.New(sessionStatsKind, map[string]any{
		"start":    start,
		"end":      end,
		"duration": end.Sub(start).Truncate(time.Second).String(),
	})
	if err != nil {
		s.logger.Error("session statistics failed", "error", err)
		return
	}
	e.SetSystem(s.sourceID)
	s.logger.Info(e.Summary(), "fq_id", e.FQID())
}
