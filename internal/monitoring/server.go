package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corrstack/correlator/internal/config"
	"github.com/corrstack/correlator/internal/event"
	"github.com/corrstack/correlator/internal/protocol"
	"github.com/corrstack/correlator/internal/stream"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The endpoint is an operator tool on a private port; any origin may
	// tail it.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Server is the per-process monitoring endpoint: /metrics, /healthz and
// /config, plus /watch when an event stream is attached.
type Server struct {
	process string
	metrics *Metrics
	cfg     *config.Store
	logger  *slog.Logger

	watchBroker stream.Broker
	watchStream string

	mu        sync.Mutex
	boundAddr string
}

// NewServer builds the monitoring endpoint for one process.
func NewServer(process string, metrics *Metrics, cfg *config.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		process: process,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger.With("component", "monitoring"),
	}
}

// AttachWatch enables the /watch websocket, tailing the named stream.
func (s *Server) AttachWatch(broker stream.Broker, streamName string) {
	s.watchBroker = broker
	s.watchStream = streamName
}

// Router builds the HTTP handler. Exposed separately so tests can drive
// it without a listener.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	if reg := s.metrics.Registry(); reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")
	}
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/config", s.handleConfig).Methods("GET")
	if s.watchBroker != nil {
		r.HandleFunc("/watch", s.handleWatch).Methods("GET")
	}
	return r
}

// Run serves the endpoint until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("monitoring listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()

	srv := &http.Server{Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()

	s.logger.Info("monitoring endpoint up", "address", s.boundAddr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Addr reports the bound address once Run is serving, "" before.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"process": s.process,
	})
}

type configEntry struct {
	Key         string `json:"key"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Default     any    `json:"default,omitempty"`
	Value       any    `json:"value,omitempty"`
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	var out []configEntry
	if s.cfg != nil {
		for _, e := range s.cfg.List() {
			out = append(out, configEntry{
				Key:         e.Key,
				Type:        e.Type.String(),
				Description: e.Description,
				Default:     e.Default,
				Value:       e.Value,
			})
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// watchFrame is one event pushed to a /watch client.
type watchFrame struct {
	Offset   uint64 `json:"offset"`
	TenantID string `json:"tenant_id"`
	FQID     string `json:"fq_id"`
	Severity string `json:"severity"`
	Summary  string `json:"summary"`
}

// handleWatch tails the event stream from its end onto the websocket.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("watch upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch, err := s.watchBroker.Subscribe(ctx, s.watchStream, stream.FromEnd())
	if err != nil {
		s.logger.Error("watch subscribe failed", "error", err)
		return
	}

	// Reads only serve to detect the client going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for msg := range ch {
		frame, ok := s.decodeFrame(msg)
		if !ok {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
	}
}

func (s *Server) decodeFrame(msg stream.Message) (watchFrame, bool) {
	env, err := protocol.UnmarshalEventEnvelope(msg.Payload)
	if err != nil {
		s.logger.Error("undecodable event envelope on watch", "offset", msg.Offset, "error", err)
		return watchFrame{}, false
	}
	evt, err := event.Unmarshal(env.Event)
	if err != nil {
		s.logger.Error("undecodable event on watch", "offset", msg.Offset, "error", err)
		return watchFrame{}, false
	}
	return watchFrame{
		Offset:   msg.Offset,
		TenantID: env.TenantID,
		FQID:     evt.FQID(),
		Severity: evt.Severity().String(),
		Summary:  evt.Summary(),
	}, true
}
