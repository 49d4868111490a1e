package monitoring

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corrstack/correlator/internal/config"
	"github.com/corrstack/correlator/internal/event"
	"github.com/corrstack/correlator/internal/protocol"
	"github.com/corrstack/correlator/internal/stream"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordIngested("src1")
	m.RecordParseFailure("engine")
	m.RecordHeartbeat("src1")
	m.RecordProcessed("eng1", "acme")
	m.RecordEventPublished("eng1", "Error")
	m.RecordCheckpoint("eng1", "post event", 0.01)
	m.RecordHandled("acme.log", "ok")
	assert.Nil(t, m.Registry())
}

func TestMetricsCount(t *testing.T) {
	m := NewMetrics()
	m.RecordIngested("src1")
	m.RecordIngested("src1")
	m.RecordHandled("acme.log", "ok")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RecordsIngested.WithLabelValues("src1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsHandled.WithLabelValues("acme.log", "ok")))
}

func TestHealthEndpoint(t *testing.T) {
	s := NewServer("engine", NewMetrics(), nil, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "engine", body["process"])
}

func TestMetricsEndpoint(t *testing.T) {
	m := NewMetrics()
	m.RecordEventPublished("eng1", "Warning")

	s := NewServer("engine", m, nil, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "correlator_events_published_total")
}

func TestConfigEndpoint(t *testing.T) {
	cfg := config.NewStore()
	require.NoError(t, cfg.Register([]config.Item{
		{Key: "event_stream", Type: config.String, Default: "Correlator-event", Description: "Name of the event stream"},
	}, "reactors", "rct1"))

	s := NewServer("reactor", nil, cfg, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/config")
	require.NoError(t, err)
	defer resp.Body.Close()

	var entries []configEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "reactors.rct1.event_stream", entries[0].Key)
	assert.Equal(t, "String", entries[0].Type)
	assert.Equal(t, "Correlator-event", entries[0].Default)
}

func TestWatchStreamsEvents(t *testing.T) {
	broker := stream.NewMemoryBroker()
	s := NewServer("reactor", nil, nil, nil)
	s.AttachWatch(broker, "Correlator-event")

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/watch"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the tail subscription time to attach before publishing.
	time.Sleep(50 * time.Millisecond)

	evt := event.NewSimpleWarning("queue depth high")
	blob, err := evt.Marshal()
	require.NoError(t, err)
	env := protocol.EventEnvelope{TenantID: "acme", Event: blob}
	payload, err := env.Marshal()
	require.NoError(t, err)
	_, err = broker.Publish(context.Background(), "Correlator-event", payload)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame watchFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "acme", frame.TenantID)
	assert.Equal(t, "Warning", frame.Severity)
	assert.Equal(t, "Warning: queue depth high", frame.Summary)
	assert.Equal(t, uint64(1), frame.Offset)
}
