package reactor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corrstack/correlator/internal/config"
	"github.com/corrstack/correlator/internal/event"
	"github.com/corrstack/correlator/internal/handler"
	"github.com/corrstack/correlator/internal/keyring"
	"github.com/corrstack/correlator/internal/module"
	"github.com/corrstack/correlator/internal/protocol"
	"github.com/corrstack/correlator/internal/stream"
)

// recorder collects the events each handler instance received, keyed by
// instance name.
var (
	recordedMu sync.Mutex
	recorded   = map[string][]*event.Event{}
	seenTags   = map[string]string{}
)

func resetRecorded() {
	recordedMu.Lock()
	defer recordedMu.Unlock()
	recorded = map[string][]*event.Event{}
	seenTags = map[string]string{}
}

func recordedFor(name string) []*event.Event {
	recordedMu.Lock()
	defer recordedMu.Unlock()
	return append([]*event.Event(nil), recorded[name]...)
}

type recorderHandler struct {
	handler.Base
	regErr error
}

func (h *recorderHandler) Description() string { return "Records events for tests" }

func (h *recorderHandler) Initialize() error {
	if h.regErr != nil {
		return h.regErr
	}
	recordedMu.Lock()
	seenTags[h.Name()] = h.GetConfigString("tag")
	recordedMu.Unlock()
	return nil
}

func (h *recorderHandler) ProcessEvent(e *event.Event) error {
	recordedMu.Lock()
	recorded[h.Name()] = append(recorded[h.Name()], e)
	recordedMu.Unlock()
	return nil
}

type failingHandler struct {
	handler.Base
}

func (h *failingHandler) Description() string             { return "Always fails" }
func (h *failingHandler) Initialize() error               { return nil }
func (h *failingHandler) ProcessEvent(*event.Event) error { return errors.New("sink offline") }

func init() {
	handler.Register("reactortest.Recorder", func(name string, deps handler.Deps) handler.Handler {
		h := &recorderHandler{Base: handler.NewBase(name, deps)}
		h.regErr = h.AddConfig([]config.Item{
			{Key: "tag", Type: config.String, Default: "", Description: "Test tag"},
		})
		return h
	})
	handler.Register("reactortest.Failing", func(name string, deps handler.Deps) handler.Handler {
		return &failingHandler{Base: handler.NewBase(name, deps)}
	})
}

func writeTopology(t *testing.T, handlers []map[string]any) *config.AppConfig {
	t.Helper()
	topo := map[string]any{
		"name": "test",
		"reactors": []map[string]any{
			{
				"id": "rct1",
				"tenants": []map[string]any{
					{"id": "acme", "handlers": handlers},
				},
			},
		},
	}
	data, err := json.Marshal(topo)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	app, err := config.Load(path)
	require.NoError(t, err)
	return app
}

func recorderDef(name, filter string, defaultAction bool) map[string]any {
	return map[string]any{
		"name":              name,
		"handler":           []string{"reactortest", "Recorder"},
		"filter_expression": filter,
		"default_action":    defaultAction,
	}
}

func newTestReactor(t *testing.T, broker stream.Broker, handlers []map[string]any, rerun *Range) *Reactor {
	t.Helper()
	resetRecorded()
	app := writeTopology(t, handlers)
	r, err := New(Params{
		ID:      "rct1",
		Config:  config.NewStore(),
		App:     app,
		Broker:  broker,
		Keyring: keyring.EnvProvider{},
		Rerun:   rerun,
	})
	require.NoError(t, err)
	return r
}

func eventMessage(t *testing.T, offset uint64, tenant string, evt *event.Event) stream.Message {
	t.Helper()
	blob, err := evt.Marshal()
	require.NoError(t, err)
	env := protocol.EventEnvelope{TenantID: tenant, Event: blob}
	payload, err := env.Marshal()
	require.NoError(t, err)
	return stream.Message{Offset: offset, Payload: payload}
}

func publishEvent(t *testing.T, broker stream.Broker, tenant string, evt *event.Event) uint64 {
	t.Helper()
	msg := eventMessage(t, 0, tenant, evt)
	offset, err := broker.Publish(context.Background(), "Correlator-event", msg.Payload)
	require.NoError(t, err)
	return offset
}

func TestFilterRoutesBySeverity(t *testing.T) {
	r := newTestReactor(t, stream.NewMemoryBroker(), []map[string]any{
		recorderDef("errors", "event.severity == EventSeverity.Error", false),
		recorderDef("silent", "", false),
	}, nil)

	r.processMessage(eventMessage(t, 1, "acme", event.NewSimpleNotice("all well")))
	r.processMessage(eventMessage(t, 2, "acme", event.NewSimpleError("disk full")))

	got := recordedFor("acme.errors")
	require.Len(t, got, 1)
	assert.Equal(t, "SimpleError", got[0].ID())
	assert.Empty(t, recordedFor("acme.silent"))
}

func TestDefaultActionSelectsWithoutFilter(t *testing.T) {
	r := newTestReactor(t, stream.NewMemoryBroker(), []map[string]any{
		recorderDef("all", "", true),
	}, nil)

	r.processMessage(eventMessage(t, 1, "acme", event.NewSimpleNotice("hello")))
	assert.Len(t, recordedFor("acme.all"), 1)
}

func TestFilterEvaluationFailureDeselects(t *testing.T) {
	r := newTestReactor(t, stream.NewMemoryBroker(), []map[string]any{
		recorderDef("picky", "event.payload.no_such_field == 'x'", true),
	}, nil)

	r.processMessage(eventMessage(t, 1, "acme", event.NewSimpleNotice("hello")))
	assert.Empty(t, recordedFor("acme.picky"))
}

func TestHandlerErrorDoesNotBlockFanOut(t *testing.T) {
	r := newTestReactor(t, stream.NewMemoryBroker(), []map[string]any{
		{
			"name":           "broken",
			"handler":        []string{"reactortest", "Failing"},
			"default_action": true,
		},
		recorderDef("all", "", true),
	}, nil)

	r.processMessage(eventMessage(t, 1, "acme", event.NewSimpleNotice("hello")))
	assert.Len(t, recordedFor("acme.all"), 1)
}

func TestEventForUnconfiguredTenantIsIgnored(t *testing.T) {
	r := newTestReactor(t, stream.NewMemoryBroker(), []map[string]any{
		recorderDef("all", "", true),
	}, nil)

	r.processMessage(eventMessage(t, 1, "megacorp", event.NewSimpleNotice("hello")))
	assert.Empty(t, recordedFor("acme.all"))
}

func TestHandlerConfigApplied(t *testing.T) {
	newTestReactor(t, stream.NewMemoryBroker(), []map[string]any{
		{
			"name":           "tagged",
			"handler":        []string{"reactortest", "Recorder"},
			"default_action": true,
			"config":         map[string]any{"tag": "blue"},
		},
	}, nil)

	recordedMu.Lock()
	defer recordedMu.Unlock()
	assert.Equal(t, "blue", seenTags["acme.tagged"])
}

func TestBadFilterExpressionFailsStartup(t *testing.T) {
	app := writeTopology(t, []map[string]any{
		recorderDef("bad", "event.severity ==", false),
	})
	_, err := New(Params{
		ID: "rct1", Config: config.NewStore(), App: app,
		Broker: stream.NewMemoryBroker(), Keyring: keyring.EnvProvider{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acme.bad")
}

func TestMissingCredentialFailsStartup(t *testing.T) {
	app := writeTopology(t, []map[string]any{
		{
			"name":    "texts",
			"handler": []string{"handler", "SMS"},
			"config": map[string]any{
				"from": "+15550000001", "to": "+15550000002", "sid": "ACNONE",
			},
		},
	})
	_, err := New(Params{
		ID: "rct1", Config: config.NewStore(), App: app,
		Broker: stream.NewMemoryBroker(), Keyring: keyring.EnvProvider{},
	})
	var creds *module.CredentialsRequired
	require.ErrorAs(t, err, &creds)
	assert.Equal(t, []string{"ACNONE"}, creds.IDs)
}

func TestUnknownReactorID(t *testing.T) {
	app := writeTopology(t, []map[string]any{recorderDef("all", "", true)})
	_, err := New(Params{
		ID: "nope", Config: config.NewStore(), App: app,
		Broker: stream.NewMemoryBroker(), Keyring: keyring.EnvProvider{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestRunResumesAfterStoredOffset(t *testing.T) {
	broker := stream.NewMemoryBroker()
	ctx := context.Background()
	for _, msg := range []string{"one", "two", "three"} {
		publishEvent(t, broker, "acme", event.NewSimpleNotice(msg))
	}
	require.NoError(t, broker.StoreOffset(ctx, "Correlator-event", "reactor.rct1", 1))

	r := newTestReactor(t, broker, []map[string]any{recorderDef("all", "", true)}, nil)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- r.Run(runCtx) }()

	require.Eventually(t, func() bool {
		return len(recordedFor("acme.all")) == 2
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	got := recordedFor("acme.all")
	assert.Equal(t, "two", got[0].Summary())
	assert.Equal(t, "three", got[1].Summary())

	stored, found, err := broker.QueryOffset(ctx, "Correlator-event", "reactor.rct1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(3), stored)
}

func TestRunFreshReactorStartsFromEnd(t *testing.T) {
	broker := stream.NewMemoryBroker()
	ctx := context.Background()
	publishEvent(t, broker, "acme", event.NewSimpleNotice("history"))

	r := newTestReactor(t, broker, []map[string]any{recorderDef("all", "", true)}, nil)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- r.Run(runCtx) }()

	// The subscription must be live before the new event is published.
	time.Sleep(50 * time.Millisecond)
	publishEvent(t, broker, "acme", event.NewSimpleNotice("fresh"))

	require.Eventually(t, func() bool {
		return len(recordedFor("acme.all")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, "fresh", recordedFor("acme.all")[0].Summary())
}

func TestRerunReplaysRangeAndExits(t *testing.T) {
	broker := stream.NewMemoryBroker()
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		publishEvent(t, broker, "acme", event.NewSimpleNotice(fmt.Sprintf("msg %d", i)))
	}

	r := newTestReactor(t, broker,
		[]map[string]any{recorderDef("all", "", true)},
		&Range{Start: 2, End: 4})

	require.NoError(t, r.Run(ctx))

	got := recordedFor("acme.all")
	require.Len(t, got, 3)
	assert.Equal(t, "msg 2", got[0].Summary())
	assert.Equal(t, "msg 4", got[2].Summary())

	_, found, err := broker.QueryOffset(ctx, "Correlator-event", "reactor.rct1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestParseRerun(t *testing.T) {
	r, err := ParseRerun("5")
	require.NoError(t, err)
	assert.Equal(t, &Range{Start: 5, End: 5}, r)

	r, err = ParseRerun("2-9")
	require.NoError(t, err)
	assert.Equal(t, &Range{Start: 2, End: 9}, r)

	for _, bad := range []string{"abc", "9-2", "0"} {
		_, err = ParseRerun(bad)
		require.Error(t, err, bad)
	}
}
