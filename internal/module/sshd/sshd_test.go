package sshd

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corrstack/correlator/internal/config"
	"github.com/corrstack/correlator/internal/event"
	"github.com/corrstack/correlator/internal/module"
	"github.com/corrstack/correlator/internal/syslog"
)

type recorder struct {
	events []*event.Event
}

func (r *recorder) Dispatch(e *event.Event) { r.events = append(r.events, e) }

func newTestModule(t *testing.T) (*SSHD, *recorder) {
	t.Helper()
	sink := &recorder{}
	m := NewSSHD("sshd", module.Deps{
		Config: config.NewStore(),
		Sink:   sink,
	}).(*SSHD)
	require.NoError(t, m.Initialize())
	require.NoError(t, m.SetStore(m.NewStore()))
	require.NoError(t, m.PostInitStore())
	return m, sink
}

func record(at time.Time, procID, detail string) *syslog.Record {
	return &syslog.Record{
		Timestamp: at,
		Hostname:  "web01",
		Appname:   "sshd",
		ProcID:    procID,
		Detail:    detail,
	}
}

func payload(t *testing.T, e *event.Event, field string) string {
	t.Helper()
	v, ok := e.Payload(field)
	require.True(t, ok, "payload field %q", field)
	return v
}

func TestHappyLogin(t *testing.T) {
	m, sink := newTestModule(t)
	t0 := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	lines := []struct {
		at     time.Time
		detail string
	}{
		{t0, "Accepted publickey for alice from 10.0.0.1 port 22 ssh2: RSA SHA256:xyz"},
		{t0.Add(time.Minute), "pam_unix(sshd:session): session opened for user alice by (uid=0)"},
		{t0.Add(6 * time.Minute), "pam_unix(sshd:session): session closed for user alice"},
	}
	for _, l := range lines {
		require.NoError(t, m.HandleRecord(record(l.at, "4123", l.detail)))
	}

	require.Len(t, sink.events, 1)
	e := sink.events[0]
	assert.Equal(t, "SSHDLoginSucceeded", e.ID())
	assert.Equal(t, "sshd.login", e.AuditID())
	assert.Equal(t, "alice", payload(t, e, "user"))
	assert.Equal(t, "10.0.0.1", payload(t, e, "addr"))
	assert.Equal(t, "22", payload(t, e, "port"))
	assert.Equal(t, "rsa", payload(t, e, "auth"))
	assert.Equal(t, "0", payload(t, e, "failures"))
	assert.Equal(t, "5m0s", payload(t, e, "duration"))

	assert.Equal(t, 1, m.store.LoginSessions)
	assert.Empty(t, m.store.Transactions)
	assert.Empty(t, m.store.States)
}

func TestRateLimit(t *testing.T) {
	m, sink := newTestModule(t)
	t0 := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 6; i++ {
		at := t0.Add(time.Duration(i) * time.Second)
		err := m.HandleRecord(record(at, "5200",
			"Failed password for bob from 10.0.0.2 port 22 ssh2"))
		require.NoError(t, err)
		if i < 5 {
			assert.Empty(t, sink.events, "no lockout after %d failures", i+1)
		}
	}

	require.Len(t, sink.events, 1)
	e := sink.events[0]
	assert.Equal(t, "SSHDAttemptsExceeded", e.ID())
	assert.Equal(t, "sshd.login-retry", e.AuditID())
	assert.Equal(t, "10.0.0.2", payload(t, e, "host"))
	assert.Equal(t, 1, m.store.Lockouts)
}

func TestFailureWindowExpiresOldAttempts(t *testing.T) {
	m, sink := newTestModule(t)
	t0 := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	// Five failures spread beyond the 300 s window never accumulate.
	for i := 0; i < 8; i++ {
		at := t0.Add(time.Duration(i) * 10 * time.Minute)
		require.NoError(t, m.HandleRecord(record(at, "5300",
			"Failed password for bob from 10.0.0.9 port 22 ssh2")))
	}
	assert.Empty(t, sink.events)
	assert.Zero(t, m.store.Lockouts)
}

func TestExpirySweep(t *testing.T) {
	m, sink := newTestModule(t)
	t0 := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	err := m.HandleRecord(record(t0, "6100",
		"pam_unix(sshd:auth): authentication failure; logname= uid=0 euid=0 tty=ssh ruser= rhost=10.0.0.3 user=carol"))
	require.NoError(t, err)
	require.Len(t, m.store.Transactions, 1)

	handlers := m.TimerHandlers()
	require.Len(t, handlers, 1)
	assert.Equal(t, "hour", handlers[0].Spec)

	// Not yet stale.
	handlers[0].Fn(t0.Add(time.Hour))
	assert.Len(t, m.store.Transactions, 1)
	assert.Zero(t, m.store.Expired)

	handlers[0].Fn(t0.Add(time.Duration(m.maxTransAge+1) * time.Minute))
	assert.Empty(t, m.store.Transactions)
	assert.Empty(t, m.store.States)
	assert.Equal(t, 1, m.store.Expired)
	assert.Empty(t, sink.events)
}

func TestDeniedLogin(t *testing.T) {
	m, sink := newTestModule(t)
	t0 := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	details := []string{
		"pam_unix(sshd:auth): authentication failure; logname= uid=0 euid=0 tty=ssh ruser= rhost=10.0.0.4 user=dave",
		"Failed password for dave from 10.0.0.4 port 22 ssh2",
		"Connection closed by authenticating user dave 10.0.0.4 port 22 [preauth]",
	}
	for i, d := range details {
		require.NoError(t, m.HandleRecord(record(t0.Add(time.Duration(i)*time.Second), "6200", d)))
	}

	require.Len(t, sink.events, 1)
	e := sink.events[0]
	assert.Equal(t, "SSHDLoginFailed", e.ID())
	assert.Equal(t, "dave", payload(t, e, "user"))
	assert.Equal(t, "10.0.0.4", payload(t, e, "addr"))
	assert.Equal(t, "1", payload(t, e, "failures"))
	assert.Equal(t, event.Warning, e.Severity())
	assert.Equal(t, 1, m.store.Denied)
}

func TestIgnoresOtherAppnames(t *testing.T) {
	m, sink := newTestModule(t)
	rec := record(time.Now(), "1", "Accepted password for alice from 10.0.0.1 port 22")
	rec.Appname = "cron"

	require.NoError(t, m.HandleRecord(rec))
	assert.Empty(t, sink.events)
	assert.Empty(t, m.store.Transactions)
}

func TestHeartbeatIsNoOp(t *testing.T) {
	m, sink := newTestModule(t)
	require.NoError(t, m.HandleRecord(nil))
	assert.Empty(t, sink.events)
}

func TestHandleRecordRequiresStore(t *testing.T) {
	m := NewSSHD("sshd", module.Deps{Config: config.NewStore(), Sink: &recorder{}}).(*SSHD)
	require.NoError(t, m.Initialize())

	err := m.HandleRecord(record(time.Now(), "1", "whatever"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no store bound")
}

func TestStatistics(t *testing.T) {
	m, sink := newTestModule(t)
	m.store.LoginSessions = 3
	m.store.Denied = 2
	m.store.Lockouts = 1

	m.Statistics(false)
	require.Len(t, sink.events, 1)
	e := sink.events[0]
	assert.Equal(t, "SSHDStats", e.ID())
	assert.Equal(t,
		"3 total successful logins, 2 unsuccessful logins, 1 lockouts, 0 expired transactions",
		e.Summary())
	assert.Equal(t, 3, m.store.LoginSessions)

	m.Statistics(true)
	assert.Zero(t, m.store.LoginSessions)
	assert.Zero(t, m.store.Denied)
	assert.Zero(t, m.store.Lockouts)
}

func TestStoreSurvivesSnapshotRoundTrip(t *testing.T) {
	m, _ := newTestModule(t)
	t0 := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, m.HandleRecord(record(t0, "7100",
		"Accepted publickey for alice from 10.0.0.1 port 22 ssh2: RSA SHA256:xyz")))

	blob, err := json.Marshal(m.store)
	require.NoError(t, err)

	restored, sink2 := newTestModule(t)
	fresh := restored.NewStore().(*Store)
	require.NoError(t, json.Unmarshal(blob, fresh))
	require.NoError(t, restored.SetStore(fresh))
	require.NoError(t, restored.PostInitStore())

	// Continue the session on the restored store.
	require.NoError(t, restored.HandleRecord(record(t0.Add(time.Minute), "7100",
		"pam_unix(sshd:session): session opened for user alice by (uid=0)")))
	require.NoError(t, restored.HandleRecord(record(t0.Add(2*time.Minute), "7100",
		"pam_unix(sshd:session): session closed for user alice")))

	require.Len(t, sink2.events, 1)
	assert.Equal(t, "SSHDLoginSucceeded", sink2.events[0].ID())
	assert.Equal(t, "1m0s", payload(t, sink2.events[0], "duration"))
}

func TestRegisteredInModuleRegistry(t *testing.T) {
	m, err := module.New("module/sshd.SSHD", "sshd2", module.Deps{
		Config: config.NewStore(),
		Sink:   &recorder{},
	})
	require.NoError(t, err)
	assert.Equal(t, "sshd2", m.Name())
	assert.Equal(t, fmt.Sprintf("%T", &SSHD{}), fmt.Sprintf("%T", m))
}
