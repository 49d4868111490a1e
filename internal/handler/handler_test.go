package handler

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corrstack/correlator/internal/config"
	"github.com/corrstack/correlator/internal/event"
	"github.com/corrstack/correlator/internal/keyring"
)

func testDeps(logger *slog.Logger) Deps {
	return Deps{
		Config:  config.NewStore(),
		Keyring: keyring.EnvProvider{},
		Logger:  logger,
	}
}

var loginKind = &event.Kind{
	Name:     "SSHDLogin",
	Category: event.Data,
	AuditID:  "sshd.login",
	Schema: []event.Field{
		{Name: "user", Description: "User"},
		{Name: "addr", Description: "Remote address"},
	},
	SummaryTemplate: "login by ${user}",
}

func loginEvent(t *testing.T) *event.Event {
	t.Helper()
	e, err := event.New(loginKind,
		map[string]any{"user": "alice", "addr": "10.0.0.1"},
		event.WithTimestamp(time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)))
	require.NoError(t, err)
	e.SetSystem("acme.sshd")
	return e
}

func TestRegistryListsReferenceHandlers(t *testing.T) {
	ids := Registered()
	for _, id := range []string{
		"handler.Logger",
		"handler.CSVWriter",
		"handler.Email",
		"handler.SMS",
		"handler.SQLWriter",
	} {
		assert.Contains(t, ids, id)
	}
}

func TestRegistryRejectsUnknownClass(t *testing.T) {
	_, err := New("handler.Nope", "x", testDeps(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown handler class")
}

func TestBaseCredsFromKeyring(t *testing.T) {
	t.Setenv("CORRELATOR_SECRET_ALERTS_API_KEY", "k1")

	b := NewBase("alerts", testDeps(nil))
	secret, found, err := b.GetCreds("api_key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "k1", secret)

	_, found, err = b.GetCreds("other")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBaseConfigNamespace(t *testing.T) {
	deps := testDeps(nil)
	b := NewBase("mail", deps)
	require.NoError(t, b.AddConfig([]config.Item{
		{Key: "smtp_server", Type: config.String, Default: "localhost:25", Description: "SMTP server"},
	}))

	require.NoError(t, deps.Config.Set("handler.mail.smtp_server", "relay:587"))
	assert.Equal(t, "relay:587", b.GetConfigString("smtp_server"))
}
