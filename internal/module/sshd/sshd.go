// Package sshd correlates OpenSSH server log records into login events.
// It tracks one transaction per sshd process (hostname.procid), follows it
// through authentication and session open/close, and rate-limits password
// failures per remote host.
package sshd

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/corrstack/correlator/internal/config"
	"github.com/corrstack/correlator/internal/event"
	"github.com/corrstack/correlator/internal/module"
	"github.com/corrstack/correlator/internal/syslog"
)

const (
	defaultFailureLimit  = 5
	defaultFailureWindow = 300 // seconds
	defaultMaxTransAge   = 1440 // minutes
)

// Transaction states.
const (
	stateAuth = 0 // authenticated or failing, session not open
	stateOpen = 1 // session open
)

var (
	// LoginKind is the successful-login audit event.
	LoginKind = &event.Kind{
		Name:     "SSHDLoginSucceeded",
		Category: event.Data,
		AuditID:  "sshd.login",
		Schema: []event.Field{
			{Name: "auth", Description: "Authentication method"},
			{Name: "user", Description: "User"},
			{Name: "addr", Description: "Remote address"},
			{Name: "port", Description: "Remote port"},
			{Name: "key", Description: "Key fingerprint"},
			{Name: "failures", Description: "Failed attempts"},
			{Name: "start", Description: "Session start"},
			{Name: "finish", Description: "Session end"},
			{Name: "duration", Description: "Session duration"},
		},
		SummaryTemplate: "Successful ${auth} login for ${user} from ${addr}",
	}

	// LoginFailedKind is emitted when a transaction closes without a
	// successful authentication.
	LoginFailedKind = &event.Kind{
		Name:     "SSHDLoginFailed",
		Category: event.Data,
		AuditID:  "sshd.login-failed",
		Schema: []event.Field{
			{Name: "user", Description: "User"},
			{Name: "addr", Description: "Remote address"},
			{Name: "port", Description: "Remote port"},
			{Name: "failures", Description: "Failed attempts"},
		},
		SummaryTemplate: "Failed login for ${user} from ${addr}",
	}

	// AttemptsExceededKind fires when a host crosses the failure limit
	// inside the failure window.
	AttemptsExceededKind = &event.Kind{
		Name:     "SSHDAttemptsExceeded",
		Category: event.Data,
		AuditID:  "sshd.login-retry",
		Schema: []event.Field{
			{Name: "host", Description: "Remote host"},
		},
		SummaryTemplate:  "Login attempts exceeded for host ${host}",
		SeverityOverride: severityPtr(event.Warning),
	}

	// StatsKind is the periodic statistics snapshot.
	StatsKind = &event.Kind{
		Name:     "SSHDStats",
		Category: event.Stats,
		AuditID:  "sshd.stats",
		Schema: []event.Field{
			{Name: "login_sessions", Description: "Successful logins"},
			{Name: "denied", Description: "Unsuccessful logins"},
			{Name: "lockouts", Description: "Lockouts"},
			{Name: "expired", Description: "Expired transactions"},
		},
		SummaryTemplate: "${login_sessions} total successful logins, " +
			"${denied} unsuccessful logins, ${lockouts} lockouts, " +
			"${expired} expired transactions",
	}
)

func severityPtr(s event.Severity) *event.Severity { return &s }

// Transaction is the in-flight state for one sshd process.
type Transaction struct {
	Auth     string    `json:"auth"`
	User     string    `json:"user"`
	Addr     string    `json:"addr"`
	Port     string    `json:"port"`
	Key      string    `json:"key"`
	Failures int       `json:"failures"`
	Created  time.Time `json:"created"`
	Start    time.Time `json:"start"`
	Finish   time.Time `json:"finish"`
}

// Store is the module's durable state.
type Store struct {
	States        map[string]int          `json:"states"`
	Transactions  map[string]*Transaction `json:"transactions"`
	HostFailures  map[string][]time.Time  `json:"host_failures"`
	LoginSessions int                     `json:"login_sessions"`
	Denied        int                     `json:"denied"`
	Lockouts      int                     `json:"lockouts"`
	Expired       int                     `json:"expired"`
}

func newStore() *Store {
	return &Store{
		States:       map[string]int{},
		Transactions: map[string]*Transaction{},
		HostFailures: map[string][]time.Time{},
	}
}

// SSHD is the OpenSSH login correlator.
type SSHD struct {
	module.Base

	store        *Store
	hostFailures *module.CountOverTime

	failureLimit  int
	failureWindow int
	maxTransAge   int

	regErr error
}

func init() {
	module.Register("module/sshd.SSHD", NewSSHD)
}

// NewSSHD builds an instance; the engine supplies the configured name.
func NewSSHD(name string, deps module.Deps) module.Module {
	m := &SSHD{
		Base: module.NewBase(name, deps.Config, deps.Sink, deps.Logger),
	}
	m.regErr = m.AddConfig([]config.Item{
		{
			Key:         "login_failure_limit",
			Type:        config.Integer,
			Default:     defaultFailureLimit,
			Description: "Failures per host before a lockout event",
		},
		{
			Key:         "login_failure_window",
			Type:        config.Integer,
			Default:     defaultFailureWindow,
			Description: "Failure counting window in seconds",
		},
		{
			Key:         "max_transaction_age",
			Type:        config.Integer,
			Default:     defaultMaxTransAge,
			Description: "Minutes before an idle transaction is expired",
		},
	})
	return m
}

func (m *SSHD) Description() string { return "OpenSSH server login correlation" }

func (m *SSHD) NewStore() any { return newStore() }

func (m *SSHD) SetStore(store any) error {
	s, ok := store.(*Store)
	if !ok {
		return fmt.Errorf("%s: store is %T, want *sshd.Store", m.Name(), store)
	}
	m.store = s
	return nil
}

func (m *SSHD) Store() any { return m.store }

func (m *SSHD) Initialize() error {
	if m.regErr != nil {
		return m.regErr
	}
	m.failureLimit = m.GetConfigInt("login_failure_limit")
	m.failureWindow = m.GetConfigInt("login_failure_window")
	m.maxTransAge = m.GetConfigInt("max_transaction_age")
	return nil
}

func (m *SSHD) PostInitStore() error {
	if m.store == nil {
		return fmt.Errorf("%s: no store bound", m.Name())
	}
	// Restored snapshots may carry nil maps.
	if m.store.States == nil {
		m.store.States = map[string]int{}
	}
	if m.store.Transactions == nil {
		m.store.Transactions = map[string]*Transaction{}
	}
	if m.store.HostFailures == nil {
		m.store.HostFailures = map[string][]time.Time{}
	}
	m.hostFailures = module.NewCountOverTime(m.failureWindow, m.store.HostFailures)
	return nil
}

// TimerHandlers schedules the hourly expiry sweep.
func (m *SSHD) TimerHandlers() []module.TimerHandler {
	return []module.TimerHandler{
		{Spec: "hour", Fn: m.expireTransactions},
	}
}

// expireTransactions drops transactions older than max_transaction_age.
// Half-open sessions from crashed clients would otherwise accumulate
// forever.
func (m *SSHD) expireTransactions(now time.Time) {
	cutoff := now.Add(-time.Duration(m.maxTransAge) * time.Minute)
	for id, trans := range m.store.Transactions {
		if trans.Created.Before(cutoff) {
			m.Logger.Info("expiring stale transaction", "identifier", id, "created", trans.Created)
			delete(m.store.Transactions, id)
			delete(m.store.States, id)
			m.store.Expired++
		}
	}
}

func (m *SSHD) Statistics(reset bool) {
	e, err := event.New(StatsKind, map[string]any{
		"login_sessions": m.store.LoginSessions,
		"denied":         m.store.Denied,
		"lockouts":       m.store.Lockouts,
		"expired":        m.store.Expired,
	})
	if err != nil {
		m.Logger.Error("statistics event construction failed", "error", err)
		return
	}
	m.DispatchEvent(e)
	if reset {
		m.store.LoginSessions = 0
		m.store.Denied = 0
		m.store.Lockouts = 0
		m.store.Expired = 0
	}
}

func (m *SSHD) HandleRecord(rec *syslog.Record) error {
	if m.store == nil {
		return fmt.Errorf("%s: no store bound", m.Name())
	}
	if rec == nil {
		// Heartbeat. No maintenance here; expiry runs on the hour timer.
		return nil
	}
	if strings.ToLower(rec.Appname) != "sshd" {
		return nil
	}

	identifier := rec.Identifier()

	if _, tracked := m.store.States[identifier]; !tracked {
		m.beginTransaction(identifier, rec)
		return nil
	}

	switch m.store.States[identifier] {
	case stateAuth:
		return m.handleAuthState(identifier, rec)
	case stateOpen:
		m.handleOpenState(identifier, rec)
	}
	return nil
}

// beginTransaction starts tracking a process on its first interesting
// record.
func (m *SSHD) beginTransaction(identifier string, rec *syslog.Record) {
	if props := detectAccepted(rec.Detail); props != nil {
		m.store.States[identifier] = stateAuth
		m.store.Transactions[identifier] = &Transaction{
			Auth:    props["auth"],
			User:    props["user"],
			Addr:    props["addr"],
			Port:    props["port"],
			Key:     props["key"],
			Created: rec.Timestamp,
		}
		m.Logger.Debug("authentication succeeded", "user", props["user"], "addr", props["addr"])
		m.hostFailures.Clear(props["addr"])
		return
	}

	if props := detectAuthFailure(rec.Detail); props != nil {
		m.store.States[identifier] = stateAuth
		m.store.Transactions[identifier] = &Transaction{
			User:    props["user"],
			Addr:    props["rhost"],
			Created: rec.Timestamp,
		}
		m.Logger.Debug("authentication failed", "user", props["user"])
		return
	}

	if props := detectInvalidUser(rec.Detail); props != nil {
		m.store.States[identifier] = stateAuth
		m.store.Transactions[identifier] = &Transaction{
			User:    props["user"],
			Addr:    props["addr"],
			Port:    props["port"],
			Created: rec.Timestamp,
		}
		m.Logger.Debug("invalid user", "user", props["user"])
		return
	}

	if props := detectPasswordFailure(rec.Detail); props != nil {
		// A failure can be the first thing we see from a process; start
		// the transaction here, later failures count against the window.
		m.store.States[identifier] = stateAuth
		m.store.Transactions[identifier] = &Transaction{
			User:     props["user"],
			Addr:     props["addr"],
			Port:     props["port"],
			Failures: 1,
			Created:  rec.Timestamp,
		}
		m.Logger.Debug("password failure opened transaction", "user", props["user"])
		return
	}

	m.Logger.Debug("skipping untracked record", "detail", rec.Detail)
}

func (m *SSHD) handleAuthState(identifier string, rec *syslog.Record) error {
	trans := m.store.Transactions[identifier]

	if props := detectPasswordFailure(rec.Detail); props != nil {
		host := props["addr"]
		trans.Failures++
		failures := m.hostFailures.Add(host, rec.Timestamp)
		m.Logger.Debug("password failure", "host", host, "failures", failures)
		if failures >= m.failureLimit {
			e, err := event.New(AttemptsExceededKind, map[string]any{"host": host})
			if err != nil {
				return err
			}
			m.DispatchEvent(e)
			m.store.Lockouts++
		}
		return nil
	}

	if detectOpen(rec.Detail) != nil {
		trans.Start = rec.Timestamp
		m.store.States[identifier] = stateOpen
		return nil
	}

	accepted := detectAccepted(rec.Detail)
	if accepted != nil {
		trans.Auth = accepted["auth"]
		trans.User = accepted["user"]
		trans.Addr = accepted["addr"]
		trans.Port = accepted["port"]
		trans.Key = accepted["key"]
		m.Logger.Debug("clearing failed attempts", "host", accepted["addr"])
		m.hostFailures.Clear(accepted["addr"])
	}

	if detectClose(rec.Detail) {
		if accepted != nil {
			// A single record cannot be both an accept and a close.
			return fmt.Errorf("%s: unreachable: accept and close in one record: %s",
				m.Name(), rec.Detail)
		}
		m.store.Denied++
		e, err := event.New(LoginFailedKind, map[string]any{
			"user":     trans.User,
			"addr":     trans.Addr,
			"port":     trans.Port,
			"failures": trans.Failures,
		}, event.WithSeverity(event.Warning))
		if err != nil {
			return err
		}
		m.DispatchEvent(e)
		delete(m.store.Transactions, identifier)
		delete(m.store.States, identifier)
		return nil
	}

	if accepted == nil {
		m.Logger.Debug("skipping record in auth state", "detail", rec.Detail)
	}
	return nil
}

func (m *SSHD) handleOpenState(identifier string, rec *syslog.Record) {
	if !detectClose(rec.Detail) {
		m.Logger.Debug("skipping record in open state", "detail", rec.Detail)
		return
	}

	trans := m.store.Transactions[identifier]
	trans.Finish = rec.Timestamp
	m.store.LoginSessions++

	key := trans.Key
	if key == "" {
		key = "None"
	}
	e, err := event.New(LoginKind, map[string]any{
		"auth":     trans.Auth,
		"user":     trans.User,
		"addr":     trans.Addr,
		"port":     trans.Port,
		"key":      key,
		"failures": trans.Failures,
		"start":    trans.Start,
		"finish":   trans.Finish,
		"duration": trans.Finish.Sub(trans.Start).String(),
	})
	if err != nil {
		m.Logger.Error("login event construction failed", "error", err)
		return
	}
	m.DispatchEvent(e)

	delete(m.store.Transactions, identifier)
	delete(m.store.States, identifier)
}

// Detail line detectors, one per sshd log shape.

var (
	acceptedKeyRe  = regexp.MustCompile(`^Accepted publickey for (\S+) from (\S+) port (\S+) ssh2: RSA (\S+)`)
	acceptedPassRe = regexp.MustCompile(`^Accepted password for (\S+) from (\S+) port (\S+)`)
	failedPassRe   = regexp.MustCompile(`^Failed password for (\S+) from (\S+) port (\S+)`)
	failedInvRe    = regexp.MustCompile(`^Failed password for invalid user (\S+) from (\S+) port (\S+)`)
	invalidUserRe  = regexp.MustCompile(`^Invalid user (\S+) from (\S+) port (\d+)`)
	authFailureRe  = regexp.MustCompile(`.+authentication failure;\s+(.+)\s*`)
	sessionOpenRe  = regexp.MustCompile(`^pam_unix\(sshd:session\): session opened for user (\S+) by (\S+)`)
)

func detectAccepted(detail string) map[string]string {
	if m := acceptedKeyRe.FindStringSubmatch(detail); m != nil {
		return map[string]string{
			"auth": "rsa", "user": m[1], "addr": m[2], "port": m[3], "key": m[4],
		}
	}
	if m := acceptedPassRe.FindStringSubmatch(detail); m != nil {
		return map[string]string{
			"auth": "password", "user": m[1], "addr": m[2], "port": m[3], "key": "",
		}
	}
	return nil
}

func detectPasswordFailure(detail string) map[string]string {
	m := failedInvRe.FindStringSubmatch(detail)
	if m == nil {
		m = failedPassRe.FindStringSubmatch(detail)
	}
	if m != nil {
		return map[string]string{"user": m[1], "addr": m[2], "port": m[3]}
	}
	return nil
}

func detectInvalidUser(detail string) map[string]string {
	if m := invalidUserRe.FindStringSubmatch(detail); m != nil {
		return map[string]string{"user": m[1], "addr": m[2], "port": m[3]}
	}
	return nil
}

// detectAuthFailure parses the pam key=value property list, e.g.
// "... authentication failure; logname= uid=0 euid=0 tty=ssh ruser= rhost=10.0.0.2 user=bob".
func detectAuthFailure(detail string) map[string]string {
	m := authFailureRe.FindStringSubmatch(detail)
	if m == nil {
		return nil
	}
	props := map[string]string{}
	for _, pair := range strings.Fields(m[1]) {
		if k, v, ok := strings.Cut(pair, "="); ok {
			props[k] = v
		}
	}
	if len(props) == 0 {
		return nil
	}
	return props
}

func detectOpen(detail string) map[string]string {
	if m := sessionOpenRe.FindStringSubmatch(detail); m != nil {
		return map[string]string{"user": m[1], "by": m[2]}
	}
	return nil
}

func detectClose(detail string) bool {
	return strings.HasPrefix(detail, "Connection closed") ||
		strings.HasPrefix(detail, "pam_unix(sshd:session): session closed")
}
