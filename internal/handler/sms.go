package handler

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/corrstack/correlator/internal/config"
	"github.com/corrstack/correlator/internal/event"
	"github.com/corrstack/correlator/internal/module"
)

var smsConfig = []config.Item{
	{
		Key:         "from",
		Type:        config.String,
		Default:     "",
		Description: "Phone number the message will be from",
	},
	{
		Key:         "to",
		Type:        config.String,
		Default:     "",
		Description: "Phone number to deliver the message to",
	},
	{
		Key:         "sid",
		Type:        config.String,
		Default:     "",
		Description: "Messaging account SID",
	},
	{
		Key:         "api_url",
		Type:        config.String,
		Default:     "https://api.twilio.com/2010-04-01",
		Description: "Messaging API base URL",
	},
}

// SMS delivers each event as a text message through a Twilio-style REST
// API. The API token is a keyring credential keyed by the account SID; a
// missing token aborts startup with CredentialsRequired.
type SMS struct {
	Base

	from       string
	to         string
	accountSID string
	authToken  string
	apiURL     string

	client *http.Client
	regErr error
}

func init() {
	Register("handler.SMS", func(name string, deps Deps) Handler {
		h := &SMS{
			Base:   NewBase(name, deps),
			client: &http.Client{Timeout: 10 * time.Second},
		}
		h.regErr = h.AddConfig(smsConfig)
		return h
	})
}

func (h *SMS) Description() string { return "Delivers events by SMS" }

func (h *SMS) Initialize() error {
	if h.regErr != nil {
		return h.regErr
	}

	h.from = h.GetConfigString("from")
	h.to = h.GetConfigString("to")
	h.accountSID = h.GetConfigString("sid")
	h.apiURL = h.GetConfigString("api_url")

	var bad []string
	for key, value := range map[string]string{
		"from": h.from, "to": h.to, "sid": h.accountSID,
	} {
		if value == "" {
			bad = append(bad, key)
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("invalid or missing configuration parameter(s): %s", strings.Join(bad, ", "))
	}

	token, found, err := h.GetCreds(h.accountSID)
	if err != nil {
		return fmt.Errorf("keyring lookup for %s: %w", h.accountSID, err)
	}
	if !found {
		return &module.CredentialsRequired{Owner: h.Name(), IDs: []string{h.accountSID}}
	}
	h.authToken = token
	return nil
}

func (h *SMS) ProcessEvent(e *event.Event) error {
	timestamp, _ := e.Payload("timestamp")
	body := fmt.Sprintf("On %s the event %s occurred. The message is: %s",
		timestamp, e.ID(), e.Summary())

	form := url.Values{}
	form.Set("From", h.from)
	form.Set("To", h.to)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", h.apiURL, h.accountSID)
	req, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build SMS request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(h.accountSID, h.authToken)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("send SMS: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("send SMS: API returned %s", resp.Status)
	}
	h.Logger.Info("SMS sent", "to", h.to)
	return nil
}
