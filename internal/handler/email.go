package handler

import (
	"fmt"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"

	"github.com/corrstack/correlator/internal/config"
	"github.com/corrstack/correlator/internal/event"
)

var emailConfig = []config.Item{
	{
		Key:         "smtp_server",
		Type:        config.String,
		Default:     "localhost:25",
		Description: "SMTP server address",
	},
	{
		Key:         "from",
		Type:        config.Email,
		Default:     "admin@nowhere.com",
		Description: "Value of the Email From: field",
	},
	{
		Key:         "to",
		Type:        config.Email,
		Default:     "nobody@nowhere.com",
		Description: "Value of the Email To: field",
	},
	{
		Key:         "html",
		Type:        config.Boolean,
		Default:     true,
		Description: "Send HTML formatted email",
	},
	{
		Key:         "template",
		Type:        config.String,
		Default:     "mail_sender",
		Description: "Email template filename prefix",
	},
	{
		Key:         "template_directory",
		Type:        config.String,
		Default:     "templates",
		Description: "Directory holding email templates",
	},
}

// Email delivers each event as a mail message. Bodies come from a named
// template family, <template>-text.tmpl and <template>-html.tmpl; the HTML
// variant is used when it exists and the html option is on. A template
// whose first line is "Subject: ..." overrides the default subject, the
// event summary.
type Email struct {
	Base

	smtpServer  string
	from        string
	to          string
	html        bool
	templateDir string
	template    string

	send   func(addr, from string, to []string, msg []byte) error
	regErr error
}

func init() {
	Register("handler.Email", func(name string, deps Deps) Handler {
		h := &Email{Base: NewBase(name, deps)}
		h.send = func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		}
		h.regErr = h.AddConfig(emailConfig)
		return h
	})
}

func (h *Email) Description() string { return "Delivers events by email" }

func (h *Email) Initialize() error {
	if h.regErr != nil {
		return h.regErr
	}

	h.html = h.GetConfigBool("html")
	h.smtpServer = h.GetConfigString("smtp_server")
	h.from = h.GetConfigString("from")
	h.to = h.GetConfigString("to")
	h.template = h.GetConfigString("template")
	h.templateDir = h.GetConfigString("template_directory")

	var bad []string
	for key, value := range map[string]string{
		"smtp_server": h.smtpServer,
		"from":        h.from,
		"to":          h.to,
		"template":    h.template,
	} {
		if value == "" {
			bad = append(bad, key)
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("invalid or missing configuration parameter(s): %s", strings.Join(bad, ", "))
	}
	return nil
}

func (h *Email) ProcessEvent(e *event.Event) error {
	contentType := "text/plain"
	templatePath := filepath.Join(h.templateDir, h.template+"-text.tmpl")

	if h.html {
		htmlPath := filepath.Join(h.templateDir, h.template+"-html.tmpl")
		if _, err := os.Stat(htmlPath); err == nil {
			contentType = "text/html"
			templatePath = htmlPath
		}
	}

	contents, err := os.ReadFile(templatePath)
	if err != nil {
		return fmt.Errorf("cannot open template %s: %w", templatePath, err)
	}

	summary, err := e.RenderSummary(contentType)
	if err != nil {
		return err
	}
	dataTable, err := e.RenderDataTable(contentType)
	if err != nil {
		return err
	}

	data := map[string]string{
		"to":         h.to,
		"from":       h.from,
		"summary":    summary,
		"data_table": dataTable,
		"fq_id":      e.FQID(),
		"system":     e.System(),
	}

	subject := e.Summary()
	body := string(contents)
	if line, rest, ok := strings.Cut(body, "\n"); ok && strings.HasPrefix(line, "Subject: ") {
		rendered, err := event.Render(strings.TrimPrefix(line, "Subject: "), data)
		if err != nil {
			h.Logger.Error("using default subject, template subject failed to render", "error", err)
		} else {
			subject = strings.TrimSpace(rendered)
		}
		body = rest
	}

	rendered, err := event.Render(body, data)
	if err != nil {
		return fmt.Errorf("render email template %s: %w", templatePath, err)
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", h.from)
	fmt.Fprintf(&msg, "To: %s\r\n", h.to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: %s; charset=utf-8\r\n", contentType)
	msg.WriteString("\r\n")
	msg.WriteString(rendered)

	h.Logger.Info("sending email", "to", h.to, "subject", subject)
	if err := h.send(h.smtpServer, h.from, []string{h.to}, []byte(msg.String())); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}
