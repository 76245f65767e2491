package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// SMTPConfig holds the SMTP server configuration for the email channel.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
	TLS      string // "none", "starttls", "tls"
}

// Valid returns true if the minimum required fields are set.
func (c SMTPConfig) Valid() bool {
	return c.Host != "" && c.Port != 0 && c.From != ""
}

// EmailChannel sends escalation notifications by email to the addresses
// configured for the target role.
type EmailChannel struct {
	cfg        SMTPConfig
	roleEmails map[string][]string
	logger     *slog.Logger
	// dialFunc allows injecting a custom dialer for testing.
	dialFunc func(addr string, tlsConfig *tls.Config, tlsMode string) (smtpClient, error)
}

// smtpClient abstracts the methods used from *smtp.Client for testing.
type smtpClient interface {
	Hello(localName string) error
	Extension(ext string) (bool, string)
	StartTLS(config *tls.Config) error
	Auth(a smtp.Auth) error
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

// NewEmailChannel creates an email channel. roleEmails maps a role name
// to the recipient addresses notified when a call escalates to it.
func NewEmailChannel(cfg SMTPConfig, roleEmails map[string][]string, logger *slog.Logger) *EmailChannel {
	return &EmailChannel{
		cfg:        cfg,
		roleEmails: roleEmails,
		logger:     logger.With("subsystem", "notify_email"),
		dialFunc:   defaultDial,
	}
}

// Name implements Channel.
func (e *EmailChannel) Name() string { return "email" }

// Send emails the notification to every address configured for the
// escalated-to role.
func (e *EmailChannel) Send(ctx context.Context, n Notification) error {
	if !e.cfg.Valid() {
		return fmt.Errorf("email: smtp not configured")
	}
	recipients := e.roleEmails[n.Role]
	if len(recipients) == 0 {
		return fmt.Errorf("email: no recipients configured for role %q", n.Role)
	}

	msg := buildMessage(e.cfg.From, recipients, n)

	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	tlsConfig := &tls.Config{ServerName: e.cfg.Host}

	client, err := e.dialFunc(addr, tlsConfig, e.cfg.TLS)
	if err != nil {
		return fmt.Errorf("email: connecting to smtp server: %w", err)
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("email: smtp hello: %w", err)
	}

	// STARTTLS upgrade if requested and supported.
	if strings.EqualFold(e.cfg.TLS, "starttls") {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("email: smtp starttls: %w", err)
			}
		}
	}

	// Authenticate if credentials are provided.
	if e.cfg.Username != "" && e.cfg.Password != "" {
		auth := smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("email: smtp auth: %w", err)
		}
	}

	if err := client.Mail(e.cfg.From); err != nil {
		return fmt.Errorf("email: smtp mail from: %w", err)
	}
	for _, to := range recipients {
		if err := client.Rcpt(to); err != nil {
			return fmt.Errorf("email: smtp rcpt %s: %w", to, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("email: smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("email: smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("email: smtp data close: %w", err)
	}

	if err := client.Quit(); err != nil {
		e.logger.Warn("smtp quit error (non-fatal)", "error", err)
	}

	e.logger.Info("escalation email sent",
		"call_id", n.CallID,
		"role", n.Role,
		"level", n.Level,
		"recipients", len(recipients),
	)

	return nil
}

// defaultDial connects to the SMTP server using either plain TCP or
// implicit TLS.
func defaultDial(addr string, tlsConfig *tls.Config, tlsMode string) (smtpClient, error) {
	if strings.EqualFold(tlsMode, "tls") {
		conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 10 * time.Second}, "tcp", addr, tlsConfig)
		if err != nil {
			return nil, err
		}
		return smtp.NewClient(conn, tlsConfig.ServerName)
	}

	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, err
	}
	host, _, _ := net.SplitHostPort(addr)
	return smtp.NewClient(conn, host)
}

// buildMessage constructs the plain-text email bytes.
func buildMessage(from string, to []string, n Notification) []byte {
	var buf bytes.Buffer

	subject := fmt.Sprintf("Escalation level %d: call %s", n.Level, n.CallID)
	body := fmt.Sprintf(
		"A call requires attention.\n\n"+
			"Call: %s\n"+
			"Rule: %s\n"+
			"Level: %d\n"+
			"Escalated to: %s\n"+
			"Triggered: %s\n\n"+
			"%s\n",
		n.CallID,
		n.RuleName,
		n.Level,
		n.Role,
		n.TriggeredAt.Format("Mon, 02 Jan 2006 3:04 PM"),
		n.Message,
	)

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&buf, "\r\n")
	buf.WriteString(body)

	return buf.Bytes()
}
