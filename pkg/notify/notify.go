// Package notify delivers alias-addressed notifications. Aliases come
// from configuration and resolve to (method, address) recipient pairs;
// the one delivery method implemented is email over SMTP.
package notify

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stargate-home/stargate/pkg/config"
	"github.com/stargate-home/stargate/pkg/util"
)

var log = util.ForModule("notify")

const methodEmail = "email"

const defaultSubject = "Stargate"

// Notifier resolves aliases and delivers messages. It satisfies the
// house's Notifier interface.
type Notifier struct {
	cfg config.NotificationsConfig

	// send delivers one assembled message; tests swap it out.
	send func(e config.EmailConfig, recipient string, msg []byte) error
}

// New builds a notifier from the notifications config section.
func New(cfg config.NotificationsConfig) *Notifier {
	return &Notifier{cfg: cfg, send: sendSMTP}
}

// CanNotify answers whether alias resolves to recipients this notifier
// can actually deliver to.
func (n *Notifier) CanNotify(alias string) bool {
	recipients, ok := n.cfg.Recipients[alias]
	if !ok {
		log.Errorf("no notify alias configured for %q", alias)
		return false
	}
	for _, pair := range recipients {
		if len(pair) != 2 || !n.configuredFor(pair[0]) {
			return false
		}
	}
	return true
}

func (n *Notifier) configuredFor(method string) bool {
	if method == methodEmail {
		return n.cfg.Email.SMTPHost != "" && n.cfg.Email.Sender != ""
	}
	return false
}

// Notify delivers subject and body to every recipient behind alias. A
// failure for one recipient does not stop delivery to the others.
func (n *Notifier) Notify(alias, subject, body string) error {
	recipients, ok := n.cfg.Recipients[alias]
	if !ok {
		return fmt.Errorf("notify alias %q: %w", alias, util.ErrNotFound)
	}
	if subject == "" {
		subject = defaultSubject
	}
	var failed []string
	for _, pair := range recipients {
		if len(pair) != 2 {
			log.Errorf("alias %q: malformed recipient %v", alias, pair)
			continue
		}
		method, address := pair[0], pair[1]
		switch method {
		case methodEmail:
			if err := n.email(address, subject, body); err != nil {
				log.Errorf("emailing %s: %v", address, err)
				failed = append(failed, address)
			}
		default:
			log.Errorf("no notify handler configured for method %q", method)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("notifying %q: delivery failed for %s", alias, strings.Join(failed, ", "))
	}
	return nil
}

// email assembles an RFC 5322 message and hands it to the transport.
func (n *Notifier) email(recipient, subject, body string) error {
	e := n.cfg.Email
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", e.Sender)
	fmt.Fprintf(&b, "To: %s\r\n", recipient)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@%s>\r\n", uuid.NewString(), hostOnly(e.SMTPHost))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return n.send(e, recipient, b.Bytes())
}

// sendSMTP delivers one message over a fresh SMTP connection.
func sendSMTP(e config.EmailConfig, recipient string, msg []byte) error {
	addr := e.SMTPHost
	if !strings.Contains(addr, ":") {
		port := 25
		if e.UseSSL {
			port = 465
		}
		addr = fmt.Sprintf("%s:%d", addr, port)
	}
	host := hostOnly(addr)

	c, err := dialSMTP(addr, host, e.UseSSL)
	if err != nil {
		return fmt.Errorf("smtp connect: %w", err)
	}
	defer c.Close()

	if e.Authenticate != nil {
		auth := smtp.PlainAuth("", e.Authenticate.Username, e.Authenticate.Password, host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(e.Sender); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := c.Rcpt(recipient); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	return c.Quit()
}

func dialSMTP(addr, host string, ssl bool) (*smtp.Client, error) {
	if !ssl {
		return smtp.Dial(addr)
	}
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: host})
	if err != nil {
		return nil, err
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
