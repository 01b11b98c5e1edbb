package notify

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stargate-home/stargate/pkg/config"
	"github.com/stargate-home/stargate/pkg/util"
)

func testConfig() config.NotificationsConfig {
	return config.NotificationsConfig{
		Email: config.EmailConfig{SMTPHost: "mail.example.com", Sender: "stargate@example.com"},
		Recipients: map[string][][]string{
			"security": {{"email", "matt@example.com"}},
			"everyone": {{"email", "a@example.com"}, {"email", "b@example.com"}},
			"paged":    {{"sms", "+15550100"}},
		},
	}
}

// recordingNotifier swaps the SMTP transport for a capture.
func recordingNotifier(cfg config.NotificationsConfig) (*Notifier, *[]string, *[][]byte) {
	n := New(cfg)
	var recipients []string
	var messages [][]byte
	n.send = func(e config.EmailConfig, recipient string, msg []byte) error {
		recipients = append(recipients, recipient)
		messages = append(messages, msg)
		return nil
	}
	return n, &recipients, &messages
}

func TestCanNotify(t *testing.T) {
	n := New(testConfig())
	if !n.CanNotify("security") {
		t.Error("security alias should be notifiable")
	}
	if n.CanNotify("nobody") {
		t.Error("unknown alias should not be notifiable")
	}
	if n.CanNotify("paged") {
		t.Error("alias with an unimplemented method should not be notifiable")
	}

	bare := testConfig()
	bare.Email.SMTPHost = ""
	if New(bare).CanNotify("security") {
		t.Error("email alias should not be notifiable without an SMTP host")
	}
}

func TestNotifyFansOutToAllRecipients(t *testing.T) {
	n, recipients, _ := recordingNotifier(testConfig())
	if err := n.Notify("everyone", "Heads up", "Something moved."); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(*recipients) != 2 || (*recipients)[0] != "a@example.com" || (*recipients)[1] != "b@example.com" {
		t.Fatalf("recipients = %v", *recipients)
	}
}

func TestNotifyMessageShape(t *testing.T) {
	n, _, messages := recordingNotifier(testConfig())
	if err := n.Notify("security", "Water alarm", "The basement is wet."); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	msg := string((*messages)[0])
	for _, want := range []string{
		"From: stargate@example.com\r\n",
		"To: matt@example.com\r\n",
		"Subject: Water alarm\r\n",
		"Message-ID: <",
		"@mail.example.com>\r\n",
		"\r\n\r\nThe basement is wet.",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestNotifyDefaultSubject(t *testing.T) {
	n, _, messages := recordingNotifier(testConfig())
	if err := n.Notify("security", "", "ping"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if !strings.Contains(string((*messages)[0]), "Subject: "+defaultSubject+"\r\n") {
		t.Fatalf("message missing the default subject:\n%s", (*messages)[0])
	}
}

func TestNotifyUnknownAlias(t *testing.T) {
	n, _, _ := recordingNotifier(testConfig())
	if err := n.Notify("nobody", "s", "b"); !errors.Is(err, util.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestNotifyUnknownMethodIsSkipped(t *testing.T) {
	n, recipients, _ := recordingNotifier(testConfig())
	if err := n.Notify("paged", "s", "b"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(*recipients) != 0 {
		t.Fatalf("sms recipient reached the email transport: %v", *recipients)
	}
}

func TestNotifyPartialFailure(t *testing.T) {
	n := New(testConfig())
	var delivered []string
	n.send = func(e config.EmailConfig, recipient string, msg []byte) error {
		if recipient == "a@example.com" {
			return fmt.Errorf("mailbox full")
		}
		delivered = append(delivered, recipient)
		return nil
	}
	err := n.Notify("everyone", "s", "b")
	if err == nil || !strings.Contains(err.Error(), "a@example.com") {
		t.Fatalf("err = %v, want a failure naming a@example.com", err)
	}
	if len(delivered) != 1 || delivered[0] != "b@example.com" {
		t.Fatalf("delivered = %v, want delivery to continue past the failure", delivered)
	}
}

// fakeSMTP speaks just enough of the protocol for one delivery.
type fakeSMTP struct {
	ln   net.Listener
	from chan string
	rcpt chan string
	data chan string
}

func startFakeSMTP(t *testing.T) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	f := &fakeSMTP{
		ln:   ln,
		from: make(chan string, 4),
		rcpt: make(chan string, 4),
		data: make(chan string, 4),
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeSMTP) addr() string { return f.ln.Addr().String() }

func (f *fakeSMTP) serve(conn net.Conn) {
	defer conn.Close()
	rd := bufio.NewReader(conn)
	reply := func(line string) { fmt.Fprintf(conn, "%s\r\n", line) }
	reply("220 fake ESMTP ready")
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
			reply("250 fake")
		case strings.HasPrefix(upper, "MAIL FROM:"):
			f.from <- line[len("MAIL FROM:"):]
			reply("250 ok")
		case strings.HasPrefix(upper, "RCPT TO:"):
			f.rcpt <- line[len("RCPT TO:"):]
			reply("250 ok")
		case upper == "DATA":
			reply("354 end with .")
			var body strings.Builder
			for {
				dline, err := rd.ReadString('\n')
				if err != nil {
					return
				}
				if strings.TrimRight(dline, "\r\n") == "." {
					break
				}
				body.WriteString(dline)
			}
			f.data <- body.String()
			reply("250 queued")
		case upper == "QUIT":
			reply("221 bye")
			return
		default:
			reply("250 ok")
		}
	}
}

func recv(t *testing.T, ch chan string, what string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return ""
	}
}

func TestSendOverRealSMTPConnection(t *testing.T) {
	f := startFakeSMTP(t)
	cfg := testConfig()
	cfg.Email.SMTPHost = f.addr()
	n := New(cfg)

	if err := n.Notify("security", "Door alarm", "The side door is open."); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if from := recv(t, f.from, "MAIL FROM"); !strings.Contains(from, "stargate@example.com") {
		t.Errorf("MAIL FROM = %q", from)
	}
	if rcpt := recv(t, f.rcpt, "RCPT TO"); !strings.Contains(rcpt, "matt@example.com") {
		t.Errorf("RCPT TO = %q", rcpt)
	}
	data := recv(t, f.data, "message data")
	for _, want := range []string{"Subject: Door alarm", "The side door is open."} {
		if !strings.Contains(data, want) {
			t.Errorf("data missing %q:\n%s", want, data)
		}
	}
}
