package worker

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
)

// SMTPSender delivers rendered issues over SMTP.
type SMTPSender struct {
	addr     string // host:port
	from     string
	username string
	password string
}

var _ Sender = (*SMTPSender)(nil)

func NewSMTPSender(addr, from, username, password string) *SMTPSender {
	return &SMTPSender{
		addr:     addr,
		from:     from,
		username: username,
		password: password,
	}
}

// Send submits the issue to the SMTP server. Server failures are
// retryable (mail servers come back); a cancellation that abandons an
// in-flight send is terminal, because the send may still succeed.
func (s *SMTPSender) Send(ctx context.Context, recipient string, issue Issue) error {
	var auth smtp.Auth
	if s.username != "" {
		host, _, err := net.SplitHostPort(s.addr)
		if err != nil {
			return &TerminalError{Err: fmt.Errorf("smtp addr %q: %w", s.addr, err)}
		}
		auth = smtp.PlainAuth("", s.username, s.password, host)
	}

	msg := buildMessage(s.from, recipient, issue)

	// net/smtp has no context support; bound the call by running it in a
	// goroutine and abandoning it on cancellation.
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(s.addr, auth, s.from, []string{recipient}, msg)
	}()

	select {
	case <-ctx.Done():
		// The abandoned send may still go through on the wire; requeueing
		// here could deliver the issue twice, so cancellation is terminal.
		return &TerminalError{Err: ctx.Err()}
	case err := <-done:
		if err != nil {
			return &RetryableError{Err: fmt.Errorf("smtp: %w", err)}
		}
		return nil
	}
}

func buildMessage(from, to string, issue Issue) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(issue.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(issue.Body)
	return []byte(b.String())
}

// sanitizeHeader strips CR/LF to prevent header injection from generated
// subjects.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.ReplaceAll(s, "\n", " ")
}
