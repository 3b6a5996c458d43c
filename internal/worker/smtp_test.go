package worker

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
)

// silentListener accepts connections and never speaks, so an SMTP client
// blocks waiting for the greeting.
func silentListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()
	return ln
}

func TestSMTPSender_CancelledSendIsTerminal(t *testing.T) {
	ln := silentListener(t)
	sender := NewSMTPSender(ln.Addr().String(), "news@example.com", "", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sender.Send(ctx, "reader@example.com", Issue{Subject: "Weekly", Body: "<p>hi</p>"})
	if err == nil {
		t.Fatal("send with cancelled context succeeded, want error")
	}
	var terminal *TerminalError
	if !errors.As(err, &terminal) {
		t.Errorf("cancelled send error = %T, want *TerminalError (the abandoned send may still deliver)", err)
	}
}

func TestSMTPSender_BadAddrWithAuthIsTerminal(t *testing.T) {
	sender := NewSMTPSender("no-port-here", "news@example.com", "user", "secret")

	err := sender.Send(context.Background(), "reader@example.com", Issue{})
	var terminal *TerminalError
	if !errors.As(err, &terminal) {
		t.Fatalf("error = %v (%T), want *TerminalError", err, err)
	}
}

func TestBuildMessage_SanitizesSubject(t *testing.T) {
	msg := string(buildMessage("news@example.com", "reader@example.com", Issue{
		Subject: "Weekly\r\nBcc: everyone@example.com",
		Body:    "<p>hi</p>",
	}))

	if strings.Contains(msg, "Bcc:") && strings.Contains(msg, "Subject: Weekly\r\nBcc") {
		t.Error("injected header survived sanitization")
	}
	if !strings.Contains(msg, "Subject: Weekly Bcc: everyone@example.com\r\n") {
		t.Errorf("subject not flattened to a single header line:\n%s", msg)
	}
	if !strings.Contains(msg, "Content-Type: text/html; charset=utf-8\r\n") {
		t.Error("missing html content type")
	}
}
