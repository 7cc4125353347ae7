package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailloft/mailloft/internal/models"
)

// SMTPProvider is the fallback transport for installations without a
// provider API. It delivers one message per recipient over a single
// authenticated session, so batch privacy holds trivially.
type SMTPProvider struct {
	addr     string // host:port
	host     string
	username string
	password string
}

func NewSMTPProvider(host string, port int, username, password string) *SMTPProvider {
	return &SMTPProvider{
		addr:     fmt.Sprintf("%s:%d", host, port),
		host:     host,
		username: username,
		password: password,
	}
}

func (p *SMTPProvider) SendBatch(ctx context.Context, identity models.SenderIdentity, recipients []string, vars Variables, msg Message) (string, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}

	conn, err := net.DialTimeout("tcp", p.addr, time.Until(deadline))
	if err != nil {
		return "", &TransientError{Message: fmt.Sprintf("smtp dial: %v", err)}
	}
	_ = conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, p.host)
	if err != nil {
		conn.Close()
		return "", &TransientError{Message: fmt.Sprintf("smtp handshake: %v", err)}
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: p.host}); err != nil {
			return "", classifySMTPError(identity, err)
		}
	}

	if p.username != "" {
		auth := smtp.PlainAuth("", p.username, p.password, p.host)
		if err := client.Auth(auth); err != nil {
			return "", classifySMTPError(identity, err)
		}
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), identity.Domain)

	for _, to := range recipients {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := p.sendOne(client, identity, to, vars[to], msg, messageID); err != nil {
			return "", err
		}
	}

	_ = client.Quit()
	return messageID, nil
}

func (p *SMTPProvider) sendOne(client *smtp.Client, identity models.SenderIdentity, to string, recipientVars map[string]string, msg Message, messageID string) error {
	if err := client.Mail(identity.FromEmail); err != nil {
		return classifySMTPError(identity, err)
	}
	if err := client.Rcpt(to); err != nil {
		return classifySMTPError(identity, err)
	}

	w, err := client.Data()
	if err != nil {
		return classifySMTPError(identity, err)
	}

	body := substitute(msg.HTML, recipientVars)
	if body == "" {
		body = substitute(msg.Text, recipientVars)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", identity.From())
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", substitute(msg.Subject, recipientVars))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")

	if _, err := w.Write([]byte(b.String())); err != nil {
		client.Reset()
		return classifySMTPError(identity, err)
	}
	if err := w.Close(); err != nil {
		return classifySMTPError(identity, err)
	}
	return nil
}

// substitute expands %recipient.key% tokens, the same placeholder syntax
// the API provider substitutes server-side.
func substitute(content string, vars map[string]string) string {
	for k, v := range vars {
		content = strings.ReplaceAll(content, "%recipient."+k+"%", v)
	}
	return content
}

// classifySMTPError maps SMTP reply codes onto the dispatch error
// taxonomy: 4xx is retryable, sender rejections trigger the identity
// fallback, everything else is permanent.
func classifySMTPError(identity models.SenderIdentity, err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		switch {
		case tpErr.Code >= 400 && tpErr.Code < 500:
			return &TransientError{Message: err.Error()}
		case tpErr.Code == 550 || tpErr.Code == 551 || tpErr.Code == 553:
			return &AuthError{Identity: identity, StatusCode: tpErr.Code, Message: tpErr.Msg}
		}
		return err
	}
	return &TransientError{Message: err.Error()}
}
