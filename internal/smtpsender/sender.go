// Package smtpsender submits rendered messages to the account's outgoing
// mail server.
package smtpsender

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"
)

const dialTimeout = 30 * time.Second

// Sender submits one message per call. Implementations must be safe to
// call without any storage lock held.
type Sender interface {
	Send(from string, recipients []string, raw []byte) error
}

// Config holds the submission server settings.
type Config struct {
	Server   string // host:port, TLS
	User     string
	Password string
}

// Client is a Sender over SMTPS. A fresh connection is made per submission;
// chat traffic is low-volume and idle submission connections get dropped by
// most providers anyway.
type Client struct {
	cfg Config
	log *zap.Logger
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	return &Client{cfg: cfg, log: log.Named("smtp")}
}

func (c *Client) Send(from string, recipients []string, raw []byte) error {
	if len(recipients) == 0 {
		return fmt.Errorf("smtpsender: no recipients")
	}

	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", c.cfg.Server, nil)
	if err != nil {
		return fmt.Errorf("smtpsender: dial: %w", err)
	}

	host := c.cfg.Server
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtpsender: handshake: %w", err)
	}
	defer func() { _ = client.Close() }()

	if c.cfg.User != "" {
		auth := sasl.NewPlainClient("", c.cfg.User, c.cfg.Password)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtpsender: auth: %w", err)
		}
	}

	if err := client.Mail(from, nil); err != nil {
		return fmt.Errorf("smtpsender: mail from: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtpsender: rcpt %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtpsender: data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtpsender: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtpsender: finish: %w", err)
	}

	if err := client.Quit(); err != nil {
		c.log.Debug("quit failed", zap.Error(err))
	}
	c.log.Info("message submitted", zap.Int("recipients", len(recipients)), zap.Int("bytes", len(raw)))
	return nil
}
