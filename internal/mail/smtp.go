package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Config holds the SMTP relay settings
type Config struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	From       string `mapstructure:"from"`
	RatePerSec int    `mapstructure:"rate_per_sec"`
	// Timeout bounds one delivery, from dial to QUIT
	Timeout time.Duration `mapstructure:"timeout"`
}

type sendFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPMailer relays messages through an SMTP server, throttled to RatePerSec
type SMTPMailer struct {
	conf    Config
	limiter *rate.Limiter
	send    sendFunc
}

// New returns an SMTPMailer when mail is enabled and Nop otherwise
func New(conf Config) Mailer {
	if !conf.Enabled {
		return Nop{}
	}
	return NewSMTPMailer(conf)
}

func NewSMTPMailer(conf Config) *SMTPMailer {
	if conf.RatePerSec <= 0 {
		conf.RatePerSec = 2
	}
	if conf.Port <= 0 {
		conf.Port = 25
	}
	if conf.Timeout <= 0 {
		conf.Timeout = 30 * time.Second
	}
	return &SMTPMailer{
		conf:    conf,
		limiter: rate.NewLimiter(rate.Limit(conf.RatePerSec), conf.RatePerSec),
		send:    deliver,
	}
}

// Send delivers the message, giving up after the configured timeout. Errors are logged, never
// returned.
func (m *SMTPMailer) Send(ctx context.Context, to []string, subject, body string) {
	if len(to) == 0 {
		log.Warn().Str("subject", subject).Msg("Email has no recipients, not sending")
		return
	}
	if err := m.limiter.Wait(ctx); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Gave up waiting to send email")
		return
	}

	var auth smtp.Auth
	if m.conf.Username != "" {
		auth = smtp.PlainAuth("", m.conf.Username, m.conf.Password, m.conf.Host)
	}
	addr := net.JoinHostPort(m.conf.Host, strconv.Itoa(m.conf.Port))

	sendCtx, cancel := context.WithTimeout(ctx, m.conf.Timeout)
	defer cancel()
	if err := m.send(sendCtx, addr, auth, m.conf.From, to, m.message(to, subject, body)); err != nil {
		log.Error().
			Err(err).
			Strs("to", to).
			Str("subject", subject).
			Msg("Could not send email")
		return
	}
	log.Debug().Strs("to", to).Str("subject", subject).Msg("Email sent")
}

func (m *SMTPMailer) message(to []string, subject, body string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", m.conf.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	buf.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return buf.Bytes()
}

// deliver is smtp.SendMail with the connection bound to ctx. An unresponsive relay fails once the
// deadline passes instead of holding the caller.
func deliver(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	host, _, _ := net.SplitHostPort(addr)
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer func() { _ = c.Close() }()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if a != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(a); err != nil {
				return err
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
