// Package client delivers one message to one recipient on a remote MX.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/textproto"
	"strconv"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	DefaultPort    = 25
	DefaultTimeout = 10 * time.Second
)

// TLSMode selects how the outbound connection is encrypted
type TLSMode string

const (
	TLSNone     TLSMode = "none"
	TLSStartTLS TLSMode = "starttls"
	TLSImplicit TLSMode = "implicit"
)

// ErrUnexpectedReply wraps a reply whose code was not the expected one
var ErrUnexpectedReply = errors.New("unexpected reply")

type Config struct {
	// LocalName is sent with EHLO
	LocalName string
	Port      int
	// Timeout bounds every single step of the conversation
	Timeout        time.Duration
	TLS            TLSMode
	VerifyPeer     bool
	VerifyPeerName bool
}

type Client struct {
	cfg Config
	log zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.LocalName == "" {
		cfg.LocalName = "localhost"
	}
	if cfg.TLS == "" {
		cfg.TLS = TLSNone
	}

	return &Client{
		cfg: cfg,
		log: log.With().Str("component", "client").Logger(),
	}
}

// stepConn ignores deadlines set by the smtp library so that the
// per step deadline set in Deliver is the only one in force
type stepConn struct {
	net.Conn
}

func (c *stepConn) SetDeadline(time.Time) error      { return nil }
func (c *stepConn) SetReadDeadline(time.Time) error  { return nil }
func (c *stepConn) SetWriteDeadline(time.Time) error { return nil }

var errHeloFallback = errors.New("HELO fallback refused")

// ehloOnly stops the smtp library from retrying with HELO once EHLO has
// been rejected, a rejected EHLO fails the delivery
type ehloOnly struct {
	net.Conn
}

func (c *ehloOnly) Write(b []byte) (int, error) {
	if bytes.HasPrefix(b, []byte("HELO ")) {
		return 0, errHeloFallback
	}
	return c.Conn.Write(b)
}

func (c *Client) tlsConfig(mxHost string) *tls.Config {
	cfg := &tls.Config{
		ServerName: mxHost,
		MinVersion: tls.VersionTLS12,
	}

	switch {
	case !c.cfg.VerifyPeer:
		cfg.InsecureSkipVerify = true

	case !c.cfg.VerifyPeerName:
		// verify the chain but not the name
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = func(raw [][]byte, _ [][]*x509.Certificate) error {
			certs := make([]*x509.Certificate, 0, len(raw))
			for _, r := range raw {
				cert, err := x509.ParseCertificate(r)
				if err != nil {
					return err
				}
				certs = append(certs, cert)
			}
			if len(certs) == 0 {
				return errors.New("no peer certificate")
			}
			opts := x509.VerifyOptions{Intermediates: x509.NewCertPool()}
			for _, cert := range certs[1:] {
				opts.Intermediates.AddCert(cert)
			}
			_, err := certs[0].Verify(opts)
			return err
		}
	}

	return cfg
}

// Deliver drives greeting, EHLO, MAIL, RCPT, DATA, message and QUIT
// against mxIP. Any step exceeding the timeout or answered with an
// unexpected code aborts the rest. The connection is always closed.
func (c *Client) Deliver(ctx context.Context, mxHost, mxIP, sender, recipient string, msg []byte) (err error) {
	start := time.Now()
	addr := net.JoinHostPort(mxIP, strconv.Itoa(c.cfg.Port))

	log := c.log.With().Str("mx", mxHost).Str("addr", addr).Str("rcpt", recipient).Logger()

	dialer := net.Dialer{Timeout: c.cfg.Timeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.WithMessagef(err, "dial '%s'", addr)
	}
	defer raw.Close()

	// closing the socket unblocks any step when ctx is cancelled
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			raw.Close()
		case <-stop:
		}
	}()

	step := func(name string) {
		log.Debug().Str("step", name).Msg("smtp step")
		raw.SetDeadline(time.Now().Add(c.cfg.Timeout))
	}

	var conn net.Conn = &stepConn{Conn: raw}
	if c.cfg.TLS == TLSImplicit {
		step("tls")
		tlsConn := tls.Client(conn, c.tlsConfig(mxHost))
		if err := tlsConn.Handshake(); err != nil {
			return errors.WithMessage(err, "tls handshake")
		}
		conn = tlsConn
	}

	step("greeting")
	client, err := smtp.NewClient(&ehloOnly{Conn: conn}, mxHost)
	if err != nil {
		return wrapReply(err, "greeting")
	}
	defer client.Close()

	step("EHLO")
	if err := client.Hello(c.cfg.LocalName); err != nil {
		if errors.Is(err, errHeloFallback) {
			return errors.Wrap(ErrUnexpectedReply, "EHLO: rejected")
		}
		return wrapReply(err, "EHLO")
	}

	if c.cfg.TLS == TLSStartTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			step("STARTTLS")
			if err := client.StartTLS(c.tlsConfig(mxHost)); err != nil {
				return wrapReply(err, "STARTTLS")
			}
		}
	}

	step("MAIL")
	if err := client.Mail(sender, nil); err != nil {
		return wrapReply(err, "MAIL")
	}

	step("RCPT")
	if err := client.Rcpt(recipient); err != nil {
		return wrapReply(err, "RCPT")
	}

	step("DATA")
	wc, err := client.Data()
	if err != nil {
		return wrapReply(err, "DATA")
	}

	step("message")
	if _, err := wc.Write(msg); err != nil {
		return errors.WithMessage(err, "write message")
	}
	if err := wc.Close(); err != nil {
		return wrapReply(err, "message")
	}

	step("QUIT")
	if err := client.Quit(); err != nil {
		return wrapReply(err, "QUIT")
	}

	log.Info().Dur("took", time.Since(start)).Int("bytes", len(msg)).Msg("delivered")

	return nil
}

// wrapReply marks protocol level rejections with ErrUnexpectedReply,
// transport errors such as timeouts are passed through
func wrapReply(err error, step string) error {
	var (
		smtpErr  *smtp.SMTPError
		protoErr *textproto.Error
		badReply textproto.ProtocolError
	)
	switch {
	case errors.As(err, &smtpErr):
		return errors.Wrapf(ErrUnexpectedReply, "%s: %d %s", step, smtpErr.Code, smtpErr.Message)
	case errors.As(err, &protoErr):
		return errors.Wrapf(ErrUnexpectedReply, "%s: %d %s", step, protoErr.Code, protoErr.Msg)
	case errors.As(err, &badReply):
		return errors.Wrapf(ErrUnexpectedReply, "%s: %s", step, badReply)
	}
	return errors.WithMessage(err, step)
}
