package smtp

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jawr/mxd/internal/maildir"
	"github.com/jawr/mxd/internal/queue"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUser     = "user@example.com"
	testPassword = "123456"
)

type chanDispatcher chan queue.Task

func (c chanDispatcher) Enqueue(ctx context.Context, task queue.Task) error {
	select {
	case c <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type validatorFunc func(username, password string) bool

func (f validatorFunc) Validate(ctx context.Context, username, password string) bool {
	return f(username, password)
}

type harness struct {
	t      *testing.T
	server *Server
	root   string
	tasks  chanDispatcher

	plainAddr string
	tlsAddr   string
	client    *tls.Config
}

type harnessOpts struct {
	tls   bool
	cfg   func(*Config)
	store func(Store) Store
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()

	root := t.TempDir()
	store, err := maildir.NewStore(root)
	require.NoError(t, err)

	cfg := Config{
		Hostname:    "mx.test",
		MaxSize:     10 << 20,
		ReadTimeout: 5 * time.Second,
	}
	if opts.cfg != nil {
		opts.cfg(&cfg)
	}

	s := Maildir(store)
	if opts.store != nil {
		s = opts.store(s)
	}

	h := &harness{
		t:     t,
		root:  root,
		tasks: make(chanDispatcher, 16),
	}

	var serverTLS *tls.Config
	if opts.tls {
		certFile, keyFile := writeCert(t)
		serverTLS, err = LoadTLS(certFile, keyFile)
		require.NoError(t, err)
		h.client = &tls.Config{InsecureSkipVerify: true}
	}

	validator := validatorFunc(func(username, password string) bool {
		return username == testUser && password == testPassword
	})

	h.server = NewServer(cfg, serverTLS, s, h.tasks, validator, zerolog.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	h.plainAddr = ln.Addr().String()
	go h.server.Serve(ln, false)

	if opts.tls {
		tln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		h.tlsAddr = tln.Addr().String()
		go h.server.Serve(tln, true)
	}

	t.Cleanup(h.server.Close)

	return h
}

// writeCert generates a throwaway self signed certificate for 127.0.0.1
func writeCert(t *testing.T) (string, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "mx.test"},
		DNSNames:              []string{"mx.test", "localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")

	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600))

	return certFile, keyFile
}

func (h *harness) dial() *client {
	h.t.Helper()

	conn, err := net.Dial("tcp", h.plainAddr)
	require.NoError(h.t, err)

	c := newClient(h.t, conn)
	c.expect(220)
	return c
}

func (h *harness) dialTLS() *client {
	h.t.Helper()

	conn, err := tls.Dial("tcp", h.tlsAddr, h.client)
	require.NoError(h.t, err)

	c := newClient(h.t, conn)
	c.expect(220)
	return c
}

// task waits for the next dispatched delivery
func (h *harness) task() queue.Task {
	h.t.Helper()

	select {
	case task := <-h.tasks:
		return task
	case <-time.After(2 * time.Second):
		h.t.Fatal("no task dispatched")
	}
	return queue.Task{}
}

func (h *harness) dir(name string) []os.DirEntry {
	h.t.Helper()

	entries, err := os.ReadDir(filepath.Join(h.root, name))
	require.NoError(h.t, err)
	return entries
}

type client struct {
	t    *testing.T
	conn net.Conn
	text *textproto.Reader
}

func newClient(t *testing.T, conn net.Conn) *client {
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { conn.Close() })

	return &client{
		t:    t,
		conn: conn,
		text: textproto.NewReader(bufio.NewReader(conn)),
	}
}

// send writes all lines in a single write, as a pipelining client would
func (c *client) send(lines ...string) {
	c.t.Helper()

	_, err := c.conn.Write([]byte(strings.Join(lines, "\r\n") + "\r\n"))
	require.NoError(c.t, err)
}

func (c *client) expect(code int) string {
	c.t.Helper()

	got, msg, err := c.text.ReadResponse(0)
	require.NoError(c.t, err)
	assert.Equal(c.t, code, got, msg)
	return msg
}

func (c *client) cmd(line string, code int) string {
	c.t.Helper()

	c.send(line)
	return c.expect(code)
}

func (c *client) upgrade(cfg *tls.Config) {
	c.t.Helper()

	conn := tls.Client(c.conn, cfg)
	require.NoError(c.t, conn.Handshake())

	c.conn = conn
	c.text = textproto.NewReader(bufio.NewReader(conn))
}

// envelope runs EHLO, MAIL and RCPT leaving the session ready for DATA
func (c *client) envelope(from string, to ...string) {
	c.t.Helper()

	c.cmd("EHLO client.example", 250)
	c.cmd("MAIL FROM:<"+from+">", 250)
	for _, rcpt := range to {
		c.cmd("RCPT TO:<"+rcpt+">", 250)
	}
}
