package client

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedMX answers each command with replies[verb], "" means stay silent
type scriptedMX struct {
	l        net.Listener
	greeting string
	replies  map[string]string
	commands chan string
	body     chan string
	closed   chan struct{}
}

func newScriptedMX(t *testing.T, greeting string, replies map[string]string) *scriptedMX {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	s := &scriptedMX{
		l:        l,
		greeting: greeting,
		replies:  replies,
		commands: make(chan string, 16),
		body:     make(chan string, 1),
		closed:   make(chan struct{}),
	}
	go s.serve()
	return s
}

func (s *scriptedMX) port() int {
	return s.l.Addr().(*net.TCPAddr).Port
}

func (s *scriptedMX) serve() {
	conn, err := s.l.Accept()
	if err != nil {
		return
	}
	defer close(s.closed)
	defer conn.Close()

	r := bufio.NewReader(conn)
	if s.greeting != "" {
		io.WriteString(conn, s.greeting)
	}

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		if strings.HasPrefix(strings.ToUpper(line), "MAIL FROM") {
			verb = "MAIL"
		} else if strings.HasPrefix(strings.ToUpper(line), "RCPT TO") {
			verb = "RCPT"
		}
		s.commands <- line

		reply := s.replies[verb]
		if reply == "" {
			// silent, wait for the client to give up
			io.Copy(io.Discard, r)
			return
		}
		io.WriteString(conn, reply)

		if verb == "DATA" && strings.HasPrefix(reply, "354") {
			var b strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				b.WriteString(l)
			}
			s.body <- b.String()
			io.WriteString(conn, s.replies["."])
		}
	}
}

func okReplies() map[string]string {
	return map[string]string{
		"EHLO": "250-mx.example.org\r\n250-PIPELINING\r\n250 SIZE 10485760\r\n",
		"MAIL": "250 2.1.0 Ok\r\n",
		"RCPT": "250 2.1.5 Ok\r\n",
		"DATA": "354 End data with <CR><LF>.<CR><LF>\r\n",
		".":    "250 2.0.0 Ok: queued\r\n",
		"QUIT": "221 2.0.0 Bye\r\n",
	}
}

func newTestClient(port int, timeout time.Duration) *Client {
	return New(Config{
		LocalName: "mxd.test",
		Port:      port,
		Timeout:   timeout,
	}, zerolog.Nop())
}

func drain(ch chan string) []string {
	var out []string
	for {
		select {
		case s := <-ch:
			out = append(out, s)
		default:
			return out
		}
	}
}

func TestDeliverSuccess(t *testing.T) {
	mx := newScriptedMX(t, "220 mx.example.org ESMTP\r\n", okReplies())
	c := newTestClient(mx.port(), 2*time.Second)

	msg := []byte("Subject: hi\r\n\r\nhello\r\n.leading dot\r\n")
	err := c.Deliver(context.Background(), "mx.example.org", "127.0.0.1", "a@example.com", "b@example.org", msg)
	require.NoError(t, err)

	<-mx.closed
	assert.Equal(t, []string{
		"EHLO mxd.test",
		"MAIL FROM:<a@example.com>",
		"RCPT TO:<b@example.org>",
		"DATA",
		"QUIT",
	}, drain(mx.commands))
	assert.Equal(t, "Subject: hi\r\n\r\nhello\r\n..leading dot\r\n", <-mx.body)
}

func TestDeliverUnexpectedReply(t *testing.T) {
	replies := okReplies()
	replies["RCPT"] = "550 5.1.1 No such user\r\n"
	mx := newScriptedMX(t, "220 mx.example.org ESMTP\r\n", replies)
	c := newTestClient(mx.port(), 2*time.Second)

	err := c.Deliver(context.Background(), "mx.example.org", "127.0.0.1", "a@example.com", "b@example.org", []byte("x\r\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnexpectedReply), err.Error())
	assert.Contains(t, err.Error(), "RCPT")

	select {
	case <-mx.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection left open")
	}
	for _, cmd := range drain(mx.commands) {
		assert.NotEqual(t, "DATA", cmd)
	}
}

func TestDeliverEhloRejected(t *testing.T) {
	replies := okReplies()
	replies["EHLO"] = "502 5.5.2 Command not recognized\r\n"
	replies["HELO"] = "250 mx.example.org\r\n"
	mx := newScriptedMX(t, "220 mx.example.org ESMTP\r\n", replies)
	c := newTestClient(mx.port(), 2*time.Second)

	err := c.Deliver(context.Background(), "mx.example.org", "127.0.0.1", "a@example.com", "b@example.org", []byte("x\r\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnexpectedReply), err.Error())
	assert.Contains(t, err.Error(), "EHLO")

	select {
	case <-mx.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection left open")
	}
	assert.Equal(t, []string{"EHLO mxd.test"}, drain(mx.commands))
}

func TestDeliverBadGreeting(t *testing.T) {
	mx := newScriptedMX(t, "554 go away\r\n", okReplies())
	c := newTestClient(mx.port(), 2*time.Second)

	err := c.Deliver(context.Background(), "mx.example.org", "127.0.0.1", "a@example.com", "b@example.org", []byte("x\r\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnexpectedReply), err.Error())
}

func TestDeliverTimeout(t *testing.T) {
	replies := okReplies()
	replies["MAIL"] = ""
	mx := newScriptedMX(t, "220 mx.example.org ESMTP\r\n", replies)
	c := newTestClient(mx.port(), 200*time.Millisecond)

	start := time.Now()
	err := c.Deliver(context.Background(), "mx.example.org", "127.0.0.1", "a@example.com", "b@example.org", []byte("x\r\n"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnexpectedReply))
	assert.Less(t, int64(time.Since(start)), int64(2*time.Second))

	select {
	case <-mx.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection left open")
	}
}

func TestDeliverSilentGreeting(t *testing.T) {
	mx := newScriptedMX(t, "", okReplies())
	c := newTestClient(mx.port(), 200*time.Millisecond)

	err := c.Deliver(context.Background(), "mx.example.org", "127.0.0.1", "a@example.com", "b@example.org", []byte("x\r\n"))
	assert.Error(t, err)
}

func TestDeliverRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	c := newTestClient(port, time.Second)
	err = c.Deliver(context.Background(), "mx.example.org", "127.0.0.1", "a@example.com", "b@example.org", []byte("x\r\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial '127.0.0.1:"+strconv.Itoa(port)+"'")
}

func TestNewDefaults(t *testing.T) {
	c := New(Config{}, zerolog.Nop())
	assert.Equal(t, DefaultPort, c.cfg.Port)
	assert.Equal(t, DefaultTimeout, c.cfg.Timeout)
	assert.Equal(t, TLSNone, c.cfg.TLS)
	assert.Equal(t, "localhost", c.cfg.LocalName)
}
