package smtp

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"fmt"
	"net"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/jawr/mxd/internal/metrics"
	"github.com/jawr/mxd/internal/queue"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type state int

const (
	stateInitial state = iota
	stateHelloReceived
	stateMailFromReceived
	stateRcptToReceived
	stateReceivingData
)

func (s state) String() string {
	switch s {
	case stateInitial:
		return "INITIAL"
	case stateHelloReceived:
		return "HELLO_RECEIVED"
	case stateMailFromReceived:
		return "MAIL_FROM_RECEIVED"
	case stateRcptToReceived:
		return "RCPT_TO_RECEIVED"
	case stateReceivingData:
		return "RECEIVING_DATA"
	}
	return "UNKNOWN"
}

const (
	maxLineLength      = 4096
	dataFlushThreshold = 8 << 10
	readChunk          = 4096
)

var (
	crlf = []byte("\r\n")

	mailRE = regexp.MustCompile(`(?i)^FROM:\s*<([^>]*)>((?:\s+\S+)*)\s*$`)
	rcptRE = regexp.MustCompile(`(?i)^TO:\s*<([^>]*)>((?:\s+\S+)*)\s*$`)
)

// Session is the protocol state of one connection. It is owned by the
// goroutine running serve and never shared.
type Session struct {
	ID         uuid.UUID
	RemoteAddr string

	server *Server
	raw    net.Conn
	conn   net.Conn
	w      *bufio.Writer
	log    zerolog.Logger

	implicitTLS   bool
	tlsActive     bool
	authenticated bool
	state         state
	helo          string
	extended      bool

	sender     string
	recipients []string

	buf []byte

	// data capture, sink is non nil only in stateReceivingData
	sink          Sink
	messageID     uuid.UUID
	bytesReceived int64
	atLineStart   bool
	out           bytes.Buffer
	discard       bool

	auth     authStep
	authUser string

	lastCode int
	skipLine bool
	upgrade  bool
	closing  bool
}

func newSession(id uuid.UUID, server *Server, conn net.Conn, implicitTLS bool) *Session {
	remote := conn.RemoteAddr().String()

	return &Session{
		ID:          id,
		RemoteAddr:  remote,
		server:      server,
		raw:         conn,
		conn:        conn,
		w:           bufio.NewWriter(conn),
		log:         server.log.With().Str("session", id.String()).Str("remote", remote).Logger(),
		implicitTLS: implicitTLS,
		state:       stateInitial,
	}
}

func (s *Session) String() string {
	return s.ID.String()
}

func (s *Session) serve() {
	start := time.Now()
	defer s.close(start)

	if s.implicitTLS {
		if err := s.handshake(); err != nil {
			s.log.Info().Err(err).Msg("tls handshake failed")
			return
		}
	}

	s.log.Debug().Bool("tls", s.tlsActive).Msg("connected")

	s.writeLine(fmt.Sprintf("220 %s ESMTP", s.server.cfg.Hostname))
	if err := s.flush(); err != nil {
		return
	}

	chunk := make([]byte, readChunk)
	for {
		s.conn.SetReadDeadline(time.Now().Add(s.server.cfg.ReadTimeout))

		n, err := s.conn.Read(chunk)
		if n > 0 {
			s.buf = append(s.buf, chunk[:n]...)
			s.process()

			if ferr := s.flush(); ferr != nil {
				s.log.Debug().Err(ferr).Msg("write failed")
				return
			}

			if s.closing {
				return
			}

			if s.upgrade {
				if err := s.startTLS(); err != nil {
					s.log.Info().Err(err).Msg("starttls failed")
					return
				}
				continue
			}
		}

		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.Info().Msg("idle timeout")
				s.writeLine(fmt.Sprintf("421 4.4.2 %s Idle timeout, closing connection", s.server.cfg.Hostname))
				s.flush()
			}
			return
		}
	}
}

// process consumes as much of buf as possible, in line or data mode
func (s *Session) process() {
	defer s.compact()

	for !s.closing && !s.upgrade {
		if s.state == stateReceivingData || s.discard {
			if !s.consumeData() {
				return
			}
			continue
		}

		i := bytes.Index(s.buf, crlf)
		if i < 0 {
			if len(s.buf) > maxLineLength {
				if !s.skipLine {
					s.respond(errLineTooLong)
				}
				s.skipLine = true
				s.buf = s.buf[:0]
			}
			return
		}

		// the tail of an overlong line already answered with 500
		if s.skipLine {
			s.skipLine = false
			s.buf = s.buf[i+2:]
			continue
		}

		if i > maxLineLength {
			s.buf = s.buf[i+2:]
			s.respond(errLineTooLong)
			continue
		}

		line := string(s.buf[:i])
		s.buf = s.buf[i+2:]

		if s.auth != authNone {
			s.continueAuth(line)
			continue
		}

		s.handle(line)
	}
}

func (s *Session) compact() {
	if len(s.buf) == 0 {
		s.buf = s.buf[:0]
		return
	}
	if cap(s.buf) > 4*readChunk && len(s.buf) < readChunk {
		s.buf = append(make([]byte, 0, readChunk), s.buf...)
	}
}

func (s *Session) handle(line string) {
	verb, arg := line, ""
	if i := strings.IndexByte(line, ' '); i >= 0 {
		verb, arg = line[:i], strings.TrimSpace(line[i+1:])
	}
	verb = strings.ToUpper(verb)

	switch verb {
	case "EHLO", "HELO":
		s.handleHello(verb, arg)
	case "MAIL":
		s.handleMail(arg)
	case "RCPT":
		s.handleRcpt(arg)
	case "DATA":
		s.handleData()
	case "RSET":
		s.resetEnvelope()
		s.state = stateHelloReceived
		s.respond(replyReset)
	case "NOOP":
		s.respond(replyOK)
	case "VRFY", "EXPN":
		s.respond(replyCannotVfy)
	case "STARTTLS":
		s.handleStartTLS()
	case "AUTH":
		s.handleAuth(arg)
	case "QUIT":
		s.writeLine(fmt.Sprintf("221 2.0.0 %s Service closing transmission channel", s.server.cfg.Hostname))
		s.lastCode = 221
		s.closing = true
	default:
		verb = "UNKNOWN"
		s.respond(errUnknownCmd)
	}

	metrics.Commands.WithLabelValues(verb, strconv.Itoa(s.lastCode)).Inc()
}

func (s *Session) handleHello(verb, arg string) {
	if s.state != stateInitial && s.state != stateHelloReceived {
		s.respond(errBadSequence)
		return
	}

	if arg == "" {
		s.respond(errHelloSyntax)
		return
	}

	s.resetEnvelope()
	s.helo = arg
	s.extended = verb == "EHLO"
	s.state = stateHelloReceived

	if !s.extended {
		s.writeLine(fmt.Sprintf("250 %s", s.server.cfg.Hostname))
		s.lastCode = 250
		return
	}

	caps := []string{
		fmt.Sprintf("%s Hello %s", s.server.cfg.Hostname, s.RemoteAddr),
		"PIPELINING",
		fmt.Sprintf("SIZE %d", s.server.cfg.MaxSize),
	}
	if s.server.tlsConfig != nil && !s.tlsActive {
		caps = append(caps, "STARTTLS")
	}
	caps = append(caps, "AUTH PLAIN LOGIN", "HELP")

	for i, c := range caps {
		sep := "-"
		if i == len(caps)-1 {
			sep = " "
		}
		s.writeLine("250" + sep + c)
	}
	s.lastCode = 250
}

func (s *Session) handleMail(arg string) {
	if s.state != stateInitial && s.state != stateHelloReceived {
		s.respond(errBadSequence)
		return
	}

	m := mailRE.FindStringSubmatch(arg)
	if m == nil {
		s.respond(errMailSyntax)
		return
	}

	address, ok := mailbox(m[1])
	if !ok {
		s.respond(errBadSender)
		return
	}

	// reject early when the client declares a size we will not take
	for _, param := range strings.Fields(m[2]) {
		k, v, _ := strings.Cut(param, "=")
		if !strings.EqualFold(k, "SIZE") {
			continue
		}
		if size, err := strconv.ParseInt(v, 10, 64); err == nil && size > s.server.cfg.MaxSize {
			s.respond(errTooBig)
			return
		}
	}

	s.sender = address
	s.recipients = nil
	s.state = stateMailFromReceived

	s.log.Debug().Str("from", address).Msg("mail")
	s.respond(replySenderOK)
}

func (s *Session) handleRcpt(arg string) {
	if s.state != stateMailFromReceived && s.state != stateRcptToReceived {
		s.respond(errBadSequence)
		return
	}

	m := rcptRE.FindStringSubmatch(arg)
	if m == nil {
		s.respond(errRcptSyntax)
		return
	}

	address, ok := mailbox(m[1])
	if !ok {
		s.respond(errBadRcpt)
		return
	}

	if strings.EqualFold(address, s.sender) {
		s.respond(errRcptIsSender)
		return
	}

	dup := false
	for _, r := range s.recipients {
		if strings.EqualFold(r, address) {
			dup = true
			break
		}
	}
	if !dup {
		s.recipients = append(s.recipients, address)
	}
	s.state = stateRcptToReceived

	s.log.Debug().Str("to", address).Msg("rcpt")
	s.respond(replyRcptOK)
}

// mailbox accepts a bare addr-spec with a local part and a domain
func mailbox(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.ContainsAny(raw, " \t") {
		return "", false
	}

	addr, err := mail.ParseAddress("<" + raw + ">")
	if err != nil {
		return "", false
	}

	at := strings.LastIndexByte(addr.Address, '@')
	if at <= 0 || at == len(addr.Address)-1 {
		return "", false
	}

	return addr.Address, true
}

func (s *Session) handleData() {
	if s.state != stateRcptToReceived {
		if s.state == stateMailFromReceived {
			s.respond(errNeedRcpt)
		} else {
			s.respond(errBadSequence)
		}
		return
	}

	id, err := uuid.NewRandom()
	if err != nil {
		s.log.Error().Err(err).Msg("uuid.NewRandom")
		s.respond(errLocal)
		return
	}

	sink, err := s.server.store.Create()
	if err != nil {
		s.log.Error().Err(err).Msg("unable to create message")
		s.respond(errLocal)
		return
	}

	if _, err := sink.Write([]byte(s.received(id))); err != nil {
		s.log.Error().Err(err).Msg("unable to write trace header")
		sink.Abort()
		s.respond(errLocal)
		return
	}

	s.sink = sink
	s.messageID = id
	s.bytesReceived = 0
	s.atLineStart = true
	s.state = stateReceivingData

	s.respond(replyStartData)
}

func (s *Session) received(id uuid.UUID) string {
	protocol := "SMTP"
	if s.extended {
		protocol = "ESMTP"
		if s.tlsActive {
			protocol += "S"
		}
		if s.authenticated {
			protocol += "A"
		}
	}

	return fmt.Sprintf(
		"Received: from %s (%s)\r\n\tby %s with %s id %s;\r\n\t%s\r\n",
		s.helo,
		s.RemoteAddr,
		s.server.cfg.Hostname,
		protocol,
		id,
		time.Now().Format(time.RFC1123Z),
	)
}

// consumeData moves complete lines from buf into the sink, undoing dot
// stuffing. It returns true once the terminator has been consumed.
func (s *Session) consumeData() bool {
	s.out.Reset()
	done := false

	for {
		i := bytes.Index(s.buf, crlf)
		if i < 0 {
			break
		}

		line := s.buf[:i]
		s.buf = s.buf[i+2:]

		if s.atLineStart && len(line) > 0 && line[0] == '.' {
			if len(line) == 1 {
				done = true
				break
			}
			line = line[1:]
		}

		s.out.Write(line)
		s.out.Write(crlf)
		s.atLineStart = true
	}

	// a long unterminated line is flushed early, keeping a dangling CR so
	// the CRLF is never split
	if !done && len(s.buf) > dataFlushThreshold {
		n := len(s.buf)
		if s.buf[n-1] == '\r' {
			n--
		}

		chunk := s.buf[:n]
		if s.atLineStart && chunk[0] == '.' {
			chunk = chunk[1:]
		}
		s.out.Write(chunk)

		s.buf = append(s.buf[:0], s.buf[n:]...)
		s.atLineStart = false
	}

	if s.out.Len() > 0 {
		s.writeData(s.out.Bytes())
	}

	if done {
		s.finishData()
	}

	return done
}

func (s *Session) writeData(b []byte) {
	if s.discard || s.sink == nil {
		return
	}

	if s.bytesReceived+int64(len(b)) > s.server.cfg.MaxSize {
		s.log.Info().Int64("limit", s.server.cfg.MaxSize).Msg("message too big")
		metrics.Messages.WithLabelValues("oversize").Inc()
		s.abortData(errTooBig)
		return
	}

	if _, err := s.sink.Write(b); err != nil {
		s.log.Error().Err(err).Msg("unable to write message")
		metrics.Messages.WithLabelValues("storeerror").Inc()
		s.abortData(errLocal)
		return
	}

	s.bytesReceived += int64(len(b))
}

// abortData drops the partial message and swallows the rest of the body
// up to the terminator
func (s *Session) abortData(r *gosmtp.SMTPError) {
	if err := s.sink.Abort(); err != nil {
		s.log.Error().Err(err).Msg("unable to remove partial message")
	}
	s.sink = nil
	s.discard = true
	s.resetEnvelope()
	s.state = stateHelloReceived
	s.respond(r)
}

func (s *Session) finishData() {
	if s.discard {
		s.discard = false
		return
	}

	sink := s.sink
	s.sink = nil

	sender, recipients, size, id := s.sender, s.recipients, s.bytesReceived, s.messageID
	s.resetEnvelope()
	s.state = stateHelloReceived

	log := s.log.With().Str("message", id.String()).Logger()

	if err := sink.Close(); err != nil {
		log.Error().Err(err).Msg("unable to close message")
		metrics.Messages.WithLabelValues("storeerror").Inc()
		s.respond(errLocal)
		return
	}

	path, err := s.server.store.Save(sink.Path(), sender, recipients)
	if err != nil {
		log.Error().Err(err).Msg("unable to save message")
		metrics.Messages.WithLabelValues("storeerror").Inc()
		s.respond(errLocal)
		return
	}

	log.Info().
		Str("from", sender).
		Strs("rcpts", recipients).
		Int64("size", size).
		Str("path", path).
		Msg("accepted")
	metrics.Messages.WithLabelValues("accepted").Inc()

	s.respond(reply(250, gosmtp.EnhancedCode{2, 0, 0}, "OK: queued as "+id.String()))

	s.server.dispatch(queue.Task{
		ID:         id,
		Path:       path,
		Sender:     sender,
		Recipients: recipients,
		Size:       size,
	}, log)
}

func (s *Session) resetEnvelope() {
	s.sender = ""
	s.recipients = nil
	s.bytesReceived = 0
}

func (s *Session) handleStartTLS() {
	if s.server.tlsConfig == nil {
		s.respond(errNoTLS)
		return
	}
	if s.tlsActive {
		s.respond(errTLSActive)
		return
	}
	if s.state != stateHelloReceived {
		s.respond(errBadSequence)
		return
	}

	s.respond(replyReadyTLS)
	s.upgrade = true
}

// startTLS runs once the 220 has been flushed. Anything already buffered
// arrived over plaintext and is dropped.
func (s *Session) startTLS() error {
	s.upgrade = false
	s.skipLine = false
	s.buf = s.buf[:0]

	if err := s.handshake(); err != nil {
		s.raw.SetWriteDeadline(time.Now().Add(time.Second))
		s.raw.Write([]byte(format(errTLSFailed) + "\r\n"))
		return err
	}

	s.state = stateInitial
	s.authenticated = false
	s.helo = ""
	s.extended = false
	s.resetEnvelope()

	s.log.Debug().Msg("tls active")

	return nil
}

func (s *Session) handshake() error {
	conn := tls.Server(s.raw, s.server.tlsConfig)
	conn.SetDeadline(time.Now().Add(s.server.cfg.ReadTimeout))

	if err := conn.Handshake(); err != nil {
		return errors.WithMessage(err, "Handshake")
	}
	conn.SetDeadline(time.Time{})

	s.conn = conn
	s.w.Reset(conn)
	s.tlsActive = true

	return nil
}

func (s *Session) respond(r *gosmtp.SMTPError) {
	s.writeLine(format(r))
	s.lastCode = r.Code
}

func (s *Session) writeLine(line string) {
	s.w.WriteString(line)
	s.w.Write(crlf)
}

func (s *Session) flush() error {
	if s.w.Buffered() == 0 {
		return nil
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.server.cfg.ReadTimeout))
	return s.w.Flush()
}

func (s *Session) close(start time.Time) {
	if s.sink != nil {
		if err := s.sink.Abort(); err != nil {
			s.log.Error().Err(err).Msg("unable to remove partial message")
		}
		s.sink = nil
	}

	s.conn.Close()

	s.log.Debug().Dur("took", time.Since(start)).Msg("closed")
}
