package smtp

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jawr/mxd/internal/auth"
	"github.com/jawr/mxd/internal/maildir"
	"github.com/jawr/mxd/internal/metrics"
	"github.com/jawr/mxd/internal/queue"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Sink receives the body of one message until it is closed or aborted
type Sink interface {
	io.Writer
	Close() error
	Abort() error
	Path() string
}

// Store is where accepted messages are written
type Store interface {
	Create() (Sink, error)
	Save(tempPath, sender string, recipients []string) (string, error)
}

// Maildir serves Store from a maildir.Store
func Maildir(store *maildir.Store) Store {
	return maildirStore{Store: store}
}

type maildirStore struct {
	*maildir.Store
}

func (m maildirStore) Create() (Sink, error) {
	d, err := m.Store.Create()
	if err != nil {
		return nil, err
	}
	return d, nil
}

type Config struct {
	Hostname    string
	PlainAddr   string
	TLSAddr     string
	MaxSize     int64
	ReadTimeout time.Duration
}

// Server accepts connections on a plaintext and an implicit TLS listener,
// running one Session per connection
type Server struct {
	cfg        Config
	tlsConfig  *tls.Config
	store      Store
	dispatcher queue.Dispatcher
	validator  auth.Validator
	log        zerolog.Logger

	mu        sync.Mutex
	sessions  map[uuid.UUID]*Session
	listeners []net.Listener
	closed    bool
	wg        sync.WaitGroup
}

// NewServer builds a server, tlsConfig may be nil in which case only
// plaintext is offered
func NewServer(cfg Config, tlsConfig *tls.Config, store Store, dispatcher queue.Dispatcher, validator auth.Validator, log zerolog.Logger) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10 << 20
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Minute
	}

	return &Server{
		cfg:        cfg,
		tlsConfig:  tlsConfig,
		store:      store,
		dispatcher: dispatcher,
		validator:  validator,
		log:        log.With().Str("component", "smtp").Logger(),
		sessions:   make(map[uuid.UUID]*Session),
	}
}

// Run starts the configured listeners and blocks until ctx is done. A
// listener that fails to bind is logged and does not stop the other.
func (s *Server) Run(ctx context.Context) error {
	started := 0

	if s.cfg.PlainAddr != "" {
		if err := s.listen(s.cfg.PlainAddr, false); err != nil {
			s.log.Error().Err(err).Str("addr", s.cfg.PlainAddr).Msg("plaintext listener unavailable")
		} else {
			started++
		}
	}

	if s.cfg.TLSAddr != "" {
		if s.tlsConfig == nil {
			s.log.Warn().Str("addr", s.cfg.TLSAddr).Msg("no tls material, tls listener disabled")
		} else if err := s.listen(s.cfg.TLSAddr, true); err != nil {
			s.log.Error().Err(err).Str("addr", s.cfg.TLSAddr).Msg("tls listener unavailable")
		} else {
			started++
		}
	}

	if started == 0 {
		return errors.New("no listeners started")
	}

	<-ctx.Done()

	s.Close()

	return nil
}

func (s *Server) listen(addr string, implicitTLS bool) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WithMessagef(err, "Listen '%s'", addr)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Serve(ln, implicitTLS); err != nil {
			s.log.Error().Err(err).Str("addr", addr).Msg("serve")
		}
	}()

	return nil
}

// Serve accepts connections on ln until it is closed
func (s *Server) Serve(ln net.Listener, implicitTLS bool) error {
	if implicitTLS && s.tlsConfig == nil {
		return errors.New("implicit tls without tls config")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	kind := "plain"
	if implicitTLS {
		kind = "tls"
	}

	s.log.Info().Str("addr", ln.Addr().String()).Str("listener", kind).Msg("listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}

			return errors.WithMessage(err, "Accept")
		}

		metrics.Connections.WithLabelValues(kind).Inc()

		session, err := s.newSession(conn, implicitTLS)
		if err != nil {
			s.log.Error().Err(err).Msg("unable to create session")
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.remove(session)
			session.serve()
		}()
	}
}

func (s *Server) newSession(conn net.Conn, implicitTLS bool) (*Session, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, errors.WithMessage(err, "uuid.NewRandom")
	}

	session := newSession(id, s, conn, implicitTLS)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("server closed")
	}
	s.sessions[id] = session

	return session, nil
}

func (s *Server) remove(session *Session) {
	s.mu.Lock()
	delete(s.sessions, session.ID)
	s.mu.Unlock()
}

// Sessions returns how many connections are currently open
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close stops the listeners, drops open connections and waits for their
// sessions to clean up
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true
	for _, ln := range s.listeners {
		ln.Close()
	}
	for _, session := range s.sessions {
		session.raw.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// dispatch hands an accepted message to the queue without holding up the
// session that produced it
func (s *Server) dispatch(task queue.Task, log zerolog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.dispatcher.Enqueue(ctx, task); err != nil {
			log.Error().Err(err).Str("message", task.ID.String()).Msg("unable to enqueue delivery")
		}
	}()
}
