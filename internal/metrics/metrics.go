package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	Connections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mxd_smtp_connections_total",
			Help: "Accepted SMTP connections.",
		},
		[]string{
			"listener", // "plain" or "tls"
		},
	)
	Commands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mxd_smtp_commands_total",
			Help: "SMTP commands handled, by verb and reply code.",
		},
		[]string{
			"cmd",
			"code",
		},
	)
	Messages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mxd_smtp_messages_total",
			Help: "Messages at the end of DATA. Result values: accepted, oversize, storeerror.",
		},
		[]string{
			"result",
		},
	)
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mxd_delivery_attempts_total",
			Help: "Outbound delivery attempts per recipient. Outcome values: sent, failed.",
		},
		[]string{
			"outcome",
		},
	)
)

// Server exposes the default registry and a liveness check
type Server struct {
	router *httprouter.Router
	srv    *http.Server
	log    zerolog.Logger
}

func NewServer(addr string, log zerolog.Logger) *Server {
	s := &Server{
		router: httprouter.New(),
		log:    log.With().Str("component", "admin").Logger(),
	}

	s.router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	s.router.GET("/healthz", s.healthz)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

// Run serves until ctx is done
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return errors.WithMessage(err, "ListenAndServe")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.srv.Shutdown(shutdownCtx)
}
