package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jawr/mxd/internal/auth"
	"github.com/jawr/mxd/internal/cache"
	"github.com/jawr/mxd/internal/client"
	"github.com/jawr/mxd/internal/config"
	"github.com/jawr/mxd/internal/delivery"
	"github.com/jawr/mxd/internal/dns"
	"github.com/jawr/mxd/internal/maildir"
	"github.com/jawr/mxd/internal/metrics"
	"github.com/jawr/mxd/internal/queue"
	"github.com/jawr/mxd/internal/smtp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "runs the smtp listeners and delivery workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, log)
		},
		DisableAutoGenTag: true,
	}

	cmd.Flags().String("hostname", "", "name used in the greeting and trace headers")
	cmd.Flags().String("listen.plain", ":25", "plaintext listener address")
	cmd.Flags().String("listen.tls", ":587", "implicit tls listener address")
	cmd.Flags().String("storage.root", "./storage", "storage root, messages live under <root>/maildir")
	cmd.Flags().Bool("delivery.enabled", false, "relay accepted messages to external recipients")
	cmd.Flags().String("admin.listen", "", "address for /metrics and /healthz, disabled when empty")

	return cmd
}

func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := maildir.NewStore(filepath.Join(cfg.Storage.Root, "maildir"))
	if err != nil {
		return errors.WithMessage(err, "maildir.NewStore")
	}

	mxCache, err := cache.NewCache(time.Minute)
	if err != nil {
		return errors.WithMessage(err, "NewCache")
	}
	defer mxCache.Close()

	resolver := dns.NewResolver(cfg.DNS.Server, cfg.DNS.Timeout, mxCache)
	engine := delivery.NewEngine(
		delivery.Config{
			Enabled:         cfg.Delivery.Enabled,
			InternalDomains: cfg.Delivery.InternalDomains,
		},
		resolver,
		newClient(cfg, log),
		log,
	)
	worker := queue.NewWorker(engine, store, log)

	validator, closeValidator, err := newValidator(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeValidator()

	// tls is best effort, plaintext keeps running without it
	var tlsConfig *tls.Config
	if cfg.TLS.Cert != "" {
		tlsConfig, err = smtp.LoadTLS(cfg.TLS.Cert, cfg.TLS.Key)
		if err != nil {
			log.Error().Err(err).Msg("tls unavailable, serving plaintext only")
			tlsConfig = nil
		}
	}

	eg, ctx := errgroup.WithContext(ctx)

	var dispatcher queue.Dispatcher
	if cfg.Queue.AMQPURL != "" {
		mq, err := queue.DialAMQP(cfg.Queue.AMQPURL, cfg.Queue.Name, log)
		if err != nil {
			return errors.WithMessage(err, "DialAMQP")
		}
		defer mq.Close()

		for i := 0; i < cfg.Queue.Workers; i++ {
			name := fmt.Sprintf("%s.worker.%d", cfg.Hostname, i)
			eg.Go(func() error {
				return mq.Consume(ctx, name, worker)
			})
		}
		dispatcher = mq
	} else {
		mem := queue.NewMemory(cfg.Queue.Workers, 128, worker, log)
		eg.Go(func() error {
			return mem.Run(ctx)
		})
		dispatcher = mem
	}

	server := smtp.NewServer(
		smtp.Config{
			Hostname:    cfg.Hostname,
			PlainAddr:   cfg.Listen.Plain,
			TLSAddr:     cfg.Listen.TLS,
			MaxSize:     cfg.SMTP.MaxSize,
			ReadTimeout: cfg.SMTP.ReadTimeout,
		},
		tlsConfig,
		smtp.Maildir(store),
		dispatcher,
		validator,
		log,
	)
	eg.Go(func() error {
		return server.Run(ctx)
	})

	if cfg.Admin.Listen != "" {
		admin := metrics.NewServer(cfg.Admin.Listen, log)
		eg.Go(func() error {
			return admin.Run(ctx)
		})
	}

	log.Info().
		Str("hostname", cfg.Hostname).
		Str("maildir", store.Root).
		Bool("delivery", cfg.Delivery.Enabled).
		Bool("tls", tlsConfig != nil).
		Msg("started")

	if err := eg.Wait(); err != nil {
		return errors.WithMessage(err, "Wait")
	}

	log.Info().Msg("stopped")

	return nil
}

func newClient(cfg *config.Config, log zerolog.Logger) *client.Client {
	return client.New(client.Config{
		LocalName:      cfg.Hostname,
		Port:           cfg.Client.Port,
		Timeout:        cfg.Client.Timeout,
		TLS:            client.TLSMode(cfg.Client.TLS),
		VerifyPeer:     cfg.Client.VerifyPeer,
		VerifyPeerName: cfg.Client.VerifyPeerName,
	}, log)
}

// newValidator prefers the accounts database when one is configured
func newValidator(ctx context.Context, cfg *config.Config) (auth.Validator, func(), error) {
	if cfg.Auth.DatabaseURL != "" {
		pg, err := auth.NewPostgres(ctx, cfg.Auth.DatabaseURL)
		if err != nil {
			return nil, nil, errors.WithMessage(err, "auth.NewPostgres")
		}
		return pg, pg.Close, nil
	}

	static, err := auth.NewStatic(cfg.Auth.Username, cfg.Auth.PasswordHash)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "auth.NewStatic")
	}
	return static, func() {}, nil
}
