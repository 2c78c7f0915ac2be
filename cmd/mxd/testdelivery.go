package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jawr/mxd/internal/cache"
	"github.com/jawr/mxd/internal/dns"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newTestDeliveryCmd(load loader) *cobra.Command {
	var sender, recipient string

	cmd := &cobra.Command{
		Use:   "test-delivery <domain>",
		Short: "resolves a domain's mail exchanger and delivers one test message to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(cmd)
			if err != nil {
				return err
			}

			domain := strings.TrimSuffix(strings.ToLower(args[0]), ".")
			if sender == "" {
				sender = "test@" + cfg.Hostname
			}
			if recipient == "" {
				recipient = "postmaster@" + domain
			}

			mxCache, err := cache.NewCache(time.Minute)
			if err != nil {
				return errors.WithMessage(err, "NewCache")
			}
			defer mxCache.Close()

			resolver := dns.NewResolver(cfg.DNS.Server, cfg.DNS.Timeout, mxCache)

			return testDelivery(cmd.Context(), cmd.OutOrStdout(), resolver, newClient(cfg, log), cfg.Hostname, domain, sender, recipient)
		},
		DisableAutoGenTag: true,
	}

	cmd.Flags().StringVar(&sender, "sender", "", "envelope sender (default test@<hostname>)")
	cmd.Flags().StringVar(&recipient, "recipient", "", "envelope recipient (default postmaster@<domain>)")

	return cmd
}

type mxResolver interface {
	ResolveMX(ctx context.Context, domain string) ([]dns.MX, error)
	BestMX(ctx context.Context, domain string) (string, error)
	ResolveA(ctx context.Context, host string) (string, error)
}

type deliverer interface {
	Deliver(ctx context.Context, mxHost, mxIP, sender, recipient string, msg []byte) error
}

// testDelivery walks through every step DeliveryEngine takes for one
// recipient, reporting each as it goes
func testDelivery(ctx context.Context, w io.Writer, resolver mxResolver, client deliverer, hostname, domain, sender, recipient string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	mxs, err := resolver.ResolveMX(ctx, domain)
	if err != nil {
		return errors.WithMessagef(err, "ResolveMX '%s'", domain)
	}
	for _, mx := range mxs {
		fmt.Fprintf(w, "MX %5d %s\n", mx.Priority, mx.Host)
	}

	best, err := resolver.BestMX(ctx, domain)
	if err != nil {
		return errors.WithMessagef(err, "BestMX '%s'", domain)
	}
	fmt.Fprintf(w, "best MX: %s\n", best)

	ip, err := resolver.ResolveA(ctx, best)
	if err != nil {
		return errors.WithMessagef(err, "ResolveA '%s'", best)
	}
	fmt.Fprintf(w, "address: %s\n", ip)

	start := time.Now()
	msg := testMessage(hostname, sender, recipient, time.Now())
	if err := client.Deliver(ctx, best, ip, sender, recipient, msg); err != nil {
		return errors.WithMessagef(err, "Deliver to %s (%s)", best, ip)
	}

	fmt.Fprintf(w, "delivered %s -> %s via %s in %s\n", sender, recipient, best, time.Since(start).Round(time.Millisecond))

	return nil
}

func testMessage(hostname, sender, recipient string, now time.Time) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: <%s>\r\n", sender)
	fmt.Fprintf(&b, "To: <%s>\r\n", recipient)
	fmt.Fprintf(&b, "Subject: mxd test delivery\r\n")
	fmt.Fprintf(&b, "Date: %s\r\n", now.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@%s>\r\n", uuid.New(), hostname)
	fmt.Fprintf(&b, "\r\n")
	fmt.Fprintf(&b, "This is a test message sent by mxd from %s.\r\n", hostname)
	return []byte(b.String())
}
