package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jawr/mxd/internal/dns"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	mxs []dns.MX
	ip  string
	err error
}

func (f *fakeResolver) ResolveMX(ctx context.Context, domain string) ([]dns.MX, error) {
	return f.mxs, f.err
}

func (f *fakeResolver) BestMX(ctx context.Context, domain string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.mxs[0].Host, nil
}

func (f *fakeResolver) ResolveA(ctx context.Context, host string) (string, error) {
	return f.ip, nil
}

type fakeDeliverer struct {
	host, ip, sender, rcpt string
	msg                    []byte
	err                    error
}

func (f *fakeDeliverer) Deliver(ctx context.Context, mxHost, mxIP, sender, recipient string, msg []byte) error {
	f.host, f.ip, f.sender, f.rcpt, f.msg = mxHost, mxIP, sender, recipient, msg
	return f.err
}

func TestTestDelivery(t *testing.T) {
	r := &fakeResolver{
		mxs: []dns.MX{{Host: "mx1.example.com", Priority: 5}, {Host: "mx2.example.com", Priority: 10}},
		ip:  "192.0.2.1",
	}
	d := &fakeDeliverer{}

	var out bytes.Buffer
	err := testDelivery(context.Background(), &out, r, d, "mx.test", "example.com", "test@mx.test", "postmaster@example.com")
	require.NoError(t, err)

	assert.Equal(t, "mx1.example.com", d.host)
	assert.Equal(t, "192.0.2.1", d.ip)
	assert.Equal(t, "postmaster@example.com", d.rcpt)
	assert.Contains(t, string(d.msg), "Subject: mxd test delivery\r\n")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "best MX: mx1.example.com", lines[2])
	assert.Equal(t, "address: 192.0.2.1", lines[3])
}

func TestTestDeliveryFailures(t *testing.T) {
	var out bytes.Buffer

	err := testDelivery(context.Background(), &out, &fakeResolver{err: dns.ErrFailure}, &fakeDeliverer{}, "mx.test", "example.com", "a@mx.test", "b@example.com")
	assert.True(t, errors.Is(err, dns.ErrFailure))

	r := &fakeResolver{mxs: []dns.MX{{Host: "mx1.example.com"}}, ip: "192.0.2.1"}
	err = testDelivery(context.Background(), &out, r, &fakeDeliverer{err: errors.New("550 no")}, "mx.test", "example.com", "a@mx.test", "b@example.com")
	assert.Error(t, err)
}

func TestTestMessage(t *testing.T) {
	now := time.Date(2022, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := string(testMessage("mx.test", "a@mx.test", "b@example.com", now))

	assert.True(t, strings.HasPrefix(msg, "From: <a@mx.test>\r\nTo: <b@example.com>\r\n"))
	assert.Contains(t, msg, "Date: Sun, 02 Jan 2022 03:04:05 +0000\r\n")
	assert.Contains(t, msg, "@mx.test>\r\n\r\n")
}
