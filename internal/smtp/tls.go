package smtp

import (
	"crypto/tls"
	"encoding/pem"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// LoadTLS reads a PEM certificate and key. When the strict load fails it
// retries with the first certificate and first private key found across
// both files and a reduced option set.
func LoadTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err == nil {
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}, nil
	}

	cert, ferr := loosePair(certFile, keyFile)
	if ferr != nil {
		return nil, errors.WithMessagef(err, "LoadX509KeyPair (fallback: %s)", ferr)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
	}, nil
}

func loosePair(certFile, keyFile string) (tls.Certificate, error) {
	var certPEM, keyPEM []byte

	for _, path := range []string{certFile, keyFile} {
		data, err := os.ReadFile(path)
		if err != nil {
			return tls.Certificate{}, errors.WithMessagef(err, "ReadFile '%s'", path)
		}

		for {
			var block *pem.Block
			block, data = pem.Decode(data)
			if block == nil {
				break
			}

			switch {
			case block.Type == "CERTIFICATE" && certPEM == nil:
				certPEM = pem.EncodeToMemory(block)
			case strings.HasSuffix(block.Type, "PRIVATE KEY") && keyPEM == nil:
				keyPEM = pem.EncodeToMemory(block)
			}
		}
	}

	if certPEM == nil {
		return tls.Certificate{}, errors.New("no certificate block")
	}
	if keyPEM == nil {
		return tls.Certificate{}, errors.New("no private key block")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, errors.WithMessage(err, "X509KeyPair")
	}

	return cert, nil
}
