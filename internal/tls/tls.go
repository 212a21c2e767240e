// Package tls builds the listener TLS configuration for the dev server,
// optionally generating a self-signed certificate for local HTTPS.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loykin/devloop/internal/config"
)

const (
	certName = "tls.crt"
	keyName  = "tls.key"
)

// parseVersion maps a config string onto a TLS version constant.
func parseVersion(ver string) (uint16, error) {
	switch ver {
	case "", "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, nil
	case "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", ver)
	}
}

// Setup returns nil when TLS is disabled. Explicit cert/key files win over
// Dir; with AutoGenerate a missing pair under Dir is created first.
func Setup(c config.TLSConfig) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	minVer, err := parseVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}
	certPath, keyPath := c.CertFile, c.KeyFile
	if certPath == "" || keyPath == "" {
		if c.Dir == "" {
			return nil, errors.New("tls enabled but neither cert_file/key_file nor dir is set")
		}
		certPath, keyPath = filepath.Join(c.Dir, certName), filepath.Join(c.Dir, keyName)
		if c.AutoGenerate && !exists(certPath, keyPath) {
			if err := os.MkdirAll(c.Dir, 0o700); err != nil {
				return nil, fmt.Errorf("create tls dir: %w", err)
			}
			if err := GenerateSelfSigned(certPath, keyPath, c.Hosts); err != nil {
				return nil, fmt.Errorf("generate certificate: %w", err)
			}
			slog.Info("Generated self-signed certificate", "cert", certPath)
		}
	}
	// fail at startup rather than on the first handshake
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:     minVer,
		GetCertificate: reloading(certPath, keyPath),
	}, nil
}

// reloading reads the pair on every handshake so a renewed certificate is
// picked up without a restart.
func reloading(certPath, keyPath string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, err
		}
		return &cert, nil
	}
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}
