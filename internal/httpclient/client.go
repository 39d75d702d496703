// Package httpclient builds the per-virtual-user HTTP clients: keep-alive
// transport, hard connect/read/total timeouts, and optional mTLS loaded
// from the task's certificate configuration.
package httpclient

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/blueberrycongee/lmeterx/internal/config"
	"github.com/blueberrycongee/lmeterx/internal/store"
)

// Options selects client behavior for one task.
type Options struct {
	Timeouts config.ClientConfig
	Cert     *store.CertConfig
	// UploadDir is the root directory certificate paths resolve against.
	UploadDir string
}

// New builds an HTTP client. Each virtual user gets its own client so
// connections are never shared between users.
func New(opts Options) (*http.Client, error) {
	tlsConfig, err := buildTLSConfig(opts.Cert, opts.UploadDir)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   opts.Timeouts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   opts.Timeouts.ConnectTimeout,
		ResponseHeaderTimeout: opts.Timeouts.ReadTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   2,
		ForceAttemptHTTP2:     true,
		TLSClientConfig:       tlsConfig,
	}

	return &http.Client{
		Transport: transport,
		// Total timeout covers connect through body read; streams longer
		// than this are cut off and reported as TIMEOUT.
		Timeout: opts.Timeouts.TotalTimeout,
	}, nil
}

func buildTLSConfig(cert *store.CertConfig, uploadDir string) (*tls.Config, error) {
	if cert == nil {
		return nil, nil
	}

	cfg := &tls.Config{
		InsecureSkipVerify: cert.Insecure,
	}
	if cert.CertFile == "" {
		return cfg, nil
	}

	certPath := resolve(uploadDir, cert.CertFile)
	keyPath := certPath
	if cert.KeyFile != "" {
		keyPath = resolve(uploadDir, cert.KeyFile)
	}

	// A combined PEM bundle carries both blocks in one file, so loading it
	// as both cert and key works for either layout.
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	cfg.Certificates = []tls.Certificate{pair}
	return cfg, nil
}

func resolve(root, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	full := filepath.Join(root, path)
	if _, err := os.Stat(full); err == nil {
		return full
	}
	return path
}
