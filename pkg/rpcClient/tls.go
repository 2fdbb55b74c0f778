package rpcClient

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// TLSMaterial is the PEM encoded client certificate, key and optional CA bundle presented to
// services that require mutual TLS.
type TLSMaterial struct {
	CertPEM []byte
	KeyPEM  []byte
	CAPEM   []byte
}

// LoadTLSMaterial reads PEM files from disk. Empty paths are skipped; a certificate without a key
// (or the reverse) is an error.
func LoadTLSMaterial(certPath, keyPath, caPath string) (*TLSMaterial, error) {
	if certPath == "" && keyPath == "" && caPath == "" {
		return nil, nil
	}
	if (certPath == "") != (keyPath == "") {
		return nil, errors.New("both a TLS certificate and key must be provided")
	}
	m := &TLSMaterial{}
	var err error
	if certPath != "" {
		if m.CertPEM, err = os.ReadFile(certPath); err != nil {
			return nil, fmt.Errorf("failed to read TLS certificate: %w", err)
		}
		if m.KeyPEM, err = os.ReadFile(keyPath); err != nil {
			return nil, fmt.Errorf("failed to read TLS key: %w", err)
		}
	}
	if caPath != "" {
		if m.CAPEM, err = os.ReadFile(caPath); err != nil {
			return nil, fmt.Errorf("failed to read TLS CA bundle: %w", err)
		}
	}
	return m, nil
}

// Config builds a tls.Config from the material. A nil receiver yields a nil config.
func (m *TLSMaterial) Config() (*tls.Config, error) {
	if m == nil {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if len(m.CertPEM) > 0 {
		cert, err := tls.X509KeyPair(m.CertPEM, m.KeyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if len(m.CAPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(m.CAPEM) {
			return nil, errors.New("failed to parse TLS CA bundle")
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
