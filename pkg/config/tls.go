// QlikClaw - Qlik Sense engine tools for MCP clients
// License: MIT
//
// Copyright (c) 2026 QlikClaw contributors

package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfig builds the client TLS settings shared by the Repository API
// client and the engine WebSocket dialer. A CA file replaces the system
// roots; a client certificate pair is presented when configured. With
// VerifySSL off the server certificate is not checked.
func (c *Config) TLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if !c.VerifySSL {
		cfg.InsecureSkipVerify = true
	} else if c.CACertPath != "" {
		pool, err := loadCAPool(c.CACertPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if c.ClientCertPath != "" && c.ClientKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCertPath, c.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load client cert/key: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", path)
	}
	return pool, nil
}
