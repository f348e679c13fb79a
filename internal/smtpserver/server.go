package smtpserver

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/localmail/m365gateway/internal/config"
)

// NewServer builds a *smtp.Server against backend, with SMTPS/STARTTLS
// wired from the snapshot's TLS material and SASL PLAIN/LOGIN enabled.
func NewServer(cfg *config.Snapshot, backend *Backend, requireTLSFromStart bool) (*smtp.Server, error) {
	srv := smtp.NewServer(backend)
	srv.Domain = cfg.BindAddress
	srv.MaxMessageBytes = int(cfg.AttachmentLimitBytes)
	srv.MaxRecipients = 100
	srv.ReadTimeout = 5 * 60 * time.Second
	srv.WriteTimeout = 5 * 60 * time.Second
	srv.AllowInsecureAuth = !requireTLSFromStart // STARTTLS is offered instead when not TLS-from-start

	// Both mechanisms are wired explicitly rather than relying on the
	// library's default PLAIN-only registration, calling Backend.Login
	// directly with a nil ConnectionState when the state isn't otherwise
	// needed.
	srv.EnableAuth(sasl.Plain, func(conn *smtp.Conn) sasl.Server {
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return fmt.Errorf("identities are not supported")
			}
			session, err := backend.Login(nil, username, password)
			if err != nil {
				return err
			}
			conn.SetSession(session)
			return nil
		})
	})
	srv.EnableAuth(sasl.Login, func(conn *smtp.Conn) sasl.Server {
		return sasl.NewLoginServer(func(username, password string) error {
			session, err := backend.Login(nil, username, password)
			if err != nil {
				return err
			}
			conn.SetSession(session)
			return nil
		})
	})

	if cfg.TLS.CertPath != "" && cfg.TLS.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load TLS material: %w", err)
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	} else if requireTLSFromStart {
		return nil, fmt.Errorf("smtps requires tls.cert_path/key_path")
	}

	return srv, nil
}
