package pop3server

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/localmail/m365gateway/internal/config"
)

// Server accepts POP3/POP3S connections and spawns one session goroutine
// per connection, running against the Graph-backed Backend instead of a
// local maildir.
type Server struct {
	Backend   *Backend
	TLSConfig *tls.Config // non-nil enables STLS on plaintext listeners
}

// NewServer builds a Server from the validated snapshot's TLS material,
// loading the certificate once so STLS handshakes don't re-read disk per
// connection.
func NewServer(cfg *config.Snapshot, backend *Backend) (*Server, error) {
	srv := &Server{Backend: backend}
	if cfg.TLS.CertPath != "" && cfg.TLS.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load TLS material: %w", err)
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// Serve accepts connections from l until it returns an error (typically
// because l was closed during shutdown). startTLS marks connections as
// already TLS-terminated (for POP3S listeners, where l itself is a
// tls.Listener) so STLS is correctly refused as redundant.
func (srv *Server) Serve(l net.Listener, startTLS bool) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		sess := newSession(conn, srv.Backend, srv.TLSConfig, startTLS)
		go sess.serve()
	}
}
