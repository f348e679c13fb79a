// Package listener is the Listener Supervisor (C7): it binds whichever of
// the four ports are configured, accepts connections, and dispatches each
// to the SMTP or POP3 session engine with the right TLS mode, across up to
// four independent net.Listeners.
package listener

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/localmail/m365gateway/internal/config"
	"github.com/localmail/m365gateway/internal/metrics"
	"github.com/localmail/m365gateway/internal/mlog"
	"github.com/localmail/m365gateway/internal/pop3server"
)

// drainTimeout bounds graceful shutdown, per §4.7.
const drainTimeout = 30 * time.Second

// Supervisor owns every bound listener for one process lifetime.
type Supervisor struct {
	cfg     *config.Snapshot
	smtpSrv *smtp.Server
	pop3Srv *pop3server.Server
	log     *mlog.Logger

	mu        sync.Mutex
	listeners []net.Listener
}

// New builds a Supervisor around already-constructed SMTP/POP3 servers.
func New(cfg *config.Snapshot, smtpSrv *smtp.Server, pop3Srv *pop3server.Server, log *mlog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, smtpSrv: smtpSrv, pop3Srv: pop3Srv, log: log}
}

// Run binds every enabled port and serves until ctx is canceled, then closes
// the listeners and the SMTP server and waits up to drainTimeout for the
// accept loops to return. POP3 sessions that are already running are not
// tracked here and are not waited for.
func (s *Supervisor) Run(ctx context.Context) error {
	var serveErrs []error
	var wg sync.WaitGroup

	bind := func(kind string, port int, startTLS bool, serve func(net.Listener) error) {
		if port == 0 {
			return
		}
		addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			serveErrs = append(serveErrs, fmt.Errorf("listen %s on %s: %w", kind, addr, err))
			return
		}
		if startTLS {
			tlsConf, terr := s.tlsConfigFor(kind)
			if terr != nil {
				serveErrs = append(serveErrs, terr)
				ln.Close()
				return
			}
			ln = tls.NewListener(ln, tlsConf)
		}

		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		s.mu.Unlock()

		s.log.Infof("%s listening on %s", kind, addr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := serve(countingListener{ln, kind}); err != nil && ctx.Err() == nil {
				s.log.Errorx(fmt.Sprintf("%s listener stopped unexpectedly", kind), err)
			}
		}()
	}

	bind("smtp", s.cfg.Ports.SMTP, false, s.smtpSrv.Serve)
	bind("smtps", s.cfg.Ports.SMTPS, true, s.smtpSrv.Serve)
	bind("pop3", s.cfg.Ports.POP3, false, func(l net.Listener) error { return s.pop3Srv.Serve(l, false) })
	bind("pop3s", s.cfg.Ports.POP3S, true, func(l net.Listener) error { return s.pop3Srv.Serve(l, true) })

	if len(serveErrs) > 0 {
		s.closeListeners()
		return fmt.Errorf("listener supervisor: %v", serveErrs)
	}

	<-ctx.Done()
	s.log.Infof("shutting down: closing listeners, draining up to %s", drainTimeout)
	s.closeListeners()
	s.smtpSrv.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		s.log.Warnf("drain window elapsed before all sessions finished")
	}
	return nil
}

func (s *Supervisor) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		ln.Close()
	}
}

// tlsConfigFor returns the appropriate pre-built TLS config for a
// TLS-from-start listener. Both session engines load and store their own
// config.TLSMaterial-derived *tls.Config at construction time; the
// supervisor reuses whichever one matches the listener kind instead of
// loading the certificate a second time.
func (s *Supervisor) tlsConfigFor(kind string) (*tls.Config, error) {
	switch kind {
	case "smtps":
		if s.smtpSrv.TLSConfig == nil {
			return nil, fmt.Errorf("smtps enabled but no TLS material configured")
		}
		return s.smtpSrv.TLSConfig, nil
	case "pop3s":
		if s.pop3Srv.TLSConfig == nil {
			return nil, fmt.Errorf("pop3s enabled but no TLS material configured")
		}
		return s.pop3Srv.TLSConfig, nil
	default:
		return nil, fmt.Errorf("unknown TLS-from-start listener kind %q", kind)
	}
}

// countingListener increments the connections-accepted metric on every
// successful Accept, labeled by listener kind.
type countingListener struct {
	net.Listener
	kind string
}

func (c countingListener) Accept() (net.Conn, error) {
	conn, err := c.Listener.Accept()
	if err == nil {
		metrics.Connections.WithLabelValues(c.kind).Inc()
	}
	return conn, err
}
