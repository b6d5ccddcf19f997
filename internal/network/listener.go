package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stormhold-project/stormhold/internal/config"
	"github.com/stormhold-project/stormhold/internal/wire"
)

// Handler receives established connections once the version handshake
// (and optional TLS negotiation) has completed.
type Handler interface {
	HandleConnection(ctx context.Context, conn *Connection)
}

// Listener accepts game client TCP connections and runs the version
// handshake before handing each connection to the orchestrator.
type Listener struct {
	cfg       *config.Config
	handler   Handler
	tlsConfig *tls.Config
	listener  net.Listener
}

// NewListener creates a listener. TLS is offered when the config names a
// certificate/key pair; a load failure disables TLS rather than aborting.
func NewListener(cfg *config.Config, handler Handler) *Listener {
	l := &Listener{cfg: cfg, handler: handler}
	srv := cfg.GetServer()
	if cfg.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(srv.TLSCertFile, srv.TLSKeyFile)
		if err != nil {
			log.Warn().Err(err).Msg("failed to load TLS key pair, encrypted connections disabled")
		} else {
			l.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		}
	}
	return l
}

// Start begins accepting connections. It blocks until ctx is cancelled or
// the listener fails.
func (l *Listener) Start(ctx context.Context) error {
	srv := l.cfg.GetServer()
	addr := fmt.Sprintf("%s:%d", srv.BindAddress, srv.Port)

	// SO_REUSEADDR allows immediate rebinding after a restart.
	lc := ReuseAddrListenConfig()
	var err error
	l.listener, err = lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start listener on %s: %w", addr, err)
	}

	log.Info().Str("addr", addr).Bool("tls", l.tlsConfig != nil).Msg("listener started")

	go func() {
		<-ctx.Done()
		l.listener.Close()
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Info().Msg("listener stopping")
				return nil
			default:
				log.Error().Err(err).Msg("failed to accept connection")
				continue
			}
		}

		log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("new client connection")
		go l.handshake(ctx, conn)
	}
}

// handshake runs the 4-byte version exchange on a fresh socket.
//
// Version 0 requests the legacy plain protocol: the server acknowledges
// with an arbitrary non-zero value and proceeds unencrypted. Version 1
// requests encryption: the server replies 0 and starts a TLS handshake if
// configured, or replies 0xFFFFFFFF and stays plain. Any other version is
// an incompatible peer and the socket is closed without a reply document.
func (l *Listener) handshake(ctx context.Context, raw net.Conn) {
	srv := l.cfg.GetServer()
	timeout := time.Duration(srv.HandshakeTimeout) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	raw.SetDeadline(time.Now().Add(timeout))

	logger := log.With().
		Str("component", "handshake").
		Str("remote", raw.RemoteAddr().String()).
		Logger()

	version, err := wire.ReadHandshake(raw)
	if err != nil {
		logger.Debug().Err(err).Msg("failed to read handshake")
		raw.Close()
		return
	}

	sock := raw
	switch version {
	case wire.VersionPlain:
		if err := wire.WriteHandshakeReply(raw, wire.ReplyPlainAck); err != nil {
			raw.Close()
			return
		}
	case wire.VersionNegotiate:
		if l.tlsConfig != nil {
			if err := wire.WriteHandshakeReply(raw, wire.ReplyTLS); err != nil {
				raw.Close()
				return
			}
			tlsConn := tls.Server(raw, l.tlsConfig)
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				logger.Debug().Err(err).Msg("TLS handshake failed")
				raw.Close()
				return
			}
			sock = tlsConn
		} else {
			if err := wire.WriteHandshakeReply(raw, wire.ReplyNoTLS); err != nil {
				raw.Close()
				return
			}
		}
	default:
		logger.Warn().Uint32("version", version).Msg("incompatible handshake version")
		raw.Close()
		return
	}

	sock.SetDeadline(time.Time{})
	conn := NewConnection(sock, srv.MaxFrameSize)
	l.handler.HandleConnection(ctx, conn)
}

// Addr returns the bound accept address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Stop closes the accept socket. Established connections are unaffected.
func (l *Listener) Stop() error {
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}
