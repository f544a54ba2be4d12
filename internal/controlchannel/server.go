package controlchannel

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/ksunden/bluesky-queueserver/internal/common"
	"golang.org/x/time/rate"
)

// Server accepts control-channel connections and dispatches each request to
// a Dispatcher. One connection is handled by one goroutine; within a
// connection, requests are processed one at a time, matching the manager's
// single-cooperative-critical-section design.
type Server struct {
	addr       string
	dispatcher *Dispatcher
	logger     *common.Logger

	keyPair        *KeyPair
	jwtSecret      []byte
	tokenRequired  bool
	requestTimeout time.Duration
	connLimiter    *rate.Limiter

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// Options configures a Server.
type Options struct {
	Addr string

	// ServerPrivateKey, when non-empty, is a hex-encoded 32-byte Curve25519
	// private key. When set, every connection is sealed with NaCl box; when
	// empty, connections fall back to plain length-prefixed frames.
	ServerPrivateKey string

	// JWTSecret signs and validates the per-request identity token. A request
	// that carries a token always has it checked against JWTSecret, even when
	// the secret is empty; TokenRequired further demands a non-empty token be
	// present.
	JWTSecret     []byte
	TokenRequired bool

	RequestTimeout time.Duration

	// ConnectionsPerSecond bounds how quickly new connections are accepted,
	// guarding the manager's single critical section against a connection
	// storm. Zero disables the limit.
	ConnectionsPerSecond float64
}

// NewServer builds a Server. It derives the NaCl keypair from
// opts.ServerPrivateKey if present and valid; an invalid key falls back to
// the unencrypted transport rather than failing startup, since the control
// channel is frequently run in a trusted-network development mode.
func NewServer(addr string, dispatcher *Dispatcher, logger *common.Logger, opts Options) *Server {
	s := &Server{
		addr:           addr,
		dispatcher:     dispatcher,
		logger:         logger,
		jwtSecret:      opts.JWTSecret,
		tokenRequired:  opts.TokenRequired,
		requestTimeout: opts.RequestTimeout,
	}
	if s.requestTimeout <= 0 {
		s.requestTimeout = 30 * time.Second
	}

	if opts.ServerPrivateKey != "" {
		if raw, err := hex.DecodeString(opts.ServerPrivateKey); err == nil && len(raw) == 32 {
			var priv [32]byte
			copy(priv[:], raw)
			s.keyPair = KeyPairFromPrivate(priv)
		} else {
			logger.Warn().Msg("control channel: ignoring malformed server private key, falling back to unencrypted transport")
		}
	}

	if opts.ConnectionsPerSecond > 0 {
		s.connLimiter = rate.NewLimiter(rate.Limit(opts.ConnectionsPerSecond), 1)
	}

	return s
}

// ListenAndServe binds the listener and serves connections until ctx is
// cancelled or Close is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	transport := "plaintext"
	if s.keyPair != nil {
		transport = "encrypted"
	}
	s.logger.Info().Str("addr", s.addr).Str("transport", transport).Msg("control channel listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return err
			}
		}

		if s.connLimiter != nil && !s.connLimiter.Allow() {
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting new connections and waits for every open
// connection's handler to return. A handler keeps serving requests until its
// client disconnects or a read, write, or request deadline fails, so Close
// does not return while a client holds an idle connection open.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("panic", toString(r)).Msg("recovered from panic handling control-channel connection")
		}
	}()
	defer conn.Close()

	var sc *SecureConn
	var err error
	if s.keyPair != nil {
		sc, err = handshakeServer(conn, s.keyPair)
		if err != nil {
			s.logger.Warn().Err(err).Msg("control channel: handshake failed")
			return
		}
	} else {
		sc = NewPlainConn(conn)
	}

	for {
		if err := s.handleOneRequest(ctx, sc); err != nil {
			return
		}
	}
}

// handleOneRequest reads one request frame, dispatches it, and writes the
// response frame. It returns a non-nil error only when the connection itself
// should be torn down (read/write failure, or the client disconnected).
func (s *Server) handleOneRequest(ctx context.Context, sc *SecureConn) error {
	reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	raw, err := sc.ReadMessage()
	if err != nil {
		return err
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		resp, _ := json.Marshal(struct{ baseResponse }{fail("malformed request envelope: " + err.Error())})
		return sc.WriteMessage(resp)
	}

	reqLogger := s.logger.WithCorrelationId(common.NewRequestCorrelationId())

	if s.tokenRequired && env.Token == "" {
		resp, _ := json.Marshal(struct{ baseResponse }{fail("missing required identity token")})
		return sc.WriteMessage(resp)
	}
	if env.Token != "" {
		if _, err := ParseToken(s.jwtSecret, env.Token); err != nil {
			resp, _ := json.Marshal(struct{ baseResponse }{fail(err.Error())})
			return sc.WriteMessage(resp)
		}
	}

	start := time.Now()
	type dispatchResult struct {
		payload []byte
		err     error
	}
	done := make(chan dispatchResult, 1)
	go func() {
		payload, err := s.dispatcher.Dispatch(reqCtx, env)
		done <- dispatchResult{payload, err}
	}()

	select {
	case res := <-done:
		if res.err == errNoReply {
			// The dispatcher triggered manager_kill: per contract there is
			// no response, and the process may be about to exit.
			return nil
		}
		if res.err != nil {
			reqLogger.Warn().Str("method", env.Method).Err(res.err).Dur("elapsed", time.Since(start)).Msg("control channel request failed")
			resp, _ := json.Marshal(struct{ baseResponse }{fail(res.err.Error())})
			return sc.WriteMessage(resp)
		}
		reqLogger.Debug().Str("method", env.Method).Dur("elapsed", time.Since(start)).Msg("control channel request handled")
		return sc.WriteMessage(res.payload)
	case <-reqCtx.Done():
		// Transport timeout: the client observes this as a dropped
		// connection, never as {success:false}, per the error taxonomy.
		reqLogger.Warn().Str("method", env.Method).Dur("elapsed", time.Since(start)).Msg("control channel request timed out")
		return reqCtx.Err()
	}
}

func toString(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}
