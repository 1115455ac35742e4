// Package conn implements the Connection Handler: the per-client-socket
// state machine that runs version negotiation and authentication, then
// demultiplexes inbound frames to sessions and multiplexes session
// output back onto the wire.
package conn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terminox/agent/internal/audit"
	"github.com/terminox/agent/internal/authn"
	"github.com/terminox/agent/internal/codec"
	"github.com/terminox/agent/internal/compress"
	"github.com/terminox/agent/internal/logger"
	"github.com/terminox/agent/internal/ptysup"
	"github.com/terminox/agent/internal/reconnect"
	"github.com/terminox/agent/internal/ring"
	"github.com/terminox/agent/internal/session"
)

// ServerConfig bounds the behavior shared by every connection a Server
// accepts.
type ServerConfig struct {
	MaxMessageSize    int
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	ShellAllowlist    []string
	EnvPolicy         ptysup.EnvPolicy
	RingConfig        ring.Config
	CompressPolicy    compress.Policy
	ReconnectEnabled  bool
}

// DefaultServerConfig matches the agent's out-of-the-box sizing.
var DefaultServerConfig = ServerConfig{
	MaxMessageSize:    codec.DefaultMaxMessageSize,
	HeartbeatInterval: 30 * time.Second,
	IdleTimeout:       0,
	RingConfig:        ring.DefaultConfig,
	CompressPolicy:    compress.DefaultPolicy,
	ReconnectEnabled:  true,
}

// Server owns the components shared by every connection: the session
// registry, the reconnection manager, and the authenticator.
type Server struct {
	Registry  *session.Registry
	Reconnect *reconnect.Manager
	Auth      *authn.Authenticator
	Config    ServerConfig

	// Audit, if set, receives a record of every connection and session
	// lifecycle event. Nil disables audit logging.
	Audit audit.Logger
}

// NewServer wires a Server from its component managers.
func NewServer(registry *session.Registry, rc *reconnect.Manager, auth *authn.Authenticator, cfg ServerConfig) *Server {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultServerConfig.MaxMessageSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultServerConfig.HeartbeatInterval
	}
	if cfg.RingConfig.MaxSizeBytes == 0 {
		cfg.RingConfig = DefaultServerConfig.RingConfig
	}
	return &Server{Registry: registry, Reconnect: rc, Auth: auth, Config: cfg}
}

// Serve accepts connections on ln until ctx is cancelled, handling each
// one in its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("conn: accept: %w", err)
			}
		}
		go func() {
			conn := newConnection(s, c)
			if s.Audit != nil {
				audit.LogConnectionOpened(s.Audit, conn.id, c.RemoteAddr().String())
			}
			if err := conn.serve(ctx); err != nil && !errors.Is(err, io.EOF) {
				logger.Log.Warn("connection closed", "connectionId", conn.id, "error", err)
			}
		}()
	}
}

// trackedSession is the connection-local view of a session: the wire
// protocol addresses sessions by a per-connection int32 wireID (the
// frame header's sessionId field), while the registry addresses them
// by a stable string ID, so every tracked session carries both.
type trackedSession struct {
	wireID   int32
	ms       *session.ManagedSession
	handle   *ptysup.Handle
	buf      *ring.Buffer
	flow     *flowController
	compress *compress.Compressor
	lastSent int64
	cols     int
	rows     int
}

// Connection is one client socket from version negotiation through
// close.
type Connection struct {
	id  string
	raw net.Conn
	srv *Server

	writeMu sync.Mutex

	authenticated bool

	sessMu     sync.Mutex
	sessions   map[string]*trackedSession // keyed by registry session ID
	byWireID   map[int32]*trackedSession
	nextWireID int32
}

func newConnection(srv *Server, raw net.Conn) *Connection {
	return &Connection{
		id:       uuid.New().String(),
		raw:      raw,
		srv:      srv,
		sessions: make(map[string]*trackedSession),
		byWireID: make(map[int32]*trackedSession),
	}
}

// track registers a session under a freshly assigned wireID and returns
// it, under sessMu.
func (c *Connection) track(ms *session.ManagedSession, handle *ptysup.Handle, buf *ring.Buffer, comp *compress.Compressor) *trackedSession {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	c.nextWireID++
	ts := &trackedSession{
		wireID:   c.nextWireID,
		ms:       ms,
		handle:   handle,
		buf:      buf,
		flow:     newFlowController(),
		compress: comp,
	}
	c.sessions[ms.ID] = ts
	c.byWireID[ts.wireID] = ts
	return ts
}

func (c *Connection) untrack(id string) {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	if ts, ok := c.sessions[id]; ok {
		delete(c.byWireID, ts.wireID)
	}
	delete(c.sessions, id)
}

func (c *Connection) serve(ctx context.Context) error {
	defer c.raw.Close()
	defer c.onClose()

	if err := c.negotiateVersion(); err != nil {
		return err
	}
	if err := c.exchangeCapabilities(); err != nil {
		return err
	}

	for {
		frame, err := codec.ReadFrame(c.raw, c.srv.Config.MaxMessageSize)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			var perr *codec.ProtocolError
			if errors.As(err, &perr) {
				c.sendError(0, *perr)
				if perr.Fatal {
					return err
				}
				continue
			}
			return err
		}
		if err := c.dispatch(ctx, frame); err != nil {
			logger.Log.Warn("dispatch error", "connectionId", c.id, "frameType", frame.Type, "error", err)
		}
	}
}

func (c *Connection) negotiateVersion() error {
	frame, err := codec.ReadFrame(c.raw, c.srv.Config.MaxMessageSize)
	if err != nil {
		return err
	}
	if frame.Type != codec.TypeVersionNegotiation {
		return c.writeFrame(codec.Frame{
			Type: codec.TypeError,
			Payload: codec.ErrorPayload{
				Code: string(codec.VersionMismatch), Message: "expected VersionNegotiation first", Fatal: true,
			}.Encode(),
		})
	}
	neg, err := codec.DecodeVersionNegotiation(frame.Payload)
	if err != nil {
		return err
	}

	accepted := neg.MinVersion <= codec.ProtocolVersion && codec.ProtocolVersion <= neg.MaxVersion
	resp := codec.VersionResponse{SelectedVersion: codec.ProtocolVersion, ServerVersion: codec.ProtocolVersion, Accepted: accepted}
	if !accepted {
		resp.RejectionReason = fmt.Sprintf("server only speaks version %d", codec.ProtocolVersion)
	}
	if err := c.writeFrame(codec.Frame{Type: codec.TypeVersionResponse, Payload: resp.Encode()}); err != nil {
		return err
	}
	if !accepted {
		return &codec.ProtocolError{Code: codec.VersionMismatch, Detail: resp.RejectionReason, Fatal: true}
	}
	return nil
}

func (c *Connection) exchangeCapabilities() error {
	frame, err := codec.ReadFrame(c.raw, c.srv.Config.MaxMessageSize)
	if err != nil {
		return err
	}
	if frame.Type != codec.TypeCapabilityExchange {
		return &codec.ProtocolError{Code: codec.AuthRequired, Detail: "expected CapabilityExchange", Fatal: true}
	}
	ce, err := codec.DecodeCapabilityExchange(frame.Payload)
	if err != nil {
		return err
	}

	var tlsState *tls.ConnectionState
	if tconn, ok := c.raw.(*tls.Conn); ok {
		st := tconn.ConnectionState()
		tlsState = &st
	}

	authErr := c.srv.Auth.Authenticate(c.id, ce.AuthToken, tlsState)
	resp := codec.CapabilityResponse{
		Accepted:     authErr == nil,
		Capabilities: []string{"pty", "reconnect", "multiplex"},
	}
	if authErr != nil {
		resp.RejectionReason = authErr.Error()
	}
	if c.srv.Audit != nil {
		if authErr != nil {
			audit.LogConnectionAuthFailed(c.srv.Audit, c.id, authErr.Error())
		} else {
			audit.LogConnectionAuthenticated(c.srv.Audit, c.id)
		}
	}
	if err := c.writeFrame(codec.Frame{Type: codec.TypeCapabilityResponse, Payload: resp.Encode()}); err != nil {
		return err
	}
	if authErr != nil {
		code := codec.NotAuthorized
		if errors.Is(authErr, authn.ErrAuthRequired) {
			code = codec.AuthRequired
		}
		c.sendError(0, codec.ProtocolError{Code: code, Detail: authErr.Error(), Fatal: true})
		return authErr
	}
	c.authenticated = true
	return nil
}

func (c *Connection) writeFrame(f codec.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return codec.WriteFrame(c.raw, f)
}

func (c *Connection) sendError(sessionID int32, perr codec.ProtocolError) {
	_ = c.writeFrame(codec.Frame{
		SessionID: sessionID,
		Type:      codec.TypeError,
		Payload: codec.ErrorPayload{
			Code: string(perr.Code), Message: perr.Detail, Fatal: perr.Fatal,
		}.Encode(),
	})
}

// onClose runs when the socket closes: every session this connection
// owns is marked detached (if reconnection is enabled) or terminated
// outright, and its disconnection position is recorded for replay.
func (c *Connection) onClose() {
	c.sessMu.Lock()
	tracked := make([]*trackedSession, 0, len(c.sessions))
	for _, ts := range c.sessions {
		tracked = append(tracked, ts)
	}
	c.sessMu.Unlock()

	for _, ts := range tracked {
		if c.srv.Config.ReconnectEnabled {
			c.srv.Registry.MarkDisconnected(ts.ms.ID)
			c.srv.Reconnect.RecordDisconnection(c.id, ts.ms.ID, ts.lastSent)
			c.srv.Reconnect.UpdateStateSnapshot(ts.ms.ID, buildSnapshot(ts))
			if c.srv.Audit != nil {
				audit.LogSessionDetached(c.srv.Audit, ts.ms.ID)
			}
		} else {
			c.srv.Registry.TerminateSession(ts.ms.ID, "connection closed, reconnection disabled")
			if c.srv.Audit != nil {
				audit.LogSessionTerminated(c.srv.Audit, ts.ms.ID, "connection closed, reconnection disabled")
			}
		}
	}
	c.srv.Auth.Reset(c.id)
	if c.srv.Audit != nil {
		audit.LogConnectionClosed(c.srv.Audit, c.id)
	}
}
