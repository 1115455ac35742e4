package conn

import (
	"context"
	"fmt"

	"github.com/terminox/agent/internal/audit"
	"github.com/terminox/agent/internal/codec"
	"github.com/terminox/agent/internal/compress"
	"github.com/terminox/agent/internal/logger"
	"github.com/terminox/agent/internal/ptysup"
	"github.com/terminox/agent/internal/ring"
	"github.com/terminox/agent/internal/session"
)

// dispatch routes one decoded frame to its handler. All session
// operations require prior authentication, enforced here rather than
// per-handler.
func (c *Connection) dispatch(ctx context.Context, frame codec.Frame) error {
	if !c.authenticated {
		c.sendError(frame.SessionID, codec.ProtocolError{Code: codec.AuthRequired, Fatal: true})
		return fmt.Errorf("conn: frame received before authentication")
	}

	switch frame.Type {
	case codec.TypeHeartbeat:
		return c.handleHeartbeat(frame)
	case codec.TypeCreate:
		return c.handleCreate(ctx, frame)
	case codec.TypeList:
		return c.handleList(frame)
	case codec.TypeAttach:
		return c.handleAttach(frame)
	case codec.TypeDetach:
		return c.handleDetach(frame)
	case codec.TypeClose:
		return c.handleCloseSession(frame)
	case codec.TypeInput:
		return c.handleInput(frame)
	case codec.TypeResize:
		return c.handleResize(frame)
	case codec.TypeSignal:
		return c.handleSignal(frame)
	case codec.TypeWindowUpdate:
		return c.handleWindowUpdate(frame)
	default:
		c.sendError(frame.SessionID, codec.ProtocolError{Code: codec.UnknownFrameType})
		return nil
	}
}

func (c *Connection) handleHeartbeat(frame codec.Frame) error {
	hb, err := codec.DecodeHeartbeat(frame.Payload)
	if err != nil {
		return err
	}
	ack := codec.HeartbeatAck{Seq: hb.Seq, TimestampMs: hb.TimestampMs}
	return c.writeFrame(codec.Frame{Type: codec.TypeHeartbeatAck, Payload: ack.Encode()})
}

func (c *Connection) handleCreate(ctx context.Context, frame codec.Frame) error {
	req, err := codec.DecodeCreateSession(frame.Payload)
	if err != nil {
		return err
	}

	shell, err := ptysup.ValidateShell(req.Shell, c.srv.Config.ShellAllowlist)
	if err != nil {
		c.sendError(frame.SessionID, codec.ProtocolError{Code: codec.NotAuthorized, Detail: err.Error()})
		return err
	}

	env := make(map[string]string, len(req.EnvKeys))
	for i := range req.EnvKeys {
		env[req.EnvKeys[i]] = req.EnvVals[i]
	}

	buf := ring.New(c.srv.Config.RingConfig, nil)
	comp := compress.New(c.srv.Config.CompressPolicy)

	cfg := ptysup.Config{
		Shell:                      shell,
		Cols:                       int(req.Cols),
		Rows:                       int(req.Rows),
		CWD:                        req.CWD,
		Env:                        env,
		Policy:                     c.srv.Config.EnvPolicy,
		GracefulTerminationEnabled: true,
		OnOutput: func(data []byte) {
			c.onSessionOutput(buf, comp, data)
		},
		OnExit: func(exitCode int) {
			logger.Log.Info("session process exited", "exitCode", exitCode)
		},
	}

	handle, err := ptysup.Spawn(cfg)
	if err != nil {
		c.sendError(frame.SessionID, codec.ProtocolError{Code: codec.NotAuthorized, Detail: err.Error()})
		return err
	}

	ms, err := c.srv.Registry.CreateSession(c.id, handle, buf, "pty")
	if err != nil {
		handle.Terminate()
		c.sendError(frame.SessionID, codec.ProtocolError{Code: codec.SessionLimit, Detail: err.Error()})
		return err
	}

	ts := c.track(ms, handle, buf, comp)
	ts.cols, ts.rows = int(req.Cols), int(req.Rows)
	if c.srv.Audit != nil {
		audit.LogSessionCreated(c.srv.Audit, ms.ID, shell)
	}

	created := codec.Created{SessionID: ms.ID}
	return c.writeFrame(codec.Frame{SessionID: ts.wireID, Type: codec.TypeCreated, Payload: created.Encode()})
}

// handleList answers a ListSessions request with every session this
// connection currently owns in the registry.
func (c *Connection) handleList(frame codec.Frame) error {
	sessions := c.srv.Registry.GetSessionsForConnection(c.id)
	resp := codec.ListResponse{Sessions: make([]codec.SessionSummary, 0, len(sessions))}
	for _, ms := range sessions {
		resp.Sessions = append(resp.Sessions, codec.SessionSummary{
			SessionID: ms.ID,
			State:     ms.State.String(),
			CreatedAt: ms.CreatedAt.UnixMilli(),
		})
	}
	return c.writeFrame(codec.Frame{SessionID: frame.SessionID, Type: codec.TypeListResponse, Payload: resp.Encode()})
}

// onSessionOutput is the PTY supervisor's output callback: it appends
// the chunk to the ring buffer (compressing adaptively) and forwards it
// to the client as an Output frame, gated by the session's flow window.
func (c *Connection) onSessionOutput(buf *ring.Buffer, comp *compress.Compressor, data []byte) {
	result, err := comp.Compress(data)
	if err != nil {
		logger.Log.Warn("compression failed, falling back to uncompressed", "error", err)
		result = compress.Result{Data: data, Compressed: false, CompressionType: compress.TypeNone}
	}

	seq, err := buf.Write(result.Data, result.Compressed)
	if err != nil {
		return // sealed: session is terminating
	}

	ts := c.sessionByBuffer(buf)
	if ts == nil {
		return
	}
	if err := ts.flow.Wait(context.Background(), len(result.Data)); err != nil {
		return
	}

	out := codec.Output{
		SequenceNumber:  seq,
		Compressed:      result.Compressed,
		CompressionType: uint8(result.CompressionType),
		Data:            result.Data,
	}
	if err := c.writeFrame(codec.Frame{SessionID: ts.wireID, Type: codec.TypeOutput, Payload: out.Encode()}); err != nil {
		return
	}
	ts.lastSent = seq
}

func (c *Connection) sessionByBuffer(buf *ring.Buffer) *trackedSession {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	for _, ts := range c.sessions {
		if ts.buf == buf {
			return ts
		}
	}
	return nil
}

// handleAttach reattaches this connection to an existing session: the
// registry records the new owning connection, and the reconnection
// manager resolves what output the client missed while detached.
func (c *Connection) handleAttach(frame codec.Frame) error {
	req, err := codec.DecodeAttachSession(frame.Payload)
	if err != nil {
		return err
	}

	ms := c.srv.Registry.GetSession(req.SessionID)
	if ms == nil {
		c.sendError(frame.SessionID, codec.ProtocolError{Code: codec.SessionNotFound})
		return nil
	}

	reconnected, err := c.srv.Registry.ReconnectSession(req.SessionID, c.id)
	if err != nil {
		c.sendError(frame.SessionID, codec.ProtocolError{Code: codec.NotAuthorized, Detail: err.Error()})
		return err
	}

	lastSeq := req.LastSequenceNumber
	result, err := c.srv.Reconnect.AttemptReconnection(req.SessionID, reconnected.Ring, &lastSeq)
	if err != nil {
		c.sendError(frame.SessionID, codec.ProtocolError{Code: codec.SessionNotFound, Detail: err.Error()})
		return err
	}

	comp := compress.New(c.srv.Config.CompressPolicy)
	ts := c.track(reconnected, reconnected.Process, reconnected.Ring, comp)
	if result.Snapshot != nil {
		ts.cols, ts.rows = result.Snapshot.Cols, result.Snapshot.Rows
	}
	if c.srv.Audit != nil {
		audit.LogSessionAttached(c.srv.Audit, reconnected.ID, c.id)
	}

	created := codec.Created{SessionID: reconnected.ID}
	if err := c.writeFrame(codec.Frame{SessionID: ts.wireID, Type: codec.TypeCreated, Payload: created.Encode()}); err != nil {
		return err
	}

	if result.Snapshot != nil {
		snap := codec.Snapshot{
			Cols: int32(result.Snapshot.Cols), Rows: int32(result.Snapshot.Rows),
			CursorX: int32(result.Snapshot.CursorX), CursorY: int32(result.Snapshot.CursorY),
			CursorVisible:    result.Snapshot.CursorVisible,
			ScreenBytes:      result.Snapshot.ScreenBytes,
			ScrollbackOffset: result.Snapshot.ScrollbackOffset,
			ScrollbackTotal:  result.Snapshot.ScrollbackTotal,
			FgColor:          result.Snapshot.FgColor,
			BgColor:          result.Snapshot.BgColor,
			Attributes:       result.Snapshot.Attributes,
			SequenceNumber:   result.Snapshot.SequenceNumber,
		}
		if err := c.writeFrame(codec.Frame{SessionID: ts.wireID, Type: codec.TypeSnapshot, Payload: snap.Encode()}); err != nil {
			return err
		}
	}

	for _, chunk := range result.Chunks {
		out := codec.Output{
			SequenceNumber:  chunk.SequenceNumber,
			Compressed:      chunk.Compressed,
			CompressionType: uint8(compress.TypeDeflate),
			Data:            chunk.Data,
		}
		if !chunk.Compressed {
			out.CompressionType = uint8(compress.TypeNone)
		}
		if err := c.writeFrame(codec.Frame{SessionID: ts.wireID, Type: codec.TypeOutput, Payload: out.Encode()}); err != nil {
			return err
		}
		ts.lastSent = chunk.SequenceNumber
	}
	return nil
}

func (c *Connection) handleDetach(frame codec.Frame) error {
	ts, ok := c.resolveSession(frame.SessionID)
	if !ok {
		c.sendError(frame.SessionID, codec.ProtocolError{Code: codec.SessionNotFound})
		return nil
	}
	if err := c.srv.Registry.MarkDisconnected(ts.ms.ID); err != nil {
		return err
	}
	c.srv.Reconnect.RecordDisconnection(c.id, ts.ms.ID, ts.lastSent)
	c.srv.Reconnect.UpdateStateSnapshot(ts.ms.ID, buildSnapshot(ts))
	c.untrack(ts.ms.ID)
	if c.srv.Audit != nil {
		audit.LogSessionDetached(c.srv.Audit, ts.ms.ID)
	}
	return nil
}

// buildSnapshot captures the coarse, emulator-agnostic terminal state
// terminox tracks for reconnection: dimensions and the tail of the
// ring buffer stand in for cursor/color state no VT emulator here
// computes.
func buildSnapshot(ts *trackedSession) *session.TerminalStateSnapshot {
	const maxScreenBytes = 64 * 1024
	return &session.TerminalStateSnapshot{
		SessionID:        ts.ms.ID,
		Cols:             ts.cols,
		Rows:             ts.rows,
		CursorVisible:    true,
		ScreenBytes:      ts.buf.GetLatestBytes(maxScreenBytes),
		ScrollbackOffset: ts.buf.OldestSequence(),
		ScrollbackTotal:  ts.buf.TotalBytes(),
		SequenceNumber:   ts.buf.CurrentSequence(),
	}
}

func (c *Connection) handleCloseSession(frame codec.Frame) error {
	ts, ok := c.resolveSession(frame.SessionID)
	if !ok {
		c.sendError(frame.SessionID, codec.ProtocolError{Code: codec.SessionNotFound})
		return nil
	}
	c.srv.Registry.TerminateSession(ts.ms.ID, "client requested close")
	c.srv.Reconnect.ClearSessionState(ts.ms.ID)
	c.untrack(ts.ms.ID)
	if c.srv.Audit != nil {
		audit.LogSessionTerminated(c.srv.Audit, ts.ms.ID, "client requested close")
	}
	return c.writeFrame(codec.Frame{SessionID: frame.SessionID, Type: codec.TypeClosed})
}

func (c *Connection) handleInput(frame codec.Frame) error {
	ts, ok := c.resolveSession(frame.SessionID)
	if !ok {
		c.sendError(frame.SessionID, codec.ProtocolError{Code: codec.SessionNotFound})
		return nil
	}
	in, err := codec.DecodeInput(frame.Payload)
	if err != nil {
		return err
	}
	return ts.handle.Write(in.Data)
}

func (c *Connection) handleResize(frame codec.Frame) error {
	ts, ok := c.resolveSession(frame.SessionID)
	if !ok {
		c.sendError(frame.SessionID, codec.ProtocolError{Code: codec.SessionNotFound})
		return nil
	}
	rz, err := codec.DecodeResize(frame.Payload)
	if err != nil {
		return err
	}
	if err := ts.handle.Resize(int(rz.Cols), int(rz.Rows)); err != nil {
		return err
	}
	ts.cols, ts.rows = int(rz.Cols), int(rz.Rows)
	return nil
}

func (c *Connection) handleSignal(frame codec.Frame) error {
	ts, ok := c.resolveSession(frame.SessionID)
	if !ok {
		c.sendError(frame.SessionID, codec.ProtocolError{Code: codec.SessionNotFound})
		return nil
	}
	sig, err := codec.DecodeSignal(frame.Payload)
	if err != nil {
		return err
	}
	return ts.handle.Signal(ptysup.SignalName(sig.Name))
}

func (c *Connection) handleWindowUpdate(frame codec.Frame) error {
	ts, ok := c.resolveSession(frame.SessionID)
	if !ok {
		c.sendError(frame.SessionID, codec.ProtocolError{Code: codec.SessionNotFound})
		return nil
	}
	wu, err := codec.DecodeWindowUpdate(frame.Payload)
	if err != nil {
		return err
	}
	ts.flow.Grant(wu.AdditionalBytes)
	return nil
}

// resolveSession maps a wire sessionId back to the session this
// connection tracks.
func (c *Connection) resolveSession(wireID int32) (*trackedSession, bool) {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	ts, ok := c.byWireID[wireID]
	return ts, ok
}
