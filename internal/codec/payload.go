package codec

import (
	"encoding/binary"
	"fmt"
)

// payloadWriter accumulates a typed payload using the wire's shared
// primitives: fixed-width big-endian integers and length-prefixed
// strings/byte slices (uint32 length prefix).
type payloadWriter struct {
	buf []byte
}

func (w *payloadWriter) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *payloadWriter) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *payloadWriter) i32(v int32)  { w.u32(uint32(v)) }
func (w *payloadWriter) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }
func (w *payloadWriter) i64(v int64)  { w.u64(uint64(v)) }
func (w *payloadWriter) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}
func (w *payloadWriter) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}
func (w *payloadWriter) str(s string) { w.bytes([]byte(s)) }

func (w *payloadWriter) bytesRaw() []byte { return w.buf }

// payloadReader parses a payload using the same primitives in order,
// returning a wire error on truncation.
type payloadReader struct {
	buf []byte
	pos int
	err error
}

func newPayloadReader(b []byte) *payloadReader { return &payloadReader{buf: b} }

func (r *payloadReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.buf) {
		r.err = fmt.Errorf("payload truncated: need %d bytes at offset %d, have %d", n, r.pos, len(r.buf))
		return false
	}
	return true
}

func (r *payloadReader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.pos]
	r.pos++
	return v
}

func (r *payloadReader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

func (r *payloadReader) i32() int32 { return int32(r.u32()) }

func (r *payloadReader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v
}

func (r *payloadReader) i64() int64 { return int64(r.u64()) }

func (r *payloadReader) bool() bool { return r.u8() != 0 }

func (r *payloadReader) bytes() []byte {
	n := r.u32()
	if !r.need(int(n)) {
		return nil
	}
	v := make([]byte, n)
	copy(v, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return v
}

func (r *payloadReader) str() string { return string(r.bytes()) }

func (r *payloadReader) done() error {
	if r.err != nil {
		return r.err
	}
	if r.pos != len(r.buf) {
		return fmt.Errorf("payload has %d trailing bytes", len(r.buf)-r.pos)
	}
	return nil
}

// --- Control payloads ---

// Heartbeat is the 0x04 control frame payload.
type Heartbeat struct {
	Seq         int64
	TimestampMs int64
	PendingAcks int32
}

func (h Heartbeat) Encode() []byte {
	w := &payloadWriter{}
	w.i64(h.Seq)
	w.i64(h.TimestampMs)
	w.i32(h.PendingAcks)
	return w.bytesRaw()
}

func DecodeHeartbeat(b []byte) (Heartbeat, error) {
	r := newPayloadReader(b)
	h := Heartbeat{Seq: r.i64(), TimestampMs: r.i64(), PendingAcks: r.i32()}
	return h, r.done()
}

// HeartbeatAck is the 0x05 control frame payload.
type HeartbeatAck struct {
	Seq         int64
	TimestampMs int64
}

func (h HeartbeatAck) Encode() []byte {
	w := &payloadWriter{}
	w.i64(h.Seq)
	w.i64(h.TimestampMs)
	return w.bytesRaw()
}

func DecodeHeartbeatAck(b []byte) (HeartbeatAck, error) {
	r := newPayloadReader(b)
	h := HeartbeatAck{Seq: r.i64(), TimestampMs: r.i64()}
	return h, r.done()
}

// VersionNegotiation is the 0x00 control frame payload (client -> agent).
type VersionNegotiation struct {
	ClientVersion uint8
	MinVersion    uint8
	MaxVersion    uint8
	ClientID      string
}

func (v VersionNegotiation) Encode() []byte {
	w := &payloadWriter{}
	w.u8(v.ClientVersion)
	w.u8(v.MinVersion)
	w.u8(v.MaxVersion)
	w.str(v.ClientID)
	return w.bytesRaw()
}

func DecodeVersionNegotiation(b []byte) (VersionNegotiation, error) {
	r := newPayloadReader(b)
	v := VersionNegotiation{ClientVersion: r.u8(), MinVersion: r.u8(), MaxVersion: r.u8(), ClientID: r.str()}
	return v, r.done()
}

// VersionResponse is the 0x01 control frame payload (agent -> client).
type VersionResponse struct {
	SelectedVersion uint8
	ServerVersion   uint8
	Accepted        bool
	RejectionReason string
}

func (v VersionResponse) Encode() []byte {
	w := &payloadWriter{}
	w.u8(v.SelectedVersion)
	w.u8(v.ServerVersion)
	w.bool(v.Accepted)
	w.str(v.RejectionReason)
	return w.bytesRaw()
}

func DecodeVersionResponse(b []byte) (VersionResponse, error) {
	r := newPayloadReader(b)
	v := VersionResponse{SelectedVersion: r.u8(), ServerVersion: r.u8(), Accepted: r.bool(), RejectionReason: r.str()}
	return v, r.done()
}

// CapabilityExchange is the 0x02 control frame payload (client -> agent).
// It doubles as the carrier for TOKEN-method credentials: the wire
// sequence runs version negotiation, then capabilities, then
// authentication, and the codec has no separate auth frame type, so the
// bearer token (if any) rides along with the capability list.
type CapabilityExchange struct {
	Capabilities []string
	AuthToken    string
}

func (c CapabilityExchange) Encode() []byte {
	w := &payloadWriter{}
	w.u32(uint32(len(c.Capabilities)))
	for _, capName := range c.Capabilities {
		w.str(capName)
	}
	w.str(c.AuthToken)
	return w.bytesRaw()
}

func DecodeCapabilityExchange(b []byte) (CapabilityExchange, error) {
	r := newPayloadReader(b)
	c := CapabilityExchange{}
	n := r.u32()
	for i := uint32(0); i < n; i++ {
		c.Capabilities = append(c.Capabilities, r.str())
	}
	c.AuthToken = r.str()
	return c, r.done()
}

// CapabilityResponse is the 0x03 control frame payload (agent -> client).
type CapabilityResponse struct {
	Accepted        bool
	Capabilities    []string
	RejectionReason string
}

func (c CapabilityResponse) Encode() []byte {
	w := &payloadWriter{}
	w.bool(c.Accepted)
	w.u32(uint32(len(c.Capabilities)))
	for _, capName := range c.Capabilities {
		w.str(capName)
	}
	w.str(c.RejectionReason)
	return w.bytesRaw()
}

func DecodeCapabilityResponse(b []byte) (CapabilityResponse, error) {
	r := newPayloadReader(b)
	c := CapabilityResponse{Accepted: r.bool()}
	n := r.u32()
	for i := uint32(0); i < n; i++ {
		c.Capabilities = append(c.Capabilities, r.str())
	}
	c.RejectionReason = r.str()
	return c, r.done()
}

// ErrorPayload is the 0x06 control frame payload.
type ErrorPayload struct {
	Code           string
	Message        string
	Fatal          bool
	RetryAfterSecs int32
}

func (e ErrorPayload) Encode() []byte {
	w := &payloadWriter{}
	w.str(e.Code)
	w.str(e.Message)
	w.bool(e.Fatal)
	w.i32(e.RetryAfterSecs)
	return w.bytesRaw()
}

func DecodeErrorPayload(b []byte) (ErrorPayload, error) {
	r := newPayloadReader(b)
	e := ErrorPayload{Code: r.str(), Message: r.str(), Fatal: r.bool(), RetryAfterSecs: r.i32()}
	return e, r.done()
}

// --- Session lifecycle payloads ---

// CreateSession is the 0x10 frame payload.
type CreateSession struct {
	Shell   string
	Cols    int32
	Rows    int32
	CWD     string
	EnvKeys []string
	EnvVals []string
}

func (c CreateSession) Encode() []byte {
	w := &payloadWriter{}
	w.str(c.Shell)
	w.i32(c.Cols)
	w.i32(c.Rows)
	w.str(c.CWD)
	w.u32(uint32(len(c.EnvKeys)))
	for i := range c.EnvKeys {
		w.str(c.EnvKeys[i])
		w.str(c.EnvVals[i])
	}
	return w.bytesRaw()
}

func DecodeCreateSession(b []byte) (CreateSession, error) {
	r := newPayloadReader(b)
	c := CreateSession{Shell: r.str(), Cols: r.i32(), Rows: r.i32(), CWD: r.str()}
	n := r.u32()
	for i := uint32(0); i < n; i++ {
		c.EnvKeys = append(c.EnvKeys, r.str())
		c.EnvVals = append(c.EnvVals, r.str())
	}
	return c, r.done()
}

// Created is the 0x11 frame payload.
type Created struct {
	SessionID string
}

func (c Created) Encode() []byte {
	w := &payloadWriter{}
	w.str(c.SessionID)
	return w.bytesRaw()
}

func DecodeCreated(b []byte) (Created, error) {
	r := newPayloadReader(b)
	c := Created{SessionID: r.str()}
	return c, r.done()
}

// ListSessions is the 0x12 frame payload: a client requesting every
// session it currently owns. Carries no fields — the connection is
// already identified by the socket the frame arrived on.
type ListSessions struct{}

func (ListSessions) Encode() []byte { return nil }

func DecodeListSessions(b []byte) (ListSessions, error) {
	r := newPayloadReader(b)
	return ListSessions{}, r.done()
}

// SessionSummary is one entry in a ListResponse.
type SessionSummary struct {
	SessionID string
	State     string
	CreatedAt int64 // unix millis
}

// ListResponse is the 0x13 frame payload answering ListSessions.
type ListResponse struct {
	Sessions []SessionSummary
}

func (l ListResponse) Encode() []byte {
	w := &payloadWriter{}
	w.u32(uint32(len(l.Sessions)))
	for _, s := range l.Sessions {
		w.str(s.SessionID)
		w.str(s.State)
		w.i64(s.CreatedAt)
	}
	return w.bytesRaw()
}

func DecodeListResponse(b []byte) (ListResponse, error) {
	r := newPayloadReader(b)
	n := r.u32()
	l := ListResponse{Sessions: make([]SessionSummary, 0, n)}
	for i := uint32(0); i < n; i++ {
		l.Sessions = append(l.Sessions, SessionSummary{SessionID: r.str(), State: r.str(), CreatedAt: r.i64()})
	}
	return l, r.done()
}

// AttachSession is the 0x14 frame payload: a client reattaching to an
// existing session supplies the last sequence number it saw so the
// server can compute exactly what was missed.
type AttachSession struct {
	SessionID          string
	LastSequenceNumber int64
}

func (a AttachSession) Encode() []byte {
	w := &payloadWriter{}
	w.str(a.SessionID)
	w.i64(a.LastSequenceNumber)
	return w.bytesRaw()
}

func DecodeAttachSession(b []byte) (AttachSession, error) {
	r := newPayloadReader(b)
	a := AttachSession{SessionID: r.str(), LastSequenceNumber: r.i64()}
	return a, r.done()
}

// --- Data payloads ---

// Output is the 0x30 frame payload: the most hot-path encoding in the
// protocol, so the binary layout is entirely fixed-width plus one
// length-prefixed blob.
type Output struct {
	SequenceNumber  int64
	Compressed      bool
	CompressionType uint8
	Data            []byte
}

func (o Output) Encode() []byte {
	w := &payloadWriter{}
	w.i64(o.SequenceNumber)
	w.bool(o.Compressed)
	w.u8(o.CompressionType)
	w.bytes(o.Data)
	return w.bytesRaw()
}

func DecodeOutput(b []byte) (Output, error) {
	r := newPayloadReader(b)
	o := Output{SequenceNumber: r.i64(), Compressed: r.bool(), CompressionType: r.u8(), Data: r.bytes()}
	return o, r.done()
}

// Input is the 0x31 frame payload.
type Input struct {
	Data []byte
}

func (i Input) Encode() []byte {
	w := &payloadWriter{}
	w.bytes(i.Data)
	return w.bytesRaw()
}

func DecodeInput(b []byte) (Input, error) {
	r := newPayloadReader(b)
	i := Input{Data: r.bytes()}
	return i, r.done()
}

// Resize is the 0x32 frame payload.
type Resize struct {
	Cols int32
	Rows int32
}

func (rz Resize) Encode() []byte {
	w := &payloadWriter{}
	w.i32(rz.Cols)
	w.i32(rz.Rows)
	return w.bytesRaw()
}

func DecodeResize(b []byte) (Resize, error) {
	r := newPayloadReader(b)
	rz := Resize{Cols: r.i32(), Rows: r.i32()}
	return rz, r.done()
}

// Signal is the 0x33 frame payload.
type Signal struct {
	Name string
}

func (s Signal) Encode() []byte {
	w := &payloadWriter{}
	w.str(s.Name)
	return w.bytesRaw()
}

func DecodeSignal(b []byte) (Signal, error) {
	r := newPayloadReader(b)
	s := Signal{Name: r.str()}
	return s, r.done()
}

// --- State payloads ---

// Snapshot is the 0x40 frame payload: the coarse, emulator-agnostic
// terminal state cached for a session, delivered to a client that
// reattaches to it.
type Snapshot struct {
	Cols             int32
	Rows             int32
	CursorX          int32
	CursorY          int32
	CursorVisible    bool
	ScreenBytes      []byte
	ScrollbackOffset int64
	ScrollbackTotal  int64
	FgColor          string
	BgColor          string
	Attributes       []string
	SequenceNumber   int64
}

func (s Snapshot) Encode() []byte {
	w := &payloadWriter{}
	w.i32(s.Cols)
	w.i32(s.Rows)
	w.i32(s.CursorX)
	w.i32(s.CursorY)
	w.bool(s.CursorVisible)
	w.bytes(s.ScreenBytes)
	w.i64(s.ScrollbackOffset)
	w.i64(s.ScrollbackTotal)
	w.str(s.FgColor)
	w.str(s.BgColor)
	w.u32(uint32(len(s.Attributes)))
	for _, a := range s.Attributes {
		w.str(a)
	}
	w.i64(s.SequenceNumber)
	return w.bytesRaw()
}

func DecodeSnapshot(b []byte) (Snapshot, error) {
	r := newPayloadReader(b)
	s := Snapshot{
		Cols: r.i32(), Rows: r.i32(), CursorX: r.i32(), CursorY: r.i32(),
		CursorVisible: r.bool(), ScreenBytes: r.bytes(),
		ScrollbackOffset: r.i64(), ScrollbackTotal: r.i64(),
		FgColor: r.str(), BgColor: r.str(),
	}
	n := r.u32()
	for i := uint32(0); i < n; i++ {
		s.Attributes = append(s.Attributes, r.str())
	}
	s.SequenceNumber = r.i64()
	return s, r.done()
}

// --- Flow control payloads ---

// WindowUpdate is the 0x51 frame payload: the client grants the agent an
// additional byte allowance for subsequent output frames.
type WindowUpdate struct {
	AdditionalBytes int64
}

func (w2 WindowUpdate) Encode() []byte {
	w := &payloadWriter{}
	w.i64(w2.AdditionalBytes)
	return w.bytesRaw()
}

func DecodeWindowUpdate(b []byte) (WindowUpdate, error) {
	r := newPayloadReader(b)
	w := WindowUpdate{AdditionalBytes: r.i64()}
	return w, r.done()
}
