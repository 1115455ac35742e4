// Package codec implements the agent's binary wire protocol: a fixed
// 10-byte header followed by a typed, length-prefixed payload.
package codec

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameType identifies the shape of a frame's payload.
type FrameType byte

const (
	// Control frames (sessionId must be 0).
	TypeVersionNegotiation FrameType = 0x00
	TypeVersionResponse    FrameType = 0x01
	TypeCapabilityExchange FrameType = 0x02
	TypeCapabilityResponse FrameType = 0x03
	TypeHeartbeat          FrameType = 0x04
	TypeHeartbeatAck       FrameType = 0x05
	TypeError              FrameType = 0x06

	// Session lifecycle.
	TypeCreate       FrameType = 0x10
	TypeCreated      FrameType = 0x11
	TypeList         FrameType = 0x12
	TypeListResponse FrameType = 0x13
	TypeAttach       FrameType = 0x14
	TypeDetach       FrameType = 0x15
	TypeClose        FrameType = 0x16
	TypeClosed       FrameType = 0x17

	// Data.
	TypeOutput FrameType = 0x30
	TypeInput  FrameType = 0x31
	TypeResize FrameType = 0x32
	TypeSignal FrameType = 0x33

	// State.
	TypeSnapshot           FrameType = 0x40
	TypeDelta              FrameType = 0x41
	TypeScrollbackRequest  FrameType = 0x42
	TypeScrollbackResponse FrameType = 0x43

	// Flow control.
	TypeFlowControl  FrameType = 0x50
	TypeWindowUpdate FrameType = 0x51
)

// knownFrameTypes is the exhaustive set of frame types this version of the
// protocol understands. Everything else, including the reserved ranges
// 0x20-0x2F and 0x60+, must be rejected rather than silently ignored.
var knownFrameTypes = map[FrameType]bool{
	TypeVersionNegotiation: true,
	TypeVersionResponse:    true,
	TypeCapabilityExchange: true,
	TypeCapabilityResponse: true,
	TypeHeartbeat:          true,
	TypeHeartbeatAck:       true,
	TypeError:              true,
	TypeCreate:             true,
	TypeCreated:            true,
	TypeList:               true,
	TypeListResponse:       true,
	TypeAttach:             true,
	TypeDetach:             true,
	TypeClose:              true,
	TypeClosed:             true,
	TypeOutput:             true,
	TypeInput:              true,
	TypeResize:             true,
	TypeSignal:             true,
	TypeSnapshot:           true,
	TypeDelta:              true,
	TypeScrollbackRequest:  true,
	TypeScrollbackResponse: true,
	TypeFlowControl:        true,
	TypeWindowUpdate:       true,
}

// ProtocolVersion is the only version this agent currently speaks.
const ProtocolVersion = 1

// HeaderSize is the fixed size, in bytes, of every frame's header.
const HeaderSize = 10

// ControlSessionID is the reserved sessionId used by frames not bound to
// any session (version negotiation, capability exchange, heartbeats).
const ControlSessionID int32 = 0

// DefaultMaxMessageSize bounds payloadLength; larger declared lengths are
// rejected before any payload buffer is allocated.
const DefaultMaxMessageSize = 16 * 1024 * 1024

// Frame is one message on the wire: a fixed header plus a typed payload.
type Frame struct {
	Version   uint8
	SessionID int32
	Type      FrameType
	Payload   []byte
}

// Encode serializes f into a single contiguous byte slice: header followed
// by payload. The header's payloadLength field always matches len(Payload).
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > DefaultMaxMessageSize {
		return nil, &ProtocolError{Code: PayloadTooLarge, Detail: fmt.Sprintf("payload %d bytes exceeds max %d", len(f.Payload), DefaultMaxMessageSize)}
	}
	out := make([]byte, HeaderSize+len(f.Payload))
	out[0] = f.Version
	binary.BigEndian.PutUint32(out[1:5], uint32(f.SessionID))
	out[5] = byte(f.Type)
	binary.BigEndian.PutUint32(out[6:10], uint32(len(f.Payload)))
	copy(out[HeaderSize:], f.Payload)
	return out, nil
}

// Decode parses a complete frame (header + payload) out of buf. buf must be
// at least HeaderSize bytes; decoding validates payloadLength against
// maxMessageSize before trusting the declared length.
func Decode(buf []byte, maxMessageSize int) (Frame, error) {
	if len(buf) < HeaderSize {
		return Frame{}, &ProtocolError{Code: IncompleteHeader, Detail: fmt.Sprintf("need %d bytes, got %d", HeaderSize, len(buf))}
	}
	h, err := decodeHeader(buf[:HeaderSize], maxMessageSize)
	if err != nil {
		return Frame{}, err
	}
	if len(buf)-HeaderSize < int(h.payloadLength) {
		return Frame{}, &ProtocolError{Code: IncompletePayload, Detail: fmt.Sprintf("need %d payload bytes, got %d", h.payloadLength, len(buf)-HeaderSize)}
	}
	payload := make([]byte, h.payloadLength)
	copy(payload, buf[HeaderSize:HeaderSize+int(h.payloadLength)])
	if !knownFrameTypes[h.frameType] {
		return Frame{}, &ProtocolError{Code: UnknownFrameType, Detail: fmt.Sprintf("frame type 0x%02x", byte(h.frameType))}
	}
	return Frame{Version: h.version, SessionID: h.sessionID, Type: h.frameType, Payload: payload}, nil
}

type header struct {
	version       uint8
	sessionID     int32
	frameType     FrameType
	payloadLength uint32
}

func decodeHeader(b []byte, maxMessageSize int) (header, error) {
	if len(b) != HeaderSize {
		return header{}, &ProtocolError{Code: IncompleteHeader, Detail: "short header"}
	}
	payloadLength := binary.BigEndian.Uint32(b[6:10])
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	if payloadLength > uint32(maxMessageSize) {
		return header{}, &ProtocolError{Code: PayloadTooLarge, Detail: fmt.Sprintf("declared payload %d exceeds max %d", payloadLength, maxMessageSize)}
	}
	return header{
		version:       b[0],
		sessionID:     int32(binary.BigEndian.Uint32(b[1:5])),
		frameType:     FrameType(b[5]),
		payloadLength: payloadLength,
	}, nil
}

// ReadFrame reads exactly one frame from r: the 10-byte header, then exactly
// payloadLength bytes. Short reads surface as IncompleteHeader/IncompletePayload.
func ReadFrame(r io.Reader, maxMessageSize int) (Frame, error) {
	hbuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hbuf); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, &ProtocolError{Code: IncompleteHeader, Detail: err.Error()}
	}
	h, err := decodeHeader(hbuf, maxMessageSize)
	if err != nil {
		return Frame{}, err
	}
	payload := make([]byte, h.payloadLength)
	if h.payloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, &ProtocolError{Code: IncompletePayload, Detail: err.Error()}
		}
	}
	if !knownFrameTypes[h.frameType] {
		return Frame{}, &ProtocolError{Code: UnknownFrameType, Detail: fmt.Sprintf("frame type 0x%02x", byte(h.frameType))}
	}
	return Frame{Version: h.version, SessionID: h.sessionID, Type: h.frameType, Payload: payload}, nil
}

// WriteFrame encodes f and writes it to w in a single call.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
