package codec

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Frame{
		{Version: ProtocolVersion, SessionID: ControlSessionID, Type: TypeHeartbeat, Payload: Heartbeat{Seq: 12345, TimestampMs: 1700000000000, PendingAcks: 3}.Encode()},
		{Version: ProtocolVersion, SessionID: 7, Type: TypeOutput, Payload: Output{SequenceNumber: 42, Compressed: true, CompressionType: 1, Data: []byte("hello")}.Encode()},
		{Version: ProtocolVersion, SessionID: 7, Type: TypeInput, Payload: nil},
	}
	for _, want := range cases {
		buf, err := Encode(want)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		got, err := Decode(buf, DefaultMaxMessageSize)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.Version != want.Version || got.SessionID != want.SessionID || got.Type != want.Type || !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestHeartbeatExactWireLayout(t *testing.T) {
	hb := Heartbeat{Seq: 12345, TimestampMs: 1700000000000, PendingAcks: 3}
	f := Frame{Version: ProtocolVersion, SessionID: ControlSessionID, Type: TypeHeartbeat, Payload: hb.Encode()}
	buf, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(buf) != HeaderSize+20 {
		t.Fatalf("expected %d total bytes, got %d", HeaderSize+20, len(buf))
	}
	if buf[0] != 1 {
		t.Fatalf("version: got %d", buf[0])
	}
	if buf[5] != byte(TypeHeartbeat) {
		t.Fatalf("frame type: got 0x%02x", buf[5])
	}
	payloadLen := uint32(buf[6])<<24 | uint32(buf[7])<<16 | uint32(buf[8])<<8 | uint32(buf[9])
	if payloadLen != 20 {
		t.Fatalf("payloadLength: got %d, want 20", payloadLen)
	}

	got, err := Decode(buf, DefaultMaxMessageSize)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	gotHB, err := DecodeHeartbeat(got.Payload)
	if err != nil {
		t.Fatalf("DecodeHeartbeat: %v", err)
	}
	if gotHB != hb {
		t.Fatalf("got %+v, want %+v", gotHB, hb)
	}
}

func TestDecodeRejectsPayloadTooLargeBeforeAllocating(t *testing.T) {
	hbuf := make([]byte, HeaderSize)
	hbuf[0] = ProtocolVersion
	hbuf[5] = byte(TypeOutput)
	// Declare a payload far larger than the buffer actually carries.
	hbuf[6], hbuf[7], hbuf[8], hbuf[9] = 0xFF, 0xFF, 0xFF, 0xFF

	_, err := Decode(hbuf, 1024)
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Code != PayloadTooLarge {
		t.Fatalf("expected PayloadTooLarge, got %v", err)
	}
}

func TestDecodeIncompleteHeader(t *testing.T) {
	_, err := Decode(make([]byte, HeaderSize-1), DefaultMaxMessageSize)
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Code != IncompleteHeader {
		t.Fatalf("expected IncompleteHeader, got %v", err)
	}
}

func TestDecodeIncompletePayload(t *testing.T) {
	f := Frame{Version: ProtocolVersion, SessionID: 1, Type: TypeInput, Payload: Input{Data: []byte("abcdef")}.Encode()}
	buf, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	truncated := buf[:len(buf)-2]
	_, err = Decode(truncated, DefaultMaxMessageSize)
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Code != IncompletePayload {
		t.Fatalf("expected IncompletePayload, got %v", err)
	}
}

func TestDecodeUnknownFrameType(t *testing.T) {
	f := Frame{Version: ProtocolVersion, SessionID: 0, Type: FrameType(0x25), Payload: nil}
	buf, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_, err = Decode(buf, DefaultMaxMessageSize)
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Code != UnknownFrameType {
		t.Fatalf("expected UnknownFrameType, got %v", err)
	}
}

func TestDecodeReservedRangeRejected(t *testing.T) {
	for _, bad := range []FrameType{0x20, 0x2F, 0x60, 0xFF} {
		f := Frame{Version: ProtocolVersion, SessionID: 0, Type: bad, Payload: nil}
		buf, _ := Encode(f)
		if _, err := Decode(buf, DefaultMaxMessageSize); err == nil {
			t.Fatalf("expected rejection for reserved type 0x%02x", byte(bad))
		}
	}
}

func TestReadWriteFrameStream(t *testing.T) {
	var buf bytes.Buffer
	want := Frame{Version: ProtocolVersion, SessionID: 3, Type: TypeResize, Payload: Resize{Cols: 120, Rows: 40}.Encode()}
	if err := WriteFrame(&buf, want); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf, DefaultMaxMessageSize)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.SessionID != want.SessionID || got.Type != want.Type || !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestReadFrameEOFOnEmptyStream(t *testing.T) {
	_, err := ReadFrame(&bytes.Buffer{}, DefaultMaxMessageSize)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadFrameIncompleteHeaderMidStream(t *testing.T) {
	r := bytes.NewReader([]byte{1, 0, 0, 0, 7, byte(TypeHeartbeat)})
	_, err := ReadFrame(r, DefaultMaxMessageSize)
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Code != IncompleteHeader {
		t.Fatalf("expected IncompleteHeader, got %v", err)
	}
}

func TestPayloadRoundTrips(t *testing.T) {
	t.Run("VersionNegotiation", func(t *testing.T) {
		v := VersionNegotiation{ClientVersion: 1, MinVersion: 1, MaxVersion: 2, ClientID: "phone-a"}
		got, err := DecodeVersionNegotiation(v.Encode())
		if err != nil || got != v {
			t.Fatalf("got %+v, err %v", got, err)
		}
	})
	t.Run("CreateSession", func(t *testing.T) {
		c := CreateSession{Shell: "/bin/zsh", Cols: 80, Rows: 24, CWD: "/home/op", EnvKeys: []string{"TERM"}, EnvVals: []string{"xterm-256color"}}
		got, err := DecodeCreateSession(c.Encode())
		if err != nil {
			t.Fatalf("err %v", err)
		}
		if got.Shell != c.Shell || got.Cols != c.Cols || got.Rows != c.Rows || got.CWD != c.CWD || len(got.EnvKeys) != 1 || got.EnvKeys[0] != "TERM" || got.EnvVals[0] != "xterm-256color" {
			t.Fatalf("got %+v", got)
		}
	})
	t.Run("Output", func(t *testing.T) {
		o := Output{SequenceNumber: 99, Compressed: false, CompressionType: 0, Data: []byte{1, 2, 3}}
		got, err := DecodeOutput(o.Encode())
		if err != nil || got.SequenceNumber != o.SequenceNumber || !bytes.Equal(got.Data, o.Data) {
			t.Fatalf("got %+v, err %v", got, err)
		}
	})
	t.Run("WindowUpdate", func(t *testing.T) {
		w := WindowUpdate{AdditionalBytes: 65536}
		got, err := DecodeWindowUpdate(w.Encode())
		if err != nil || got != w {
			t.Fatalf("got %+v, err %v", got, err)
		}
	})
	t.Run("CapabilityExchange", func(t *testing.T) {
		c := CapabilityExchange{Capabilities: []string{"pty", "reconnect"}, AuthToken: "secret"}
		got, err := DecodeCapabilityExchange(c.Encode())
		if err != nil {
			t.Fatalf("err %v", err)
		}
		if got.AuthToken != c.AuthToken || len(got.Capabilities) != 2 || got.Capabilities[1] != "reconnect" {
			t.Fatalf("got %+v", got)
		}
	})
	t.Run("CapabilityResponse", func(t *testing.T) {
		c := CapabilityResponse{Accepted: true, Capabilities: []string{"pty"}}
		got, err := DecodeCapabilityResponse(c.Encode())
		if err != nil {
			t.Fatalf("err %v", err)
		}
		if !got.Accepted || len(got.Capabilities) != 1 || got.Capabilities[0] != "pty" {
			t.Fatalf("got %+v", got)
		}
	})
	t.Run("AttachSession", func(t *testing.T) {
		a := AttachSession{SessionID: "sess-123", LastSequenceNumber: 4521}
		got, err := DecodeAttachSession(a.Encode())
		if err != nil {
			t.Fatalf("err %v", err)
		}
		if got.SessionID != a.SessionID || got.LastSequenceNumber != a.LastSequenceNumber {
			t.Fatalf("got %+v", got)
		}
	})
}

func TestPayloadTruncatedFieldsError(t *testing.T) {
	_, err := DecodeHeartbeat([]byte{0, 0, 0})
	if err == nil {
		t.Fatal("expected truncation error")
	}
}
