package frame

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame *Frame
	}{
		{"hello", Hello("tok-123")},
		{"register tunnel with subdomain", RegisterTunnel("myapp")},
		{"register tunnel without subdomain", RegisterTunnel("")},
		{"registered", Registered("myapp", "tun-1")},
		{
			"open stream",
			OpenStream("tun-1", 1, "GET", "/ping", map[string]string{"Accept": "*/*"}),
		},
		{"req data", ReqData("tun-1", 1, []byte(`{"n":3}`))},
		{
			"resp start",
			RespStart("tun-1", 1, 200, map[string]string{"Content-Type": "text/plain"}),
		},
		{"resp data", RespData("tun-1", 1, []byte("pong"))},
		{"end request phase", End("tun-1", 1, PhaseRequest)},
		{"end response phase", End("tun-1", 1, PhaseResponse)},
		{"error", Error(ErrCodeSubdomainTaken, "subdomain already registered")},
		{"ping", Ping()},
		{"pong", Pong()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Encode(tt.frame)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}

			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}

			if decoded.Type != tt.frame.Type {
				t.Errorf("Type = %q, want %q", decoded.Type, tt.frame.Type)
			}
			if decoded.StreamID != tt.frame.StreamID {
				t.Errorf("StreamID = %d, want %d", decoded.StreamID, tt.frame.StreamID)
			}
			if !bytes.Equal(decoded.Chunk, tt.frame.Chunk) {
				t.Errorf("Chunk = %q, want %q", decoded.Chunk, tt.frame.Chunk)
			}
		})
	}
}

func TestDecodeUnknownTypeIsIgnorable(t *testing.T) {
	decoded, err := Decode([]byte(`{"t":"SOME_FUTURE_FRAME","streamId":7}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Type != Type("SOME_FUTURE_FRAME") {
		t.Fatalf("Type = %q, want SOME_FUTURE_FRAME", decoded.Type)
	}
	// Callers switch on Type with a default case; nothing here should panic
	// or error on an unrecognized value.
	switch decoded.Type {
	case TypeHello, TypeRegisterTunnel, TypeRegistered, TypeOpenStream,
		TypeReqData, TypeRespStart, TypeRespData, TypeEnd, TypeError,
		TypePing, TypePong:
		t.Fatalf("unexpected known type match for %q", decoded.Type)
	default:
		// ignored, as required
	}
}

func TestChunkByteFidelity(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	encoded, err := Encode(ReqData("tun-1", 42, payload))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(decoded.Chunk, payload) {
		t.Fatalf("Chunk = %q, want %q", decoded.Chunk, payload)
	}
}

func TestIsControlFrame(t *testing.T) {
	if !Hello("").IsControlFrame() {
		t.Error("HELLO should be a control frame")
	}
	if !Ping().IsControlFrame() {
		t.Error("PING should be a control frame")
	}
	if OpenStream("tun-1", 1, "GET", "/", nil).IsControlFrame() {
		t.Error("OPEN_STREAM should not be a control frame")
	}
	if RespData("tun-1", 1, nil).IsControlFrame() {
		t.Error("RESP_DATA should not be a control frame")
	}
}
