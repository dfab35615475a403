// Package frame implements the wire envelope carried over a tunnel's
// control connection. Each Frame is a self-describing, tagged message;
// the transport (a WebSocket binary message) already preserves message
// boundaries, so frames are not length-prefixed at this layer.
package frame

import "encoding/json"

// ProtocolVersion is the control-protocol version sent in HELLO.
const ProtocolVersion = 1

// Type tags a Frame with its kind. Unknown values decode successfully and
// are expected to be ignored by callers (forward compatibility).
type Type string

const (
	TypeHello          Type = "HELLO"
	TypeRegisterTunnel Type = "REGISTER_TUNNEL"
	TypeRegistered     Type = "REGISTERED"
	TypeOpenStream     Type = "OPEN_STREAM"
	TypeReqData        Type = "REQ_DATA"
	TypeRespStart      Type = "RESP_START"
	TypeRespData       Type = "RESP_DATA"
	TypeEnd            Type = "END"
	TypeError          Type = "ERROR"
	TypePing           Type = "PING"
	TypePong           Type = "PONG"
)

// Phase distinguishes the request-body half of a stream from the
// response-body half, both of which terminate with an END frame.
type Phase string

const (
	PhaseRequest  Phase = "req"
	PhaseResponse Phase = "res"
)

// Error codes carried in ERROR frames.
const (
	ErrCodeSubdomainTaken = "SUBDOMAIN_TAKEN"
)

// Frame is the single struct backing every frame type in the protocol.
// Fields are tagged omitempty so each frame type's wire form only carries
// the fields that type actually uses.
type Frame struct {
	Type Type `json:"t"`

	// HELLO
	Version int    `json:"v,omitempty"`
	Token   string `json:"token,omitempty"`

	// REGISTER_TUNNEL / REGISTERED
	Subdomain string `json:"subdomain,omitempty"`
	TunnelID  string `json:"tunnelId,omitempty"`

	// OPEN_STREAM / REQ_DATA / RESP_START / RESP_DATA / END
	StreamID uint64            `json:"streamId,omitempty"`
	Method   string            `json:"method,omitempty"`
	Path     string            `json:"path,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Chunk    []byte            `json:"chunk,omitempty"`

	// RESP_START / END
	StatusCode int   `json:"statusCode,omitempty"`
	Phase      Phase `json:"phase,omitempty"`

	// ERROR
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Encode serializes a Frame into the bytes of exactly one WebSocket
// message.
func Encode(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses the bytes of one WebSocket message into a Frame. An
// unrecognized Type string decodes without error; it is the caller's
// switch statement that silently ignores it, per the protocol's
// forward-compatibility rule.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Hello builds a HELLO frame.
func Hello(token string) *Frame {
	return &Frame{Type: TypeHello, Version: ProtocolVersion, Token: token}
}

// RegisterTunnel builds a REGISTER_TUNNEL frame.
func RegisterTunnel(subdomain string) *Frame {
	return &Frame{Type: TypeRegisterTunnel, Subdomain: subdomain}
}

// Registered builds a REGISTERED frame.
func Registered(subdomain, tunnelID string) *Frame {
	return &Frame{Type: TypeRegistered, Subdomain: subdomain, TunnelID: tunnelID}
}

// OpenStream builds an OPEN_STREAM frame.
func OpenStream(tunnelID string, streamID uint64, method, path string, headers map[string]string) *Frame {
	return &Frame{
		Type:     TypeOpenStream,
		TunnelID: tunnelID,
		StreamID: streamID,
		Method:   method,
		Path:     path,
		Headers:  headers,
	}
}

// ReqData builds a REQ_DATA frame.
func ReqData(tunnelID string, streamID uint64, chunk []byte) *Frame {
	return &Frame{Type: TypeReqData, TunnelID: tunnelID, StreamID: streamID, Chunk: chunk}
}

// RespStart builds a RESP_START frame.
func RespStart(tunnelID string, streamID uint64, statusCode int, headers map[string]string) *Frame {
	return &Frame{
		Type:       TypeRespStart,
		TunnelID:   tunnelID,
		StreamID:   streamID,
		StatusCode: statusCode,
		Headers:    headers,
	}
}

// RespData builds a RESP_DATA frame.
func RespData(tunnelID string, streamID uint64, chunk []byte) *Frame {
	return &Frame{Type: TypeRespData, TunnelID: tunnelID, StreamID: streamID, Chunk: chunk}
}

// End builds an END frame for the given phase.
func End(tunnelID string, streamID uint64, phase Phase) *Frame {
	return &Frame{Type: TypeEnd, TunnelID: tunnelID, StreamID: streamID, Phase: phase}
}

// Error builds an ERROR frame.
func Error(code, message string) *Frame {
	return &Frame{Type: TypeError, Code: code, Message: message}
}

// Ping builds a PING frame.
func Ping() *Frame { return &Frame{Type: TypePing} }

// Pong builds a PONG frame.
func Pong() *Frame { return &Frame{Type: TypePong} }

// IsControlFrame reports whether f carries no stream id, i.e. it concerns
// the tunnel as a whole rather than one multiplexed stream.
func (f *Frame) IsControlFrame() bool {
	switch f.Type {
	case TypeHello, TypeRegisterTunnel, TypeRegistered, TypeError, TypePing, TypePong:
		return true
	default:
		return false
	}
}
