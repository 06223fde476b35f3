package messages

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

const (
	FamilyIPv4 = "IPv4"

	sizeOfUint64 = 8
)

// SocketParams is the payload of the socket creation requests
type SocketParams struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	ClientID uint64 `json:"clientId,omitempty"`
}

// Attach reports whether the request refers to a connection accepted by a virtual TCP server
func (p SocketParams) Attach() bool {
	return p.ClientID > 0
}

// RemoteConnection identifies an accepted connection by the listening port of its virtual server and its
// client id in that server's registry
type RemoteConnection struct {
	ID   uint64 `json:"id"`
	Port int    `json:"port"`
}

// HandshakeAddress is the payload of the handshake response to a TCP server creation
type HandshakeAddress struct {
	Address ServerAddress `json:"address"`
}

type ServerAddress struct {
	Port   int    `json:"port"`
	Family string `json:"family"`
}

func marshalJSON(op Opcode, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", op, err)
	}
	return MarshalFrame(op, payload), nil
}

func unmarshalSocketParams(payload []byte) (SocketParams, error) {
	var p SocketParams
	if err := json.Unmarshal(payload, &p); err != nil {
		return SocketParams{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}

func unmarshalRemoteConnection(payload []byte) (RemoteConnection, error) {
	var r RemoteConnection
	if err := json.Unmarshal(payload, &r); err != nil {
		return RemoteConnection{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return r, nil
}

func unmarshalHandshakeAddress(payload []byte) (*HandshakeAddress, error) {
	var a HandshakeAddress
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &a, nil
}

// MarshalUint64 encodes n as 8 big-endian bytes
func MarshalUint64(n uint64) []byte {
	b := make([]byte, sizeOfUint64)
	binary.BigEndian.PutUint64(b, n)
	return b
}

// UnmarshalUint64 decodes 8 big-endian bytes
func UnmarshalUint64(b []byte) (uint64, error) {
	if len(b) != sizeOfUint64 {
		return 0, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedMessage, sizeOfUint64, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
