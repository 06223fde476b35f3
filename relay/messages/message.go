package messages

import (
	"errors"
	"fmt"
)

const (
	// client -> server
	OpCreateUDPSocket Opcode = 0x01
	OpCreateTCPSocket Opcode = 0x02
	OpCreateTCPServer Opcode = 0x03
	OpTCPServerListen Opcode = 0x04
	OpClientData      Opcode = 0x05

	// server -> client
	OpServerData          Opcode = 0x06
	OpConnectionTimeout   Opcode = 0x07
	OpConnectionReceived  Opcode = 0x08
	OpConnectionSucceeded Opcode = 0x09
	OpConnectionClosed    Opcode = 0x10
	OpTCPServerListening  Opcode = 0x11
	OpHandshakeSuccess    Opcode = 0x12
	OpError               Opcode = 0x13

	SizeOfOpcode = 1
)

var (
	// ErrMalformedMessage is returned for frames that cannot carry an opcode
	ErrMalformedMessage = errors.New("malformed message")
	// ErrInvalidPayload is returned when a JSON payload cannot be decoded
	ErrInvalidPayload = errors.New("invalid message payload")
)

// UnknownOpcodeError reports an opcode that is not valid in the direction it was received
type UnknownOpcodeError struct {
	Opcode Opcode
}

func (e *UnknownOpcodeError) Error() string {
	return fmt.Sprintf("unknown message type: 0x%02x", byte(e.Opcode))
}

type Opcode byte

func (o Opcode) String() string {
	switch o {
	case OpCreateUDPSocket:
		return "create udp socket"
	case OpCreateTCPSocket:
		return "create tcp socket"
	case OpCreateTCPServer:
		return "create tcp server"
	case OpTCPServerListen:
		return "tcp server listen"
	case OpClientData, OpServerData:
		return "data"
	case OpConnectionTimeout:
		return "connection timeout"
	case OpConnectionReceived:
		return "connection received"
	case OpConnectionSucceeded:
		return "connection succeeded"
	case OpConnectionClosed:
		return "connection closed"
	case OpTCPServerListening:
		return "tcp server listening"
	case OpHandshakeSuccess:
		return "handshake success"
	case OpError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is implemented by every relay message variant. The set of variants is closed, one per opcode.
type Message interface {
	Opcode() Opcode
}

// CreateUDPSocket asks the relay to open a UDP endpoint sending to Params.Host:Params.Port
type CreateUDPSocket struct {
	Params SocketParams
}

// CreateTCPSocket asks the relay to connect to Params.Host:Params.Port, or, when Params.ClientID is set, to
// attach to a connection already accepted by the virtual TCP server reserving Params.Port
type CreateTCPSocket struct {
	Params SocketParams
}

type CreateTCPServer struct{}

type TCPServerListen struct{}

// ClientData carries application bytes from the client to the relayed resource
type ClientData struct {
	Payload []byte
}

// ServerData carries bytes received by the relayed resource back to the client
type ServerData struct {
	Payload []byte
}

type ConnectionTimeout struct{}

// ConnectionReceived announces a connection accepted by a virtual TCP server
type ConnectionReceived struct {
	Remote RemoteConnection
}

type ConnectionSucceeded struct{}

type ConnectionClosed struct{}

type TCPServerListening struct{}

// HandshakeSuccess confirms the resource creation. Address is set only for TCP servers.
type HandshakeSuccess struct {
	Address *HandshakeAddress
}

// Error carries a human-readable failure reason
type Error struct {
	Text string
}

func (CreateUDPSocket) Opcode() Opcode     { return OpCreateUDPSocket }
func (CreateTCPSocket) Opcode() Opcode     { return OpCreateTCPSocket }
func (CreateTCPServer) Opcode() Opcode     { return OpCreateTCPServer }
func (TCPServerListen) Opcode() Opcode     { return OpTCPServerListen }
func (ClientData) Opcode() Opcode          { return OpClientData }
func (ServerData) Opcode() Opcode          { return OpServerData }
func (ConnectionTimeout) Opcode() Opcode   { return OpConnectionTimeout }
func (ConnectionReceived) Opcode() Opcode  { return OpConnectionReceived }
func (ConnectionSucceeded) Opcode() Opcode { return OpConnectionSucceeded }
func (ConnectionClosed) Opcode() Opcode    { return OpConnectionClosed }
func (TCPServerListening) Opcode() Opcode  { return OpTCPServerListening }
func (HandshakeSuccess) Opcode() Opcode    { return OpHandshakeSuccess }
func (Error) Opcode() Opcode               { return OpError }

// MarshalFrame prefixes the payload with the opcode. There is no length field, the message boundaries are
// provided by the transport.
func MarshalFrame(op Opcode, payload []byte) []byte {
	msg := make([]byte, SizeOfOpcode, SizeOfOpcode+len(payload))
	msg[0] = byte(op)
	return append(msg, payload...)
}

// UnmarshalFrame splits a transport frame into its opcode and payload. The returned payload shares the
// underlying array of the frame.
func UnmarshalFrame(frame []byte) (Opcode, []byte, error) {
	if len(frame) < SizeOfOpcode {
		return 0, nil, ErrMalformedMessage
	}
	return Opcode(frame[0]), frame[SizeOfOpcode:], nil
}

// Marshal encodes a message variant into a transport frame
func Marshal(m Message) ([]byte, error) {
	switch msg := m.(type) {
	case CreateUDPSocket:
		return marshalJSON(OpCreateUDPSocket, msg.Params)
	case CreateTCPSocket:
		return marshalJSON(OpCreateTCPSocket, msg.Params)
	case ConnectionReceived:
		return marshalJSON(OpConnectionReceived, msg.Remote)
	case HandshakeSuccess:
		if msg.Address == nil {
			return MarshalFrame(OpHandshakeSuccess, nil), nil
		}
		return marshalJSON(OpHandshakeSuccess, msg.Address)
	case ClientData:
		return MarshalFrame(OpClientData, msg.Payload), nil
	case ServerData:
		return MarshalFrame(OpServerData, msg.Payload), nil
	case Error:
		return MarshalFrame(OpError, []byte(msg.Text)), nil
	case CreateTCPServer, TCPServerListen, ConnectionTimeout, ConnectionSucceeded, ConnectionClosed,
		TCPServerListening:
		return MarshalFrame(m.Opcode(), nil), nil
	case nil:
		return nil, errors.New("nil message")
	default:
		return nil, fmt.Errorf("unsupported message: %T", m)
	}
}

// UnmarshalClientMsg decodes a frame sent by a relay client. Only client to server opcodes are accepted.
func UnmarshalClientMsg(frame []byte) (Message, error) {
	op, payload, err := UnmarshalFrame(frame)
	if err != nil {
		return nil, err
	}

	switch op {
	case OpCreateUDPSocket:
		params, err := unmarshalSocketParams(payload)
		if err != nil {
			return nil, err
		}
		return CreateUDPSocket{Params: params}, nil
	case OpCreateTCPSocket:
		params, err := unmarshalSocketParams(payload)
		if err != nil {
			return nil, err
		}
		return CreateTCPSocket{Params: params}, nil
	case OpCreateTCPServer:
		return CreateTCPServer{}, nil
	case OpTCPServerListen:
		return TCPServerListen{}, nil
	case OpClientData:
		return ClientData{Payload: payload}, nil
	default:
		return nil, &UnknownOpcodeError{Opcode: op}
	}
}

// UnmarshalServerMsg decodes a frame sent by the relay server. Only server to client opcodes are accepted.
func UnmarshalServerMsg(frame []byte) (Message, error) {
	op, payload, err := UnmarshalFrame(frame)
	if err != nil {
		return nil, err
	}

	switch op {
	case OpServerData:
		return ServerData{Payload: payload}, nil
	case OpConnectionTimeout:
		return ConnectionTimeout{}, nil
	case OpConnectionReceived:
		remote, err := unmarshalRemoteConnection(payload)
		if err != nil {
			return nil, err
		}
		return ConnectionReceived{Remote: remote}, nil
	case OpConnectionSucceeded:
		return ConnectionSucceeded{}, nil
	case OpConnectionClosed:
		return ConnectionClosed{}, nil
	case OpTCPServerListening:
		return TCPServerListening{}, nil
	case OpHandshakeSuccess:
		if len(payload) == 0 {
			return HandshakeSuccess{}, nil
		}
		addr, err := unmarshalHandshakeAddress(payload)
		if err != nil {
			return nil, err
		}
		return HandshakeSuccess{Address: addr}, nil
	case OpError:
		return Error{Text: string(payload)}, nil
	default:
		return nil, &UnknownOpcodeError{Opcode: op}
	}
}
