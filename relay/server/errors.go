package server

import (
	"errors"

	"github.com/netbirdio/sockrelay/relay/messages"
	"github.com/netbirdio/sockrelay/relay/server/listener"
	"github.com/netbirdio/sockrelay/relay/server/proxy"
)

var (
	// ErrValidation is returned for missing or invalid creation parameters
	ErrValidation = errors.New("invalid socket parameters")
	// ErrProtocolViolation is returned for messages not allowed in the current transport state
	ErrProtocolViolation = errors.New("protocol violation")
	ErrDataToServer      = errors.New("unknown socket type")
	ErrRateLimited       = errors.New("too many resource creations")
)

// recoverable errors are reported to the client without closing the transport
func recoverable(err error) bool {
	return errors.Is(err, proxy.ErrConnectionNotFound) || errors.Is(err, ErrDataToServer)
}

// errorReason maps an error to a low cardinality metric label
func errorReason(err error) string {
	var unknownOp *messages.UnknownOpcodeError
	switch {
	case errors.Is(err, messages.ErrMalformedMessage), errors.Is(err, messages.ErrInvalidPayload),
		errors.As(err, &unknownOp), errors.Is(err, listener.ErrUnexpectedMessageType):
		return "malformed_message"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, proxy.ErrNoAvailablePorts):
		return "no_available_ports"
	case errors.Is(err, proxy.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, proxy.ErrConnectionNotFound):
		return "connection_not_found"
	case errors.Is(err, proxy.ErrSocket):
		return "socket"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, ErrDataToServer):
		return "data_to_server"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}
