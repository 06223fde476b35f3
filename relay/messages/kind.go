package messages

// ResourceKind identifies the kind of network resource a transport is bound to. The values match the
// creation opcodes.
type ResourceKind byte

const (
	KindUnknown   ResourceKind = 0
	KindUDPSocket ResourceKind = ResourceKind(OpCreateUDPSocket)
	KindTCPSocket ResourceKind = ResourceKind(OpCreateTCPSocket)
	KindTCPServer ResourceKind = ResourceKind(OpCreateTCPServer)
)

func (k ResourceKind) String() string {
	switch k {
	case KindUDPSocket:
		return "udp-socket"
	case KindTCPSocket:
		return "tcp-socket"
	case KindTCPServer:
		return "tcp-server"
	default:
		return "unknown"
	}
}

// ParseResourceKind accepts the names returned by ResourceKind.String
func ParseResourceKind(s string) ResourceKind {
	switch s {
	case "udp-socket":
		return KindUDPSocket
	case "tcp-socket":
		return KindTCPSocket
	case "tcp-server":
		return KindTCPServer
	default:
		return KindUnknown
	}
}

// CreateMsg builds the creation request of the given kind
func CreateMsg(kind ResourceKind, params SocketParams) (Message, bool) {
	switch kind {
	case KindUDPSocket:
		return CreateUDPSocket{Params: params}, true
	case KindTCPSocket:
		return CreateTCPSocket{Params: params}, true
	case KindTCPServer:
		return CreateTCPServer{}, true
	default:
		return nil, false
	}
}
