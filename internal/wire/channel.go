package wire

// Channel identifies one of the kernel's sockets.
type Channel int

const (
	Heartbeat Channel = iota
	Shell
	Control
	IOPub
	Stdin
)

// Channels lists every channel in startup order.
var Channels = []Channel{Heartbeat, Shell, Control, IOPub, Stdin}

// Pattern is the socket pattern a channel is bound to.
type Pattern int

const (
	// PatternEcho replies to each request with the request itself (REP).
	PatternEcho Pattern = iota
	// PatternRouter addresses peers by routing id (ROUTER).
	PatternRouter
	// PatternPublish broadcasts to all subscribers (PUB).
	PatternPublish
)

func (c Channel) String() string {
	switch c {
	case Heartbeat:
		return "hb"
	case Shell:
		return "shell"
	case Control:
		return "control"
	case IOPub:
		return "iopub"
	case Stdin:
		return "stdin"
	default:
		return "unknown"
	}
}

// Pattern returns the fixed socket pattern for the channel.
func (c Channel) Pattern() Pattern {
	switch c {
	case Heartbeat:
		return PatternEcho
	case IOPub:
		return PatternPublish
	default:
		return PatternRouter
	}
}

func (p Pattern) String() string {
	switch p {
	case PatternEcho:
		return "echo"
	case PatternRouter:
		return "router"
	case PatternPublish:
		return "publish"
	default:
		return "unknown"
	}
}
