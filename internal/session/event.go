package session

// EventKind classifies events broadcast to observers.
type EventKind int

const (
	KindLog EventKind = iota
	KindPairingRequired
	KindReady
	KindInboundMessage
	KindDisconnected
)

func (k EventKind) String() string {
	switch k {
	case KindLog:
		return "log"
	case KindPairingRequired:
		return "pairing_required"
	case KindReady:
		return "ready"
	case KindInboundMessage:
		return "inbound_message"
	case KindDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Event is an immutable notification for observers. The set of
// implementations is closed: Log, PairingRequired, Ready, InboundMessage
// and Disconnected.
type Event interface {
	Kind() EventKind
	isEvent()
}

// Log carries one line of diagnostic output.
type Log struct {
	Text string
}

// PairingRequired carries a renderable form of the pairing token
// (an image URL built from the configured template).
type PairingRequired struct {
	Code string
}

// Ready signals the session finished connecting.
type Ready struct{}

// InboundMessage carries the body of a message from the target conversation.
type InboundMessage struct {
	Text string
}

// Disconnected is the last lifecycle event of a session.
type Disconnected struct {
	Reason string
}

func (Log) Kind() EventKind             { return KindLog }
func (PairingRequired) Kind() EventKind { return KindPairingRequired }
func (Ready) Kind() EventKind           { return KindReady }
func (InboundMessage) Kind() EventKind  { return KindInboundMessage }
func (Disconnected) Kind() EventKind    { return KindDisconnected }

func (Log) isEvent()             {}
func (PairingRequired) isEvent() {}
func (Ready) isEvent()           {}
func (InboundMessage) isEvent()  {}
func (Disconnected) isEvent()    {}

// Publisher accepts events for broadcast. Publish must not block.
type Publisher interface {
	Publish(Event)
}
