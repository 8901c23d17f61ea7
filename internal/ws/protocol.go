package ws

import (
	"encoding/json"
	"fmt"

	"github.com/grouprelay/backend/internal/session"
)

type MessageType string

const (
	MsgLog          MessageType = "log"
	MsgQR           MessageType = "qr"
	MsgMessage      MessageType = "message"
	MsgDisconnected MessageType = "disconnected"
)

// ReadyNotice is the log line observers see when the client becomes ready.
const ReadyNotice = "Client is ready!"

// WSMessage is one frame sent to observers. qr frames carry the pairing
// image URL in Data; all others use Message, which is always present even
// when empty.
type WSMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
	Data    string      `json:"data,omitempty"`
	Reason  string      `json:"reason,omitempty"`
	Seq     uint64      `json:"seq"`
}

type wireFrame WSMessage

// MarshalJSON leaves message out of qr frames only.
func (m WSMessage) MarshalJSON() ([]byte, error) {
	if m.Type == MsgQR {
		return json.Marshal(struct {
			wireFrame
			Message string `json:"message,omitempty"`
		}{wireFrame(m), m.Message})
	}
	return json.Marshal(wireFrame(m))
}

// FromEvent maps a session event to its frame.
func FromEvent(ev session.Event) (WSMessage, error) {
	switch e := ev.(type) {
	case session.Log:
		return WSMessage{Type: MsgLog, Message: e.Text}, nil
	case session.PairingRequired:
		return WSMessage{Type: MsgQR, Data: e.Code}, nil
	case session.Ready:
		return WSMessage{Type: MsgLog, Message: ReadyNotice}, nil
	case session.InboundMessage:
		return WSMessage{Type: MsgMessage, Message: e.Text}, nil
	case session.Disconnected:
		return WSMessage{Type: MsgDisconnected, Message: session.DisconnectedNotice, Reason: e.Reason}, nil
	}
	return WSMessage{}, fmt.Errorf("unknown event %T", ev)
}

// Encode marshals ev as a frame stamped with seq.
func Encode(ev session.Event, seq uint64) ([]byte, error) {
	msg, err := FromEvent(ev)
	if err != nil {
		return nil, err
	}
	msg.Seq = seq
	return json.Marshal(msg)
}
