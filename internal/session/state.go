package session

import (
	"encoding/json"
	"time"
)

// State is a position in the session lifecycle:
// initializing → awaiting_pairing → ready → disconnected → (restart) → initializing.
type State int

const (
	StateInitializing State = iota
	StateAwaitingPairing
	StateReady
	StateDisconnected
)

var stateNames = map[State]string{
	StateInitializing:    "initializing",
	StateAwaitingPairing: "awaiting_pairing",
	StateReady:           "ready",
	StateDisconnected:    "disconnected",
}

var stateFromName = map[string]State{
	"initializing":     StateInitializing,
	"awaiting_pairing": StateAwaitingPairing,
	"ready":            StateReady,
	"disconnected":     StateDisconnected,
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := stateFromName[name]; ok {
		*s = v
	}
	return nil
}

// Session is the single process-wide connection to the messaging platform.
// A restart replaces the value; it is never reset in place.
type Session struct {
	ID              string    `json:"id"`
	Generation      uint64    `json:"generation"`
	State           State     `json:"state"`
	PairingToken    string    `json:"-"`
	TargetChannelID string    `json:"targetChannelId,omitempty"`
	StartedAt       time.Time `json:"startedAt"`

	// connected is set on the first readiness signal; pairing challenges
	// arriving afterwards are ignored.
	connected bool
}

// IsTerminal reports whether the session has disconnected.
func (s *Session) IsTerminal() bool {
	return s.State == StateDisconnected
}

// TargetResolved reports whether the target conversation was found.
func (s *Session) TargetResolved() bool {
	return s.TargetChannelID != ""
}
