// Package wire implements the datagram envelope: JSON codec, canonical
// signing string, HMAC authentication and replay/staleness admission.
//
// One envelope per UDP datagram, UTF-8 JSON text. The payload is an opaque
// string; when a payload has structure it is JSON encoded by the sender and
// decoded only by the handler that claims the action. Transport code never
// looks inside.
package wire

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/juju/errors"
)

// Protocol actions. Matching of application actions in the dispatcher is
// exact and case-sensitive; these are registered in canonical spelling.
const (
	ActionDiscoverHost     = "DiscoverHost"
	ActionHostAnnouncement = "HostAnnouncement"
	ActionRegisterClient   = "RegisterClient"
	ActionHeartbeat        = "Heartbeat"
)

var ErrMalformed = errors.New("malformed envelope")

// Envelope is the wire unit.
type Envelope struct {
	Action    string `json:"action"`
	Payload   string `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp"`
	CmdID     string `json:"cmdId,omitempty"`
	Signature string `json:"signature,omitempty"`
}

func NewEnvelope(action, payload string) *Envelope {
	return &Envelope{
		Action:    action,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Parse fails with ErrMalformed on invalid JSON or empty action.
// Callers drop malformed input, they must not treat it as fatal.
func Parse(b []byte) (*Envelope, error) {
	e := new(Envelope)
	if err := json.Unmarshal(b, e); err != nil {
		return nil, errors.Annotatef(ErrMalformed, "parse: %v", err)
	}
	if e.Action == "" {
		return nil, errors.Annotate(ErrMalformed, "empty action")
	}
	return e, nil
}

func (e *Envelope) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	return b, errors.Annotate(err, "envelope marshal")
}

// Canonical returns the exact byte sequence signed and verified:
// action + "|" + payload + "|" + timestamp. Field order or JSON whitespace
// never leaks into it. Any reimplementation must match byte-for-byte.
func (e *Envelope) Canonical() string {
	return e.Action + "|" + e.Payload + "|" + strconv.FormatInt(e.Timestamp, 10)
}

// Values below this threshold are Unix seconds, above are milliseconds.
// Heuristic kept verbatim for compatibility with existing senders; values
// near the boundary are ambiguous by design of the original protocol.
const msThreshold = 10_000_000_000

// Time decodes the dual-unit timestamp. Zero envelope timestamp yields
// the zero time.
func (e *Envelope) Time() time.Time {
	if e.Timestamp == 0 {
		return time.Time{}
	}
	if e.Timestamp < msThreshold {
		return time.Unix(e.Timestamp, 0)
	}
	return time.UnixMilli(e.Timestamp)
}

const AckStatusReceived = "received"

// Ack is sent back to the originating address, at most once per accepted
// command, only when the receiving endpoint enables acknowledgements.
type Ack struct {
	CmdID             string `json:"cmdId,omitempty"`
	Status            string `json:"status"`
	ReceivedTimestamp int64  `json:"receivedTimestamp"`
}

func NewAck(cmdID string) *Ack {
	return &Ack{
		CmdID:             cmdID,
		Status:            AckStatusReceived,
		ReceivedTimestamp: time.Now().UnixMilli(),
	}
}

func (a *Ack) Marshal() ([]byte, error) {
	b, err := json.Marshal(a)
	return b, errors.Annotate(err, "ack marshal")
}
