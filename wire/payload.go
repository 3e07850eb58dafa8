package wire

import (
	"encoding/json"

	"github.com/juju/errors"
)

// Payload shapes for the built-in protocol actions. Application actions
// define their own; the dispatcher hands the opaque string through.

// Probe is the DiscoverHost payload: requester identity plus where the
// reply and subsequent commands should go.
type Probe struct {
	DeviceID     string `json:"deviceId"`
	DeviceName   string `json:"deviceName,omitempty"`
	Platform     string `json:"platform,omitempty"`
	BuildVersion string `json:"buildVersion,omitempty"`
	Scene        string `json:"scene,omitempty"`
	RequestPort  int    `json:"requestPort,omitempty"`
	CommandPort  int    `json:"commandPort,omitempty"`
}

// Announce is the HostAnnouncement payload. Sent in reply to a probe and
// broadcast unsolicited.
type Announce struct {
	HostName    string `json:"hostName,omitempty"`
	HostAddress string `json:"hostAddress,omitempty"`
	HostPort    int    `json:"hostPort,omitempty"`
	CommandPort int    `json:"commandPort,omitempty"`
}

// Record is the RegisterClient/Heartbeat payload. All fields but DeviceID
// are optional; absent fields never clear previously reported values.
type Record struct {
	DeviceID     string `json:"deviceId"`
	DeviceName   string `json:"deviceName,omitempty"`
	Platform     string `json:"platform,omitempty"`
	BuildVersion string `json:"buildVersion,omitempty"`
	IPv4         string `json:"ipv4,omitempty"`
	Scene        string `json:"scene,omitempty"`
	CommandPort  int    `json:"commandPort,omitempty"`
}

func EncodePayload(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.Annotate(err, "payload marshal")
	}
	return string(b), nil
}

func DecodePayload(payload string, v interface{}) error {
	if payload == "" {
		return errors.Annotate(ErrMalformed, "empty payload")
	}
	return errors.Annotate(json.Unmarshal([]byte(payload), v), "payload unmarshal")
}
