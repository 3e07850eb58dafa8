package agent

import (
	"encoding/json"
	"net"

	"github.com/juju/errors"
)

// hostCache is the last resolved endpoint, persisted so restarts skip
// the probe round-trip when the host has not moved.
type hostCache struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

func (hc *hostCache) MarshalBinary() ([]byte, error) { return json.Marshal(hc) }

func (hc *hostCache) UnmarshalBinary(b []byte) error {
	if err := json.Unmarshal(b, hc); err != nil {
		return errors.Annotate(err, "host cache")
	}
	return nil
}

func (hc *hostCache) Addr() *net.UDPAddr {
	ip := net.ParseIP(hc.Address)
	if ip == nil || hc.Port <= 0 {
		return nil
	}
	return &net.UDPAddr{IP: ip, Port: hc.Port}
}

func (hc *hostCache) SetAddr(a *net.UDPAddr) {
	hc.Address = a.IP.String()
	hc.Port = a.Port
}
