package link

import (
	"fmt"
	"net"
	"strings"

	"github.com/juju/errors"

	"github.com/fleetlink/fleetlink/log2"
	"github.com/fleetlink/fleetlink/wire"
)

// Transmitter sends one envelope to one address. *Listener satisfies it.
type Transmitter interface {
	Send(*wire.Envelope, *net.UDPAddr) error
}

type Target struct {
	Key  string // caller's label, usually deviceId
	Addr *net.UDPAddr
}

type TargetError struct {
	Key string
	Err error
}

// Report is the outcome of a multi-target send: success count plus
// per-target failures. Partial failure is not an error of the batch.
type Report struct {
	Sent   int
	Failed []TargetError
}

func (r *Report) String() string {
	if len(r.Failed) == 0 {
		return fmt.Sprintf("sent=%d", r.Sent)
	}
	ss := make([]string, 0, len(r.Failed))
	for _, f := range r.Failed {
		ss = append(ss, fmt.Sprintf("%s: %v", f.Key, f.Err))
	}
	return fmt.Sprintf("sent=%d failed=%d [%s]", r.Sent, len(r.Failed), strings.Join(ss, "; "))
}

// MultiSend delivers env to each target sequentially. A failed target
// never aborts the rest.
func MultiSend(tr Transmitter, env *wire.Envelope, targets []Target, log *log2.Log) Report {
	var rep Report
	for _, tg := range targets {
		if tg.Addr == nil {
			rep.Failed = append(rep.Failed, TargetError{Key: tg.Key, Err: errors.Errorf("no address")})
			continue
		}
		if err := tr.Send(env, tg.Addr); err != nil {
			log.Debugf("multisend key=%s addr=%s err=%v", tg.Key, tg.Addr, err)
			rep.Failed = append(rep.Failed, TargetError{Key: tg.Key, Err: err})
			continue
		}
		rep.Sent++
	}
	return rep
}
