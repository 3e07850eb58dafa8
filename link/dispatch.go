package link

import (
	"net"
	"sync"

	"github.com/temoto/alive/v2"

	"github.com/fleetlink/fleetlink/helpers"
	"github.com/fleetlink/fleetlink/log2"
	"github.com/fleetlink/fleetlink/wire"
)

type HandlerFunc func(env *wire.Envelope, from *net.UDPAddr)

// Acker sends acknowledgements back to the observed sender.
// *Listener satisfies it.
type Acker interface {
	SendAck(*wire.Ack, *net.UDPAddr) error
}

type DispatcherOptions struct {
	Log *log2.Log
	// Ack enables acknowledgement of every admitted envelope, with or
	// without a specific handler, with or without a cmdId.
	Ack   bool
	Acker Acker
}

// Dispatcher drains an Inbox in FIFO order on one goroutine. A handler is
// invoked at most once per envelope and never concurrently with another,
// so handlers need no locking of their own.
type Dispatcher struct {
	alive     *alive.Alive
	log       *log2.Log
	opt       DispatcherOptions
	mu        sync.Mutex
	handlers  map[string]HandlerFunc
	observers []HandlerFunc
}

func NewDispatcher(opt DispatcherOptions) *Dispatcher {
	return &Dispatcher{
		alive:    alive.NewAlive(),
		log:      opt.Log,
		opt:      opt,
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers the handler for exact, case-sensitive action match.
// Last registration wins.
func (d *Dispatcher) Handle(action string, h HandlerFunc) {
	if action == "" {
		panic("code error Handle action=empty")
	}
	helpers.WithLock(&d.mu, func() { d.handlers[action] = h })
}

// Observe registers a fan-out observer invoked for every admitted
// envelope regardless of specific handler registration.
func (d *Dispatcher) Observe(h HandlerFunc) {
	helpers.WithLock(&d.mu, func() { d.observers = append(d.observers, h) })
}

// Run consumes in until Stop or channel close. Call from the owning
// scheduling goroutine; there must be exactly one consumer.
func (d *Dispatcher) Run(in <-chan Inbound) {
	if !d.alive.Add(1) {
		return
	}
	defer d.alive.Done()
	for {
		select {
		case inb, ok := <-in:
			if !ok {
				return
			}
			d.dispatch(inb)

		case <-d.alive.StopChan():
			return
		}
	}
}

func (d *Dispatcher) Stop() {
	d.alive.Stop()
	d.alive.Wait()
}

func (d *Dispatcher) dispatch(inb Inbound) {
	d.mu.Lock()
	handler := d.handlers[inb.Env.Action]
	observers := make([]HandlerFunc, len(d.observers))
	copy(observers, d.observers)
	d.mu.Unlock()

	// generic notification is unconditional
	for _, obs := range observers {
		obs(inb.Env, inb.From)
	}

	// specific handler is best-effort
	if handler != nil {
		handler(inb.Env, inb.From)
	} else {
		d.log.Debugf("no handler action=%s from=%s", inb.Env.Action, inb.From)
	}

	if d.opt.Ack && d.opt.Acker != nil {
		if err := d.opt.Acker.SendAck(wire.NewAck(inb.Env.CmdID), inb.From); err != nil {
			d.log.Errorf("ack cmdId=%s to=%s err=%v", inb.Env.CmdID, inb.From, err)
		}
	}
}
