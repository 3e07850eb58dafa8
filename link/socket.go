// Package link owns UDP sockets: bind/rebind lifecycle, the receive loop
// feeding a single-consumer queue, dispatch of admitted envelopes and
// multi-target sends.
package link

import (
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/fleetlink/fleetlink/helpers"
	"github.com/fleetlink/fleetlink/log2"
	"github.com/fleetlink/fleetlink/wire"
)

const (
	DefaultQueueDepth = 64
	// max UDP payload, datagrams never fragment an envelope
	readBufferSize = 65507
)

var ErrClosing = errors.New("closing")

// Inbound is one admitted datagram: parsed, authenticated, fresh.
type Inbound struct {
	Env  *wire.Envelope
	From *net.UDPAddr
}

type ListenerOptions struct {
	Log         *log2.Log
	Port        int
	Secret      string
	StaleWindow time.Duration
	QueueDepth  int
}

// Listener binds one UDP port and runs its receive loop. Datagrams pass
// Codec -> Authenticator -> Freshness synchronously on the receive
// goroutine; survivors land in Inbox() in arrival order.
type Listener struct {
	mu    sync.Mutex
	loop  *alive.Alive // current socket's receive loop
	conn  *net.UDPConn
	fresh *wire.Filter
	log   *log2.Log
	opt   ListenerOptions
	queue chan Inbound
	stat  Stat
	fatal helpers.AtomicError
}

func NewListener(opt ListenerOptions) *Listener {
	if opt.QueueDepth == 0 {
		opt.QueueDepth = DefaultQueueDepth
	}
	return &Listener{
		fresh: wire.NewFilter(opt.StaleWindow),
		log:   opt.Log,
		opt:   opt,
		queue: make(chan Inbound, opt.QueueDepth),
	}
}

// Bind binds the configured port. Failure is fatal to this listener's
// startup, the caller decides on remediation. No port hunting.
func (l *Listener) Bind() error { return l.Rebind(l.opt.Port) }

// Rebind tears down the current socket completely, including waiting for
// its receive loop to exit, before binding the new port. Two sockets for
// the same listener never coexist.
func (l *Listener) Rebind(port int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.teardown()

	conn, err := ListenBroadcastUDP(port)
	if err != nil {
		return errors.Annotatef(err, "bind port=%d", port)
	}
	loop := alive.NewAlive()
	loop.Add(1)
	l.conn = conn
	l.loop = loop
	l.opt.Port = port
	l.log.Debugf("listen udp=%s", conn.LocalAddr())
	go l.recvLoop(conn, loop)
	return nil
}

func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.teardown()
	return nil
}

// must be called with lock
func (l *Listener) teardown() {
	if l.loop == nil {
		return
	}
	l.loop.Stop()
	_ = l.conn.Close()
	l.loop.Wait()
	l.loop = nil
	l.conn = nil
}

// Inbox is the single-consumer queue of admitted envelopes.
func (l *Listener) Inbox() <-chan Inbound { return l.queue }

func (l *Listener) LocalAddr() *net.UDPAddr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr().(*net.UDPAddr)
}

func (l *Listener) Stat() *Stat { return &l.stat }

// Err reports the first fatal receive error, if any. Deliberate teardown
// via Close/Rebind does not count.
func (l *Listener) Err() (error, bool) { return l.fatal.Load() }

// Send signs (when a secret is configured and the envelope is not yet
// signed), marshals and transmits one envelope.
func (l *Listener) Send(env *wire.Envelope, to *net.UDPAddr) error {
	if l.opt.Secret != "" && env.Signature == "" {
		env.Signature = wire.Sign(l.opt.Secret, env)
	}
	b, err := env.Marshal()
	if err != nil {
		return errors.Trace(err)
	}
	return l.SendRaw(b, to)
}

func (l *Listener) SendAck(ack *wire.Ack, to *net.UDPAddr) error {
	b, err := ack.Marshal()
	if err != nil {
		return errors.Trace(err)
	}
	return l.SendRaw(b, to)
}

func (l *Listener) SendRaw(b []byte, to *net.UDPAddr) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return errors.Trace(ErrClosing)
	}
	_, err := conn.WriteToUDP(b, to)
	if err != nil {
		l.stat.SendError.Add(1)
		return errors.Annotatef(err, "send to=%s", to)
	}
	l.stat.SendTotal.Add(1)
	return nil
}

func (l *Listener) recvLoop(conn *net.UDPConn, a *alive.Alive) {
	defer a.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if !a.IsRunning() {
			return
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				l.log.Debugf("recv temporary err=%v", err)
				continue
			}
			l.log.Errorf("recv err=%v", err)
			l.fatal.StoreOnce(err)
			return
		}
		l.stat.RecvTotal.Add(1)

		env, err := wire.Parse(buf[:n])
		if err != nil {
			l.stat.RecvDropped.Add(1)
			l.log.Debugf("drop malformed from=%s err=%v", from, err)
			continue
		}
		if !wire.Verify(l.opt.Secret, env) {
			l.stat.RecvDropped.Add(1)
			l.log.Errorf("drop auth failure from=%s action=%s", from, env.Action)
			continue
		}
		if err = l.fresh.Admit(env); err != nil {
			l.stat.RecvDropped.Add(1)
			l.log.Debugf("drop from=%s err=%v", from, err)
			continue
		}
		l.stat.RecvAdmitted.Add(1)

		select {
		case l.queue <- Inbound{Env: env, From: from}:
		case <-a.StopChan():
			return
		}
	}
}
