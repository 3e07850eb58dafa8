package link

import (
	"net"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/fleetlink/log2"
	"github.com/fleetlink/fleetlink/wire"
)

type fakeTransmitter struct {
	sent []string
	fail map[string]error
}

func (f *fakeTransmitter) Send(env *wire.Envelope, to *net.UDPAddr) error {
	if err := f.fail[to.String()]; err != nil {
		return err
	}
	f.sent = append(f.sent, to.String())
	return nil
}

func TestMultiSendAll(t *testing.T) {
	t.Parallel()

	tr := new(fakeTransmitter)
	targets := []Target{
		{Key: "dev-a", Addr: testAddr(3939)},
		{Key: "dev-b", Addr: testAddr(3940)},
	}
	rep := MultiSend(tr, wire.NewEnvelope("Beep", ""), targets, log2.NewTest(t, log2.LDebug))
	assert.Equal(t, 2, rep.Sent)
	assert.Empty(t, rep.Failed)
	assert.Equal(t, []string{"127.0.0.1:3939", "127.0.0.1:3940"}, tr.sent)
}

func TestMultiSendPartialFailure(t *testing.T) {
	t.Parallel()

	boom := errors.Errorf("network unreachable")
	tr := &fakeTransmitter{fail: map[string]error{"127.0.0.1:3940": boom}}
	targets := []Target{
		{Key: "dev-a", Addr: testAddr(3939)},
		{Key: "dev-b", Addr: testAddr(3940)},
		{Key: "dev-c", Addr: nil}, // missing address
		{Key: "dev-d", Addr: testAddr(3941)},
	}
	rep := MultiSend(tr, wire.NewEnvelope("Beep", ""), targets, log2.NewTest(t, log2.LDebug))

	// failures never abort the remaining targets
	assert.Equal(t, 2, rep.Sent)
	require.Len(t, rep.Failed, 2)
	assert.Equal(t, "dev-b", rep.Failed[0].Key)
	assert.Equal(t, boom, rep.Failed[0].Err)
	assert.Equal(t, "dev-c", rep.Failed[1].Key)
	assert.Equal(t, []string{"127.0.0.1:3939", "127.0.0.1:3941"}, tr.sent)
	assert.Contains(t, rep.String(), "sent=2")
}

func TestMultiSendEmpty(t *testing.T) {
	t.Parallel()

	rep := MultiSend(new(fakeTransmitter), wire.NewEnvelope("Beep", ""), nil, log2.NewTest(t, log2.LDebug))
	assert.Equal(t, 0, rep.Sent)
	assert.Equal(t, "sent=0", rep.String())
}
