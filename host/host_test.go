package host

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/fleetlink/config"
	"github.com/fleetlink/fleetlink/link"
	"github.com/fleetlink/fleetlink/log2"
	"github.com/fleetlink/fleetlink/wire"
)

func testHost(t testing.TB) *Host {
	cfg := &config.Config{}
	cfg.Host.Name = "dash-test"
	cfg.Host.CommandPort = config.DefaultCommandPort
	h := New(cfg, log2.NewTest(t, log2.LDebug))
	require.NoError(t, h.Start())
	t.Cleanup(h.Stop)
	return h
}

func sendTo(t testing.TB, conn *net.UDPConn, env *wire.Envelope, to *net.UDPAddr) {
	t.Helper()
	b, err := env.Marshal()
	require.NoError(t, err)
	_, err = conn.WriteToUDP(b, to)
	require.NoError(t, err)
}

func recvFrom(t testing.TB, conn *net.UDPConn) *wire.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 4096)
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	env, err := wire.Parse(buf[:n])
	require.NoError(t, err)
	return env
}

func TestHostAcksWhenEnabled(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Host.Name = "dash-test"
	cfg.Listen.Ack = true
	h := New(cfg, log2.NewTest(t, log2.LDebug))
	require.NoError(t, h.Start())
	t.Cleanup(h.Stop)

	agent, err := link.ListenBroadcastUDP(0)
	require.NoError(t, err)
	defer agent.Close()

	payload, err := wire.EncodePayload(&wire.Record{DeviceID: "dev-ack"})
	require.NoError(t, err)
	env := wire.NewEnvelope(wire.ActionHeartbeat, payload)
	env.CmdID = "hb-1"
	sendTo(t, agent, env, h.Listener.LocalAddr())

	require.NoError(t, agent.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 4096)
	n, _, err := agent.ReadFromUDP(buf)
	require.NoError(t, err, "expected an acknowledgement datagram")
	ack := new(wire.Ack)
	require.NoError(t, json.Unmarshal(buf[:n], ack))
	assert.Equal(t, "hb-1", ack.CmdID)
	assert.Equal(t, wire.AckStatusReceived, ack.Status)

	d, ok := h.Roster.Get("dev-ack")
	require.True(t, ok)
	assert.Equal(t, "dev-ack", d.DeviceID)
}

func TestHostAnswersProbe(t *testing.T) {
	t.Parallel()
	h := testHost(t)
	agent, err := link.ListenBroadcastUDP(0)
	require.NoError(t, err)
	defer agent.Close()
	agentPort := agent.LocalAddr().(*net.UDPAddr).Port

	payload, err := wire.EncodePayload(&wire.Probe{
		DeviceID:    "dev-1",
		DeviceName:  "Lobby",
		RequestPort: agentPort,
		CommandPort: 3939,
	})
	require.NoError(t, err)
	sendTo(t, agent, wire.NewEnvelope(wire.ActionDiscoverHost, payload), h.Listener.LocalAddr())

	reply := recvFrom(t, agent)
	require.Equal(t, wire.ActionHostAnnouncement, reply.Action)
	ann := new(wire.Announce)
	require.NoError(t, wire.DecodePayload(reply.Payload, ann))
	assert.Equal(t, "dash-test", ann.HostName)
	assert.Equal(t, config.DefaultCommandPort, ann.CommandPort)

	// the probe itself is a sighting
	require.Eventually(t, func() bool { return h.Roster.Len() == 1 },
		2*time.Second, 10*time.Millisecond)
	d, ok := h.Roster.Get("dev-1")
	require.True(t, ok)
	assert.Equal(t, "Lobby", d.DeviceName)
	assert.Equal(t, 3939, d.CommandPort)
}

func TestHostRecordsHeartbeat(t *testing.T) {
	t.Parallel()
	h := testHost(t)
	agent, err := link.ListenBroadcastUDP(0)
	require.NoError(t, err)
	defer agent.Close()

	payload, err := wire.EncodePayload(&wire.Record{DeviceID: "dev-2", Platform: "linux"})
	require.NoError(t, err)
	sendTo(t, agent, wire.NewEnvelope(wire.ActionHeartbeat, payload), h.Listener.LocalAddr())

	require.Eventually(t, func() bool {
		d, ok := h.Roster.Get("dev-2")
		return ok && d.Platform == "linux"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHostSendToDevice(t *testing.T) {
	t.Parallel()
	h := testHost(t)
	agent, err := link.ListenBroadcastUDP(0)
	require.NoError(t, err)
	defer agent.Close()
	agentAddr := agent.LocalAddr().(*net.UDPAddr)

	h.Roster.Apply(&wire.Record{DeviceID: "dev-3", CommandPort: agentAddr.Port},
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000})

	env := wire.NewEnvelope("Beep", "loud")
	require.NoError(t, h.Send("dev-3", env))
	got := recvFrom(t, agent)
	assert.Equal(t, "Beep", got.Action)
	assert.Equal(t, "loud", got.Payload)

	err = h.Send("nobody", env)
	require.Error(t, err)
}

func TestHostSendAllPartial(t *testing.T) {
	t.Parallel()
	h := testHost(t)
	agent, err := link.ListenBroadcastUDP(0)
	require.NoError(t, err)
	defer agent.Close()
	agentAddr := agent.LocalAddr().(*net.UDPAddr)

	h.Roster.Apply(&wire.Record{DeviceID: "good", CommandPort: agentAddr.Port},
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000})
	h.Roster.Apply(&wire.Record{DeviceID: "portless"}, nil) // no address, no port

	report := h.SendAll(wire.NewEnvelope("Beep", ""))
	assert.Equal(t, 1, report.Sent)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "portless", report.Failed[0].Key)

	got := recvFrom(t, agent)
	assert.Equal(t, "Beep", got.Action)
}
