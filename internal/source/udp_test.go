package source

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freeUDPPort reserves an ephemeral port and releases it for the announcer
// to bind.
func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func sendDatagram(t *testing.T, port int, payload string) {
	t.Helper()
	conn, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(payload))
	require.NoError(t, err)
}

func TestUDPAnnouncerDiscoversEngine(t *testing.T) {
	port := freeUDPPort(t)
	udp := NewUDPAnnouncer(port, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	runErr := make(chan error, 1)
	go func() { runErr <- udp.Run(ctx) }()
	t.Cleanup(udp.Stop)

	require.Eventually(t, func() bool {
		return udp.Status() == StatusConnected
	}, 2*time.Second, 10*time.Millisecond)

	// Malformed payloads are ignored without latching discovery.
	sendDatagram(t, port, "not an announcement")
	sendDatagram(t, port, `<Canoe123 System="Main"><TimeOfDay>10:00:00</TimeOfDay></Canoe123>`)

	select {
	case host := <-udp.Discovered():
		assert.Equal(t, "127.0.0.1", host)
	case <-time.After(5 * time.Second):
		t.Fatal("discovery never latched")
	}
	assert.Equal(t, "127.0.0.1", udp.DiscoveredHost())

	select {
	case dg := <-udp.Messages():
		assert.Contains(t, dg.Frame, "10:00:00")
		assert.Equal(t, "127.0.0.1", dg.SourceAddr)
	case <-time.After(5 * time.Second):
		t.Fatal("announcement frame never delivered")
	}

	// The latch is once per lifetime: a second announcement only yields a
	// message.
	sendDatagram(t, port, `<Canoe123 System="Main"><TimeOfDay>10:00:05</TimeOfDay></Canoe123>`)
	select {
	case dg := <-udp.Messages():
		assert.Contains(t, dg.Frame, "10:00:05")
	case <-time.After(5 * time.Second):
		t.Fatal("second announcement never delivered")
	}

	udp.Stop()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run never returned")
	}
	assert.Equal(t, StatusDisconnected, udp.Status())
}

func TestUDPAnnouncerTimeoutFiresOnce(t *testing.T) {
	port := freeUDPPort(t)
	udp := NewUDPAnnouncer(port, testLogger())
	udp.timeout = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go udp.Run(ctx)
	t.Cleanup(udp.Stop)

	select {
	case <-udp.Timeout():
	case <-time.After(3 * time.Second):
		t.Fatal("discovery timeout never fired")
	}
	assert.Empty(t, udp.DiscoveredHost())
}

func TestUDPAnnouncerSharesAnnouncementPort(t *testing.T) {
	port := freeUDPPort(t)
	udp := NewUDPAnnouncer(port, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go udp.Run(ctx)
	t.Cleanup(udp.Stop)

	require.Eventually(t, func() bool {
		return udp.Status() == StatusConnected
	}, 2*time.Second, 10*time.Millisecond)

	// The engine's own tooling binds the announcement port on the same
	// machine; a second reuse-enabled socket must coexist with ours.
	lc := net.ListenConfig{Control: reuseAddr}
	second, err := lc.ListenPacket(ctx, "udp", ":"+strconv.Itoa(port))
	require.NoError(t, err)
	assert.NoError(t, second.Close())
}

func TestUDPAnnouncerBindFailure(t *testing.T) {
	occupied, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()
	port := occupied.LocalAddr().(*net.UDPAddr).Port

	udp := NewUDPAnnouncer(port, testLogger())
	err = udp.Run(context.Background())
	assert.Error(t, err)
}
