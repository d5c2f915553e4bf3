package source

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func listen(t *testing.T) (net.Listener, string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return ln, host, port
}

func waitStatus(t *testing.T, ch <-chan Status, want Status) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case status := <-ch:
			if status == want {
				return
			}
		case <-deadline:
			t.Fatalf("never reached status %s", want)
		}
	}
}

func TestTCPSourceReceivesFrames(t *testing.T) {
	ln, host, port := listen(t)

	src := NewTCPSource(host, port, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go src.Run(ctx)
	t.Cleanup(src.Stop)

	server, err := ln.Accept()
	require.NoError(t, err)
	defer server.Close()

	waitStatus(t, src.StatusChanges(), StatusConnected)

	payload := `<Canoe123 System="Main"><TimeOfDay>10:30:00</TimeOfDay></Canoe123>|<Canoe123 System="Main"><TimeOfDay>10:30:01</TimeOfDay></Canoe123>|`
	_, err = server.Write([]byte(payload))
	require.NoError(t, err)

	var frames []string
	for len(frames) < 2 {
		select {
		case frame := <-src.Messages():
			frames = append(frames, frame)
		case <-time.After(5 * time.Second):
			t.Fatal("frames never arrived")
		}
	}
	assert.Contains(t, frames[0], "10:30:00")
	assert.Contains(t, frames[1], "10:30:01")
}

func TestTCPSourceReconnectTransitions(t *testing.T) {
	ln, host, port := listen(t)

	src := NewTCPSource(host, port, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go src.Run(ctx)
	t.Cleanup(src.Stop)

	server, err := ln.Accept()
	require.NoError(t, err)
	waitStatus(t, src.StatusChanges(), StatusConnected)

	// Kill the peer: the source drops and dials again with backoff.
	server.Close()
	waitStatus(t, src.StatusChanges(), StatusDisconnected)
	waitStatus(t, src.StatusChanges(), StatusConnecting)

	server2, err := ln.Accept()
	require.NoError(t, err)
	defer server2.Close()
	waitStatus(t, src.StatusChanges(), StatusConnected)
}

func TestTCPSourceSend(t *testing.T) {
	ln, host, port := listen(t)

	src := NewTCPSource(host, port, testLogger())

	// Not connected yet.
	require.ErrorIs(t, src.Send("<Ping/>"), ErrNotWritable)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go src.Run(ctx)
	t.Cleanup(src.Stop)

	server, err := ln.Accept()
	require.NoError(t, err)
	defer server.Close()
	waitStatus(t, src.StatusChanges(), StatusConnected)

	require.NoError(t, src.Send("<Ping/>"))

	buf := make([]byte, 64)
	server.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "<Ping/>|", string(buf[:n]))
}

func TestTCPSourceStopIsIdempotent(t *testing.T) {
	_, host, port := listen(t)
	src := NewTCPSource(host, port, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan struct{})
	go func() {
		src.Run(ctx)
		close(done)
	}()

	src.Stop()
	src.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run loop never ended")
	}
	assert.Equal(t, StatusDisconnected, src.Status())
}

func TestTCPSourceEmitsErrorWhileUnreachable(t *testing.T) {
	// A port nobody listens on: expect a connect error and a disconnected
	// status, while the source keeps retrying.
	ln, host, port := listen(t)
	ln.Close()

	src := NewTCPSource(host, port, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go src.Run(ctx)
	t.Cleanup(src.Stop)

	select {
	case err := <-src.Errors():
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("no connect error emitted")
	}
}
