package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReadyAfterInitialScan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event.xml")
	require.NoError(t, os.WriteFile(path, []byte("<Canoe123Data/>"), 0o644))

	w := NewFileWatcher(path, WatchPolling, 20*time.Millisecond, 10*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)
	t.Cleanup(w.Stop)

	select {
	case <-w.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("ready never fired")
	}
}

func TestWatcherPollingDetectsMtimeChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event.xml")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	w := NewFileWatcher(path, WatchPolling, 20*time.Millisecond, 10*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)
	t.Cleanup(w.Stop)

	<-w.Ready()

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case <-w.Changes():
	case <-time.After(3 * time.Second):
		t.Fatal("change never detected")
	}
}

func TestWatcherNativeDetectsWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "event.xml")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	w := NewFileWatcher(path, WatchNative, time.Second, 10*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)
	t.Cleanup(w.Stop)

	<-w.Ready()

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))

	select {
	case <-w.Changes():
	case <-time.After(3 * time.Second):
		t.Fatal("change never detected")
	}
}

func TestWatcherDebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "event.xml")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	w := NewFileWatcher(path, WatchNative, time.Second, 150*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)
	t.Cleanup(w.Stop)

	<-w.Ready()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte{byte('a' + i)}, 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-w.Changes():
	case <-time.After(3 * time.Second):
		t.Fatal("change never detected")
	}

	// The burst collapses into one emission.
	select {
	case <-w.Changes():
		t.Fatal("burst produced more than one change event")
	case <-time.After(400 * time.Millisecond):
	}
}

func TestWatcherMissingFileEmitsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.xml")
	w := NewFileWatcher(path, WatchPolling, 20*time.Millisecond, 10*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)
	t.Cleanup(w.Stop)

	select {
	case err := <-w.Errors():
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("no error for missing file")
	}
}

func TestXMLFileSourceEmitsContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event.xml")
	content := `<Canoe123Data MainTitle="Cup"><Schedule/></Canoe123Data>`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	src := NewXMLFileSource(path, WatchPolling, 20*time.Millisecond, 10*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go src.Run(ctx)
	t.Cleanup(src.Stop)

	select {
	case frame := <-src.Frames():
		assert.Equal(t, content, frame)
	case <-time.After(3 * time.Second):
		t.Fatal("no frame emitted")
	}
	assert.Equal(t, StatusConnected, src.Status())
}

func TestXMLFileSourceRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event.xml")
	require.NoError(t, os.WriteFile(path, []byte("<Other/>"), 0o644))

	src := NewXMLFileSource(path, WatchPolling, 20*time.Millisecond, 10*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go src.Run(ctx)
	t.Cleanup(src.Stop)

	select {
	case err := <-src.Errors():
		assert.Contains(t, err.Error(), "not a Canoe123 data file")
	case <-time.After(3 * time.Second):
		t.Fatal("no error emitted")
	}
	assert.NotEqual(t, StatusConnected, src.Status())
}

func TestXMLFileSourceSetPathSwitchesFiles(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.xml")
	second := filepath.Join(dir, "b.xml")
	require.NoError(t, os.WriteFile(first, []byte(`<Canoe123Data MainTitle="A"/>`), 0o644))
	require.NoError(t, os.WriteFile(second, []byte(`<Canoe123Data MainTitle="B"/>`), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(second, future, future))

	src := NewXMLFileSource(first, WatchPolling, 20*time.Millisecond, 10*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go src.Run(ctx)
	t.Cleanup(src.Stop)

	select {
	case frame := <-src.Frames():
		assert.Contains(t, frame, `MainTitle="A"`)
	case <-time.After(3 * time.Second):
		t.Fatal("no frame from first file")
	}

	src.SetPath(second)

	select {
	case frame := <-src.Frames():
		assert.Contains(t, frame, `MainTitle="B"`)
	case <-time.After(3 * time.Second):
		t.Fatal("no frame from second file")
	}
	assert.Equal(t, second, src.Path())
}
