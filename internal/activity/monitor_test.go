package activity

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorFiresOnceWhenIdle(t *testing.T) {
	var fired atomic.Int32
	m := NewMonitor(30*time.Millisecond, func() { fired.Add(1) })
	m.Start()
	assert.True(t, m.Active())

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, m.Active())

	// Staying idle never fires again.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, 1, m.IdleTransitions())
}

func TestMonitorTouchPostponesFiring(t *testing.T) {
	var fired atomic.Int32
	m := NewMonitor(60*time.Millisecond, func() { fired.Add(1) })
	m.Start()

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		m.Touch()
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, int32(0), fired.Load())
	assert.True(t, m.Active())

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMonitorTouchAfterIdleRearms(t *testing.T) {
	var fired atomic.Int32
	m := NewMonitor(20*time.Millisecond, func() { fired.Add(1) })
	m.Start()
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)

	wasIdle := m.Touch()
	assert.True(t, wasIdle)
	assert.True(t, m.Active())

	require.Eventually(t, func() bool { return fired.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, m.IdleTransitions())
}

func TestMonitorStopCancels(t *testing.T) {
	var fired atomic.Int32
	m := NewMonitor(20*time.Millisecond, func() { fired.Add(1) })
	m.Start()
	m.Stop()

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
	assert.False(t, m.Active())

	m.Touch()
	m.Start()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestMonitorDefaultThreshold(t *testing.T) {
	m := NewMonitor(0, nil)
	assert.Equal(t, DefaultThreshold, m.Threshold())
}

func TestMonitorCallbackMayReenter(t *testing.T) {
	done := make(chan struct{})
	var m *Monitor
	m = NewMonitor(10*time.Millisecond, func() {
		assert.False(t, m.Active())
		m.Stop()
		close(done)
	})
	m.Start()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}
}

type recordingWriter struct {
	mu     sync.Mutex
	chunks []string
	err    error
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	w.chunks = append(w.chunks, string(p))
	return len(p), nil
}

func (w *recordingWriter) got() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.chunks...)
}

func TestInputGateBuffersUntilOpen(t *testing.T) {
	w := &recordingWriter{}
	g := NewInputGate(w.Write)

	buf := []byte("ls")
	n, err := g.Write(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	buf[0] = 'X' // gate must have copied

	_, _ = g.Write([]byte(" -la"))
	_, _ = g.Write([]byte("\r"))
	assert.Empty(t, w.got())
	assert.Equal(t, 3, g.Pending())

	opened, err := g.Open()
	require.NoError(t, err)
	assert.True(t, opened)
	assert.Equal(t, []string{"ls", " -la", "\r"}, w.got())

	opened, err = g.Open()
	require.NoError(t, err)
	assert.False(t, opened, "second open must not flush again")
	assert.Equal(t, []string{"ls", " -la", "\r"}, w.got())

	_, err = g.Write([]byte("pwd\r"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ls", " -la", "\r", "pwd\r"}, w.got())
	assert.True(t, g.IsOpen())
}

func TestInputGateFlushError(t *testing.T) {
	w := &recordingWriter{err: errors.New("pty closed")}
	g := NewInputGate(w.Write)
	_, _ = g.Write([]byte("a"))

	opened, err := g.Open()
	assert.True(t, opened)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pty closed")
}

func TestInputGateClose(t *testing.T) {
	w := &recordingWriter{}
	g := NewInputGate(w.Write)
	_, _ = g.Write([]byte("a"))
	g.Close()

	_, err := g.Write([]byte("b"))
	require.Error(t, err)
	opened, err := g.Open()
	require.NoError(t, err)
	assert.False(t, opened)
	assert.Empty(t, w.got())
}

func TestInputGateBlockedWriteDoesNotHoldGate(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	g := NewInputGate(func(p []byte) (int, error) {
		entered <- struct{}{}
		<-release
		return len(p), nil
	})
	_, err := g.Open()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = g.Write([]byte("large paste"))
	}()
	<-entered

	closed := make(chan struct{})
	go func() {
		assert.True(t, g.IsOpen())
		opened, err := g.Open()
		assert.NoError(t, err)
		assert.False(t, opened)
		g.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("gate calls blocked behind an in-flight write")
	}

	_, err = g.Write([]byte("after close"))
	assert.Error(t, err)

	close(release)
	<-done
}

func TestInputGateKeepsOrderAcrossFlush(t *testing.T) {
	w := &recordingWriter{}
	g := NewInputGate(w.Write)
	for _, s := range []string{"a", "b", "c"} {
		_, _ = g.Write([]byte(s))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = g.Open()
	}()
	require.Eventually(t, g.IsOpen, time.Second, time.Millisecond)
	_, err := g.Write([]byte("d"))
	require.NoError(t, err)
	wg.Wait()

	assert.Equal(t, []string{"a", "b", "c", "d"}, w.got())
}
