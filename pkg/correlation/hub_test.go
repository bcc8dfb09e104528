package correlation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHub_ReserveThenSignalThenResolve(t *testing.T) {
	h := New()

	token := h.Reserve("async", map[string]any{"req_id": "R1"})
	_, _, ready, found := h.Resolve(token)
	require.True(t, found)
	require.False(t, ready)

	h.Signal("R1", map[string]any{"status": "ready", "ok": true})

	flow, value, ready, found := h.Resolve(token)
	require.True(t, found)
	require.True(t, ready)
	require.Equal(t, "async", flow)
	require.Equal(t, map[string]any{"status": "ready", "ok": true}, value)
}

func TestHub_SignalBeforeReserveIsBuffered(t *testing.T) {
	h := New()
	h.Signal("R2", "payload")

	token := h.Reserve("flow", map[string]any{"req_id": "R2"})
	_, value, ready, found := h.Resolve(token)
	require.True(t, found)
	require.True(t, ready)
	require.Equal(t, "payload", value)
}

func TestHub_ConsumeRemovesReservation(t *testing.T) {
	h := New()
	token := h.Reserve("flow", map[string]any{"req_id": "R3"})
	h.Signal("R3", "done")

	_, value, ready, found := h.Consume(token)
	require.True(t, found)
	require.True(t, ready)
	require.Equal(t, "done", value)

	_, _, _, found = h.Resolve(token)
	require.False(t, found)
}

func TestHub_ConsumeReadyRedeemsSignaledReservationByReqID(t *testing.T) {
	h := New()
	token := h.Reserve("flow", map[string]any{"req_id": "R5"})

	_, ok := h.ConsumeReady("R5")
	require.False(t, ok) // reservation exists but has not been signaled

	h.Signal("R5", "done")

	v, ok := h.ConsumeReady("R5")
	require.True(t, ok)
	require.Equal(t, "done", v)

	_, _, _, found := h.Resolve(token)
	require.False(t, found) // consumed

	_, ok = h.ConsumeReady("R5")
	require.False(t, ok)
}

func TestHub_ConsumeSignalWithoutReservation(t *testing.T) {
	h := New()
	h.Signal("R4", "standalone")

	v, ok := h.ConsumeSignal("R4")
	require.True(t, ok)
	require.Equal(t, "standalone", v)

	_, ok = h.ConsumeSignal("R4")
	require.False(t, ok)
}

func TestHub_ConcurrentAccessIsSafe(t *testing.T) {
	h := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		reqID := "R"
		go func() {
			defer wg.Done()
			h.Reserve("flow", map[string]any{"req_id": reqID})
		}()
		go func() {
			defer wg.Done()
			h.Signal(reqID, "x")
		}()
	}
	wg.Wait()
}
