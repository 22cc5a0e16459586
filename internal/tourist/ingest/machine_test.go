package ingest_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/touristwatch/internal/tourist/domain"
	"github.com/example/touristwatch/internal/tourist/ingest"
)

var errBoom = errors.New("boom")

func effectTypes(effects []ingest.Effect) []ingest.EffectType {
	out := make([]ingest.EffectType, len(effects))
	for i, e := range effects {
		out[i] = e.Type
	}
	return out
}

func TestMachineHappyPath(t *testing.T) {
	m := ingest.NewMachine(5, 3*time.Second)
	require.Equal(t, domain.StateDisconnected, m.State)

	m, effects := m.Step(ingest.Event{Type: ingest.EventConnect})
	require.Equal(t, domain.StateConnecting, m.State)
	require.Equal(t, []ingest.EffectType{ingest.EffectOpen}, effectTypes(effects))

	m, effects = m.Step(ingest.Event{Type: ingest.EventOpened})
	require.Equal(t, domain.StateConnected, m.State)
	require.Empty(t, effects)

	m, effects = m.Step(ingest.Event{Type: ingest.EventMessage, Payload: []byte(`{}`)})
	require.Equal(t, domain.StateConnected, m.State)
	require.Len(t, effects, 1)
	require.Equal(t, ingest.EffectApplyBatch, effects[0].Type)
	require.Equal(t, []byte(`{}`), effects[0].Payload)
}

func TestMachineRetryExhaustion(t *testing.T) {
	m := ingest.NewMachine(5, 3*time.Second)
	m, _ = m.Step(ingest.Event{Type: ingest.EventConnect})

	retries := 0
	for i := 0; i < 5; i++ {
		var effects []ingest.Effect
		m, effects = m.Step(ingest.Event{Type: ingest.EventTransportError, Err: errBoom})
		require.Equal(t, domain.StateError, m.State)
		require.Equal(t, []ingest.EffectType{ingest.EffectClose, ingest.EffectScheduleRetry}, effectTypes(effects))
		require.Equal(t, 3*time.Second, effects[1].Delay)

		m, effects = m.Step(ingest.Event{Type: ingest.EventRetryFired})
		require.Equal(t, domain.StateConnecting, m.State)
		require.Equal(t, []ingest.EffectType{ingest.EffectOpen}, effectTypes(effects))
		retries++
		require.Equal(t, retries, m.Retries)
	}

	// the fifth retry fails as well: no sixth attempt is scheduled
	m, effects := m.Step(ingest.Event{Type: ingest.EventTransportError, Err: errBoom})
	require.Equal(t, domain.StateDisconnected, m.State)
	require.Equal(t, []ingest.EffectType{ingest.EffectClose}, effectTypes(effects))

	m, effects = m.Step(ingest.Event{Type: ingest.EventRetryFired})
	require.Equal(t, domain.StateDisconnected, m.State)
	require.Empty(t, effects)

	// a new external connect starts over
	m, effects = m.Step(ingest.Event{Type: ingest.EventConnect})
	require.Equal(t, domain.StateConnecting, m.State)
	require.Zero(t, m.Retries)
	require.Equal(t, []ingest.EffectType{ingest.EffectOpen}, effectTypes(effects))
}

func TestMachineOpenResetsRetries(t *testing.T) {
	m := ingest.NewMachine(5, time.Second)
	m, _ = m.Step(ingest.Event{Type: ingest.EventConnect})
	m, _ = m.Step(ingest.Event{Type: ingest.EventTransportError})
	m, _ = m.Step(ingest.Event{Type: ingest.EventRetryFired})
	require.Equal(t, 1, m.Retries)

	m, _ = m.Step(ingest.Event{Type: ingest.EventOpened})
	require.Equal(t, domain.StateConnected, m.State)
	require.Zero(t, m.Retries)

	m, effects := m.Step(ingest.Event{Type: ingest.EventTransportError})
	require.Equal(t, domain.StateError, m.State)
	require.Equal(t, []ingest.EffectType{ingest.EffectClose, ingest.EffectScheduleRetry}, effectTypes(effects))
}

func TestMachineDisconnectFromAnyState(t *testing.T) {
	states := []func() ingest.Machine{
		func() ingest.Machine { return ingest.NewMachine(5, time.Second) },
		func() ingest.Machine {
			m, _ := ingest.NewMachine(5, time.Second).Step(ingest.Event{Type: ingest.EventConnect})
			return m
		},
		func() ingest.Machine {
			m, _ := ingest.NewMachine(5, time.Second).Step(ingest.Event{Type: ingest.EventConnect})
			m, _ = m.Step(ingest.Event{Type: ingest.EventOpened})
			return m
		},
		func() ingest.Machine {
			m, _ := ingest.NewMachine(5, time.Second).Step(ingest.Event{Type: ingest.EventConnect})
			m, _ = m.Step(ingest.Event{Type: ingest.EventTransportError})
			return m
		},
	}
	for _, build := range states {
		m := build()
		from := m.State
		m, effects := m.Step(ingest.Event{Type: ingest.EventDisconnect})
		require.Equal(t, domain.StateDisconnected, m.State, "from %s", from)
		require.Equal(t, []ingest.EffectType{ingest.EffectCancelRetry, ingest.EffectClose}, effectTypes(effects))
	}
}

func TestMachineIgnoresOutOfStateEvents(t *testing.T) {
	m := ingest.NewMachine(5, time.Second)

	next, effects := m.Step(ingest.Event{Type: ingest.EventMessage, Payload: []byte(`{}`)})
	require.Equal(t, m, next)
	require.Empty(t, effects)

	next, effects = m.Step(ingest.Event{Type: ingest.EventOpened})
	require.Equal(t, m, next)
	require.Empty(t, effects)

	next, effects = m.Step(ingest.Event{Type: ingest.EventTransportError})
	require.Equal(t, m, next)
	require.Empty(t, effects)

	connecting, _ := m.Step(ingest.Event{Type: ingest.EventConnect})
	next, effects = connecting.Step(ingest.Event{Type: ingest.EventConnect})
	require.Equal(t, connecting, next)
	require.Empty(t, effects)
}

func TestMachineConnectDuringBackoff(t *testing.T) {
	m := ingest.NewMachine(5, time.Second)
	m, _ = m.Step(ingest.Event{Type: ingest.EventConnect})
	m, _ = m.Step(ingest.Event{Type: ingest.EventTransportError})
	m, _ = m.Step(ingest.Event{Type: ingest.EventRetryFired})
	m, _ = m.Step(ingest.Event{Type: ingest.EventTransportError})
	require.Equal(t, domain.StateError, m.State)

	m, effects := m.Step(ingest.Event{Type: ingest.EventConnect})
	require.Equal(t, domain.StateConnecting, m.State)
	require.Zero(t, m.Retries)
	require.Equal(t, []ingest.EffectType{ingest.EffectCancelRetry, ingest.EffectOpen}, effectTypes(effects))
}
