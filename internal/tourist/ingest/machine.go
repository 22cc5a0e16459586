package ingest

import (
	"time"

	"github.com/example/touristwatch/internal/tourist/domain"
)

type EventType int

const (
	EventConnect EventType = iota + 1
	EventOpened
	EventMessage
	EventTransportError
	EventRetryFired
	EventDisconnect
)

func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventOpened:
		return "opened"
	case EventMessage:
		return "message"
	case EventTransportError:
		return "transport_error"
	case EventRetryFired:
		return "retry_fired"
	case EventDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Event is an input to the connection state machine.
type Event struct {
	Type    EventType
	Payload []byte
	Err     error
}

type EffectType int

const (
	EffectOpen EffectType = iota + 1
	EffectClose
	EffectScheduleRetry
	EffectCancelRetry
	EffectApplyBatch
)

// Effect is a side effect the runtime must perform after a transition.
type Effect struct {
	Type    EffectType
	Delay   time.Duration
	Payload []byte
}

// Machine is the connection lifecycle. Step is pure so the whole lifecycle
// can be exercised without a network.
type Machine struct {
	State      domain.ConnectionState
	Retries    int
	MaxRetries int
	RetryDelay time.Duration
}

// NewMachine returns a disconnected machine.
func NewMachine(maxRetries int, retryDelay time.Duration) Machine {
	return Machine{State: domain.StateDisconnected, MaxRetries: maxRetries, RetryDelay: retryDelay}
}

// Step applies ev and returns the next machine plus the effects to run in order.
func (m Machine) Step(ev Event) (Machine, []Effect) {
	switch ev.Type {
	case EventConnect:
		switch m.State {
		case domain.StateDisconnected:
			m.State = domain.StateConnecting
			m.Retries = 0
			return m, []Effect{{Type: EffectOpen}}
		case domain.StateError:
			m.State = domain.StateConnecting
			m.Retries = 0
			return m, []Effect{{Type: EffectCancelRetry}, {Type: EffectOpen}}
		}
	case EventOpened:
		if m.State == domain.StateConnecting {
			m.State = domain.StateConnected
			m.Retries = 0
		}
	case EventMessage:
		if m.State == domain.StateConnected {
			return m, []Effect{{Type: EffectApplyBatch, Payload: ev.Payload}}
		}
	case EventTransportError:
		if m.State != domain.StateConnecting && m.State != domain.StateConnected {
			return m, nil
		}
		if m.Retries < m.MaxRetries {
			m.State = domain.StateError
			return m, []Effect{{Type: EffectClose}, {Type: EffectScheduleRetry, Delay: m.RetryDelay}}
		}
		m.State = domain.StateDisconnected
		return m, []Effect{{Type: EffectClose}}
	case EventRetryFired:
		if m.State == domain.StateError {
			m.Retries++
			m.State = domain.StateConnecting
			return m, []Effect{{Type: EffectOpen}}
		}
	case EventDisconnect:
		m.State = domain.StateDisconnected
		m.Retries = 0
		return m, []Effect{{Type: EffectCancelRetry}, {Type: EffectClose}}
	}
	return m, nil
}
