package models

// LifecycleState is the supervised phase of a plugin instance.
type LifecycleState string

const (
	StatePending       LifecycleState = "pending"
	StateLaunching     LifecycleState = "launching"
	StateHandshakeWait LifecycleState = "handshake_wait"
	StateInitializing  LifecycleState = "initializing"
	StateReady         LifecycleState = "ready"
	StateDegraded      LifecycleState = "degraded"
	StateCrashed       LifecycleState = "crashed"
	StateRestarting    LifecycleState = "restarting"
	StateStopped       LifecycleState = "stopped"
)

// AllStates lists every lifecycle state in state-machine order.
var AllStates = []LifecycleState{
	StatePending,
	StateLaunching,
	StateHandshakeWait,
	StateInitializing,
	StateReady,
	StateDegraded,
	StateCrashed,
	StateRestarting,
	StateStopped,
}

// Routable reports whether requests may be dispatched to an instance in this state.
// Degraded instances stay routable but are flagged.
func (s LifecycleState) Routable() bool {
	return s == StateReady || s == StateDegraded
}

func (s LifecycleState) String() string { return string(s) }
