package mcpgateway

import "fmt"

// BackendState is the connectivity state of one backend.
type BackendState int

const (
	StateDisconnected BackendState = iota
	StateConnecting
	StateConnected
	StateFailed
	StateRestarting
)

var stateNames = map[BackendState]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateFailed:       "failed",
	StateRestarting:   "restarting",
}

func (s BackendState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("BackendState(%d)", int(s))
}

func (s BackendState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *BackendState) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("mcpgateway: unknown backend state %q", text)
}

// BackendStatus pairs a state with the failure reason carried by StateFailed.
type BackendStatus struct {
	State  BackendState
	Reason string
}

var (
	Disconnected = BackendStatus{State: StateDisconnected}
	Connecting   = BackendStatus{State: StateConnecting}
	Connected    = BackendStatus{State: StateConnected}
	Restarting   = BackendStatus{State: StateRestarting}
)

// Failed builds the failed status with its reason.
func Failed(reason string) BackendStatus {
	return BackendStatus{State: StateFailed, Reason: reason}
}

func (s BackendStatus) String() string {
	if s.State == StateFailed && s.Reason != "" {
		return "failed: " + s.Reason
	}
	return s.State.String()
}
