package monitor

import "fmt"

// State 是打印任务的生命周期状态。
type State string

const (
	StateReceived         State = "Received"
	StateKeyResolving     State = "KeyResolving"
	StateDecrypting       State = "Decrypting"
	StateHandedOff        State = "HandedOff"
	StateExecutionPending State = "ExecutionPending"
	StateCompleted        State = "Completed"
	StateFailed           State = "Failed"
)

var transitions = map[State][]State{
	StateReceived:         {StateKeyResolving, StateFailed},
	StateKeyResolving:     {StateDecrypting, StateFailed},
	StateDecrypting:       {StateHandedOff, StateFailed},
	StateHandedOff:        {StateExecutionPending, StateFailed},
	StateExecutionPending: {StateCompleted, StateFailed},
}

// Terminal 表示任务已结束。
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// CanTransition 判断 from→to 是否合法。
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal job transition %s -> %s", from, to)
	}
	return nil
}
