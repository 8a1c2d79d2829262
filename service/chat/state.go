package chat

import (
	"fmt"
	"time"
)

// State 连接生命周期：Connecting -> Authenticated -> Active -> Draining -> Closed
type State int32

// noState 新连接的 Transition.From
const noState State = -1

const (
	Connecting State = iota
	Authenticated
	Active
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticated:
		return "authenticated"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	case noState:
		return "none"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func (s State) Terminal() bool { return s == Closed }

// 合法迁移表；Closed 为终态
var transitions = map[State][]State{
	Connecting:    {Authenticated, Closed},
	Authenticated: {Active, Draining, Closed},
	Active:        {Draining, Closed},
	Draining:      {Closed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition 一次状态迁移，经 Manager.Transitions() 对外可见
type Transition struct {
	ConnID      string
	PrincipalID string
	From        State
	To          State
	Reason      string
	At          time.Time
}

// ErrIllegalTransition 非法迁移
type ErrIllegalTransition struct {
	From, To State
}

func (e ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}
