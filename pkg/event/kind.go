package event

import (
	"errors"
	"fmt"
	"sync"
)

// Kind represents the type of event
type Kind uint16

const (
	KindStartup Kind = iota + 1
	KindShutdown
	KindNewNode
	KindNewThread
	KindExitThread
	KindStartTimer
	KindStopTimer
	KindYieldTimer
	KindResumeTimer
	KindNewTask
	KindSampleValue
	KindPeriodic

	// FirstCustom is the first kind handed out by a CustomKinds registry.
	FirstCustom Kind = 1 << 10
)

func (k Kind) String() string {
	switch k {
	case KindStartup:
		return "startup"
	case KindShutdown:
		return "shutdown"
	case KindNewNode:
		return "new_node"
	case KindNewThread:
		return "new_thread"
	case KindExitThread:
		return "exit_thread"
	case KindStartTimer:
		return "start"
	case KindStopTimer:
		return "stop"
	case KindYieldTimer:
		return "yield"
	case KindResumeTimer:
		return "resume"
	case KindNewTask:
		return "new_task"
	case KindSampleValue:
		return "sample_value"
	case KindPeriodic:
		return "periodic"
	default:
		if k.IsCustom() {
			return fmt.Sprintf("custom(%d)", uint16(k-FirstCustom))
		}
		return "unknown"
	}
}

// IsCustom reports whether k is in the application-defined range.
func (k Kind) IsCustom() bool { return k >= FirstCustom }

// MaxCustomKinds is the capacity of the custom range, from FirstCustom to
// the largest Kind.
const MaxCustomKinds = int(^Kind(0)-FirstCustom) + 1

// ErrCustomExhausted is returned once every custom kind has been allocated.
var ErrCustomExhausted = errors.New("event: custom event kinds exhausted")

// CustomKinds hands out application-defined kinds by name. Registering the
// same name twice returns the same kind. Safe for concurrent use.
type CustomKinds struct {
	mu     sync.Mutex
	byName map[string]Kind
	names  []string
}

// Register returns the kind for name, allocating one if necessary. Returns
// ErrCustomExhausted if name is new, and MaxCustomKinds are allocated.
func (x *CustomKinds) Register(name string) (Kind, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if k, ok := x.byName[name]; ok {
		return k, nil
	}
	if len(x.names) >= MaxCustomKinds {
		return 0, fmt.Errorf("%w: registering %q", ErrCustomExhausted, name)
	}
	if x.byName == nil {
		x.byName = make(map[string]Kind)
	}
	k := FirstCustom + Kind(len(x.names))
	x.byName[name] = k
	x.names = append(x.names, name)
	return k, nil
}

// Name returns the registered name of a custom kind.
func (x *CustomKinds) Name(k Kind) (string, bool) {
	if !k.IsCustom() {
		return "", false
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	i := int(k - FirstCustom)
	if i >= len(x.names) {
		return "", false
	}
	return x.names[i], true
}
