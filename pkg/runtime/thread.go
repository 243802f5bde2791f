package runtime

import (
	"github.com/amirkhaki/chronoscope/pkg/event"
)

// ThreadID identifies the calling goroutine.
func ThreadID() int64 { return event.CurrentThreadID() }
