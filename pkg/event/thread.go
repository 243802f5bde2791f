package event

import (
	"github.com/joeycumines/goroutineid"
)

// CurrentThreadID identifies the calling goroutine, the unit of execution
// events are attributed to.
func CurrentThreadID() int64 {
	if id := goroutineid.Fast(); id != -1 {
		return id
	}
	return goroutineid.Slow(make([]byte, 64))
}
