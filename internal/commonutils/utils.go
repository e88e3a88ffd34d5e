// Package commonutils holds small, dependency-free helpers shared across
// core/fate, adapted from the teacher's internal/common_utils package.
package commonutils

import (
	"bytes"
	"runtime"
	"strconv"
)

// GoID extracts the current goroutine's id from runtime.Stack, for
// attaching to worker log lines so a given transaction's trace can be
// correlated to the specific worker goroutine that ran it. Returns -1 if
// it cannot be parsed, which should not happen on any supported Go
// runtime.
func GoID() int64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		return -1
	}
	return n
}
