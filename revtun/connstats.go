package revtun

import (
	"fmt"
	"sync/atomic"
)

// ConnStats tracks both the currently-open and the lifetime total connection
// counts for a relay pool or a proxy port.
type ConnStats struct {
	count int32
	open  int32
}

// New adds one to the lifetime total connection count
func (c *ConnStats) New() int32 {
	return atomic.AddInt32(&c.count, 1)
}

// Open adds one to the currently-open connection count
func (c *ConnStats) Open() {
	atomic.AddInt32(&c.open, 1)
}

// Close subtracts one from the currently-open connection count
func (c *ConnStats) Close() {
	atomic.AddInt32(&c.open, -1)
}

// OpenCount returns the currently-open connection count
func (c *ConnStats) OpenCount() int32 {
	return atomic.LoadInt32(&c.open)
}

// TotalCount returns the lifetime total connection count
func (c *ConnStats) TotalCount() int32 {
	return atomic.LoadInt32(&c.count)
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", atomic.LoadInt32(&c.open), atomic.LoadInt32(&c.count))
}
