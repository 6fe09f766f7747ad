package rplidar

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/csrubin/buckeyeville-lidar/internal/monitoring"
	"github.com/csrubin/buckeyeville-lidar/internal/serialport"
)

// revolutionCache assembles nodes into revolutions and hands the most recent
// complete one to a single waiting reader. A revolution longer than
// MaxScanNodes is never handed out; the reader gets ErrBufferTooSmall for it.
type revolutionCache struct {
	mu       sync.Mutex
	pending  []Node
	ready    []Node
	err      error
	dropped  int
	overflow int // node count of the latest revolution when it overflowed
	signal   chan struct{}
}

func newRevolutionCache() *revolutionCache {
	return &revolutionCache{
		pending: make([]Node, 0, MaxScanNodes),
		signal:  make(chan struct{}, 1),
	}
}

func (c *revolutionCache) add(n Node) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n.StartOfRevolution() && len(c.pending) > 0 {
		if c.dropped > 0 {
			c.ready = nil
			c.overflow = len(c.pending) + c.dropped
			monitoring.Debugf("rplidar: revolution of %d nodes exceeds %d", c.overflow, MaxScanNodes)
		} else {
			c.ready = append(c.ready[:0:0], c.pending...)
			c.overflow = 0
		}
		c.pending = c.pending[:0]
		c.dropped = 0
		c.notify()
	}
	if len(c.pending) >= MaxScanNodes {
		c.dropped++
		return
	}
	c.pending = append(c.pending, n)
}

// fail records a terminal error for every later wait.
func (c *revolutionCache) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
	c.notify()
}

func (c *revolutionCache) notify() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// wait returns the latest complete revolution, consuming it. An overflowed
// latest revolution is consumed as ErrBufferTooSmall.
func (c *revolutionCache) wait(ctx context.Context, timeout <-chan time.Time) ([]Node, error) {
	for {
		c.mu.Lock()
		if n := c.overflow; n > 0 {
			c.overflow = 0
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: revolution of %d nodes, limit %d", ErrBufferTooSmall, n, MaxScanNodes)
		}
		if c.ready != nil {
			nodes := c.ready
			c.ready = nil
			c.mu.Unlock()
			return nodes, nil
		}
		err := c.err
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}

		select {
		case <-c.signal:
		case <-timeout:
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// readScan decodes the measurement stream until stop is closed or the port
// fails.
func readScan(path string, port serialport.Port, cache *revolutionCache, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	var dec nodeDecoder
	buf := make([]byte, 512)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := port.Read(buf)
		for _, b := range buf[:n] {
			if node, ok := dec.push(b); ok {
				cache.add(node)
			}
		}
		if err != nil {
			select {
			case <-stop:
			default:
				monitoring.Logf("rplidar: scan stream on %s ended: %v", path, err)
				cache.fail(err)
			}
			return
		}
	}
}
