package client

import (
	"sync"
	"time"
)

const (
	// DefaultCursorThrottle bounds outbound cursor sends during continuous
	// movement.
	DefaultCursorThrottle = 50 * time.Millisecond
	// DefaultCursorFade is how long a remote cursor stays visible without a
	// fresh sample.
	DefaultCursorFade = 5 * time.Second
	// DefaultSweepInterval drives the stale-cursor sweep.
	DefaultSweepInterval = time.Second
)

// Cursor is one remote participant's last known pointer position.
type Cursor struct {
	UserID      string
	Username    string
	X           float64
	Y           float64
	LastUpdated time.Time
	Visible     bool
}

// CursorBroadcaster throttles outbound cursor positions and tracks inbound
// samples per user, fading out anything stale. A participant who disconnects
// without notice simply fades out on the next sweep; no explicit cleanup
// message is required.
type CursorBroadcaster struct {
	throttle time.Duration
	fade     time.Duration
	send     func(x, y float64)
	now      func() time.Time

	mu       sync.Mutex
	samples  map[string]*Cursor
	lastSent time.Time
	stop     chan struct{}
}

func NewCursorBroadcaster(send func(x, y float64)) *CursorBroadcaster {
	return &CursorBroadcaster{
		throttle: DefaultCursorThrottle,
		fade:     DefaultCursorFade,
		send:     send,
		now:      time.Now,
		samples:  make(map[string]*Cursor),
	}
}

// Move reports local pointer movement. At most one send goes out per
// throttle interval regardless of the native input event rate.
func (c *CursorBroadcaster) Move(x, y float64) {
	c.mu.Lock()
	now := c.now()
	if now.Sub(c.lastSent) < c.throttle {
		c.mu.Unlock()
		return
	}
	c.lastSent = now
	c.mu.Unlock()

	c.send(x, y)
}

// ObserveRemote stores a cursor sample for a remote user.
func (c *CursorBroadcaster) ObserveRemote(userID, username string, x, y float64) {
	c.mu.Lock()
	c.samples[userID] = &Cursor{
		UserID:      userID,
		Username:    username,
		X:           x,
		Y:           y,
		LastUpdated: c.now(),
		Visible:     true,
	}
	c.mu.Unlock()
}

// Cursors returns a copy of all known samples.
func (c *CursorBroadcaster) Cursors() []Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Cursor, 0, len(c.samples))
	for _, s := range c.samples {
		out = append(out, *s)
	}
	return out
}

// sweep marks samples older than the fade delay invisible. Each user fades
// independently; fresh samples for one user never keep another visible.
func (c *CursorBroadcaster) sweep() {
	c.mu.Lock()
	now := c.now()
	for _, s := range c.samples {
		if now.Sub(s.LastUpdated) > c.fade {
			s.Visible = false
		}
	}
	c.mu.Unlock()
}

// StartSweep begins the periodic fade sweep. Stop must be called on leave.
func (c *CursorBroadcaster) StartSweep(interval time.Duration) {
	c.mu.Lock()
	if c.stop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.stop = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

func (c *CursorBroadcaster) Stop() {
	c.mu.Lock()
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.mu.Unlock()
}
