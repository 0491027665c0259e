package admission

import (
	"sync"
)

// Result is the outcome of TryAcquire.
type Result int

const (
	Granted Result = iota
	GlobalFull
	UserFull
)

func (r Result) String() string {
	switch r {
	case Granted:
		return "granted"
	case GlobalFull:
		return "global_full"
	case UserFull:
		return "user_full"
	}
	return "unknown"
}

// Controller caps in-flight streams globally and per user. A rejected
// request changes no counter; a granted one increments both together.
type Controller struct {
	maxGlobal  int
	maxPerUser int

	mu      sync.Mutex
	global  int
	perUser map[string]int
}

func New(maxGlobal, maxPerUser int) *Controller {
	return &Controller{
		maxGlobal:  maxGlobal,
		maxPerUser: maxPerUser,
		perUser:    make(map[string]int),
	}
}

// Slot is a granted reservation. Release is safe to call more than once and
// only the first call returns capacity.
type Slot struct {
	c      *Controller
	userID string
	once   sync.Once
}

func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.c.release(s.userID) })
}

// TryAcquire checks the global ceiling first, then the caller's own.
func (c *Controller) TryAcquire(userID string) (*Slot, Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.global >= c.maxGlobal {
		return nil, GlobalFull
	}
	if c.perUser[userID] >= c.maxPerUser {
		return nil, UserFull
	}
	c.global++
	c.perUser[userID]++
	return &Slot{c: c, userID: userID}, Granted
}

func (c *Controller) release(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.global > 0 {
		c.global--
	}
	n := c.perUser[userID] - 1
	if n <= 0 {
		delete(c.perUser, userID)
		return
	}
	c.perUser[userID] = n
}

// Active returns the number of streams currently admitted.
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.global
}

// ActiveFor returns the number of streams currently admitted for userID.
func (c *Controller) ActiveFor(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perUser[userID]
}

// Users returns how many users hold at least one slot.
func (c *Controller) Users() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.perUser)
}
