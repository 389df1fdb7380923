// Package correlator matches responses to in-flight requests by correlation id.
//
// Each Dispatch stores a pending entry with its own timer. Whichever of
// {matching response, timer, rejection, context cancellation} happens first
// removes the entry and settles the call; later signals find nothing and are
// ignored, so a request settles exactly once.
package correlator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grovetools/tabrelay/errors"
	"github.com/grovetools/tabrelay/pkg/protocol"
)

// SendFunc transmits a message that already carries its correlation id.
type SendFunc func(msg *protocol.Message) error

type outcome struct {
	msg *protocol.Message
	err error
}

type pending struct {
	owner string
	timer *time.Timer
	done  chan outcome
}

// Correlator owns the pending-request table.
type Correlator struct {
	prefix string

	mu      sync.Mutex
	pending map[string]*pending
}

// New creates a Correlator. Ids are prefix + a random UUID, so two correlators
// with different prefixes can never hand out the same id.
func New(prefix string) *Correlator {
	return &Correlator{
		prefix:  prefix,
		pending: make(map[string]*pending),
	}
}

// NextID returns a fresh correlation id.
func (c *Correlator) NextID() string {
	return c.prefix + uuid.NewString()
}

// Dispatch assigns msg a new correlation id, registers it, transmits it with
// send and waits for the matching response. owner names the connection the
// request arrived on ("" for local requests) so it can be cancelled when that
// connection closes.
//
// A response carrying an error body resolves the call with that error.
func (c *Correlator) Dispatch(ctx context.Context, msg *protocol.Message, timeout time.Duration, owner string, send SendFunc) (*protocol.Message, error) {
	id := c.NextID()
	out := msg.Clone()
	out.RequestID = id

	p := &pending{
		owner: owner,
		done:  make(chan outcome, 1),
	}

	c.mu.Lock()
	c.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		c.settle(id, outcome{err: errors.Timeout(id, timeout)})
	})
	c.mu.Unlock()

	if err := send(out); err != nil {
		c.settle(id, outcome{err: err})
	}

	select {
	case o := <-p.done:
		if o.err != nil {
			return nil, o.err
		}
		if err := o.msg.Err(); err != nil {
			return o.msg, err
		}
		return o.msg, nil
	case <-ctx.Done():
		c.settle(id, outcome{err: ctx.Err()})
		o := <-p.done
		if o.err != nil {
			return nil, o.err
		}
		return o.msg, o.msg.Err()
	}
}

// Resolve settles the pending request named by msg.RequestID. It returns false
// when no such request exists; the caller then treats msg as an unsolicited
// event.
func (c *Correlator) Resolve(msg *protocol.Message) bool {
	if msg.RequestID == "" {
		return false
	}
	return c.settle(msg.RequestID, outcome{msg: msg})
}

// RejectAll settles every pending request with err and returns how many there were.
func (c *Correlator) RejectAll(err error) int {
	return c.rejectWhere(func(*pending) bool { return true }, err)
}

// RejectOwned settles every pending request registered by owner.
func (c *Correlator) RejectOwned(owner string, err error) int {
	return c.rejectWhere(func(p *pending) bool { return p.owner == owner }, err)
}

// Len returns the number of in-flight requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) rejectWhere(match func(*pending) bool, err error) int {
	c.mu.Lock()
	var ids []string
	for id, p := range c.pending {
		if match(p) {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	n := 0
	for _, id := range ids {
		if c.settle(id, outcome{err: err}) {
			n++
		}
	}
	return n
}

// settle removes the entry and stops its timer before delivering, so the
// outcome is delivered at most once.
func (c *Correlator) settle(id string, o outcome) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	p.done <- o
	return true
}
