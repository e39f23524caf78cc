// Package runlock keeps periodic jobs from overlapping.
//
// A scheduler run takes a lease on its job name before selecting work. When
// a previous run (in this process or another replica) still holds the lease,
// the new run is skipped instead of queuing behind it.
package runlock

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

// ErrHeld is returned when another run holds the lease.
var ErrHeld = errors.New("runlock: lease held by another run")

// Locker grants exclusive leases on job names. The returned release func
// must be called when the run finishes; it is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// Local is an in-process Locker over a fixed pool of channel mutexes. It
// only coordinates goroutines of one process; ttl is ignored.
type Local struct {
	shards [64]chan struct{}
	once   sync.Once
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	l := &Local{}
	l.init()
	return l
}

func (l *Local) init() {
	l.once.Do(func() {
		for i := range l.shards {
			l.shards[i] = make(chan struct{}, 1)
			l.shards[i] <- struct{}{} // start unlocked
		}
	})
}

// Acquire takes the lease without waiting.
func (l *Local) Acquire(ctx context.Context, key string, _ time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.init()
	ch := l.shards[l.shardIdx(key)]

	select {
	case <-ch:
		var once sync.Once
		return func() { once.Do(func() { ch <- struct{}{} }) }, nil
	default:
		return nil, ErrHeld
	}
}

func (l *Local) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(l.shards))
}

var _ Locker = (*Local)(nil)
