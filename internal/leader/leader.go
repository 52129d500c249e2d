// Package leader implements per-role leader election (C5, §4.5) on top of the Lock
// Service. It generalizes the teacher's `consensus/sequence` critical-section pattern
// (acquire the sequence lock, do the work, release) into a level-signal `IsLeader`
// that a role's ticking loop polls once per tick rather than caching across awaits,
// per §4.5's warning that leadership can be lost mid-tick.
package leader

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/calendrion/core/internal/calerr"
	"github.com/calendrion/core/internal/lock"
)

// Role names double as Lock Service lease keys, one leader per role at a time.
const (
	RoleCalendar = "role:calendar"
	RoleAnchor   = "role:anchor"
	RoleAudit    = "role:audit"
	RoleReward   = "role:reward"
)

// Elector holds the leadership state for a single role in this process. Exactly one
// Elector per role should run per process; multiple processes race for the same
// role's Lock Service key.
type Elector struct {
	svc      *lock.Service
	role     string
	holderID string
	isLeader int32 // atomic bool, read fresh every tick per §4.5
	lease    *lock.Lease
}

// New builds an Elector for role, identified to the Lock Service as holderID (e.g.
// the node's tnt address).
func New(svc *lock.Service, role, holderID string) *Elector {
	return &Elector{svc: svc, role: role, holderID: holderID}
}

// Run blocks acquiring leadership and holds it until ctx is cancelled or the lease is
// lost (e.g. TTL expiry without renewal). It is meant to be run in its own goroutine
// for the lifetime of the process; callers observe leadership via IsLeader.
func (e *Elector) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lease, err := e.svc.Acquire(ctx, e.role, e.holderID, valueTagFor(e.role))
		if err != nil {
			return calerr.Wrap(calerr.Transient, "acquiring leader lease for "+e.role, err)
		}
		e.lease = lease
		atomic.StoreInt32(&e.isLeader, 1)
		lost := e.holdUntilLost(ctx, lease)
		atomic.StoreInt32(&e.isLeader, 0)
		if !lost {
			return nil
		}
		// lease lost without our own cancellation: loop back and race to reacquire.
	}
}

// holdUntilLost blocks until ctx is done (returns false, clean exit) or the lease
// reports loss (returns true, caller should retry election).
func (e *Elector) holdUntilLost(ctx context.Context, lease *lock.Lease) bool {
	renewTick := lock.TTL / 3
	timer := time.NewTimer(renewTick)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			lease.Release()
			return false
		case ev := <-lease.On():
			if ev.Kind == "release" || ev.Kind == "error" {
				return true
			}
		case <-timer.C:
			if !lease.Renew() {
				return true
			}
			timer.Reset(renewTick)
		}
	}
}

// IsLeader reports current leadership. Callers must call this fresh at the top of
// every tick rather than caching the result across an await boundary, per §4.5:
// leadership can be revoked mid-tick and the caller is responsible for checking again
// before any side-effecting step (e.g. before appending a block).
func (e *Elector) IsLeader() bool {
	return atomic.LoadInt32(&e.isLeader) == 1
}

// Resign releases leadership early, used on graceful shutdown.
func (e *Elector) Resign() {
	if e.lease != nil {
		e.lease.Release()
	}
}

func valueTagFor(role string) string {
	switch role {
	case RoleCalendar:
		return lock.TagCalendar
	case RoleAnchor:
		return lock.TagBTCAnchor
	case RoleAudit:
		return "audit"
	case RoleReward:
		return lock.TagReward
	default:
		return role
	}
}
