// Package lock implements the named, TTL-bounded, cluster-wide mutual exclusion
// service from §4.4. No coordination-service client (etcd/consul/redis) appears
// anywhere in the retrieved corpus, so this is one of the few concerns built directly
// on the standard library (documented in DESIGN.md); its shape — a keyed lease table
// guarded by a deadlock.Mutex, with async `on(event)` notification channels — mirrors
// the teacher's own `consensus/sequence.LockSequence`/`UnlockSequence` critical
// section, generalized from a single hardcoded key to named TTL leases.
package lock

import (
	"context"
	"math/rand"
	"time"

	"github.com/sasha-s/go-deadlock"

	"github.com/calendrion/core/internal/calerr"
)

const (
	// TTL is the lease duration from §4.4: a leaseholder that dies without
	// releasing loses the lock within this window.
	TTL = 15 * time.Second
	// maxBackoff caps the randomized retry backoff on contention, per §4.4/§7.
	maxBackoff = 6 * time.Second
	minBackoff = 3 * time.Second
)

// Well-known Calendar lock key and value tags, per §4.4.
const CalendarLockKey = "CALENDAR_LOCK_KEY"

const (
	TagGenesis    = "genesis"
	TagCalendar   = "calendar"
	TagNist       = "nist"
	TagBTCAnchor  = "btc-anchor"
	TagBTCConfirm = "btc-confirm"
	TagReward     = "reward"
)

type lease struct {
	holder    string
	expiresAt time.Time
	release   chan struct{}
}

// Service is a named TTL lease table. The zero value is not usable; call New.
type Service struct {
	mutex  deadlock.Mutex
	leases map[string]*lease
}

func New() *Service {
	return &Service{leases: make(map[string]*lease)}
}

// Lease is a held lock. Release is idempotent and safe to call from any exit path
// (deferred, on panic recovery, etc.), per §4.4.
type Lease struct {
	svc     *Service
	key     string
	holder  string
	onEvent chan Event
	done    chan struct{}
}

// Event is delivered on a Lease's notification channel, per §4.4's on(release|error|end).
type Event struct {
	Kind    string // "release", "error", "end"
	Err     error
}

// Acquire blocks until the named lock is held, retrying on contention with bounded
// exponential backoff capped at 6s and randomized, per §4.4/§7 ("Lock acquire retries
// indefinitely with 3-6s randomized backoff"). valueTag is an informational label
// (one of the Tag* constants) recorded for observability only.
func (s *Service) Acquire(ctx context.Context, key, holder, valueTag string) (*Lease, error) {
	backoff := minBackoff
	for {
		if l, ok := s.tryAcquire(key, holder); ok {
			return l, nil
		}
		wait := jitter(backoff)
		if wait < minBackoff {
			wait = minBackoff
		}
		if wait > maxBackoff {
			wait = maxBackoff
		}
		select {
		case <-ctx.Done():
			return nil, calerr.Wrap(calerr.Transient, "lock acquire cancelled", ctx.Err())
		case <-time.After(wait):
		}
		backoff = backoff * 6 / 5 // factor ~1.2, matching the retry policy in §4.7/§7
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func jitter(base time.Duration) time.Duration {
	// randomize within +/- 20% so concurrent waiters don't retry in lockstep.
	delta := time.Duration(rand.Int63n(int64(base) / 5))
	if rand.Intn(2) == 0 {
		return base - delta
	}
	return base + delta
}

func (s *Service) tryAcquire(key, holder string) (*Lease, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	now := time.Now()
	if existing, ok := s.leases[key]; ok {
		if existing.expiresAt.After(now) {
			return nil, false
		}
		// stale lease: the previous holder failed without releasing (§4.4/§7:
		// "Any leaseholder failure releases the lock within TTL").
		close(existing.release)
	}
	l := &lease{holder: holder, expiresAt: now.Add(TTL), release: make(chan struct{})}
	s.leases[key] = l
	lease := &Lease{svc: s, key: key, holder: holder, onEvent: make(chan Event, 4), done: make(chan struct{})}
	go s.watchExpiry(l, lease)
	return lease, true
}

func (s *Service) watchExpiry(l *lease, out *Lease) {
	timer := time.NewTimer(TTL)
	defer timer.Stop()
wait:
	for {
		select {
		case <-l.release:
			out.emit(Event{Kind: "release"})
			break wait
		case <-timer.C:
			s.mutex.Lock()
			if remaining := time.Until(l.expiresAt); remaining > 0 && s.leases[out.key] == l {
				// renewed since the timer was armed: wait out the extended lease.
				s.mutex.Unlock()
				timer.Reset(remaining)
				continue
			}
			if s.leases[out.key] == l {
				delete(s.leases, out.key)
			}
			s.mutex.Unlock()
			out.emit(Event{Kind: "error", Err: calerr.New(calerr.Transient, "lease expired without renewal")})
			break wait
		}
	}
	out.emit(Event{Kind: "end"})
	close(out.done)
}

// Renew extends the lease's TTL, matching a leaseholder that is still doing work at
// the 15s boundary. It fails if the lease has already expired or been released.
func (s *Service) renew(key, holder string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	l, ok := s.leases[key]
	if !ok || l.holder != holder {
		return false
	}
	l.expiresAt = time.Now().Add(TTL)
	return true
}

// Renew extends this Lease's TTL.
func (l *Lease) Renew() bool {
	return l.svc.renew(l.key, l.holder)
}

// On returns the channel Acquire's caller should watch for release/error/end
// notifications, per §4.4.
func (l *Lease) On() <-chan Event {
	return l.onEvent
}

func (l *Lease) emit(e Event) {
	select {
	case l.onEvent <- e:
	default:
	}
}

// Release releases the lock. It is safe to call multiple times and from any exit
// path; only the first call has an effect.
func (l *Lease) Release() {
	l.svc.mutex.Lock()
	existing, ok := l.svc.leases[l.key]
	if ok && existing.holder == l.holder {
		delete(l.svc.leases, l.key)
		l.svc.mutex.Unlock()
		select {
		case <-existing.release:
		default:
			close(existing.release)
		}
		return
	}
	l.svc.mutex.Unlock()
}
