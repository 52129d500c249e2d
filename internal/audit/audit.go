// Package audit is the Audit Engine (C9, §4.9): periodic challenge generation, an
// hourly audit round that fans a task out per reachable Node, and the per-task result
// consumer that scores each Node's response. Challenge generation and Merkle-backed
// solutions are grounded on the Merkle Builder ([[merkle]]); its scoring/aggregate
// counters follow the teacher's `consensus/shares` Permille/vote-power accounting
// pattern, using `montanaflynn/stats` for the aggregate percentile computed over
// active-node counts, matching `scumclass/eventbucket.filterLowSD`'s use of the same
// library.
package audit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/sasha-s/go-deadlock"

	"github.com/calendrion/core/internal/blockstore"
	"github.com/calendrion/core/internal/calcore"
	"github.com/calendrion/core/internal/calerr"
	"github.com/calendrion/core/internal/leader"
	"github.com/calendrion/core/internal/merkle"
)

const (
	auditRowMaxAge = 6 * time.Hour
	pruneBatch     = 500
)

// Challenge is the atomically-published five-tuple readers query, per §4.9: readers
// always see a complete challenge, never one field from a prior round mixed with
// another from the next.
type Challenge struct {
	Min      int64
	Max      int64
	Nonce    []byte
	Solution calcore.S256Hash
	IssuedAt time.Time
}

// NodeInfo is the subset of Node Registry state the Audit Engine needs to select and
// score audit targets, per §4.9 step 1's registry join.
type NodeInfo struct {
	TntAddr        string
	PublicURI      string
	IP             string
	AuditScore     int64
	ConsecutivePass int64
	Credits        int64
	Version        string
	TokenBalance   int64
}

// Result is one audit-round outcome for a single Node, per §4.9's eight predicates.
type Result struct {
	TntAddr        string
	At             time.Time
	IPMatch        bool
	URIMatch       bool
	ClockOK        bool
	SolutionOK     bool
	CreditsOK      bool
	VersionOK      bool
	BalanceOK      bool
	Reachable      bool
}

// Pass reports whether every predicate held, per §4.9's evaluation.
func (r Result) Pass() bool {
	return r.IPMatch && r.URIMatch && r.ClockOK && r.SolutionOK && r.CreditsOK && r.VersionOK && r.BalanceOK && r.Reachable
}

// Engine holds the current challenge and audit-row history for one stack.
type Engine struct {
	mutex     deadlock.Mutex
	store     *blockstore.Store
	elector   *leader.Elector
	hmacKey   []byte
	minCredits    int64
	minVersion    string
	minBalance    int64

	challenge Challenge
	haveChallenge bool
	rows      []auditRow
	scores    map[string]int64
}

type auditRow struct {
	tntAddr string
	at      time.Time
	pass    bool
}

func New(store *blockstore.Store, elector *leader.Elector, hmacKey []byte, minCredits, minBalance int64, minVersion string) *Engine {
	return &Engine{
		store:      store,
		elector:    elector,
		hmacKey:    hmacKey,
		minCredits: minCredits,
		minBalance: minBalance,
		minVersion: minVersion,
		scores:     make(map[string]int64),
	}
}

// RunChallenges regenerates the published challenge at the given cadence (default
// hourly per §4.9).
func (e *Engine) RunChallenges(period time.Duration, stop <-chan struct{}) {
	if period <= 0 {
		period = time.Hour
	}
	e.generateChallenge()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.generateChallenge()
		}
	}
}

// generateChallenge implements §4.9's challenge-generation algorithm.
func (e *Engine) generateChallenge() {
	tip, ok := e.store.Tip()
	if !ok {
		return
	}
	max := tip.ID
	if tip.ID > 2000 {
		max = tip.ID - 1000
	}
	span := randInt63n(991) + 10 // rand(10..1000) inclusive
	min := max - span
	if min < 0 {
		min = 0
	}
	nonce := make([]byte, 32)
	_, _ = rand.Read(nonce)

	blocks := e.store.Scan(min, max)
	leaves := make([]calcore.S256Hash, 0, len(blocks)+1)
	leaves = append(leaves, hex.EncodeToString(nonce))
	for _, b := range blocks {
		leaves = append(leaves, b.Hash)
	}
	tree := merkle.Build(leaves, calcore.OpSHA256)

	c := Challenge{Min: min, Max: max, Nonce: nonce, Solution: tree.Root(), IssuedAt: time.Now()}
	e.mutex.Lock()
	e.challenge = c
	e.haveChallenge = true
	e.mutex.Unlock()
}

// CurrentChallenge returns the currently published challenge. ok is false until the
// first round has run.
func (e *Engine) CurrentChallenge() (Challenge, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.challenge, e.haveChallenge
}

// RunAuditRounds ticks the audit round at the given cadence, offset by half a period
// from the top of the hour, per §4.9's load-spreading rule. onRound is called with
// the Nodes to enqueue as `audit_node` tasks and the active-node count.
func (e *Engine) RunAuditRounds(period time.Duration, stop <-chan struct{}, nodes func() []NodeInfo, onRound func(targets []NodeInfo, activeCount int)) {
	now := time.Now()
	offset := now.Truncate(time.Hour).Add(period / 2).Sub(now)
	for period > 0 && offset < 0 {
		offset += period
	}
	select {
	case <-stop:
		return
	case <-time.After(offset):
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !e.elector.IsLeader() {
				continue
			}
			e.round(nodes(), onRound)
			e.pruneOldRows()
		}
	}
}

func (e *Engine) round(all []NodeInfo, onRound func([]NodeInfo, int)) {
	var targets []NodeInfo
	active := 0
	e.mutex.Lock()
	for _, n := range all {
		if n.PublicURI == "" {
			// decrement auditScore for unreachable Nodes, floored at 0, per §4.9 step 3.
			s := e.scores[n.TntAddr] - 1
			if s < 0 {
				s = 0
			}
			e.scores[n.TntAddr] = s
			continue
		}
		targets = append(targets, n)
		if e.scores[n.TntAddr] > 0 {
			active++
		}
	}
	e.mutex.Unlock()
	if onRound != nil {
		onRound(targets, active)
	}
}

// pruneOldRows drops audit rows older than 6 hours in batches of 500, per §4.9 step 4.
func (e *Engine) pruneOldRows() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	cutoff := time.Now().Add(-auditRowMaxAge)
	pruned := 0
	kept := e.rows[:0]
	for _, r := range e.rows {
		if r.at.Before(cutoff) && pruned < pruneBatch {
			pruned++
			continue
		}
		kept = append(kept, r)
	}
	e.rows = kept
}

// Evaluate scores one Node's audit response against the eight predicates of §4.9.
func (e *Engine) Evaluate(node NodeInfo, reportedIP string, reportedURI string, solution calcore.S256Hash, hmacTag string, at time.Time, reachable bool) Result {
	c, haveChallenge := e.CurrentChallenge()
	r := Result{TntAddr: node.TntAddr, At: at, Reachable: reachable}
	if !reachable {
		e.recordRow(r)
		return r
	}
	r.IPMatch = reportedIP == node.IP
	r.URIMatch = reportedURI == node.PublicURI
	r.ClockOK = VerifyHMACWindow(e.hmacKey, node.TntAddr, node.PublicURI, at, hmacTag)
	r.SolutionOK = haveChallenge && solution == c.Solution
	r.CreditsOK = node.Credits >= e.minCredits
	r.VersionOK = node.Version >= e.minVersion
	r.BalanceOK = node.TokenBalance >= e.minBalance
	e.recordRow(r)
	return r
}

func (e *Engine) recordRow(r Result) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.rows = append(e.rows, auditRow{tntAddr: r.TntAddr, at: r.At, pass: r.Pass()})
	if r.Pass() {
		e.scores[r.TntAddr]++
	} else {
		s := e.scores[r.TntAddr] - 1
		if s < 0 {
			s = 0
		}
		e.scores[r.TntAddr] = s
	}
}

// AuditScore returns the current auditScore for tntAddr.
func (e *Engine) AuditScore(tntAddr string) int64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.scores[tntAddr]
}

// ActiveCountPercentile reports the p-th percentile of the given active-node-count
// history, an observability aggregate computed with the same statistics library the
// teacher uses for its own aggregate filtering.
func ActiveCountPercentile(history []int64, p float64) (float64, error) {
	floats := make([]float64, len(history))
	for i, v := range history {
		floats[i] = float64(v)
	}
	v, err := stats.Percentile(floats, p)
	if err != nil {
		return 0, calerr.Wrap(calerr.Validation, "computing active-count percentile", err)
	}
	return v, nil
}

// HMACWindow returns the three HMAC tags acceptable at time t (t-1, t, t+1 minutes
// UTC), per §4.9's authentication format.
func HMACWindow(key []byte, tntAddr, publicURI string, t time.Time) [3]string {
	var out [3]string
	base := t.UTC()
	for i, delta := range []int{-1, 0, 1} {
		minute := base.Add(time.Duration(delta) * time.Minute)
		out[i] = hmacTag(key, tntAddr, publicURI, minute)
	}
	return out
}

func hmacTag(key []byte, tntAddr, publicURI string, minute time.Time) string {
	stamp := minute.Format("200601021504")
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(tntAddr + publicURI + stamp))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMACWindow reports whether tag matches any of the {t-1,t,t+1} acceptable
// values, per §4.9.
func VerifyHMACWindow(key []byte, tntAddr, publicURI string, t time.Time, tag string) bool {
	for _, candidate := range HMACWindow(key, tntAddr, publicURI, t) {
		if hmac.Equal([]byte(candidate), []byte(tag)) {
			return true
		}
	}
	return false
}

func randInt63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	v := int64(0)
	for _, c := range b {
		v = (v << 8) | int64(c)
	}
	if v < 0 {
		v = -v
	}
	return v % n
}

