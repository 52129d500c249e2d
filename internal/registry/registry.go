// Package registry is the Node Registry (C11, §4.11): an in-memory, mutex-guarded
// Node table plus the HTTP surface external collaborators use to register, update,
// and query it. The map+mutex+uniqueness-check shape is grounded on the teacher's
// `consensus/identity.db`/`upsert`; change-log entries on update are computed with
// `sergi/go-diff/diffmatchpatch`, the same library the teacher never wires into a
// concrete diff surface but ships as a dependency.
package registry

import (
	"crypto/rand"
	"net"
	"net/url"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/calendrion/core/internal/calerr"
)

// Node is one registered participant, per §2's Node entity.
type Node struct {
	TntAddr           string
	PublicURI         string
	HMACKey           []byte
	Version           string
	IP                string
	AuditScore        int64
	ConsecutivePasses int64
	RegisteredAt      time.Time
	ChangeLog         []string
}

type Registry struct {
	mutex     deadlock.Mutex
	nodes     map[string]*Node
	blacklist []string

	cap             int
	minNewVersion   string
	minExistingVersion string
	balanceCheck    func(tntAddr string) (int64, error)
	minBalance      int64
}

func New(cap int, minNewVersion, minExistingVersion string, minBalance int64, balanceCheck func(string) (int64, error)) *Registry {
	return &Registry{
		nodes:               make(map[string]*Node),
		cap:                 cap,
		minNewVersion:       minNewVersion,
		minExistingVersion:  minExistingVersion,
		minBalance:          minBalance,
		balanceCheck:        balanceCheck,
	}
}

// Create implements §4.11's create operation.
func (r *Registry) Create(tntAddr, publicURI, version, remoteIP string) (*Node, error) {
	if version < r.minNewVersion {
		return nil, calerr.New(calerr.AuthFailure, "node version below minimum for new registration")
	}
	if publicURI != "" {
		if err := ValidatePublicURI(publicURI); err != nil {
			return nil, err
		}
	}
	r.mutex.Lock()
	full := r.cap > 0 && len(r.nodes) >= r.cap
	r.mutex.Unlock()
	if full {
		return nil, calerr.New(calerr.CapacityExceeded, "node registry is at capacity")
	}
	balance, err := r.checkBalance(tntAddr)
	if err != nil {
		return nil, err
	}
	if balance < r.minBalance {
		return nil, calerr.New(calerr.CapacityExceeded, "on-chain balance below registration threshold")
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.nodes[tntAddr]; exists {
		return nil, calerr.New(calerr.Conflict, "tnt address already registered")
	}
	for _, n := range r.nodes {
		if publicURI != "" && n.PublicURI == publicURI {
			return nil, calerr.New(calerr.Conflict, "public uri already registered")
		}
	}
	// cap is re-checked immediately before insertion, per §4.11.
	if r.cap > 0 && len(r.nodes) >= r.cap {
		return nil, calerr.New(calerr.CapacityExceeded, "node registry is at capacity")
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, calerr.Wrap(calerr.Fatal, "generating hmac key", err)
	}
	n := &Node{
		TntAddr:      tntAddr,
		PublicURI:    publicURI,
		HMACKey:      key,
		Version:      version,
		IP:           remoteIP,
		RegisteredAt: time.Now(),
	}
	r.nodes[tntAddr] = n
	return n, nil
}

// Update implements §4.11's update operation: verifies HMAC, updates the URI, and
// re-checks the balance threshold.
func (r *Registry) Update(tntAddr, publicURI, hmacTag, version string, verifyHMAC func(tntAddr, publicURI, tag string) bool) (*Node, error) {
	if version < r.minExistingVersion {
		return nil, calerr.New(calerr.AuthFailure, "node version below minimum")
	}
	if publicURI != "" {
		if err := ValidatePublicURI(publicURI); err != nil {
			return nil, err
		}
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()

	n, ok := r.nodes[tntAddr]
	if !ok {
		return nil, calerr.New(calerr.Validation, calerr.NotFoundCode)
	}
	if !verifyHMAC(tntAddr, publicURI, hmacTag) {
		return nil, calerr.New(calerr.AuthFailure, "hmac verification failed")
	}
	balance, err := r.checkBalance(tntAddr)
	if err != nil {
		return nil, err
	}
	if balance < r.minBalance {
		return nil, calerr.New(calerr.CapacityExceeded, "on-chain balance below threshold")
	}

	if n.PublicURI != publicURI {
		n.ChangeLog = append(n.ChangeLog, diffSummary("publicUri", n.PublicURI, publicURI))
		n.PublicURI = publicURI
	}
	n.Version = version
	return n, nil
}

func (r *Registry) checkBalance(tntAddr string) (int64, error) {
	if r.balanceCheck == nil {
		return r.minBalance, nil
	}
	balance, err := r.balanceCheck(tntAddr)
	if err != nil {
		return 0, calerr.Wrap(calerr.DependencyUnavailable, "checking on-chain balance", err)
	}
	return balance, nil
}

// RandomHealthy returns a uniform sample of up to n Nodes with consecutivePasses > 0,
// per §4.11 (default n=25).
func (r *Registry) RandomHealthy(n int) []*Node {
	if n <= 0 {
		n = 25
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	var healthy []*Node
	for _, node := range r.nodes {
		if node.ConsecutivePasses > 0 {
			healthy = append(healthy, node)
		}
	}
	shuffle(healthy)
	if len(healthy) > n {
		healthy = healthy[:n]
	}
	return healthy
}

// Blacklist returns the current IP blacklist, which may be empty, per §4.11.
func (r *Registry) Blacklist() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]string(nil), r.blacklist...)
}

// AddToBlacklist records an IP as blacklisted.
func (r *Registry) AddToBlacklist(ip string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for _, existing := range r.blacklist {
		if existing == ip {
			return
		}
	}
	r.blacklist = append(r.blacklist, ip)
}

// Get returns a Node by tnt address.
func (r *Registry) Get(tntAddr string) (*Node, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	n, ok := r.nodes[tntAddr]
	return n, ok
}

// All returns a snapshot of every registered Node.
func (r *Registry) All() []*Node {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}

// ValidatePublicURI enforces §4.11's URI validation rule: absolute HTTP(S), host must
// be a bare IP, must not be private/loopback, must not be 0.0.0.0.
func ValidatePublicURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return calerr.Wrap(calerr.Validation, "malformed public uri", err)
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return calerr.New(calerr.Validation, "public uri must be absolute http(s)")
	}
	host := u.Hostname()
	ip := net.ParseIP(host)
	if ip == nil {
		return calerr.New(calerr.Validation, "public uri host must be a bare ip")
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() {
		return calerr.New(calerr.Validation, "public uri host must not be private, loopback, or unspecified")
	}
	if host == "0.0.0.0" {
		return calerr.New(calerr.Validation, "public uri host must not be 0.0.0.0")
	}
	return nil
}

// diffSummary produces a short human-readable change-log line from an old/new value
// pair using the same diff-match-patch library the teacher depends on.
func diffSummary(field, oldVal, newVal string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldVal, newVal, false)
	return field + ": " + dmp.DiffPrettyText(diffs)
}

func shuffle(nodes []*Node) {
	for i := len(nodes) - 1; i > 0; i-- {
		j := randIntn(i + 1)
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
}

func randIntn(n int) int {
	if n <= 0 {
		return 0
	}
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	v := int(b[0])<<24 | int(b[1])<<16 | int(b[2])<<8 | int(b[3])
	if v < 0 {
		v = -v
	}
	return v % n
}

