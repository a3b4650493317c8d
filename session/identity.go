package session

import (
	"sync"

	"github.com/google/uuid"
)

// defaultUserAgents is the built-in rotation pool used when the config
// supplies none.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
}

// Identity is one browser fingerprint configuration: the user agent and
// proxy a session presents. Cookie/storage state lives in the per-session
// browser context and dies with it.
type Identity struct {
	ID        string
	UserAgent string
	Proxy     string
}

// IdentityPool hands out identities round-robin and rotates away from a
// configuration once sessions built on it keep expiring. It is safe for
// concurrent use.
type IdentityPool struct {
	mu          sync.Mutex
	userAgents  []string
	proxies     []string
	cursor      int
	expiries    map[string]int // identity id -> expired session count
	rotateAfter int
	rotations   int
}

// NewIdentityPool builds a pool from the configured user agents and
// proxies. rotateAfter is the expiry count that triggers rotation.
func NewIdentityPool(userAgents, proxies []string, rotateAfter int) *IdentityPool {
	if len(userAgents) == 0 {
		userAgents = defaultUserAgents
	}
	if rotateAfter < 1 {
		rotateAfter = 1
	}
	return &IdentityPool{
		userAgents:  userAgents,
		proxies:     proxies,
		expiries:    make(map[string]int),
		rotateAfter: rotateAfter,
	}
}

// Current returns the identity at the pool cursor. Successive sessions
// share an identity until it is rotated away.
func (p *IdentityPool) Current() Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identityAt(p.cursor)
}

// RecordExpiry notes that a session using id expired. Once an identity
// accumulates rotateAfter expiries the cursor advances so later sessions
// present a different fingerprint. Returns true when a rotation happened.
func (p *IdentityPool) RecordExpiry(id Identity) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.expiries[id.ID]++
	if p.expiries[id.ID] < p.rotateAfter {
		return false
	}
	if p.identityAt(p.cursor).ID == id.ID {
		p.cursor++
		p.rotations++
	}
	delete(p.expiries, id.ID)
	return true
}

// Rotations returns how many times the pool moved to a new identity.
func (p *IdentityPool) Rotations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rotations
}

func (p *IdentityPool) identityAt(cursor int) Identity {
	ua := p.userAgents[cursor%len(p.userAgents)]
	proxy := ""
	if len(p.proxies) > 0 {
		proxy = p.proxies[cursor%len(p.proxies)]
	}
	return Identity{
		ID:        identityKey(ua, proxy),
		UserAgent: ua,
		Proxy:     proxy,
	}
}

// identityKey derives a stable id for a UA/proxy pair so expiry counts
// survive across sessions built on the same configuration.
func identityKey(ua, proxy string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(ua+"|"+proxy)).String()
}
