package submission

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// identityFields are the payload fields that identify the applicant. Together
// with the amount they form the duplicate fingerprint; volatile fields such
// as timestamps never participate.
var identityFields = []string{"fullName", "email", "phone"}

// Fingerprint derives a stable key over the identity fields and the amount of
// a payload. Two payloads with the same applicant identity and amount hash to
// the same key regardless of submission time.
func Fingerprint(p Payload) string {
	h := sha256.New()
	for _, field := range identityFields {
		value := ""
		if raw, ok := p[field]; ok {
			value = strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", raw)))
		}
		h.Write([]byte(field))
		h.Write([]byte{'='})
		h.Write([]byte(value))
		h.Write([]byte{'\n'})
	}
	h.Write([]byte("amount="))
	h.Write([]byte(canonicalAmount(p["amount"])))
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalAmount(v any) string {
	switch typed := v.(type) {
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	case string:
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64); err == nil {
			return strconv.FormatFloat(parsed, 'f', -1, 64)
		}
		return strings.TrimSpace(typed)
	default:
		return ""
	}
}

// DuplicateGuard is a short-window fingerprint cache. Entries older than the
// window are evicted lazily on access, bounding memory growth.
type DuplicateGuard struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
	now    func() time.Time
}

func NewDuplicateGuard(window time.Duration) *DuplicateGuard {
	if window <= 0 {
		window = time.Minute
	}
	return &DuplicateGuard{
		window: window,
		seen:   map[string]time.Time{},
		now:    time.Now,
	}
}

// Remember reports whether the fingerprint was already seen within the window
// and registers it otherwise. Check and register are one atomic step so two
// concurrent identical submits cannot both pass.
func (g *DuplicateGuard) Remember(fingerprint string) bool {
	if fingerprint == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.pruneLocked(now)
	if firstSeen, ok := g.seen[fingerprint]; ok && now.Sub(firstSeen) < g.window {
		return true
	}
	g.seen[fingerprint] = now
	return false
}

// Forget drops a fingerprint so a later resubmit is not flagged as duplicate.
// Used when intake registered the fingerprint but no store persisted it.
func (g *DuplicateGuard) Forget(fingerprint string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, fingerprint)
}

func (g *DuplicateGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(g.now())
	return len(g.seen)
}

func (g *DuplicateGuard) pruneLocked(now time.Time) {
	for fingerprint, firstSeen := range g.seen {
		if now.Sub(firstSeen) >= g.window {
			delete(g.seen, fingerprint)
		}
	}
}
