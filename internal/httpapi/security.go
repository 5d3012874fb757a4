package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type securityError struct {
	status  int
	code    string
	message string
}

func (e *securityError) Error() string {
	return e.message
}

const (
	maxRateEntries   = 10000
	maxReplayEntries = 5000
)

// rateLimiter is a fixed-window counter per caller. Entries are
// evicted lazily; the map is capped so a spray of spoofed addresses
// cannot grow it without bound.
type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	if max <= 0 {
		return nil
	}
	if window <= 0 {
		window = time.Minute
	}
	return &rateLimiter{
		window:  window,
		max:     max,
		entries: map[string]rateEntry{},
	}
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		if len(l.entries) >= maxRateEntries {
			for existing, e := range l.entries {
				if now.After(e.resetAt) {
					delete(l.entries, existing)
				}
			}
		}
		l.entries[key] = rateEntry{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}

// clientIP prefers the forwarding headers a fronting proxy sets, then
// falls back to the socket address.
func clientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-Ip")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// replayCache remembers signatures within a TTL so the same signed
// request cannot be delivered twice.
type replayCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

func newReplayCache(ttl time.Duration) *replayCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &replayCache{ttl: ttl, seen: map[string]time.Time{}}
}

// markSeen returns false when the key was already observed inside the
// TTL window.
func (c *replayCache) markSeen(key string, now time.Time) bool {
	key = strings.TrimSpace(strings.ToLower(key))
	if key == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for existing, expiresAt := range c.seen {
		if !now.Before(expiresAt) {
			delete(c.seen, existing)
		}
	}
	if expiresAt, exists := c.seen[key]; exists && now.Before(expiresAt) {
		return false
	}
	if len(c.seen) >= maxReplayEntries {
		return false
	}
	c.seen[key] = now.Add(c.ttl)
	return true
}

// signatureCandidates expands a signature header into the values worth
// checking: providers variously send a bare digest, a quoted digest, a
// comma-joined list, or k=v pairs like "sha256=<hex>".
func signatureCandidates(header string) []string {
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		part = strings.Trim(part, `"`)
		candidates = append(candidates, part)
		if idx := strings.Index(part, "="); idx > 0 {
			value := strings.Trim(strings.TrimSpace(part[idx+1:]), `"`)
			if value != "" {
				candidates = append(candidates, value)
			}
		}
	}
	return candidates
}

func isHexString(value string) bool {
	if len(value) == 0 || len(value)%2 != 0 {
		return false
	}
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

func decodeSignature(value string) []byte {
	if isHexString(value) {
		if decoded, err := hex.DecodeString(value); err == nil {
			return decoded
		}
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded
	}
	if decoded, err := base64.RawStdEncoding.DecodeString(value); err == nil {
		return decoded
	}
	return nil
}

// verifySignature recomputes the HMAC-SHA256 of the raw body and
// accepts when any candidate from the header matches in constant time.
func verifySignature(secret string, header string, body []byte) bool {
	if strings.TrimSpace(header) == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	expected := mac.Sum(nil)

	for _, candidate := range signatureCandidates(header) {
		decoded := decodeSignature(candidate)
		if decoded == nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return true
		}
	}
	return false
}

// firstSignatureHeader returns the first present header from the
// provider's known set, so rotated header names keep verifying.
func firstSignatureHeader(r *http.Request, names []string) string {
	for _, name := range names {
		if value := strings.TrimSpace(r.Header.Get(name)); value != "" {
			return value
		}
	}
	return ""
}

var (
	shortcutSignatureHeaders = []string{"Payload-Signature", "Shortcut-Signature", "X-Webhook-Signature"}
	linearSignatureHeaders   = []string{"Linear-Signature", "X-Webhook-Signature"}
)

// parseWebhookTimestamp accepts epoch seconds or milliseconds.
func parseWebhookTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	// Millisecond epochs are 13 digits until the year 33658.
	if value > 1e12 {
		return time.UnixMilli(value).UTC(), true
	}
	return time.Unix(value, 0).UTC(), true
}

func timestampFresh(ts time.Time, now time.Time, tolerance time.Duration) bool {
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	return delta <= tolerance
}
