package chat

import (
	"sync"
	"time"

	"github.com/onnwee/chatbot/telemetry"
)

// DefaultPresenceTTL is how long a chatter counts as watching after their
// last message.
const DefaultPresenceTTL = 5 * time.Minute

// Presence tracks recently active chatters.
type Presence struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewPresence(ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &Presence{ttl: ttl, now: time.Now, seen: map[string]time.Time{}}
}

// Mark records activity for userID.
func (p *Presence) Mark(userID string) {
	p.mu.Lock()
	p.seen[userID] = p.now()
	n := len(p.seen)
	p.mu.Unlock()
	telemetry.SetActiveChatters(n)
}

// Active returns chatters seen within the TTL and forgets the rest.
func (p *Presence) Active() []string {
	p.mu.Lock()
	cutoff := p.now().Add(-p.ttl)
	out := make([]string, 0, len(p.seen))
	for id, at := range p.seen {
		if at.Before(cutoff) {
			delete(p.seen, id)
			continue
		}
		out = append(out, id)
	}
	p.mu.Unlock()
	telemetry.SetActiveChatters(len(out))
	return out
}
