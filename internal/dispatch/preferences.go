package dispatch

import (
	"sync"

	"github.com/example/ride-share/internal/models"
)

// Preferences holds per-user notification switches. Categories are enabled
// until a user turns them off.
type Preferences struct {
	mu    sync.RWMutex
	users map[string]map[models.Category]bool
}

func NewPreferences() *Preferences {
	return &Preferences{users: make(map[string]map[models.Category]bool)}
}

func (p *Preferences) Enabled(userID string, c models.Category) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	on, ok := p.users[userID][c]
	return !ok || on
}

// Get returns the effective setting of every category for the user.
func (p *Preferences) Get(userID string) map[models.Category]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[models.Category]bool, len(models.Categories))
	for _, c := range models.Categories {
		on, ok := p.users[userID][c]
		out[c] = !ok || on
	}
	return out
}

// Set applies a partial update and returns the resulting settings. Unknown
// categories are rejected without changing anything.
func (p *Preferences) Set(userID string, update map[models.Category]bool) (map[models.Category]bool, error) {
	for c := range update {
		if !knownCategory(c) {
			return nil, models.Errorf(models.KindValidation, "unknown notification category %q", c)
		}
	}
	p.mu.Lock()
	cur, ok := p.users[userID]
	if !ok {
		cur = make(map[models.Category]bool, len(models.Categories))
		p.users[userID] = cur
	}
	for c, on := range update {
		cur[c] = on
	}
	p.mu.Unlock()
	return p.Get(userID), nil
}

func knownCategory(c models.Category) bool {
	for _, k := range models.Categories {
		if k == c {
			return true
		}
	}
	return false
}
