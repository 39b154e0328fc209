// Package tokens binds upcoming live connections to an already
// authenticated principal. A token authorizes one connection upgrade and is
// removed when that connection tears down. Tokens do not expire on their
// own; callers must remove them on every exit path.
package tokens

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

type Broker struct {
	mu     sync.RWMutex
	tokens map[string]uuid.UUID
}

func NewBroker() *Broker {
	return &Broker{tokens: make(map[string]uuid.UUID)}
}

// Create mints a fresh 128-bit random token for principal.
func (b *Broker) Create(principal uuid.UUID) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	b.mu.Lock()
	b.tokens[token] = principal
	b.mu.Unlock()
	return token
}

// Check reports whether token is outstanding.
func (b *Broker) Check(token string) bool {
	_, ok := b.Get(token)
	return ok
}

// Get returns the principal bound to token, or false if the token is
// unknown or was removed.
func (b *Broker) Get(token string) (uuid.UUID, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.tokens[token]
	return p, ok
}

// Remove forgets token. Unknown tokens are ignored.
func (b *Broker) Remove(token string) {
	b.mu.Lock()
	delete(b.tokens, token)
	b.mu.Unlock()
}

// Len returns the number of outstanding tokens.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tokens)
}
