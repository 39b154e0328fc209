package tokens

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	b := NewBroker()
	p := uuid.New()

	token := b.Create(p)
	assert.Len(t, token, 32)
	assert.True(t, b.Check(token))

	got, ok := b.Get(token)
	require.True(t, ok)
	assert.Equal(t, p, got)

	b.Remove(token)
	_, ok = b.Get(token)
	assert.False(t, ok)
	assert.False(t, b.Check(token))
}

func TestRemoveUnknownIsNoop(t *testing.T) {
	b := NewBroker()
	token := b.Create(uuid.New())
	b.Remove("does-not-exist")
	b.Remove(token)
	b.Remove(token)
	assert.Equal(t, 0, b.Len())
}

func TestTokensAreDistinct(t *testing.T) {
	b := NewBroker()
	p := uuid.New()
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		token := b.Create(p)
		require.False(t, seen[token])
		seen[token] = true
	}
	assert.Equal(t, 1000, b.Len())
}

func TestConcurrentAccess(t *testing.T) {
	b := NewBroker()
	wg := new(sync.WaitGroup)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := uuid.New()
			for j := 0; j < 100; j++ {
				token := b.Create(p)
				got, ok := b.Get(token)
				assert.True(t, ok)
				assert.Equal(t, p, got)
				b.Remove(token)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, b.Len())
}
