package rooms

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/notelive/pkg/events"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestCreateRemoveLeavesCountUnchanged(t *testing.T) {
	r := NewRegistry(8, quietLogger())
	nb, note := uuid.New(), uuid.New()
	for _, key := range []Key{All(), Notebook(nb), Note(nb, note)} {
		t.Run(key.String(), func(t *testing.T) {
			before := r.Count()
			c, err := r.CreateClient(key)
			require.NoError(t, err)
			assert.Equal(t, before+1, r.Count())
			assert.Equal(t, key, c.Key())
			require.NoError(t, r.RemoveClient(c, key))
			assert.Equal(t, before, r.Count())
		})
	}
	assert.Empty(t, r.Rooms())
}

func TestSubScopeWithoutScopeIsRejected(t *testing.T) {
	r := NewRegistry(8, quietLogger())
	bad := Key{SubScope: uuid.New()}

	c, err := r.CreateClient(bad)
	assert.ErrorIs(t, err, ErrInvalidRoomKey)
	assert.Nil(t, c)
	assert.Equal(t, 0, r.Count())
	assert.Empty(t, r.Rooms())

	assert.ErrorIs(t, r.RemoveClient(nil, bad), ErrInvalidRoomKey)
}

func TestRemoveToleratesUnknownClients(t *testing.T) {
	r := NewRegistry(8, quietLogger())
	nb := uuid.New()
	c, err := r.CreateClient(Notebook(nb))
	require.NoError(t, err)

	// wrong room
	require.NoError(t, r.RemoveClient(c, Notebook(uuid.New())))
	assert.Equal(t, 1, r.Count())
	select {
	case <-c.Done():
		t.Fatal("client in another room was closed")
	default:
	}
	d := NewDispatcher(r, Drop, 0, quietLogger())
	res, err := d.Broadcast(context.Background(), events.New(events.NoteCreate, nil), Notebook(nb))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	require.NoError(t, r.RemoveClient(c, Notebook(nb)))
	require.NoError(t, r.RemoveClient(c, Notebook(nb)))
	assert.Equal(t, 0, r.Count())
}

func TestRemovedClientStopsReceiving(t *testing.T) {
	r := NewRegistry(8, quietLogger())
	c, err := r.CreateClient(All())
	require.NoError(t, err)
	require.NoError(t, r.RemoveClient(c, All()))

	select {
	case <-c.Done():
	default:
		t.Fatal("done channel not closed")
	}
	_, err = c.Next(context.Background())
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestRoomsSnapshot(t *testing.T) {
	r := NewRegistry(8, quietLogger())
	nb, note := uuid.New(), uuid.New()
	for _, key := range []Key{Notebook(nb), Notebook(nb), Note(nb, note)} {
		_, err := r.CreateClient(key)
		require.NoError(t, err)
	}
	stats := r.Rooms()
	require.Len(t, stats, 2)
	assert.Equal(t, RoomStat{Key: Notebook(nb), Clients: 2}, stats[0])
	assert.Equal(t, RoomStat{Key: Note(nb, note), Clients: 1}, stats[1])
}

func TestConcurrentRegistration(t *testing.T) {
	r := NewRegistry(8, quietLogger())
	nb := uuid.New()
	wg := new(sync.WaitGroup)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := Note(nb, uuid.New())
			c, err := r.CreateClient(key)
			assert.NoError(t, err)
			assert.NoError(t, r.RemoveClient(c, key))
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Count())
}

func TestUnboundedQueue(t *testing.T) {
	r := NewRegistry(0, quietLogger())
	c, err := r.CreateClient(All())
	require.NoError(t, err)
	for i := 0; i < 1000; i++ {
		require.NoError(t, c.push([]byte{byte(i)}))
	}
	assert.Equal(t, 1000, c.Len())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 1000; i++ {
		msg, err := c.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, byte(i), msg[0])
	}
}
