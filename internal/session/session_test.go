package session

import (
	stdErrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	opened atomic.Int32
	closed atomic.Int32
}

func (c *countingObserver) SessionOpened() { c.opened.Add(1) }
func (c *countingObserver) SessionClosed() { c.closed.Add(1) }

func TestOpenRecordClose(t *testing.T) {
	observer := &countingObserver{}
	reg := NewRegistry(WithObserver(observer))

	s := reg.Open()
	require.Equal(t, StateOpen, s.State)
	require.True(t, reg.IsLive(s.ID))

	require.NoError(t, reg.RecordProof(s.ID, "proof-1"))
	require.NoError(t, reg.RecordProof(s.ID, "proof-2"))

	closed, err := reg.Close(s.ID)
	require.NoError(t, err)
	require.Equal(t, StateClosed, closed.State)
	require.Equal(t, []string{"proof-1", "proof-2"}, closed.ProofIDs)
	require.False(t, reg.IsLive(s.ID))

	err = reg.RecordProof(s.ID, "proof-3")
	require.True(t, stdErrors.Is(err, ErrSessionClosed))

	// 重复关闭不应再次通知观察者。
	_, err = reg.Close(s.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, observer.opened.Load())
	require.EqualValues(t, 1, observer.closed.Load())
}

func TestUnknownSession(t *testing.T) {
	reg := NewRegistry()
	require.False(t, reg.IsLive("missing"))
	_, err := reg.Close("missing")
	require.True(t, stdErrors.Is(err, ErrSessionNotFound))
	require.True(t, stdErrors.Is(reg.RecordProof("missing", "p"), ErrSessionNotFound))
}

func TestOpenRetriesOnIDCollision(t *testing.T) {
	ids := []string{"dup", "dup", "fresh"}
	var next int
	reg := NewRegistry(WithIDGenerator(func() string {
		id := ids[next]
		next++
		return id
	}))
	first := reg.Open()
	second := reg.Open()
	require.Equal(t, "dup", first.ID)
	require.Equal(t, "fresh", second.ID)
}

func TestConcurrentSessionsAreIndependent(t *testing.T) {
	reg := NewRegistry()
	const sessions = 32
	const proofsPerSession = 50

	ids := make([]string, sessions)
	for i := range ids {
		ids[i] = reg.Open().ID
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			for j := 0; j < proofsPerSession; j++ {
				_ = reg.RecordProof(id, fmt.Sprintf("%d-%d", i, j))
			}
			if i%2 == 0 {
				_, _ = reg.Close(id)
			}
		}(i, id)
	}
	wg.Wait()

	stats := reg.Stats()
	require.Equal(t, sessions/2, stats.Open)
	require.Equal(t, sessions/2, stats.Closed)
	for i, id := range ids {
		proofs, err := reg.Proofs(id)
		require.NoError(t, err)
		require.Len(t, proofs, proofsPerSession, "session %d", i)
	}
	require.Len(t, reg.List(), sessions)
}
