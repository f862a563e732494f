// Package correlationtest is a contract suite for deployer.CorrelationStore
// implementations.
package correlationtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratus-cp/stratus/pkg/deployer"
	"github.com/stratus-cp/stratus/pkg/engine"
	"github.com/stratus-cp/stratus/pkg/workflow"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) deployer.CorrelationStore

// Run exercises the CorrelationStore contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("ReserveAndLookup", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		entry := newEntry("tok-1", "order-1")
		entry.Owner = engine.Owner{Kind: workflow.KindMigrate, RequestID: "wf-1"}
		owner, created, err := s.Reserve(ctx, entry)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "tok-1", owner.Token)

		got, err := s.Lookup(ctx, "tok-1")
		require.NoError(t, err)
		assert.Equal(t, "order-1", got.OrderID)
		assert.Equal(t, workflow.KindMigrate, got.Owner.Kind)
		assert.Equal(t, "wf-1", got.Owner.RequestID)
		assert.Equal(t, "local", got.Executor)

		got, err = s.LookupOrder(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, "tok-1", got.Token)
	})

	t.Run("SecondReserveReturnsOwner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, _, err := s.Reserve(ctx, newEntry("tok-1", "order-1"))
		require.NoError(t, err)
		owner, created, err := s.Reserve(ctx, newEntry("tok-2", "order-1"))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "tok-1", owner.Token)

		_, err = s.Lookup(ctx, "tok-2")
		assert.True(t, engine.IsNotFound(err))
	})

	t.Run("ConcurrentReserve", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const callers = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created int
			tokens  = map[string]bool{}
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				owner, ok, err := s.Reserve(ctx, newEntry("tok-"+string(rune('a'+i)), "order-1"))
				assert.NoError(t, err)
				if err != nil {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				tokens[owner.Token] = true
				if ok {
					created++
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, created)
		assert.Len(t, tokens, 1)
	})

	t.Run("UnknownToken", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Lookup(context.Background(), "missing")
		assert.True(t, engine.IsNotFound(err))
		_, err = s.LookupOrder(context.Background(), "missing")
		assert.True(t, engine.IsNotFound(err))
	})

	t.Run("Release", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, _, err := s.Reserve(ctx, newEntry("tok-1", "order-1"))
		require.NoError(t, err)
		require.NoError(t, s.Release(ctx, "tok-1"))
		require.NoError(t, s.Release(ctx, "tok-1"))

		_, err = s.Lookup(ctx, "tok-1")
		assert.True(t, engine.IsNotFound(err))

		_, created, err := s.Reserve(ctx, newEntry("tok-2", "order-1"))
		require.NoError(t, err)
		assert.True(t, created, "a released order can be reserved again")
	})
}

func newEntry(token, orderID string) *engine.Correlation {
	return &engine.Correlation{
		Token:     token,
		OrderID:   orderID,
		Executor:  "local",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}
