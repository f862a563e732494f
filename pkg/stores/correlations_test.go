package stores_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratus-cp/stratus/pkg/deployer"
	"github.com/stratus-cp/stratus/pkg/deployer/correlationtest"
	"github.com/stratus-cp/stratus/pkg/stores"
)

func TestSQLiteCorrelationsContract(t *testing.T) {
	correlationtest.Run(t, func(t *testing.T) deployer.CorrelationStore {
		store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
		require.NoError(t, err)
		ctx := context.Background()
		require.NoError(t, store.Init(ctx))
		require.NoError(t, store.Migrate(ctx))
		t.Cleanup(func() { _ = store.Close() })
		return store.Correlations()
	})
}
