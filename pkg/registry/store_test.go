package registry

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fedhub/pkg/types"
)

func newBadgerTestStore(t *testing.T) *BadgerStore {
	t.Helper()

	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)

	bs := &BadgerStore{db: db, logger: zap.NewNop()}
	t.Cleanup(func() { bs.Close() })
	return bs
}

func testSpoke(id, code string) *types.SpokeRegistration {
	return &types.SpokeRegistration{
		SpokeID:                  types.SpokeID(id),
		InstanceCode:             types.InstanceCode(code),
		Name:                     code + " partner instance",
		Status:                   types.SpokePending,
		TrustLevel:               types.TrustPartner,
		MaxClassificationAllowed: types.ClassSecret,
		AllowedPolicyScopes:      []string{"policy:nato"},
		AuditRetentionDays:       365,
		RegisteredAt:             time.Now(),
	}
}

// Both implementations must satisfy the same contract.
func runStoreTests(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("SaveAndGetSpoke", func(t *testing.T) {
		reg := testSpoke("spoke-fra", "FRA")
		require.NoError(t, store.SaveSpoke(ctx, reg))

		got, err := store.GetSpoke(ctx, "spoke-fra")
		require.NoError(t, err)
		assert.Equal(t, types.InstanceCode("FRA"), got.InstanceCode)
		assert.Equal(t, types.SpokePending, got.Status)
	})

	t.Run("GetUnknownSpoke", func(t *testing.T) {
		_, err := store.GetSpoke(ctx, "no-such-spoke")
		assert.ErrorIs(t, err, ErrSpokeNotFound)
	})

	t.Run("LookupByInstanceCodeCaseInsensitive", func(t *testing.T) {
		got, err := store.GetSpokeByInstanceCode(ctx, "fra")
		require.NoError(t, err)
		assert.Equal(t, types.SpokeID("spoke-fra"), got.SpokeID)
	})

	t.Run("DuplicateInstanceCodeRejected", func(t *testing.T) {
		dup := testSpoke("spoke-other", "fra")
		err := store.SaveSpoke(ctx, dup)
		assert.ErrorIs(t, err, ErrDuplicateInstanceCode)
	})

	t.Run("UpdateExistingSpoke", func(t *testing.T) {
		reg, err := store.GetSpoke(ctx, "spoke-fra")
		require.NoError(t, err)

		reg.Status = types.SpokeApproved
		require.NoError(t, store.SaveSpoke(ctx, reg))

		got, err := store.GetSpoke(ctx, "spoke-fra")
		require.NoError(t, err)
		assert.Equal(t, types.SpokeApproved, got.Status)
	})

	t.Run("ListFilteredByStatus", func(t *testing.T) {
		require.NoError(t, store.SaveSpoke(ctx, testSpoke("spoke-deu", "DEU")))

		approved, err := store.ListSpokes(ctx, types.SpokeApproved)
		require.NoError(t, err)
		require.Len(t, approved, 1)
		assert.Equal(t, types.SpokeID("spoke-fra"), approved[0].SpokeID)

		all, err := store.ListSpokes(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("TokenLifecycle", func(t *testing.T) {
		token := &types.IssuedToken{
			TokenID:   "tok-1",
			SpokeID:   "spoke-fra",
			IssuedAt:  time.Now(),
			ExpiresAt: time.Now().Add(time.Hour),
		}
		require.NoError(t, store.SaveToken(ctx, token))

		got, err := store.GetToken(ctx, "tok-1")
		require.NoError(t, err)
		assert.Equal(t, types.SpokeID("spoke-fra"), got.SpokeID)

		require.NoError(t, store.DeleteToken(ctx, "tok-1"))
		_, err = store.GetToken(ctx, "tok-1")
		assert.ErrorIs(t, err, ErrTokenNotFound)
	})

	t.Run("VersionSeqMonotonic", func(t *testing.T) {
		first, err := store.NextVersionSeq(ctx, "20260831")
		require.NoError(t, err)
		second, err := store.NextVersionSeq(ctx, "20260831")
		require.NoError(t, err)
		assert.Equal(t, first+1, second)

		// Independent counter per date.
		other, err := store.NextVersionSeq(ctx, "20260901")
		require.NoError(t, err)
		assert.Equal(t, 1, other)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, NewMemoryStore())
}

func TestBadgerStore(t *testing.T) {
	runStoreTests(t, newBadgerTestStore(t))
}
