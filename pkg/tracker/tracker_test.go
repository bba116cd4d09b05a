package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fedhub/pkg/policy"
	"fedhub/pkg/registry"
	"fedhub/pkg/types"
)

type trackerFixture struct {
	store     *registry.MemoryStore
	authority *policy.Authority
	tracker   *SyncTracker
	now       time.Time
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()

	store := registry.NewMemoryStore()
	authority := policy.NewAuthority(store, zap.NewNop())
	tracker := NewSyncTracker(store, authority, DefaultThresholds(), zap.NewNop())

	f := &trackerFixture{
		store:     store,
		authority: authority,
		tracker:   tracker,
		now:       time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC),
	}
	tracker.nowFn = func() time.Time { return f.now }
	return f
}

func (f *trackerFixture) addSpoke(t *testing.T, id, code string, status types.SpokeStatus, scopes ...string) {
	t.Helper()
	require.NoError(t, f.store.SaveSpoke(context.Background(), &types.SpokeRegistration{
		SpokeID:             types.SpokeID(id),
		InstanceCode:        types.InstanceCode(code),
		Status:              status,
		TrustLevel:          types.TrustPartner,
		AllowedPolicyScopes: scopes,
		RegisteredAt:        f.now,
	}))
}

func TestRecordSync_UnknownSpokeRejected(t *testing.T) {
	f := newTrackerFixture(t)

	_, err := f.tracker.RecordSync(context.Background(), "ghost", "20260831.001")
	assert.ErrorIs(t, err, registry.ErrSpokeNotFound)
}

func TestRecordSync_CurrentVsBehind(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	f.addSpoke(t, "spoke-fra", "FRA", types.SpokeApproved)

	first, err := f.authority.PushUpdate(ctx, []string{"base"}, types.PriorityNormal, "", nil)
	require.NoError(t, err)

	status, err := f.tracker.RecordSync(ctx, "spoke-fra", first.Version)
	require.NoError(t, err)
	assert.Equal(t, types.SyncCurrent, status.State)
	assert.Zero(t, status.PendingUpdates)

	second, err := f.authority.PushUpdate(ctx, []string{"base"}, types.PriorityNormal, "", nil)
	require.NoError(t, err)

	status, err = f.tracker.RecordSync(ctx, "spoke-fra", first.Version)
	require.NoError(t, err)
	assert.Equal(t, types.SyncBehind, status.State)
	assert.Equal(t, 1, status.PendingUpdates)

	status, err = f.tracker.RecordSync(ctx, "spoke-fra", second.Version)
	require.NoError(t, err)
	assert.Equal(t, types.SyncCurrent, status.State)
}

// The four boundaries from the threshold table, first match wins.
func TestSpokeStatus_StalenessBoundaries(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		want    types.SyncState
	}{
		{"29 minutes is still current", 29 * time.Minute, types.SyncCurrent},
		{"31 minutes is stale", 31 * time.Minute, types.SyncStale},
		{"4 hours 1 minute is critical_stale", 4*time.Hour + time.Minute, types.SyncCriticalStale},
		{"24 hours 1 minute is offline", 24*time.Hour + time.Minute, types.SyncOffline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTrackerFixture(t)
			ctx := context.Background()
			f.addSpoke(t, "spoke-fra", "FRA", types.SpokeApproved)

			update, err := f.authority.PushUpdate(ctx, []string{"base"}, types.PriorityNormal, "", nil)
			require.NoError(t, err)
			_, err = f.tracker.RecordSync(ctx, "spoke-fra", update.Version)
			require.NoError(t, err)

			f.now = f.now.Add(tt.elapsed)

			status, err := f.tracker.SpokeStatus(ctx, "spoke-fra")
			require.NoError(t, err)
			assert.Equal(t, tt.want, status.State)
		})
	}
}

func TestSpokeStatus_BehindBeatsCurrentAtBoundary(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	f.addSpoke(t, "spoke-fra", "FRA", types.SpokeApproved)

	old, err := f.authority.PushUpdate(ctx, []string{"base"}, types.PriorityNormal, "", nil)
	require.NoError(t, err)
	_, err = f.tracker.RecordSync(ctx, "spoke-fra", old.Version)
	require.NoError(t, err)

	// A new push within the staleness window leaves the spoke behind, not stale.
	_, err = f.authority.PushUpdate(ctx, []string{"base"}, types.PriorityNormal, "", nil)
	require.NoError(t, err)
	f.now = f.now.Add(29 * time.Minute)

	status, err := f.tracker.SpokeStatus(ctx, "spoke-fra")
	require.NoError(t, err)
	assert.Equal(t, types.SyncBehind, status.State)
}

func TestSpokeStatus_NeverSyncedIsOffline(t *testing.T) {
	f := newTrackerFixture(t)
	f.addSpoke(t, "spoke-fra", "FRA", types.SpokeApproved)

	status, err := f.tracker.SpokeStatus(context.Background(), "spoke-fra")
	require.NoError(t, err)
	assert.Equal(t, types.SyncOffline, status.State)
}

func TestDeltaUpdates_ScopeFiltering(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	f.addSpoke(t, "spoke-fra", "FRA", types.SpokeApproved, "policy:nato")

	pushes := [][]string{
		{"base"},
		{"org.nato"},
		{"tenant.fra"},
		{"org.fvey"},
		{"tenant.usa"},
	}
	for _, layers := range pushes {
		_, err := f.authority.PushUpdate(ctx, layers, types.PriorityNormal, "", nil)
		require.NoError(t, err)
	}

	delta, err := f.tracker.DeltaUpdates(ctx, "spoke-fra", "")
	require.NoError(t, err)
	require.Len(t, delta, 3)

	var layers []string
	for _, u := range delta {
		layers = append(layers, u.Layers...)
	}
	assert.ElementsMatch(t, []string{"base", "org.nato", "tenant.fra"}, layers)
}

func TestDeltaUpdates_MixedLayerUpdateFiltered(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	f.addSpoke(t, "spoke-fra", "FRA", types.SpokeApproved, "policy:nato")

	// One update touching both an entitled and an unentitled layer: only the
	// entitled layer survives, the update itself is still delivered.
	_, err := f.authority.PushUpdate(ctx, []string{"org.nato", "org.fvey"}, types.PriorityNormal, "", nil)
	require.NoError(t, err)

	delta, err := f.tracker.DeltaUpdates(ctx, "spoke-fra", "")
	require.NoError(t, err)
	require.Len(t, delta, 1)
	assert.Equal(t, []string{"org.nato"}, delta[0].Layers)
}

func TestDeltaUpdates_TenantCodeCaseInsensitive(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	f.addSpoke(t, "spoke-fra", "FRA", types.SpokeApproved)

	_, err := f.authority.PushUpdate(ctx, []string{"tenant.fra"}, types.PriorityNormal, "", nil)
	require.NoError(t, err)

	delta, err := f.tracker.DeltaUpdates(ctx, "spoke-fra", "")
	require.NoError(t, err)
	require.Len(t, delta, 1)
}

func TestAckTracker_UnacknowledgedSet(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	f.addSpoke(t, "spoke-fra", "FRA", types.SpokeApproved)
	f.addSpoke(t, "spoke-deu", "DEU", types.SpokeApproved)
	f.addSpoke(t, "spoke-esp", "ESP", types.SpokePending)

	update, err := f.authority.PushUpdate(ctx, []string{"tenant.fra"}, types.PriorityCritical, "", nil)
	require.NoError(t, err)
	require.True(t, update.RequireAck)

	at := NewAckTracker(f.store, f.tracker, 10*time.Millisecond, 50*time.Millisecond, zap.NewNop())

	// Pending spokes are out of scope; both approved spokes are missing.
	missing, err := at.Unacknowledged(ctx, update)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.InstanceCode{"FRA", "DEU"}, missing)

	// FRA reports the new version and leaves the set.
	_, err = f.tracker.RecordSync(ctx, "spoke-fra", update.Version)
	require.NoError(t, err)

	missing, err = at.Unacknowledged(ctx, update)
	require.NoError(t, err)
	assert.Equal(t, []types.InstanceCode{"DEU"}, missing)
}

func TestAckTracker_TimeoutLeavesStragglers(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	f.addSpoke(t, "spoke-fra", "FRA", types.SpokeApproved)

	update, err := f.authority.PushUpdate(ctx, []string{"base"}, types.PriorityCritical, "", nil)
	require.NoError(t, err)

	at := NewAckTracker(f.store, f.tracker, 5*time.Millisecond, 25*time.Millisecond, zap.NewNop())
	missing := at.Track(ctx, update)
	assert.Equal(t, []types.InstanceCode{"FRA"}, missing)
}

func TestAckTracker_AllAcknowledged(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	f.addSpoke(t, "spoke-fra", "FRA", types.SpokeApproved)

	update, err := f.authority.PushUpdate(ctx, []string{"base"}, types.PriorityCritical, "", nil)
	require.NoError(t, err)
	_, err = f.tracker.RecordSync(ctx, "spoke-fra", update.Version)
	require.NoError(t, err)

	at := NewAckTracker(f.store, f.tracker, 5*time.Millisecond, time.Second, zap.NewNop())
	missing := at.Track(ctx, update)
	assert.Empty(t, missing)
}

func TestAckTracker_Cancellable(t *testing.T) {
	f := newTrackerFixture(t)
	f.addSpoke(t, "spoke-fra", "FRA", types.SpokeApproved)

	update, err := f.authority.PushUpdate(context.Background(), []string{"base"}, types.PriorityCritical, "", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	at := NewAckTracker(f.store, f.tracker, 10*time.Millisecond, 10*time.Second, zap.NewNop())

	done := make(chan struct{})
	go func() {
		at.Track(ctx, update)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ack tracking did not stop on context cancellation")
	}
}

func TestAckTracker_SkipsNonAckUpdates(t *testing.T) {
	f := newTrackerFixture(t)

	update, err := f.authority.PushUpdate(context.Background(), []string{"base"}, types.PriorityHigh, "", nil)
	require.NoError(t, err)

	at := NewAckTracker(f.store, f.tracker, time.Hour, time.Hour, zap.NewNop())
	assert.Nil(t, at.Track(context.Background(), update))
}
