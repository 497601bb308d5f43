package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vcscsvcscs/wearable-sync/pkg/model"
	"go.uber.org/zap"
)

type fakeUsers struct {
	ids    []string
	synced map[string]time.Time
	err    error
}

func (f *fakeUsers) ListSyncCursors(context.Context) ([]model.SyncCursor, error) {
	if f.err != nil {
		return nil, f.err
	}
	cursors := make([]model.SyncCursor, 0, len(f.ids))
	for _, id := range f.ids {
		c := model.SyncCursor{UserID: id}
		if at, ok := f.synced[id]; ok {
			c.OldestLastSync = &at
		}
		cursors = append(cursors, c)
	}
	return cursors, nil
}

type batchCall struct {
	userIDs    []string
	start, end time.Time
}

type recordingSyncer struct {
	mu    sync.Mutex
	calls []batchCall
	ran   chan struct{}
}

func (r *recordingSyncer) SyncUsers(_ context.Context, userIDs []string, _ []model.Provider, start, end time.Time) map[string][]model.SyncResult {
	r.mu.Lock()
	r.calls = append(r.calls, batchCall{userIDs: userIDs, start: start, end: end})
	r.mu.Unlock()
	if r.ran != nil {
		select {
		case r.ran <- struct{}{}:
		default:
		}
	}

	out := make(map[string][]model.SyncResult, len(userIDs))
	for _, id := range userIDs {
		out[id] = []model.SyncResult{
			{Provider: model.ProviderOura, Success: true, DataPointCount: 4},
			{Provider: model.ProviderStrava, Success: false, ErrorCode: model.ErrorCodeFetchFailed},
		}
	}
	return out
}

func (r *recordingSyncer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestRunOnce_SyncsLookbackWindow(t *testing.T) {
	syncer := &recordingSyncer{}
	s := NewScheduler(&fakeUsers{ids: []string{"user-1", "user-2"}}, syncer, time.Hour, 30*24*time.Hour, zap.NewNop())
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.RunOnce(context.Background()))

	require.Len(t, syncer.calls, 1)
	call := syncer.calls[0]
	assert.Equal(t, []string{"user-1", "user-2"}, call.userIDs)
	assert.Equal(t, now, call.end)
	assert.Equal(t, now.Add(-30*24*time.Hour), call.start)
}

func TestRunOnce_StaleCursorWidensWindow(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	lookback := 7 * 24 * time.Hour
	users := &fakeUsers{
		ids: []string{"fresh", "never", "stale", "ancient", "stale-too"},
		synced: map[string]time.Time{
			"fresh":     now.Add(-time.Hour),
			"stale":     time.Date(2024, 2, 10, 15, 30, 0, 0, time.UTC),
			"stale-too": time.Date(2024, 2, 10, 6, 0, 0, 0, time.UTC),
			"ancient":   time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	syncer := &recordingSyncer{}
	s := NewScheduler(users, syncer, time.Hour, lookback, zap.NewNop())
	s.now = func() time.Time { return now }

	require.NoError(t, s.RunOnce(context.Background()))

	require.Len(t, syncer.calls, 3)

	assert.Equal(t, []string{"fresh", "never"}, syncer.calls[0].userIDs)
	assert.Equal(t, now.Add(-lookback), syncer.calls[0].start)

	assert.Equal(t, []string{"stale", "stale-too"}, syncer.calls[1].userIDs)
	assert.Equal(t, time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC), syncer.calls[1].start)

	assert.Equal(t, []string{"ancient"}, syncer.calls[2].userIDs)
	assert.Equal(t, now.Add(-defaultMaxCatchUp), syncer.calls[2].start)

	for _, call := range syncer.calls {
		assert.Equal(t, now, call.end)
	}
}

func TestRunOnce_NoUsersSkipsSync(t *testing.T) {
	syncer := &recordingSyncer{}
	s := NewScheduler(&fakeUsers{}, syncer, time.Hour, time.Hour, zap.NewNop())

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, 0, syncer.callCount())
}

func TestRunOnce_ListFailure(t *testing.T) {
	syncer := &recordingSyncer{}
	s := NewScheduler(&fakeUsers{err: errors.New("db down")}, syncer, time.Hour, time.Hour, zap.NewNop())

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Equal(t, 0, syncer.callCount())
}

func TestStart_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	syncer := &recordingSyncer{ran: make(chan struct{}, 1)}
	s := NewScheduler(&fakeUsers{ids: []string{"user-1"}}, syncer, time.Hour, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go s.Start(ctx)

	select {
	case <-syncer.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not run its first cycle")
	}

	cancel()

	stopped := make(chan struct{})
	go func() {
		s.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
	assert.Equal(t, 1, syncer.callCount())
}

func TestStart_TicksRepeatedly(t *testing.T) {
	syncer := &recordingSyncer{ran: make(chan struct{}, 1)}
	s := NewScheduler(&fakeUsers{ids: []string{"user-1"}}, syncer, 10*time.Millisecond, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	assert.Eventually(t, func() bool { return syncer.callCount() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	s.Wait()
}
