package conversation

import (
	"context"
	"sync"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/orbit/internal/identity"
	"github.com/Tyrowin/orbit/internal/metrics"
	"github.com/Tyrowin/orbit/internal/models"
	"github.com/Tyrowin/orbit/internal/store"
)

func newService(t *testing.T) (*Service, *store.Pebble, *metrics.Metrics) {
	t.Helper()
	st, err := store.OpenPebble("conv", &pebble.Options{FS: vfs.NewMem()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	m := metrics.New(nil)
	return New(st, nil, m), st, m
}

// racingStore holds the first n lookups until all of them arrived and then
// reports a miss, so every caller goes on to create the thread.
type racingStore struct {
	store.Store
	mu      sync.Mutex
	hidden  int
	arrived sync.WaitGroup
}

func newRacingStore(st store.Store, n int) *racingStore {
	r := &racingStore{Store: st, hidden: n}
	r.arrived.Add(n)
	return r
}

func (r *racingStore) FindThread(ctx context.Context, pair models.Pair) (models.Thread, error) {
	r.mu.Lock()
	hide := r.hidden > 0
	if hide {
		r.hidden--
	}
	r.mu.Unlock()
	if hide {
		r.arrived.Done()
		r.arrived.Wait()
		return models.Thread{}, store.ErrNotFound
	}
	return r.Store.FindThread(ctx, pair)
}

func TestGetOrCreateThreadConcurrent(t *testing.T) {
	_, st, m := newService(t)
	svc := New(newRacingStore(st, 20), nil, m)
	ctx := context.Background()

	ids := make([]string, 20)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := identity.ID("alice"), identity.ID("bob")
			if i%2 == 1 {
				a, b = b, a
			}
			th, err := svc.GetOrCreateThread(ctx, a, b)
			assert.NoError(t, err)
			ids[i] = th.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 19.0, testutil.ToFloat64(m.ThreadRaces))

	threads, err := st.ListThreads(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, threads, 1)
}

func TestGetOrCreateThreadRejectsSelf(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.GetOrCreateThread(context.Background(), "alice", "alice")
	assert.ErrorIs(t, err, ErrInvalidSelfThread)
}

func TestRecordMessageCountsEveryMessage(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	th, err := svc.GetOrCreateThread(ctx, "alice", "bob")
	require.NoError(t, err)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recipient, err := svc.RecordMessage(ctx, th.ID, "hello", "alice")
			assert.NoError(t, err)
			assert.Equal(t, identity.ID("bob"), recipient)
		}()
	}
	wg.Wait()

	got, err := svc.Thread(ctx, th.ID, "bob")
	require.NoError(t, err)
	bob, _ := got.Participant("bob")
	alice, _ := got.Participant("alice")
	assert.Equal(t, n, bob.UnreadCount)
	assert.Zero(t, alice.UnreadCount)
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, "hello", got.LastMessage.Content)
	assert.Equal(t, identity.ID("alice"), got.LastMessage.SenderID)
}

func TestRecordMessageAttachmentPreview(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	th, err := svc.GetOrCreateThread(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = svc.RecordMessage(ctx, th.ID, "", "bob")
	require.NoError(t, err)
	got, _ := svc.Thread(ctx, th.ID, "alice")
	assert.Equal(t, AttachmentPreview, got.LastMessage.Content)

	_, err = svc.RecordMessage(ctx, th.ID, "x", "mallory")
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestMarkReadIdempotent(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	th, err := svc.GetOrCreateThread(ctx, "alice", "bob")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := svc.RecordMessage(ctx, th.ID, "hi", "alice")
		require.NoError(t, err)
	}

	first, err := svc.MarkRead(ctx, th.ID, "bob")
	require.NoError(t, err)
	p1, _ := first.Participant("bob")
	assert.Zero(t, p1.UnreadCount)

	second, err := svc.MarkRead(ctx, th.ID, "bob")
	require.NoError(t, err)
	p2, _ := second.Participant("bob")
	assert.Zero(t, p2.UnreadCount)
	assert.False(t, p2.LastReadAt.Before(p1.LastReadAt))

	_, err = svc.MarkRead(ctx, th.ID, "mallory")
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestThreadsSummaries(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	withBob, err := svc.GetOrCreateThread(ctx, "alice", "bob")
	require.NoError(t, err)
	withCarol, err := svc.GetOrCreateThread(ctx, "carol", "alice")
	require.NoError(t, err)
	_, err = svc.RecordMessage(ctx, withCarol.ID, "ping", "carol")
	require.NoError(t, err)

	sums, err := svc.Threads(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, sums, 2)
	assert.Equal(t, withCarol.ID, sums[0].ID)
	assert.Equal(t, identity.ID("carol"), sums[0].OtherUser)
	assert.Equal(t, 1, sums[0].UnreadCount)
	assert.Equal(t, withBob.ID, sums[1].ID)

	ok, err := svc.IsParticipant(ctx, withBob.ID, "carol")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = svc.IsParticipant(ctx, "missing", "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}
