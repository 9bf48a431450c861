package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyDelay(t *testing.T) {
	p := NewPolicy(time.Second, 0)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{6, 64 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, p.Delay(tt.attempt))
		})
	}
}

func TestPolicyDefaultsAndCap(t *testing.T) {
	assert.Equal(t, 2*DefaultBase, NewPolicy(0, 0).Delay(1))

	capped := NewPolicy(time.Second, 5*time.Second)
	assert.Equal(t, 4*time.Second, capped.Delay(2))
	assert.Equal(t, 5*time.Second, capped.Delay(3))
}

func TestPolicyWindow(t *testing.T) {
	p := NewPolicy(time.Second, 0)
	assert.Equal(t, (2+4+8)*time.Second, p.Window(3))
	assert.Equal(t, time.Duration(0), p.Window(0))
}

func TestPermanent(t *testing.T) {
	base := errors.New("menu item does not exist")
	assert.True(t, IsPermanent(Permanent(base)))
	assert.True(t, IsPermanent(fmt.Errorf("apply: %w", Permanent(base))))
	assert.False(t, IsPermanent(base))
	assert.ErrorIs(t, Permanent(base), base)
}

type recorder struct {
	mu  sync.Mutex
	ids []string
	at  map[string]time.Time
	ch  chan string
}

func newRecorder() *recorder {
	return &recorder{at: make(map[string]time.Time), ch: make(chan string, 16)}
}

func (r *recorder) dispatch(id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.at[id] = time.Now()
	r.mu.Unlock()
	r.ch <- id
}

func (r *recorder) wait(t *testing.T) string {
	t.Helper()
	select {
	case id := <-r.ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
		return ""
	}
}

func TestTimerQueueDispatchesInDueOrder(t *testing.T) {
	rec := newRecorder()
	q := NewTimerQueue(rec.dispatch)
	defer func() { _ = q.Stop(context.Background()) }()

	start := time.Now()
	ctx := context.Background()
	require.NoError(t, q.Schedule(ctx, "late", start.Add(60*time.Millisecond)))
	require.NoError(t, q.Schedule(ctx, "early", start.Add(20*time.Millisecond)))
	require.NoError(t, q.Schedule(ctx, "now", start))

	assert.Equal(t, "now", rec.wait(t))
	assert.Equal(t, "early", rec.wait(t))
	assert.Equal(t, "late", rec.wait(t))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.GreaterOrEqual(t, rec.at["late"].Sub(start), 60*time.Millisecond)
	assert.Equal(t, 0, q.Len())
}

func TestTimerQueueRescheduleAndCancel(t *testing.T) {
	rec := newRecorder()
	q := NewTimerQueue(rec.dispatch)
	defer func() { _ = q.Stop(context.Background()) }()

	ctx := context.Background()
	require.NoError(t, q.Schedule(ctx, "a", time.Now().Add(time.Hour)))
	require.NoError(t, q.Schedule(ctx, "b", time.Now().Add(time.Hour)))
	assert.Equal(t, 2, q.Len())

	assert.True(t, q.Cancel("b"))
	assert.False(t, q.Cancel("b"))

	// moving a pending id earlier must wake the loop
	require.NoError(t, q.Schedule(ctx, "a", time.Now().Add(10*time.Millisecond)))
	assert.Equal(t, "a", rec.wait(t))
	assert.Equal(t, 0, q.Len())
}

func TestTimerQueueNothingFiresAfterStop(t *testing.T) {
	rec := newRecorder()
	q := NewTimerQueue(rec.dispatch)

	ctx := context.Background()
	require.NoError(t, q.Schedule(ctx, "pending", time.Now().Add(30*time.Millisecond)))
	require.NoError(t, q.Stop(ctx))

	assert.ErrorIs(t, q.Schedule(ctx, "after-stop", time.Now()), ErrStopped)
	assert.Equal(t, 0, q.Len())

	time.Sleep(80 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.ids)

	// stopping twice is a no-op
	assert.NoError(t, q.Stop(ctx))
}
