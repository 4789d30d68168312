package redislimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, quota int, window time.Duration) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	l, err := New(Config{RedisAddr: mr.Addr(), Quota: quota, Window: window}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, mr
}

func TestLimiter_AdmitsUpToQuotaPerWindow(t *testing.T) {
	ctx := context.Background()
	l, mr := newLimiter(t, 3, time.Minute)

	for i := range 3 {
		require.True(t, l.Admit(ctx, "s1"), "attempt %d", i+1)
	}
	assert.False(t, l.Admit(ctx, "s1"))
	assert.True(t, l.Admit(ctx, "s2"))

	mr.FastForward(time.Minute)
	assert.True(t, l.Admit(ctx, "s1"))
}

func TestLimiter_SharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	a, mr := newLimiter(t, 2, time.Minute)
	cl := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cl.Close() })
	b := NewWithClient(cl, Config{Quota: 2, Window: time.Minute}, nil)

	assert.True(t, a.Admit(ctx, "s1"))
	assert.True(t, b.Admit(ctx, "s1"))
	assert.False(t, a.Admit(ctx, "s1"))
}

func TestLimiter_FailsOpen(t *testing.T) {
	ctx := context.Background()
	l, mr := newLimiter(t, 1, time.Minute)
	mr.Close()

	assert.True(t, l.Admit(ctx, "s1"))
	assert.True(t, l.Admit(ctx, "s1"))
	assert.Equal(t, 0, l.Sweep(ctx, time.Minute))
}
