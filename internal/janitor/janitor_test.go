package janitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSweeper struct {
	calls atomic.Int32
	n     int64
	err   error
}

func (c *countingSweeper) SweepExpired(context.Context) (int64, error) {
	c.calls.Add(1)
	return c.n, c.err
}

func TestSweepReportsCount(t *testing.T) {
	s := &countingSweeper{n: 4}
	j, err := New(s, "")
	require.NoError(t, err)

	n, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
	assert.EqualValues(t, 1, s.calls.Load())
}

func TestSweepPropagatesError(t *testing.T) {
	j, err := New(&countingSweeper{err: errors.New("db down")}, "@every 1h")
	require.NoError(t, err)
	_, err = j.Sweep(context.Background())
	assert.Error(t, err)
}

func TestInvalidScheduleRejected(t *testing.T) {
	_, err := New(&countingSweeper{}, "not a schedule")
	assert.Error(t, err)
}

func TestScheduledRun(t *testing.T) {
	s := &countingSweeper{}
	j, err := New(s, "@every 1s")
	require.NoError(t, err)
	j.Start()
	defer j.Stop(context.Background())

	assert.Eventually(t, func() bool { return s.calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
}
