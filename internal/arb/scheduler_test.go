package arb

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// concurrencyProbe records the highest number of simultaneous runs per key.
type concurrencyProbe struct {
	mu      sync.Mutex
	current map[string]int
	peak    map[string]int
}

func newProbe() *concurrencyProbe {
	return &concurrencyProbe{current: map[string]int{}, peak: map[string]int{}}
}

func (p *concurrencyProbe) enter(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current[key]++
	p.peak[key] = max(p.peak[key], p.current[key])
}

func (p *concurrencyProbe) leave(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current[key]--
}

func TestRunPartitionedBoundsEachPartition(t *testing.T) {
	probe := newProbe()
	var ran atomic.Int32
	var jobs []job
	for _, key := range []string{"a.example", "b.example", "c.example"} {
		for i := range 12 {
			jobs = append(jobs, job{key: key, name: fmt.Sprintf("%s-%d", key, i), run: func() error {
				probe.enter(key)
				defer probe.leave(key)
				time.Sleep(5 * time.Millisecond)
				ran.Add(1)
				return nil
			}})
		}
	}

	require.NoError(t, runPartitioned(jobs, 3, "fetch"))
	assert.EqualValues(t, len(jobs), ran.Load(), "every job runs exactly once")
	for key, peak := range probe.peak {
		assert.LessOrEqual(t, peak, 3, key)
		assert.Greater(t, peak, 1, "%s should run jobs in parallel", key)
	}
}

func TestRunPartitionedAggregatesFailures(t *testing.T) {
	var ran atomic.Int32
	var jobs []job
	for i := range 10 {
		jobs = append(jobs, job{key: "host", name: fmt.Sprint(i), run: func() error {
			ran.Add(1)
			if i%3 == 0 {
				return fmt.Errorf("job %d failed", i)
			}
			return nil
		}})
	}

	err := runPartitioned(jobs, 2, "fetch")
	require.Error(t, err)
	assert.EqualValues(t, 10, ran.Load(), "a failure never stops the others")
	for _, i := range []int{0, 3, 6, 9} {
		assert.ErrorContains(t, err, fmt.Sprintf("job %d failed", i))
	}
}

func TestRunPartitionedRecoversPanics(t *testing.T) {
	var ran atomic.Int32
	jobs := []job{
		{key: "h", name: "bad", run: func() error { panic("kaboom") }},
		{key: "h", name: "good", run: func() error { ran.Add(1); return nil }},
	}
	err := runPartitioned(jobs, 1, "fetch")
	require.Error(t, err)
	assert.ErrorContains(t, err, "kaboom")
	assert.EqualValues(t, 1, ran.Load())
}

func TestRunPartitionedEmpty(t *testing.T) {
	assert.NoError(t, runPartitioned(nil, 10, "fetch"))
}

func TestPoolLimitAndErrors(t *testing.T) {
	probe := newProbe()
	pool := NewPool(2, "build")
	boom := errors.New("boom")
	for i := range 8 {
		pool.Go(fmt.Sprint(i), func() error {
			probe.enter("pool")
			defer probe.leave("pool")
			time.Sleep(5 * time.Millisecond)
			if i == 5 {
				return boom
			}
			return nil
		})
	}
	err := pool.Wait()
	assert.ErrorIs(t, err, boom)
	assert.LessOrEqual(t, probe.peak["pool"], 2)
}

func TestStatusLineString(t *testing.T) {
	s := &statusLine{what: "fetch", running: map[string]int{}, done: make(chan struct{})}
	for _, name := range []string{"e", "d", "c", "b", "a", "f"} {
		s.add(name)
	}
	s.remove("f")
	assert.Equal(t, "fetch: a, b, c, d, +1", s.String())
}
