package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderingByTimeThenSequence(t *testing.T) {
	s := New()
	var mu sync.Mutex
	var fired []int

	base := time.Now().Add(20 * time.Millisecond)
	for i := 0; i < 3; i++ {
		i := i
		s.AddEvent(&Event{
			When: base,
			Kind: KindModuleTimer,
			Handle: func(ev *Event) {
				mu.Lock()
				fired = append(fired, i)
				mu.Unlock()
			},
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, fired)
}

func TestDelRuleEventsCancelsPending(t *testing.T) {
	s := New()
	fired := false
	s.AddEvent(&Event{
		When:   time.Now().Add(10 * time.Millisecond),
		RuleID: 7,
		Handle: func(ev *Event) { fired = true },
	})
	s.DelRuleEvents(7)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	assert.False(t, fired)
}

func TestRecurringEventReschedules(t *testing.T) {
	s := New()
	var mu sync.Mutex
	count := 0
	s.AddEvent(&Event{
		When:  time.Now().Add(10 * time.Millisecond),
		Recur: 10 * time.Millisecond,
		Handle: func(ev *Event) {
			mu.Lock()
			count++
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, count, 2)
}

func TestOfflineClockDrivesScheduling(t *testing.T) {
	clock := NewOfflineClock(time.Unix(0, 0))
	s := NewWithClock(clock)

	fired := false
	s.AddEvent(&Event{
		When:   time.Unix(10, 0),
		Handle: func(ev *Event) { fired = true },
	})

	next, ok := s.NextEventTime()
	require.True(t, ok)
	assert.Equal(t, time.Unix(10, 0), next)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		s.AdvanceClock(time.Unix(10, 0))
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_ = s.Run(ctx)

	assert.True(t, fired)
}
