package workerpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmitRunsTaskAndReturnsResult(t *testing.T) {
	p := New(2, 4, nil)
	defer p.Shutdown()

	f := p.Submit(func(ctx context.Context) (any, error) {
		return 42, nil
	})
	result, err := f.Wait()
	require.NoError(t, err)
	require.Equal(t, 42, result)
}

func TestSubmitCapturesTaskError(t *testing.T) {
	p := New(2, 4, nil)
	defer p.Shutdown()

	boom := errors.New("boom")
	f := p.Submit(func(ctx context.Context) (any, error) {
		return nil, boom
	})
	_, err := f.Wait()
	require.ErrorIs(t, err, boom)
}

func TestSubmitRecoversPanicWithoutKillingWorker(t *testing.T) {
	p := New(1, 2, nil)
	defer p.Shutdown()

	f1 := p.Submit(func(ctx context.Context) (any, error) {
		panic("kaboom")
	})
	_, err := f1.Wait()
	require.Error(t, err)

	f2 := p.Submit(func(ctx context.Context) (any, error) {
		return "still alive", nil
	})
	result, err := f2.Wait()
	require.NoError(t, err)
	require.Equal(t, "still alive", result)
}

func TestScaleDownRespectsFloorAndCooldown(t *testing.T) {
	p := New(2, 8, nil)
	defer p.Shutdown()

	p.growBy(4)
	time.Sleep(10 * time.Millisecond)
	p.mu.Lock()
	before := p.current
	p.mu.Unlock()
	require.Equal(t, 6, before)

	p.scale(99) // >=95 branch
	time.Sleep(50 * time.Millisecond)
	p.mu.Lock()
	after := p.current
	p.mu.Unlock()
	require.Less(t, after, before)
	require.GreaterOrEqual(t, after, p.minWorkers)

	p.scale(99) // within scaleDownCooldown: no further shrink
	time.Sleep(50 * time.Millisecond)
	p.mu.Lock()
	again := p.current
	p.mu.Unlock()
	require.Equal(t, after, again)
}

func TestScaleUpOnLowCPU(t *testing.T) {
	p := New(2, 8, nil)
	defer p.Shutdown()

	p.scale(10) // well under threshold, triggers growth toward target
	time.Sleep(20 * time.Millisecond)
	p.mu.Lock()
	current := p.current
	p.mu.Unlock()
	require.Greater(t, current, 2)
}
