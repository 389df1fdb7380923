package process

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsProcessAlive(t *testing.T) {
	assert.True(t, IsProcessAlive(os.Getpid()))
	assert.False(t, IsProcessAlive(0))
	assert.False(t, IsProcessAlive(-5))
}

func TestWatchClosesWhenProcessGone(t *testing.T) {
	var checks atomic.Int32
	alive := func(int) bool {
		return checks.Add(1) < 3
	}

	gone := watch(context.Background(), 4242, 5*time.Millisecond, alive)

	select {
	case <-gone:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not report the process as gone")
	}
	assert.GreaterOrEqual(t, checks.Load(), int32(3))
}

func TestWatchStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gone := watch(ctx, 4242, 5*time.Millisecond, func(int) bool { return true })
	cancel()

	select {
	case <-gone:
		t.Fatal("channel closed although the process is alive")
	case <-time.After(50 * time.Millisecond):
	}
}
