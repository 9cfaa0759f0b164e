// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCheckerIsEmpty(t *testing.T) {
	c := NewChecker()
	require.NotNil(t, c)
	status, results := c.Snapshot()
	assert.Equal(t, StatusHealthy, status)
	assert.Empty(t, results)
}

func TestRegisterAndRunAll(t *testing.T) {
	c := NewChecker()
	c.Register("always-healthy", func(ctx context.Context) (Status, string) {
		return StatusHealthy, "fine"
	}, time.Minute)

	results := c.RunAll(context.Background())
	require.Contains(t, results, "always-healthy")
	assert.Equal(t, StatusHealthy, results["always-healthy"].Status)
	assert.Equal(t, StatusHealthy, c.Overall())
}

func TestOverallReflectsWorstCheck(t *testing.T) {
	c := NewChecker()
	c.Register("ok", func(ctx context.Context) (Status, string) { return StatusHealthy, "" }, 0)
	c.Register("bad", func(ctx context.Context) (Status, string) { return StatusUnhealthy, "broken" }, 0)
	c.RunAll(context.Background())
	assert.Equal(t, StatusUnhealthy, c.Overall())
}

func TestOverallDegradedWhenNoUnhealthy(t *testing.T) {
	c := NewChecker()
	c.Register("ok", func(ctx context.Context) (Status, string) { return StatusHealthy, "" }, 0)
	c.Register("slow", func(ctx context.Context) (Status, string) { return StatusDegraded, "slow" }, 0)
	c.RunAll(context.Background())
	assert.Equal(t, StatusDegraded, c.Overall())
}

func TestSerialSessionCheck(t *testing.T) {
	check := SerialSessionCheck(func() string { return "degraded" })
	status, _ := check(context.Background())
	assert.Equal(t, StatusDegraded, status)

	check = SerialSessionCheck(func() string { return "open" })
	status, _ = check(context.Background())
	assert.Equal(t, StatusHealthy, status)

	check = SerialSessionCheck(func() string { return "connecting" })
	status, _ = check(context.Background())
	assert.Equal(t, StatusUnhealthy, status)
}

func TestEngineDepthCheck(t *testing.T) {
	check := EngineDepthCheck(func() int { return 950 }, 1000)
	status, _ := check(context.Background())
	assert.Equal(t, StatusDegraded, status)

	check = EngineDepthCheck(func() int { return 10 }, 1000)
	status, _ = check(context.Background())
	assert.Equal(t, StatusHealthy, status)
}

func TestStartPeriodicRunsOnInterval(t *testing.T) {
	c := NewChecker()
	calls := make(chan struct{}, 5)
	c.Register("ticking", func(ctx context.Context) (Status, string) {
		select {
		case calls <- struct{}{}:
		default:
		}
		return StatusHealthy, "tick"
	}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.StartPeriodic(ctx)

	select {
	case <-calls:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected periodic check to run at least once")
	}
}
