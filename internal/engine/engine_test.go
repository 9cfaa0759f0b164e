// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingTransactor serializes calls and records the order requests
// reached the (simulated) bus.
type recordingTransactor struct {
	mu      sync.Mutex
	active  bool
	order   []string
	delay   time.Duration
	failAll bool
}

func (t *recordingTransactor) Transact(ctx context.Context, req *Request) (Result, error) {
	t.mu.Lock()
	if t.active {
		t.mu.Unlock()
		panic("concurrent transact calls detected")
	}
	t.active = true
	t.order = append(t.order, req.ID)
	t.mu.Unlock()

	if t.delay > 0 {
		time.Sleep(t.delay)
	}

	t.mu.Lock()
	t.active = false
	t.mu.Unlock()

	if t.failAll {
		return Result{}, ErrRTUIOError
	}
	return Result{Words: []uint16{1}}, nil
}

func TestEngineSerializesConcurrentSubmissions(t *testing.T) {
	tx := &recordingTransactor{delay: 5 * time.Millisecond}
	e := New(tx, 64)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	const n = 20
	reqs := make([]*Request, n)
	for i := 0; i < n; i++ {
		reqs[i] = NewRequest(1, 3, uint16(i), 1, nil)
		reqs[i].ID = string(rune('a' + i))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			require.NoError(t, e.Submit(reqs[idx]))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		_, err := e.Await(context.Background(), reqs[i])
		require.NoError(t, err)
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	require.Len(t, tx.order, n)
}

func TestEngineExactlyOnceCompletion(t *testing.T) {
	tx := &recordingTransactor{}
	e := New(tx, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	req := NewRequest(1, 3, 0, 1, nil)
	require.NoError(t, e.Submit(req))

	_, err := e.Await(context.Background(), req)
	require.NoError(t, err)

	// completion channel must not deliver a second value.
	select {
	case <-req.completion:
		t.Fatal("completion signalled twice")
	default:
	}
}

func TestEngineBackpressure(t *testing.T) {
	tx := &recordingTransactor{delay: 50 * time.Millisecond}
	e := New(tx, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	// Fill the single queue slot, then the worker immediately drains it
	// into "active" — submit a burst fast enough to observe a full queue.
	first := NewRequest(1, 3, 0, 1, nil)
	require.NoError(t, e.Submit(first))

	var sawBackpressure bool
	for i := 0; i < 5; i++ {
		req := NewRequest(1, 3, uint16(i+1), 1, nil)
		if err := e.Submit(req); err == ErrBackpressure {
			sawBackpressure = true
			_, err := e.Await(context.Background(), req)
			require.Equal(t, ErrBackpressure, err)
			break
		}
	}
	require.True(t, sawBackpressure, "expected at least one submission to observe backpressure")
}

func TestEngineShutdownDrainsWithShuttingDown(t *testing.T) {
	tx := &recordingTransactor{delay: 20 * time.Millisecond}
	e := New(tx, 8)
	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)

	reqs := make([]*Request, 4)
	for i := range reqs {
		reqs[i] = NewRequest(1, 3, uint16(i), 1, nil)
		require.NoError(t, e.Submit(reqs[i]))
	}

	cancel()
	time.Sleep(100 * time.Millisecond)

	var sawShuttingDown bool
	for _, req := range reqs {
		select {
		case o := <-req.completion:
			if o.Err == ErrShuttingDown {
				sawShuttingDown = true
			}
		default:
		}
	}
	require.True(t, sawShuttingDown, "expected at least one drained request to fail with ErrShuttingDown")

	require.Error(t, e.Submit(NewRequest(1, 3, 99, 1, nil)))
}
