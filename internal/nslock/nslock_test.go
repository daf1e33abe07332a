// Slippy Tile Proxy Server
// Copyright 2026 cyberang3l
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cyberang3l/slippy-tile-proxy-server

package nslock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireSerializesSameKey(t *testing.T) {
	n := New()
	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := n.Acquire("block:0:0")
			defer release()

			cur := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if cur <= m || atomic.CompareAndSwapInt32(&maxActive, m, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("max concurrent holders of the same key = %d, want 1", maxActive)
	}
}

func TestAcquireDistinctKeysRunConcurrently(t *testing.T) {
	n := New()
	var wg sync.WaitGroup
	start := make(chan struct{})
	var active int32
	var maxActive int32

	for _, key := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			<-start
			release := n.Acquire(key)
			defer release()
			cur := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if cur <= m || atomic.CompareAndSwapInt32(&maxActive, m, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&active, -1)
		}(key)
	}
	close(start)
	wg.Wait()

	if maxActive < 2 {
		t.Errorf("max concurrent holders across distinct keys = %d, want >= 2", maxActive)
	}
}

func TestSnapshotReflectsRefcount(t *testing.T) {
	n := New()
	var wg sync.WaitGroup
	releaseGate := make(chan struct{})

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := n.Acquire("busy")
			<-releaseGate
			release()
		}()
	}

	// Give the goroutines a chance to register before snapshotting. This is
	// inherently timing-sensitive, so poll briefly rather than sleep once.
	deadline := time.Now().Add(time.Second)
	var snap []Entry
	for time.Now().Before(deadline) {
		snap = n.Snapshot(true)
		if len(snap) == 1 && snap[0].Refcount == 3 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if len(snap) != 1 || snap[0].Key != "busy" || snap[0].Refcount != 3 {
		t.Fatalf("Snapshot() = %+v, want one entry for %q with refcount 3", snap, "busy")
	}

	close(releaseGate)
	wg.Wait()

	if snap := n.Snapshot(false); len(snap) != 0 {
		t.Errorf("Snapshot() after all releases = %+v, want empty", snap)
	}
}

func TestSnapshotSortedByRefcountDescending(t *testing.T) {
	n := New()

	releaseA := n.Acquire("a")
	releaseB1 := n.Acquire("b")
	releaseB2Gate := make(chan func())
	go func() {
		releaseB2Gate <- n.Acquire("b")
	}()
	// "b" is held once already, so the second acquirer increments its
	// refcount to 2 even while blocked waiting for the mutex itself.
	time.Sleep(10 * time.Millisecond)

	snap := n.Snapshot(true)
	if len(snap) != 2 || snap[0].Key != "b" || snap[0].Refcount != 2 {
		t.Fatalf("Snapshot(sorted) = %+v, want [{b 2} {a 1}]", snap)
	}

	releaseA()
	releaseB1()
	releaseB2 := <-releaseB2Gate
	releaseB2()
}
