package gateway

import (
	"sync/atomic"
	"testing"
	"time"

	tomb "gopkg.in/tomb.v2"
)

func TestWorkerPool_DispatchRunsAndBlocksUntilDone(t *testing.T) {
	pool := newWorkerPool(2)
	var tb tomb.Tomb
	pool.Start(&tb)
	defer func() {
		tb.Kill(nil)
		tb.Wait()
	}()

	var ran int32
	pool.Dispatch(func() {
		time.Sleep(10 * time.Millisecond)
		atomic.StoreInt32(&ran, 1)
	})
	if atomic.LoadInt32(&ran) != 1 {
		t.Error("expected Dispatch to block until the job completed")
	}
}

func TestWorkerPool_ConcurrentDispatches(t *testing.T) {
	pool := newWorkerPool(4)
	var tb tomb.Tomb
	pool.Start(&tb)
	defer func() {
		tb.Kill(nil)
		tb.Wait()
	}()

	var counter int32
	done := make(chan struct{}, 20)
	for i := 0; i < 20; i++ {
		go func() {
			pool.Dispatch(func() {
				atomic.AddInt32(&counter, 1)
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}
	if atomic.LoadInt32(&counter) != 20 {
		t.Errorf("expected 20 completed jobs, got %d", counter)
	}
}
