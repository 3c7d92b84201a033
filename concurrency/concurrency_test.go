package concurrency_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/outboxkit/outboxkit/concurrency"
	"github.com/outboxkit/outboxkit/message"
)

func msgWithSegment(segment string) message.Message {
	return message.Message{MessageType: "t", Segment: segment, Payload: json.RawMessage("{}")}
}

func TestFullParallelAllowsConcurrency(t *testing.T) {
	c := concurrency.NewFullParallel()

	var inFlight int32
	var maxInFlight int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := c.Acquire(context.Background(), msgWithSegment(""))
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			n := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&maxInFlight)
				if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			release()
		}()
	}
	wg.Wait()

	if maxInFlight < 2 {
		t.Fatalf("expected concurrent execution, max in flight was %d", maxInFlight)
	}
}

func TestMutexSerializes(t *testing.T) {
	c := concurrency.NewMutex()

	var inFlight int32
	var sawOverlap bool
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := c.Acquire(context.Background(), msgWithSegment(""))
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			defer release()

			n := atomic.AddInt32(&inFlight, 1)
			defer atomic.AddInt32(&inFlight, -1)
			if n > 1 {
				mu.Lock()
				sawOverlap = true
				mu.Unlock()
			}
			time.Sleep(10 * time.Millisecond)
		}()
	}
	wg.Wait()

	if sawOverlap {
		t.Fatal("mutex controller allowed overlapping execution")
	}
}

func TestSegmentMutexAllowsDistinctSegmentsInParallel(t *testing.T) {
	c := concurrency.NewSegmentMutex()

	releaseA, err := c.Acquire(context.Background(), msgWithSegment("A"))
	if err != nil {
		t.Fatalf("Acquire A failed: %v", err)
	}
	defer releaseA()

	done := make(chan struct{})
	go func() {
		releaseB, err := c.Acquire(context.Background(), msgWithSegment("B"))
		if err != nil {
			t.Errorf("Acquire B failed: %v", err)
			return
		}
		releaseB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("distinct segments did not proceed in parallel")
	}
}

func TestSegmentMutexSerializesSameSegment(t *testing.T) {
	c := concurrency.NewSegmentMutex()

	release, err := c.Acquire(context.Background(), msgWithSegment("A"))
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		release2, err := c.Acquire(context.Background(), msgWithSegment("A"))
		if err != nil {
			t.Errorf("second Acquire failed: %v", err)
			return
		}
		release2()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire for same segment proceeded before release")
	case <-time.After(50 * time.Millisecond):
	}

	release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never proceeded after release")
	}
}

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	c := concurrency.NewSemaphore(2)

	var inFlight int32
	var maxInFlight int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := c.Acquire(context.Background(), msgWithSegment(""))
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			defer release()

			n := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&maxInFlight)
				if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
		}()
	}
	wg.Wait()

	if maxInFlight > 2 {
		t.Fatalf("semaphore allowed %d concurrent, expected at most 2", maxInFlight)
	}
}

func TestCancelFailsWaiters(t *testing.T) {
	c := concurrency.NewMutex()

	release, err := c.Acquire(context.Background(), msgWithSegment(""))
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer release()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Acquire(context.Background(), msgWithSegment(""))
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	c.Cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected error after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by Cancel")
	}
}

func TestMultiRoutesByConcurrencyMode(t *testing.T) {
	parallel := concurrency.NewFullParallel()
	sequential := concurrency.NewMutex()
	multi := concurrency.NewMulti(concurrency.ConcurrencyBySpecMode, map[string]concurrency.Controller{
		"parallel":   parallel,
		"sequential": sequential,
	})

	seqMsg := msgWithSegment("")
	seqMsg.Concurrency = message.Sequential
	parMsg := msgWithSegment("")
	parMsg.Concurrency = message.Parallel

	releaseSeq, err := multi.Acquire(context.Background(), seqMsg)
	if err != nil {
		t.Fatalf("sequential acquire failed: %v", err)
	}
	defer releaseSeq()

	done := make(chan struct{})
	go func() {
		releasePar, err := multi.Acquire(context.Background(), parMsg)
		if err != nil {
			t.Errorf("parallel acquire failed: %v", err)
			return
		}
		releasePar()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("parallel message blocked behind sequential mutex")
	}
}
