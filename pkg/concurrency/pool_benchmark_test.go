package concurrency

import (
	"sync"
	"sync/atomic"
	"testing"

	"omniman/internal/core"
)

type noopLogger struct{}

func (l *noopLogger) Debug(msg string, fields ...interface{})               {}
func (l *noopLogger) Info(msg string, fields ...interface{})                {}
func (l *noopLogger) Warn(msg string, fields ...interface{})                {}
func (l *noopLogger) Error(msg string, fields ...interface{})               {}
func (l *noopLogger) Fatal(msg string, fields ...interface{})               {}
func (l *noopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *noopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }

func BenchmarkWorkerPool_Submit(b *testing.B) {
	pool := NewWorkerPool(PoolConfig{
		Name:        "BenchmarkPool",
		MaxWorkers:  10,
		MaxCapacity: 1000,
		NonBlocking: false,
	}, &noopLogger{})
	defer pool.Stop()

	b.ResetTimer()
	var counter int64
	for i := 0; i < b.N; i++ {
		_ = pool.Submit(func() {
			atomic.AddInt64(&counter, 1)
		})
	}
}

func TestWorkerPool_GroupWaitsForBatch(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{
		Name:        "GroupPool",
		MaxWorkers:  4,
		MaxCapacity: 64,
	}, &noopLogger{})
	defer pool.Stop()

	group := pool.Group()
	var mu sync.Mutex
	seen := make(map[int]bool)
	for i := 0; i < 16; i++ {
		i := i
		group.Submit(func() {
			mu.Lock()
			seen[i] = true
			mu.Unlock()
		})
	}
	group.Wait()

	if len(seen) != 16 {
		t.Fatalf("group.Wait returned before all tasks ran: %d/16", len(seen))
	}
}

func TestWorkerPool_NonBlockingRejectsWhenFull(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{
		Name:        "TinyPool",
		MaxWorkers:  1,
		MaxCapacity: 1,
		NonBlocking: true,
	}, &noopLogger{})
	defer pool.Stop()

	block := make(chan struct{})
	_ = pool.Submit(func() { <-block })

	// Fill the queue, then expect a rejection.
	var rejected bool
	for i := 0; i < 8; i++ {
		if err := pool.Submit(func() {}); err != nil {
			rejected = true
			break
		}
	}
	close(block)
	if !rejected {
		t.Fatal("expected at least one submit to be rejected")
	}
}
