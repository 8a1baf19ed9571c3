package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestDispatchOrder(t *testing.T) {
	var q Basic
	q.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan byte, 8)
	var wg sync.WaitGroup
	wg.Add(1)
	go q.StartDispatcher(ctx, func(i *Item) error {
		got <- i.B[0]
		return nil
	}, &wg)

	q.Add(GetItem([]byte{1}))
	q.Add(GetItem([]byte{2}))
	q.Add(GetItem([]byte{3}))

	for want := byte(1); want <= 3; want++ {
		select {
		case b := <-got:
			if b != want {
				t.Fatalf("dispatched %d, want %d", b, want)
			}
		case <-time.After(time.Second):
			t.Fatal("dispatcher stalled")
		}
	}

	cancel()
	q.NotifyDispatcher()
	wg.Wait()
}

func TestDispatcherStopsOnCancel(t *testing.T) {
	var q Basic
	q.Init()

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go q.StartDispatcher(ctx, func(*Item) error { return nil }, &wg)

	// let the dispatcher reach its wait
	time.Sleep(time.Millisecond * 10)
	cancel()
	q.NotifyDispatcher()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}
}

func TestReset(t *testing.T) {
	var q Basic
	q.Init()

	q.Add(GetItem([]byte{1}))
	q.Add(GetItem([]byte{2}))
	q.Reset()

	if q.h != nil || q.t != nil {
		t.Fatal("queue not empty after Reset")
	}
}
