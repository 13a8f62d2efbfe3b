package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGoWaitBlocksUntilGoroutinesReturn(t *testing.T) {
	var w Worker
	done := make(chan struct{})

	w.Go(func() {
		<-done
	})

	waitReturned := make(chan struct{})
	go func() {
		w.Wait()
		close(waitReturned)
	}()

	select {
	case <-waitReturned:
		t.Fatal("Wait returned before goroutine finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(done)
	select {
	case <-waitReturned:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after goroutine finished")
	}
}

func TestHaltClosesChannelOnceAndIsIdempotent(t *testing.T) {
	var w Worker
	assert.NotPanics(t, func() {
		w.Halt()
		w.Halt()
	})
	select {
	case <-w.HaltCh():
	default:
		t.Fatal("HaltCh should be closed after Halt")
	}
}

func TestGoObservesHaltCh(t *testing.T) {
	var w Worker
	stopped := make(chan struct{})
	w.Go(func() {
		<-w.HaltCh()
		close(stopped)
	})
	w.Halt()
	w.Wait()
	select {
	case <-stopped:
	default:
		t.Fatal("goroutine did not observe halt")
	}
}
