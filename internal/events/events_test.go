package events

import (
	"io"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
)

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

func TestEmitDeliversToEvents(t *testing.T) {
	b := New(4, testLogger())
	defer b.Close()

	b.Emit(Event{Kind: DeviceFound})
	select {
	case ev := <-b.Events():
		assert.Equal(t, DeviceFound, ev.Kind)
	default:
		t.Fatal("expected an event to be buffered")
	}
}

func TestEmitDropsWhenFull(t *testing.T) {
	b := New(1, testLogger())
	defer b.Close()

	b.Emit(Event{Kind: DeviceFound})
	b.Emit(Event{Kind: DeviceLost}) // buffer full, dropped rather than blocking

	ev := <-b.Events()
	assert.Equal(t, DeviceFound, ev.Kind)

	select {
	case <-b.Events():
		t.Fatal("second event should have been dropped")
	default:
	}
}

func TestCloseClosesChannel(t *testing.T) {
	b := New(1, testLogger())
	b.Close()

	_, ok := <-b.Events()
	assert.False(t, ok)
}
