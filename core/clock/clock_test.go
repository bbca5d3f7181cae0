package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockNowIsFrozen(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMock(start)
	assert.Equal(t, start, m.Now())
	m.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), m.Now())
}

func TestAfterFiresOnAdvance(t *testing.T) {
	m := NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ch := m.After(2 * time.Minute)

	m.Advance(time.Minute)
	select {
	case <-ch:
		t.Fatal("fired before the deadline")
	default:
	}

	m.Advance(time.Minute)
	select {
	case at := <-ch:
		assert.Equal(t, m.Now(), at)
	default:
		t.Fatal("did not fire at the deadline")
	}
}

func TestAfterNonPositiveFiresImmediately(t *testing.T) {
	m := NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	select {
	case <-m.After(0):
	default:
		t.Fatal("zero-duration After must be ready")
	}
}

func TestAdvancePastMultipleDeadlines(t *testing.T) {
	m := NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	late := m.After(time.Hour)
	early := m.After(time.Minute)

	m.Advance(2 * time.Hour)

	select {
	case <-early:
	default:
		t.Fatal("early waiter did not fire")
	}
	select {
	case <-late:
	default:
		t.Fatal("late waiter did not fire")
	}
	require.Empty(t, m.waiters)
}
