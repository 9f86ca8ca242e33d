package notifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifyAllWakesSubscribers(t *testing.T) {
	n := New()
	a := n.Subscribe()
	b := n.Subscribe()

	n.NotifyAll()

	assert.Len(t, a, 1)
	assert.Len(t, b, 1)
}

func TestNotifyAllCoalesces(t *testing.T) {
	n := New()
	ch := n.Subscribe()

	n.NotifyAll()
	n.NotifyAll()
	n.NotifyAll()

	assert.Len(t, ch, 1)
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	n := New()
	ch := n.Subscribe()
	assert.Equal(t, 1, n.Subscribers())

	n.Unsubscribe(ch)
	n.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, n.Subscribers())

	// must not panic on a closed channel
	n.NotifyAll()
}

func TestNilNotifier(t *testing.T) {
	var n *Notifier
	assert.NotPanics(t, n.NotifyAll)
}
