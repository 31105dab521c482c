package amqp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWatch(t *testing.T) {
	t.Run("InitialValue", func(t *testing.T) {
		w := newWatch(42)
		v, changed := w.get()
		assert.Equal(t, 42, v)
		select {
		case <-changed:
			t.Fatal("change channel must not fire before a set")
		default:
		}
	})

	t.Run("SetWakesObservers", func(t *testing.T) {
		w := newWatch("old")
		_, changed := w.get()
		go w.set("new")

		select {
		case <-changed:
		case <-time.After(time.Second):
			t.Fatal("observer was not woken")
		}
		v, _ := w.get()
		assert.Equal(t, "new", v)
	})

	t.Run("SlowObserverSeesLatest", func(t *testing.T) {
		w := newWatch(0)
		_, changed := w.get()
		w.set(1)
		w.set(2)

		<-changed
		v, _ := w.get()
		assert.Equal(t, 2, v)
	})
}
