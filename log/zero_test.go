package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithZero(t *testing.T) {
	assert := assert.New(t)

	t.Run("StructuredOutput", func(t *testing.T) {
		sink := bytes.NewBuffer(nil)
		ll := WithZero(ZeroOptions{Sink: sink})
		ll.WithFields(Fields{
			"component": "test",
			"attempt":   3,
		}).Info("sample message")

		var entry map[string]any
		assert.Nil(json.Unmarshal(sink.Bytes(), &entry))
		assert.Equal("sample message", entry["message"])
		assert.Equal("test", entry["component"])
		assert.Equal(float64(3), entry["attempt"])
	})

	t.Run("LevelFilter", func(t *testing.T) {
		sink := bytes.NewBuffer(nil)
		ll := WithZero(ZeroOptions{Sink: sink})
		ll.SetLevel(Warning)
		ll.Debug("discarded")
		ll.Info("discarded")
		assert.Zero(sink.Len())
		ll.Warning("kept")
		assert.NotZero(sink.Len())
	})

	t.Run("Sub", func(t *testing.T) {
		sink := bytes.NewBuffer(nil)
		ll := WithZero(ZeroOptions{Sink: sink}).Sub(Fields{"component": "sub"})
		ll.Infof("formatted %d", 42)

		var entry map[string]any
		assert.Nil(json.Unmarshal(sink.Bytes(), &entry))
		assert.Equal("formatted 42", entry["message"])
		assert.Equal("sub", entry["component"])
	})

	t.Run("Sanitize", func(t *testing.T) {
		sink := bytes.NewBuffer(nil)
		ll := WithZero(ZeroOptions{Sink: sink})
		ll.Info("multi\nline\rvalue")

		var entry map[string]any
		assert.Nil(json.Unmarshal(sink.Bytes(), &entry))
		assert.Equal("multilinevalue", entry["message"])
	})
}

func TestDiscard(t *testing.T) {
	ll := Discard()
	ll.SetLevel(Debug)
	ll.WithField("k", "v").Debug("no output")
	ll.Sub(Fields{"component": "x"}).Error("no output")
}
