package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/arbor"
)

func TestRecoverWithPassesPanicValue(t *testing.T) {
	var got interface{}
	assert.NotPanics(t, func() {
		defer RecoverWith(arbor.NewNoOpLogger(), "worker", func(r interface{}) { got = r })
		panic("nil map write")
	})
	assert.Equal(t, "nil map write", got)
}

func TestRecoverWithSkipsCallbackWithoutPanic(t *testing.T) {
	called := false
	func() {
		defer RecoverWith(arbor.NewNoOpLogger(), "worker", func(interface{}) { called = true })
	}()
	assert.False(t, called)
}

func TestSafeGoRecovers(t *testing.T) {
	done := make(chan struct{})
	SafeGo(arbor.NewNoOpLogger(), "worker", func() {
		defer close(done)
		panic("boom")
	})
	<-done
}
