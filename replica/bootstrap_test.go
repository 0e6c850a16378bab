package replica

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestBootstrapAlreadyConnected(t *testing.T) {
	directory := NewLocalDirectory()
	session := directory.OpenSession()
	session.Connect()

	bootstrap := NewSessionBootstrap(session)

	initialized := 0
	bootstrap.WhenConnected(func() {
		initialized += 1
	})
	assert.Equal(t, 1, initialized)
}

func TestBootstrapDeferredUntilConnected(t *testing.T) {
	directory := NewLocalDirectory()
	session := directory.OpenSession()

	bootstrap := NewSessionBootstrap(session)

	initialized := 0
	bootstrap.WhenConnected(func() {
		initialized += 1
	})
	assert.Equal(t, 0, initialized)

	session.Connect()
	assert.Equal(t, 1, initialized)

	// the connected event is one-shot
	session.Connect()
	assert.Equal(t, 1, initialized)
}

func TestBootstrapCloseDeregisters(t *testing.T) {
	directory := NewLocalDirectory()
	session := directory.OpenSession()

	bootstrap := NewSessionBootstrap(session)

	initialized := 0
	bootstrap.WhenConnected(func() {
		initialized += 1
	})
	bootstrap.Close()

	session.Connect()
	assert.Equal(t, 0, initialized)
}
