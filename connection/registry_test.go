package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryRegisterResolveUnregister(t *testing.T) {
	r := NewRegistry()
	conn := &Connection{}

	handle := r.Register(conn)
	assert.Same(t, conn, r.Resolve(handle))
	assert.Equal(t, 1, r.Len())

	r.Unregister(handle)
	assert.Nil(t, r.Resolve(handle))
	assert.Equal(t, 0, r.Len())
}

func TestRegistryAllReturnsSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Register(&Connection{})
	r.Register(&Connection{})

	all := r.All()
	assert.Len(t, all, 2)
}
