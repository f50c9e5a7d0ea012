package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New("test error")
	require.NotNil(t, err)
	assert.Equal(t, "test error", err.Error())
}

func TestWrap(t *testing.T) {
	base := New("base error")
	wrapped := Wrap(base, "context")
	require.NotNil(t, wrapped)
	assert.Equal(t, "context: base error", wrapped.Error())
	assert.True(t, Is(wrapped, base))
}

func TestWrapf(t *testing.T) {
	base := New("base")
	wrapped := Wrapf(base, "loading %s", "users.json")
	assert.Equal(t, "loading users.json: base", wrapped.Error())
}

func TestIs(t *testing.T) {
	sentinel := New("sentinel")
	wrapped := Wrap(sentinel, "outer")
	assert.True(t, Is(wrapped, sentinel))
	assert.False(t, Is(wrapped, New("other")))
}

func TestWithHintPreservesMessage(t *testing.T) {
	err := WithHint(New("bad config"), "set db.dir to a writable path")
	assert.Equal(t, "bad config", err.Error())
}

func TestCause(t *testing.T) {
	base := fmt.Errorf("inner")
	wrapped := Wrap(base, "outer")
	assert.Equal(t, base, Cause(wrapped))
}
