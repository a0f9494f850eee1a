package mcperror

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf_WrappedError(t *testing.T) {
	base := Transport("downstream unreachable", errors.New("connection refused"))
	wrapped := errors.Wrap(base, "calling tools/list")

	assert.Equal(t, KindTransport, KindOf(wrapped))
	e, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, "downstream unreachable", e.Message)
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestTimeout_IsConnectionRelated(t *testing.T) {
	err := Timeout("request timed out after 30s", nil)

	assert.True(t, IsTimeout(err))
	assert.True(t, IsConnectionRelated(err))
	assert.Equal(t, KindTransport, err.Kind)
}

func TestError_MessageCarriesDetail(t *testing.T) {
	e := Transport("subprocess failed", nil)
	e.ExitCode = 1
	e.Detail = "boom"

	assert.Contains(t, e.Error(), "exit code 1")
	assert.Contains(t, e.Error(), "boom")

	remote := RemoteTool(-32601, "Method not found", nil)
	assert.Equal(t, "RemoteToolError [-32601]: Method not found", remote.Error())
}

func TestValidation_Formats(t *testing.T) {
	err := Validation("method %q is not allowed", "")
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Contains(t, err.Error(), `method "" is not allowed`)
}
