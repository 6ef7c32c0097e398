package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := Wrap(cause, ErrorTypeNetwork, "CONNECTION_FAILED", "failed to reach relay")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "CONNECTION_FAILED")

	appErr, ok := AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, ErrorTypeNetwork, appErr.Type)
	assert.Equal(t, cause, appErr.Cause)
}

func TestIsConnectivity(t *testing.T) {
	t.Run("typed errors", func(t *testing.T) {
		assert.True(t, IsConnectivity(NoRelaysError()))
		assert.True(t, IsConnectivity(NotConnectedError("wss://a.test")))
		assert.True(t, IsConnectivity(ConnectionClosedError("wss://a.test")))
		assert.True(t, IsConnectivity(PingTimeoutError("wss://a.test")))
	})

	t.Run("message vocabulary", func(t *testing.T) {
		assert.True(t, IsConnectivity(fmt.Errorf("dial tcp: connection refused")))
		assert.True(t, IsConnectivity(fmt.Errorf("read: network is unreachable")))
		assert.False(t, IsConnectivity(fmt.Errorf("invalid filter json")))
		assert.False(t, IsConnectivity(nil))
	})

	t.Run("application errors are not connectivity", func(t *testing.T) {
		assert.False(t, IsConnectivity(SubscriptionError("bad parameters")))
		assert.False(t, IsConnectivity(DisposedError("coordinator")))
	})
}

func TestChainingSetters(t *testing.T) {
	err := New(ErrorTypeValidation, "BAD_INPUT", "rejected").
		WithSeverity(SeverityHigh).
		WithDetails("limit out of range").
		WithUserMessage("The request was invalid.")

	assert.Equal(t, SeverityHigh, err.Severity)
	assert.Equal(t, "limit out of range", err.Details)
	assert.Equal(t, "The request was invalid.", err.UserMessage)
	assert.False(t, err.Timestamp.IsZero())
}
