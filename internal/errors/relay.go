package errors

import "fmt"

// Relay-client error constructors

// ConnectionCreationError reports a transport that could not even be built,
// as opposed to one that connected and later dropped.
func ConnectionCreationError(url string, cause error) *AppError {
	return Wrap(cause, ErrorTypeNetwork, "CONNECTION_CREATE_FAILED",
		fmt.Sprintf("failed to create connection to %s", url)).
		WithSeverity(SeverityMedium).
		WithUserMessage("Could not reach the relay. It will be retried automatically.")
}

// ConnectionClosedError fails pending operations when their socket dies.
func ConnectionClosedError(url string) *AppError {
	return New(ErrorTypeNetwork, "CONNECTION_CLOSED",
		fmt.Sprintf("connection to %s closed", url)).
		WithSeverity(SeverityLow).
		WithUserMessage("The relay connection was lost.")
}

// DisposedError fails pending operations when their owner is disposed.
func DisposedError(component string) *AppError {
	return New(ErrorTypeApplication, "DISPOSED",
		fmt.Sprintf("%s disposed", component)).
		WithSeverity(SeverityLow)
}

// AckTimeoutError fails a single publish that never received its OK.
func AckTimeoutError(correlationID string) *AppError {
	return New(ErrorTypeTimeout, "ACK_TIMEOUT", "no acknowledgment from relay").
		WithSeverity(SeverityLow).
		WithDetails(fmt.Sprintf("correlation id: %s", correlationID)).
		WithUserMessage("The relay did not confirm the request in time.")
}

// PingTimeoutError escalates a silent socket to a full connection failure.
func PingTimeoutError(url string) *AppError {
	return New(ErrorTypeTimeout, "PING_TIMEOUT",
		fmt.Sprintf("no pong from %s", url)).
		WithSeverity(SeverityMedium).
		WithUserMessage("The relay stopped responding.")
}

// NotConnectedError rejects sends attempted outside the connected state.
func NotConnectedError(url string) *AppError {
	return New(ErrorTypeNetwork, "NOT_CONNECTED",
		fmt.Sprintf("not connected to %s", url)).
		WithSeverity(SeverityLow)
}

// NoRelaysError reports a subscribe attempted with zero usable relays.
func NoRelaysError() *AppError {
	return New(ErrorTypeNetwork, "NO_CONNECTED_RELAYS", "no connected relays").
		WithSeverity(SeverityMedium).
		WithUserMessage("Not connected to any relay. Retrying while offline.")
}

// AuthenticationError reports a failed NIP-42 handshake.
func AuthenticationError(url, reason string) *AppError {
	return New(ErrorTypeApplication, "AUTH_FAILED",
		fmt.Sprintf("authentication with %s failed: %s", url, reason)).
		WithSeverity(SeverityMedium).
		WithUserMessage("The relay rejected authentication.")
}

// ProtocolError reports a malformed or unexpected relay message. The message
// is dropped; the connection survives.
func ProtocolError(kind, reason string) *AppError {
	return New(ErrorTypeProtocol, "PROTOCOL_ERROR",
		fmt.Sprintf("bad %s message: %s", kind, reason)).
		WithSeverity(SeverityLow)
}

// SubscriptionError reports a subscribe call the coordinator could not honor.
func SubscriptionError(reason string) *AppError {
	return New(ErrorTypeApplication, "SUBSCRIPTION_ERROR",
		fmt.Sprintf("subscription failed: %s", reason)).
		WithSeverity(SeverityLow).
		WithUserMessage("Could not open the subscription. Please check the filter parameters.")
}

// ArchiveError reports a failure in the optional local event archive.
func ArchiveError(operation string, cause error) *AppError {
	return Wrap(cause, ErrorTypeInternal, "ARCHIVE_ERROR",
		fmt.Sprintf("archive %s failed", operation)).
		WithSeverity(SeverityLow)
}
