package server

import "errors"

// -------------------------------------------------------------------------
// Server Errors
// -------------------------------------------------------------------------

// Sentinel errors for Service lifecycle and store operations.
var (
	// ErrServiceNotFound indicates no Service is registered under the name.
	ErrServiceNotFound = errors.New("service not found")

	// ErrServiceExists indicates a Service with the same name is already
	// registered.
	ErrServiceExists = errors.New("service already exists")

	// ErrServiceRunning indicates Start on a Service whose socket is open.
	ErrServiceRunning = errors.New("service already running")

	// ErrServiceStopped indicates an operation that needs an open socket on
	// a stopped Service.
	ErrServiceStopped = errors.New("service not running")

	// ErrInvalidServiceName indicates an empty Service name.
	ErrInvalidServiceName = errors.New("service name must not be empty")

	// ErrInvalidMaxMessageSize indicates a maximum message size smaller than
	// the CoAP header.
	ErrInvalidMaxMessageSize = errors.New("max message size must be at least 4 bytes")

	// ErrInvalidCapacity indicates a store capacity below one.
	ErrInvalidCapacity = errors.New("store capacity must be at least 1")

	// ErrObserverTableFull indicates the observer registry has no free
	// slot. Observe registration fails explicitly rather than being
	// silently dropped.
	ErrObserverTableFull = errors.New("observer table full")

	// ErrPendingTableFull indicates the retransmission store has no free
	// slot. The message is still sent once without reliability.
	ErrPendingTableFull = errors.New("pending table full")

	// ErrExchangeTableFull indicates every exchange slot is held by an
	// Observe exchange and none can be evicted.
	ErrExchangeTableFull = errors.New("oscore exchange table full")

	// ErrMalformedMessage indicates a datagram that could not be processed
	// as a CoAP message (parse failure or repeated OSCORE option).
	ErrMalformedMessage = errors.New("malformed coap message")

	// ErrNoSecurityContext indicates an OSCORE-protected message received
	// by a Service without a security context.
	ErrNoSecurityContext = errors.New("oscore not configured for service")

	// ErrProtectFailed indicates an outbound response of an OSCORE exchange
	// could not be protected; nothing is sent.
	ErrProtectFailed = errors.New("oscore protect failed")

	// ErrUnknownResource indicates a notification for a path with no
	// registered resource.
	ErrUnknownResource = errors.New("unknown resource")

	// ErrDuplicateResource indicates a resource path registered twice.
	ErrDuplicateResource = errors.New("resource already registered")

	// ErrInvalidEchoNonce indicates an Echo nonce outside 1-40 bytes
	// (RFC 9175 Section 2.2.1).
	ErrInvalidEchoNonce = errors.New("echo nonce must be 1-40 bytes")

	// ErrNotifyQueueFull indicates the notification queue of the dispatch
	// loop is full.
	ErrNotifyQueueFull = errors.New("notification queue full")

	// ErrPanicRecovered indicates a resource handler panicked and was
	// recovered.
	ErrPanicRecovered = errors.New("panic recovered in resource handler")
)

// Handler errors mapped to CoAP response codes by the dispatch pipeline.
// Any other handler error is answered with 5.00 Internal Server Error.
var (
	// ErrNotFound maps to 4.04 Not Found.
	ErrNotFound = errors.New("not found")

	// ErrBadRequest maps to 4.00 Bad Request.
	ErrBadRequest = errors.New("bad request")

	// ErrMethodNotAllowed maps to 4.05 Method Not Allowed.
	ErrMethodNotAllowed = errors.New("method not allowed")
)
