package converge

import "errors"

// Sentinel errors returned by the chat controllers.
var (
	// ErrNotFound means the conversation id was empty or unknown.
	ErrNotFound = errors.New("conversation not found")

	// ErrLoadFailed means a fetch failed and no cached snapshot exists.
	ErrLoadFailed = errors.New("load failed with no cached fallback")

	// ErrSendFailed means an HTTP send was rejected for a reason other
	// than connectivity; the optimistic message has been rolled back.
	ErrSendFailed = errors.New("send failed")
)

// APIError is a request the server received and rejected.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// NetworkError is a transport-level failure: the request never produced
// a server response (offline device, DNS failure, connection refused,
// timeout).
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "network: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsNetworkError reports whether err indicates a connectivity failure
// rather than a server rejection. Controllers use this to decide
// between queueing a write for replay and rolling it back.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
