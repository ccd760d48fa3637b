package client

import (
	"errors"
	"fmt"

	"github.com/tfkr-ae/lensgate/domain"
)

const (
	defaultAnalysisError = "Analysis failed"
	defaultServerError   = "Server error"
	defaultUsageError    = "Failed to load usage"
)

var (
	// ErrNoFile is returned by Analyze when no upload was selected
	ErrNoFile = errors.New("no file selected")

	// ErrNotSignedIn is returned when no bearer token could be obtained
	ErrNotSignedIn = errors.New("not signed in")

	// ErrUnreachable is returned when the gateway could not be reached at all
	ErrUnreachable = errors.New("gateway unreachable")

	// ErrUnsupportedType is returned by OpenUpload for files outside the picker allow-list
	ErrUnsupportedType = errors.New("unsupported file type")

	// ErrInvalidResponse is returned when a JSON reply cannot be decoded
	ErrInvalidResponse = errors.New("invalid response body")
)

// userMessages is the text shown for each sentinel, checked in order
var userMessages = []struct {
	err     error
	message string
}{
	{ErrNoFile, "Please select an image first"},
	{ErrNotSignedIn, "Not signed in. Please sign in and try again."},
	{ErrUnreachable, "Could not reach the server. Check that the gateway URL is correct and the API is running."},
	{ErrUnsupportedType, "Unsupported file type. Choose a JPG, PNG or WEBP image."},
	{ErrInvalidResponse, "The server sent a response that could not be read."},
}

// APIError is a reply from the gateway or backend that is not a success. Message is what the user
// is shown.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte // Raw reply body
}

func (e *APIError) Error() string {
	return e.Message
}

// messageRule picks the user-facing message out of an error detail. It reports false when the
// detail does not have the shape the rule looks for.
type messageRule func(detail *domain.ErrorDetail) (string, bool)

// messageRules are tried in order, the first match wins: detail as a string, then detail.message,
// then detail.error.
var messageRules = []messageRule{
	func(detail *domain.ErrorDetail) (string, bool) { return detail.Text, detail.Text != "" },
	func(detail *domain.ErrorDetail) (string, bool) { return detail.Message, detail.Message != "" },
	func(detail *domain.ErrorDetail) (string, bool) { return detail.Error, detail.Error != "" },
}

// extractMessage applies messageRules to envelope, falling back to fallback.
func extractMessage(envelope domain.ErrorEnvelope, fallback string) string {
	if envelope.Detail == nil {
		return fallback
	}
	for _, rule := range messageRules {
		if message, ok := rule(envelope.Detail); ok {
			return message
		}
	}
	return fallback
}

// Message maps err to the text shown to the user. Sentinel errors show their own text without the
// wrapped cause, API errors show the extracted message.
func Message(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range userMessages {
		if errors.Is(err, entry.err) {
			return entry.message
		}
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}

func unreachable(err error) error {
	return fmt.Errorf("%w : %w", ErrUnreachable, err)
}
