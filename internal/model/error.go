package model

// ErrorCode identifies why an API call failed. Classified failures use their error kind
// as the code; the constants cover the rest.
type ErrorCode string

const (
	CodeInvalidRequest ErrorCode = "InvalidRequest"
	CodeNotFound       ErrorCode = "NotFound"
	CodeInternal       ErrorCode = "Internal"
)

// ErrorResponse is the JSON body of every failed API call
type ErrorResponse struct {
	Error string    `json:"error"`
	Code  ErrorCode `json:"code"`
	// Retryable is set when repeating the request later may succeed without user action
	Retryable bool `json:"retryable"`
}
