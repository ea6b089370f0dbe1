// Package translation implements the request/response client for the
// translation API. It supports Google Cloud Translation v2 and DeepL,
// limits concurrent calls with a semaphore, and never retries: a failed
// call is reported as *Error and the caller drops the transcript.
package translation
