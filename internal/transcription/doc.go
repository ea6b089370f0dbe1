// Package transcription implements the upstream speech-to-text links.
// A Link forwards PCM chunks over a long-lived streaming connection and
// reports final transcripts, errors and remote termination through a
// Handler. Deepgram live streaming (WebSocket) and AWS Transcribe
// Streaming are supported; both share the queueing, keepalive and
// shutdown logic in streamLink.
package transcription
