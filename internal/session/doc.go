// Package session coordinates one client's pipeline: audio capture feeding an
// upstream transcription link, translation of each final transcript, and the
// events sent back to the client. A Session owns its mute gate, target
// language and reconnect timer; the Manager registers sessions and closes
// them on shutdown.
package session
