// Package audio captures PCM from a local input device or a WAV file and
// re-slices it into fixed-duration chunks. Device access goes through the
// Context and CaptureDevice interfaces, backed by PulseAudio on Linux and
// miniaudio elsewhere; Provider resolves device ids and hands out Sources.
package audio
