// Package protocol implements the client wire format of the relay.
// Control commands and server events travel as one JSON object per WebSocket text frame,
// tagged by a "type" field; raw audio travels as binary frames.
package protocol
