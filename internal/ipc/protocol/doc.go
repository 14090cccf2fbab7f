// Package protocol defines the command/return wire protocol spoken across an
// IPC endpoint.
//
// A worker thread writes a stream of commands (Cmd*) and reads back a stream
// of returns (Ret*). Both streams are little-endian sequences of 32-bit codes,
// each followed by a fixed payload determined by the code. Transaction
// payloads travel inline in the write stream; on the read side the broker
// hands back addresses into the endpoint's shared mapping instead of copying
// the payload a second time.
package protocol
