// Package audio provides the Host abstraction the MAC engine's
// ProcessOutput/ProcessInput callbacks are wired into: a production
// PortAudio-backed host for real hardware, and an in-process loopback
// host for tests and single-process demos.
package audio

import "io"

// Stream is a single opened audio stream (input or output).
type Stream interface {
	io.Closer
}

// Host opens the callback-driven streams the MAC engine needs. cb is
// invoked by the host at its own cadence; for input streams it is
// expected to read samples from the buffer it's given, for output
// streams to fill the buffer before returning.
type Host interface {
	OpenOutputStream(sampleRate int, cb func(out []int16)) (Stream, error)
	OpenInputStream(sampleRate int, cb func(in []int16)) (Stream, error)
}
