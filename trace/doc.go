// Package trace records the bus transactions of gpib sessions.
//
// A trace is kept apart from operational logging: every write, read,
// control operation and state change of a session is delivered to a
// [Recorder] installed with gpib.WithTracer. [FileRecorder] appends events
// to a file as a CBOR stream, [SlogRecorder] prints them through a
// logger.Logger and [Multi] does both. [Reader] reads a trace file back,
// optionally narrowed by a [Filter].
package trace
