// Package gpib provides device sessions and a command protocol for
// instruments on a GPIB (IEEE-488) bus.
//
// The package sits on top of a bus driver backend, reached only through the
// [Adapter] interface. Adapters for Prologix-style controllers and for an
// in-memory simulated bus live in the prologix and simbus packages; a
// [Registry] builds the adapter named by an [InitContext].
//
// # Discovery
//
// [Discover] probes the 31 primary addresses in ascending order and yields a
// [DeviceIdentifier] for every device that answers. Absent devices are
// skipped; any other adapter error ends the scan.
//
// # Sessions
//
// A [Session] is a logical connection to one address:
//
//   - Closed: initial and terminal state, no handle held
//   - Open: commands can be written and replies read
//   - Faulted: an unrecoverable Timeout or BusError occurred, only Close works
//
// Commands are ASCII text. [Protocol] appends the session terminator (line
// feed by default) unless the command already ends with it, and strips one
// terminator from each reply. A reply cut short by its deadline is returned
// as a partial [Response] together with an [ErrProtocol] error.
//
// # Timeouts
//
// Open, write and read have separate timeouts, set per session with
// [WithOpenTimeout], [WithWriteTimeout] and [WithReadTimeout] and per call
// with [WithTimeout], [WithCallWriteTimeout] and [WithCallReadTimeout].
// Every adapter call is also bounded by a watchdog, so an adapter that
// ignores its deadline cannot block a session forever. Nothing is retried.
//
// # Errors
//
// Failures are returned as [*Error], which matches one of the Err* kinds
// with errors.Is and carries the operation, address and elapsed time.
package gpib
