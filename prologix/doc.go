// Package prologix implements gpib.Adapter for Prologix-compatible GPIB
// controllers, reached over a USB serial port (GPIB-USB) or TCP
// (GPIB-ETHERNET, port 1234).
//
// The controller is driven in controller mode with explicit reads: every
// line starting with "++" is a controller command, every other line is
// data passed to the addressed device. CR, LF, ESC and '+' inside data are
// escaped with ESC. Devices are detected with a serial poll; replies are
// read with "++read eoi" up to the read terminator (line feed by default).
//
// Serial ports are opened with go.bug.st/serial; [ListPorts] finds the
// ports of attached USB controllers.
package prologix
