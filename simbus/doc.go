// Package simbus implements an in-memory GPIB bus for tests and examples.
//
// A [Bus] holds scripted instruments and implements gpib.Adapter together
// with every optional capability. Instruments answer commands through a
// [Handler]; delays, injected errors and terminator-less replies reproduce
// the failure modes of a real bus, and per-operation call counters let tests
// assert which adapter calls a session made.
//
//	bus := simbus.New()
//	_ = bus.Attach(gpib.MustAddress(7), &simbus.Instrument{
//		Handler: simbus.Responder(map[string]string{"*IDN?": "SIM,DMM,0,1.0"}),
//	})
//	ids, _ := gpib.DiscoverAll(bus, 0)
package simbus
