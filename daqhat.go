// Package daqhat is a host-side driver for stackable data-acquisition boards
// sharing one SPI bus, each selected through three shared GPIO address lines.
//
// A Registry owns every open board on the bus. Open gives a refcounted
// *Device for one address after verifying the board identifies as the
// expected Profile. Single readings go through ReadSingle; timed acquisition
// runs as a scan: ScanStart programs the board's pacer and spawns one
// background worker that drains the board FIFO into a software ring buffer,
// calibrating and scaling each raw code on the way, and ScanRead drains that
// ring from any caller goroutine. The bus, the address lines, and each board
// are protected by advisory locks valid across both goroutines and processes,
// so independent programs can safely drive different boards on the same bus.
//
// The wire protocol, locking, and record parsing live in the transport,
// buslock, and eeprom subpackages; the calibration subpackage holds the pure
// code-to-volts pipeline.
package daqhat

// MaxDevices is how many board addresses the address lines can select.
const MaxDevices = 8

// Options is the scan and read option bitmask.
type Options uint16

const (
	// OptNoScaleData returns values as (possibly calibrated) ADC codes
	// instead of volts.
	OptNoScaleData Options = 1 << iota
	// OptNoCalibrateData skips factory calibration of raw codes.
	OptNoCalibrateData
	// OptExtClock paces the scan from the external clock input.
	OptExtClock
	// OptExtTrigger arms the scan and waits for the external trigger.
	OptExtTrigger
	// OptContinuous scans until stopped instead of for a fixed count.
	OptContinuous
)

// readOptions are the only options meaningful outside a scan.
const readOptions = OptNoScaleData | OptNoCalibrateData

// TriggerMode selects the external trigger condition.
type TriggerMode uint8

const (
	TriggerRisingEdge TriggerMode = iota
	TriggerFallingEdge
	TriggerActiveHigh
	TriggerActiveLow
)

// ScanStatus reports scan progress. Overrun flags are terminal for the scan:
// the worker stops itself and the accumulated samples stay readable until
// ScanCleanup.
type ScanStatus struct {
	// Running is true while the board or its worker still produces data.
	Running bool
	// HWOverrun means the board's own FIFO filled before the host drained it.
	HWOverrun bool
	// BufferOverrun means the host ring buffer filled before the caller
	// drained it.
	BufferOverrun bool
	// Triggered reports whether an externally triggered scan has started
	// acquiring.
	Triggered bool
	// SamplesPerChannel is how many samples per channel are buffered and
	// ready to read.
	SamplesPerChannel int
}

// ScanResult is one ScanRead drain: interleaved samples (one value per
// active channel, in channel order, repeating) plus the status at the time
// of the read. Status.SamplesPerChannel is the per-channel count of Samples.
type ScanResult struct {
	Status  ScanStatus
	Samples []float64
}
