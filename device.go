package daqhat

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/viam-labs/daqhat/buslock"
	"github.com/viam-labs/daqhat/calibration"
	"github.com/viam-labs/daqhat/eeprom"
	"github.com/viam-labs/daqhat/transport"
)

// Device is an open board. Handles are refcounted: every Registry.Open of an
// address returns the same *Device, and the board's resources are released
// when Close has balanced every Open.
type Device struct {
	address  int
	profile  *Profile
	tr       *transport.Transport
	addrLock *buslock.Lock
	logger   golog.Logger
	clock    clock.Clock
	registry *Registry

	mu          sync.Mutex
	refs        int
	closed      bool
	factory     eeprom.FactoryData
	coeffs      []calibration.Coefficient
	sensitivity []float64
	rangeIdx    int
	firmware    uint16
	bootloader  uint16
	scan        *scanState
}

// Address returns the board's address.
func (d *Device) Address() int { return d.address }

// Profile returns the board type descriptor this device was opened as.
func (d *Device) Profile() *Profile { return d.profile }

func (d *Device) checkOpenLocked() error {
	if d.closed {
		return errors.Wrapf(ErrResourceUnavailable, "address %d is closed", d.address)
	}
	return nil
}

func (d *Device) scanActiveLocked() bool {
	return d.scan != nil && (d.scan.scanRunning || d.scan.threadRunning)
}

// identify confirms the physical board answers as the expected product with
// acceptable firmware, retrying once.
func (d *Device) identify(ctx context.Context) error {
	p := d.profile
	release, err := d.addrLock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		payload, err := d.tr.Transfer(ctx, p.Commands.Identify, nil, 6,
			p.ReplyTimeout, p.RetryInterval)
		if err != nil {
			lastErr = err
			continue
		}
		productID := binary.LittleEndian.Uint16(payload[0:2])
		firmware := binary.LittleEndian.Uint16(payload[2:4])
		bootloader := binary.LittleEndian.Uint16(payload[4:6])
		switch {
		case productID != p.ProductID:
			lastErr = errors.Wrapf(ErrInvalidDevice, "address %d: product 0x%04X, want 0x%04X (%s)",
				d.address, productID, p.ProductID, p.Name)
			continue
		case firmware < p.MinFirmware:
			lastErr = errors.Wrapf(ErrInvalidDevice, "address %d: firmware %s below minimum %s",
				d.address, versionString(firmware), versionString(p.MinFirmware))
			continue
		}
		d.firmware = firmware
		d.bootloader = bootloader
		return nil
	}
	if errors.Is(lastErr, ErrInvalidDevice) {
		return lastErr
	}
	return errors.Wrapf(ErrInvalidDevice, "address %d: %v", d.address, lastErr)
}

func versionString(v uint16) string {
	return fmt.Sprintf("%X.%02X", v>>8, v&0xFF)
}

// Serial returns the board serial from its identification record.
func (d *Device) Serial() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpenLocked(); err != nil {
		return "", err
	}
	return d.factory.Serial, nil
}

// CalDate returns the factory calibration date from the identification
// record, empty for boards running on identity calibration.
func (d *Device) CalDate() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpenLocked(); err != nil {
		return "", err
	}
	return d.factory.CalDate, nil
}

// FirmwareVersion returns the firmware version the board reported at open,
// formatted like "1.03".
func (d *Device) FirmwareVersion() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpenLocked(); err != nil {
		return "", err
	}
	return versionString(d.firmware), nil
}

// BootloaderVersion returns the bootloader version the board reported at
// open.
func (d *Device) BootloaderVersion() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpenLocked(); err != nil {
		return "", err
	}
	return versionString(d.bootloader), nil
}

// BlinkLED blinks the board's status LED count times, or continuously for a
// count of zero, without disturbing acquisition.
func (d *Device) BlinkLED(ctx context.Context, count uint8) error {
	d.mu.Lock()
	if err := d.checkOpenLocked(); err != nil {
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()
	p := d.profile
	_, err := d.tr.Transfer(ctx, p.Commands.BlinkLED, []byte{count}, 0,
		p.ReplyTimeout, p.RetryInterval)
	return errors.Wrapf(err, "blinking LED on address %d", d.address)
}

// SetTriggerMode selects the external trigger condition used by scans started
// with OptExtTrigger. It cannot change while a scan is active.
func (d *Device) SetTriggerMode(ctx context.Context, mode TriggerMode) error {
	if mode > TriggerActiveLow {
		return errors.Wrapf(ErrBadParameter, "trigger mode %d", mode)
	}
	d.mu.Lock()
	if err := d.checkOpenLocked(); err != nil {
		d.mu.Unlock()
		return err
	}
	if d.scanActiveLocked() {
		d.mu.Unlock()
		return errors.Wrap(ErrBusy, "trigger mode while scan is active")
	}
	d.mu.Unlock()

	p := d.profile
	release, err := d.addrLock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	_, err = d.tr.Transfer(ctx, p.Commands.TriggerConfig, []byte{byte(mode)}, 0,
		p.ReplyTimeout, p.RetryInterval)
	return errors.Wrapf(err, "setting trigger mode on address %d", d.address)
}

// Range returns the selected input range index.
func (d *Device) Range() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rangeIdx
}

// SetRange selects the input range for subsequent reads and scans on boards
// with more than one range. It cannot change while a scan is active.
func (d *Device) SetRange(ctx context.Context, index int) error {
	p := d.profile
	if index < 0 || index >= len(p.Ranges) {
		return errors.Wrapf(ErrBadParameter, "range %d of %d", index, len(p.Ranges))
	}
	d.mu.Lock()
	if err := d.checkOpenLocked(); err != nil {
		d.mu.Unlock()
		return err
	}
	if d.scanActiveLocked() {
		d.mu.Unlock()
		return errors.Wrap(ErrBusy, "range change while scan is active")
	}
	d.mu.Unlock()

	if len(p.Ranges) > 1 {
		release, err := d.addrLock.Acquire(ctx)
		if err != nil {
			return err
		}
		defer release()
		if _, err := d.tr.Transfer(ctx, p.Commands.RangeConfig, []byte{byte(index)}, 0,
			p.ReplyTimeout, p.RetryInterval); err != nil {
			return errors.Wrapf(err, "setting range on address %d", d.address)
		}
	}
	d.mu.Lock()
	d.rangeIdx = index
	d.mu.Unlock()
	return nil
}

// Sensitivity returns the channel's sensitivity divisor on boards that
// support one.
func (d *Device) Sensitivity(channel int) (float64, error) {
	if !d.profile.HasSensitivity {
		return 0, errors.Wrapf(ErrBadParameter, "%s has no sensitivity", d.profile.Name)
	}
	if channel < 0 || channel >= d.profile.Channels {
		return 0, errors.Wrapf(ErrBadParameter, "channel %d", channel)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpenLocked(); err != nil {
		return 0, err
	}
	return d.sensitivity[channel], nil
}

// SetSensitivity sets the channel's sensitivity divisor (volts per
// engineering unit) applied by the scaling step. It cannot change while a
// scan is active; running scans keep the snapshot taken at start.
func (d *Device) SetSensitivity(channel int, factor float64) error {
	if !d.profile.HasSensitivity {
		return errors.Wrapf(ErrBadParameter, "%s has no sensitivity", d.profile.Name)
	}
	if channel < 0 || channel >= d.profile.Channels {
		return errors.Wrapf(ErrBadParameter, "channel %d", channel)
	}
	if factor <= 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		return errors.Wrapf(ErrBadParameter, "sensitivity %g", factor)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpenLocked(); err != nil {
		return err
	}
	if d.scanActiveLocked() {
		return errors.Wrap(ErrBusy, "sensitivity change while scan is active")
	}
	d.sensitivity[channel] = factor
	return nil
}

// CalCoefficient returns the calibration pair in use for a channel (or
// range, on boards calibrated per range).
func (d *Device) CalCoefficient(index int) (calibration.Coefficient, error) {
	if index < 0 || index >= d.profile.numCalCoefficients() {
		return calibration.Coefficient{}, errors.Wrapf(ErrBadParameter,
			"coefficient %d of %d", index, d.profile.numCalCoefficients())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpenLocked(); err != nil {
		return calibration.Coefficient{}, err
	}
	return d.coeffs[index], nil
}

// SetCalCoefficient replaces the calibration pair used by subsequent reads
// and scans, typically after a calibration.Fit against a reference source.
// The change lasts until the device is fully closed; the identification
// record is not rewritten. Scans snapshot coefficients at start, so a
// running scan is never affected.
func (d *Device) SetCalCoefficient(index int, c calibration.Coefficient) error {
	if index < 0 || index >= d.profile.numCalCoefficients() {
		return errors.Wrapf(ErrBadParameter,
			"coefficient %d of %d", index, d.profile.numCalCoefficients())
	}
	if !c.Valid() {
		return errors.Wrapf(ErrBadParameter, "coefficient slope=%g offset=%g", c.Slope, c.Offset)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpenLocked(); err != nil {
		return err
	}
	if d.scanActiveLocked() {
		return errors.Wrap(ErrBusy, "coefficient write while scan is active")
	}
	d.coeffs[index] = c
	return nil
}

// ReadSingle performs one immediate conversion on a channel and returns the
// value in volts (or as a code, per opts). Only the calibrate/scale
// suppression options apply. Reads are rejected while a scan is active.
func (d *Device) ReadSingle(ctx context.Context, channel int, opts Options) (float64, error) {
	p := d.profile
	if opts&^readOptions != 0 {
		return 0, errors.Wrapf(ErrBadParameter, "options 0x%02X are scan-only", uint16(opts))
	}
	if channel < 0 || channel >= p.Channels {
		return 0, errors.Wrapf(ErrBadParameter, "channel %d of %d", channel, p.Channels)
	}

	d.mu.Lock()
	if err := d.checkOpenLocked(); err != nil {
		d.mu.Unlock()
		return 0, err
	}
	if d.scanActiveLocked() {
		d.mu.Unlock()
		return 0, errors.Wrap(ErrBusy, "single read while scan is active")
	}
	coeff := d.coeffs[p.calIndex(channel, d.rangeIdx)]
	sens := 1.0
	if p.HasSensitivity {
		sens = d.sensitivity[channel]
	}
	scale := p.scaleFor(d.rangeIdx, sens)
	d.mu.Unlock()

	payload, err := d.tr.Transfer(ctx, p.Commands.AInRead, []byte{byte(channel)}, 2,
		p.ReplyTimeout, p.RetryInterval)
	if err != nil {
		return 0, errors.Wrapf(err, "reading channel %d on address %d", channel, d.address)
	}
	codes, err := p.decodeCodes(payload)
	if err != nil {
		return 0, err
	}
	return calibration.Adjust(codes[0], coeff, scale, calibration.Options{
		NoCalibrate: opts&OptNoCalibrateData != 0,
		NoScale:     opts&OptNoScaleData != 0,
	}), nil
}

// Close balances one Open. When the last reference closes, any scan is
// force-stopped and joined, then the transport is released; afterwards every
// operation on the handle reports ErrResourceUnavailable.
func (d *Device) Close(_ context.Context) error {
	return d.registry.closeDevice(d)
}

// teardown releases everything the device owns. The device is already out of
// the registry table and marked closed.
func (d *Device) teardown() error {
	d.mu.Lock()
	s := d.scan
	d.mu.Unlock()
	if s != nil {
		s.stopThread.Store(true)
		s.cancel()
		s.workers.Wait()
		d.mu.Lock()
		d.scan = nil
		d.mu.Unlock()
	}
	return d.tr.Close()
}

func coefficientsFrom(fd eeprom.FactoryData) []calibration.Coefficient {
	coeffs := make([]calibration.Coefficient, len(fd.Slopes))
	for i := range coeffs {
		coeffs[i] = calibration.Coefficient{Slope: fd.Slopes[i], Offset: fd.Offsets[i]}
	}
	return coeffs
}

func unitSensitivities(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = 1
	}
	return s
}
