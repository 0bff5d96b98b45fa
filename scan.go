package daqhat

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"

	"github.com/viam-labs/daqhat/calibration"
)

// Worker poll tuning. The floor bounds added latency, the ceiling bounds idle
// CPU; the interval halves when reads keep up and doubles after consecutive
// empty polls. Waiting for an external trigger polls at its own longer
// interval.
const (
	pollFloor        = time.Millisecond
	pollCeiling      = 64 * time.Millisecond
	emptyPollsToGrow = 2
	triggerWait      = 10 * time.Millisecond
	readPollInterval = time.Millisecond
)

// continuousBufferPerChannel sizes the ring for continuous scans. The
// breakpoints are an empirical memory/latency trade-off carried over from
// the reference tooling.
func continuousBufferPerChannel(rateHz float64) int {
	switch {
	case rateHz <= 100:
		return 1000
	case rateHz <= 10000:
		return 10000
	default:
		return 100000
	}
}

// Device-side scan status reply: flags byte, then two little-endian u32
// counts (samples buffered, max burst deliverable right now).
const (
	devStatusRunning   = 1 << 0
	devStatusTriggered = 1 << 1
	devStatusHWOverrun = 1 << 2

	deviceStatusLen = 9
)

type deviceStatus struct {
	running   bool
	triggered bool
	hwOverrun bool
	available int
	burstNow  int
}

func decodeDeviceStatus(payload []byte) deviceStatus {
	flags := payload[0]
	return deviceStatus{
		running:   flags&devStatusRunning != 0,
		triggered: flags&devStatusTriggered != 0,
		hwOverrun: flags&devStatusHWOverrun != 0,
		available: int(binary.LittleEndian.Uint32(payload[1:5])),
		burstNow:  int(binary.LittleEndian.Uint32(payload[5:9])),
	}
}

// scanState is the per-scan bookkeeping shared by the worker and callers.
// Flags, indices, and the ring are guarded by the owning device's mutex;
// coefficients and scales are immutable snapshots taken at scan start.
type scanState struct {
	ring     *sampleRing
	channels []int
	coeffs   []calibration.Coefficient
	scales   []calibration.Scale
	adjOpts  calibration.Options

	samplesPerChannel int // 0 when continuous
	readThreshold     int // total buffered samples before the worker pulls

	hwOverrun     bool
	bufferOverrun bool
	triggered     bool
	scanRunning   bool
	threadRunning bool

	stopThread atomic.Bool
	cancelCtx  context.Context
	cancel     context.CancelFunc
	workers    sync.WaitGroup
}

func (s *scanState) statusLocked() ScanStatus {
	return ScanStatus{
		Running:           s.scanRunning || s.threadRunning,
		HWOverrun:         s.hwOverrun,
		BufferOverrun:     s.bufferOverrun,
		Triggered:         s.triggered,
		SamplesPerChannel: s.ring.available() / len(s.channels),
	}
}

// ScanStart programs the board's pacer and FIFO for a scan over the channels
// in channelMask and spawns the background worker that drains the board into
// the scan buffer. rateHz is the per-channel sweep rate; with OptExtClock it
// only sizes the buffer. Finite scans acquire samplesPerChannel samples per
// channel; with OptContinuous the scan runs until ScanStop and
// samplesPerChannel only raises the buffer size above its rate-derived
// default. A previous scan, even a finished one, must be reclaimed with
// ScanCleanup first.
func (d *Device) ScanStart(
	ctx context.Context,
	channelMask uint8,
	samplesPerChannel int,
	rateHz float64,
	opts Options,
) error {
	p := d.profile
	channels, err := p.channelsFromMask(channelMask)
	if err != nil {
		return err
	}
	numCh := len(channels)
	if opts&OptExtClock == 0 && rateHz*float64(numCh) > p.MaxSampleRateHz {
		return errors.Wrapf(ErrBadParameter, "rate %g Hz on %d channels exceeds %g Hz aggregate",
			rateHz, numCh, p.MaxSampleRateHz)
	}
	divisor, err := p.pacerDivisor(rateHz)
	if err != nil {
		return err
	}

	continuous := opts&OptContinuous != 0
	if !continuous && samplesPerChannel <= 0 {
		return errors.Wrapf(ErrBadParameter, "samples per channel %d", samplesPerChannel)
	}
	bufPerChan := samplesPerChannel
	if continuous {
		bufPerChan = continuousBufferPerChannel(rateHz)
		if samplesPerChannel > bufPerChan {
			bufPerChan = samplesPerChannel
		}
		samplesPerChannel = 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpenLocked(); err != nil {
		return err
	}
	if d.scan != nil {
		return errors.Wrap(ErrBusy, "previous scan not cleaned up")
	}

	coeffs := make([]calibration.Coefficient, numCh)
	scales := make([]calibration.Scale, numCh)
	for i, ch := range channels {
		coeffs[i] = d.coeffs[p.calIndex(ch, d.rangeIdx)]
		sens := 1.0
		if p.HasSensitivity {
			sens = d.sensitivity[ch]
		}
		scales[i] = p.scaleFor(d.rangeIdx, sens)
	}

	payload := make([]byte, 0, 10)
	payload = append(payload, channelMask, byte(opts))
	payload = binary.LittleEndian.AppendUint32(payload, uint32(samplesPerChannel))
	payload = binary.LittleEndian.AppendUint32(payload, divisor)
	release, err := d.addrLock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	if _, err := d.tr.Transfer(ctx, p.Commands.ScanStart, payload, 0,
		p.ScanStartTimeout, p.RetryInterval); err != nil {
		return errors.Wrapf(err, "starting scan on address %d", d.address)
	}

	threshold := p.BurstLimit
	if total := samplesPerChannel * numCh; !continuous && total < threshold {
		threshold = total
	}
	threshold -= threshold % numCh
	if threshold < numCh {
		threshold = numCh
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	s := &scanState{
		ring:     newSampleRing(bufPerChan * numCh),
		channels: channels,
		coeffs:   coeffs,
		scales:   scales,
		adjOpts: calibration.Options{
			NoCalibrate: opts&OptNoCalibrateData != 0,
			NoScale:     opts&OptNoScaleData != 0,
		},
		samplesPerChannel: samplesPerChannel,
		readThreshold:     threshold,
		scanRunning:       true,
		threadRunning:     true,
		cancelCtx:         cancelCtx,
		cancel:            cancel,
	}
	s.workers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer s.workers.Done()
		d.runScan(s)
	})
	d.scan = s
	return nil
}

// runScan is the per-scan worker: poll the board, pull bursts, calibrate,
// push into the ring, adapt the poll interval, and stop the board on the way
// out if it might still be acquiring.
func (d *Device) runScan(s *scanState) {
	p := d.profile
	numCh := len(s.channels)
	sleep := pollFloor
	emptyPolls := 0
	deviceRunning := true

	defer func() {
		if deviceRunning {
			ctx, cancel := context.WithTimeout(context.Background(), p.ScanStartTimeout)
			if _, err := d.tr.Transfer(ctx, p.Commands.ScanStop, nil, 0,
				p.ReplyTimeout, p.RetryInterval); err != nil {
				d.logger.Warnw("failed to stop device scan", "address", d.address, "error", err)
			}
			cancel()
		}
		d.mu.Lock()
		s.scanRunning = false
		s.threadRunning = false
		d.mu.Unlock()
	}()

	for !s.stopThread.Load() {
		st, err := d.deviceScanStatus(s.cancelCtx)
		if err != nil {
			if s.stopThread.Load() {
				return
			}
			d.logger.Errorw("scan status poll failed", "address", d.address, "error", err)
			return
		}
		deviceRunning = st.running

		if st.hwOverrun {
			d.mu.Lock()
			s.hwOverrun = true
			d.mu.Unlock()
			d.logger.Errorw("hardware overrun", "address", d.address)
			return
		}
		if st.triggered {
			d.mu.Lock()
			s.triggered = true
			d.mu.Unlock()
		} else if st.running {
			// Armed but waiting for the external trigger.
			if !d.scanWait(s, triggerWait) {
				return
			}
			continue
		}

		// Pull only at the read threshold, when the board has stopped, or
		// when the board FIFO is within one burst of overrunning.
		want := 0
		switch {
		case !st.running:
			want = st.available
		case st.available >= s.readThreshold:
			want = st.available
		case st.available >= p.BurstLimit:
			want = st.available
		}
		if want > p.BurstLimit {
			want = p.BurstLimit
		}
		if want > st.burstNow {
			want = st.burstNow
		}
		want -= want % numCh

		if want > 0 {
			codes, err := d.deviceScanData(s.cancelCtx, want)
			if err != nil {
				if s.stopThread.Load() {
					return
				}
				d.logger.Errorw("scan data read failed", "address", d.address, "error", err)
				return
			}
			vals := make([]float64, len(codes))
			for i, c := range codes {
				vals[i] = calibration.Adjust(c, s.coeffs[i%numCh], s.scales[i%numCh], s.adjOpts)
			}
			d.mu.Lock()
			if len(vals) > s.ring.free() {
				// Dropping samples mid-scan is an overrun, not a rotation;
				// what is already buffered stays readable.
				s.bufferOverrun = true
				buffered := s.ring.available()
				d.mu.Unlock()
				d.logger.Errorw("scan buffer overrun", "address", d.address,
					"buffered", buffered, "size", s.ring.size())
				return
			}
			s.ring.pushSlice(vals)
			d.mu.Unlock()
			emptyPolls = 0
			sleep /= 2
			if sleep < pollFloor {
				sleep = pollFloor
			}
		} else {
			if !st.running {
				// Board finished and its FIFO is drained.
				return
			}
			emptyPolls++
			if emptyPolls >= emptyPollsToGrow {
				emptyPolls = 0
				sleep *= 2
				if sleep > pollCeiling {
					sleep = pollCeiling
				}
			}
		}

		if !d.scanWait(s, sleep) {
			return
		}
	}
}

// scanWait sleeps on the device clock, returning false when the scan is
// being torn down.
func (d *Device) scanWait(s *scanState, dur time.Duration) bool {
	t := d.clock.Timer(dur)
	defer t.Stop()
	select {
	case <-s.cancelCtx.Done():
		return false
	case <-t.C:
		return !s.stopThread.Load()
	}
}

func (d *Device) deviceScanStatus(ctx context.Context) (deviceStatus, error) {
	p := d.profile
	payload, err := d.tr.Transfer(ctx, p.Commands.ScanStatus, nil, deviceStatusLen,
		p.ReplyTimeout, p.RetryInterval)
	if err != nil {
		return deviceStatus{}, err
	}
	return decodeDeviceStatus(payload), nil
}

func (d *Device) deviceScanData(ctx context.Context, count int) ([]float64, error) {
	p := d.profile
	req := binary.LittleEndian.AppendUint32(nil, uint32(count))
	payload, err := d.tr.Transfer(ctx, p.Commands.ScanData, req, count*2,
		p.ReplyTimeout, p.RetryInterval)
	if err != nil {
		return nil, err
	}
	return p.decodeCodes(payload)
}

// ScanStatus reports the current scan's flags and how many samples per
// channel are buffered. It reads only host-side state; the bus is untouched.
func (d *Device) ScanStatus() (ScanStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpenLocked(); err != nil {
		return ScanStatus{}, err
	}
	if d.scan == nil {
		return ScanStatus{}, errors.Wrap(ErrResourceUnavailable, "no scan")
	}
	return d.scan.statusLocked(), nil
}

// ScanRead drains up to samplesPerChannel samples per channel from the scan
// buffer. A negative count returns everything currently buffered. timeout
// controls blocking when fewer samples are buffered: negative blocks until
// the request is satisfied or no more data can arrive, zero returns
// immediately with what is there, positive bounds the wait and reports
// ErrTimeout alongside the partial result. A stopped scan's remaining
// samples stay readable until ScanCleanup.
func (d *Device) ScanRead(
	ctx context.Context,
	samplesPerChannel int,
	timeout time.Duration,
) (ScanResult, error) {
	d.mu.Lock()
	if err := d.checkOpenLocked(); err != nil {
		d.mu.Unlock()
		return ScanResult{}, err
	}
	s := d.scan
	if s == nil {
		d.mu.Unlock()
		return ScanResult{}, errors.Wrap(ErrResourceUnavailable, "no scan")
	}
	numCh := len(s.channels)

	if samplesPerChannel < 0 {
		out := make([]float64, s.ring.available())
		s.ring.popInto(out)
		res := ScanResult{Status: s.statusLocked(), Samples: out}
		res.Status.SamplesPerChannel = len(out) / numCh
		d.mu.Unlock()
		return res, nil
	}
	d.mu.Unlock()

	var deadline time.Time
	if timeout > 0 {
		deadline = d.clock.Now().Add(timeout)
	}
	target := samplesPerChannel * numCh
	out := make([]float64, 0, target)
	for {
		d.mu.Lock()
		if d.closed || d.scan != s {
			d.mu.Unlock()
			return ScanResult{}, errors.Wrap(ErrResourceUnavailable, "scan torn down during read")
		}
		if take := target - len(out); take > 0 {
			chunk := make([]float64, take)
			n := s.ring.popInto(chunk)
			out = append(out, chunk[:n]...)
		}
		status := s.statusLocked()
		drained := len(out) >= target || (!s.threadRunning && s.ring.available() == 0)
		d.mu.Unlock()

		status.SamplesPerChannel = len(out) / numCh
		res := ScanResult{Status: status, Samples: out}
		switch {
		case drained:
			return res, nil
		case timeout == 0:
			return res, nil
		case timeout > 0 && !d.clock.Now().Before(deadline):
			return res, errors.Wrapf(ErrTimeout, "scan read: %d of %d samples per channel",
				len(out)/numCh, samplesPerChannel)
		}

		t := d.clock.Timer(readPollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return res, errors.Wrap(ctx.Err(), "scan read")
		case <-t.C:
			t.Stop()
		}
	}
}

// ScanStop tells the board to stop acquiring. The worker keeps draining the
// board FIFO, then exits; buffered samples stay readable until ScanCleanup.
func (d *Device) ScanStop(ctx context.Context) error {
	d.mu.Lock()
	if err := d.checkOpenLocked(); err != nil {
		d.mu.Unlock()
		return err
	}
	if d.scan == nil {
		d.mu.Unlock()
		return errors.Wrap(ErrResourceUnavailable, "no scan")
	}
	d.mu.Unlock()

	p := d.profile
	if _, err := d.tr.Transfer(ctx, p.Commands.ScanStop, nil, 0,
		p.ReplyTimeout, p.RetryInterval); err != nil {
		return errors.Wrapf(err, "stopping scan on address %d", d.address)
	}
	return nil
}

// ScanCleanup stops and joins the scan worker and releases the scan buffer,
// making the device ready for a new ScanStart. Cleaning up when no scan
// exists is a no-op.
func (d *Device) ScanCleanup(ctx context.Context) error {
	d.mu.Lock()
	if err := d.checkOpenLocked(); err != nil {
		d.mu.Unlock()
		return err
	}
	s := d.scan
	d.mu.Unlock()
	if s == nil {
		return nil
	}

	s.stopThread.Store(true)
	s.cancel()
	done := make(chan struct{})
	goutils.PanicCapturingGo(func() {
		s.workers.Wait()
		close(done)
	})
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for scan worker")
	}

	d.mu.Lock()
	if d.scan == s {
		d.scan = nil
	}
	d.mu.Unlock()
	return nil
}

// ScanChannelCount returns how many channels the current scan samples per
// sweep, zero when no scan exists.
func (d *Device) ScanChannelCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.scan == nil {
		return 0
	}
	return len(d.scan.channels)
}
