package daqhat

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"github.com/viam-labs/daqhat/calibration"
)

// RangeSpec is one analog input range.
type RangeSpec struct {
	MinVolts float64
	MaxVolts float64
}

// CommandSet holds the opcodes a board's firmware understands.
type CommandSet struct {
	Identify      byte
	BlinkLED      byte
	TriggerConfig byte
	RangeConfig   byte
	AInRead       byte
	ScanStart     byte
	ScanStatus    byte
	ScanData      byte
	ScanStop      byte
}

// The board firmwares share one command map.
var stdCommands = CommandSet{
	Identify:      0x01,
	BlinkLED:      0x02,
	TriggerConfig: 0x03,
	RangeConfig:   0x04,
	AInRead:       0x10,
	ScanStart:     0x20,
	ScanStatus:    0x21,
	ScanData:      0x22,
	ScanStop:      0x23,
}

// Profile describes one board type: its identity, measurement geometry, and
// the constants the shared scan engine and transport are parameterized by.
// The built-in profiles are shared; do not mutate them.
type Profile struct {
	Name        string
	ProductID   uint16
	MinFirmware uint16

	Channels       int
	ResolutionBits int
	// SignedCodes marks boards whose ADC emits two's-complement codes
	// centered on zero volts.
	SignedCodes bool
	Ranges      []RangeSpec
	// CalPerRange selects the calibration table shape: one coefficient per
	// range instead of one per channel.
	CalPerRange bool
	// HasSensitivity marks boards with a per-channel user sensitivity
	// divisor (volts per engineering unit).
	HasSensitivity bool

	// FIFODepth is the board's own sample buffer, in samples.
	FIFODepth int
	// BurstLimit is the most samples one data-read transfer may carry.
	BurstLimit int
	// BaseClockHz is the pacer's base clock; the pacer ticks once per sweep
	// of the active channels.
	BaseClockHz float64
	// MaxSampleRateHz bounds the aggregate rate across active channels.
	MaxSampleRateHz float64

	SPIMode  spi.Mode
	SPISpeed physic.Frequency
	Commands CommandSet

	ReplyTimeout     time.Duration
	RetryInterval    time.Duration
	ScanStartTimeout time.Duration
}

// ADC1208 is an 8-channel 12-bit voltage input board with a fixed +/-10 V
// range and per-channel factory calibration.
var ADC1208 = &Profile{
	Name:            "ADC1208",
	ProductID:       0x0142,
	MinFirmware:     0x0100,
	Channels:        8,
	ResolutionBits:  12,
	Ranges:          []RangeSpec{{-10, 10}},
	FIFODepth:       4096,
	BurstLimit:      512,
	BaseClockHz:     16e6,
	MaxSampleRateHz: 100000,
	SPIMode:         spi.Mode1,
	SPISpeed:        8 * physic.MegaHertz,
	Commands:        stdCommands,

	ReplyTimeout:     100 * time.Millisecond,
	RetryInterval:    100 * time.Microsecond,
	ScanStartTimeout: 500 * time.Millisecond,
}

// ADC1608 is an 8-channel 16-bit voltage input board with four selectable
// ranges, per-range factory calibration, and per-channel sensitivity.
var ADC1608 = &Profile{
	Name:           "ADC1608",
	ProductID:      0x0143,
	MinFirmware:    0x0100,
	Channels:       8,
	ResolutionBits: 16,
	SignedCodes:    true,
	Ranges: []RangeSpec{
		{-10, 10},
		{-5, 5},
		{-2, 2},
		{-1, 1},
	},
	CalPerRange:     true,
	HasSensitivity:  true,
	FIFODepth:       8192,
	BurstLimit:      1024,
	BaseClockHz:     16e6,
	MaxSampleRateHz: 200000,
	SPIMode:         spi.Mode1,
	SPISpeed:        12 * physic.MegaHertz,
	Commands:        stdCommands,

	ReplyTimeout:     100 * time.Millisecond,
	RetryInterval:    100 * time.Microsecond,
	ScanStartTimeout: 500 * time.Millisecond,
}

var builtinProfiles = []*Profile{ADC1208, ADC1608}

// ProfileByProduct resolves a built-in profile from an identification
// record's product ID.
func ProfileByProduct(productID uint16) (*Profile, bool) {
	for _, p := range builtinProfiles {
		if p.ProductID == productID {
			return p, true
		}
	}
	return nil, false
}

// numCalCoefficients is the expected factory table size for this board.
func (p *Profile) numCalCoefficients() int {
	if p.CalPerRange {
		return len(p.Ranges)
	}
	return p.Channels
}

// calIndex maps a channel and the selected range to the coefficient slot.
func (p *Profile) calIndex(channel, rangeIdx int) int {
	if p.CalPerRange {
		return rangeIdx
	}
	return channel
}

// scaleFor builds the scale step for one channel at the selected range.
func (p *Profile) scaleFor(rangeIdx int, sensitivity float64) calibration.Scale {
	r := p.Ranges[rangeIdx]
	s := calibration.Scale{
		LSBVolts: (r.MaxVolts - r.MinVolts) / float64(uint64(1)<<p.ResolutionBits),
	}
	if !p.SignedCodes {
		s.MinVolts = r.MinVolts
	}
	if p.HasSensitivity {
		s.Sensitivity = sensitivity
	}
	return s
}

// channelsFromMask expands a channel bitmask into an ascending channel list.
func (p *Profile) channelsFromMask(mask uint8) ([]int, error) {
	if mask == 0 {
		return nil, errors.Wrap(ErrBadParameter, "empty channel mask")
	}
	if int(mask) >= 1<<p.Channels {
		return nil, errors.Wrapf(ErrBadParameter, "channel mask 0x%02X exceeds %d channels",
			mask, p.Channels)
	}
	var channels []int
	for ch := 0; ch < p.Channels; ch++ {
		if mask&(1<<ch) != 0 {
			channels = append(channels, ch)
		}
	}
	return channels, nil
}

// decodeCodes turns a data-read payload into raw codes as floats,
// sign-extending for boards with signed ADCs.
func (p *Profile) decodeCodes(payload []byte) ([]float64, error) {
	if len(payload)%2 != 0 {
		return nil, errors.Wrapf(ErrUndefined, "data payload of %d bytes", len(payload))
	}
	codes := make([]float64, len(payload)/2)
	for i := range codes {
		raw := binary.LittleEndian.Uint16(payload[2*i:])
		if p.SignedCodes {
			codes[i] = float64(int16(raw))
		} else {
			codes[i] = float64(raw)
		}
	}
	return codes, nil
}

// pacerDivisor converts a per-sweep rate to the board's clock divisor.
func (p *Profile) pacerDivisor(rateHz float64) (uint32, error) {
	if rateHz <= 0 || math.IsNaN(rateHz) {
		return 0, errors.Wrapf(ErrBadParameter, "sample rate %g", rateHz)
	}
	d := math.Round(p.BaseClockHz / rateHz)
	if d < 1 || d > math.MaxUint32 {
		return 0, errors.Wrapf(ErrBadParameter, "sample rate %g Hz outside pacer span", rateHz)
	}
	return uint32(d), nil
}
