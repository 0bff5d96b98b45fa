package daqhat

import (
	"math"
	"testing"

	"go.viam.com/test"
)

func TestProfileByProduct(t *testing.T) {
	p, ok := ProfileByProduct(0x0142)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, p, test.ShouldEqual, ADC1208)

	p, ok = ProfileByProduct(0x0143)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, p, test.ShouldEqual, ADC1608)

	_, ok = ProfileByProduct(0x9999)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestChannelsFromMask(t *testing.T) {
	chans, err := ADC1208.channelsFromMask(0x01)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, chans, test.ShouldResemble, []int{0})

	chans, err = ADC1208.channelsFromMask(0xA5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, chans, test.ShouldResemble, []int{0, 2, 5, 7})

	chans, err = ADC1208.channelsFromMask(0xFF)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(chans), test.ShouldEqual, 8)

	_, err = ADC1208.channelsFromMask(0)
	test.That(t, err, test.ShouldWrap, ErrBadParameter)

	// A mask reaching past the channel count is caught on narrower boards.
	narrow := *ADC1208
	narrow.Channels = 4
	_, err = narrow.channelsFromMask(0x10)
	test.That(t, err, test.ShouldWrap, ErrBadParameter)
	chans, err = narrow.channelsFromMask(0x0F)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, chans, test.ShouldResemble, []int{0, 1, 2, 3})
}

func TestPacerDivisor(t *testing.T) {
	d, err := ADC1208.pacerDivisor(1000)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d, test.ShouldEqual, uint32(16000))

	// The divisor rounds to the nearest tick.
	d, err = ADC1208.pacerDivisor(16e6 / 3)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d, test.ShouldEqual, uint32(3))

	d, err = ADC1208.pacerDivisor(16e6)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d, test.ShouldEqual, uint32(1))

	for _, rate := range []float64{0, -1000, math.NaN(), math.Inf(1), 1e-4} {
		_, err := ADC1208.pacerDivisor(rate)
		test.That(t, err, test.ShouldWrap, ErrBadParameter)
	}
}

func TestDecodeCodes(t *testing.T) {
	codes, err := ADC1208.decodeCodes([]byte{0x34, 0x12, 0xFF, 0xFF})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, codes, test.ShouldResemble, []float64{0x1234, 0xFFFF})

	// Signed boards sign-extend the same bytes.
	codes, err = ADC1608.decodeCodes([]byte{0x00, 0x80, 0xFF, 0xFF, 0xFF, 0x7F})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, codes, test.ShouldResemble, []float64{-32768, -1, 32767})

	codes, err = ADC1208.decodeCodes(nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, codes, test.ShouldBeEmpty)

	_, err = ADC1208.decodeCodes([]byte{0x01})
	test.That(t, err, test.ShouldWrap, ErrUndefined)
}

func TestScaleGeometry(t *testing.T) {
	s := ADC1208.scaleFor(0, 0)
	test.That(t, s.LSBVolts, test.ShouldAlmostEqual, 20.0/4096)
	test.That(t, s.MinVolts, test.ShouldEqual, -10.0)
	test.That(t, s.Sensitivity, test.ShouldEqual, 0.0)

	// Signed codes carry no range offset; sensitivity passes through.
	s = ADC1608.scaleFor(3, 2.5)
	test.That(t, s.LSBVolts, test.ShouldAlmostEqual, 2.0/65536)
	test.That(t, s.MinVolts, test.ShouldEqual, 0.0)
	test.That(t, s.Sensitivity, test.ShouldEqual, 2.5)

	test.That(t, ADC1208.numCalCoefficients(), test.ShouldEqual, 8)
	test.That(t, ADC1608.numCalCoefficients(), test.ShouldEqual, 4)
	test.That(t, ADC1208.calIndex(5, 0), test.ShouldEqual, 5)
	test.That(t, ADC1608.calIndex(5, 2), test.ShouldEqual, 2)
}
