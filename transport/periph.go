package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// DefaultBusName is the SPI port the boards sit on.
const DefaultBusName = "SPI0.0"

// DefaultAddressPins are the GPIO lines the address jumpers decode, low bit
// first. Every board on the bus shares them.
var DefaultAddressPins = [3]string{"GPIO12", "GPIO13", "GPIO26"}

var (
	hostInitOnce sync.Once
	hostInitErr  error
)

func initHost() error {
	hostInitOnce.Do(func() {
		_, hostInitErr = host.Init()
	})
	return hostInitErr
}

// PeriphBus is a Bus on a periph.io SPI port, held open for the life of the
// registry rather than per transfer.
type PeriphBus struct {
	port spi.PortCloser
	conn spi.Conn
}

// OpenPeriphBus opens the named SPI port (see DefaultBusName) at the given
// speed and mode.
func OpenPeriphBus(name string, speed physic.Frequency, mode spi.Mode) (*PeriphBus, error) {
	if err := initHost(); err != nil {
		return nil, errors.Wrap(err, "initializing host drivers")
	}
	port, err := spireg.Open(name)
	if err != nil {
		return nil, errors.Wrapf(err, "opening SPI port %q", name)
	}
	conn, err := port.Connect(speed, mode, 8)
	if err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "connecting to %q", name), port.Close())
	}
	return &PeriphBus{port: port, conn: conn}, nil
}

// Tx implements Bus.
func (b *PeriphBus) Tx(ctx context.Context, tx, rx []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.conn.Tx(tx, rx)
}

// Close implements Bus.
func (b *PeriphBus) Close() error {
	return b.port.Close()
}

// PeriphSelector drives the shared address lines through periph.io GPIO.
type PeriphSelector struct {
	pins [3]gpio.PinOut
}

// NewPeriphSelector resolves the named pins (see DefaultAddressPins).
func NewPeriphSelector(pinNames [3]string) (*PeriphSelector, error) {
	if err := initHost(); err != nil {
		return nil, errors.Wrap(err, "initializing host drivers")
	}
	var s PeriphSelector
	for i, name := range pinNames {
		pin := gpioreg.ByName(name)
		if pin == nil {
			return nil, errors.Errorf("address pin %q not found", name)
		}
		s.pins[i] = pin
	}
	return &s, nil
}

// Select implements AddressSelector.
func (s *PeriphSelector) Select(address int) error {
	if address < 0 || address >= 1<<len(s.pins) {
		return errors.Wrapf(ErrBadParameter, "address %d", address)
	}
	for i, pin := range s.pins {
		level := gpio.Low
		if address&(1<<i) != 0 {
			level = gpio.High
		}
		if err := pin.Out(level); err != nil {
			return errors.Wrapf(err, "driving address pin %s", pin.Name())
		}
	}
	return nil
}
