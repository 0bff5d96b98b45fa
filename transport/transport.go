// Package transport carries the command/response protocol the boards speak
// over the shared SPI bus.
//
// Every exchange is one request frame, a ready-poll loop while the board
// prepares its answer, and one reply frame. The board cannot initiate a
// transfer, so the host polls a single byte at a caller-chosen interval until
// a nonzero byte appears or the reply budget is exhausted. All of that runs
// under the bus-wide lock, and the shared GPIO address lines are asserted
// after the lock is taken and before the first byte moves.
package transport

import (
	"context"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/viam-labs/daqhat/buslock"
)

// Errors the transport maps wire-level outcomes to. Callers classify with
// errors.Is.
var (
	// ErrBadParameter is a reply status: the device rejected an argument.
	ErrBadParameter = errors.New("device rejected parameter")
	// ErrBusy is a reply status: the device cannot serve the command now.
	ErrBusy = errors.New("device busy")
	// ErrTimeout covers both a missing reply and a device-reported timeout.
	ErrTimeout = errors.New("reply timeout")
	// ErrProtocol covers malformed frames, command-echo mismatches, and
	// unknown status bytes.
	ErrProtocol = errors.New("protocol violation")
	// ErrComms is a low-level bus transfer failure.
	ErrComms = errors.New("SPI transfer failed")
)

// Bus is a full-duplex SPI endpoint. Implementations must tolerate
// single-byte transfers; tx and rx are always the same length.
type Bus interface {
	Tx(ctx context.Context, tx, rx []byte) error
	Close() error
}

// AddressSelector drives the shared board-address lines. Select is only
// called while the bus lock is held.
type AddressSelector interface {
	Select(address int) error
}

// Transport issues framed commands to the board at one address.
type Transport struct {
	bus     Bus
	sel     AddressSelector
	lock    *buslock.Lock
	address int
}

// New returns a transport for the board at address, sharing bus, selector,
// and bus lock with every other board on the host.
func New(bus Bus, sel AddressSelector, lock *buslock.Lock, address int) *Transport {
	return &Transport{
		bus:     bus,
		sel:     sel,
		lock:    lock,
		address: address,
	}
}

// Address returns the board address this transport talks to.
func (t *Transport) Address() int {
	return t.address
}

// Transfer issues one command and returns the reply payload. It acquires the
// bus lock for the duration of the exchange, asserts the address lines, sends
// the request as a single transfer, then polls one byte at retryInterval
// until the device signals its reply is ready or replyTimeout elapses.
//
// expectedRxLen >= 0 additionally requires the reply payload to be exactly
// that long; pass -1 for variable-length replies.
func (t *Transport) Transfer(
	ctx context.Context,
	cmd byte,
	payload []byte,
	expectedRxLen int,
	replyTimeout time.Duration,
	retryInterval time.Duration,
) ([]byte, error) {
	if len(payload) > maxPayloadLen {
		return nil, errors.Wrapf(ErrBadParameter, "payload of %d bytes", len(payload))
	}

	release, err := t.lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := t.sel.Select(t.address); err != nil {
		return nil, errors.Wrapf(ErrComms, "selecting address %d: %v", t.address, err)
	}

	tx := AppendRequest(nil, cmd, payload)
	if err := t.bus.Tx(ctx, tx, make([]byte, len(tx))); err != nil {
		return nil, errors.Wrapf(ErrComms, "command 0x%02X request: %v", cmd, err)
	}

	ready, err := t.awaitReady(ctx, cmd, replyTimeout, retryInterval)
	if err != nil {
		return nil, err
	}

	var p replyParser
	if err := p.feed(ready); err != nil {
		return nil, err
	}
	for !p.done() {
		chunk := make([]byte, p.missing())
		if err := t.bus.Tx(ctx, make([]byte, len(chunk)), chunk); err != nil {
			return nil, errors.Wrapf(ErrComms, "command 0x%02X reply: %v", cmd, err)
		}
		for _, b := range chunk {
			if err := p.feed(b); err != nil {
				return nil, err
			}
		}
	}

	if p.cmd != cmd {
		return nil, errors.Wrapf(ErrProtocol, "sent command 0x%02X, reply echoed 0x%02X", cmd, p.cmd)
	}
	switch p.status {
	case StatusSuccess:
	case StatusBadParameter:
		return nil, errors.Wrapf(ErrBadParameter, "command 0x%02X", cmd)
	case StatusBusy:
		return nil, errors.Wrapf(ErrBusy, "command 0x%02X", cmd)
	case StatusNotReady:
		return nil, errors.Wrapf(ErrBusy, "command 0x%02X: device not ready", cmd)
	case StatusTimeout:
		return nil, errors.Wrapf(ErrTimeout, "command 0x%02X: device-side timeout", cmd)
	default:
		return nil, errors.Wrapf(ErrProtocol, "command 0x%02X: reply status 0x%02X", cmd, p.status)
	}
	if expectedRxLen >= 0 && len(p.payload) != expectedRxLen {
		return nil, errors.Wrapf(ErrProtocol, "command 0x%02X: reply payload %d bytes, want %d",
			cmd, len(p.payload), expectedRxLen)
	}
	return p.payload, nil
}

// awaitReady polls a single byte until the device signals the reply frame is
// on its way out. The first nonzero byte is the frame's start byte and is
// returned to be fed to the parser.
func (t *Transport) awaitReady(
	ctx context.Context,
	cmd byte,
	replyTimeout, retryInterval time.Duration,
) (byte, error) {
	deadline := time.Now().Add(replyTimeout)
	rx := make([]byte, 1)
	for {
		if err := t.bus.Tx(ctx, []byte{0}, rx); err != nil {
			return 0, errors.Wrapf(ErrComms, "command 0x%02X ready poll: %v", cmd, err)
		}
		if rx[0] != 0 {
			return rx[0], nil
		}
		if time.Now().After(deadline) {
			return 0, errors.Wrapf(ErrTimeout, "command 0x%02X: no reply within %v", cmd, replyTimeout)
		}
		if !goutils.SelectContextOrWait(ctx, retryInterval) {
			return 0, errors.Wrapf(ErrTimeout, "command 0x%02X: %v", cmd, ctx.Err())
		}
	}
}

// Close releases the bus endpoint. The selector and lock are shared between
// boards and are owned by the registry.
func (t *Transport) Close() error {
	return t.bus.Close()
}
