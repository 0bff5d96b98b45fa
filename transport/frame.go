package transport

import "github.com/pkg/errors"

// Wire format. Requests are [start][cmd][len_lo][len_hi][payload...]; replies
// carry an extra status byte after the command echo. Lengths are
// little-endian and count payload bytes only.
const (
	startByte      = 0xDB
	reqHeaderLen   = 4
	replyHeaderLen = 5
	maxPayloadLen  = 0xFFFF
)

// Reply status byte values. Exported so device simulators can speak the
// protocol in tests.
const (
	StatusSuccess      = 0x00
	StatusBadParameter = 0x01
	StatusBusy         = 0x02
	StatusNotReady     = 0x03
	StatusTimeout      = 0x04
)

// AppendRequest appends a request frame for cmd with the given payload.
func AppendRequest(dst []byte, cmd byte, payload []byte) []byte {
	dst = append(dst, startByte, cmd, byte(len(payload)), byte(len(payload)>>8))
	return append(dst, payload...)
}

// ParseRequest decodes a request frame, returning the command and payload.
func ParseRequest(frame []byte) (byte, []byte, error) {
	if len(frame) < reqHeaderLen {
		return 0, nil, errors.Wrapf(ErrProtocol, "request frame of %d bytes", len(frame))
	}
	if frame[0] != startByte {
		return 0, nil, errors.Wrapf(ErrProtocol, "bad request start byte 0x%02X", frame[0])
	}
	length := int(frame[2]) | int(frame[3])<<8
	if reqHeaderLen+length != len(frame) {
		return 0, nil, errors.Wrapf(ErrProtocol, "request length field %d in frame of %d bytes",
			length, len(frame))
	}
	return frame[1], frame[reqHeaderLen:], nil
}

// AppendReply appends a reply frame echoing cmd with the given status and
// payload. Device simulators use this; the driver only parses replies.
func AppendReply(dst []byte, cmd, status byte, payload []byte) []byte {
	dst = append(dst, startByte, cmd, status, byte(len(payload)), byte(len(payload)>>8))
	return append(dst, payload...)
}

type parseState int

const (
	stateStart parseState = iota
	stateCmd
	stateStatus
	stateLenLo
	stateLenHi
	statePayload
	stateDone
)

// replyParser accumulates reply bytes one at a time. The device shifts the
// frame out over several bus transfers, so the parser must tolerate arbitrary
// split points.
type replyParser struct {
	state   parseState
	cmd     byte
	status  byte
	length  int
	payload []byte
}

func (p *replyParser) feed(b byte) error {
	switch p.state {
	case stateStart:
		if b != startByte {
			return errors.Wrapf(ErrProtocol, "bad reply start byte 0x%02X", b)
		}
		p.state = stateCmd
	case stateCmd:
		p.cmd = b
		p.state = stateStatus
	case stateStatus:
		p.status = b
		p.state = stateLenLo
	case stateLenLo:
		p.length = int(b)
		p.state = stateLenHi
	case stateLenHi:
		p.length |= int(b) << 8
		if p.length == 0 {
			p.state = stateDone
		} else {
			p.payload = make([]byte, 0, p.length)
			p.state = statePayload
		}
	case statePayload:
		p.payload = append(p.payload, b)
		if len(p.payload) == p.length {
			p.state = stateDone
		}
	case stateDone:
		return errors.Wrap(ErrProtocol, "byte past end of reply frame")
	}
	return nil
}

func (p *replyParser) done() bool {
	return p.state == stateDone
}

// missing returns how many bytes the parser still needs, at minimum, to
// complete the frame.
func (p *replyParser) missing() int {
	switch p.state {
	case stateStart:
		return replyHeaderLen
	case stateCmd:
		return replyHeaderLen - 1
	case stateStatus:
		return replyHeaderLen - 2
	case stateLenLo:
		return 2
	case stateLenHi:
		return 1
	case statePayload:
		return p.length - len(p.payload)
	default:
		return 0
	}
}
