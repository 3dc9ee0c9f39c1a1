package mrtd

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

const (
	maxShortLc = 255
	maxShortLe = 256
	maxLc      = 65535
	maxLe      = 65536
)

// CommandAPDU is an ISO 7816-4 command. Le is the expected response length:
// 0 means no response data, 256 and 65536 are the short and extended maximums.
type CommandAPDU struct {
	Cla  byte
	Ins  byte
	P1   byte
	P2   byte
	Data []byte
	Le   int
}

func (c CommandAPDU) validate() error {
	if len(c.Data) > maxLc {
		return newError(KindInvalidAPDU, "encode apdu", errors.Errorf("data length %d exceeds %d", len(c.Data), maxLc))
	}
	if c.Le < 0 || c.Le > maxLe {
		return newError(KindInvalidAPDU, "encode apdu", errors.Errorf("Le %d outside [0, %d]", c.Le, maxLe))
	}
	return nil
}

// Extended reports whether the command needs the extended length form.
func (c CommandAPDU) Extended() bool {
	return len(c.Data) > maxShortLc || c.Le > maxShortLe
}

// Encode serializes the command, picking the ISO 7816-4 case from the data
// length and Le. Short and extended forms are never mixed.
func (c CommandAPDU) Encode() ([]byte, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	out := make([]byte, 0, 4+3+len(c.Data)+3)
	out = append(out, c.Cla, c.Ins, c.P1, c.P2)

	ext := c.Extended()
	switch {
	case len(c.Data) == 0 && c.Le == 0:
		// case 1
	case len(c.Data) == 0:
		// case 2
		if ext {
			out = append(out, 0x00, byte(c.Le>>8), byte(c.Le))
		} else {
			out = append(out, byte(c.Le))
		}
	default:
		// case 3 and 4
		if ext {
			out = append(out, 0x00, byte(len(c.Data)>>8), byte(len(c.Data)))
		} else {
			out = append(out, byte(len(c.Data)))
		}
		out = append(out, c.Data...)
		if c.Le > 0 {
			if ext {
				out = append(out, byte(c.Le>>8), byte(c.Le))
			} else {
				out = append(out, byte(c.Le))
			}
		}
	}
	return out, nil
}

// ParseCommand decodes a serialized command in any of the seven ISO 7816-4 forms.
func ParseCommand(b []byte) (CommandAPDU, error) {
	bad := func(format string, args ...any) (CommandAPDU, error) {
		return CommandAPDU{}, newError(KindInvalidAPDU, "parse apdu", errors.Errorf(format, args...))
	}
	if len(b) < 4 {
		return bad("command too short: %d bytes", len(b))
	}
	c := CommandAPDU{Cla: b[0], Ins: b[1], P1: b[2], P2: b[3]}
	body := b[4:]

	switch {
	case len(body) == 0:
		return c, nil
	case len(body) == 1:
		c.Le = shortLe(body[0])
		return c, nil
	case body[0] != 0x00:
		lc := int(body[0])
		switch len(body) {
		case 1 + lc:
			c.Data = append([]byte(nil), body[1:]...)
		case 2 + lc:
			c.Data = append([]byte(nil), body[1:1+lc]...)
			c.Le = shortLe(body[1+lc])
		default:
			return bad("short Lc %d does not match body length %d", lc, len(body))
		}
		return c, nil
	case len(body) == 3:
		c.Le = extendedLe(body[1], body[2])
		return c, nil
	case len(body) > 3:
		lc := int(body[1])<<8 | int(body[2])
		if lc == 0 {
			return bad("extended Lc is zero")
		}
		switch len(body) {
		case 3 + lc:
			c.Data = append([]byte(nil), body[3:]...)
		case 5 + lc:
			c.Data = append([]byte(nil), body[3:3+lc]...)
			c.Le = extendedLe(body[3+lc], body[4+lc])
		default:
			return bad("extended Lc %d does not match body length %d", lc, len(body))
		}
		return c, nil
	default:
		return bad("malformed length field (%d body bytes)", len(body))
	}
}

func shortLe(b byte) int {
	if b == 0 {
		return maxShortLe
	}
	return int(b)
}

func extendedLe(hi, lo byte) int {
	le := int(hi)<<8 | int(lo)
	if le == 0 {
		return maxLe
	}
	return le
}

func (c CommandAPDU) String() string {
	return fmt.Sprintf("%02X %02X %02X %02X data=%s le=%d", c.Cla, c.Ins, c.P1, c.P2, strings.ToUpper(hex.EncodeToString(c.Data)), c.Le)
}

// ResponseAPDU is a chip response split into data and status word.
type ResponseAPDU struct {
	Data []byte
	SW1  byte
	SW2  byte
}

// ParseResponse splits the trailing status word off a raw response.
func ParseResponse(b []byte) (ResponseAPDU, error) {
	if len(b) < 2 {
		return ResponseAPDU{}, protocolViolation("parse response", "short response: %d bytes", len(b))
	}
	return ResponseAPDU{
		Data: append([]byte(nil), b[:len(b)-2]...),
		SW1:  b[len(b)-2],
		SW2:  b[len(b)-1],
	}, nil
}

// SW returns the status word as a single value.
func (r ResponseAPDU) SW() uint16 {
	return uint16(r.SW1)<<8 | uint16(r.SW2)
}

// IsSuccess reports whether the status word is 0x9000.
func (r ResponseAPDU) IsSuccess() bool {
	return IsSuccess(r.SW())
}

// Status describes the status word.
func (r ResponseAPDU) Status() string {
	return DecodeStatus(r.SW1, r.SW2)
}

// Bytes re-serializes the response as data followed by the status word.
func (r ResponseAPDU) Bytes() []byte {
	out := make([]byte, 0, len(r.Data)+2)
	out = append(out, r.Data...)
	return append(out, r.SW1, r.SW2)
}

// Err returns a *SWError for a non-success status word, nil otherwise.
func (r ResponseAPDU) Err(ins byte) error {
	if r.IsSuccess() {
		return nil
	}
	return &SWError{Cmd: ins, SW: r.SW()}
}
