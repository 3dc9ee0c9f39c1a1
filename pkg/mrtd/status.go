package mrtd

import (
	"fmt"

	"github.com/pkg/errors"
)

// Status words used by the reader.
const (
	SWSuccess              = 0x9000
	SWWrongLength          = 0x6700
	SWSecurityNotSatisfied = 0x6982
	SWSMObjectsMissing     = 0x6987
	SWSMObjectsIncorrect   = 0x6988
	SWFileNotFound         = 0x6A82
	SWWrongP1P2            = 0x6A86
	SWWrongLe              = 0x6C00 // mask, exact Le in SW2
	SWBytesRemaining       = 0x6100 // mask, remaining count in SW2
)

// SWError is a non-success status word returned by the chip.
type SWError struct {
	Cmd byte   // INS of the failing command
	SW  uint16 // status word
}

func (e *SWError) Error() string {
	return fmt.Sprintf("card command 0x%02X failed with SW=0x%04X (%s)", e.Cmd, e.SW, DecodeStatus(byte(e.SW>>8), byte(e.SW)))
}

// IsSuccess reports whether sw is 0x9000. No other status word counts as success.
func IsSuccess(sw uint16) bool {
	return sw == SWSuccess
}

var statusTable = map[byte]map[byte]string{
	0x62: {
		0x00: "No information given",
		0x81: "Part of returned data may be corrupted",
		0x82: "End of file/record reached before reading Le bytes",
		0x83: "Selected file invalidated",
		0x84: "FCI not formatted according to ISO7816-4 section 5.1.5",
	},
	0x63: {
		0x81: "File filled up by the last write",
		0x82: "Card Key not supported",
		0x83: "Reader Key not supported",
		0x84: "Plain transmission not supported",
		0x85: "Secured Transmission not supported",
		0x86: "Volatile memory not available",
		0x87: "Non Volatile memory not available",
		0x88: "Key number not valid",
		0x89: "Key length is not correct",
		0x0C: "Counter provided by X (valued from 0 to 15) (exact meaning depending on the command)",
	},
	0x65: {
		0x00: "No information given",
		0x81: "Memory failure",
	},
	0x67: {
		0x00: "Wrong length",
	},
	0x68: {
		0x00: "No information given",
		0x81: "Logical channel not supported",
		0x82: "Secure messaging not supported",
		0x83: "Last command of the chain expected",
		0x84: "Command chaining not supported",
	},
	0x69: {
		0x00: "No information given",
		0x81: "Command incompatible with file structure",
		0x82: "Security status not satisfied",
		0x83: "Authentication method blocked",
		0x84: "Referenced data invalidated",
		0x85: "Conditions of use not satisfied",
		0x86: "Command not allowed (no current EF)",
		0x87: "Expected SM data objects missing",
		0x88: "SM data objects incorrect",
	},
	0x6A: {
		0x00: "No information given",
		0x80: "Incorrect parameters in the data field",
		0x81: "Function not supported",
		0x82: "File not found",
		0x83: "Record not found",
		0x84: "Not enough memory space in the file",
		0x85: "Lc inconsistent with TLV structure",
		0x86: "Incorrect parameters P1-P2",
		0x87: "Lc inconsistent with P1-P2",
		0x88: "Referenced data not found",
	},
	0x6B: {
		0x00: "Wrong parameter(s) P1-P2",
	},
	0x6D: {
		0x00: "Instruction code not supported or invalid",
	},
	0x6E: {
		0x00: "Class not supported",
	},
	0x6F: {
		0x00: "No precise diagnosis",
	},
	0x90: {
		0x00: "Success",
	},
}

// DecodeStatus returns a human-readable description of a status word.
// SW1 values 0x61 and 0x6C carry a length in SW2; 0x64 is reported as a whole.
func DecodeStatus(sw1, sw2 byte) string {
	switch sw1 {
	case 0x61:
		return fmt.Sprintf("SW2 indicates the number of response bytes still available - (%d bytes still available)", sw2)
	case 0x64:
		return "State of non-volatile memory unchanged (SW2=00, other values are RFU)"
	case 0x6C:
		return fmt.Sprintf("Wrong length Le: SW2 indicates the exact length - (exact length :%d)", sw2)
	}
	if msg, ok := statusTable[sw1][sw2]; ok {
		return msg
	}
	return fmt.Sprintf("Unknown error - sw1: 0x%02X, sw2: 0x%02X", sw1, sw2)
}

// IsFileNotFound reports whether err carries SW 6A82.
func IsFileNotFound(err error) bool {
	var swErr *SWError
	if errors.As(err, &swErr) {
		return swErr.SW == SWFileNotFound
	}
	return false
}

// IsSecurityError reports whether err carries one of the status words a chip
// returns when the secure channel is missing or broken.
func IsSecurityError(err error) bool {
	var swErr *SWError
	if errors.As(err, &swErr) {
		switch swErr.SW {
		case SWSecurityNotSatisfied, SWSMObjectsMissing, SWSMObjectsIncorrect:
			return true
		}
	}
	return false
}
