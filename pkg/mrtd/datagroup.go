package mrtd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"
)

// DataGroup is an elementary file identifier in the eMRTD application.
type DataGroup uint16

const (
	DG1  DataGroup = 0x0101 // MRZ
	DG2  DataGroup = 0x0102 // encoded face
	DG14 DataGroup = 0x010E // chip authentication public key info
	SOD  DataGroup = 0x011D // document security object
	COM  DataGroup = 0x011E // common data
)

func (d DataGroup) String() string {
	switch d {
	case SOD:
		return "EF.SOD"
	case COM:
		return "EF.COM"
	}
	if d > 0x0100 && d <= 0x0110 {
		return fmt.Sprintf("DG%d", d-0x0100)
	}
	return fmt.Sprintf("EF %04X", uint16(d))
}

// Number returns the data group number (1..16), or 0 for other files.
func (d DataGroup) Number() int {
	if d > 0x0100 && d <= 0x0110 {
		return int(d - 0x0100)
	}
	return 0
}

// PassportAID is the ICAO LDS1 eMRTD application identifier.
var PassportAID = []byte{0xA0, 0x00, 0x00, 0x02, 0x47, 0x10, 0x01}

const (
	insSelect        = 0xA4
	insReadBinary    = 0xB0
	fileInfoLength   = 4
	maxReadChunk     = 0xDF // leaves room for SM overhead in a short response
	maxShortOffset   = 0x7FFF
	tagOffsetDO      = 0x54
	tagDiscretionary = 0x53
	tagCVCA          = 0x42
	cvcaFileLength   = 36
)

// SelectApplication selects the eMRTD application in plain (before BAC).
func SelectApplication(ctx context.Context, card Card) error {
	cmd := CommandAPDU{Cla: 0x00, Ins: insSelect, P1: 0x04, P2: 0x0C, Data: PassportAID}
	resp, err := Exchange(ctx, card, cmd)
	if err != nil {
		return err
	}
	if err := resp.Err(insSelect); err != nil {
		return newError(KindChipStatusError, "select application", err)
	}
	return nil
}

// SelectFile selects an elementary file under secure messaging.
func SelectFile(ctx context.Context, ch *SecureChannel, fid DataGroup) error {
	cmd := CommandAPDU{Cla: 0x00, Ins: insSelect, P1: 0x02, P2: 0x0C, Data: []byte{byte(fid >> 8), byte(fid)}}
	if _, err := ch.Exchange(ctx, cmd); err != nil {
		return errors.Wrapf(err, "select %s", fid)
	}
	return nil
}

// ReadBinary reads up to le bytes at offset from the selected file. Offsets
// beyond 0x7FFF use the odd-INS form with an offset data object. A 6Cxx answer
// is retried once with the exact length.
func ReadBinary(ctx context.Context, ch *SecureChannel, offset, le int) ([]byte, error) {
	cmd := readBinaryCommand(offset, le)
	resp, err := ch.Send(ctx, cmd)
	if err != nil {
		return nil, err
	}

	// If wrong Le (SW=6Cxx), retry with the correct Le from SW2.
	if resp.SW1 == byte(SWWrongLe>>8) {
		correct := int(resp.SW2)
		if correct == 0 {
			correct = maxShortLe
		}
		slog.Warn("wrong Le, retrying", "requested_le", le, "correct_le", correct)
		cmd = readBinaryCommand(offset, correct)
		if resp, err = ch.Send(ctx, cmd); err != nil {
			return nil, err
		}
	}

	// 6282: end of file reached before Le bytes; the data is still valid.
	if !resp.IsSuccess() && !(resp.SW() == 0x6282 && len(resp.Data) > 0) {
		return nil, newError(KindChipStatusError, "read binary", &SWError{Cmd: cmd.Ins, SW: resp.SW()})
	}
	if cmd.Ins == insReadBinOdd {
		return unwrapDiscretionary(resp.Data)
	}
	return resp.Data, nil
}

func readBinaryCommand(offset, le int) CommandAPDU {
	if offset <= maxShortOffset {
		return CommandAPDU{Cla: 0x00, Ins: insReadBinary, P1: byte(offset >> 8), P2: byte(offset), Le: le}
	}
	off := []byte{byte(offset >> 16), byte(offset >> 8), byte(offset)}
	for len(off) > 1 && off[0] == 0 {
		off = off[1:]
	}
	return CommandAPDU{Cla: 0x00, Ins: insReadBinOdd, Data: wrapDO(tagOffsetDO, off), Le: le}
}

// unwrapDiscretionary strips the DO'53 wrapper of an odd-INS READ BINARY answer.
func unwrapDiscretionary(b []byte) ([]byte, error) {
	if len(b) == 0 || b[0] != tagDiscretionary {
		return nil, protocolViolation("read binary", "expected DO'53 in odd READ BINARY response")
	}
	l, n, err := decodeLength(b[1:])
	if err != nil {
		return nil, protocolViolation("read binary", "DO'53: %v", err)
	}
	if 1+n+l > len(b) {
		return nil, protocolViolation("read binary", "DO'53 truncated")
	}
	return b[1+n : 1+n+l], nil
}

// FileLength returns the full length of an LDS file from its first bytes:
// tag, length and the length of the length field. The CVCA file (tag 0x42)
// has a fixed length.
func FileLength(fileInfo []byte) (int, error) {
	if len(fileInfo) == 0 {
		return 0, errors.New("empty file info")
	}
	if fileInfo[0] == tagCVCA {
		return cvcaFileLength, nil
	}
	tagLen := 1
	if fileInfo[0]&0x1F == 0x1F {
		for tagLen < len(fileInfo) && fileInfo[tagLen]&0x80 != 0 {
			tagLen++
		}
		tagLen++
	}
	if tagLen >= len(fileInfo) {
		return 0, errors.New("file info truncated in tag")
	}
	vLen, lLen, err := decodeLength(fileInfo[tagLen:])
	if err != nil {
		return 0, errors.Wrap(err, "file info")
	}
	return tagLen + lLen + vLen, nil
}

// ReadDataGroup selects fid and reads it completely over the secure channel.
// The result is the file-info prefix followed by the rest of the file.
func ReadDataGroup(ctx context.Context, ch *SecureChannel, fid DataGroup) ([]byte, error) {
	if err := SelectFile(ctx, ch, fid); err != nil {
		return nil, err
	}
	prefix, err := ReadBinary(ctx, ch, 0, fileInfoLength)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s header", fid)
	}
	total, err := FileLength(prefix)
	if err != nil {
		return nil, protocolViolation("read "+fid.String(), "%v", err)
	}

	out := make([]byte, 0, total)
	out = append(out, prefix...)
	for len(out) < total {
		chunk := total - len(out)
		if chunk > maxReadChunk {
			chunk = maxReadChunk
		}
		part, err := ReadBinary(ctx, ch, len(out), chunk)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s at offset %d", fid, len(out))
		}
		if len(part) == 0 {
			return nil, protocolViolation("read "+fid.String(), "empty read at offset %d of %d", len(out), total)
		}
		out = append(out, part...)
	}
	if len(out) > total {
		out = out[:total]
	}
	slog.Debug("data group read", "file", fid.String(), "length", total)
	return out, nil
}
