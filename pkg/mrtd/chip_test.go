package mrtd

import (
	"bytes"

	"github.com/moov-io/bertlv"
)

// simChip is an in-memory eMRTD: BAC, secure messaging, file reads and
// MSE:SET KAT. It answers exactly like a chip on the wire.
type simChip struct {
	key    BACKey
	rndICC []byte
	kICC   []byte
	files  map[DataGroup][]byte

	// caSecret computes the shared secret from the terminal's ephemeral key.
	// nil makes the chip reject MSE:SET KAT.
	caSecret func(ephemeral []byte) ([]byte, error)

	errSW   map[byte]uint16 // forced status word per INS
	forceLe int             // answer 6Cxx to READ BINARY with any other Le

	sm       *SecureMessaging
	pending  *SecureMessaging
	selected DataGroup

	appSelected bool
	commands    []CommandAPDU // plain view of every command received
	caKeyData   []byte
	caKeyID     []byte
	sscTrace    []uint64 // chip counter after every protected response

	connected bool
	closed    bool
}

func newSimChip(key BACKey, files map[DataGroup][]byte) *simChip {
	return &simChip{
		key:    key,
		rndICC: mustHex("4608F91988702212"),
		kICC:   mustHex("0B4F80323EB3191CB04970CB4052790B"),
		files:  files,
		errSW:  map[byte]uint16{},
	}
}

func (c *simChip) Connect() error {
	c.connected = true
	return nil
}

func (c *simChip) Close() error {
	c.closed = true
	return nil
}

func (c *simChip) Transmit(apdu []byte) ([]byte, error) {
	cmd, err := ParseCommand(apdu)
	if err != nil {
		return nil, err
	}
	if cmd.Cla&smClassMask == smClassMask {
		return c.transmitSecure(cmd)
	}

	c.commands = append(c.commands, cmd)
	if sw, ok := c.errSW[cmd.Ins]; ok {
		return swBytes(sw), nil
	}
	switch cmd.Ins {
	case insSelect:
		if cmd.P1 == 0x04 && bytes.Equal(cmd.Data, PassportAID) {
			c.appSelected = true
			return swBytes(SWSuccess), nil
		}
		return swBytes(SWFileNotFound), nil
	case insGetChallenge:
		return concat(c.rndICC, swBytes(SWSuccess)), nil
	case insExternalAuth:
		return c.externalAuth(cmd.Data)
	}
	if c.sm != nil {
		// plain command after BAC aborts the session
		c.sm = nil
	}
	return swBytes(SWSMObjectsMissing), nil
}

func (c *simChip) externalAuth(data []byte) ([]byte, error) {
	if !c.appSelected {
		return swBytes(SWSecurityNotSatisfied), nil
	}
	resp, sm, err := RespondBAC(c.key, c.rndICC, c.kICC, data)
	if err != nil {
		return swBytes(SWSecurityNotSatisfied), nil
	}
	c.sm = sm
	return concat(resp, swBytes(SWSuccess)), nil
}

func (c *simChip) transmitSecure(cmd CommandAPDU) ([]byte, error) {
	if c.sm == nil {
		return swBytes(SWSMObjectsMissing), nil
	}
	plain, err := c.sm.UnwrapCommand(cmd)
	if err != nil {
		c.sm = nil
		return swBytes(SWSMObjectsIncorrect), nil
	}
	c.commands = append(c.commands, plain)

	var data []byte
	sw, forced := c.errSW[plain.Ins]
	if !forced {
		data, sw = c.handleSecure(plain)
	}
	resp, err := c.sm.WrapResponse(data, sw)
	if err != nil {
		return nil, err
	}
	c.sscTrace = append(c.sscTrace, c.sm.SSC())
	if c.pending != nil {
		c.sm, c.pending = c.pending, nil
	}
	return resp, nil
}

func (c *simChip) handleSecure(cmd CommandAPDU) ([]byte, uint16) {
	switch cmd.Ins {
	case insSelect:
		if cmd.P1 != 0x02 || len(cmd.Data) != 2 {
			return nil, SWWrongP1P2
		}
		fid := DataGroup(uint16(cmd.Data[0])<<8 | uint16(cmd.Data[1]))
		if _, ok := c.files[fid]; !ok {
			return nil, SWFileNotFound
		}
		c.selected = fid
		return nil, SWSuccess
	case insReadBinary:
		if c.forceLe > 0 && cmd.Le != c.forceLe {
			return nil, SWWrongLe | uint16(c.forceLe)
		}
		return c.read(int(cmd.P1)<<8|int(cmd.P2), cmd.Le)
	case insReadBinOdd:
		objs, err := bertlv.Decode(cmd.Data)
		if err != nil || len(objs) != 1 || objs[0].Tag != "54" {
			return nil, SWWrongP1P2
		}
		off := 0
		for _, b := range objs[0].Value {
			off = off<<8 | int(b)
		}
		data, sw := c.read(off, cmd.Le)
		if sw != SWSuccess {
			return nil, sw
		}
		return wrapDO(tagDiscretionary, data), SWSuccess
	case insMSE:
		return c.setKAT(cmd)
	}
	return nil, 0x6D00
}

func (c *simChip) read(off, le int) ([]byte, uint16) {
	f, ok := c.files[c.selected]
	if !ok {
		return nil, 0x6986
	}
	if off >= len(f) {
		return nil, 0x6B00
	}
	end := off + le
	if end > len(f) {
		end = len(f)
	}
	return f[off:end], SWSuccess
}

func (c *simChip) setKAT(cmd CommandAPDU) ([]byte, uint16) {
	if cmd.P1 != mseSetKAT || cmd.P2 != mseKATTempl || c.caSecret == nil {
		return nil, SWWrongP1P2
	}
	objs, err := bertlv.Decode(cmd.Data)
	if err != nil {
		return nil, SWSMObjectsIncorrect
	}
	c.caKeyData, c.caKeyID = nil, nil
	for _, o := range objs {
		switch o.Tag {
		case "91":
			c.caKeyData = o.Value
		case "84":
			c.caKeyID = o.Value
		}
	}
	secret, err := c.caSecret(c.caKeyData)
	if err != nil {
		return nil, 0x6A80
	}
	ksEnc, ksMac, err := SessionKeys(secret, DES, 128)
	if err != nil {
		return nil, 0x6F00
	}
	if c.pending, err = NewSecureMessaging(DES, ksEnc, ksMac, 0); err != nil {
		return nil, 0x6F00
	}
	return nil, SWSuccess
}

func swBytes(sw uint16) []byte {
	return []byte{byte(sw >> 8), byte(sw)}
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// scriptedCard replays fixed responses and records what it was sent.
type scriptedCard struct {
	responses [][]byte
	sent      [][]byte
	err       error
}

func (s *scriptedCard) Transmit(apdu []byte) ([]byte, error) {
	s.sent = append(s.sent, append([]byte(nil), apdu...))
	if s.err != nil {
		return nil, s.err
	}
	if len(s.responses) == 0 {
		return swBytes(0x6F00), nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

var testKey = BACKey{DocumentNumber: "L898902C", DateOfBirth: "690806", DateOfExpiry: "940623"}
