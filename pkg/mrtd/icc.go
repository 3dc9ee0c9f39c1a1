package mrtd

import (
	"bytes"
	"crypto/subtle"
	"strings"

	"github.com/moov-io/bertlv"
	"github.com/pkg/errors"
)

// The chip side of BAC and secure messaging. Readers never need it; it backs
// the emulator and the tests.

// RespondBAC answers an EXTERNAL AUTHENTICATE command body as the chip would.
// rndICC is the challenge the chip handed out, kICC its key share. On success
// it returns the 40-byte answer and the chip's session.
func RespondBAC(key BACKey, rndICC, kICC, cmdData []byte) ([]byte, *SecureMessaging, error) {
	const op = "respond BAC"
	if len(rndICC) != challengeLength || len(kICC) != kIFDLength {
		return nil, nil, invalidInput(op, "rndICC must be %d bytes and kICC %d", challengeLength, kIFDLength)
	}
	if len(cmdData) != authResponseLength {
		return nil, nil, protocolViolation(op, "command data must be %d bytes, got %d", authResponseLength, len(cmdData))
	}
	seed, err := ComputeKeySeed(key)
	if err != nil {
		return nil, nil, err
	}
	kEnc, kMac, err := SessionKeys(seed, DES, 128)
	if err != nil {
		return nil, nil, cryptoFailure(op, err)
	}

	mac, err := retailMAC(kMac, pad(cmdData[:authPlainLength], DES.BlockSize()))
	if err != nil {
		return nil, nil, cryptoFailure(op, err)
	}
	if subtle.ConstantTimeCompare(mac, cmdData[authPlainLength:]) != 1 {
		return nil, nil, cryptoFailure(op, ErrMacVerificationFailed)
	}
	s, err := cbcDecrypt(DES, kEnc, nil, cmdData[:authPlainLength])
	if err != nil {
		return nil, nil, cryptoFailure(op, err)
	}
	if !bytes.Equal(s[8:16], rndICC) {
		return nil, nil, cryptoFailure(op, errors.New("challenge echo mismatch"))
	}
	rndIFD, kIFD := s[0:8], s[16:32]

	r := make([]byte, 0, authPlainLength)
	r = append(r, rndICC...)
	r = append(r, rndIFD...)
	r = append(r, kICC...)
	eICC, err := cbcEncrypt(DES, kEnc, nil, r)
	if err != nil {
		return nil, nil, cryptoFailure(op, err)
	}
	mICC, err := retailMAC(kMac, pad(eICC, DES.BlockSize()))
	if err != nil {
		return nil, nil, cryptoFailure(op, err)
	}

	sessionSeed := make([]byte, kIFDLength)
	xorBlock(sessionSeed, kIFD, kICC)
	ksEnc, ksMac, err := SessionKeys(sessionSeed, DES, 128)
	if err != nil {
		return nil, nil, cryptoFailure(op, err)
	}
	sm, err := NewSecureMessaging(DES, ksEnc, ksMac, ComputeSSC(rndICC, rndIFD))
	if err != nil {
		return nil, nil, err
	}
	return append(eICC, mICC...), sm, nil
}

// UnwrapCommand verifies and decrypts a protected command received by the
// chip. It is the inverse of Protect and advances the counter the same way.
func (sm *SecureMessaging) UnwrapCommand(cmd CommandAPDU) (CommandAPDU, error) {
	const op = "unwrap command"
	sm.ssc++
	if sm.broken != nil {
		return CommandAPDU{}, cryptoFailure(op, sm.broken)
	}
	if cmd.Cla&smClassMask != smClassMask {
		return CommandAPDU{}, protocolViolation(op, "CLA %02X does not announce secure messaging", cmd.Cla)
	}
	objs, err := bertlv.Decode(cmd.Data)
	if err != nil {
		return CommandAPDU{}, protocolViolation(op, "decode command objects: %v", err)
	}

	var (
		enc []byte
		mac []byte
		le  int
	)
	for i, o := range objs {
		switch strings.ToUpper(o.Tag) {
		case "87":
			if len(o.Value) < 1 || o.Value[0] != 0x01 {
				return CommandAPDU{}, protocolViolation(op, "DO'87 expected 0x01 padding indicator")
			}
			enc = o.Value[1:]
		case "85":
			enc = o.Value
		case "97":
			for _, b := range o.Value {
				le = le<<8 | int(b)
			}
			if le == 0 {
				le = maxShortLe
				if len(o.Value) == 2 {
					le = maxLe
				}
			}
		case "8E":
			if i != len(objs)-1 || len(o.Value) != macLength {
				return CommandAPDU{}, protocolViolation(op, "malformed DO'8E")
			}
			mac = o.Value
		}
	}
	if mac == nil {
		return CommandAPDU{}, sm.fail(op, errors.Wrap(ErrMacVerificationFailed, "command carries no DO'8E"))
	}

	header := pad([]byte{cmd.Cla, cmd.Ins, cmd.P1, cmd.P2}, sm.alg.BlockSize())
	expected, err := sm.mac(header, cmd.Data[:len(cmd.Data)-2-macLength])
	if err != nil {
		return CommandAPDU{}, cryptoFailure(op, err)
	}
	if subtle.ConstantTimeCompare(expected, mac) != 1 {
		return CommandAPDU{}, sm.fail(op, ErrMacVerificationFailed)
	}

	var data []byte
	if enc != nil {
		if data, err = sm.decrypt(enc); err != nil {
			return CommandAPDU{}, cryptoFailure(op, err)
		}
	}
	return CommandAPDU{Cla: cmd.Cla &^ smClassMask, Ins: cmd.Ins, P1: cmd.P1, P2: cmd.P2, Data: data, Le: le}, nil
}

// WrapResponse builds the protected response for data and sw: DO'87 when
// there is data, DO'99, DO'8E, then the status word in clear.
func (sm *SecureMessaging) WrapResponse(data []byte, sw uint16) ([]byte, error) {
	const op = "wrap response"
	sm.ssc++
	if sm.broken != nil {
		return nil, cryptoFailure(op, sm.broken)
	}
	var body []byte
	if len(data) > 0 {
		iv, err := sm.iv()
		if err != nil {
			return nil, cryptoFailure(op, err)
		}
		enc, err := cbcEncrypt(sm.alg, sm.ksEnc, iv, pad(data, sm.alg.BlockSize()))
		if err != nil {
			return nil, cryptoFailure(op, err)
		}
		body = append(body, wrapDO(tagDO87, append([]byte{0x01}, enc...))...)
	}
	status := []byte{byte(sw >> 8), byte(sw)}
	body = append(body, wrapDO(tagDO99, status)...)
	mac, err := sm.mac(body)
	if err != nil {
		return nil, cryptoFailure(op, err)
	}
	body = append(body, wrapDO(tagDO8E, mac)...)
	return append(body, status...), nil
}
