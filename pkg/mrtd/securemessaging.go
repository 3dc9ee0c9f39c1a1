package mrtd

import (
	"context"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/moov-io/bertlv"
	"github.com/pkg/errors"
)

const (
	tagDO85 = 0x85
	tagDO87 = 0x87
	tagDO8E = 0x8E
	tagDO97 = 0x97
	tagDO99 = 0x99

	insMSE        = 0x22
	insReadBinOdd = 0xB1

	smClassMask = 0x0C
	smLe        = 256
)

// SecureMessaging holds the keys and send sequence counter of one secure
// messaging session. The counter advances on every Protect and Unprotect.
// A session that failed MAC verification refuses further use.
type SecureMessaging struct {
	alg    CipherAlgorithm
	ksEnc  []byte
	ksMac  []byte
	ssc    uint64
	broken error
}

// NewSecureMessaging creates a session. DES keys are 16 or 24 bytes, AES keys 16, 24 or 32.
func NewSecureMessaging(alg CipherAlgorithm, ksEnc, ksMac []byte, ssc uint64) (*SecureMessaging, error) {
	if _, err := newBlock(alg, ksEnc); err != nil {
		return nil, cryptoFailure("new secure messaging", errors.Wrap(err, "ksEnc"))
	}
	switch {
	case alg == DES && (len(ksMac) == 16 || len(ksMac) == 24):
	case alg == AES && (len(ksMac) == 16 || len(ksMac) == 24 || len(ksMac) == 32):
	default:
		return nil, cryptoFailure("new secure messaging", errors.Wrapf(ErrUnsupportedAlgorithm, "%s MAC key length %d", alg, len(ksMac)))
	}
	return &SecureMessaging{
		alg:   alg,
		ksEnc: append([]byte(nil), ksEnc...),
		ksMac: append([]byte(nil), ksMac...),
		ssc:   ssc,
	}, nil
}

// Algorithm returns the session cipher family.
func (sm *SecureMessaging) Algorithm() CipherAlgorithm { return sm.alg }

// SSC returns the current send sequence counter.
func (sm *SecureMessaging) SSC() uint64 { return sm.ssc }

// sscBytes is the counter as a big-endian block: 8 bytes for DES, 16 for AES.
func (sm *SecureMessaging) sscBytes() []byte {
	b := make([]byte, sm.alg.BlockSize())
	binary.BigEndian.PutUint64(b[len(b)-8:], sm.ssc)
	return b
}

// iv is zero for 3DES and E(ksEnc, SSC) for AES.
func (sm *SecureMessaging) iv() ([]byte, error) {
	if sm.alg == AES {
		return ecbEncrypt(AES, sm.ksEnc, sm.sscBytes())
	}
	return nil, nil
}

func (sm *SecureMessaging) mac(parts ...[]byte) ([]byte, error) {
	var msg []byte
	msg = append(msg, sm.sscBytes()...)
	for _, p := range parts {
		msg = append(msg, p...)
	}
	mac, err := computeMAC(sm.alg, sm.ksMac, pad(msg, sm.alg.BlockSize()))
	if err != nil {
		return nil, err
	}
	if len(mac) > macLength {
		mac = mac[:macLength]
	}
	if len(mac) != macLength {
		return nil, errors.Errorf("MAC must be %d bytes, got %d", macLength, len(mac))
	}
	return mac, nil
}

// Protect wraps a plain command. The counter is incremented before anything else.
func (sm *SecureMessaging) Protect(cmd CommandAPDU) (CommandAPDU, error) {
	const op = "protect"
	sm.ssc++
	if sm.broken != nil {
		return CommandAPDU{}, cryptoFailure(op, sm.broken)
	}
	if err := cmd.validate(); err != nil {
		return CommandAPDU{}, err
	}

	header := []byte{cmd.Cla | smClassMask, cmd.Ins, cmd.P1, cmd.P2}
	masked := pad(header, sm.alg.BlockSize())
	do97 := buildDO97(cmd)
	do8587, err := sm.buildDO8587(cmd)
	if err != nil {
		return CommandAPDU{}, cryptoFailure(op, err)
	}

	mac, err := sm.mac(masked, do8587, do97)
	if err != nil {
		return CommandAPDU{}, cryptoFailure(op, err)
	}

	data := make([]byte, 0, len(do8587)+len(do97)+2+macLength)
	data = append(data, do8587...)
	data = append(data, do97...)
	data = append(data, wrapDO(tagDO8E, mac)...)

	return CommandAPDU{Cla: header[0], Ins: cmd.Ins, P1: cmd.P1, P2: cmd.P2, Data: data, Le: smLe}, nil
}

// buildDO97 returns the expected-length object, or nil when Le is 0 or when an
// MSE command asks for 256 or more bytes.
func buildDO97(cmd CommandAPDU) []byte {
	if cmd.Le <= 0 || (cmd.Ins == insMSE && cmd.Le >= maxShortLe) {
		return nil
	}
	if cmd.Le > maxShortLe {
		return wrapDO(tagDO97, []byte{byte(cmd.Le >> 8), byte(cmd.Le)})
	}
	return wrapDO(tagDO97, []byte{byte(cmd.Le)})
}

func (sm *SecureMessaging) buildDO8587(cmd CommandAPDU) ([]byte, error) {
	if len(cmd.Data) == 0 {
		return nil, nil
	}
	iv, err := sm.iv()
	if err != nil {
		return nil, err
	}
	enc, err := cbcEncrypt(sm.alg, sm.ksEnc, iv, pad(cmd.Data, sm.alg.BlockSize()))
	if err != nil {
		return nil, err
	}
	if cmd.Ins == insReadBinOdd {
		return wrapDO(tagDO85, enc), nil
	}
	return wrapDO(tagDO87, append([]byte{0x01}, enc...)), nil
}

// Unprotect verifies and decrypts a protected response. The returned response
// carries the plaintext data and the status word from DO'99. A bare error
// status word without secure messaging objects is returned as is.
func (sm *SecureMessaging) Unprotect(raw []byte) (ResponseAPDU, error) {
	const op = "unprotect"
	sm.ssc++
	if sm.broken != nil {
		return ResponseAPDU{}, cryptoFailure(op, sm.broken)
	}
	outer, err := ParseResponse(raw)
	if err != nil {
		return ResponseAPDU{}, err
	}
	if len(outer.Data) == 0 {
		if outer.IsSuccess() {
			return ResponseAPDU{}, sm.fail(op, errors.Wrap(ErrMacVerificationFailed, "response carries no DO'8E"))
		}
		return outer, nil
	}

	objs, err := bertlv.Decode(outer.Data)
	if err != nil {
		return ResponseAPDU{}, protocolViolation(op, "decode response objects: %v", err)
	}

	var (
		encrypted []byte
		isDO87    bool
		sw        = [2]byte{outer.SW1, outer.SW2}
		mac       []byte
		macStart  int
	)
	for i, obj := range objs {
		switch strings.ToUpper(obj.Tag) {
		case "87":
			encrypted, isDO87 = obj.Value, true
		case "85":
			encrypted, isDO87 = obj.Value, false
		case "99":
			if len(obj.Value) != 2 {
				return ResponseAPDU{}, protocolViolation(op, "DO'99 wrong length %d", len(obj.Value))
			}
			copy(sw[:], obj.Value)
		case "8E":
			if len(obj.Value) < macLength {
				return ResponseAPDU{}, protocolViolation(op, "DO'8E too short (%d bytes)", len(obj.Value))
			}
			if i != len(objs)-1 {
				return ResponseAPDU{}, protocolViolation(op, "DO'8E is not the last object")
			}
			macStart = len(outer.Data) - len(wrapDO(tagDO8E, obj.Value))
			mac = obj.Value[:macLength]
		}
	}
	if mac == nil {
		return ResponseAPDU{}, sm.fail(op, errors.Wrap(ErrMacVerificationFailed, "response carries no DO'8E"))
	}

	// MAC input is every object before DO'8E. A longer MAC is compared on its
	// first 8 bytes.
	expected, err := sm.mac(outer.Data[:macStart])
	if err != nil {
		return ResponseAPDU{}, cryptoFailure(op, err)
	}
	if subtle.ConstantTimeCompare(expected, mac) != 1 {
		return ResponseAPDU{}, sm.fail(op, ErrMacVerificationFailed)
	}

	var data []byte
	if encrypted != nil {
		if isDO87 {
			if len(encrypted) < 1 || encrypted[0] != 0x01 {
				return ResponseAPDU{}, protocolViolation(op, "DO'87 expected 0x01 padding indicator")
			}
			encrypted = encrypted[1:]
		}
		if data, err = sm.decrypt(encrypted); err != nil {
			return ResponseAPDU{}, cryptoFailure(op, err)
		}
	}
	return ResponseAPDU{Data: data, SW1: sw[0], SW2: sw[1]}, nil
}

func (sm *SecureMessaging) decrypt(ciphertext []byte) ([]byte, error) {
	iv, err := sm.iv()
	if err != nil {
		return nil, err
	}
	padded, err := cbcDecrypt(sm.alg, sm.ksEnc, iv, ciphertext)
	if err != nil {
		return nil, err
	}
	return unpad(padded)
}

func (sm *SecureMessaging) fail(op string, err error) error {
	sm.broken = err
	return cryptoFailure(op, err)
}

// SecureChannel sends commands through a secure messaging session. It keeps
// protect and unprotect in strict alternation and lets chip authentication
// replace the session wholesale.
type SecureChannel struct {
	mu   sync.Mutex
	card Card
	sm   *SecureMessaging
}

// NewSecureChannel binds a session to a card.
func NewSecureChannel(card Card, sm *SecureMessaging) *SecureChannel {
	return &SecureChannel{card: card, sm: sm}
}

// Session returns the active session.
func (c *SecureChannel) Session() *SecureMessaging {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sm
}

// Rekey installs a new session. The previous one is dropped.
func (c *SecureChannel) Rekey(sm *SecureMessaging) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sm = sm
}

// Send protects cmd, transmits it and unprotects the answer. A non-success
// inner status word is returned in the response, not as an error.
func (c *SecureChannel) Send(ctx context.Context, cmd CommandAPDU) (ResponseAPDU, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return ResponseAPDU{}, transportFailure("secure send", err)
	}

	wrapped, err := c.sm.Protect(cmd)
	if err != nil {
		return ResponseAPDU{}, err
	}
	apdu, err := wrapped.Encode()
	if err != nil {
		return ResponseAPDU{}, err
	}
	slog.Debug("secure messaging",
		"ins", fmt.Sprintf("0x%02X", cmd.Ins),
		"plain", cmd.String(),
		"apdu", strings.ToUpper(hex.EncodeToString(apdu)),
		"ssc", c.sm.SSC())

	raw, err := c.card.Transmit(apdu)
	if err != nil {
		return ResponseAPDU{}, transportFailure("secure send", errors.Wrapf(err, "INS 0x%02X", cmd.Ins))
	}
	resp, err := c.sm.Unprotect(raw)
	if err != nil {
		slog.Debug("secure messaging unwrap failed", "ins", fmt.Sprintf("0x%02X", cmd.Ins), "error", err)
		return ResponseAPDU{}, err
	}
	slog.Debug("secure messaging response",
		"ins", fmt.Sprintf("0x%02X", cmd.Ins),
		"data_len", len(resp.Data),
		"sw", fmt.Sprintf("%04X", resp.SW()),
		"status", resp.Status(),
		"ssc", c.sm.SSC())
	return resp, nil
}

// Exchange is Send that requires status 9000 and returns only the data.
func (c *SecureChannel) Exchange(ctx context.Context, cmd CommandAPDU) ([]byte, error) {
	resp, err := c.Send(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(cmd.Ins); err != nil {
		return nil, newError(KindChipStatusError, fmt.Sprintf("INS 0x%02X", cmd.Ins), err)
	}
	return resp.Data, nil
}
