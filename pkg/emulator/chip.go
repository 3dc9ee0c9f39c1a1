// Package emulator implements a virtual eMRTD chip that answers BAC, secure
// messaging file reads and chip authentication exactly as a contactless
// passport would. It satisfies mrtd.Transport, so the reader runs against it
// unchanged.
package emulator

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/moov-io/bertlv"
	"github.com/pkg/errors"

	"github.com/barnettlynn/mrtdtools/pkg/mrtd"
)

const (
	insSelect       = 0xA4
	insGetChallenge = 0x84
	insExternalAuth = 0x82
	insReadBinary   = 0xB0
	insReadBinOdd   = 0xB1
	insMSE          = 0x22
	insGetData      = 0xCA

	swWrongData       = 0x6A80
	swNoCurrentEF     = 0x6986
	swWrongOffset     = 0x6B00
	swINSNotSupported = 0x6D00
	swNoPrecise       = 0x6F00
)

// Chip is an in-memory eMRTD. Its methods are safe for concurrent use, but
// like a real chip it serves one reader session at a time.
type Chip struct {
	mu sync.Mutex

	key    mrtd.BACKey
	files  map[mrtd.DataGroup][]byte
	caKey  *ecdh.PrivateKey
	rand   io.Reader
	failOn map[byte]uint16
	uid    []byte

	rndICC      []byte
	sm          *mrtd.SecureMessaging
	pending     *mrtd.SecureMessaging
	appSelected bool
	selected    mrtd.DataGroup
	connected   bool
	closed      bool

	commands []mrtd.CommandAPDU
	sscTrace []uint64
}

// New creates a chip holding files and accepting key. A nil caKey makes the
// chip refuse chip authentication.
func New(key mrtd.BACKey, files map[mrtd.DataGroup][]byte, caKey *ecdh.PrivateKey) *Chip {
	return &Chip{
		key:    key,
		files:  files,
		caKey:  caKey,
		rand:   rand.Reader,
		failOn: map[byte]uint16{},
		uid:    []byte{0x08, 0x3A, 0x51, 0xC2},
	}
}

// SetRand replaces the source of challenges and key shares.
func (c *Chip) SetRand(r io.Reader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rand = r
}

// FailOn makes the chip answer every command with the given INS with sw.
func (c *Chip) FailOn(ins byte, sw uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failOn[ins] = sw
}

// Connect implements mrtd.Transport.
func (c *Chip) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("emulator: chip already closed")
	}
	c.connected = true
	return nil
}

// Close implements mrtd.Transport. The session is lost.
func (c *Chip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.connected = false
	c.sm, c.pending = nil, nil
	return nil
}

// Closed reports whether Close has been called.
func (c *Chip) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Commands returns the plain view of every command received so far.
func (c *Chip) Commands() []mrtd.CommandAPDU {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]mrtd.CommandAPDU(nil), c.commands...)
}

// SSCTrace returns the chip's send sequence counter after each protected
// response, across sessions.
func (c *Chip) SSCTrace() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.sscTrace...)
}

// Transmit implements mrtd.Card.
func (c *Chip) Transmit(apdu []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, errors.New("emulator: card not connected")
	}
	cmd, err := mrtd.ParseCommand(apdu)
	if err != nil {
		return nil, err
	}
	if cmd.Cla == 0xFF && cmd.Ins == insGetData {
		// reader pseudo-APDU, answered by the reader rather than the chip
		return append(append([]byte(nil), c.uid...), sw(mrtd.SWSuccess)...), nil
	}
	if cmd.Cla&0x0C == 0x0C {
		return c.transmitSecure(cmd)
	}

	slog.Debug("emulator command", "ins", fmt.Sprintf("0x%02X", cmd.Ins), "secure", false)
	c.commands = append(c.commands, cmd)
	if s, ok := c.failOn[cmd.Ins]; ok {
		return sw(s), nil
	}
	switch cmd.Ins {
	case insSelect:
		if cmd.P1 == 0x04 && bytes.Equal(cmd.Data, mrtd.PassportAID) {
			c.appSelected = true
			c.sm = nil
			return sw(mrtd.SWSuccess), nil
		}
		return sw(mrtd.SWFileNotFound), nil
	case insGetChallenge:
		c.rndICC = make([]byte, 8)
		if _, err := io.ReadFull(c.rand, c.rndICC); err != nil {
			return nil, err
		}
		return append(append([]byte(nil), c.rndICC...), sw(mrtd.SWSuccess)...), nil
	case insExternalAuth:
		return c.externalAuth(cmd.Data)
	}
	// a plain command ends any running session
	c.sm, c.pending = nil, nil
	return sw(mrtd.SWSMObjectsMissing), nil
}

func (c *Chip) externalAuth(data []byte) ([]byte, error) {
	if !c.appSelected || c.rndICC == nil {
		return sw(mrtd.SWSecurityNotSatisfied), nil
	}
	kICC := make([]byte, 16)
	if _, err := io.ReadFull(c.rand, kICC); err != nil {
		return nil, err
	}
	resp, sm, err := mrtd.RespondBAC(c.key, c.rndICC, kICC, data)
	c.rndICC = nil
	if err != nil {
		slog.Debug("emulator rejected BAC", "error", err)
		return sw(mrtd.SWSecurityNotSatisfied), nil
	}
	c.sm = sm
	return append(resp, sw(mrtd.SWSuccess)...), nil
}

func (c *Chip) transmitSecure(cmd mrtd.CommandAPDU) ([]byte, error) {
	if c.sm == nil {
		return sw(mrtd.SWSMObjectsMissing), nil
	}
	plain, err := c.sm.UnwrapCommand(cmd)
	if err != nil {
		slog.Debug("emulator dropped session", "error", err)
		c.sm, c.pending = nil, nil
		return sw(mrtd.SWSMObjectsIncorrect), nil
	}
	slog.Debug("emulator command", "ins", fmt.Sprintf("0x%02X", plain.Ins), "secure", true)
	c.commands = append(c.commands, plain)

	var data []byte
	status, forced := c.failOn[plain.Ins]
	if !forced {
		data, status = c.handle(plain)
	}
	resp, err := c.sm.WrapResponse(data, status)
	if err != nil {
		return nil, err
	}
	c.sscTrace = append(c.sscTrace, c.sm.SSC())
	if c.pending != nil {
		// chip authentication keys apply from the next command on
		c.sm, c.pending = c.pending, nil
	}
	return resp, nil
}

func (c *Chip) handle(cmd mrtd.CommandAPDU) ([]byte, uint16) {
	switch cmd.Ins {
	case insSelect:
		if cmd.P1 != 0x02 || len(cmd.Data) != 2 {
			return nil, mrtd.SWWrongP1P2
		}
		fid := mrtd.DataGroup(uint16(cmd.Data[0])<<8 | uint16(cmd.Data[1]))
		if _, ok := c.files[fid]; !ok {
			return nil, mrtd.SWFileNotFound
		}
		c.selected = fid
		return nil, mrtd.SWSuccess
	case insReadBinary:
		if cmd.P1&0x80 != 0 {
			return nil, mrtd.SWWrongP1P2
		}
		return c.read(int(cmd.P1)<<8|int(cmd.P2), cmd.Le)
	case insReadBinOdd:
		objs, err := bertlv.Decode(cmd.Data)
		if err != nil || len(objs) != 1 || objs[0].Tag != "54" {
			return nil, mrtd.SWWrongP1P2
		}
		off := 0
		for _, b := range objs[0].Value {
			off = off<<8 | int(b)
		}
		data, status := c.read(off, cmd.Le)
		if status != mrtd.SWSuccess {
			return nil, status
		}
		wrapped, err := bertlv.Encode([]bertlv.TLV{bertlv.NewTag("53", data)})
		if err != nil {
			return nil, swNoPrecise
		}
		return wrapped, mrtd.SWSuccess
	case insMSE:
		return c.setKAT(cmd)
	}
	return nil, swINSNotSupported
}

func (c *Chip) read(off, le int) ([]byte, uint16) {
	f, ok := c.files[c.selected]
	if !ok {
		return nil, swNoCurrentEF
	}
	if off >= len(f) {
		return nil, swWrongOffset
	}
	end := off + le
	if end > len(f) {
		end = len(f)
	}
	return f[off:end], mrtd.SWSuccess
}

// setKAT handles MSE:SET KAT. The new session is installed after the answer
// has been protected with the old one.
func (c *Chip) setKAT(cmd mrtd.CommandAPDU) ([]byte, uint16) {
	if cmd.P1 != 0x41 || cmd.P2 != 0xA6 || c.caKey == nil {
		return nil, mrtd.SWWrongP1P2
	}
	objs, err := bertlv.Decode(cmd.Data)
	if err != nil {
		return nil, swWrongData
	}
	var keyData []byte
	for _, o := range objs {
		if o.Tag == "91" {
			keyData = o.Value
		}
	}
	eph, err := c.caKey.Curve().NewPublicKey(keyData)
	if err != nil {
		return nil, swWrongData
	}
	secret, err := c.caKey.ECDH(eph)
	if err != nil {
		return nil, swWrongData
	}
	ksEnc, ksMac, err := mrtd.SessionKeys(secret, mrtd.DES, 128)
	if err != nil {
		return nil, swNoPrecise
	}
	if c.pending, err = mrtd.NewSecureMessaging(mrtd.DES, ksEnc, ksMac, 0); err != nil {
		return nil, swNoPrecise
	}
	return nil, mrtd.SWSuccess
}

func sw(s uint16) []byte {
	return []byte{byte(s >> 8), byte(s)}
}
