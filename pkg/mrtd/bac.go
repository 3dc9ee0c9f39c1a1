package mrtd

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
)

const (
	insGetChallenge    = 0x84
	insExternalAuth    = 0x82
	challengeLength    = 8
	kIFDLength         = 16
	authPlainLength    = 32
	authResponseLength = 40
)

// BAC handshake steps, as reported in AuthError.Step.
const (
	StepDeriveKeys      = "derive keys"
	StepGetChallenge    = "get challenge"
	StepExternalAuth    = "external authenticate"
	StepVerifyResponse  = "verify response"
	StepSessionKeys     = "session keys"
	StepRandomGenerator = "random"
)

// AuthError represents a BAC failure at a specific step.
type AuthError struct {
	Step    string // one of the Step constants
	SW      uint16 // status word (if applicable)
	RespLen int    // response length (if applicable)
	Err     error  // underlying error
}

func (e *AuthError) Error() string {
	if e == nil {
		return "BAC error"
	}
	if e.Err != nil {
		return fmt.Sprintf("BAC %s failed: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("BAC %s failed (SW=%04X len=%d)", e.Step, e.SW, e.RespLen)
}

func (e *AuthError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ClassifyAuthError extracts details from an AuthError anywhere in err's chain.
func ClassifyAuthError(err error) (step string, sw uint16, respLen int, ok bool) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Step, authErr.SW, authErr.RespLen, true
	}
	return "", 0, 0, false
}

func bacError(kind Kind, ae *AuthError) error {
	if kind == KindUnknown {
		kind = KindOf(ae.Err)
	}
	return newError(kind, "BAC", ae)
}

// ComputeSSC builds the initial send sequence counter from the low four bytes
// of each challenge: rndICC[4:8] ‖ rndIFD[4:8], big-endian.
func ComputeSSC(rndICC, rndIFD []byte) uint64 {
	b := make([]byte, 0, 8)
	b = append(b, rndICC[4:8]...)
	b = append(b, rndIFD[4:8]...)
	return binary.BigEndian.Uint64(b)
}

// PerformBAC runs Basic Access Control and returns the secure messaging session
// it establishes. rnd supplies rndIFD and kIFD; nil means crypto/rand.
func PerformBAC(ctx context.Context, card Card, key BACKey, rnd io.Reader) (*SecureMessaging, error) {
	if rnd == nil {
		rnd = rand.Reader
	}

	seed, err := ComputeKeySeed(key)
	if err != nil {
		return nil, err
	}
	kEnc, kMac, err := SessionKeys(seed, DES, 128)
	if err != nil {
		return nil, bacError(KindCryptoFailure, &AuthError{Step: StepDeriveKeys, Err: err})
	}

	// Step 1: GET CHALLENGE
	resp, err := Exchange(ctx, card, CommandAPDU{Cla: 0x00, Ins: insGetChallenge, Le: challengeLength})
	if err != nil {
		return nil, bacError(KindUnknown, &AuthError{Step: StepGetChallenge, Err: err})
	}
	if !resp.IsSuccess() {
		return nil, bacError(KindChipStatusError, &AuthError{Step: StepGetChallenge, SW: resp.SW(), RespLen: len(resp.Data),
			Err: &SWError{Cmd: insGetChallenge, SW: resp.SW()}})
	}
	if len(resp.Data) != challengeLength {
		return nil, bacError(KindProtocolViolation, &AuthError{Step: StepGetChallenge, SW: resp.SW(), RespLen: len(resp.Data),
			Err: errors.Errorf("challenge must be %d bytes, got %d", challengeLength, len(resp.Data))})
	}
	rndICC := resp.Data

	// Step 2: EXTERNAL AUTHENTICATE with E(kEnc, rndIFD ‖ rndICC ‖ kIFD) ‖ MAC
	rndIFD := make([]byte, challengeLength)
	kIFD := make([]byte, kIFDLength)
	if _, err := io.ReadFull(rnd, rndIFD); err != nil {
		return nil, bacError(KindCryptoFailure, &AuthError{Step: StepRandomGenerator, Err: err})
	}
	if _, err := io.ReadFull(rnd, kIFD); err != nil {
		return nil, bacError(KindCryptoFailure, &AuthError{Step: StepRandomGenerator, Err: err})
	}

	s := make([]byte, 0, authPlainLength)
	s = append(s, rndIFD...)
	s = append(s, rndICC...)
	s = append(s, kIFD...)
	eIFD, err := cbcEncrypt(DES, kEnc, nil, s)
	if err != nil {
		return nil, bacError(KindCryptoFailure, &AuthError{Step: StepExternalAuth, Err: err})
	}
	mIFD, err := retailMAC(kMac, pad(eIFD, DES.BlockSize()))
	if err != nil {
		return nil, bacError(KindCryptoFailure, &AuthError{Step: StepExternalAuth, Err: err})
	}
	if len(mIFD) != macLength {
		return nil, bacError(KindProtocolViolation, &AuthError{Step: StepExternalAuth,
			Err: errors.Errorf("MAC must be %d bytes, got %d", macLength, len(mIFD))})
	}

	resp, err = Exchange(ctx, card, CommandAPDU{
		Cla:  0x00,
		Ins:  insExternalAuth,
		Data: append(eIFD, mIFD...),
		Le:   authResponseLength,
	})
	if err != nil {
		return nil, bacError(KindUnknown, &AuthError{Step: StepExternalAuth, Err: err})
	}
	if !resp.IsSuccess() {
		return nil, bacError(KindChipStatusError, &AuthError{Step: StepExternalAuth, SW: resp.SW(), RespLen: len(resp.Data),
			Err: &SWError{Cmd: insExternalAuth, SW: resp.SW()}})
	}
	if len(resp.Data) != authResponseLength {
		return nil, bacError(KindProtocolViolation, &AuthError{Step: StepExternalAuth, SW: resp.SW(), RespLen: len(resp.Data),
			Err: errors.Errorf("response must be %d bytes, got %d", authResponseLength, len(resp.Data))})
	}

	// Step 3: verify and decrypt the chip's answer
	eICC, mICC := resp.Data[:authPlainLength], resp.Data[authPlainLength:]
	expected, err := retailMAC(kMac, pad(eICC, DES.BlockSize()))
	if err != nil {
		return nil, bacError(KindCryptoFailure, &AuthError{Step: StepVerifyResponse, Err: err})
	}
	if subtle.ConstantTimeCompare(expected, mICC) != 1 {
		return nil, bacError(KindCryptoFailure, &AuthError{Step: StepVerifyResponse, Err: ErrMacVerificationFailed})
	}
	dec, err := cbcDecrypt(DES, kEnc, nil, eICC)
	if err != nil {
		return nil, bacError(KindCryptoFailure, &AuthError{Step: StepVerifyResponse, Err: err})
	}
	if !bytes.Equal(dec[0:8], rndICC) || !bytes.Equal(dec[8:16], rndIFD) {
		return nil, bacError(KindCryptoFailure, &AuthError{Step: StepVerifyResponse, Err: errors.New("challenge echo mismatch")})
	}
	kICC := dec[16:32]

	// Step 4: session keys from kIFD XOR kICC
	sessionSeed := make([]byte, kIFDLength)
	xorBlock(sessionSeed, kIFD, kICC)
	ksEnc, ksMac, err := SessionKeys(sessionSeed, DES, 128)
	if err != nil {
		return nil, bacError(KindCryptoFailure, &AuthError{Step: StepSessionKeys, Err: err})
	}
	ssc := ComputeSSC(rndICC, rndIFD)

	slog.Debug("BAC session established",
		"rndICC", strings.ToUpper(hex.EncodeToString(rndICC)),
		"rndIFD", strings.ToUpper(hex.EncodeToString(rndIFD)),
		"ssc", fmt.Sprintf("%016X", ssc))

	sm, err := NewSecureMessaging(DES, ksEnc, ksMac, ssc)
	if err != nil {
		return nil, bacError(KindCryptoFailure, &AuthError{Step: StepSessionKeys, Err: err})
	}
	return sm, nil
}
