package mrtd

import (
	"context"

	"github.com/pkg/errors"
)

// Card abstracts card transmit behavior for real PC/SC cards and test doubles.
// Transmit must return the complete response including the status word.
type Card interface {
	Transmit(apdu []byte) ([]byte, error)
}

// Transport is a Card with a connection lifecycle. It is single-owner:
// one command in flight, no pipelining.
type Transport interface {
	Card
	Connect() error
	Close() error
}

// Transmit sends an APDU to the card and extracts the status word.
// Returns (response_data, status_word, error).
// The response data does NOT include the trailing SW bytes.
func Transmit(card Card, apdu []byte) ([]byte, uint16, error) {
	resp, err := card.Transmit(apdu)
	if err != nil {
		return nil, 0, transportFailure("transmit", err)
	}
	if len(resp) < 2 {
		return nil, 0, protocolViolation("transmit", "short response: %d bytes", len(resp))
	}
	sw := uint16(resp[len(resp)-2])<<8 | uint16(resp[len(resp)-1])
	return resp[:len(resp)-2], sw, nil
}

// Exchange encodes cmd, sends it in plain and parses the response.
// A non-success status word is not an error here; callers decide.
func Exchange(ctx context.Context, card Card, cmd CommandAPDU) (ResponseAPDU, error) {
	if err := ctx.Err(); err != nil {
		return ResponseAPDU{}, transportFailure("exchange", err)
	}
	raw, err := cmd.Encode()
	if err != nil {
		return ResponseAPDU{}, err
	}
	resp, err := card.Transmit(raw)
	if err != nil {
		return ResponseAPDU{}, transportFailure("exchange", errors.Wrapf(err, "INS 0x%02X", cmd.Ins))
	}
	return ParseResponse(resp)
}

// GetUID retrieves the contactless UID through the PC/SC GET DATA pseudo-APDU (FF CA 00 00).
// ePassports usually return a random UID per session.
func GetUID(card Card) ([]byte, error) {
	for _, le := range []byte{0x00, 0x04} {
		apdu := []byte{0xFF, 0xCA, 0x00, 0x00, le}
		data, sw, err := Transmit(card, apdu)
		if err == nil && IsSuccess(sw) && len(data) > 0 {
			return data, nil
		}
	}
	return nil, errors.New("UID not available via GET DATA")
}
