package mrtd

import (
	"fmt"

	"github.com/ebfe/scard"
	"go.uber.org/multierr"
)

// Connection wraps a PC/SC card connection.
type Connection struct {
	ctx       *scard.Context
	Card      *scard.Card
	Reader    string
	ReaderIdx int
}

// ListReaders returns the names of the PC/SC readers currently attached.
func ListReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("EstablishContext failed: %w", err)
	}
	defer ctx.Release()
	return ctx.ListReaders()
}

// Connect establishes a connection to the card on the reader at readerIndex (0-based).
func Connect(readerIndex int) (*Connection, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("EstablishContext failed: %w", err)
	}

	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		ctx.Release()
		return nil, fmt.Errorf("no readers found: %v", err)
	}
	if readerIndex < 0 || readerIndex >= len(readers) {
		ctx.Release()
		return nil, fmt.Errorf("reader index out of range (0..%d)", len(readers)-1)
	}

	reader := readers[readerIndex]
	card, err := ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return nil, fmt.Errorf("connect failed: %w", err)
	}

	return &Connection{
		ctx:       ctx,
		Card:      card,
		Reader:    reader,
		ReaderIdx: readerIndex,
	}, nil
}

// Close disconnects the card and releases the PC/SC context. Both steps run
// even if the first one fails.
func (c *Connection) Close() error {
	if c == nil {
		return nil
	}
	var err error
	if c.Card != nil {
		err = multierr.Append(err, c.Card.Disconnect(scard.LeaveCard))
	}
	if c.ctx != nil {
		err = multierr.Append(err, c.ctx.Release())
	}
	return err
}

// Transmit sends an APDU to the card (implements Card interface).
func (c *Connection) Transmit(apdu []byte) ([]byte, error) {
	if c == nil || c.Card == nil {
		return nil, fmt.Errorf("connection not established")
	}
	return c.Card.Transmit(apdu)
}

// PCSCTransport is a Transport over a PC/SC reader. Connect is deferred until
// the read flow asks for it, so a missing card is reported as a flow failure.
type PCSCTransport struct {
	ReaderIndex int

	conn *Connection
}

// Reader returns the connected reader name, or "" before Connect.
func (t *PCSCTransport) Reader() string {
	if t.conn == nil {
		return ""
	}
	return t.conn.Reader
}

func (t *PCSCTransport) Connect() error {
	if t.conn != nil {
		return nil
	}
	conn, err := Connect(t.ReaderIndex)
	if err != nil {
		return transportFailure("connect", err)
	}
	t.conn = conn
	return nil
}

func (t *PCSCTransport) Transmit(apdu []byte) ([]byte, error) {
	if t.conn == nil {
		return nil, fmt.Errorf("connection not established")
	}
	return t.conn.Transmit(apdu)
}

func (t *PCSCTransport) Close() error {
	conn := t.conn
	t.conn = nil
	if err := conn.Close(); err != nil {
		return transportFailure("close", err)
	}
	return nil
}
