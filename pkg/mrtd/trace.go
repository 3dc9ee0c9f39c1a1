package mrtd

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"
)

// TraceTransport logs every APDU exchanged with the wrapped transport at debug
// level. Secure messaging payloads appear as sent on the wire.
type TraceTransport struct {
	Transport
	Logger *slog.Logger
}

// NewTraceTransport wraps t. A nil logger means slog.Default().
func NewTraceTransport(t Transport, logger *slog.Logger) *TraceTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &TraceTransport{Transport: t, Logger: logger}
}

func (t *TraceTransport) Transmit(apdu []byte) ([]byte, error) {
	ctx := context.Background()
	t.Logger.DebugContext(ctx, "->", "apdu", hexUpper(apdu))
	start := time.Now()
	resp, err := t.Transport.Transmit(apdu)
	elapsed := time.Since(start)
	if err != nil {
		t.Logger.DebugContext(ctx, "<- transmit error", "error", err, "elapsed", elapsed)
		return nil, err
	}
	t.Logger.DebugContext(ctx, "<-", "rapdu", hexUpper(resp), "elapsed", elapsed)
	return resp, nil
}

func hexUpper(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
