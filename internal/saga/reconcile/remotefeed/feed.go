// Package remotefeed implements the authoritative transaction feed over a
// websocket connection. Each fetch is a single request/response exchange;
// responses are schema-validated before any record enters the local log.
package remotefeed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/emberveil/sagalog/internal/platform/errors"
	"github.com/emberveil/sagalog/internal/saga/transaction"
)

// ErrFeedUnavailable wraps transport failures so callers can treat every
// connectivity problem uniformly.
var ErrFeedUnavailable = apperrors.New(apperrors.CodeSyncFeedUnavailable, "authoritative feed unavailable")

// Config holds client settings.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://authority.example/feed.
	URL string
	// HandshakeTimeout bounds the dial. Defaults to 5s.
	HandshakeTimeout time.Duration
	// ReadTimeout bounds waiting for the response. Defaults to 30s.
	ReadTimeout time.Duration
}

// Client fetches authoritative transaction streams over websocket.
type Client struct {
	cfg    Config
	logger *slog.Logger
}

// NewClient creates a feed client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("feed url is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger}, nil
}

// Fetch retrieves the authoritative committed stream for an instance. The
// connection is opened per call; reconciliation is infrequent enough that a
// persistent connection is not worth its failure modes.
func (c *Client) Fetch(ctx context.Context, instanceID string) ([]transaction.Transaction, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, http.Header{})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSyncFeedUnavailable, "dial authoritative feed", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	if err := conn.WriteJSON(fetchRequest{Type: "fetch", InstanceID: instanceID}); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSyncFeedUnavailable, "send fetch request", err)
	}

	deadline := time.Now().Add(c.cfg.ReadTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetReadDeadline(deadline)

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSyncFeedUnavailable, "read feed response", err)
	}

	envelope, err := decodeResponse(msg)
	if err != nil {
		return nil, err
	}
	if envelope.InstanceID != instanceID {
		return nil, fmt.Errorf("feed response for instance %q, requested %q", envelope.InstanceID, instanceID)
	}

	out := make([]transaction.Transaction, 0, len(envelope.Transactions))
	for _, wire := range envelope.Transactions {
		tx, err := wire.toDomain()
		if err != nil {
			return nil, err
		}
		if !tx.Type.IsKnown() {
			c.logger.Warn("feed delivered unknown transaction type",
				"transaction_id", tx.ID, "type", string(tx.Type))
		}
		out = append(out, tx)
	}
	return out, nil
}
