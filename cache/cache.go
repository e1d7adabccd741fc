package cache

import "context"

// SegmentCache backs the client push channel (pub/sub fan-out to the
// websocket hub) and caches remote server keys for the trust-on-first-use
// directory.
type SegmentCache interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func(message []byte)) error

	SetServerKey(ctx context.Context, host string, publicKeyPEM string) error
	// GetServerKey returns "" on a cache miss.
	GetServerKey(ctx context.Context, host string) (string, error)
	InvalidateServerKey(ctx context.Context, host string) error
}
