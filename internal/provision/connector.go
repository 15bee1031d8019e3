package provision

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Channel is the logical connection to a running agent.
type Channel interface {
	Close() error
	// OnClose registers f to be called once the channel closes. If it has already closed, f is
	// called right away.
	OnClose(f func(err error))
}

// Connector establishes the logical connection with a freshly started agent.
type Connector interface {
	// Connect blocks until the named agent connects with the given secret or ctx is done.
	Connect(ctx context.Context, name, secret string) (Channel, error)
}

// Secret is the per-agent secret an agent presents when connecting back.
func Secret(key, name string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(name))
	return hex.EncodeToString(mac.Sum(nil))
}
