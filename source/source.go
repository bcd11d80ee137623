// Package source defines where trading messages come from.
//
// A Source is polled, never pushed to: callers ask for messages newer than an
// id they remember and the source answers with whatever it has.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Common source errors
var (
	ErrSourceNotFound     = errors.New("message source not found")
	ErrInvalidCredentials = errors.New("invalid source credentials")
	ErrDisconnected       = errors.New("source disconnected")
)

// Message is one post in a monitored channel. IDs increase within a channel.
type Message struct {
	ID        int64     `json:"id"`
	ChannelID string    `json:"channel_id"`
	Text      string    `json:"text"`
	Time      time.Time `json:"time"`
}

// Credentials are the kind-specific settings needed to connect, e.g. bot_token
// for telegram or host/username/password for mail.
type Credentials map[string]string

// Connection is an open session with a source.
type Connection interface {
	Key() string
	Close() error
}

// Source fetches channel messages.
type Source interface {
	// Kind returns the registry name of the source
	Kind() string

	// Connect opens a session; it fails fast on bad credentials
	Connect(ctx context.Context, creds Credentials) (Connection, error)

	// FetchNewMessages returns messages of channelID with ID > afterID in increasing id order.
	// Errors that need a reconnect wrap ErrDisconnected.
	FetchNewMessages(ctx context.Context, conn Connection, channelID string, afterID int64) ([]Message, error)
}

// Factory creates a source.
type Factory func() Source

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register registers a source factory under kind
func Register(kind string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = factory
}

// Create creates a new source by kind
func Create(kind string) (Source, error) {
	registryMu.RLock()
	factory, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSourceNotFound, kind)
	}
	return factory(), nil
}

// Kinds returns the registered source kinds, sorted
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for kind := range registry {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// ConnectionKey names the connection a set of credentials opens. Accounts with the
// same kind and credentials share one connection and one poller. Secrets are hashed
// so the key can be logged and stored.
func ConnectionKey(kind string, creds Credentials) string {
	keys := make([]string, 0, len(creds))
	for k := range creds {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, creds[k])
	}
	return kind + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Required returns ErrInvalidCredentials naming every missing field.
func Required(creds Credentials, fields ...string) error {
	var missing []string
	for _, f := range fields {
		if strings.TrimSpace(creds[f]) == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidCredentials, strings.Join(missing, ", "))
	}
	return nil
}
