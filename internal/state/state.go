// Package state exposes typed views over the host's key-value store: the
// credential record and the per-conversation bindings.
package state

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sypherin/chatgpt-drive-logger/internal/kvstore"
)

const (
	KeyClientID     = "clientId"
	KeyClientSecret = "clientSecret"
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyTokenExpiry  = "tokenExpiry"

	fileIDPrefix = "fileId:"
	bufferPrefix = "buffer:"
)

// FileIDKey returns the binding key for a conversation.
func FileIDKey(conversationID string) string { return fileIDPrefix + conversationID }

// BufferKey returns the key holding the last uploaded content of a conversation.
func BufferKey(conversationID string) string { return bufferPrefix + conversationID }

// Record is the persisted credential record. TokenExpiry is in epoch seconds
// and already skewed ahead of the real expiry.
type Record struct {
	ClientID     string
	ClientSecret string
	AccessToken  string
	RefreshToken string
	TokenExpiry  int64
}

// Valid reports whether the stored access token may be used at now (epoch seconds).
func (r Record) Valid(now int64) bool {
	return r.AccessToken != "" && r.TokenExpiry > 0 && now < r.TokenExpiry
}

// Credentials reads and writes the credential record.
type Credentials struct {
	store kvstore.Store
}

func NewCredentials(store kvstore.Store) *Credentials {
	return &Credentials{store: store}
}

// Load reads every credential field in a single store round trip.
func (c *Credentials) Load(ctx context.Context) (Record, error) {
	values, err := c.store.Get(ctx, KeyClientID, KeyClientSecret, KeyAccessToken, KeyRefreshToken, KeyTokenExpiry)
	if err != nil {
		return Record{}, fmt.Errorf("load credentials: %w", err)
	}
	rec := Record{
		ClientID:     strings.TrimSpace(values[KeyClientID]),
		ClientSecret: strings.TrimSpace(values[KeyClientSecret]),
		AccessToken:  values[KeyAccessToken],
		RefreshToken: values[KeyRefreshToken],
	}
	if raw := strings.TrimSpace(values[KeyTokenExpiry]); raw != "" {
		expiry, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("parse %s: %w", KeyTokenExpiry, err)
		}
		rec.TokenExpiry = expiry
	}
	return rec, nil
}

// SaveTokens persists a freshly issued token. An empty refresh token leaves
// the stored one untouched.
func (c *Credentials) SaveTokens(ctx context.Context, accessToken, refreshToken string, expiry int64) error {
	values := map[string]string{
		KeyAccessToken: accessToken,
		KeyTokenExpiry: strconv.FormatInt(expiry, 10),
	}
	if refreshToken != "" {
		values[KeyRefreshToken] = refreshToken
	}
	if err := c.store.Set(ctx, values); err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}
	return nil
}

// SaveIdentity stores the client registration. An empty secret clears it.
func (c *Credentials) SaveIdentity(ctx context.Context, clientID, clientSecret string) error {
	err := c.store.Set(ctx, map[string]string{
		KeyClientID:     strings.TrimSpace(clientID),
		KeyClientSecret: strings.TrimSpace(clientSecret),
	})
	if err != nil {
		return fmt.Errorf("save client identity: %w", err)
	}
	return nil
}

// Bindings maps conversation ids to remote file ids.
type Bindings struct {
	store kvstore.Store
}

func NewBindings(store kvstore.Store) *Bindings {
	return &Bindings{store: store}
}

// FileID returns the bound remote id, or "" when the conversation is unbound.
func (b *Bindings) FileID(ctx context.Context, conversationID string) (string, error) {
	key := FileIDKey(conversationID)
	values, err := b.store.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("load binding %s: %w", conversationID, err)
	}
	return values[key], nil
}

// Bind records the remote id for a conversation along with the content that
// was uploaded to it.
func (b *Bindings) Bind(ctx context.Context, conversationID, fileID, content string) error {
	err := b.store.Set(ctx, map[string]string{
		FileIDKey(conversationID): fileID,
		BufferKey(conversationID): content,
	})
	if err != nil {
		return fmt.Errorf("save binding %s: %w", conversationID, err)
	}
	return nil
}

// Buffer returns the last uploaded content for a conversation.
func (b *Bindings) Buffer(ctx context.Context, conversationID string) (string, error) {
	key := BufferKey(conversationID)
	values, err := b.store.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("load buffer %s: %w", conversationID, err)
	}
	return values[key], nil
}

// Reset forgets the binding and buffer so the next save creates a new file.
func (b *Bindings) Reset(ctx context.Context, conversationID string) error {
	if err := b.store.Remove(ctx, FileIDKey(conversationID), BufferKey(conversationID)); err != nil {
		return fmt.Errorf("reset binding %s: %w", conversationID, err)
	}
	return nil
}
