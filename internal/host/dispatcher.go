// Package host implements the privileged side of the channel: it owns the
// credentials and the remote store and answers observer requests.
package host

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/sypherin/chatgpt-drive-logger/internal/auth"
	"github.com/sypherin/chatgpt-drive-logger/internal/observability"
	"github.com/sypherin/chatgpt-drive-logger/internal/protocol"
	"github.com/sypherin/chatgpt-drive-logger/internal/remote"
	"github.com/sypherin/chatgpt-drive-logger/internal/state"
)

const clientIDSuffix = ".apps.googleusercontent.com"

// TokenSource yields a bearer token for the remote store.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Uploader is the remote upsert client.
type Uploader interface {
	EnsureContainer(ctx context.Context, token string) (string, error)
	Upsert(ctx context.Context, token, containerID, cachedID, name, content string) (string, error)
}

type Options struct {
	Tokens         TokenSource
	Remote         Uploader
	Credentials    *state.Credentials
	Bindings       *state.Bindings
	StrictClientID bool
	Logger         *log.Logger
	Metrics        *observability.Metrics
}

// Dispatcher answers channel requests. Saves for the same conversation are
// serialized so a conversation is never bound to two files.
type Dispatcher struct {
	tokens         TokenSource
	remote         Uploader
	creds          *state.Credentials
	bindings       *state.Bindings
	strictClientID bool
	logger         *log.Logger
	metrics        *observability.Metrics

	locksMu sync.Mutex
	locks   map[string]*conversationLock
}

type conversationLock struct {
	mu   sync.Mutex
	refs int
}

func NewDispatcher(opts Options) *Dispatcher {
	d := &Dispatcher{
		tokens:         opts.Tokens,
		remote:         opts.Remote,
		creds:          opts.Credentials,
		bindings:       opts.Bindings,
		strictClientID: opts.StrictClientID,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		locks:          make(map[string]*conversationLock),
	}
	if d.logger == nil {
		d.logger = log.Default()
	}
	return d
}

func (d *Dispatcher) Handle(ctx context.Context, req protocol.Request) protocol.Response {
	switch msg := req.(type) {
	case protocol.Ping:
		return protocol.OK(msg.ID())
	case protocol.SaveSnapshot:
		fileID, err := d.save(ctx, msg)
		if err != nil {
			d.logger.Warn("snapshot save failed", "conversation", msg.ConversationID, "err", err)
			return d.failure(msg.ID(), err)
		}
		resp := protocol.OK(msg.ID())
		resp.FileID = fileID
		return resp
	case protocol.ResetConvo:
		if err := d.bindings.Reset(ctx, msg.ConversationID); err != nil {
			return d.failure(msg.ID(), err)
		}
		d.logger.Info("conversation binding reset", "conversation", msg.ConversationID)
		return protocol.OK(msg.ID())
	case protocol.SetClientID:
		if err := d.setClientID(ctx, msg); err != nil {
			return d.failure(msg.ID(), err)
		}
		return protocol.OK(msg.ID())
	default:
		return protocol.Fail(req.ID(), protocol.CodeUnsupportedType, string(req.Kind()))
	}
}

func (d *Dispatcher) save(ctx context.Context, msg protocol.SaveSnapshot) (string, error) {
	unlock := d.lockConversation(msg.ConversationID)
	defer unlock()

	start := time.Now()
	cachedID, err := d.bindings.FileID(ctx, msg.ConversationID)
	if err != nil {
		return "", err
	}
	if cachedID != "" {
		// A resent save of content already uploaded is answered from the binding.
		last, err := d.bindings.Buffer(ctx, msg.ConversationID)
		if err != nil {
			return "", err
		}
		if last == msg.Content {
			d.logger.Debug("snapshot already saved", "conversation", msg.ConversationID, "file", cachedID)
			return cachedID, nil
		}
	}
	token, err := d.tokens.AccessToken(ctx)
	if err != nil {
		return "", err
	}
	containerID, err := d.remote.EnsureContainer(ctx, token)
	if err != nil {
		return "", d.observeRemote(err)
	}
	fileID, err := d.remote.Upsert(ctx, token, containerID, cachedID, msg.FileName, msg.Content)
	if err != nil {
		return "", d.observeRemote(err)
	}
	if err := d.bindings.Bind(ctx, msg.ConversationID, fileID, msg.Content); err != nil {
		return "", err
	}

	mode := "update"
	if cachedID == "" {
		mode = "create"
	}
	d.metrics.ObserveUpload(mode, time.Since(start))
	d.logger.Info("snapshot saved", "conversation", msg.ConversationID, "file", fileID, "mode", mode, "bytes", len(msg.Content))
	return fileID, nil
}

func (d *Dispatcher) setClientID(ctx context.Context, msg protocol.SetClientID) error {
	clientID := strings.TrimSpace(msg.ClientID)
	if clientID == "" {
		return &auth.ConfigError{Message: "Client ID is required."}
	}
	if d.strictClientID && !strings.HasSuffix(clientID, clientIDSuffix) {
		return &auth.ConfigError{Message: "That doesn't look like a Google OAuth Client ID (expected *" + clientIDSuffix + ")."}
	}
	if err := d.creds.SaveIdentity(ctx, clientID, msg.ClientSecret); err != nil {
		return err
	}
	d.logger.Info("client id saved", "secret", strings.TrimSpace(msg.ClientSecret) != "")
	return nil
}

func (d *Dispatcher) failure(id protocol.RequestID, err error) protocol.Response {
	var (
		cfgErr    *auth.ConfigError
		authErr   *auth.AuthError
		remoteErr *remote.Error
	)
	switch {
	case errors.As(err, &cfgErr):
		return protocol.Fail(id, protocol.CodeConfigError, cfgErr.Message)
	case errors.As(err, &authErr):
		return protocol.Fail(id, protocol.CodeAuthError, map[string]any{
			"reason":  authErr.Reason,
			"message": authErr.Error(),
		})
	case errors.As(err, &remoteErr):
		return protocol.Fail(id, remoteErr.Error(), remoteErr.Details)
	default:
		return protocol.Fail(id, protocol.CodeInternalError, err.Error())
	}
}

func (d *Dispatcher) observeRemote(err error) error {
	var remoteErr *remote.Error
	if errors.As(err, &remoteErr) {
		d.metrics.ObserveRemoteError(remoteErr.Status)
	}
	return err
}

func (d *Dispatcher) lockConversation(conversationID string) func() {
	d.locksMu.Lock()
	l, ok := d.locks[conversationID]
	if !ok {
		l = &conversationLock{}
		d.locks[conversationID] = l
	}
	l.refs++
	d.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		d.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.locks, conversationID)
		}
		d.locksMu.Unlock()
	}
}
