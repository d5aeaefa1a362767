// Package auth owns the OAuth credential lifecycle: cached access tokens,
// silent refresh, and the interactive PKCE authorization-code flow.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/sypherin/chatgpt-drive-logger/internal/observability"
	"github.com/sypherin/chatgpt-drive-logger/internal/remote"
	"github.com/sypherin/chatgpt-drive-logger/internal/state"
)

const (
	// ExpirySkew is subtracted from the issued lifetime before the expiry is stored.
	ExpirySkew = 60 * time.Second
	// DefaultTokenLifetime applies when the token endpoint omits expires_in.
	DefaultTokenLifetime = time.Hour
)

var Scopes = []string{
	"https://www.googleapis.com/auth/drive.file",
	"https://www.googleapis.com/auth/drive.appdata",
}

// Prompter shows the consent page to the user and returns the URL the
// provider redirected to. A user who closes the flow yields an error.
type Prompter interface {
	Authorize(ctx context.Context, authURL string) (redirectURL string, err error)
}

type PrompterFunc func(ctx context.Context, authURL string) (string, error)

func (f PrompterFunc) Authorize(ctx context.Context, authURL string) (string, error) {
	return f(ctx, authURL)
}

type Options struct {
	Credentials *state.Credentials
	Prompter    Prompter
	AuthURL     string
	TokenURL    string
	RedirectURL string
	HTTPClient  *http.Client
	Now         func() time.Time
	Logger      *log.Logger
	Metrics     *observability.Metrics
}

// Manager hands out access tokens. Concurrent callers share one in-flight
// acquisition.
type Manager struct {
	creds       *state.Credentials
	prompter    Prompter
	authURL     string
	tokenURL    string
	redirectURL string
	httpClient  *http.Client
	now         func() time.Time
	logger      *log.Logger
	metrics     *observability.Metrics

	group singleflight.Group
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		creds:       opts.Credentials,
		prompter:    opts.Prompter,
		authURL:     opts.AuthURL,
		tokenURL:    opts.TokenURL,
		redirectURL: opts.RedirectURL,
		httpClient:  opts.HTTPClient,
		now:         opts.Now,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
	if m.httpClient == nil {
		m.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = log.Default()
	}
	return m
}

// AccessToken returns a usable bearer token, in order of preference: the
// stored unexpired token, a refreshed token, or a token from the interactive
// flow. Failures leave the stored credentials untouched.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	v, err, _ := m.group.Do("access-token", func() (any, error) {
		return m.acquire(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) acquire(ctx context.Context) (string, error) {
	rec, err := m.creds.Load(ctx)
	if err != nil {
		return "", err
	}
	if rec.Valid(m.now().Unix()) {
		m.metrics.ObserveTokenAcquisition("cached")
		return rec.AccessToken, nil
	}

	if rec.RefreshToken != "" && rec.ClientID != "" {
		token, err := m.refresh(ctx, rec)
		if err == nil {
			m.metrics.ObserveTokenAcquisition("refresh")
			return token, nil
		}
		m.logger.Warn("token refresh failed, falling back to interactive sign-in", "err", err)
	}

	if rec.ClientID == "" {
		return "", &ConfigError{Message: "Missing Client ID. Set it with `drivelogger-ctl set-client-id` before signing in."}
	}
	token, err := m.interactive(ctx, rec)
	if err != nil {
		return "", err
	}
	m.metrics.ObserveTokenAcquisition("interactive")
	return token, nil
}

func (m *Manager) oauthConfig(rec state.Record) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     rec.ClientID,
		ClientSecret: rec.ClientSecret,
		RedirectURL:  m.redirectURL,
		Scopes:       Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   m.authURL,
			TokenURL:  m.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

func (m *Manager) refresh(ctx context.Context, rec state.Record) (string, error) {
	src := m.oauthConfig(rec).TokenSource(m.clientContext(ctx), &oauth2.Token{RefreshToken: rec.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return "", m.tokenError("refresh", err)
	}
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = rec.RefreshToken
	}
	if err := m.creds.SaveTokens(ctx, tok.AccessToken, refresh, m.expiry(tok)); err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func (m *Manager) interactive(ctx context.Context, rec state.Record) (string, error) {
	if m.prompter == nil {
		return "", canceled(errors.New("no interactive prompter configured"))
	}
	cfg := m.oauthConfig(rec)
	verifier := oauth2.GenerateVerifier()
	stateToken, err := randomState()
	if err != nil {
		return "", err
	}
	authURL := cfg.AuthCodeURL(stateToken,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
		oauth2.S256ChallengeOption(verifier),
	)

	m.logger.Info("interactive sign-in required")
	redirect, err := m.prompter.Authorize(ctx, authURL)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return "", authErr
		}
		return "", canceled(err)
	}
	u, err := url.Parse(redirect)
	if err != nil || redirect == "" {
		return "", canceled(fmt.Errorf("unusable redirect %q", redirect))
	}
	q := u.Query()
	if q.Get("state") != stateToken {
		return "", &AuthError{Reason: ReasonStateMismatch}
	}
	code := q.Get("code")
	if code == "" {
		var cause error
		if reason := q.Get("error"); reason != "" {
			cause = errors.New(reason)
		}
		return "", &AuthError{Reason: ReasonNoCode, Cause: cause}
	}

	tok, err := cfg.Exchange(m.clientContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return "", m.tokenError("exchange", err)
	}
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = rec.RefreshToken
	}
	if err := m.creds.SaveTokens(ctx, tok.AccessToken, refresh, m.expiry(tok)); err != nil {
		return "", err
	}
	m.logger.Info("interactive sign-in complete")
	return tok.AccessToken, nil
}

// expiry returns the skewed epoch-second expiry for a freshly issued token.
func (m *Manager) expiry(tok *oauth2.Token) int64 {
	lifetime := DefaultTokenLifetime
	if tok.ExpiresIn > 0 {
		lifetime = time.Duration(tok.ExpiresIn) * time.Second
	} else if v, ok := tok.Extra("expires_in").(float64); ok && v > 0 {
		lifetime = time.Duration(v) * time.Second
	}
	return m.now().Add(lifetime - ExpirySkew).Unix()
}

func (m *Manager) tokenError(op string, err error) error {
	mapped := remote.FromError(err)
	var remoteErr *remote.Error
	if errors.As(mapped, &remoteErr) {
		m.metrics.ObserveRemoteError(remoteErr.Status)
		return remoteErr
	}
	return fmt.Errorf("token %s: %w", op, err)
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
