package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var errFlowSuperseded = errors.New("superseded by a newer sign-in")

// LauncherFunc opens authURL for the user, typically in a browser.
type LauncherFunc func(ctx context.Context, authURL string) error

type LoopbackOptions struct {
	// RedirectURL is the public URL of the callback endpoint.
	RedirectURL string
	Timeout     time.Duration
	Launch      LauncherFunc
	Logger      *log.Logger
}

// LoopbackPrompter completes the consent flow through the host's own
// callback endpoint. Only one flow is awaited at a time.
type LoopbackPrompter struct {
	redirectURL string
	timeout     time.Duration
	launch      LauncherFunc
	logger      *log.Logger

	mu      sync.Mutex
	waiting chan string
}

func NewLoopbackPrompter(opts LoopbackOptions) *LoopbackPrompter {
	p := &LoopbackPrompter{
		redirectURL: strings.TrimRight(opts.RedirectURL, "?"),
		timeout:     opts.Timeout,
		launch:      opts.Launch,
		logger:      opts.Logger,
	}
	if p.timeout <= 0 {
		p.timeout = 5 * time.Minute
	}
	if p.logger == nil {
		p.logger = log.Default()
	}
	if p.launch == nil {
		p.launch = LogLauncher(p.logger)
	}
	return p
}

// LogLauncher prints the consent URL so the user can open it by hand.
func LogLauncher(logger *log.Logger) LauncherFunc {
	return func(_ context.Context, authURL string) error {
		logger.Info("open this URL to authorize Drive access", "url", authURL)
		return nil
	}
}

// CommandLauncher runs command with the consent URL appended as the last
// argument, e.g. "xdg-open" or "open".
func CommandLauncher(command string) LauncherFunc {
	fields := strings.Fields(command)
	return func(ctx context.Context, authURL string) error {
		if len(fields) == 0 {
			return errors.New("empty browser command")
		}
		args := append(append([]string(nil), fields[1:]...), authURL)
		cmd := exec.CommandContext(ctx, fields[0], args...)
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("launch browser: %w", err)
		}
		go func() { _ = cmd.Wait() }()
		return nil
	}
}

func (p *LoopbackPrompter) Authorize(ctx context.Context, authURL string) (string, error) {
	ch := make(chan string, 1)
	p.mu.Lock()
	if p.waiting != nil {
		close(p.waiting)
	}
	p.waiting = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.waiting == ch {
			p.waiting = nil
		}
		p.mu.Unlock()
	}()

	if err := p.launch(ctx, authURL); err != nil {
		return "", canceled(err)
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case redirect, ok := <-ch:
		if !ok {
			return "", canceled(errFlowSuperseded)
		}
		return redirect, nil
	case <-timer.C:
		return "", canceled(fmt.Errorf("no redirect within %s", p.timeout))
	case <-ctx.Done():
		return "", canceled(ctx.Err())
	}
}

// Pending reports whether a flow is waiting for its redirect.
func (p *LoopbackPrompter) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiting != nil
}

// ServeHTTP receives the provider redirect and hands it to the waiting flow.
func (p *LoopbackPrompter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	ch := p.waiting
	p.waiting = nil
	p.mu.Unlock()

	if ch == nil {
		http.Error(w, "No sign-in is in progress.", http.StatusGone)
		return
	}
	ch <- p.redirectURL + "?" + r.URL.RawQuery

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, "<!doctype html><title>Drive Logger</title><p>Sign-in received. You can close this tab.</p>")
}
