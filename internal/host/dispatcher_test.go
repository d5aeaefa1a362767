package host

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/sypherin/chatgpt-drive-logger/internal/auth"
	"github.com/sypherin/chatgpt-drive-logger/internal/kvstore"
	"github.com/sypherin/chatgpt-drive-logger/internal/protocol"
	"github.com/sypherin/chatgpt-drive-logger/internal/remote"
	"github.com/sypherin/chatgpt-drive-logger/internal/state"
)

type staticTokens struct {
	token string
	err   error
	calls int
	mu    sync.Mutex
}

func (s *staticTokens) AccessToken(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.token, s.err
}

type fakeRemote struct {
	mu       sync.Mutex
	files    map[string]string
	names    map[string]string
	creates  int
	updates  int
	nextID   int
	err      error
	tokens   []string
	upsertAt time.Duration
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{files: map[string]string{}, names: map[string]string{}}
}

func (f *fakeRemote) EnsureContainer(_ context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	return "F1", nil
}

func (f *fakeRemote) Upsert(_ context.Context, token, containerID, cachedID, name, content string) (string, error) {
	time.Sleep(f.upsertAt)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if containerID != "F1" {
		return "", fmt.Errorf("unexpected container %q", containerID)
	}
	id := cachedID
	if id == "" {
		f.nextID++
		f.creates++
		id = fmt.Sprintf("R%d", f.nextID)
	} else {
		f.updates++
	}
	f.files[id] = content
	f.names[id] = name
	return id, nil
}

type fixture struct {
	store    *kvstore.InMemoryStore
	bindings *state.Bindings
	creds    *state.Credentials
	tokens   *staticTokens
	remote   *fakeRemote
	d        *Dispatcher
}

func newFixture(strict bool) *fixture {
	store := kvstore.NewInMemoryStore()
	f := &fixture{
		store:    store,
		bindings: state.NewBindings(store),
		creds:    state.NewCredentials(store),
		tokens:   &staticTokens{token: "tok"},
		remote:   newFakeRemote(),
	}
	f.d = NewDispatcher(Options{
		Tokens:         f.tokens,
		Remote:         f.remote,
		Credentials:    f.creds,
		Bindings:       f.bindings,
		StrictClientID: strict,
		Logger:         log.New(io.Discard),
	})
	return f
}

func save(conv, content string) protocol.SaveSnapshot {
	return protocol.SaveSnapshot{
		Envelope:       protocol.Envelope{Type: protocol.TypeSaveSnapshot, RequestID: "1"},
		ConversationID: conv,
		FileName:       "ChatGPT — " + conv + ".md",
		Content:        content,
	}
}

func TestSaveCreatesThenUpdatesSameFile(t *testing.T) {
	f := newFixture(false)
	ctx := context.Background()

	first := f.d.Handle(ctx, save("abc123", "# v1\n"))
	if !first.OK || first.FileID != "R1" {
		t.Fatalf("first save = %+v, want ok R1", first)
	}
	second := f.d.Handle(ctx, save("abc123", "# v2\n"))
	if !second.OK || second.FileID != "R1" {
		t.Fatalf("second save = %+v, want ok R1", second)
	}
	if f.remote.creates != 1 || f.remote.updates != 1 {
		t.Fatalf("creates/updates = %d/%d, want 1/1", f.remote.creates, f.remote.updates)
	}
	if got := f.remote.files["R1"]; got != "# v2\n" {
		t.Fatalf("remote content = %q", got)
	}

	fileID, _ := f.bindings.FileID(ctx, "abc123")
	buffer, _ := f.bindings.Buffer(ctx, "abc123")
	if fileID != "R1" || buffer != "# v2\n" {
		t.Fatalf("binding = %q/%q", fileID, buffer)
	}
	if f.remote.tokens[0] != "tok" {
		t.Fatalf("token passed to remote = %q", f.remote.tokens[0])
	}
}

func TestResentSaveIsAnsweredFromBinding(t *testing.T) {
	f := newFixture(false)
	ctx := context.Background()

	if resp := f.d.Handle(ctx, save("abc123", "# v1\n")); !resp.OK || resp.FileID != "R1" {
		t.Fatalf("first save = %+v, want ok R1", resp)
	}
	again := f.d.Handle(ctx, save("abc123", "# v1\n"))
	if !again.OK || again.FileID != "R1" {
		t.Fatalf("resent save = %+v, want ok R1", again)
	}
	if f.remote.creates != 1 || f.remote.updates != 0 {
		t.Fatalf("creates/updates = %d/%d, want 1/0", f.remote.creates, f.remote.updates)
	}
	if f.tokens.calls != 1 {
		t.Fatalf("token acquisitions = %d, want 1", f.tokens.calls)
	}

	if resp := f.d.Handle(ctx, save("abc123", "# v2\n")); !resp.OK || f.remote.updates != 1 {
		t.Fatalf("changed save = %+v, updates = %d, want one update", resp, f.remote.updates)
	}
}

func TestResetConvoStartsNewFile(t *testing.T) {
	f := newFixture(false)
	ctx := context.Background()

	if resp := f.d.Handle(ctx, save("abc123", "x")); resp.FileID != "R1" {
		t.Fatalf("save = %+v", resp)
	}
	reset := f.d.Handle(ctx, protocol.ResetConvo{Envelope: protocol.Envelope{RequestID: "2"}, ConversationID: "abc123"})
	if !reset.OK || reset.RequestID != "2" {
		t.Fatalf("reset = %+v", reset)
	}
	if id, _ := f.bindings.FileID(ctx, "abc123"); id != "" {
		t.Fatalf("binding after reset = %q, want empty", id)
	}
	if buf, _ := f.bindings.Buffer(ctx, "abc123"); buf != "" {
		t.Fatalf("buffer after reset = %q, want empty", buf)
	}
	if resp := f.d.Handle(ctx, save("abc123", "y")); resp.FileID != "R2" {
		t.Fatalf("save after reset = %+v, want R2", resp)
	}
}

func TestSaveErrorMapping(t *testing.T) {
	tests := []struct {
		name        string
		tokenErr    error
		remoteErr   error
		wantError   string
		wantDetails func(any) bool
	}{
		{
			name:      "missing client id",
			tokenErr:  &auth.ConfigError{Message: "Missing Client ID."},
			wantError: protocol.CodeConfigError,
			wantDetails: func(d any) bool {
				return d == "Missing Client ID."
			},
		},
		{
			name:      "consent closed",
			tokenErr:  &auth.AuthError{Reason: auth.ReasonCanceled},
			wantError: protocol.CodeAuthError,
			wantDetails: func(d any) bool {
				m, ok := d.(map[string]any)
				return ok && m["reason"] == auth.ReasonCanceled
			},
		},
		{
			name:      "remote rejected",
			remoteErr: &remote.Error{Status: 403, Message: "Insufficient Permission", Details: map[string]any{"code": 403}},
			wantError: "HTTP 403 Forbidden: Insufficient Permission",
			wantDetails: func(d any) bool {
				m, ok := d.(map[string]any)
				return ok && m["code"] == 403
			},
		},
		{
			name:      "other",
			remoteErr: fmt.Errorf("dial tcp: connection refused"),
			wantError: protocol.CodeInternalError,
			wantDetails: func(d any) bool {
				return d == "dial tcp: connection refused"
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(false)
			f.tokens.err = tt.tokenErr
			f.remote.err = tt.remoteErr

			resp := f.d.Handle(context.Background(), save("abc123", "x"))
			if resp.OK || resp.Error != tt.wantError {
				t.Fatalf("Handle() = %+v, want error %q", resp, tt.wantError)
			}
			if !tt.wantDetails(resp.Details) {
				t.Fatalf("Details = %#v", resp.Details)
			}
			if id, _ := f.bindings.FileID(context.Background(), "abc123"); id != "" {
				t.Fatalf("failed save bound %q", id)
			}
		})
	}
}

func TestSetClientID(t *testing.T) {
	tests := []struct {
		name     string
		strict   bool
		clientID string
		wantOK   bool
	}{
		{name: "empty", clientID: "  ", wantOK: false},
		{name: "lenient accepts any", clientID: "local-test-client", wantOK: true},
		{name: "strict rejects foreign", strict: true, clientID: "local-test-client", wantOK: false},
		{name: "strict accepts google", strict: true, clientID: "123-abc.apps.googleusercontent.com", wantOK: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(tt.strict)
			resp := f.d.Handle(context.Background(), protocol.SetClientID{ClientID: tt.clientID, ClientSecret: "s"})
			if resp.OK != tt.wantOK {
				t.Fatalf("Handle() = %+v, want ok=%v", resp, tt.wantOK)
			}
			rec, err := f.creds.Load(context.Background())
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if tt.wantOK && (rec.ClientID != tt.clientID || rec.ClientSecret != "s") {
				t.Fatalf("stored identity = %+v", rec)
			}
			if !tt.wantOK {
				if resp.Error != protocol.CodeConfigError || rec.ClientID != "" {
					t.Fatalf("rejected identity: resp=%+v stored=%+v", resp, rec)
				}
			}
		})
	}
}

func TestConcurrentSavesBindOnce(t *testing.T) {
	f := newFixture(false)
	f.remote.upsertAt = 10 * time.Millisecond

	var wg sync.WaitGroup
	ids := make(chan string, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := f.d.Handle(context.Background(), save("abc123", fmt.Sprintf("v%d", i)))
			ids <- resp.FileID
		}(i)
	}
	wg.Wait()
	close(ids)
	for id := range ids {
		if id != "R1" {
			t.Fatalf("FileID = %q, want R1", id)
		}
	}
	if f.remote.creates != 1 {
		t.Fatalf("creates = %d, want 1", f.remote.creates)
	}
	if len(f.d.locks) != 0 {
		t.Fatalf("conversation locks leaked: %d", len(f.d.locks))
	}
}

func TestPingAnswersOK(t *testing.T) {
	f := newFixture(false)
	if resp := f.d.Handle(context.Background(), protocol.Ping{Envelope: protocol.Envelope{RequestID: "9"}}); !resp.OK || resp.RequestID != "9" {
		t.Fatalf("PING = %+v", resp)
	}
}
