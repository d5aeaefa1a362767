package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/sypherin/chatgpt-drive-logger/internal/channel"
	"github.com/sypherin/chatgpt-drive-logger/internal/config"
	"github.com/sypherin/chatgpt-drive-logger/internal/protocol"
)

const (
	clientIDSuffix     = ".apps.googleusercontent.com"
	authTestID         = "auth-test"
	authTestFileName   = "Auth Test.md"
	defaultCallTimeout = 10 * time.Minute
)

var errUsage = errors.New("usage")

type caller interface {
	Call(ctx context.Context, req protocol.Request) protocol.Response
}

type options struct {
	channelURL   string
	timeout      time.Duration
	command      string
	clientID     string
	clientSecret string
	conversation string
}

func main() {
	_ = config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "drivelogger-ctl: config error: %v\n", err)
		os.Exit(2)
	}
	opts, err := parseArgs(cfg, os.Args[1:], os.Stderr)
	if err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "drivelogger-ctl: %v\n", err)
		}
		os.Exit(2)
	}
	if opts.command == "redirect" {
		fmt.Fprintf(os.Stdout, "Redirect URI: %s\n", cfg.RedirectURL())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	client := channel.NewClient(channel.ClientOptions{
		URL:            opts.channelURL,
		MaxAttempts:    cfg.MaxAttempts,
		ReconnectDelay: cfg.ReconnectDelay,
		Logger:         log.New(io.Discard),
	})
	defer client.Close()

	if !run(ctx, client, opts, time.Now, os.Stdout) {
		os.Exit(1)
	}
}

func parseArgs(cfg config.Config, args []string, stderr io.Writer) (options, error) {
	opts := options{channelURL: cfg.ChannelURL, timeout: defaultCallTimeout}
	fs := flag.NewFlagSet("drivelogger-ctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.channelURL, "channel-url", opts.channelURL, "host channel websocket URL")
	fs.DurationVar(&opts.timeout, "timeout", opts.timeout, "overall deadline; sign-in waits for the browser consent")
	fs.StringVar(&opts.clientID, "client-id", "", "OAuth client id (set-client-id)")
	fs.StringVar(&opts.clientSecret, "client-secret", "", "OAuth client secret, optional (set-client-id)")
	fs.StringVar(&opts.conversation, "conversation", "", "conversation id (reset)")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: drivelogger-ctl [flags] set-client-id|sign-in|reset|ping|redirect")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return options{}, errUsage
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return options{}, errUsage
	}
	opts.command = fs.Arg(0)
	opts.clientID = strings.TrimSpace(opts.clientID)
	opts.clientSecret = strings.TrimSpace(opts.clientSecret)
	opts.conversation = strings.TrimSpace(opts.conversation)

	switch opts.command {
	case "set-client-id":
		if opts.clientID == "" || !strings.HasSuffix(opts.clientID, clientIDSuffix) {
			return options{}, errors.New("please enter a valid Client ID")
		}
	case "reset":
		if opts.conversation == "" {
			return options{}, errors.New("-conversation is required")
		}
	case "sign-in", "ping", "redirect":
	default:
		fs.Usage()
		return options{}, fmt.Errorf("unknown command %q", opts.command)
	}
	if opts.command != "redirect" && opts.channelURL == "" {
		return options{}, errors.New("channel URL is empty; set -channel-url or OBSERVER_CHANNEL_URL")
	}
	return opts, nil
}

// run performs one command and prints a single status line. It reports
// whether the host accepted the request.
func run(ctx context.Context, c caller, opts options, now func() time.Time, out io.Writer) bool {
	var (
		req     protocol.Request
		success string
		failure string
	)
	switch opts.command {
	case "set-client-id":
		req = protocol.SetClientID{ClientID: opts.clientID, ClientSecret: opts.clientSecret}
		success, failure = "Client ID saved ✓", "Save failed"
	case "sign-in":
		req = protocol.SaveSnapshot{
			ConversationID: authTestID,
			FileName:       authTestFileName,
			Content:        "# Auth test\n" + now().UTC().Format(time.RFC3339),
		}
		success, failure = "Signed in and test file created ✓", "Sign-in failed"
	case "reset":
		req = protocol.ResetConvo{ConversationID: opts.conversation}
		success, failure = "Conversation reset ✓", "Reset failed"
	case "ping":
		req = protocol.Ping{}
		success, failure = "Host reachable ✓", "Host unreachable"
	default:
		fmt.Fprintf(out, "Unknown command %q\n", opts.command)
		return false
	}

	resp := c.Call(ctx, req)
	if resp.OK {
		fmt.Fprintln(out, success)
		return true
	}
	fmt.Fprintf(out, "%s: %s\n", failure, describe(resp))
	return false
}

func describe(resp protocol.Response) string {
	msg := resp.Error
	if msg == "" {
		msg = "unknown"
	}
	if details, ok := resp.Details.(map[string]any); ok {
		if m, ok := details["message"].(string); ok && m != "" && m != msg {
			msg += " (" + m + ")"
		}
	}
	return msg
}
