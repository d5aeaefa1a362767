// Package scheduler decides when the observer snapshots the transcript and
// when a snapshot is worth uploading.
package scheduler

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"github.com/sypherin/chatgpt-drive-logger/internal/observability"
	"github.com/sypherin/chatgpt-drive-logger/internal/protocol"
	"github.com/sypherin/chatgpt-drive-logger/internal/reliability"
	"github.com/sypherin/chatgpt-drive-logger/internal/snapshot"
)

// Reason names what asked for a scan.
type Reason string

const (
	ReasonPoll        Reason = "poll"
	ReasonMutation    Reason = "mutation"
	ReasonRouteChange Reason = "route-change"
	ReasonUserAction  Reason = "user-action"
	ReasonManual      Reason = "manual"
)

// Scan outcomes, also used as metric labels.
const (
	OutcomeEmpty         = "empty"
	OutcomeUnchanged     = "unchanged"
	OutcomeDropped       = "dropped"
	OutcomeSourceError   = "source_error"
	OutcomeUploaded      = "uploaded"
	OutcomeFailed        = "failed"
	OutcomeStale         = "stale"
	OutcomeSWUnavailable = protocol.CodeSWUnavailable
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultDebounce     = 300 * time.Millisecond
)

var (
	DefaultUserActionDelays  = []time.Duration{800 * time.Millisecond, 1800 * time.Millisecond}
	DefaultRouteChangeDelays = []time.Duration{800 * time.Millisecond, 2 * time.Second, 4 * time.Second}
)

// Source yields the current rendered page.
type Source interface {
	Read(ctx context.Context) ([]byte, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]byte, error)

func (f SourceFunc) Read(ctx context.Context) ([]byte, error) { return f(ctx) }

// Caller is the channel surface the scheduler needs.
type Caller interface {
	Call(ctx context.Context, req protocol.Request) protocol.Response
}

type Options struct {
	Source    Source
	Caller    Caller
	Extractor *snapshot.Extractor
	PageURL   string
	// RedactPII masks credentials and personal data in message bodies before
	// the document is rendered.
	RedactPII         bool
	PollInterval      time.Duration
	Debounce          time.Duration
	UserActionDelays  []time.Duration
	RouteChangeDelays []time.Duration
	Now               func() time.Time
	// OnOutcome, when set, is called from the loop goroutine after every scan
	// and every finished upload.
	OnOutcome func(reason Reason, outcome string)
	Logger    *log.Logger
	Metrics   *observability.Metrics
}

// Scheduler owns all change-detection state in a single loop goroutine.
type Scheduler struct {
	source            Source
	caller            Caller
	extractor         *snapshot.Extractor
	pageURL           string
	redactPII         bool
	pollInterval      time.Duration
	debounce          time.Duration
	userActionDelays  []time.Duration
	routeChangeDelays []time.Duration
	now               func() time.Time
	onOutcome         func(Reason, string)
	logger            *log.Logger
	metrics           *observability.Metrics

	triggers chan Reason
	scans    chan Reason
	results  chan uploadResult
	done     chan struct{}

	// loop-owned
	conversationID string
	fingerprint    string
	epoch          uint64
	inFlight       bool
}

type uploadJob struct {
	reason      Reason
	epoch       uint64
	fingerprint string
	request     protocol.SaveSnapshot
}

type uploadResult struct {
	job     uploadJob
	outcome string
	resp    protocol.Response
	elapsed time.Duration
}

func New(opts Options) (*Scheduler, error) {
	if opts.Source == nil {
		return nil, errors.New("scheduler: source is required")
	}
	if opts.Caller == nil {
		return nil, errors.New("scheduler: caller is required")
	}
	s := &Scheduler{
		source:            opts.Source,
		caller:            opts.Caller,
		extractor:         opts.Extractor,
		pageURL:           opts.PageURL,
		redactPII:         opts.RedactPII,
		pollInterval:      opts.PollInterval,
		debounce:          opts.Debounce,
		userActionDelays:  opts.UserActionDelays,
		routeChangeDelays: opts.RouteChangeDelays,
		now:               opts.Now,
		onOutcome:         opts.OnOutcome,
		logger:            opts.Logger,
		metrics:           opts.Metrics,
		triggers:          make(chan Reason, 32),
		scans:             make(chan Reason, 32),
		results:           make(chan uploadResult, 1),
		done:              make(chan struct{}),
	}
	if s.extractor == nil {
		s.extractor = snapshot.NewExtractor()
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultPollInterval
	}
	if s.debounce <= 0 {
		s.debounce = DefaultDebounce
	}
	if s.userActionDelays == nil {
		s.userActionDelays = DefaultUserActionDelays
	}
	if s.routeChangeDelays == nil {
		s.routeChangeDelays = DefaultRouteChangeDelays
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	return s, nil
}

// Trigger asks for a scan. It never blocks; when the queue is full the
// request is coalesced into the ones already waiting.
func (s *Scheduler) Trigger(reason Reason) {
	select {
	case s.triggers <- reason:
	default:
		s.logger.Debug("trigger coalesced", "reason", reason)
	}
}

// Run drives the loop until ctx is done. A conversation is treated as new on
// start, so the route-change rescans run once at boot.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.done)

	poll := time.NewTicker(s.pollInterval)
	defer poll.Stop()
	debounce := time.NewTimer(s.debounce)
	debounce.Stop()
	defer debounce.Stop()

	s.resetConversation(ReasonRouteChange)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
			s.scan(ctx, ReasonPoll)
		case <-debounce.C:
			s.scan(ctx, ReasonMutation)
		case reason := <-s.scans:
			s.scan(ctx, reason)
		case res := <-s.results:
			s.finish(res)
		case reason := <-s.triggers:
			switch reason {
			case ReasonMutation:
				debounce.Reset(s.debounce)
			case ReasonUserAction:
				s.after(reason, s.userActionDelays)
			case ReasonRouteChange:
				s.resetConversation(reason)
			default:
				s.scan(ctx, reason)
			}
		}
	}
}

func (s *Scheduler) after(reason Reason, delays []time.Duration) {
	for _, d := range delays {
		time.AfterFunc(d, func() {
			select {
			case s.scans <- reason:
			case <-s.done:
			default:
			}
		})
	}
}

func (s *Scheduler) resetConversation(reason Reason) {
	s.epoch++
	s.fingerprint = ""
	s.after(reason, s.routeChangeDelays)
}

func (s *Scheduler) scan(ctx context.Context, reason Reason) {
	raw, err := s.source.Read(ctx)
	if err != nil {
		s.logger.Debug("snapshot source unavailable", "reason", reason, "error", err)
		s.report(reason, OutcomeSourceError)
		return
	}
	page, err := s.extractor.Extract(bytes.NewReader(raw), s.pageURL)
	if err != nil {
		s.logger.Debug("snapshot extraction failed", "reason", reason, "error", err)
		s.report(reason, OutcomeSourceError)
		return
	}
	if page.ConversationID != s.conversationID {
		if s.conversationID != "" {
			s.logger.Info("conversation changed", "from", s.conversationID, "to", page.ConversationID)
			s.resetConversation(ReasonRouteChange)
		}
		s.conversationID = page.ConversationID
	}
	if len(page.Records) == 0 {
		s.report(reason, OutcomeEmpty)
		return
	}
	if s.redactPII {
		var n int
		if page, n = snapshot.Redact(page); n > 0 {
			s.logger.Debug("redacted message bodies", "records", n)
		}
	}
	doc := snapshot.NewDocument(page, s.now())
	fp := doc.Fingerprint()
	if fp == s.fingerprint {
		s.report(reason, OutcomeUnchanged)
		return
	}
	if s.inFlight {
		s.report(reason, OutcomeDropped)
		return
	}
	s.inFlight = true
	job := uploadJob{
		reason:      reason,
		epoch:       s.epoch,
		fingerprint: fp,
		request: protocol.SaveSnapshot{
			ConversationID: page.ConversationID,
			FileName:       snapshot.FileName(page.ConversationID, page.Title, doc.GeneratedAt),
			Content:        doc.Markdown(),
		},
	}
	go s.upload(ctx, job)
}

func (s *Scheduler) upload(ctx context.Context, job uploadJob) {
	started := time.Now()
	res := uploadResult{job: job}
	if pong := s.caller.Call(ctx, protocol.Ping{}); !pong.OK {
		res.outcome = OutcomeSWUnavailable
		res.resp = protocol.Fail(pong.RequestID, protocol.CodeSWUnavailable, nil)
	} else {
		res.resp = s.caller.Call(ctx, job.request)
		res.outcome = OutcomeUploaded
		if !res.resp.OK {
			res.outcome = OutcomeFailed
		}
	}
	res.elapsed = time.Since(started)
	select {
	case s.results <- res:
	case <-s.done:
	}
}

func (s *Scheduler) finish(res uploadResult) {
	s.inFlight = false
	outcome := res.outcome
	switch {
	case res.resp.OK && res.job.epoch == s.epoch:
		s.fingerprint = res.job.fingerprint
		s.logger.Info("snapshot saved",
			"conversation_id", res.job.request.ConversationID,
			"file_id", res.resp.FileID,
			"elapsed", res.elapsed)
	case res.resp.OK:
		outcome = OutcomeStale
		s.logger.Debug("snapshot saved for a previous conversation", "conversation_id", res.job.request.ConversationID)
	case reliability.IsRetryableChannelError(res.resp.Error):
		s.logger.Debug("host unreachable, retrying next cycle",
			"conversation_id", res.job.request.ConversationID,
			"error", res.resp.Error)
	default:
		s.logger.Warn("snapshot not saved",
			"conversation_id", res.job.request.ConversationID,
			"error", res.resp.Error,
			"details", res.resp.Details)
	}
	s.report(res.job.reason, outcome)
}

func (s *Scheduler) report(reason Reason, outcome string) {
	s.metrics.ObserveScan(outcome)
	if s.onOutcome != nil {
		s.onOutcome(reason, outcome)
	}
}
