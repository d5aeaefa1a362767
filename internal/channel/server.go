package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sypherin/chatgpt-drive-logger/internal/observability"
	"github.com/sypherin/chatgpt-drive-logger/internal/protocol"
)

const (
	serverReadTimeout  = 2 * time.Minute
	serverWriteTimeout = 10 * time.Second
	serverReadLimit    = 8 << 20
)

// Handler answers one request. It must always return a response.
type Handler interface {
	Handle(ctx context.Context, req protocol.Request) protocol.Response
}

type HandlerFunc func(ctx context.Context, req protocol.Request) protocol.Response

func (f HandlerFunc) Handle(ctx context.Context, req protocol.Request) protocol.Response {
	return f(ctx, req)
}

type ServerOptions struct {
	// BaseContext is the parent of every dispatched request. Requests outlive
	// the connection they arrived on, so it should be scoped to the process.
	BaseContext context.Context
	Logger      *log.Logger
	Metrics     *observability.Metrics
	CheckOrigin func(r *http.Request) bool
}

// Server is the host end of the channel.
type Server struct {
	handler  Handler
	base     context.Context
	logger   *log.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func NewServer(handler Handler, opts ServerOptions) *Server {
	base := opts.BaseContext
	if base == nil {
		base = context.Background()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		handler: handler,
		base:    base,
		logger:  logger,
		metrics: opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	logger := s.logger.With("conn", connID)
	s.metrics.ChannelOpened()
	defer s.metrics.ChannelClosed()
	logger.Debug("channel opened", "remote", r.RemoteAddr)

	outbound := make(chan protocol.Response, 64)
	done := make(chan struct{})
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for {
			select {
			case <-done:
				return
			case resp := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(serverWriteTimeout))
				if err := conn.WriteJSON(resp); err != nil {
					logger.Warn("channel write failed", "requestId", resp.RequestID, "err", err)
					_ = conn.Close()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(serverReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(serverReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(serverReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(serverReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		go func(raw []byte) {
			resp := s.dispatch(raw, logger)
			select {
			case outbound <- resp:
			case <-done:
				logger.Debug("channel closed before response", "requestId", resp.RequestID)
			}
		}(data)
	}

	close(done)
	<-writerDone
	logger.Debug("channel closed")
}

func (s *Server) dispatch(raw []byte, logger *log.Logger) (resp protocol.Response) {
	req, err := protocol.ParseRequest(raw)
	if err != nil {
		id := protocol.RecoverRequestID(raw)
		code := protocol.CodeInvalidMessage
		if errors.Is(err, protocol.ErrUnsupportedType) {
			code = protocol.CodeUnsupportedType
		}
		logger.Debug("channel rejected frame", "requestId", id, "err", err)
		s.metrics.ObserveChannelRequest("unknown", code)
		return protocol.Fail(id, code, err.Error())
	}

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("channel handler panic", "type", req.Kind(), "requestId", req.ID(), "panic", rec)
			resp = protocol.Fail(req.ID(), protocol.CodeInternalError, fmt.Sprint(rec))
		}
		s.metrics.ObserveChannelRequest(string(req.Kind()), resultLabel(resp))
	}()

	resp = s.handler.Handle(s.base, req)
	resp.Type = protocol.TypeResponse
	resp.RequestID = req.ID()
	return resp
}
