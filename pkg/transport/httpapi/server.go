// Package httpapi exposes the relay over a small JSON HTTP API. Replies are returned
// in the response body, so the channel needs no outbound sender.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/history"
	"github.com/go-go-golems/chatrelay/pkg/relay"
	"github.com/go-go-golems/chatrelay/pkg/transport"
)

const (
	DefaultName = "http"
	DefaultAddr = ":8080"
)

// Relay is the part of the dispatcher the server needs.
type Relay interface {
	Handle(ctx context.Context, msg transport.Message) relay.Outcome
}

type HistoryReader interface {
	Snapshot(key history.SessionKey) []history.Turn
}

type Config struct {
	Name           string
	Addr           string
	Relay          Relay
	History        HistoryReader
	RequestTimeout time.Duration
}

type Server struct {
	name    string
	addr    string
	relay   Relay
	history HistoryReader
	timeout time.Duration
	engine  *gin.Engine
	logger  zerolog.Logger
}

type MessageRequest struct {
	Sender string `json:"sender" binding:"required"`
	Text   string `json:"text"`
}

type MessageResponse struct {
	Session string `json:"session"`
	State   string `json:"state"`
	Reply   string `json:"reply,omitempty"`
	Error   string `json:"error,omitempty"`
}

type HistoryResponse struct {
	Session string         `json:"session"`
	Turns   []history.Turn `json:"turns"`
}

func New(cfg Config) (*Server, error) {
	if cfg.Relay == nil {
		return nil, errors.New("httpapi: relay is nil")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	s := &Server{
		name:    firstNonEmpty(cfg.Name, DefaultName),
		addr:    firstNonEmpty(cfg.Addr, DefaultAddr),
		relay:   cfg.Relay,
		history: cfg.History,
		timeout: timeout,
		logger:  log.With().Str("component", "httpapi").Logger(),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	r.GET("/healthz", s.handleHealth)
	v1 := r.Group("/v1")
	v1.POST("/messages", s.handleMessage)
	v1.GET("/sessions/:key/history", s.handleHistory)
	s.engine = r
	return s, nil
}

func (s *Server) Name() string { return s.name }

func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("http api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "httpapi: listen")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "httpapi: shutdown")
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sender and text are required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()
	out := s.relay.Handle(ctx, transport.Message{
		Channel:    s.name,
		SenderID:   strings.TrimSpace(req.Sender),
		Text:       req.Text,
		ReceivedAt: time.Now(),
	})

	resp := MessageResponse{Session: out.SessionKey.String(), State: string(out.State), Reply: out.Reply}
	switch out.State {
	case relay.StateReplied, relay.StateFailed:
		c.JSON(http.StatusOK, resp)
	case relay.StateDropped:
		resp.Error = dropReason(out.Err)
		c.JSON(http.StatusUnprocessableEntity, resp)
	default:
		// StatePending: the wait was abandoned, the message keeps being processed
		resp.Error = "reply not ready"
		c.JSON(http.StatusGatewayTimeout, resp)
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, relay.ErrMalformedMessage):
		return "message text is empty"
	case errors.Is(err, relay.ErrUnsupportedCommand):
		return "unsupported command"
	case errors.Is(err, relay.ErrShuttingDown):
		return "relay is shutting down"
	default:
		return "message dropped"
	}
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history is not exposed"})
		return
	}
	key := history.SessionKey(c.Param("key"))
	c.JSON(http.StatusOK, HistoryResponse{Session: key.String(), Turns: s.history.Snapshot(key)})
}

func firstNonEmpty(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
