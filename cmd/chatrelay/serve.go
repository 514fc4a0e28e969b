package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatrelay/pkg/completion"
	"github.com/go-go-golems/chatrelay/pkg/config"
	"github.com/go-go-golems/chatrelay/pkg/history"
	"github.com/go-go-golems/chatrelay/pkg/persistence/transcript"
	"github.com/go-go-golems/chatrelay/pkg/prompt"
	"github.com/go-go-golems/chatrelay/pkg/redisstream"
	"github.com/go-go-golems/chatrelay/pkg/relay"
	"github.com/go-go-golems/chatrelay/pkg/transport"
	"github.com/go-go-golems/chatrelay/pkg/transport/bus"
	"github.com/go-go-golems/chatrelay/pkg/transport/httpapi"
	"github.com/go-go-golems/chatrelay/pkg/transport/telegram"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay on every configured transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), a.settings)
		},
	}
	f := cmd.Flags()
	f.Bool("http", false, "Serve the JSON HTTP API")
	f.String("http-addr", httpapi.DefaultAddr, "HTTP API listen address")
	f.String("model", completion.DefaultModel, "Chat completion model")
	f.Int("max-turns", 200, "Turns kept per session (0 keeps everything)")
	f.String("transcript", "", "Transcript location: postgres:// URL, .bolt file or SQLite file (empty disables it)")
	bindFlag(a.v, "http.enabled", f.Lookup("http"))
	bindFlag(a.v, "http.addr", f.Lookup("http-addr"))
	bindFlag(a.v, "openai.model", f.Lookup("model"))
	bindFlag(a.v, "history.max-turns", f.Lookup("max-turns"))
	bindFlag(a.v, "transcript.path", f.Lookup("transcript"))
	return cmd
}

func buildAssembler(s config.HistorySettings) (*prompt.Assembler, error) {
	var opts []prompt.Option
	if s.TemplateFile != "" {
		b, err := os.ReadFile(s.TemplateFile)
		if err != nil {
			return nil, errors.Wrap(err, "read prompt template")
		}
		opts = append(opts, prompt.WithTemplate(string(b)))
	}
	if s.TokenBudget > 0 {
		counter, err := prompt.NewTiktokenCounter(prompt.DefaultEncoding)
		if err != nil {
			return nil, err
		}
		opts = append(opts, prompt.WithHistoryTokenBudget(counter, s.TokenBudget))
	}
	return prompt.NewAssembler(opts...)
}

func openTranscript(path string) (transcript.Store, error) {
	return transcript.Open(path)
}

func runServe(parent context.Context, s config.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := history.NewStore(history.Options{MaxTurns: s.History.MaxTurns})
	store.SetEvictionConfig(s.History.IdleTTL, s.History.SweepInterval)
	store.StartEvictionLoop(ctx)

	asm, err := buildAssembler(s.History)
	if err != nil {
		return err
	}
	client, err := completion.NewOpenAIClient(completion.OpenAIConfig{
		APIKey:      s.OpenAI.APIKey,
		BaseURL:     s.OpenAI.BaseURL,
		Model:       s.OpenAI.Model,
		Timeout:     s.OpenAI.Timeout,
		Temperature: s.OpenAI.Temperature,
		MaxTokens:   s.OpenAI.MaxTokens,
	})
	if err != nil {
		return err
	}

	var tr transcript.Store
	if s.Transcript.Path != "" {
		tr, err = openTranscript(s.Transcript.Path)
		if err != nil {
			return err
		}
		defer func() { _ = tr.Close() }()
	}

	mux := transport.NewMux()
	d, err := relay.New(relay.Config{
		// the dispatcher outlives the signal so queued turns can drain
		BaseCtx:    context.Background(),
		Store:      store,
		Assembler:  asm,
		Client:     client,
		Sender:     mux,
		Transcript: tr,
		Retry: relay.RetryPolicy{
			MaxRetries:      s.Relay.MaxRetries,
			InitialInterval: s.Relay.RetryInitialInterval,
			MaxInterval:     s.Relay.RetryMaxInterval,
		},
		SkipUserTurnOnFailure: s.Relay.SkipUserTurnOnFailure,
		FailureNotice:         s.Relay.FailureNotice,
		Greeting:              s.Relay.Greeting,
	})
	if err != nil {
		return err
	}

	dispatch := func(_ context.Context, m transport.Message) { d.Dispatch(m) }
	eg, egCtx := errgroup.WithContext(ctx)

	if s.Telegram.Enabled() {
		tg, err := telegram.New(telegram.Config{Token: s.Telegram.Token, APIBase: s.Telegram.APIBase, PollTimeout: s.Telegram.PollTimeout})
		if err != nil {
			return err
		}
		mux.Register(tg.Name(), tg)
		eg.Go(func() error { return tg.Run(egCtx, dispatch) })
	}

	if s.HTTP.Enabled {
		srv, err := httpapi.New(httpapi.Config{Addr: s.HTTP.Addr, Relay: d, History: store})
		if err != nil {
			return err
		}
		mux.Register(srv.Name(), transport.Discard)
		eg.Go(func() error { return srv.Run(egCtx) })
	}

	if s.Redis.Enabled {
		rc := redisstream.NewClient(s.Redis)
		defer func() { _ = rc.Close() }()
		if err := redisstream.EnsureGroupAtTail(ctx, rc, s.Bus.InboundTopic, s.Redis.Group); err != nil {
			return err
		}
		pub, sub, err := redisstream.Build(rc, s.Redis)
		if err != nil {
			return err
		}
		defer func() {
			_ = sub.Close()
			_ = pub.Close()
		}()
		b, err := bus.New(bus.Config{InboundTopic: s.Bus.InboundTopic, OutboundTopic: s.Bus.OutboundTopic, Publisher: pub, Subscriber: sub})
		if err != nil {
			return err
		}
		mux.Register(b.Name(), b)
		eg.Go(func() error { return b.Run(egCtx, dispatch) })
	}

	log.Info().
		Bool("telegram", s.Telegram.Enabled()).
		Bool("http", s.HTTP.Enabled).
		Bool("redis", s.Redis.Enabled).
		Str("model", client.Model()).
		Int("max_turns", s.History.MaxTurns).
		Msg("chatrelay serving")

	runErr := eg.Wait()
	log.Info().Msg("transports stopped, draining queued turns")

	timeout := s.Relay.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := d.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("relay shutdown incomplete")
	}
	return runErr
}
