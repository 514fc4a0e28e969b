package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/completion"
	"github.com/go-go-golems/chatrelay/pkg/history"
	"github.com/go-go-golems/chatrelay/pkg/persistence/transcript"
	"github.com/go-go-golems/chatrelay/pkg/prompt"
	"github.com/go-go-golems/chatrelay/pkg/transport"
)

const (
	DefaultFailureNotice = "Sorry, I couldn't come up with an answer right now. Please try again in a moment."
	DefaultGreeting      = "Hi! Send me a message and I'll do my best to help."
	DefaultResetNotice   = "Conversation cleared."
)

var (
	ErrMalformedMessage   = errors.New("malformed inbound message")
	ErrShuttingDown       = errors.New("dispatcher is shutting down")
	ErrUnsupportedCommand = errors.New("unsupported command")
)

// RetryPolicy bounds retries of transient completion failures.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, InitialInterval: 500 * time.Millisecond, MaxInterval: 5 * time.Second}
}

type Config struct {
	BaseCtx    context.Context
	Store      *history.Store
	Assembler  *prompt.Assembler
	Client     completion.Client
	Sender     transport.Sender
	Transcript transcript.Store

	// Retry is used as is when MaxRetries or InitialInterval is set, DefaultRetryPolicy otherwise.
	Retry RetryPolicy
	// SkipUserTurnOnFailure leaves history untouched when a completion fails.
	// By default the user turn is recorded without an assistant turn.
	SkipUserTurnOnFailure bool

	FailureNotice string
	Greeting      string
	ResetNotice   string

	Now func() time.Time
}

// Dispatcher runs one unit of work per inbound message. Messages of the same session are
// processed in arrival order by a single worker; different sessions run concurrently.
type Dispatcher struct {
	baseCtx context.Context
	cancel  context.CancelFunc

	store      *history.Store
	assembler  *prompt.Assembler
	client     completion.Client
	sender     transport.Sender
	transcript transcript.Store
	retry      RetryPolicy
	recordUser bool

	failureNotice string
	greeting      string
	resetNotice   string
	now           func() time.Time

	logger zerolog.Logger

	mu      sync.Mutex
	queues  map[history.SessionKey]*sessionQueue
	closing bool
	pending sync.WaitGroup
}

type job struct {
	key  history.SessionKey
	msg  transport.Message
	done chan Outcome
}

type sessionQueue struct {
	items   []job
	running bool
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.Store == nil {
		return nil, errors.New("relay: store is nil")
	}
	if cfg.Client == nil {
		return nil, errors.New("relay: completion client is nil")
	}
	asm := cfg.Assembler
	if asm == nil {
		var err error
		asm, err = prompt.NewAssembler()
		if err != nil {
			return nil, errors.Wrap(err, "relay: default assembler")
		}
	}
	sender := cfg.Sender
	if sender == nil {
		sender = transport.Discard
	}
	base := cfg.BaseCtx
	if base == nil {
		base = context.Background()
	}
	retry := cfg.Retry
	if retry.MaxRetries <= 0 && retry.InitialInterval <= 0 {
		retry = DefaultRetryPolicy()
	}
	if retry.MaxRetries < 0 {
		retry.MaxRetries = 0
	}
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = DefaultRetryPolicy().InitialInterval
	}
	if retry.MaxInterval < retry.InitialInterval {
		retry.MaxInterval = retry.InitialInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(base)
	return &Dispatcher{
		baseCtx:       ctx,
		cancel:        cancel,
		store:         cfg.Store,
		assembler:     asm,
		client:        cfg.Client,
		sender:        sender,
		transcript:    cfg.Transcript,
		retry:         retry,
		recordUser:    !cfg.SkipUserTurnOnFailure,
		failureNotice: orDefault(cfg.FailureNotice, DefaultFailureNotice),
		greeting:      orDefault(cfg.Greeting, DefaultGreeting),
		resetNotice:   orDefault(cfg.ResetNotice, DefaultResetNotice),
		now:           now,
		logger:        log.With().Str("component", "relay").Logger(),
		queues:        map[history.SessionKey]*sessionQueue{},
	}, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// Dispatch enqueues msg and returns a channel that receives exactly one Outcome.
func (d *Dispatcher) Dispatch(msg transport.Message) <-chan Outcome {
	done := make(chan Outcome, 1)
	key := history.NewSessionKey(msg.Channel, strings.TrimSpace(msg.SenderID))

	if !msg.Valid() {
		d.logger.Warn().Str("channel", msg.Channel).Str("sender", msg.SenderID).Msg("dropping malformed inbound message")
		done <- Outcome{SessionKey: key, State: StateDropped, Err: ErrMalformedMessage}
		return done
	}

	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		done <- Outcome{SessionKey: key, State: StateDropped, Err: ErrShuttingDown}
		return done
	}
	q, ok := d.queues[key]
	if !ok {
		q = &sessionQueue{}
		d.queues[key] = q
	}
	q.items = append(q.items, job{key: key, msg: msg, done: done})
	d.pending.Add(1)
	start := !q.running
	q.running = true
	depth := len(q.items)
	d.mu.Unlock()

	d.logger.Debug().Str("session", key.String()).Int("queue_depth", depth).Msg("message received")
	if start {
		go d.drain(key)
	}
	return done
}

// Handle dispatches msg and waits for its outcome. If ctx ends first the message is still
// processed, only the wait is abandoned and the outcome is StatePending.
func (d *Dispatcher) Handle(ctx context.Context, msg transport.Message) Outcome {
	ch := d.Dispatch(msg)
	select {
	case out := <-ch:
		return out
	case <-ctx.Done():
		return Outcome{
			SessionKey: history.NewSessionKey(msg.Channel, strings.TrimSpace(msg.SenderID)),
			State:      StatePending,
			Err:        ctx.Err(),
		}
	}
}

func (d *Dispatcher) drain(key history.SessionKey) {
	for {
		d.mu.Lock()
		q := d.queues[key]
		if q == nil || len(q.items) == 0 {
			if q != nil {
				q.running = false
				delete(d.queues, key)
			}
			d.mu.Unlock()
			return
		}
		j := q.items[0]
		q.items = q.items[1:]
		d.mu.Unlock()

		out := d.run(j)
		j.done <- out
		d.pending.Done()
	}
}

// Shutdown stops accepting messages and waits for queued ones. When ctx expires first,
// in-flight completions are cancelled and finish as Failed without touching history.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		d.pending.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.logger.Warn().Msg("shutdown deadline reached, cancelling in-flight turns")
		d.cancel()
		<-idle
		return errors.Wrap(ctx.Err(), "relay shutdown")
	}
}

func (d *Dispatcher) run(j job) (out Outcome) {
	out = Outcome{SessionKey: j.key, State: StateReceived}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("session", j.key.String()).Interface("panic", r).Msg("turn panicked")
			out.State = StateFailed
			out.Err = errors.Errorf("turn panicked: %v", r)
			out.Reply = d.failureNotice
			d.send(j, out.Reply)
		}
	}()

	text := strings.TrimSpace(j.msg.Text)
	if strings.HasPrefix(text, "/") {
		return d.runCommand(j, text)
	}
	return d.runTurn(j)
}

func (d *Dispatcher) runCommand(j job, text string) Outcome {
	out := Outcome{SessionKey: j.key, State: StateReceived}
	name := strings.Fields(text)[0]
	if i := strings.Index(name, "@"); i > 0 {
		name = name[:i]
	}
	switch strings.ToLower(name) {
	case "/reset":
		d.store.Reset(j.key)
		out.Reply = d.resetNotice
	case "/start":
		out.Reply = d.greeting
	default:
		d.logger.Debug().Str("session", j.key.String()).Str("command", name).Msg("ignoring command")
		out.State = StateDropped
		out.Err = errors.Wrapf(ErrUnsupportedCommand, "%s", name)
		return out
	}
	out.State = StateReplied
	d.send(j, out.Reply)
	return out
}

func (d *Dispatcher) runTurn(j job) Outcome {
	out := Outcome{SessionKey: j.key, State: StateReceived}
	logger := d.logger.With().Str("session", j.key.String()).Logger()

	h := d.store.Acquire(j.key)
	defer h.Release()

	out.State = StateAssembling
	req := d.assembler.Build(j.msg.Text, h.Snapshot())

	out.State = StateCompleting
	res, attempts, err := d.complete(req)
	out.Attempts = attempts

	if cerr := d.baseCtx.Err(); cerr != nil {
		logger.Warn().Int("attempts", attempts).Msg("turn cancelled by shutdown")
		out.State = StateFailed
		out.Err = errors.Wrap(ErrShuttingDown, "turn cancelled")
		return out
	}

	userTurn := history.Turn{ID: uuid.NewString(), Role: history.RoleUser, Text: j.msg.Text, Timestamp: d.receivedAt(j.msg)}

	if err != nil {
		logger.Warn().Err(err).Str("kind", string(completion.KindOf(err))).Int("attempts", attempts).Msg("completion failed")
		out.State = StateFailed
		out.Err = err
		out.Reply = d.failureNotice
		if d.recordUser {
			h.Append(userTurn)
			d.record(j.key, userTurn)
		}
		d.send(j, out.Reply)
		return out
	}

	out.State = StateUpdating
	assistantTurn := history.Turn{ID: uuid.NewString(), Role: history.RoleAssistant, Text: res.Text, Timestamp: d.now()}
	h.Append(userTurn, assistantTurn)
	d.record(j.key, userTurn, assistantTurn)

	out.State = StateReplied
	out.Reply = res.Text
	logger.Debug().Int("attempts", attempts).Int("history_len", h.Len()).Msg("turn replied")
	d.send(j, out.Reply)
	return out
}

func (d *Dispatcher) receivedAt(msg transport.Message) time.Time {
	if msg.ReceivedAt.IsZero() {
		return d.now()
	}
	return msg.ReceivedAt
}

func (d *Dispatcher) complete(req prompt.Request) (completion.Result, int, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.retry.InitialInterval
	bo.MaxInterval = d.retry.MaxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()
	b := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(d.retry.MaxRetries)), d.baseCtx)

	var res completion.Result
	attempts := 0
	op := func() error {
		attempts++
		r, err := d.client.Complete(d.baseCtx, req)
		if err != nil {
			if completion.IsRetryable(err) && d.baseCtx.Err() == nil {
				return err
			}
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		d.logger.Debug().Err(err).Int("attempt", attempts).Dur("wait", wait).Msg("retrying completion")
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return completion.Result{}, attempts, err
	}
	return res, attempts, nil
}

func (d *Dispatcher) record(key history.SessionKey, turns ...history.Turn) {
	if d.transcript == nil {
		return
	}
	if err := d.transcript.Record(d.baseCtx, key, turns...); err != nil {
		d.logger.Warn().Err(err).Str("session", key.String()).Msg("transcript record failed")
	}
}

func (d *Dispatcher) send(j job, text string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("session", j.key.String()).Interface("panic", r).Msg("reply send panicked")
		}
	}()
	if err := transport.Reply(d.baseCtx, d.sender, j.msg.Channel, j.msg.SenderID, j.msg.ReplyTo, text); err != nil {
		d.logger.Warn().Err(err).Str("session", j.key.String()).Msg("reply send failed")
	}
}
