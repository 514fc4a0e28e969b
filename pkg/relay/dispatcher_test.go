package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatrelay/pkg/completion"
	"github.com/go-go-golems/chatrelay/pkg/history"
	"github.com/go-go-golems/chatrelay/pkg/persistence/transcript"
	"github.com/go-go-golems/chatrelay/pkg/prompt"
	"github.com/go-go-golems/chatrelay/pkg/transport"
)

type stubClient struct {
	mu    sync.Mutex
	calls []prompt.Request
	fn    func(ctx context.Context, call int, req prompt.Request) (completion.Result, error)
}

func (c *stubClient) Complete(ctx context.Context, req prompt.Request) (completion.Result, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	n := len(c.calls)
	c.mu.Unlock()
	return c.fn(ctx, n, req)
}

func (c *stubClient) Calls() []prompt.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]prompt.Request(nil), c.calls...)
}

func echoClient() *stubClient {
	return &stubClient{fn: func(_ context.Context, _ int, req prompt.Request) (completion.Result, error) {
		return completion.Result{Text: "re: " + req.UserMessage}, nil
	}}
}

type sent struct {
	Channel, Recipient, Text string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (s *recordingSender) Send(_ context.Context, channel, recipient, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{channel, recipient, text})
	return s.err
}

func (s *recordingSender) All() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.sent...)
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func newTestDispatcher(t *testing.T, client completion.Client, mutate func(*Config)) (*Dispatcher, *history.Store, *recordingSender) {
	t.Helper()
	store := history.NewStore(history.Options{})
	sender := &recordingSender{}
	cfg := Config{Store: store, Client: client, Sender: sender, Retry: fastRetry()}
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d, store, sender
}

func msg(sender, text string) transport.Message {
	return transport.Message{Channel: "test", SenderID: sender, Text: text}
}

func TestHistoryGrowsByTwoPerSuccessfulMessage(t *testing.T) {
	d, store, sender := newTestDispatcher(t, echoClient(), nil)
	ctx := context.Background()

	const n = 5
	for i := 0; i < n; i++ {
		out := d.Handle(ctx, msg("alice", fmt.Sprintf("m%d", i)))
		require.Equal(t, StateReplied, out.State)
		require.NoError(t, out.Err)
		require.Equal(t, 1, out.Attempts)
	}
	key := history.NewSessionKey("test", "alice")
	require.Equal(t, 2*n, store.Len(key))
	require.Len(t, sender.All(), n)
}

func TestHistoryBoundedByTwoPerMessageWithFailures(t *testing.T) {
	failEven := func() *stubClient {
		return &stubClient{fn: func(_ context.Context, call int, req prompt.Request) (completion.Result, error) {
			if call%2 == 0 {
				return completion.Result{}, completion.NewError(completion.KindUpstreamRejected, nil, "no")
			}
			return completion.Result{Text: "ok"}, nil
		}}
	}

	t.Run("record user turn", func(t *testing.T) {
		d, store, _ := newTestDispatcher(t, failEven(), nil)
		for i := 0; i < 6; i++ {
			d.Handle(context.Background(), msg("bob", fmt.Sprintf("m%d", i)))
		}
		key := history.NewSessionKey("test", "bob")
		require.Equal(t, 3*2+3, store.Len(key))
		for _, turn := range store.Snapshot(key) {
			if turn.Role == history.RoleAssistant {
				require.Equal(t, "ok", turn.Text)
			}
		}
	})

	t.Run("skip user turn", func(t *testing.T) {
		d, store, _ := newTestDispatcher(t, failEven(), func(c *Config) { c.SkipUserTurnOnFailure = true })
		for i := 0; i < 6; i++ {
			d.Handle(context.Background(), msg("bob", fmt.Sprintf("m%d", i)))
		}
		require.Equal(t, 3*2, store.Len(history.NewSessionKey("test", "bob")))
	})
}

func TestConversationScenario(t *testing.T) {
	client := &stubClient{fn: func(_ context.Context, call int, _ prompt.Request) (completion.Result, error) {
		switch call {
		case 1:
			return completion.Result{Text: "hi there"}, nil
		case 2:
			return completion.Result{Text: "doing well"}, nil
		default:
			return completion.Result{}, completion.NewError(completion.KindUpstreamRejected, nil, "quota")
		}
	}}
	d, store, sender := newTestDispatcher(t, client, nil)
	ctx := context.Background()
	key := history.NewSessionKey("test", "u1")

	out := d.Handle(ctx, msg("u1", "hello"))
	require.Equal(t, StateReplied, out.State)
	require.Equal(t, "hi there", out.Reply)
	require.Equal(t, key, out.SessionKey)
	snap := store.Snapshot(key)
	require.Len(t, snap, 2)
	require.Equal(t, history.RoleUser, snap[0].Role)
	require.Equal(t, "hello", snap[0].Text)
	require.Equal(t, history.RoleAssistant, snap[1].Role)
	require.Equal(t, "hi there", snap[1].Text)

	out = d.Handle(ctx, msg("u1", "how are you"))
	require.Equal(t, StateReplied, out.State)
	calls := client.Calls()
	require.Equal(t, "User: hello\nAssistant: hi there", calls[1].RenderedHistory)
	require.Contains(t, calls[1].Text, "User: hello\nAssistant: hi there\nUser: how are you")
	require.Equal(t, 4, store.Len(key))

	out = d.Handle(ctx, msg("u1", "again"))
	require.Equal(t, StateFailed, out.State)
	require.Equal(t, completion.KindUpstreamRejected, completion.KindOf(out.Err))
	require.Equal(t, 1, out.Attempts)
	require.Equal(t, DefaultFailureNotice, out.Reply)
	snap = store.Snapshot(key)
	require.Len(t, snap, 5)
	require.Equal(t, history.RoleUser, snap[4].Role)
	require.Equal(t, "again", snap[4].Text)

	all := sender.All()
	require.Len(t, all, 3)
	require.Equal(t, sent{"test", "u1", DefaultFailureNotice}, all[2])
}

func TestTransientFailuresAreRetried(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		client := &stubClient{fn: func(_ context.Context, call int, _ prompt.Request) (completion.Result, error) {
			if call < 3 {
				return completion.Result{}, completion.NewError(completion.KindTransientNetwork, nil, "timeout")
			}
			return completion.Result{Text: "finally"}, nil
		}}
		d, store, _ := newTestDispatcher(t, client, nil)
		out := d.Handle(context.Background(), msg("c", "hi"))
		require.Equal(t, StateReplied, out.State)
		require.Equal(t, 3, out.Attempts)
		require.Equal(t, 2, store.Len(out.SessionKey))
	})

	t.Run("gives up", func(t *testing.T) {
		client := &stubClient{fn: func(_ context.Context, _ int, _ prompt.Request) (completion.Result, error) {
			return completion.Result{}, completion.NewError(completion.KindTransientNetwork, nil, "down")
		}}
		d, store, _ := newTestDispatcher(t, client, nil)
		out := d.Handle(context.Background(), msg("c", "hi"))
		require.Equal(t, StateFailed, out.State)
		require.Equal(t, 3, out.Attempts)
		require.True(t, completion.IsRetryable(out.Err))
		require.Equal(t, 1, store.Len(out.SessionKey))
	})

	t.Run("malformed response is not retried", func(t *testing.T) {
		client := &stubClient{fn: func(_ context.Context, _ int, _ prompt.Request) (completion.Result, error) {
			return completion.Result{}, completion.NewError(completion.KindMalformedResponse, nil, "empty")
		}}
		d, _, _ := newTestDispatcher(t, client, nil)
		out := d.Handle(context.Background(), msg("c", "hi"))
		require.Equal(t, StateFailed, out.State)
		require.Equal(t, 1, out.Attempts)
		require.Len(t, client.Calls(), 1)
	})
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	client := echoClient()
	d, store, sender := newTestDispatcher(t, client, nil)

	for _, m := range []transport.Message{msg("", "hello"), msg("dave", "   "), msg("dave", "")} {
		out := d.Handle(context.Background(), m)
		require.Equal(t, StateDropped, out.State)
		require.True(t, errors.Is(out.Err, ErrMalformedMessage))
	}
	require.Equal(t, 0, store.Sessions())
	require.Empty(t, sender.All())
	require.Empty(t, client.Calls())
}

func TestSlowSessionDoesNotBlockOthers(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	client := &stubClient{fn: func(ctx context.Context, _ int, req prompt.Request) (completion.Result, error) {
		if req.UserMessage == "slow" {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
				return completion.Result{}, ctx.Err()
			}
		}
		return completion.Result{Text: "re: " + req.UserMessage}, nil
	}}
	d, _, _ := newTestDispatcher(t, client, nil)

	slow := d.Dispatch(msg("a", "slow"))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out := d.Handle(ctx, msg("b", "fast"))
	require.Equal(t, StateReplied, out.State)
	require.Equal(t, "re: fast", out.Reply)

	close(release)
	require.Equal(t, StateReplied, (<-slow).State)
}

func TestSameSessionIsProcessedInOrder(t *testing.T) {
	client := &stubClient{fn: func(_ context.Context, _ int, req prompt.Request) (completion.Result, error) {
		time.Sleep(2 * time.Millisecond)
		return completion.Result{Text: "re: " + req.UserMessage}, nil
	}}
	d, store, _ := newTestDispatcher(t, client, nil)

	var chans []<-chan Outcome
	for i := 0; i < 5; i++ {
		chans = append(chans, d.Dispatch(msg("eve", fmt.Sprintf("m%d", i))))
	}
	for _, ch := range chans {
		require.Equal(t, StateReplied, (<-ch).State)
	}

	snap := store.Snapshot(history.NewSessionKey("test", "eve"))
	require.Len(t, snap, 10)
	for i := 0; i < 5; i++ {
		require.Equal(t, fmt.Sprintf("m%d", i), snap[2*i].Text)
		require.Equal(t, fmt.Sprintf("re: m%d", i), snap[2*i+1].Text)
	}
	// each prompt sees every earlier exchange
	calls := client.Calls()
	require.Equal(t, "User: m0\nAssistant: re: m0\nUser: m1\nAssistant: re: m1", calls[2].RenderedHistory)
}

func TestManySessionsConcurrently(t *testing.T) {
	d, store, _ := newTestDispatcher(t, echoClient(), nil)

	const sessions, perSession = 10, 5
	var wg sync.WaitGroup
	for s := 0; s < sessions; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSession; i++ {
				d.Handle(context.Background(), msg(fmt.Sprintf("user-%d", s), fmt.Sprintf("m%d", i)))
			}
		}(s)
	}
	wg.Wait()

	require.Equal(t, sessions, store.Sessions())
	for s := 0; s < sessions; s++ {
		require.Equal(t, 2*perSession, store.Len(history.NewSessionKey("test", fmt.Sprintf("user-%d", s))))
	}
}

func TestCommands(t *testing.T) {
	client := echoClient()
	d, store, sender := newTestDispatcher(t, client, nil)
	ctx := context.Background()
	key := history.NewSessionKey("test", "frank")

	out := d.Handle(ctx, msg("frank", "/start"))
	require.Equal(t, StateReplied, out.State)
	require.Equal(t, DefaultGreeting, out.Reply)

	d.Handle(ctx, msg("frank", "hello"))
	require.Equal(t, 2, store.Len(key))

	out = d.Handle(ctx, msg("frank", "/reset@relay_bot"))
	require.Equal(t, StateReplied, out.State)
	require.Equal(t, DefaultResetNotice, out.Reply)
	require.Equal(t, 0, store.Len(key))

	out = d.Handle(ctx, msg("frank", "/unknown arg"))
	require.Equal(t, StateDropped, out.State)
	require.True(t, errors.Is(out.Err, ErrUnsupportedCommand))

	require.Len(t, client.Calls(), 1)
	require.Len(t, sender.All(), 3)
}

func TestPanicIsReportedAsFailure(t *testing.T) {
	client := &stubClient{fn: func(context.Context, int, prompt.Request) (completion.Result, error) {
		panic("boom")
	}}
	d, store, sender := newTestDispatcher(t, client, nil)

	out := d.Handle(context.Background(), msg("gina", "hi"))
	require.Equal(t, StateFailed, out.State)
	require.Error(t, out.Err)
	require.Equal(t, DefaultFailureNotice, out.Reply)
	require.Equal(t, 0, store.Len(out.SessionKey))
	require.Equal(t, []sent{{"test", "gina", DefaultFailureNotice}}, sender.All())

	// the session worker survives
	client.fn = func(context.Context, int, prompt.Request) (completion.Result, error) {
		return completion.Result{Text: "ok"}, nil
	}
	require.Equal(t, StateReplied, d.Handle(context.Background(), msg("gina", "again")).State)
}

func TestPanickingSenderIsTolerated(t *testing.T) {
	client := &stubClient{fn: func(context.Context, int, prompt.Request) (completion.Result, error) {
		panic("boom")
	}}
	d, _, _ := newTestDispatcher(t, client, func(c *Config) {
		c.Sender = transport.SenderFunc(func(context.Context, string, string, string) error {
			panic("sender down")
		})
	})

	out := d.Handle(context.Background(), msg("hank", "hi"))
	require.Equal(t, StateFailed, out.State)
	require.Equal(t, DefaultFailureNotice, out.Reply)

	client.fn = func(context.Context, int, prompt.Request) (completion.Result, error) {
		return completion.Result{Text: "ok"}, nil
	}
	require.Equal(t, StateReplied, d.Handle(context.Background(), msg("hank", "again")).State)
}

type replyingSender struct {
	recordingSender
	replyTo []string
}

func (s *replyingSender) SendReply(ctx context.Context, channel, recipient, replyTo, text string) error {
	s.mu.Lock()
	s.replyTo = append(s.replyTo, replyTo)
	s.mu.Unlock()
	return s.Send(ctx, channel, recipient, text)
}

func TestRepliesQuoteTheInboundMessage(t *testing.T) {
	rs := &replyingSender{}
	d, _, _ := newTestDispatcher(t, echoClient(), func(c *Config) { c.Sender = rs })

	m := msg("lena", "hello")
	m.ReplyTo = "99"
	require.Equal(t, StateReplied, d.Handle(context.Background(), m).State)
	require.Equal(t, StateReplied, d.Handle(context.Background(), msg("lena", "no id")).State)

	require.Equal(t, []string{"99"}, rs.replyTo)
	require.Equal(t, []sent{{"test", "lena", "re: hello"}, {"test", "lena", "re: no id"}}, rs.All())
}

func TestSendFailureDoesNotChangeOutcome(t *testing.T) {
	d, store, sender := newTestDispatcher(t, echoClient(), nil)
	sender.err = errors.New("transport down")

	out := d.Handle(context.Background(), msg("hal", "hi"))
	require.Equal(t, StateReplied, out.State)
	require.Equal(t, 2, store.Len(out.SessionKey))
}

func TestTranscriptReceivesAppendedTurns(t *testing.T) {
	tr := transcript.NewInMemoryStore()
	d, _, _ := newTestDispatcher(t, echoClient(), func(c *Config) { c.Transcript = tr })

	out := d.Handle(context.Background(), msg("ivy", "hello"))
	require.Equal(t, StateReplied, out.State)

	items, err := tr.List(context.Background(), transcript.Query{SessionKey: out.SessionKey.String()})
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "user", items[0].Role)
	require.Equal(t, "hello", items[0].Text)
	require.Equal(t, "assistant", items[1].Role)
	require.Equal(t, "re: hello", items[1].Text)
}

func TestTranscriptFollowsHistoryOrder(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	client := &stubClient{fn: func(_ context.Context, call int, req prompt.Request) (completion.Result, error) {
		if call == 1 {
			close(started)
			<-release
		}
		return completion.Result{Text: "re: " + req.UserMessage}, nil
	}}
	tr := transcript.NewInMemoryStore()
	t0 := time.UnixMilli(1_000_000)
	d, store, _ := newTestDispatcher(t, client, func(c *Config) {
		c.Transcript = tr
		// replies are stamped after both messages arrived
		c.Now = func() time.Time { return t0.Add(time.Minute) }
	})

	first := msg("judy", "first")
	first.ReceivedAt = t0
	second := msg("judy", "second")
	second.ReceivedAt = t0.Add(time.Second)

	ch1 := d.Dispatch(first)
	<-started
	ch2 := d.Dispatch(second)
	close(release)
	require.Equal(t, StateReplied, (<-ch1).State)
	out := <-ch2
	require.Equal(t, StateReplied, out.State)

	var want []string
	for _, turn := range store.Snapshot(out.SessionKey) {
		want = append(want, turn.Text)
	}
	require.Equal(t, []string{"first", "re: first", "second", "re: second"}, want)

	items, err := tr.List(context.Background(), transcript.Query{SessionKey: out.SessionKey.String()})
	require.NoError(t, err)
	var got []string
	for _, e := range items {
		got = append(got, e.Text)
	}
	require.Equal(t, want, got)
}

func TestShutdownWaitsForQueuedTurns(t *testing.T) {
	client := &stubClient{fn: func(_ context.Context, _ int, req prompt.Request) (completion.Result, error) {
		time.Sleep(10 * time.Millisecond)
		return completion.Result{Text: "done"}, nil
	}}
	d, store, _ := newTestDispatcher(t, client, nil)

	ch := d.Dispatch(msg("jo", "hi"))
	require.NoError(t, d.Shutdown(context.Background()))
	require.Equal(t, StateReplied, (<-ch).State)
	require.Equal(t, 2, store.Len(history.NewSessionKey("test", "jo")))

	out := d.Handle(context.Background(), msg("jo", "late"))
	require.Equal(t, StateDropped, out.State)
	require.True(t, errors.Is(out.Err, ErrShuttingDown))
}

func TestShutdownDeadlineCancelsWithoutHistoryWrites(t *testing.T) {
	var entered atomic.Bool
	client := &stubClient{fn: func(ctx context.Context, _ int, _ prompt.Request) (completion.Result, error) {
		entered.Store(true)
		<-ctx.Done()
		return completion.Result{}, completion.NewError(completion.KindTransientNetwork, ctx.Err(), "cancelled")
	}}
	tr := transcript.NewInMemoryStore()
	d, store, sender := newTestDispatcher(t, client, func(c *Config) { c.Transcript = tr })

	ch := d.Dispatch(msg("kim", "hi"))
	require.Eventually(t, entered.Load, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, d.Shutdown(ctx))

	out := <-ch
	require.Equal(t, StateFailed, out.State)
	require.True(t, errors.Is(out.Err, ErrShuttingDown))
	require.Equal(t, 0, store.Len(out.SessionKey))
	require.Empty(t, sender.All())
	sessions, err := tr.Sessions(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestStateTerminal(t *testing.T) {
	require.True(t, StateReplied.Terminal())
	require.True(t, StateFailed.Terminal())
	require.True(t, StateDropped.Terminal())
	require.False(t, StateCompleting.Terminal())
	require.False(t, StatePending.Terminal())
}

func TestHandleReportsPendingWhenWaitIsAbandoned(t *testing.T) {
	release := make(chan struct{})
	client := &stubClient{fn: func(_ context.Context, _ int, req prompt.Request) (completion.Result, error) {
		<-release
		return completion.Result{Text: "re: " + req.UserMessage}, nil
	}}
	d, store, sender := newTestDispatcher(t, client, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out := d.Handle(ctx, msg("kim", "slow"))
	require.Equal(t, StatePending, out.State)
	require.ErrorIs(t, out.Err, context.DeadlineExceeded)

	// the turn still completes after the caller left
	close(release)
	require.Eventually(t, func() bool { return len(sender.All()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 2, store.Len(out.SessionKey))
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Client: echoClient()})
	require.Error(t, err)
	_, err = New(Config{Store: history.NewStore(history.Options{})})
	require.Error(t, err)
}
