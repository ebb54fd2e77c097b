package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wagate/internal/engine"
	logx "wagate/pkg/logx"
)

type fakeSender struct {
	ready bool
	sent  []engine.Address
	media []engine.Address
	fail  map[engine.Address]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{ready: true, fail: map[engine.Address]error{}}
}

func (f *fakeSender) Ready() bool { return f.ready }

func (f *fakeSender) SendText(_ context.Context, to engine.Address, _ string) error {
	if err := f.fail[to]; err != nil {
		return err
	}
	f.sent = append(f.sent, to)
	return nil
}

func (f *fakeSender) SendMedia(_ context.Context, to engine.Address, _ engine.Media, _ string) error {
	if err := f.fail[to]; err != nil {
		return err
	}
	f.media = append(f.media, to)
	return nil
}

func newTestEngine(cfg Config) (*Engine, *[]time.Duration) {
	e := New(cfg, logx.Nop())
	waits := &[]time.Duration{}
	e.wait = func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
	return e, waits
}

func TestDispatchResultMatchesRecipientOrder(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(Config{})
	s := newFakeSender()
	s.fail["222@c.us"] = errors.New("delivery refused")

	res, err := e.Dispatch(context.Background(), s, Job{
		Recipients: []string{"111", "222", "333"},
		Payload:    Payload{Body: "hi"},
	})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 3)

	require.Equal(t, engine.Address("111@c.us"), res.Outcomes[0].Recipient)
	require.True(t, res.Outcomes[0].Sent)
	require.Equal(t, engine.Address("222@c.us"), res.Outcomes[1].Recipient)
	require.False(t, res.Outcomes[1].Sent)
	require.Contains(t, res.Outcomes[1].Reason, "delivery refused")
	require.True(t, res.Outcomes[2].Sent, "one failure must not abort the batch")

	require.Equal(t, 2, res.SentCount())
	require.Equal(t, 1, res.FailedCount())
	require.Equal(t, "Message sent to 111@c.us", res.Outcomes[0].Line())
	require.Equal(t, "Failed to send message to 222@c.us: delivery refused", res.Outcomes[1].Line())
}

func TestDispatchNotReadyAttemptsNothing(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(Config{})
	s := newFakeSender()
	s.ready = false

	_, err := e.Dispatch(context.Background(), s, Job{
		Recipients: []string{"111"},
		Payload:    Payload{Body: "hi"},
	})
	require.ErrorIs(t, err, ErrNotReady)
	require.Empty(t, s.sent)
}

func TestDispatchInvalidJob(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(Config{})
	s := newFakeSender()

	_, err := e.Dispatch(context.Background(), s, Job{Payload: Payload{Body: "hi"}})
	require.ErrorIs(t, err, ErrInvalidJob)

	_, err = e.Dispatch(context.Background(), s, Job{
		Recipients: []string{"111"},
		Payload:    Payload{Media: &engine.Media{MimeType: "image/png"}}, // no data, no filename
	})
	require.ErrorIs(t, err, ErrInvalidJob)
	require.Empty(t, s.sent)
	require.Empty(t, s.media)
}

func TestDispatchPacingBatchBoundaryOverridesPerMessage(t *testing.T) {
	t.Parallel()
	e, waits := newTestEngine(Config{})
	s := newFakeSender()

	_, err := e.Dispatch(context.Background(), s, Job{
		Recipients: []string{"1", "2", "3"},
		Payload:    Payload{Body: "hi"},
		Policy: Policy{
			PerMessageDelay: 5 * time.Second,
			BatchSize:       2,
			InterBatchDelay: 30 * time.Second,
		},
	})
	require.NoError(t, err)

	// After send 1: per-message wait. After send 2 (batch boundary): the
	// batch pause replaces it. After the last send: nothing.
	require.Equal(t, []time.Duration{5 * time.Second, 30 * time.Second}, *waits)
}

func TestDispatchUnthrottledWhenDelaysZero(t *testing.T) {
	t.Parallel()
	e, waits := newTestEngine(Config{})
	s := newFakeSender()

	_, err := e.Dispatch(context.Background(), s, Job{
		Recipients: []string{"1", "2", "3", "4"},
		Payload:    Payload{Body: "hi"},
		Policy:     Policy{BatchSize: 1},
	})
	require.NoError(t, err)
	require.Empty(t, *waits)
	require.Len(t, s.sent, 4)
}

func TestDispatchCancelMarksRemainingFailed(t *testing.T) {
	t.Parallel()
	e := New(Config{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	e.wait = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}
	s := newFakeSender()

	res, err := e.Dispatch(ctx, s, Job{
		Recipients: []string{"1", "2", "3"},
		Payload:    Payload{Body: "hi"},
		Policy:     Policy{PerMessageDelay: time.Second, BatchSize: 1},
	})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 3, "result length must match recipients even when cancelled")
	require.True(t, res.Outcomes[0].Sent)
	require.False(t, res.Outcomes[1].Sent)
	require.False(t, res.Outcomes[2].Sent)
	require.Len(t, s.sent, 1)
}

func TestDispatchMediaUsesBodyAsCaption(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(Config{})
	s := newFakeSender()

	res, err := e.Dispatch(context.Background(), s, Job{
		Recipients: []string{"111"},
		Payload: Payload{
			Body:  "caption",
			Media: &engine.Media{MimeType: "image/png", Data: []byte{1}, Filename: "a.png"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.SentCount())
	require.Len(t, s.media, 1)
	require.Empty(t, s.sent)
}

func TestDispatchInvalidRecipientRecordedNotSent(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(Config{})
	s := newFakeSender()

	res, err := e.Dispatch(context.Background(), s, Job{
		Recipients: []string{"  ", "111"},
		Payload:    Payload{Body: "hi"},
	})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 2)
	require.False(t, res.Outcomes[0].Sent)
	require.True(t, res.Outcomes[1].Sent)
}

func TestPolicyDefaultsFillZeroFields(t *testing.T) {
	t.Parallel()
	e, waits := newTestEngine(Config{
		DefaultPolicy: Policy{PerMessageDelay: time.Second, BatchSize: 2, InterBatchDelay: 3 * time.Second},
	})
	s := newFakeSender()

	_, err := e.Dispatch(context.Background(), s, Job{
		Recipients: []string{"1", "2", "3"},
		Payload:    Payload{Body: "hi"},
	})
	require.NoError(t, err)
	require.Equal(t, []time.Duration{time.Second, 3 * time.Second}, *waits)
}
