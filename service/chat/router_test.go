package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PlatesRelay/service/backplane"
	"PlatesRelay/tools/errs"
)

type published struct {
	channel string
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{channel, append([]byte(nil), payload...)})
	return nil
}

func (f *fakePublisher) all() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.sent...)
}

func newTestRouter(t *testing.T) (*Router, *fakePublisher, *ConnManager) {
	t.Helper()
	pub := &fakePublisher{}
	conns := NewConnManager("test")
	return NewRouter(pub, conns, nil, nil), pub, conns
}

func addSession(t *testing.T, conns *ConnManager, connID string, userID int64, queue int) *Session {
	t.Helper()
	s := NewSession(connID, userID, nil, queue, timeNow())
	require.NoError(t, conns.Add(s))
	return s
}

func TestRoutePublishesWhitelistedFrameVerbatim(t *testing.T) {
	r, pub, _ := newTestRouter(t)

	frame := []byte(`{"channel":"bookmark", "page":3,"note":"ü"}`)
	require.NoError(t, r.Route(context.Background(), "c1", frame))
	frame2 := []byte(`{"channel":"annotation","x":1}`)
	require.NoError(t, r.Route(context.Background(), "c1", frame2))

	sent := pub.all()
	require.Len(t, sent, 2)
	assert.Equal(t, "bookmarks", sent[0].channel)
	assert.Equal(t, frame, sent[0].payload)
	assert.Equal(t, "annotations", sent[1].channel)
	assert.Equal(t, frame2, sent[1].payload)
}

func TestRouteUsesLastChannelKey(t *testing.T) {
	r, pub, _ := newTestRouter(t)

	frame := []byte(`{"channel":"unknown","channel":"bookmark"}`)
	require.NoError(t, r.Route(context.Background(), "c1", frame))
	require.NoError(t, r.Route(context.Background(), "c1", []byte(`{"channel":"bookmark","channel":"nope"}`)))

	sent := pub.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "bookmarks", sent[0].channel)
	assert.Equal(t, frame, sent[0].payload)
}

func TestRouteDropsUnknownChannelSilently(t *testing.T) {
	r, pub, _ := newTestRouter(t)

	for _, frame := range []string{
		`{"channel":"comment"}`,
		`{"channel":"likes"}`,
		`{"channel":"bookmarks"}`,
		`{"channel":""}`,
	} {
		assert.NoError(t, r.Route(context.Background(), "c1", []byte(frame)), frame)
	}
	assert.Empty(t, pub.all())
}

func TestRouteRejectsMalformedFrames(t *testing.T) {
	r, pub, _ := newTestRouter(t)

	err := r.Route(context.Background(), "c1", []byte(`{"channel":"bookmark"`))
	require.Error(t, err)
	assert.True(t, errs.ErrFrameInvalid.Is(err))

	err = r.Route(context.Background(), "c1", []byte(`not json`))
	assert.True(t, errs.ErrFrameInvalid.Is(err))

	for _, frame := range []string{`{"id":1}`, `{"channel":7}`, `[1,2]`, `"bookmark"`, `{"channel":null}`} {
		err = r.Route(context.Background(), "c1", []byte(frame))
		assert.True(t, errs.ErrChannelMissing.Is(err), frame)
	}
	assert.Empty(t, pub.all())
}

func TestRouteReturnsPublishError(t *testing.T) {
	r, pub, _ := newTestRouter(t)
	pub.err = errs.ErrBackplaneUnavailable.Wrap()

	err := r.Route(context.Background(), "c1", []byte(`{"channel":"bookmark"}`))
	require.Error(t, err)
	assert.True(t, errs.ErrBackplaneUnavailable.Is(err))
}

func TestBroadcastSkipsClosedSessions(t *testing.T) {
	r, _, conns := newTestRouter(t)
	a := addSession(t, conns, "a", 1, 4)
	b := addSession(t, conns, "b", 2, 4)
	c := addSession(t, conns, "c", 2, 4)
	b.Close()

	delivered, dropped := r.Broadcast(backplane.Message{Channel: "likes", Payload: []byte(`{"n":1}`)})
	assert.Equal(t, 2, delivered)
	assert.Equal(t, 0, dropped)

	want := `{"channel":"likes","data":"{\"n\":1}"}`
	for _, s := range []*Session{a, c} {
		select {
		case got := <-s.send:
			assert.JSONEq(t, want, string(got))
		default:
			t.Fatalf("session %s got nothing", s.ConnID)
		}
	}
	assert.Empty(t, b.send)
}

func TestBroadcastIsolatesFullQueue(t *testing.T) {
	r, _, conns := newTestRouter(t)
	slow := addSession(t, conns, "slow", 1, 1)
	fast := addSession(t, conns, "fast", 2, 8)

	r.Broadcast(backplane.Message{Channel: "comments", Payload: []byte("1")})
	delivered, dropped := r.Broadcast(backplane.Message{Channel: "comments", Payload: []byte("2")})
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, dropped)
	assert.Len(t, slow.send, 1)
	assert.Len(t, fast.send, 2)
}

type fakeSubscriber struct {
	ch       chan backplane.Message
	channels []string
	err      error
}

func (f *fakeSubscriber) Subscribe(_ context.Context, channels ...string) (<-chan backplane.Message, error) {
	f.channels = channels
	return f.ch, f.err
}

func TestRunSubscribesFixedSetAndBroadcasts(t *testing.T) {
	r, _, conns := newTestRouter(t)
	s := addSession(t, conns, "a", 1, 4)
	sub := &fakeSubscriber{ch: make(chan backplane.Message, 1)}

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), sub) }()
	sub.ch <- backplane.Message{Channel: "bookmarks", Payload: []byte("x")}
	close(sub.ch)
	require.NoError(t, <-done)

	assert.Equal(t, []string{"annotations", "bookmarks", "comments", "likes"}, sub.channels)
	require.Len(t, s.send, 1)
	assert.JSONEq(t, `{"channel":"bookmarks","data":"x"}`, string(<-s.send))
}

func TestRunSubscribeError(t *testing.T) {
	r, _, _ := newTestRouter(t)
	sub := &fakeSubscriber{err: errors.New("boom")}
	assert.Error(t, r.Run(context.Background(), sub))
}

func backplaneMsg(channel, payload string) backplane.Message {
	return backplane.Message{Channel: channel, Payload: []byte(payload)}
}
