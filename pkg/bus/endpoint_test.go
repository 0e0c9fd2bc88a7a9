package bus

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ipclab/ipcbus/internal/metrics"
	"github.com/ipclab/ipcbus/pkg/notify"
	"github.com/ipclab/ipcbus/pkg/store"
)

const (
	waitTimeout = 3 * time.Second
	waitTick    = 5 * time.Millisecond

	// settle is how long tests wait before asserting that something did NOT
	// happen.
	settle = 300 * time.Millisecond
)

// testEnv is one shared host: a database file and a socket directory that
// several endpoints, each with its own store handle, use together the way
// separate processes would.
type testEnv struct {
	t       *testing.T
	dbPath  string
	sockDir string
	log     *zap.SugaredLogger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	return &testEnv{
		t:       t,
		dbPath:  filepath.Join(dir, "bus.db"),
		sockDir: filepath.Join(dir, "sockets"),
		log:     zap.NewNop().Sugar(),
	}
}

func (env *testEnv) endpoint(identity string, grace time.Duration) *Endpoint {
	env.t.Helper()
	return env.endpointWith(identity, grace, nil)
}

func (env *testEnv) endpointWith(identity string, grace time.Duration, m *metrics.Metrics) *Endpoint {
	env.t.Helper()

	st, err := store.Open(store.Config{
		Path:        env.dbPath,
		BusyTimeout: 5 * time.Second,
	}, env.log)
	require.NoError(env.t, err)
	env.t.Cleanup(func() { _ = st.Close() })

	transport, err := notify.NewTransport(env.sockDir, env.log)
	require.NoError(env.t, err)

	ep, err := Open(Config{
		Identity:  identity,
		SocketDir: env.sockDir,
		Grace:     grace,
	}, st, transport, env.log, m)
	require.NoError(env.t, err)
	env.t.Cleanup(func() { _ = ep.Close() })
	return ep
}

func TestOpen_Validation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	log := zap.NewNop().Sugar()

	st, err := store.Open(store.Config{Path: env.dbPath, BusyTimeout: time.Second}, log)
	require.NoError(t, err)
	defer st.Close()
	transport, err := notify.NewTransport(env.sockDir, log)
	require.NoError(t, err)
	cfg := Config{Identity: "A", SocketDir: env.sockDir}

	_, err = Open(cfg, st, transport, nil, nil)
	require.ErrorContains(t, err, "invalid logger")

	_, err = Open(cfg, nil, transport, log, nil)
	require.ErrorContains(t, err, "invalid store")

	_, err = Open(cfg, st, nil, log, nil)
	require.ErrorContains(t, err, "invalid transport")

	_, err = Open(Config{SocketDir: env.sockDir}, st, transport, log, nil)
	require.ErrorContains(t, err, "invalid identity")
}

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	a := env.endpoint("A", time.Minute)
	b := env.endpoint("B", time.Minute)

	got := make(chan *store.Message, 1)
	b.Subscribe("ping.test", func(msg *store.Message) {
		got <- msg
	})

	id, err := a.Send(context.Background(), "ping.test", []byte("1"), "B", nil)
	require.NoError(t, err)

	select {
	case msg := <-got:
		require.Equal(t, id, msg.ID)
		require.Equal(t, "ping.test", msg.Name)
		require.Equal(t, "A", msg.Source)
		require.Equal(t, "B", msg.Destination)
		require.Equal(t, []byte("1"), msg.Payload)
	case <-time.After(waitTimeout):
		t.Fatal("message never delivered")
	}
}

func TestSubscribe_ExactNameOnly(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	a := env.endpoint("A", time.Minute)
	b := env.endpoint("B", time.Minute)

	var wrongName atomic.Int64
	b.Subscribe("ping", func(msg *store.Message) {
		wrongName.Add(1)
	})
	sentinel := make(chan struct{}, 1)
	b.Subscribe("ping.done", func(msg *store.Message) {
		sentinel <- struct{}{}
	})

	// "ping.test" matches neither subscription; name matching is exact, not
	// by prefix or topic.
	_, err := a.Send(context.Background(), "ping.test", nil, "B", nil)
	require.NoError(t, err)
	_, err = a.Send(context.Background(), "ping.done", nil, "B", nil)
	require.NoError(t, err)

	select {
	case <-sentinel:
	case <-time.After(waitTimeout):
		t.Fatal("sentinel message never delivered")
	}
	require.Zero(t, wrongName.Load())
}

func TestRequestResponse_ExactlyOnce(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	a := env.endpoint("A", time.Minute)
	b := env.endpoint("B", time.Minute)

	origCh := make(chan *store.Message, 1)
	b.Subscribe("ping.test", func(msg *store.Message) {
		origCh <- msg
	})

	var (
		calls   atomic.Int64
		replyCh = make(chan *store.Message, 2)
	)
	_, err := a.Send(context.Background(), "ping.test", []byte("1"), "B", func(msg *store.Message) {
		calls.Add(1)
		replyCh <- msg
	})
	require.NoError(t, err)

	var orig *store.Message
	select {
	case orig = <-origCh:
	case <-time.After(waitTimeout):
		t.Fatal("request never delivered")
	}

	_, err = b.Respond(context.Background(), orig, []byte("2"))
	require.NoError(t, err)

	select {
	case reply := <-replyCh:
		require.Equal(t, []byte("2"), reply.Payload)
		require.Equal(t, orig.ID, reply.ResponseTo)
		require.Equal(t, "B", reply.Source)
	case <-time.After(waitTimeout):
		t.Fatal("reply never delivered")
	}

	// A second reply to the same request finds no continuation and is
	// dropped silently.
	_, err = b.Respond(context.Background(), orig, []byte("3"))
	require.NoError(t, err)
	time.Sleep(settle)
	require.EqualValues(t, 1, calls.Load())
}

func TestRespond_Validation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	a := env.endpoint("A", time.Minute)

	_, err := a.Respond(context.Background(), nil, nil)
	require.ErrorIs(t, err, store.ErrInvalidMessage)

	_, err = a.Respond(context.Background(), &store.Message{Name: "x"}, nil)
	require.ErrorIs(t, err, store.ErrInvalidMessage)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	a := env.endpoint("A", time.Minute)
	b := env.endpoint("B", time.Minute)

	var calls atomic.Int64
	unsubscribe := b.Subscribe("roster.update", func(msg *store.Message) {
		calls.Add(1)
	})
	sentinel := make(chan struct{}, 1)
	b.Subscribe("roster.done", func(msg *store.Message) {
		sentinel <- struct{}{}
	})

	unsubscribe()
	unsubscribe() // safe to call twice

	_, err := a.Send(context.Background(), "roster.update", nil, "B", nil)
	require.NoError(t, err)
	_, err = a.Send(context.Background(), "roster.done", nil, "B", nil)
	require.NoError(t, err)

	select {
	case <-sentinel:
	case <-time.After(waitTimeout):
		t.Fatal("sentinel message never delivered")
	}
	require.Zero(t, calls.Load())
}

func TestDispatch_SameTopicInOrder(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	a := env.endpoint("A", time.Minute)
	b := env.endpoint("B", time.Minute)

	var (
		mu  sync.Mutex
		got []int64
	)
	b.Subscribe("roster.update", func(msg *store.Message) {
		mu.Lock()
		got = append(got, msg.ID)
		mu.Unlock()
	})

	const total = 10
	var sent []int64
	for n := 0; n < total; n++ {
		id, err := a.Send(context.Background(), "roster.update", nil, "B", nil)
		require.NoError(t, err)
		sent = append(sent, id)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == total
	}, waitTimeout, waitTick)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, sent, got)
}

func TestDispatch_DistinctTopicsConcurrent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	a := env.endpoint("A", time.Minute)
	b := env.endpoint("B", time.Minute)

	var (
		blockStarted = make(chan struct{})
		release      = make(chan struct{})
		capsDone     = make(chan struct{})
	)
	b.Subscribe("roster.block", func(msg *store.Message) {
		close(blockStarted)
		<-release
	})
	b.Subscribe("caps.ping", func(msg *store.Message) {
		close(capsDone)
	})

	_, err := a.Send(context.Background(), "roster.block", nil, "B", nil)
	require.NoError(t, err)
	_, err = a.Send(context.Background(), "caps.ping", nil, "B", nil)
	require.NoError(t, err)

	select {
	case <-blockStarted:
	case <-time.After(waitTimeout):
		t.Fatal("roster handler never started")
	}

	// The caps topic proceeds while the roster topic's worker is blocked.
	select {
	case <-capsDone:
	case <-time.After(waitTimeout):
		t.Fatal("caps handler blocked behind another topic")
	}
	close(release)
}

func TestClose(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	a := env.endpoint("A", time.Minute)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close()) // idempotent

	_, err := a.Send(context.Background(), "ping.test", nil, "B", nil)
	require.ErrorIs(t, err, ErrClosed)

	_, err = a.Respond(context.Background(), &store.Message{ID: 1, Source: "B"}, nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestClose_NoContinuationAfter(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	a := env.endpoint("A", time.Minute)
	b := env.endpoint("B", time.Minute)

	origCh := make(chan *store.Message, 1)
	b.Subscribe("ping.test", func(msg *store.Message) {
		origCh <- msg
	})

	var calls atomic.Int64
	_, err := a.Send(context.Background(), "ping.test", []byte("1"), "B", func(msg *store.Message) {
		calls.Add(1)
	})
	require.NoError(t, err)

	var orig *store.Message
	select {
	case orig = <-origCh:
	case <-time.After(waitTimeout):
		t.Fatal("request never delivered")
	}

	// Terminate the requester before the reply arrives. The reply row stays
	// durable, but the continuation must never fire.
	require.NoError(t, a.Close())
	_, err = b.Respond(context.Background(), orig, []byte("2"))
	require.NoError(t, err)

	time.Sleep(settle)
	require.Zero(t, calls.Load())
}

func TestClose_WaitsForRunningCallback(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	a := env.endpoint("A", time.Minute)
	b := env.endpoint("B", time.Minute)

	var (
		started  = make(chan struct{})
		release  = make(chan struct{})
		finished atomic.Bool
	)
	b.Subscribe("ping.slow", func(msg *store.Message) {
		close(started)
		<-release
		finished.Store(true)
	})

	_, err := a.Send(context.Background(), "ping.slow", nil, "B", nil)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("handler never started")
	}

	// Release the handler only once Close is already blocked on it.
	go func() {
		time.Sleep(settle)
		close(release)
	}()

	require.NoError(t, b.Close())
	require.True(t, finished.Load(), "a callback was still executing when Close returned")
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return 0
}

func TestMetrics_PendingResponsesGauge(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	a := env.endpointWith("A", time.Minute, m)
	b := env.endpoint("B", time.Minute)

	origCh := make(chan *store.Message, 1)
	b.Subscribe("ping.test", func(msg *store.Message) {
		origCh <- msg
	})

	// A continuation to a destination that never answers stays registered.
	_, err = a.Send(context.Background(), "ping.idle", nil, "idle", func(msg *store.Message) {})
	require.NoError(t, err)
	require.EqualValues(t, 1, gaugeValue(t, reg, "ipcbus_pending_responses"))

	replyCh := make(chan *store.Message, 1)
	_, err = a.Send(context.Background(), "ping.test", []byte("1"), "B", func(msg *store.Message) {
		replyCh <- msg
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return gaugeValue(t, reg, "ipcbus_pending_responses") == 2
	}, waitTimeout, waitTick)

	var orig *store.Message
	select {
	case orig = <-origCh:
	case <-time.After(waitTimeout):
		t.Fatal("request never delivered")
	}
	_, err = b.Respond(context.Background(), orig, []byte("2"))
	require.NoError(t, err)

	select {
	case <-replyCh:
	case <-time.After(waitTimeout):
		t.Fatal("reply never delivered")
	}
	// The answered continuation is consumed; only the idle one remains.
	require.Eventually(t, func() bool {
		return gaugeValue(t, reg, "ipcbus_pending_responses") == 1
	}, waitTimeout, waitTick)

	require.NoError(t, a.Close())
	require.EqualValues(t, 0, gaugeValue(t, reg, "ipcbus_pending_responses"))
}

func TestExpiredMessage_NeverDelivered(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	a := env.endpoint("A", time.Second)

	// "C" is not running yet.
	_, err := a.Send(context.Background(), "ping.test", []byte("1"), "C", nil)
	require.NoError(t, err)

	time.Sleep(1200 * time.Millisecond)

	var calls atomic.Int64
	c := env.endpoint("C", time.Minute)
	c.Subscribe("ping.test", func(msg *store.Message) {
		calls.Add(1)
	})
	// Wake the late starter; the expired row must be swept, not handed over.
	a2 := env.endpoint("A2", time.Minute)
	_, err = a2.Send(context.Background(), "ping.other", nil, "C", nil)
	require.NoError(t, err)

	time.Sleep(settle)
	require.Zero(t, calls.Load())
}
