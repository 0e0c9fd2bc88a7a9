package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ipclab/ipcbus/internal/metrics"
	"github.com/ipclab/ipcbus/pkg/notify"
	"github.com/ipclab/ipcbus/pkg/store"
)

var (
	// ErrAlreadyInitialized is returned when Init is called a second time.
	// The first instance's state is never replaced.
	ErrAlreadyInitialized = errors.New("bus is already initialized")
	// ErrNotInitialized is returned when the default endpoint is used
	// before Init or after Shutdown.
	ErrNotInitialized = errors.New("bus is not initialized")
)

var (
	defaultMu    sync.Mutex
	defaultEP    *Endpoint
	defaultStore *store.Store
)

// Init performs the one-time process-wide setup: it opens the shared store,
// creates the wakeup transport, and starts the default endpoint under
// cfg.Identity. Calling Init twice is a precondition violation.
func Init(cfg Config, storeCfg store.Config, log *zap.SugaredLogger, m *metrics.Metrics) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultEP != nil {
		return ErrAlreadyInitialized
	}

	st, err := store.Open(storeCfg, log)
	if err != nil {
		return fmt.Errorf("failed to open message store: %w", err)
	}

	transport, err := notify.NewTransport(cfg.SocketDir, log)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("failed to create wakeup transport: %w", err)
	}

	ep, err := Open(cfg, st, transport, log, m)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("failed to open endpoint: %w", err)
	}

	defaultEP = ep
	defaultStore = st
	return nil
}

// Shutdown terminates the default endpoint and closes its store. After
// Shutdown no continuation or subscriber callback fires.
func Shutdown() error {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultEP == nil {
		return ErrNotInitialized
	}

	err := defaultEP.Close()
	if cerr := defaultStore.Close(); err == nil {
		err = cerr
	}
	defaultEP = nil
	defaultStore = nil
	return err
}

func defaultEndpoint() (*Endpoint, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultEP == nil {
		return nil, ErrNotInitialized
	}
	return defaultEP, nil
}

// Send sends on the default endpoint. See Endpoint.Send.
func Send(ctx context.Context, name string, payload []byte, destination string, cont Continuation) (int64, error) {
	ep, err := defaultEndpoint()
	if err != nil {
		return 0, err
	}
	return ep.Send(ctx, name, payload, destination, cont)
}

// Respond replies on the default endpoint. See Endpoint.Respond.
func Respond(ctx context.Context, orig *store.Message, payload []byte) (int64, error) {
	ep, err := defaultEndpoint()
	if err != nil {
		return 0, err
	}
	return ep.Respond(ctx, orig, payload)
}

// Subscribe subscribes on the default endpoint. See Endpoint.Subscribe.
func Subscribe(name string, h Handler) (unsubscribe func(), err error) {
	ep, err := defaultEndpoint()
	if err != nil {
		return nil, err
	}
	return ep.Subscribe(name, h), nil
}
