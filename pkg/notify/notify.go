// Package notify implements the wakeup transport: a payload-less,
// best-effort, broadcast-by-name signal between processes on one host,
// carried over unix datagram sockets in a shared runtime directory. The
// durable store is the source of truth; a lost signal only delays
// consumption until the next one.
package notify

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const postTimeout = 100 * time.Millisecond

// Transport posts and receives wakeup signals keyed by listener name.
type Transport struct {
	dir string
	log *zap.SugaredLogger
}

// NewTransport creates a transport rooted at dir, creating it if needed.
func NewTransport(dir string, log *zap.SugaredLogger) (*Transport, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("invalid socket directory: must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	return &Transport{dir: dir, log: log}, nil
}

func (t *Transport) socketPath(name string) string {
	return filepath.Join(t.dir, name+".sock")
}

// Post wakes the listener registered under name, if any. Delivery is
// best-effort: a signal posted with no listener present is lost, and that is
// never an error.
func (t *Transport) Post(name string) {
	conn, err := net.DialTimeout("unixgram", t.socketPath(name), postTimeout)
	if err != nil {
		t.log.Debugw("no listener for signal", "name", name, "error", err)
		return
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(postTimeout))
	if _, err := conn.Write([]byte{1}); err != nil {
		t.log.Debugw("failed to post signal", "name", name, "error", err)
	}
}

// Listener receives wakeup signals for one name. Each process registers
// exactly one listener, named after its own identity, for its lifetime.
type Listener struct {
	conn *net.UnixConn
	path string

	// Signals coalesce into a buffered channel of size one; several posts
	// while the receiver is busy collapse into a single wakeup.
	ch chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// Listen binds the socket for name and starts receiving signals. A stale
// socket left behind by a crashed process is replaced.
func (t *Transport) Listen(name string) (*Listener, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("invalid listener name: must not be empty")
	}

	path := t.socketPath(name)
	addr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		// The previous owner may have crashed without unlinking.
		if rmErr := os.Remove(path); rmErr != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
		}
		conn, err = net.ListenUnixgram("unixgram", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
		}
	}

	l := &Listener{
		conn: conn,
		path: path,
		ch:   make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.receive(t.log)
	return l, nil
}

func (l *Listener) receive(log *zap.SugaredLogger) {
	buf := make([]byte, 16)
	for {
		if _, err := l.conn.Read(buf); err != nil {
			select {
			case <-l.done:
			default:
				log.Debugw("signal listener read failed", "path", l.path, "error", err)
			}
			return
		}
		select {
		case l.ch <- struct{}{}:
		default:
		}
	}
}

// C returns the channel that fires when a signal arrives.
func (l *Listener) C() <-chan struct{} {
	return l.ch
}

// Close unregisters the listener and unlinks its socket. Safe to call once;
// a blocked receiver is woken by the closing connection.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.conn.Close()
		_ = os.Remove(l.path)
	})
	return err
}
