package controlstream

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/corefn/internal/errs"
	"github.com/oriys/corefn/internal/logging"
)

// Interceptor signs outbound frames and verifies inbound ones. Heartbeat
// frames bypass both operations (spec §4.3).
type Interceptor interface {
	Sign(env Envelope) ([]byte, error)
	Verify(env Envelope, sig []byte) error
}

// HandlerFunc answers a server-initiated request (an inbound envelope whose
// id is not found in the pending map). The returned envelope is written
// back with the original message id preserved.
type HandlerFunc func(ctx context.Context, env Envelope) Envelope

// ClosedCallback is invoked once the stream has terminated, with the
// terminal error (nil on a clean explicit Stop).
type ClosedCallback func(err error)

type pendingEntry struct {
	done   chan struct{}
	result Envelope
	err    error
}

// stopWriteTimeout bounds how long Stop waits to write the LAST_WRITE
// sentinel.
const stopWriteTimeout = time.Second

type writeJob struct {
	env    Envelope
	result chan error
}

// Stream is one long-lived connection demultiplexed by message id. All
// exported methods are safe for concurrent use.
type Stream struct {
	conn          net.Conn
	maxFrameBytes int
	interceptor   Interceptor

	writeCh chan writeJob
	runWG   sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[string]*pendingEntry

	handlersMu sync.RWMutex
	handlers   map[Kind]HandlerFunc

	onClosed ClosedCallback

	stopOnce       sync.Once
	stopped        chan struct{}
	locallyStopped atomic.Bool

	closeOnce sync.Once
}

// New wraps conn in a Stream. maxFrameBytes <= 0 uses the spec default.
func New(conn net.Conn, maxFrameBytes int, interceptor Interceptor, onClosed ClosedCallback) *Stream {
	s := &Stream{
		conn:          conn,
		maxFrameBytes: maxFrameBytes,
		interceptor:   interceptor,
		writeCh:       make(chan writeJob, 64),
		pending:       make(map[string]*pendingEntry),
		handlers:      make(map[Kind]HandlerFunc),
		onClosed:      onClosed,
		stopped:       make(chan struct{}),
	}
	s.runWG.Add(2)
	go s.writeLoop()
	go s.readLoop()
	return s
}

// RegisterHandler installs the handler invoked for a server-initiated
// request tagged kind.
func (s *Stream) RegisterHandler(kind Kind, fn HandlerFunc) {
	s.handlersMu.Lock()
	s.handlers[kind] = fn
	s.handlersMu.Unlock()
}

// Send enqueues env for write and returns its reply. If a promise for
// env.ID already exists (duplicate send, spec §4.3), the existing future
// is returned without writing a second frame.
func (s *Stream) Send(ctx context.Context, env Envelope) (Envelope, error) {
	if env.ID == "" {
		return Envelope{}, errs.New(errs.CodeParamInvalid, "envelope id required")
	}

	s.pendingMu.Lock()
	if existing, ok := s.pending[env.ID]; ok {
		s.pendingMu.Unlock()
		return s.awaitEntry(ctx, existing)
	}
	entry := &pendingEntry{done: make(chan struct{})}
	s.pending[env.ID] = entry
	s.pendingMu.Unlock()

	if !env.Kind.IsHeartbeat() && s.interceptor != nil {
		sig, err := s.interceptor.Sign(env)
		if err != nil {
			s.failEntry(env.ID, entry, fmt.Errorf("sign frame: %w", err))
			return Envelope{}, entry.err
		}
		env.Sig = sig
	}

	result := make(chan error, 1)
	select {
	case s.writeCh <- writeJob{env: env, result: result}:
	case <-s.stopped:
		s.failEntry(env.ID, entry, errs.New(errs.CodeDisconnectFrontendBus, "stream closed"))
		return Envelope{}, entry.err
	}

	select {
	case err := <-result:
		if err != nil {
			s.failEntry(env.ID, entry, err)
			return Envelope{}, entry.err
		}
	case <-ctx.Done():
		s.failEntry(env.ID, entry, ctx.Err())
		return Envelope{}, entry.err
	}

	return s.awaitEntry(ctx, entry)
}

func (s *Stream) awaitEntry(ctx context.Context, entry *pendingEntry) (Envelope, error) {
	select {
	case <-entry.done:
		return entry.result, entry.err
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (s *Stream) failEntry(id string, entry *pendingEntry, err error) {
	s.pendingMu.Lock()
	cur, ok := s.pending[id]
	owned := ok && cur == entry
	if owned {
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()
	if !owned {
		// dispatch or closeWith already completed this entry.
		<-entry.done
		return
	}
	entry.err = err
	close(entry.done)
}

func (s *Stream) writeLoop() {
	defer s.runWG.Done()
	for {
		select {
		case job := <-s.writeCh:
			err := WriteFrame(s.conn, job.env, s.maxFrameBytes)
			job.result <- err
			if err != nil {
				s.closeWith(err)
				return
			}
		case <-s.stopped:
			return
		}
	}
}

func (s *Stream) readLoop() {
	defer s.runWG.Done()
	for {
		env, err := ReadFrame(s.conn, s.maxFrameBytes)
		if err != nil {
			if err != io.EOF {
				logging.Op().Warn("controlstream: read failed", "err", err)
			}
			s.closeWith(err)
			return
		}
		if env.Kind == kindLastWrite {
			s.closeWith(nil)
			return
		}
		s.dispatch(env)
	}
}

func (s *Stream) dispatch(env Envelope) {
	if !env.Kind.IsHeartbeat() && s.interceptor != nil {
		if err := s.interceptor.Verify(env, env.Sig); err != nil {
			logging.Op().Error("controlstream: signature verification failed", "id", env.ID, "err", err)
			return
		}
	}

	s.pendingMu.Lock()
	entry, ok := s.pending[env.ID]
	if ok {
		delete(s.pending, env.ID)
	}
	s.pendingMu.Unlock()

	if ok {
		entry.result = env
		close(entry.done)
		return
	}

	s.handlersMu.RLock()
	handler, ok := s.handlers[env.Kind]
	s.handlersMu.RUnlock()
	if !ok {
		logging.Op().Warn("controlstream: no handler registered", "kind", env.Kind, "id", env.ID)
		return
	}

	go func() {
		resp := handler(context.Background(), env)
		resp.ID = env.ID
		result := make(chan error, 1)
		select {
		case s.writeCh <- writeJob{env: resp, result: result}:
			<-result
		case <-s.stopped:
		}
	}()
}

// closeWith tears the stream down: every pending promise fails with a
// stream-closed error and the closed callback fires, unless Stop() was
// called locally first (spec §4.3 closure semantics).
func (s *Stream) closeWith(err error) {
	s.closeOnce.Do(func() {
		s.pendingMu.Lock()
		pending := s.pending
		s.pending = make(map[string]*pendingEntry)
		s.pendingMu.Unlock()

		failure := errs.New(errs.CodeDisconnectFrontendBus, "stream closed")
		for _, entry := range pending {
			entry.err = failure
			close(entry.done)
		}

		s.stopOnce.Do(func() { close(s.stopped) })

		if !s.locallyStopped.Load() && s.onClosed != nil {
			s.onClosed(err)
		}
	})
}

// Stop explicitly closes the stream from this side: it writes the
// LAST_WRITE sentinel, then drops holds. The closed callback is suppressed
// since this is a local, expected shutdown. Writes still blocked after
// stopWriteTimeout (e.g. on a peer that no longer reads) are abandoned.
func (s *Stream) Stop() {
	s.locallyStopped.Store(true)
	_ = s.conn.SetWriteDeadline(time.Now().Add(stopWriteTimeout))
	_ = WriteFrame(s.conn, Envelope{Kind: kindLastWrite}, s.maxFrameBytes)
	s.closeWith(nil)
	_ = s.conn.Close()
	s.runWG.Wait()
}
