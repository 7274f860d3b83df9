// Package tunnel implements the broker core: the per-client socket pool
// (Agent), the HTTP/upgrade forwarding wrapper around it (Client), and the
// id→Client registry (Manager).
package tunnel

import (
	"context"
	"net"
	"sync"

	"github.com/openport-io/openport/internal/metrics"
)

const defaultMaxSockets = 10

// checkoutResult is delivered to a waiter once a socket becomes available
// or the agent is destroyed.
type checkoutResult struct {
	conn net.Conn
	err  error
}

// Agent owns one inbound TCP listener for a single remote client, a bounded
// pool of sockets that client has opened to the broker, and a FIFO queue of
// pending CreateConnection callers. All mutations of available/waiters/
// connectedCount/closed are serialized by mu — the single-writer-per-agent
// model from spec §5.
type Agent struct {
	mu sync.Mutex

	listener       net.Listener
	available      []net.Conn
	waiters        []chan checkoutResult
	connectedCount int
	maxSockets     int
	started        bool
	closed         bool

	onOnline  func()
	onOffline func()
	onFatal   func(error)

	// metrics is optional, set directly by Manager.NewClient (same package)
	// before the agent starts accepting connections.
	metrics *metrics.Metrics
}

// NewAgent creates an Agent with the given socket cap. A maxSockets <= 0
// falls back to the spec default of 10.
func NewAgent(maxSockets int) *Agent {
	if maxSockets <= 0 {
		maxSockets = defaultMaxSockets
	}
	return &Agent{maxSockets: maxSockets}
}

// OnOnline registers the callback fired on the 0→1 edge of connectedCount.
// Must be called before Listen.
func (a *Agent) OnOnline(f func()) { a.onOnline = f }

// OnOffline registers the callback fired on the 1→0 edge of connectedCount
// while the agent is not closed. Must be called before Listen.
func (a *Agent) OnOffline(f func()) { a.onOffline = f }

// OnFatal registers a one-shot callback fired if the accept loop exits for
// a reason other than an explicit Destroy (e.g. the listener socket itself
// errors out from under us).
func (a *Agent) OnFatal(f func(error)) { a.onFatal = f }

// Listen binds the listener on host:0 (an OS-chosen port) and starts the
// accept loop. Binding is synchronous; only subsequent accepts run in a
// background goroutine.
func (a *Agent) Listen(host string) (int, error) {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return 0, ErrAlreadyStarted
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		a.mu.Unlock()
		return 0, err
	}
	a.listener = ln
	a.started = true
	a.mu.Unlock()

	go a.acceptLoop(ln)

	return ln.Addr().(*net.TCPAddr).Port, nil
}

func (a *Agent) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			a.mu.Lock()
			wasClosed := a.closed
			a.mu.Unlock()
			if !wasClosed && a.onFatal != nil {
				a.onFatal(err)
			}
			return
		}
		a.admit(conn)
	}
}

// admit runs the accept algorithm from spec §4.1.
func (a *Agent) admit(conn net.Conn) {
	a.mu.Lock()
	if a.closed || a.connectedCount >= a.maxSockets {
		a.mu.Unlock()
		conn.Close()
		return
	}

	wasOffline := a.connectedCount == 0
	a.connectedCount++

	wrapped := &pooledConn{Conn: conn, agent: a}

	var waiter chan checkoutResult
	if len(a.waiters) > 0 {
		waiter = a.waiters[0]
		a.waiters = a.waiters[1:]
	}
	a.mu.Unlock()

	// online must be emitted before wrapped is handed to a waiter or placed
	// in available (spec §4.1 step 3, §5) — a CreateConnection racing this
	// window must never observe a socket before the grace timer it cancels
	// has actually been cancelled.
	if wasOffline && a.onOnline != nil {
		a.onOnline()
	}

	if a.metrics != nil {
		a.metrics.TunnelSocketsActive.Inc()
		if wasOffline {
			a.metrics.OnlineTotal.Inc()
		}
	}

	if waiter != nil {
		// Delivery is posted to a fresh goroutine rather than sent inline so
		// that admit() is never re-entered from the waiter's own code.
		go func() { waiter <- checkoutResult{conn: wrapped} }()
		return
	}

	a.mu.Lock()
	a.available = append(a.available, wrapped)
	a.mu.Unlock()
}

// CreateConnection yields a socket suitable for one HTTP exchange. It
// blocks until a socket is available, the context is cancelled, or the
// agent is destroyed.
func (a *Agent) CreateConnection(ctx context.Context) (net.Conn, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	if n := len(a.available); n > 0 {
		conn := a.available[0]
		a.available = a.available[1:]
		a.mu.Unlock()
		return conn, nil
	}

	ch := make(chan checkoutResult, 1)
	a.waiters = append(a.waiters, ch)
	a.mu.Unlock()

	select {
	case res := <-ch:
		return res.conn, res.err
	case <-ctx.Done():
		a.abandonWaiter(ch)
		// A socket may have been handed off in the race between ctx firing
		// and admit()/Destroy() sending on ch; the caller abandoned the
		// request, so we are responsible for disposing of it.
		select {
		case res := <-ch:
			if res.conn != nil {
				res.conn.Close()
			}
		default:
		}
		return nil, ctx.Err()
	}
}

func (a *Agent) abandonWaiter(ch chan checkoutResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, w := range a.waiters {
		if w == ch {
			a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
			break
		}
	}
}

// Stats is the result of Agent.Stats.
type Stats struct {
	ConnectedSockets int
}

// Stats reports the current connected socket count.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{ConnectedSockets: a.connectedCount}
}

// Destroy closes the listener and every pooled socket, and completes every
// queued waiter with ErrClosed. Safe to call more than once and safe to
// call before Listen.
func (a *Agent) Destroy() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	ln := a.listener
	waiters := a.waiters
	a.waiters = nil
	available := a.available
	a.available = nil
	a.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, conn := range available {
		conn.Close()
	}
	for _, w := range waiters {
		w <- checkoutResult{err: ErrClosed}
	}
}

// onSocketClosed runs the close-handler bookkeeping from spec §4.1 step 2:
// decrement connectedCount, drop the socket from available if present, and
// emit offline on the 1→0 edge while the agent is still live.
func (a *Agent) onSocketClosed(c *pooledConn) {
	a.mu.Lock()
	for i, s := range a.available {
		if s == c {
			a.available = append(a.available[:i], a.available[i+1:]...)
			break
		}
	}
	a.connectedCount--
	becameOffline := a.connectedCount == 0 && !a.closed
	a.mu.Unlock()

	if becameOffline && a.onOffline != nil {
		a.onOffline()
	}

	if a.metrics != nil {
		a.metrics.TunnelSocketsActive.Dec()
		if becameOffline {
			a.metrics.OfflineTotal.Inc()
		}
	}
}

// pooledConn wraps an accepted net.Conn so Close() runs the agent's
// bookkeeping exactly once regardless of who closes it (the HTTP transport
// returning it, the peer hanging up, or Destroy tearing it down).
type pooledConn struct {
	net.Conn
	agent     *Agent
	closeOnce sync.Once
}

func (c *pooledConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.Conn.Close()
		c.agent.onSocketClosed(c)
	})
	return err
}
