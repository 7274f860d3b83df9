package tunnel

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultGracePeriod is the fixed reap window from spec §5: a Client with
// no live tunnel sockets closes itself this long after going offline (or
// after construction, if it never comes online at all).
const DefaultGracePeriod = 1000 * time.Millisecond

// Client binds one Agent to HTTP-forwarding semantics and enforces the
// grace period. Destroying a Client destroys its Agent; the two have
// exclusive one-to-one ownership.
type Client struct {
	id          string
	agent       *Agent
	gracePeriod time.Duration
	port        int

	mu         sync.Mutex
	graceTimer *time.Timer

	closed  atomic.Bool
	onClose func()

	httpClient *http.Client
}

// NewClient constructs a Client around agent, arming the grace timer and
// subscribing to the agent's online/offline/fatal events.
func NewClient(id string, agent *Agent, gracePeriod time.Duration) *Client {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	c := &Client{id: id, agent: agent, gracePeriod: gracePeriod}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return agent.CreateConnection(ctx)
		},
		MaxIdleConnsPerHost: agent.maxSockets,
		IdleConnTimeout:     90 * time.Second,
	}
	c.httpClient = &http.Client{Transport: transport}

	agent.OnOnline(c.cancelGrace)
	agent.OnOffline(c.armGrace)
	agent.OnFatal(func(error) { c.Close() })

	c.armGrace()

	return c
}

// ID returns the client's public identifier.
func (c *Client) ID() string { return c.id }

// SetPort records the port the underlying Agent ended up listening on, for
// admin listings. Set once by Manager.NewClient after Agent.Listen succeeds.
func (c *Client) SetPort(port int) { c.port = port }

// Port returns the port recorded by SetPort, or 0 if never set.
func (c *Client) Port() int { return c.port }

func (c *Client) armGrace() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.graceTimer != nil {
		c.graceTimer.Stop()
	}
	// time.AfterFunc timers do not keep the process alive on their own —
	// there is no daemon/unref flag to set in Go, this is the default.
	c.graceTimer = time.AfterFunc(c.gracePeriod, func() { c.Close() })
}

func (c *Client) cancelGrace() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
}

// OnClose registers the handler invoked exactly once when Close runs.
func (c *Client) OnClose(f func()) { c.onClose = f }

// Stats delegates to the Agent.
func (c *Client) Stats() Stats { return c.agent.Stats() }

// Close cancels the grace timer, destroys the Agent, and emits the close
// callback exactly once. Idempotent, and safe to call re-entrantly from
// within the close callback itself (the CompareAndSwap below makes every
// call after the first a no-op before onClose ever runs).
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	if c.graceTimer != nil {
		c.graceTimer.Stop()
	}
	c.mu.Unlock()

	c.agent.Destroy()

	if c.onClose != nil {
		c.onClose()
	}
}
