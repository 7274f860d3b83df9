package tunnel

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"
)

func dialAgent(t *testing.T, port int) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("dial agent: %v", err)
	}
	return conn
}

func TestAgentListenTwiceFails(t *testing.T) {
	a := NewAgent(2)
	if _, err := a.Listen("127.0.0.1"); err != nil {
		t.Fatalf("first Listen: %v", err)
	}
	defer a.Destroy()

	if _, err := a.Listen("127.0.0.1"); err != ErrAlreadyStarted {
		t.Errorf("second Listen err = %v, want ErrAlreadyStarted", err)
	}
}

func TestAgentOnlineOffline(t *testing.T) {
	a := NewAgent(2)
	var onlineCount, offlineCount int
	var mu sync.Mutex
	online := make(chan struct{}, 4)
	offline := make(chan struct{}, 4)
	a.OnOnline(func() {
		mu.Lock()
		onlineCount++
		mu.Unlock()
		online <- struct{}{}
	})
	a.OnOffline(func() {
		mu.Lock()
		offlineCount++
		mu.Unlock()
		offline <- struct{}{}
	})

	port, err := a.Listen("127.0.0.1")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer a.Destroy()

	c1 := dialAgent(t, port)
	c2 := dialAgent(t, port)

	select {
	case <-online:
	case <-time.After(time.Second):
		t.Fatal("online never fired")
	}

	mu.Lock()
	if onlineCount != 1 {
		t.Errorf("onlineCount = %d, want 1 (must fire once on 0→1 edge, not per socket)", onlineCount)
	}
	mu.Unlock()

	c1.Close()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	if offlineCount != 0 {
		t.Errorf("offlineCount = %d, want 0 (one socket still connected)", offlineCount)
	}
	mu.Unlock()

	c2.Close()

	select {
	case <-offline:
	case <-time.After(time.Second):
		t.Fatal("offline never fired")
	}
}

func TestAgentOnlineFiresBeforeSocketAvailable(t *testing.T) {
	a := NewAgent(2)
	observedAvailable := -1
	a.OnOnline(func() {
		a.mu.Lock()
		observedAvailable = len(a.available)
		a.mu.Unlock()
	})

	port, err := a.Listen("127.0.0.1")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer a.Destroy()

	c1 := dialAgent(t, port)
	defer c1.Close()

	time.Sleep(50 * time.Millisecond)

	if observedAvailable != 0 {
		t.Errorf("available during onOnline = %d, want 0 (socket must not be placed in available until online has fired)", observedAvailable)
	}
	if got := a.Stats().ConnectedSockets; got != 1 {
		t.Errorf("ConnectedSockets after onOnline = %d, want 1", got)
	}
}

func TestAgentCapExceeded(t *testing.T) {
	a := NewAgent(2)
	port, err := a.Listen("127.0.0.1")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer a.Destroy()

	c1 := dialAgent(t, port)
	defer c1.Close()
	c2 := dialAgent(t, port)
	defer c2.Close()
	c3 := dialAgent(t, port)
	defer c3.Close()

	time.Sleep(100 * time.Millisecond)

	if got := a.Stats().ConnectedSockets; got != 2 {
		t.Errorf("ConnectedSockets = %d, want 2 (third socket must be dropped)", got)
	}

	// The third socket should have been closed by the broker.
	c3.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := c3.Read(buf); err == nil {
		t.Error("expected third socket to be closed by the broker")
	}
}

func TestAgentCreateConnectionImmediate(t *testing.T) {
	a := NewAgent(2)
	port, err := a.Listen("127.0.0.1")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer a.Destroy()

	c1 := dialAgent(t, port)
	defer c1.Close()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := a.CreateConnection(ctx)
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
	defer conn.Close()
}

func TestAgentCreateConnectionWaitsForAccept(t *testing.T) {
	a := NewAgent(2)
	port, err := a.Listen("127.0.0.1")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer a.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		conn, err := a.CreateConnection(ctx)
		if err == nil {
			conn.Close()
		}
		result <- err
	}()

	time.Sleep(50 * time.Millisecond) // let CreateConnection enqueue as a waiter
	c1 := dialAgent(t, port)
	defer c1.Close()

	if err := <-result; err != nil {
		t.Errorf("CreateConnection err = %v, want nil", err)
	}
}

func TestAgentFIFOWaiterOrder(t *testing.T) {
	a := NewAgent(5)
	port, err := a.Listen("127.0.0.1")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer a.Destroy()

	const n = 4
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	order := make(chan int, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			conn, err := a.CreateConnection(ctx)
			if err == nil {
				conn.Close()
				order <- i
			}
		}()
		time.Sleep(10 * time.Millisecond) // stagger enqueue order deterministically
	}

	for i := 0; i < n; i++ {
		dialAgent(t, port).Close()
		time.Sleep(20 * time.Millisecond)
	}

	for i := 0; i < n; i++ {
		select {
		case got := <-order:
			if got != i {
				t.Errorf("waiter delivery order[%d] = %d, want %d (FIFO)", i, got, i)
			}
		case <-time.After(time.Second):
			t.Fatalf("waiter %d never served", i)
		}
	}
}

func TestAgentDestroyCompletesWaiterWithClosed(t *testing.T) {
	a := NewAgent(2)
	if _, err := a.Listen("127.0.0.1"); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		_, err := a.CreateConnection(ctx)
		result <- err
	}()

	time.Sleep(50 * time.Millisecond)
	a.Destroy()

	select {
	case err := <-result:
		if err != ErrClosed {
			t.Errorf("waiter err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never completed")
	}
}

func TestAgentCreateConnectionAfterCloseFails(t *testing.T) {
	a := NewAgent(2)
	if _, err := a.Listen("127.0.0.1"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	a.Destroy()

	if _, err := a.CreateConnection(context.Background()); err != ErrClosed {
		t.Errorf("CreateConnection after Destroy err = %v, want ErrClosed", err)
	}
}

func TestAgentAvailableSocketVanishesOnClose(t *testing.T) {
	a := NewAgent(2)
	port, err := a.Listen("127.0.0.1")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer a.Destroy()

	c1 := dialAgent(t, port)
	time.Sleep(50 * time.Millisecond)
	if got := a.Stats().ConnectedSockets; got != 1 {
		t.Fatalf("ConnectedSockets = %d, want 1", got)
	}

	c1.Close()
	time.Sleep(50 * time.Millisecond)

	if got := a.Stats().ConnectedSockets; got != 0 {
		t.Errorf("ConnectedSockets after idle close = %d, want 0", got)
	}

	// A subsequent CreateConnection must not hand back the closed socket.
	c2 := dialAgent(t, port)
	defer c2.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := a.CreateConnection(ctx)
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("x")); err != nil {
		t.Errorf("write to checked-out socket failed: %v", err)
	}
}
