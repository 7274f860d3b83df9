package tunnel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
)

// ForwardRequest implements the forward-request algorithm of spec §4.2: an
// HTTP request is built from the external request's method, path (as-is,
// including query) and headers, dialed through the Agent as its connection
// source, and the upstream response streamed back verbatim (§4.4 — neither
// Host nor hop-by-hop headers are rewritten here).
func (c *Client) ForwardRequest(w http.ResponseWriter, r *http.Request) {
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, "http://"+c.id+r.URL.RequestURI(), r.Body)
	if err != nil {
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	outReq.Header = r.Header.Clone()
	outReq.Host = r.Host

	resp, err := c.httpClient.Do(outReq)
	if err != nil {
		// Headers have not been written yet at this point — reply 502.
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	dst := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	w.WriteHeader(status)

	// Headers are already on the wire; an error copying the body now can
	// only terminate the external response, which returning does.
	io.Copy(w, resp.Body)
}

// ForwardUpgrade implements the forward-upgrade algorithm of spec §4.2: a
// pooled socket is checked out, the external connection is hijacked, the
// request line and headers are serialized onto the pooled socket (see
// serializePrologue for how headers are written), and bytes flow
// bidirectionally until either side closes.
func (c *Client) ForwardUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := c.agent.CreateConnection(r.Context())
	if err != nil || conn == nil {
		hijackAndClose(w)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		conn.Close()
		hijackAndClose(w)
		return
	}
	extConn, buf, err := hijacker.Hijack()
	if err != nil {
		conn.Close()
		return
	}

	prologue := serializePrologue(r)

	var closeOnce sync.Once
	teardown := func() {
		closeOnce.Do(func() {
			extConn.Close()
			conn.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// Start both directions before writing the prologue, so any immediate
	// upstream response is already being drained (spec §4.2 step 5).
	go func() {
		defer wg.Done()
		defer teardown()
		// buf.Reader may hold bytes already read off the wire by the HTTP
		// server before the upgrade decision was made.
		src := io.MultiReader(buf.Reader, extConn)
		if _, err := io.Copy(conn, src); err != nil && !isBenignConnError(err) {
			slog.Error("tunnel upgrade: client→tunnel copy failed", "client_id", c.id, "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		defer teardown()
		if _, err := io.Copy(extConn, conn); err != nil && !isBenignConnError(err) {
			slog.Error("tunnel upgrade: tunnel→client copy failed", "client_id", c.id, "error", err)
		}
	}()

	if _, err := conn.Write(prologue); err != nil {
		teardown()
	}

	wg.Wait()
}

// serializePrologue builds the raw "METHOD URL HTTP/ver\r\n" request line
// plus header name/value pairs, terminated by a blank line, for writing
// directly onto a tunnel socket. Headers come from r.Header, so names are
// written in Go's canonical form and in map iteration order; the original
// casing and order from the wire are not kept. Values of one header keep
// their relative order.
func serializePrologue(r *http.Request) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s HTTP/%d.%d\r\n", r.Method, r.URL.RequestURI(), r.ProtoMajor, r.ProtoMinor)
	for k, vv := range r.Header {
		for _, v := range vv {
			fmt.Fprintf(&sb, "%s: %s\r\n", k, v)
		}
	}
	sb.WriteString("\r\n")
	return []byte(sb.String())
}

// hijackAndClose ends the external side when no pooled socket could be
// obtained and the connection has not been hijacked yet.
func hijackAndClose(w http.ResponseWriter) {
	if hj, ok := w.(http.Hijacker); ok {
		if conn, _, err := hj.Hijack(); err == nil {
			conn.Close()
			return
		}
	}
	http.Error(w, "Bad Gateway", http.StatusBadGateway)
}

// isBenignConnError reports the ECONNRESET/ETIMEDOUT cases spec §4.2 step 6
// says must be swallowed without logging.
func isBenignConnError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ETIMEDOUT)
}
