package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	ihttp "github.com/sable-systems/sentry/internal/httpclient"
	"github.com/sable-systems/sentry/internal/logging"
)

// rpcTransport is the uniform surface every transport exposes to client.go:
// one JSON-RPC call and a close. stdio, http, sse and unix are request/
// response; ws additionally multiplexes correlated responses over one
// persistent connection.
type rpcTransport interface {
	call(ctx context.Context, method string, params any) (*Response, error)
	close()
}

// --- stdio ---

type stdioTransport struct{ proc *stdioProcess }

func (t *stdioTransport) call(ctx context.Context, method string, params any) (*Response, error) {
	return t.proc.send(ctx, method, params)
}
func (t *stdioTransport) close() { t.proc.stop() }

// --- http ---
// Also used for "unix" (identical protocol, a unix-socket-dialing client).

type httpTransport struct {
	url    string
	token  string
	client *http.Client
	nextID int64
	mu     sync.Mutex
}

func newHTTPTransport(desc ServerDescriptor, client *http.Client) *httpTransport {
	return &httpTransport{url: desc.URL, token: desc.Token, client: client}
}

func (t *httpTransport) call(ctx context.Context, method string, params any) (*Response, error) {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.mu.Unlock()

	req, err := newRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.token)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, truncated, err := ihttp.ReadAllCapped(resp.Body, DefaultOutputCapBytes)
	if err != nil {
		return nil, err
	}
	if truncated {
		data = ihttp.AppendTruncationMarker(data)
	}
	var rpcResp Response
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &rpcResp, nil
}

func (t *httpTransport) close() {}

// newUnixTransport dials desc.UDSPath instead of a TCP host; the JSON-RPC
// protocol over the wire is otherwise identical to http, so it reuses
// httpTransport with a socket-aware client (§4.5: "unix: identical
// protocol, dialed over a unix domain socket").
func newUnixTransport(desc ServerDescriptor) *httpTransport {
	dialer := &net.Dialer{}
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", desc.UDSPath)
			},
		},
	}
	u := desc.HTTPPath
	if u == "" {
		u = "/"
	}
	return newHTTPTransport(ServerDescriptor{URL: "http://unix" + u, Token: desc.Token}, client)
}

// --- sse ---
// Tool calls are issued as HTTP POSTs (like http) to the URL with the
// configured query params merged in. No SSE handshake is made: readiness
// is established by the initialize call, exactly as for http.

type sseTransport struct {
	*httpTransport
}

func newSSETransport(desc ServerDescriptor, client *http.Client, logger logging.Logger) *sseTransport {
	u := desc.URL
	if len(desc.QueryParams) > 0 {
		q := url.Values{}
		for k, v := range desc.QueryParams {
			q.Set(k, v)
		}
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u = u + sep + q.Encode()
	}
	base := newHTTPTransport(ServerDescriptor{URL: u, Token: desc.Token}, client)
	logging.OrNop(logger).Debug("sse transport for %s targeting %s", desc.Name, u)
	return &sseTransport{httpTransport: base}
}

// --- ws ---

type wsTransport struct {
	mu      sync.Mutex
	writeMu sync.Mutex // gorilla/websocket allows at most one concurrent writer
	conn    *websocket.Conn
	url     string
	nextID  int64
	pending map[int64]chan *Response
	logger  logging.Logger
	closed  bool
}

func newWSTransport(ctx context.Context, desc ServerDescriptor, logger logging.Logger) (*wsTransport, error) {
	t := &wsTransport{url: desc.URL, pending: make(map[int64]chan *Response), logger: logging.OrNop(logger)}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	go t.readLoop()
	return t, nil
}

func (t *wsTransport) connect(ctx context.Context) error {
	header := http.Header{}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, header)
	if err != nil {
		return fmt.Errorf("ws dial %s: %w", t.url, err)
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

func (t *wsTransport) readLoop() {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.reconnect()
			continue
		}
		// §4.5 step 5: enforce the output size cap on every transport,
		// truncating with a marker on overflow.
		if int64(len(data)) > DefaultOutputCapBytes {
			data = ihttp.AppendTruncationMarker(data[:DefaultOutputCapBytes])
		}
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			t.logger.Warn("ws: malformed frame: %v", err)
			continue
		}
		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.mu.Unlock()
		if ok {
			ch <- &resp
		} else {
			t.logger.Warn("ws: response id %d has no matching caller, discarded", resp.ID)
		}
	}
}

func (t *wsTransport) reconnect() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.mu.Unlock()
	time.Sleep(time.Second)
	_ = t.connect(context.Background())
}

func (t *wsTransport) call(ctx context.Context, method string, params any) (*Response, error) {
	t.mu.Lock()
	if t.conn == nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("ws connection not established")
	}
	t.nextID++
	id := t.nextID
	ch := make(chan *Response, 1)
	t.pending[id] = ch
	conn := t.conn
	t.mu.Unlock()

	req, err := newRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	t.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	t.writeMu.Unlock()
	if err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (t *wsTransport) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.conn != nil {
		_ = t.conn.Close()
	}
}
