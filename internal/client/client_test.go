package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/reversetunnel/tunnel/internal/frame"
)

func TestChooseMode(t *testing.T) {
	cases := []struct {
		method      string
		forceStream bool
		want        streamMode
	}{
		{http.MethodGet, false, modeStream},
		{http.MethodHead, false, modeStream},
		{http.MethodPost, false, modeBuffer},
		{http.MethodPut, false, modeBuffer},
		{http.MethodPost, true, modeStream},
	}
	for _, tc := range cases {
		if got := chooseMode(tc.method, tc.forceStream); got != tc.want {
			t.Errorf("chooseMode(%s, %v) = %v, want %v", tc.method, tc.forceStream, got, tc.want)
		}
	}
}

func TestHandleOpenStreamStripsAcceptEncodingByDefault(t *testing.T) {
	c := New(Options{OriginHost: "127.0.0.1", OriginPort: "0", Log: silentLogger()})
	f := &frame.Frame{
		Type:     frame.TypeOpenStream,
		StreamID: 1,
		Method:   http.MethodPost,
		Path:     "/",
		Headers:  map[string]string{"Accept-Encoding": "gzip"},
	}
	c.handleOpenStream(context.Background(), nil, f)

	stream := c.getStream(1)
	if stream == nil {
		t.Fatal("stream not registered")
	}
	if v := stream.header.Get("Accept-Encoding"); v != "" {
		t.Fatalf("Accept-Encoding = %q, want stripped", v)
	}
}

func TestHandleOpenStreamForceIdentity(t *testing.T) {
	c := New(Options{OriginHost: "127.0.0.1", OriginPort: "0", ForceIdentity: true, Log: silentLogger()})
	f := &frame.Frame{
		Type:     frame.TypeOpenStream,
		StreamID: 1,
		Method:   http.MethodPost,
		Path:     "/",
		Headers:  map[string]string{"Accept-Encoding": "gzip"},
	}
	c.handleOpenStream(context.Background(), nil, f)

	stream := c.getStream(1)
	if got := stream.header.Get("Accept-Encoding"); got != "identity" {
		t.Fatalf("Accept-Encoding = %q, want identity", got)
	}
}

func silentLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// fakeServer is a minimal stand-in for the tunnel server's control
// channel, used to drive a Client end-to-end without the real
// internal/server package.
type fakeServer struct {
	t       *testing.T
	ws      *httptest.Server
	conn    *websocket.Conn
	connMu  sync.Mutex
	tunnel  string
	ready   chan struct{}
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t, tunnel: "tun-1", ready: make(chan struct{})}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fs.ws = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("upgrade: %v", err)
		}

		if _, _, err := conn.ReadMessage(); err != nil { // HELLO
			t.Errorf("read HELLO: %v", err)
			return
		}
		_, data, err := conn.ReadMessage() // REGISTER_TUNNEL
		if err != nil {
			t.Errorf("read REGISTER_TUNNEL: %v", err)
			return
		}
		reg, err := frame.Decode(data)
		if err != nil || reg.Type != frame.TypeRegisterTunnel {
			t.Errorf("expected REGISTER_TUNNEL, got %v, %v", reg, err)
			return
		}

		subdomain := reg.Subdomain
		if subdomain == "" {
			subdomain = "app"
		}
		reply, _ := frame.Encode(frame.Registered(subdomain, fs.tunnel))
		if err := conn.WriteMessage(websocket.BinaryMessage, reply); err != nil {
			t.Errorf("write REGISTERED: %v", err)
			return
		}

		fs.connMu.Lock()
		fs.conn = conn
		fs.connMu.Unlock()
		close(fs.ready)

		<-r.Context().Done()
	}))
	t.Cleanup(fs.ws.Close)
	return fs
}

func (fs *fakeServer) controlURL() string {
	return "ws" + strings.TrimPrefix(fs.ws.URL, "http") + "/connect"
}

func (fs *fakeServer) waitReady(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case <-fs.ready:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for client to register")
	}
	fs.connMu.Lock()
	defer fs.connMu.Unlock()
	return fs.conn
}

func (fs *fakeServer) send(t *testing.T, f *frame.Frame) {
	t.Helper()
	data, err := frame.Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := fs.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (fs *fakeServer) recv(t *testing.T) *frame.Frame {
	t.Helper()
	_, data, err := fs.conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, err := frame.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return f
}

func startClient(t *testing.T, controlURL string, origin *httptest.Server) *Client {
	t.Helper()
	u, err := url.Parse(origin.URL)
	if err != nil {
		t.Fatalf("parse origin url: %v", err)
	}
	host, port, err := splitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split origin host: %v", err)
	}

	c := New(Options{
		ControlURL: controlURL,
		OriginHost: host,
		OriginPort: port,
		Log:        silentLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = c.Run(ctx) }()
	return c
}

func splitHostPort(hostport string) (string, string, error) {
	idx := strings.LastIndexByte(hostport, ':')
	if idx == -1 {
		return hostport, "80", nil
	}
	return hostport[:idx], hostport[idx+1:], nil
}

func TestClientGetPassthrough(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Origin", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("origin body"))
	}))
	defer origin.Close()

	fs := newFakeServer(t)
	startClient(t, fs.controlURL(), origin)
	fs.waitReady(t)

	fs.send(t, &frame.Frame{
		Type:     frame.TypeOpenStream,
		TunnelID: fs.tunnel,
		StreamID: 1,
		Method:   http.MethodGet,
		Path:     "/hello",
	})
	fs.send(t, frame.End(fs.tunnel, 1, frame.PhaseRequest))

	start := fs.recv(t)
	if start.Type != frame.TypeRespStart || start.StatusCode != http.StatusOK {
		t.Fatalf("RESP_START = %+v", start)
	}
	if start.Headers["X-Origin"] != "yes" {
		t.Fatalf("missing X-Origin header: %+v", start.Headers)
	}

	var body strings.Builder
	for {
		f := fs.recv(t)
		if f.Type == frame.TypeEnd {
			break
		}
		if f.Type != frame.TypeRespData {
			t.Fatalf("unexpected frame %v", f.Type)
		}
		body.Write(f.Chunk)
	}
	if body.String() != "origin body" {
		t.Fatalf("body = %q", body.String())
	}
}

func TestClientPostBufferedBody(t *testing.T) {
	received := make(chan string, 1)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		received <- string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer origin.Close()

	fs := newFakeServer(t)
	startClient(t, fs.controlURL(), origin)
	fs.waitReady(t)

	fs.send(t, &frame.Frame{
		Type:     frame.TypeOpenStream,
		TunnelID: fs.tunnel,
		StreamID: 7,
		Method:   http.MethodPost,
		Path:     "/submit",
	})
	fs.send(t, frame.ReqData(fs.tunnel, 7, []byte("pay")))
	fs.send(t, frame.ReqData(fs.tunnel, 7, []byte("load")))
	fs.send(t, frame.End(fs.tunnel, 7, frame.PhaseRequest))

	select {
	case got := <-received:
		if got != "payload" {
			t.Fatalf("origin received %q, want %q", got, "payload")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("origin never received the request")
	}

	start := fs.recv(t)
	if start.Type != frame.TypeRespStart || start.StatusCode != http.StatusCreated {
		t.Fatalf("RESP_START = %+v", start)
	}
	end := fs.recv(t)
	if end.Type != frame.TypeEnd || end.Phase != frame.PhaseResponse {
		t.Fatalf("expected END(res), got %+v", end)
	}
}

func TestClientOriginDownReturns502(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	originURL := origin.URL
	origin.Close() // nothing is listening anymore

	fs := newFakeServer(t)
	u, _ := url.Parse(originURL)
	host, port, _ := splitHostPort(u.Host)
	c := New(Options{ControlURL: fs.controlURL(), OriginHost: host, OriginPort: port, Log: silentLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()
	fs.waitReady(t)

	fs.send(t, &frame.Frame{
		Type:     frame.TypeOpenStream,
		TunnelID: fs.tunnel,
		StreamID: 3,
		Method:   http.MethodGet,
		Path:     "/",
	})
	fs.send(t, frame.End(fs.tunnel, 3, frame.PhaseRequest))

	start := fs.recv(t)
	if start.Type != frame.TypeRespStart || start.StatusCode != http.StatusBadGateway {
		t.Fatalf("RESP_START = %+v, want 502", start)
	}
	end := fs.recv(t)
	if end.Type != frame.TypeEnd || end.Phase != frame.PhaseResponse {
		t.Fatalf("expected immediate END(res) after 502, got %+v", end)
	}
}
