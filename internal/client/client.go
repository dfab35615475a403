// Package client implements the tunnel client described in spec.md §4.2:
// it holds the control connection to a tunnel server and bridges each
// server-issued stream to a local HTTP origin.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/reversetunnel/tunnel/internal/frame"
)

const (
	connectTimeout   = 8 * time.Second
	initialBackoff   = 2 * time.Second
	maxBackoff       = 60 * time.Second
	originRoundTrip  = 60 * time.Second
	controlKeepAlive = 25 * time.Second
)

// Options configures a Client.
type Options struct {
	// ControlURL is the server's /connect WebSocket URL.
	ControlURL string
	// OriginHost/OriginPort name the local origin requests are forwarded
	// to, e.g. http://OriginHost:OriginPort.
	OriginHost string
	OriginPort string

	Subdomain  string
	Token      string
	DomainBase string

	// ForceStream, when true, overrides spec.md §4.2's buffer-vs-stream
	// rule to always stream request bodies (SIMPLE_TUNNEL_STREAM).
	ForceStream bool
	// ForceIdentity replaces accept-encoding with "identity" instead of
	// removing it (SIMPLE_TUNNEL_FORCE_IDENTITY).
	ForceIdentity bool

	Log *logrus.Logger
}

// Client bridges server-initiated streams to a local HTTP origin over one
// reconnecting control connection.
type Client struct {
	opts   Options
	origin string
	http   *http.Client
	log    *logrus.Logger

	mu         sync.Mutex
	cc         *controlConn
	streams    map[uint64]*clientStream
	registered string // subdomain to request: the last one registered, or opts.Subdomain before that
	tunnelID   string // tunnelId assigned by the server on REGISTERED
}

// New constructs a Client from opts.
func New(opts Options) *Client {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Client{
		opts:   opts,
		origin: fmt.Sprintf("http://%s:%s", opts.OriginHost, opts.OriginPort),
		http: &http.Client{
			Timeout: originRoundTrip,
			// Bytes on the wire must match the origin's declared
			// content-encoding (spec.md §4.2): disable the Transport's
			// default transparent gzip request/response handling so a
			// removed accept-encoding header doesn't get silently
			// reintroduced and decoded out from under us.
			Transport: &http.Transport{DisableCompression: true},
		},
		log:        opts.Log,
		streams:    make(map[uint64]*clientStream),
		registered: opts.Subdomain,
	}
}

// Run dials and re-dials the control connection until ctx is canceled,
// generalizing the teacher's cmd/agent/main.go doubling-backoff reconnect
// loop.
func (c *Client) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		publicURL, err := c.connectOnce(ctx)
		if err != nil {
			c.log.WithError(err).Warnf("control connection failed, retrying in %v", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		c.log.Infof("tunnel %s closed", publicURL)
		backoff = initialBackoff
	}
}

func nextBackoff(d time.Duration) time.Duration {
	next := d * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

// connectOnce dials the control URL, performs the HELLO/REGISTER_TUNNEL
// handshake, logs the derived public URL once registered, and runs the
// control-reader loop until the connection drops or ctx is canceled. It
// returns the public URL after the read loop ends; a non-nil error means
// the dial or the handshake failed.
func (c *Client) connectOnce(ctx context.Context) (string, error) {
	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	conn, _, err := dialer.DialContext(ctx, c.opts.ControlURL, nil)
	if err != nil {
		return "", fmt.Errorf("dial control url: %w", err)
	}

	cc := newControlConn(conn)

	if err := cc.Send(frame.Hello(c.opts.Token)); err != nil {
		_ = cc.Close()
		return "", fmt.Errorf("send HELLO: %w", err)
	}
	if err := cc.Send(frame.RegisterTunnel(c.registered)); err != nil {
		_ = cc.Close()
		return "", fmt.Errorf("send REGISTER_TUNNEL: %w", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = cc.Close()
		return "", fmt.Errorf("read registration reply: %w", err)
	}
	reply, err := frame.Decode(data)
	if err != nil {
		_ = cc.Close()
		return "", fmt.Errorf("decode registration reply: %w", err)
	}
	switch reply.Type {
	case frame.TypeError:
		_ = cc.Close()
		return "", fmt.Errorf("registration refused: %s %s", reply.Code, reply.Message)
	case frame.TypeRegistered:
		// fall through
	default:
		_ = cc.Close()
		return "", fmt.Errorf("unexpected reply to REGISTER_TUNNEL: %v", reply.Type)
	}

	c.mu.Lock()
	c.cc = cc
	c.registered = reply.Subdomain
	c.tunnelID = reply.TunnelID
	c.streams = make(map[uint64]*clientStream)
	c.mu.Unlock()

	publicURL := fmt.Sprintf("https://%s.%s", reply.Subdomain, c.domainBase())
	c.log.Infof("tunnel active: %s -> %s", publicURL, c.origin)

	_ = conn.SetReadDeadline(time.Now().Add(controlKeepAlive * 2))

	done := make(chan struct{})
	go c.keepAlive(cc, done)
	defer close(done)

	// Unblock readLoop's ReadMessage when ctx is canceled.
	go func() {
		select {
		case <-ctx.Done():
			_ = cc.Close()
		case <-done:
		}
	}()

	c.readLoop(ctx, cc)

	c.mu.Lock()
	c.cc = nil
	c.mu.Unlock()
	_ = cc.Close()

	return publicURL, nil
}

func (c *Client) domainBase() string {
	if c.opts.DomainBase != "" {
		return c.opts.DomainBase
	}
	u, err := url.Parse(c.opts.ControlURL)
	if err != nil {
		return c.opts.ControlURL
	}
	host := u.Host
	if idx := strings.LastIndexByte(host, ':'); idx != -1 {
		host = host[:idx]
	}
	return host
}

func (c *Client) keepAlive(cc *controlConn, done <-chan struct{}) {
	ticker := time.NewTicker(controlKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := cc.Send(frame.Ping()); err != nil {
				return
			}
		}
	}
}

// readLoop dispatches OPEN_STREAM/REQ_DATA/END(req) frames until the
// connection errors out.
func (c *Client) readLoop(ctx context.Context, cc *controlConn) {
	for {
		messageType, data, err := cc.conn.ReadMessage()
		if err != nil {
			return
		}
		// Any successful read, including the server's PONG reply to our
		// own heartbeat, proves liveness: extend the deadline here rather
		// than relying on a websocket-level control pong, which nothing
		// here ever sends.
		if err := cc.conn.SetReadDeadline(time.Now().Add(controlKeepAlive * 2)); err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		f, err := frame.Decode(data)
		if err != nil {
			c.log.WithError(err).Debug("malformed frame, ignoring")
			continue
		}

		switch f.Type {
		case frame.TypeOpenStream:
			c.handleOpenStream(ctx, cc, f)
		case frame.TypeReqData:
			c.handleReqData(f)
		case frame.TypeEnd:
			if f.Phase == frame.PhaseRequest {
				c.handleEndRequest(f)
			}
		case frame.TypePing:
			_ = cc.Send(frame.Pong())
		case frame.TypePong:
		default:
			c.log.WithField("type", f.Type).Debug("unexpected frame from server, ignoring")
		}
	}
}

func (c *Client) handleOpenStream(ctx context.Context, cc *controlConn, f *frame.Frame) {
	header := make(http.Header, len(f.Headers))
	for k, v := range f.Headers {
		header.Set(k, v)
	}
	if c.opts.ForceIdentity {
		header.Set("Accept-Encoding", "identity")
	} else {
		header.Del("Accept-Encoding")
	}

	stream := newClientStream(f.StreamID, f.Method, f.Path, header, c.opts.ForceStream)

	c.mu.Lock()
	c.streams[f.StreamID] = stream
	c.mu.Unlock()

	if stream.mode == modeStream {
		go c.forwardToOrigin(ctx, cc, stream)
	}
	// Buffer-mode requests are issued once END(req) arrives with the full
	// body in handleEndRequest.
}

func (c *Client) handleReqData(f *frame.Frame) {
	stream := c.getStream(f.StreamID)
	if stream == nil {
		return
	}
	if err := stream.writeChunk(f.Chunk); err != nil {
		c.log.WithError(err).Debug("failed writing REQ_DATA to stream body")
	}
}

func (c *Client) handleEndRequest(f *frame.Frame) {
	stream := c.getStream(f.StreamID)
	if stream == nil {
		return
	}
	stream.closeBody()

	if stream.mode == modeBuffer {
		c.mu.Lock()
		cc := c.cc
		c.mu.Unlock()
		if cc != nil {
			go c.forwardToOrigin(context.Background(), cc, stream)
		}
	}
}

func (c *Client) getStream(id uint64) *clientStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

func (c *Client) removeStream(id uint64) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

// forwardToOrigin issues the outbound request for stream against the
// local origin and streams the response back as RESP_START/RESP_DATA/END
// frames, per spec.md §4.2's response path.
func (c *Client) forwardToOrigin(ctx context.Context, cc *controlConn, stream *clientStream) {
	defer c.removeStream(stream.id)

	body, length := stream.requestBody()
	req, err := http.NewRequestWithContext(ctx, stream.method, c.origin+stream.path, body)
	if err != nil {
		c.sendOriginError(cc, stream.id)
		return
	}
	req.Header = stream.header
	if stream.mode == modeBuffer {
		req.ContentLength = length
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.sendOriginError(cc, stream.id)
		return
	}
	defer resp.Body.Close()

	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		if len(v) > 0 {
			headers[k] = strings.Join(v, ", ")
		}
	}
	if err := cc.Send(frame.RespStart(c.currentTunnelID(), stream.id, resp.StatusCode, headers)); err != nil {
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if sendErr := cc.Send(frame.RespData(c.currentTunnelID(), stream.id, chunk)); sendErr != nil {
				return
			}
		}
		if readErr != nil {
			break
		}
	}
	_ = cc.Send(frame.End(c.currentTunnelID(), stream.id, frame.PhaseResponse))
}

// sendOriginError implements spec.md §4.2's "on any exception before or
// during the response" rule: a single RESP_START(502) immediately
// followed by END, never partial headers with a retroactive error.
func (c *Client) sendOriginError(cc *controlConn, streamID uint64) {
	_ = cc.Send(frame.RespStart(c.currentTunnelID(), streamID, http.StatusBadGateway, nil))
	_ = cc.Send(frame.End(c.currentTunnelID(), streamID, frame.PhaseResponse))
}

func (c *Client) currentTunnelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tunnelID
}
