// Package server implements the public-facing tunnel server described in
// spec.md §4.3: it terminates public HTTP, accepts control connections,
// and drives each public request through the frame protocol to the owning
// tunnel client.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/reversetunnel/tunnel/internal/frame"
	"github.com/reversetunnel/tunnel/internal/registry"
	"github.com/reversetunnel/tunnel/internal/tunutil"
)

// streamDeadline bounds how long the server waits for a public request's
// END(res) before giving up, per spec.md §4.3/§8 scenario 6; a RESP_START
// alone does not stop it.
const streamDeadline = 30 * time.Second

const controlIdleTimeout = 60 * time.Second

var _ registry.ResponseSink = (*hijackedSink)(nil)

// Options configures a Server.
type Options struct {
	DomainBase        string
	RequestsPerMinute int
	LogAllRequests    bool
}

// Server is the public tunnel server.
type Server struct {
	opts     Options
	registry *registry.Registry
	upgrader websocket.Upgrader
	limiter  *ipRateLimiter
	log      *logrus.Logger
}

// New constructs a Server ready to be mounted with Router().
func New(opts Options, log *logrus.Logger) *Server {
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = 200
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		opts:     opts,
		registry: registry.New(),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		limiter:  newIPRateLimiter(opts.RequestsPerMinute),
		log:      log,
	}
}

// Router builds the gorilla/mux router exposing /health, /connect, and the
// catch-all public traffic path, matching the teacher's router shape in
// cmd/server/main.go.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/connect", s.handleConnect).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(s.handlePublic)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

// handleConnect upgrades to a WebSocket and runs the control-channel
// handshake (HELLO, REGISTER_TUNNEL) followed by the control-reader loop
// for the lifetime of the connection.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("control upgrade failed")
		return
	}

	cc := newControlConn(conn)
	s.runControlSession(cc)
}

func (s *Server) runControlSession(cc *controlConn) {
	defer cc.Close()

	if err := cc.conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return
	}

	if !s.awaitHello(cc) {
		return
	}

	tun, ok := s.registerTunnel(cc)
	if !ok {
		return
	}

	s.log.WithFields(logrus.Fields{
		"subdomain": tun.Subdomain,
		"tunnelId":  tun.TunnelID,
	}).Info("tunnel registered")

	defer s.teardownTunnel(tun)

	if err := cc.conn.SetReadDeadline(time.Now().Add(controlIdleTimeout)); err != nil {
		return
	}

	s.controlReadLoop(cc, tun)
}

// awaitHello reads the first frame and requires it to be HELLO. A version
// mismatch only logs a warning and proceeds, per spec.md §4.1.
func (s *Server) awaitHello(cc *controlConn) bool {
	_, data, err := cc.conn.ReadMessage()
	if err != nil {
		s.log.WithError(err).Debug("control read failed awaiting HELLO")
		return false
	}
	f, err := frame.Decode(data)
	if err != nil {
		s.log.WithError(err).Warn("malformed HELLO frame")
		return false
	}
	if f.Type != frame.TypeHello {
		s.log.Warn("first control frame was not HELLO")
		return false
	}
	if f.Version != frame.ProtocolVersion {
		s.log.WithField("version", f.Version).Warn("protocol version mismatch, proceeding anyway")
	}
	return true
}

// registerTunnel reads a REGISTER_TUNNEL frame, reserves a subdomain, and
// replies with REGISTERED or ERROR. It returns ok=false if registration
// could not complete (the caller should give up on this connection).
func (s *Server) registerTunnel(cc *controlConn) (*registry.Tunnel, bool) {
	_, data, err := cc.conn.ReadMessage()
	if err != nil {
		s.log.WithError(err).Debug("control read failed awaiting REGISTER_TUNNEL")
		return nil, false
	}
	f, err := frame.Decode(data)
	if err != nil || f.Type != frame.TypeRegisterTunnel {
		s.log.Warn("expected REGISTER_TUNNEL frame")
		return nil, false
	}

	subdomain := f.Subdomain
	if subdomain == "" || !tunutil.ValidSubdomain(subdomain) {
		subdomain = tunutil.RandomSubdomain()
	}

	tunnelID := uuid.NewString()

	tun, err := s.registry.InsertIfAbsent(subdomain, tunnelID, cc)
	if err != nil {
		// Requested label collided; try once with a synthesized one.
		subdomain = tunutil.RandomSubdomain()
		tun, err = s.registry.InsertIfAbsent(subdomain, tunnelID, cc)
	}
	if err != nil {
		_ = cc.Send(frame.Error(frame.ErrCodeSubdomainTaken, "subdomain already registered"))
		return nil, false
	}

	if err := cc.Send(frame.Registered(subdomain, tunnelID)); err != nil {
		s.registry.DeleteIfOwner(subdomain, tun)
		return nil, false
	}
	return tun, true
}

// controlReadLoop is the tunnel's single control-connection reader. It
// dispatches RESP_START/RESP_DATA/END/PING frames by streamId.
func (s *Server) controlReadLoop(cc *controlConn, tun *registry.Tunnel) {
	for {
		messageType, data, err := cc.conn.ReadMessage()
		if err != nil {
			return
		}
		// Any successful read, including the frame.Ping() heartbeat the
		// client sends on controlKeepAlive, proves the connection is
		// alive: extend the idle deadline here rather than relying on a
		// websocket-level control pong, which nothing here ever sends.
		if err := cc.conn.SetReadDeadline(time.Now().Add(controlIdleTimeout)); err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		f, err := frame.Decode(data)
		if err != nil {
			s.log.WithError(err).Debug("malformed frame, ignoring")
			continue
		}

		if !f.IsControlFrame() && f.TunnelID != "" && f.TunnelID != tun.TunnelID {
			s.log.WithFields(logrus.Fields{
				"expected": tun.TunnelID,
				"got":      f.TunnelID,
			}).Debug("tunnelId mismatch, dropping frame")
			continue
		}

		switch f.Type {
		case frame.TypeRespStart:
			s.handleRespStart(tun, f)
		case frame.TypeRespData:
			s.handleRespData(tun, f)
		case frame.TypeEnd:
			if f.Phase == frame.PhaseResponse {
				s.handleEndResponse(tun, f)
			}
		case frame.TypePing:
			_ = cc.Send(frame.Pong())
		case frame.TypePong:
			// nothing to do beyond the read-deadline reset above.
		default:
			s.log.WithField("type", f.Type).Debug("unexpected frame from tunnel client, ignoring")
		}
	}
}

func (s *Server) handleRespStart(tun *registry.Tunnel, f *frame.Frame) {
	stream, ok := tun.Stream(f.StreamID)
	if !ok {
		return
	}
	if stream.ResponseSink.HeadersSent() {
		return // idempotent guard: at most one RESP_START per stream.
	}
	if err := stream.ResponseSink.WriteStatus(f.StatusCode); err != nil {
		return
	}
	for k, v := range tunutil.StripHopByHop(f.Headers) {
		_ = stream.ResponseSink.WriteHeader(k, v)
	}
}

func (s *Server) handleRespData(tun *registry.Tunnel, f *frame.Frame) {
	stream, ok := tun.Stream(f.StreamID)
	if !ok {
		return
	}
	if len(f.Chunk) == 0 {
		return
	}
	_ = stream.ResponseSink.WriteBody(f.Chunk)
}

func (s *Server) handleEndResponse(tun *registry.Tunnel, f *frame.Frame) {
	stream, ok := tun.Stream(f.StreamID)
	if !ok {
		return
	}
	tun.RemoveStream(f.StreamID)
	_ = stream.ResponseSink.Finish()
}

// teardownTunnel runs when a control connection closes: the registry
// entry is dropped and every in-flight stream is failed per spec.md
// §4.3 "Tunnel teardown".
func (s *Server) teardownTunnel(tun *registry.Tunnel) {
	s.registry.DeleteIfOwner(tun.Subdomain, tun)
	for _, stream := range tun.Streams() {
		if stream.ResponseSink.HeadersSent() {
			_ = stream.ResponseSink.Finish()
		} else {
			_ = stream.ResponseSink.WriteStatus(http.StatusBadGateway)
			_ = stream.ResponseSink.Finish()
		}
	}
	s.log.WithField("subdomain", tun.Subdomain).Info("tunnel disconnected")
}

// handlePublic routes one public HTTP request through the owning tunnel.
func (s *Server) handlePublic(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.allow(callerIP(r)) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
		return
	}

	subdomain, ok := tunutil.ExtractSubdomain(r.Host, s.opts.DomainBase)
	if !ok {
		http.NotFound(w, r)
		return
	}

	tun, ok := s.registry.Get(subdomain)
	if !ok {
		http.Error(w, `{"error":"Tunnel not connected"}`, http.StatusBadGateway)
		return
	}

	if s.opts.LogAllRequests {
		s.log.WithFields(logrus.Fields{
			"subdomain": subdomain,
			"method":    r.Method,
			"path":      r.URL.Path,
		}).Info("public request")
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	conn, bufrw, err := hijacker.Hijack()
	if err != nil {
		s.log.WithError(err).Warn("hijack failed")
		return
	}

	sink := newHijackedSink(conn, bufrw)
	deadline := time.Now().Add(streamDeadline)
	streamID, stream := tun.NextStreamID(sink, deadline)

	go s.watchDeadline(tun, streamID, stream, deadline)

	headers := headersToMap(r.Header)
	if err := tun.Control.Send(frame.OpenStream(tun.TunnelID, streamID, r.Method, r.RequestURI, headers)); err != nil {
		tun.RemoveStream(streamID)
		_ = sink.WriteStatus(http.StatusBadGateway)
		_ = sink.Finish()
		return
	}

	s.streamRequestBody(tun, streamID, r)
}

// streamRequestBody forwards the public request's body as REQ_DATA chunks
// followed by an END(req), or sends END(req) immediately for bodyless
// methods, per spec.md §4.3.
func (s *Server) streamRequestBody(tun *registry.Tunnel, streamID uint64, r *http.Request) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Body == nil {
		_ = tun.Control.Send(frame.End(tun.TunnelID, streamID, frame.PhaseRequest))
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := r.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if sendErr := tun.Control.Send(frame.ReqData(tun.TunnelID, streamID, chunk)); sendErr != nil {
				return
			}
		}
		if err != nil {
			break
		}
	}
	_ = tun.Control.Send(frame.End(tun.TunnelID, streamID, frame.PhaseRequest))
}

// watchDeadline enforces the 30s stream deadline from spec.md §4.3/§8.
func (s *Server) watchDeadline(tun *registry.Tunnel, streamID uint64, stream *registry.Stream, deadline time.Time) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-stream.Done():
		return
	case <-timer.C:
		// Remove first so a racing END(res) arriving just after the
		// timer fires can't double-finish the sink.
		if _, stillPresent := tun.Stream(streamID); !stillPresent {
			return
		}
		tun.RemoveStream(streamID)
		if !stream.ResponseSink.HeadersSent() {
			_ = stream.ResponseSink.WriteStatus(http.StatusGatewayTimeout)
		}
		_ = stream.ResponseSink.Finish()
	}
}

// headersToMap flattens net/http's multi-valued header map into the
// single-valued string map the frame protocol carries (spec.md §9:
// "preserve case-preserved string maps").
func headersToMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vals := range h {
		if len(vals) == 0 {
			continue
		}
		v := vals[0]
		for _, extra := range vals[1:] {
			v += ", " + extra
		}
		out[k] = v
	}
	return out
}

// ListenAndServe starts the server on addr. It's a thin convenience
// wrapper used by cmd/tunnelserver.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.WithField("addr", addr).Info("tunnel server listening")
	return srv.ListenAndServe()
}
