// Package registry implements the server's process-wide subdomain to
// tunnel mapping (spec.md §4.4). Apart from the per-IP rate limiter in
// internal/server, it is the only shared mutable state the server keeps
// outside of each tunnel's own stream table.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/reversetunnel/tunnel/internal/frame"
)

// ErrSubdomainTaken is returned by InsertIfAbsent when the subdomain is
// already bound to a live control connection.
var ErrSubdomainTaken = errors.New("registry: subdomain already taken")

// Control is the minimal contract the registry needs from a tunnel's
// control connection: a way to push a frame to it. internal/server
// implements this over a *websocket.Conn plus its write mutex.
type Control interface {
	Send(f *frame.Frame) error
	Close() error
}

// Tunnel is one registry entry: a subdomain bound to exactly one control
// connection, plus the per-stream state that connection is driving.
type Tunnel struct {
	Subdomain string
	TunnelID  string
	Control   Control
	CreatedAt time.Time

	mu           sync.Mutex
	nextStreamID uint64
	streams      map[uint64]*Stream
}

// Stream is the server-side per-stream state described in spec.md §3. The
// done channel lets the deadline watcher goroutine (owned by
// internal/server) stop early when the stream finishes normally.
type Stream struct {
	ResponseSink ResponseSink
	Deadline     time.Time

	done     chan struct{}
	doneOnce sync.Once
}

// Done returns a channel closed once the stream is removed from its
// tunnel, whichever way that happens (normal completion, timeout, or
// control-connection teardown).
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// ResponseSink is the minimal contract for writing a public HTTP response
// back once the stream's response frames arrive. internal/server
// implements this over a hijacked connection.
type ResponseSink interface {
	WriteStatus(code int) error
	WriteHeader(key, value string) error
	WriteBody(chunk []byte) error
	// HeadersSent reports whether a status has already been recorded for
	// the stream (RESP_START arrived), even if it has not reached the wire
	// yet, so the deadline/teardown path can choose between writing a
	// 504/502 and finishing the response as it stands.
	HeadersSent() bool
	Finish() error
}

func newTunnel(subdomain, tunnelID string, control Control) *Tunnel {
	return &Tunnel{
		Subdomain:    subdomain,
		TunnelID:     tunnelID,
		Control:      control,
		CreatedAt:    time.Now(),
		nextStreamID: 1,
		streams:      make(map[uint64]*Stream),
	}
}

// NextStreamID allocates the next strictly-increasing stream id for this
// tunnel and registers a fresh Stream for it.
func (t *Tunnel) NextStreamID(sink ResponseSink, deadline time.Time) (uint64, *Stream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextStreamID
	t.nextStreamID++
	s := &Stream{ResponseSink: sink, Deadline: deadline, done: make(chan struct{})}
	t.streams[id] = s
	return id, s
}

// Stream looks up a stream by id.
func (t *Tunnel) Stream(id uint64) (*Stream, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[id]
	return s, ok
}

// RemoveStream deletes a stream from the tunnel's table and wakes any
// deadline watcher waiting on it.
func (t *Tunnel) RemoveStream(id uint64) {
	t.mu.Lock()
	s, ok := t.streams[id]
	if ok {
		delete(t.streams, id)
	}
	t.mu.Unlock()
	if ok {
		s.markDone()
	}
}

// Streams returns a snapshot slice of all live streams, used on teardown.
func (t *Tunnel) Streams() []*Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Stream, 0, len(t.streams))
	for _, s := range t.streams {
		out = append(out, s)
	}
	return out
}

// Registry is the subdomain -> *Tunnel map. All mutations are serialized
// through a single mutex, per spec.md §4.4 and the "single shared
// structure" design note in §9.
type Registry struct {
	mu      sync.Mutex
	tunnels map[string]*Tunnel
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{tunnels: make(map[string]*Tunnel)}
}

// InsertIfAbsent binds subdomain to a brand-new Tunnel if, and only if, no
// live tunnel already owns that subdomain.
func (r *Registry) InsertIfAbsent(subdomain, tunnelID string, control Control) (*Tunnel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tunnels[subdomain]; exists {
		return nil, ErrSubdomainTaken
	}
	t := newTunnel(subdomain, tunnelID, control)
	r.tunnels[subdomain] = t
	return t, nil
}

// Get looks up the tunnel bound to subdomain, if any.
func (r *Registry) Get(subdomain string) (*Tunnel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tunnels[subdomain]
	return t, ok
}

// Delete removes subdomain from the registry. It is idempotent and safe to
// call more than once for the same subdomain (e.g. a racing close and
// collision rejection).
func (r *Registry) Delete(subdomain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tunnels, subdomain)
}

// DeleteIfOwner removes subdomain only if it is still owned by t, avoiding
// a race where a new tunnel re-registered the same subdomain between this
// tunnel's teardown being triggered and the delete running.
func (r *Registry) DeleteIfOwner(subdomain string, t *Tunnel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.tunnels[subdomain]; ok && current == t {
		delete(r.tunnels, subdomain)
	}
}
