package server

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
)

// hijackedSink drives a public HTTP response asynchronously, after the
// handler goroutine has hijacked the connection out of net/http's
// auto-termination path (spec.md §9 "Hijacking"). Status, headers, and
// body are all written manually as RESP_START/RESP_DATA/END frames arrive
// on the control connection.
type hijackedSink struct {
	mu            sync.Mutex
	conn          net.Conn
	bufrw         *bufio.ReadWriter
	status        int
	header        http.Header
	started       bool // true once WriteStatus has run, i.e. RESP_START arrived
	headerFlushed bool
	done          bool
}

func newHijackedSink(conn net.Conn, bufrw *bufio.ReadWriter) *hijackedSink {
	return &hijackedSink{conn: conn, bufrw: bufrw, header: make(http.Header)}
}

// WriteStatus records the response status line; it is written lazily on
// the first WriteBody/Finish call so all headers can be
// collected first. Headers are considered sent from this call onward
// (spec.md §3: headersSent flips true on the first RESP_START), even
// though the bytes haven't hit the wire yet.
func (s *hijackedSink) WriteStatus(code int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = code
	s.started = true
	return nil
}

// WriteHeader records one response header.
func (s *hijackedSink) WriteHeader(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.header.Add(key, value)
	return nil
}

// WriteBody flushes the recorded status line and headers (on first call)
// and then writes a body chunk.
func (s *hijackedSink) WriteBody(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flushHeaderLocked(); err != nil {
		return err
	}
	if len(chunk) == 0 {
		return nil
	}
	if _, err := s.bufrw.Write(chunk); err != nil {
		return err
	}
	return s.bufrw.Flush()
}

// Finish flushes the header (if no body was ever written, e.g. an empty
// 502) and closes the underlying connection.
func (s *hijackedSink) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	if err := s.flushHeaderLocked(); err != nil {
		_ = s.conn.Close()
		return err
	}
	if err := s.bufrw.Flush(); err != nil {
		_ = s.conn.Close()
		return err
	}
	return s.conn.Close()
}

// HeadersSent reports whether a status has been committed via WriteStatus,
// used by the deadline/teardown handlers to decide between overriding the
// status (504/502) and leaving an already-committed response alone.
func (s *hijackedSink) HeadersSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *hijackedSink) flushHeaderLocked() error {
	if s.headerFlushed {
		return nil
	}
	s.headerFlushed = true

	status := s.status
	if status == 0 {
		status = http.StatusOK
	}
	statusText := http.StatusText(status)
	if statusText == "" {
		statusText = "Status"
	}
	if _, err := fmt.Fprintf(s.bufrw, "HTTP/1.1 %d %s\r\n", status, statusText); err != nil {
		return err
	}

	keys := make([]string, 0, len(s.header))
	for k := range s.header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range s.header[k] {
			if _, err := fmt.Fprintf(s.bufrw, "%s: %s\r\n", k, v); err != nil {
				return err
			}
		}
	}
	if _, err := s.bufrw.WriteString("\r\n"); err != nil {
		return err
	}
	return s.bufrw.Flush()
}
