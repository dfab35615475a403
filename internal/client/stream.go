package client

import (
	"bytes"
	"io"
	"net/http"
)

// streamMode picks how a stream's request body is bridged to the outbound
// origin request, per spec.md §4.2.
type streamMode int

const (
	modeStream streamMode = iota
	modeBuffer
)

// clientStream is the client's per-stream state: either a growing buffer
// (buffer mode) or the write end of a pipe (stream mode) feeding the
// outbound request body.
type clientStream struct {
	id     uint64
	mode   streamMode
	method string
	path   string
	header http.Header

	buf        *bytes.Buffer
	pipeWriter *io.PipeWriter
	pipeReader *io.PipeReader
}

// chooseMode implements spec.md §4.2's mode-selection rule: buffer for any
// method other than GET/HEAD unless streaming was explicitly requested,
// stream otherwise (GET/HEAD never carry a body worth buffering).
func chooseMode(method string, forceStream bool) streamMode {
	if forceStream {
		return modeStream
	}
	if method == http.MethodGet || method == http.MethodHead {
		return modeStream
	}
	return modeBuffer
}

func newClientStream(id uint64, method, path string, header http.Header, forceStream bool) *clientStream {
	s := &clientStream{id: id, method: method, path: path, header: header}
	s.mode = chooseMode(method, forceStream)
	if s.mode == modeBuffer {
		s.buf = &bytes.Buffer{}
	} else {
		s.pipeReader, s.pipeWriter = io.Pipe()
	}
	return s
}

// writeChunk feeds one REQ_DATA chunk into the stream's body sink.
func (s *clientStream) writeChunk(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	if s.mode == modeBuffer {
		s.buf.Write(chunk)
		return nil
	}
	_, err := s.pipeWriter.Write(chunk)
	return err
}

// closeBody signals that no more request body data is coming (END
// phase=req), letting the outbound request proceed in stream mode.
func (s *clientStream) closeBody() {
	if s.mode == modeStream {
		_ = s.pipeWriter.Close()
	}
}

// requestBody returns the io.Reader to hand to http.NewRequest, and the
// known content length (-1 when unknown, i.e. stream mode).
func (s *clientStream) requestBody() (io.Reader, int64) {
	if s.mode == modeBuffer {
		return bytes.NewReader(s.buf.Bytes()), int64(s.buf.Len())
	}
	return s.pipeReader, -1
}
