package sandbox

import (
	"bytes"
	"sync"
)

// stdoutScanner splits the child's stdout into lines, signals the loaded
// marker once and keeps the last result line. Other lines go to a bounded
// debug tail.
type stdoutScanner struct {
	nonce  string
	loaded chan struct{}

	mu       sync.Mutex
	partial  []byte
	overflow bool
	result   string
	results  int
	once     sync.Once
	debug    *tailBuffer
}

func newStdoutScanner(nonce string, debugLimit int) *stdoutScanner {
	return &stdoutScanner{
		nonce:  nonce,
		loaded: make(chan struct{}),
		debug:  newTailBuffer(debugLimit),
	}
}

func (s *stdoutScanner) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		if idx < 0 {
			s.appendPartial(p)
			break
		}
		s.appendPartial(p[:idx])
		s.handleLine()
		p = p[idx+1:]
	}
	return n, nil
}

func (s *stdoutScanner) appendPartial(p []byte) {
	if s.overflow {
		return
	}
	if len(s.partial)+len(p) > maxReportLine {
		s.overflow = true
		s.partial = s.partial[:0]
		return
	}
	s.partial = append(s.partial, p...)
}

func (s *stdoutScanner) handleLine() {
	line := string(bytes.TrimRight(s.partial, "\r"))
	overflow := s.overflow
	s.partial, s.overflow = s.partial[:0], false
	if overflow {
		s.debug.Write([]byte("[line exceeded limit and was dropped]\n"))
		return
	}

	switch kind, payload := lineKind(line, s.nonce); kind {
	case markerLoaded:
		s.once.Do(func() { close(s.loaded) })
	case markerResult:
		s.result = payload
		s.results++
	default:
		s.debug.Write([]byte(line + "\n"))
	}
}

// flush treats a trailing unterminated line as complete.
func (s *stdoutScanner) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.partial) > 0 || s.overflow {
		s.handleLine()
	}
}

func (s *stdoutScanner) report() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.results
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu      sync.Mutex
	limit   int
	buf     []byte
	dropped int
}

func newTailBuffer(limit int) *tailBuffer {
	if limit <= 0 {
		limit = 64 << 10
	}
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.dropped += over
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dropped > 0 {
		return "[truncated]\n" + string(t.buf)
	}
	return string(t.buf)
}
