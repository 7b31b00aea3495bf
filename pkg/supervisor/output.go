package supervisor

import (
	"bytes"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const tailLines = 20

// outputTail keeps the last lines a child wrote and signals ready once a line
// containing the ready pattern shows up. It is shared by the stdout and stderr
// writers of one process.
type outputTail struct {
	mu      sync.Mutex
	lines   []string
	pattern string
	ready   chan struct{}
	once    sync.Once
	log     zerolog.Logger
}

func newOutputTail(pattern string, log zerolog.Logger) *outputTail {
	return &outputTail{
		pattern: pattern,
		ready:   make(chan struct{}),
		log:     log,
	}
}

func (t *outputTail) add(stream, line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	t.log.Debug().Str("stream", stream).Msg(line)

	t.mu.Lock()
	t.lines = append(t.lines, line)
	if len(t.lines) > tailLines {
		t.lines = t.lines[len(t.lines)-tailLines:]
	}
	t.mu.Unlock()

	if t.pattern != "" && strings.Contains(line, t.pattern) {
		t.once.Do(func() { close(t.ready) })
	}
}

// Last returns up to n of the most recent lines, oldest first.
func (t *outputTail) Last(n int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > len(t.lines) {
		n = len(t.lines)
	}
	out := make([]string, n)
	copy(out, t.lines[len(t.lines)-n:])
	return out
}

// lineWriter splits one stream into lines for an outputTail.
type lineWriter struct {
	stream  string
	tail    *outputTail
	partial []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.tail.add(w.stream, string(w.partial[:i]))
		w.partial = w.partial[i+1:]
	}
	// A client that never ends its line should not grow this forever.
	if len(w.partial) > 4096 {
		w.tail.add(w.stream, string(w.partial))
		w.partial = nil
	}
	return len(p), nil
}
