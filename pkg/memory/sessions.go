package memory

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
)

// SessionTranscriptEvent notifies that a transcript file grew or rotated.
type SessionTranscriptEvent struct {
	SessionFile string
}

type sessionEventBus struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]func(SessionTranscriptEvent)
}

var sessionBus = &sessionEventBus{
	listeners: make(map[int]func(SessionTranscriptEvent)),
}

// OnSessionTranscriptUpdate subscribes to transcript update events and
// returns an unsubscribe function.
func OnSessionTranscriptUpdate(listener func(SessionTranscriptEvent)) func() {
	sessionBus.mu.Lock()
	defer sessionBus.mu.Unlock()

	id := sessionBus.nextID
	sessionBus.nextID++
	sessionBus.listeners[id] = listener

	return func() {
		sessionBus.mu.Lock()
		defer sessionBus.mu.Unlock()
		delete(sessionBus.listeners, id)
	}
}

// NotifySessionTranscriptUpdate publishes a transcript update. Whitespace is
// trimmed and empty paths dropped.
func NotifySessionTranscriptUpdate(sessionFile string) {
	sessionFile = strings.TrimSpace(sessionFile)
	if sessionFile == "" {
		return
	}

	sessionBus.mu.Lock()
	listeners := make([]func(SessionTranscriptEvent), 0, len(sessionBus.listeners))
	for _, l := range sessionBus.listeners {
		listeners = append(listeners, l)
	}
	sessionBus.mu.Unlock()

	ev := SessionTranscriptEvent{SessionFile: sessionFile}
	for _, l := range listeners {
		l(ev)
	}
}

// transcriptLine is the JSONL shape of one transcript message.
type transcriptLine struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RenderTranscript renders a JSONL transcript to plain text for chunking.
// It returns the rendered text and a line map: lineMap[i] is the 1-based
// original transcript line the rendered line i+1 came from. Unparseable
// lines pass through verbatim.
func RenderTranscript(content []byte) (string, []int) {
	lines := strings.Split(string(content), "\n")

	var rendered []string
	var lineMap []int

	for i, raw := range lines {
		origLine := i + 1
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}

		var msg transcriptLine
		if err := json.Unmarshal([]byte(trimmed), &msg); err != nil || msg.Content == "" {
			rendered = append(rendered, trimmed)
			lineMap = append(lineMap, origLine)
			continue
		}

		prefix := msg.Role
		if prefix == "" {
			prefix = "message"
		}
		for j, part := range strings.Split(msg.Content, "\n") {
			if j == 0 {
				rendered = append(rendered, prefix+": "+part)
			} else {
				rendered = append(rendered, part)
			}
			lineMap = append(lineMap, origLine)
		}
	}

	return strings.Join(rendered, "\n"), lineMap
}

// sessionDelta tracks accumulated new-byte/new-line state for one transcript.
type sessionDelta struct {
	lastSize        int64
	pendingBytes    int64
	pendingMessages int
}

// deltaSlabSize is the read granularity for byte-range newline counting.
const deltaSlabSize = 64 * 1024

// countNewlinesInRange counts 0x0A bytes in [from, to) of the file, reading
// in 64 KiB slabs.
func countNewlinesInRange(path string, from, to int64) (int, error) {
	if to <= from {
		return 0, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if _, err := f.Seek(from, io.SeekStart); err != nil {
		return 0, err
	}

	count := 0
	remaining := to - from
	buf := make([]byte, deltaSlabSize)
	for remaining > 0 {
		n := int64(len(buf))
		if n > remaining {
			n = remaining
		}
		read, err := f.Read(buf[:n])
		for _, b := range buf[:read] {
			if b == '\n' {
				count++
			}
		}
		remaining -= int64(read)
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, err
		}
		if read == 0 {
			break
		}
	}
	return count, nil
}
