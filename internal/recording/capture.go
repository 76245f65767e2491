package recording

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// captureChanSize is the buffered channel capacity for fed chunks. The
// spool writer normally keeps up; a full buffer drops chunks rather than
// blocking the media source.
const captureChanSize = 128

// capture spools one open segment to disk. A dedicated goroutine drains the
// channel so Feed never blocks the caller.
type capture struct {
	recordingID   string
	seq           int
	startOffsetMS int64
	openedAt      time.Time
	path          string

	file    *os.File
	written int64
	log     *slog.Logger

	mu     sync.Mutex
	closed bool

	data chan []byte
	done chan struct{}
}

// newCapture creates the spool file and starts the writer goroutine.
func newCapture(path, recordingID string, seq int, startOffsetMS int64, openedAt time.Time, logger *slog.Logger) (*capture, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating spool file: %w", err)
	}

	c := &capture{
		recordingID:   recordingID,
		seq:           seq,
		startOffsetMS: startOffsetMS,
		openedAt:      openedAt,
		path:          path,
		file:          f,
		log:           logger.With("recording_id", recordingID, "segment", seq),
		data:          make(chan []byte, captureChanSize),
		done:          make(chan struct{}),
	}
	go c.writeLoop()
	return c, nil
}

// feed queues a chunk for the spool writer. The chunk is copied so the
// caller's buffer can be reused immediately. Returns false when the writer
// is behind and the chunk was dropped, or the capture is closed.
func (c *capture) feed(data []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case c.data <- buf:
		return true
	default:
		return false
	}
}

// finalize drains queued chunks, closes the spool file, and returns the
// bytes written. Must be called exactly once.
func (c *capture) finalize() (int64, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.written, nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.data)
	<-c.done

	if err := c.file.Close(); err != nil {
		return c.written, fmt.Errorf("closing spool file: %w", err)
	}
	return c.written, nil
}

// abandon stops the writer without finalizing a segment, used at shutdown.
// The spool file stays on disk for boot recovery.
func (c *capture) abandon() {
	if _, err := c.finalize(); err != nil {
		c.log.Warn("abandoning capture", "error", err)
	}
}

// writeLoop drains fed chunks to the spool file until the channel closes.
func (c *capture) writeLoop() {
	defer close(c.done)
	for buf := range c.data {
		n, err := c.file.Write(buf)
		if err != nil {
			c.log.Error("writing spool data", "error", err)
			continue
		}
		c.written += int64(n)
	}
}
