package recording

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/callbridge/callbridge/internal/errdefs"
	"github.com/callbridge/callbridge/internal/storage"
	"github.com/callbridge/callbridge/internal/store"
)

const (
	// uploadTimeout bounds one upload attempt end to end.
	uploadTimeout = 60 * time.Second
	// uploadBaseWait and uploadMaxWait bound the retry backoff.
	uploadBaseWait = 2 * time.Second
	uploadMaxWait  = 2 * time.Minute
	// queueBuffer is the per-recording pending segment capacity.
	queueBuffer = 64
)

// uploadJob identifies one finalized segment spool awaiting upload.
type uploadJob struct {
	segmentID   int64
	recordingID string
	seq         int
	keyRef      string
	spoolPath   string
}

// uploader ships sealed segments to blob storage. Segments of one recording
// upload strictly in order with at most one in flight; parallelism across
// recordings is bounded by the semaphore.
type uploader struct {
	segments store.SegmentRepository
	blob     storage.Store
	sealer   *storage.Sealer
	log      *slog.Logger
	now      func() time.Time

	maxAttempts int
	sem         chan struct{}

	// Set by the pipeline before any enqueue.
	onUploaded  func(ctx context.Context, recordingID string)
	onExhausted func(ctx context.Context, recordingID string, cause error)

	mu     sync.Mutex
	queues map[string]*recQueue
	closed bool

	quit     chan struct{}
	shutdown sync.Once
	wg       sync.WaitGroup
	retries  atomic.Int64
}

// recQueue is one recording's FIFO upload queue. pending counts queued plus
// in-flight jobs and is guarded by uploader.mu.
type recQueue struct {
	jobs    chan uploadJob
	pending int
}

func newUploader(segments store.SegmentRepository, blob storage.Store, sealer *storage.Sealer, maxAttempts, maxConcurrent int, logger *slog.Logger) *uploader {
	return &uploader{
		segments:    segments,
		blob:        blob,
		sealer:      sealer,
		log:         logger.With("worker", "uploader"),
		now:         time.Now,
		maxAttempts: maxAttempts,
		sem:         make(chan struct{}, maxConcurrent),
		queues:      make(map[string]*recQueue),
		quit:        make(chan struct{}),
	}
}

// enqueue adds a segment to its recording's queue, starting a worker for
// the recording if none is running. Jobs enqueued after close are dropped;
// their segment rows stay pending and recover at next boot.
func (u *uploader) enqueue(job uploadJob) {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	q, ok := u.queues[job.recordingID]
	if !ok {
		q = &recQueue{jobs: make(chan uploadJob, queueBuffer)}
		u.queues[job.recordingID] = q
		u.wg.Add(1)
		go u.worker(job.recordingID, q)
	}
	q.pending++
	u.mu.Unlock()

	q.jobs <- job
}

// worker drains one recording's queue in order. It retires itself when the
// queue is empty; pending is incremented before the job is sent, so a zero
// count guarantees no job is on the way.
func (u *uploader) worker(recordingID string, q *recQueue) {
	defer u.wg.Done()
	for {
		u.mu.Lock()
		if q.pending == 0 {
			delete(u.queues, recordingID)
			u.mu.Unlock()
			return
		}
		u.mu.Unlock()

		job := <-q.jobs
		u.process(job)

		u.mu.Lock()
		q.pending--
		u.mu.Unlock()
	}
}

// process uploads one segment with backoff retries. On success the
// pipeline's uploaded hook runs; exhaustion fires the exhausted hook.
func (u *uploader) process(job uploadJob) {
	ctx := context.Background()
	b := newBackoff(uploadBaseWait, uploadMaxWait)

	for attempt := 1; attempt <= u.maxAttempts; attempt++ {
		select {
		case <-u.quit:
			// Shutting down: leave the segment pending for boot recovery.
			return
		default:
		}

		err := u.uploadOnce(ctx, job)
		if err == nil {
			// Hooks take the recording lock, which an enqueueing caller
			// may hold; run them off the worker so the queue keeps
			// draining regardless.
			if u.onUploaded != nil {
				u.runHook(func() { u.onUploaded(ctx, job.recordingID) })
			}
			return
		}

		u.log.Warn("segment upload failed",
			"recording_id", job.recordingID, "segment", job.seq, "attempt", attempt, "error", err)
		if attempt == u.maxAttempts {
			break
		}
		u.retries.Add(1)

		select {
		case <-u.quit:
			return
		case <-time.After(b.next()):
		}
	}

	if u.onExhausted != nil {
		cause := fmt.Errorf("segment %d upload attempts exhausted: %w", job.seq, errdefs.ErrUploadExhausted)
		u.runHook(func() { u.onExhausted(ctx, job.recordingID, cause) })
	}
}

// runHook invokes a pipeline callback on its own goroutine, tracked by the
// waitgroup so wait() covers it.
func (u *uploader) runHook(fn func()) {
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		fn()
	}()
}

// uploadOnce seals the spool bytes, writes the blob, records checksum and
// size, and removes the spool. The segment row is marked uploaded only
// after the blob write succeeds, so an interrupted attempt leaves metadata
// consistent.
func (u *uploader) uploadOnce(parent context.Context, job uploadJob) error {
	u.sem <- struct{}{}
	defer func() { <-u.sem }()

	ctx, cancel := context.WithTimeout(parent, uploadTimeout)
	defer cancel()

	data, err := os.ReadFile(job.spoolPath)
	if err != nil {
		return fmt.Errorf("reading spool: %w", err)
	}
	sealed, err := u.sealer.Seal(job.keyRef, data)
	if err != nil {
		return fmt.Errorf("sealing segment: %w", err)
	}
	sum := sha256.Sum256(sealed)

	key := storage.SegmentKey(job.recordingID, job.seq)
	if err := u.blob.Write(ctx, key, bytes.NewReader(sealed), int64(len(sealed))); err != nil {
		return fmt.Errorf("writing segment blob: %w", err)
	}
	if err := u.segments.MarkUploaded(ctx, job.segmentID, key, hex.EncodeToString(sum[:]), int64(len(sealed)), u.now().UTC()); err != nil {
		return fmt.Errorf("marking segment uploaded: %w", err)
	}

	if err := os.Remove(job.spoolPath); err != nil {
		u.log.Warn("removing uploaded spool", "path", job.spoolPath, "error", err)
	}
	return nil
}

// close stops accepting jobs and interrupts retry waits.
func (u *uploader) close() {
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()
	u.shutdown.Do(func() { close(u.quit) })
}

// wait blocks until all workers exit.
func (u *uploader) wait() {
	u.wg.Wait()
}

// queueDepth returns queued plus in-flight segments across all recordings.
func (u *uploader) queueDepth() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	var depth int64
	for _, q := range u.queues {
		depth += int64(q.pending)
	}
	return depth
}

func (u *uploader) retryCount() int64 {
	return u.retries.Load()
}

// backoff implements exponential backoff with jitter for upload retries.
// Jitter prevents synchronized retry bursts across recordings.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{baseDelay: base, maxDelay: max}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	// Add ±20% jitter to prevent thundering herd.
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}
