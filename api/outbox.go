package api

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"board-api/domain"
)

// persistJob is one settled drag's persistence work: the ops the reconciler
// emitted plus the idempotency keys recorded for it (removed again if the
// outbox rejects the job synchronously).
type persistJob struct {
	userID string
	ops    []domain.PersistOp
	added  []string
}

type outboxConfig struct {
	bufferSize     int
	workerCount    int
	batchSize      int
	flushInterval  time.Duration
	applyTimeout   time.Duration
	handoffTimeout time.Duration
	retryInitial   time.Duration
	retryMax       time.Duration
	journalDir     string
	segmentSize    int64
	syncEvery      int
	syncInterval   time.Duration
}

// persistOutbox applies reconciler output to the store in the background. The
// drag handler never waits for it: the board response is optimistic, and the
// outbox keeps retrying with backoff until the store accepts the snapshot.
// Accepted jobs are journaled first so a restart redelivers them.
type persistOutbox struct {
	cfg      outboxConfig
	store    Storage
	logger   *log.Logger
	journal  *journal
	workCh   chan *persistRecord
	stopCh   chan struct{}
	workerWG sync.WaitGroup
	retryWG  sync.WaitGroup

	mu        sync.Mutex
	inflight  map[uint64]*persistRecord
	acked     map[uint64]struct{}
	nextAck   uint64
	closing   bool
	delivered atomic.Uint64
	started   time.Time
}

var (
	globalOutbox *persistOutbox
	outboxOnce   sync.Once
)

var errOutboxSaturated = errors.New("persist outbox is saturated")

func initPersistOutbox(store Storage, logger *log.Logger) {
	outboxOnce.Do(func() {
		if store == nil {
			panic("storage is required")
		}
		if logger == nil {
			panic("logger is required")
		}

		cfg := outboxConfig{
			bufferSize:     envInt("OUTBOX_BUFFER", 4096),
			workerCount:    envInt("OUTBOX_WORKERS", 16),
			batchSize:      envInt("OUTBOX_BATCH", 32),
			flushInterval:  envDur("OUTBOX_FLUSH_INTERVAL", 5*time.Millisecond),
			applyTimeout:   envDur("OUTBOX_APPLY_TIMEOUT", 60*time.Second),
			handoffTimeout: envDur("OUTBOX_HANDOFF_TIMEOUT", 25*time.Millisecond),
			retryInitial:   envDur("OUTBOX_RETRY_INITIAL", 250*time.Millisecond),
			retryMax:       envDur("OUTBOX_RETRY_MAX", 30*time.Second),
			journalDir:     envString("OUTBOX_DIR", filepath.Join(os.TempDir(), "board-outbox")),
			segmentSize:    int64(envInt("OUTBOX_SEGMENT_MB", 128)) * 1024 * 1024,
			syncEvery:      envInt("OUTBOX_SYNC_EVERY", 1),
			syncInterval:   envDur("OUTBOX_SYNC_INTERVAL", 2*time.Millisecond),
		}
		if cfg.workerCount <= 0 {
			cfg.workerCount = 1
		}
		if cfg.batchSize <= 0 {
			cfg.batchSize = 1
		}
		if cfg.bufferSize <= 0 {
			cfg.bufferSize = cfg.workerCount * cfg.batchSize * 2
		}
		if cfg.segmentSize <= 0 {
			cfg.segmentSize = 64 * 1024 * 1024
		}
		if cfg.syncEvery <= 0 {
			cfg.syncEvery = 1
		}

		journalCfg := journalConfig{
			dir:          cfg.journalDir,
			segmentBytes: cfg.segmentSize,
			syncEvery:    cfg.syncEvery,
			syncInterval: cfg.syncInterval,
			logger:       logger,
		}

		j, pending, err := openJournal(journalCfg)
		if err != nil {
			logger.Fatalf("failed to initialize persist outbox journal: %v", err)
		}

		globalOutbox = newPersistOutbox(cfg, store, logger, j, pending)
		globalOutbox.start()
	})
}

func newPersistOutbox(cfg outboxConfig, store Storage, logger *log.Logger, j *journal, pending []*persistRecord) *persistOutbox {
	ob := &persistOutbox{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		journal:  j,
		workCh:   make(chan *persistRecord, cfg.bufferSize),
		stopCh:   make(chan struct{}),
		inflight: make(map[uint64]*persistRecord),
		acked:    make(map[uint64]struct{}),
		nextAck:  j.committedOffset,
		started:  time.Now().UTC(),
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].Offset < pending[j].Offset })
	for _, rec := range pending {
		ob.inflight[rec.Offset] = rec
	}

	go func() {
		for _, rec := range pending {
			ob.enqueueRecovered(rec)
		}
	}()

	return ob
}

func (o *persistOutbox) start() {
	for i := 0; i < o.cfg.workerCount; i++ {
		o.workerWG.Add(1)
		go o.worker(i)
	}
	if o.cfg.syncInterval > 0 {
		go o.syncLoop()
	}
}

func (o *persistOutbox) syncLoop() {
	ticker := time.NewTicker(o.cfg.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.journal.mu.Lock()
			if err := o.journal.syncLocked(); err != nil {
				if errors.Is(err, errJournalClosed) {
					o.journal.mu.Unlock()
					return
				}
				o.logger.WithError(err).Error("outbox journal sync failed")
			}
			o.journal.mu.Unlock()
		case <-o.stopCh:
			return
		}
	}
}

func (o *persistOutbox) shutdown() {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return
	}
	o.closing = true
	close(o.stopCh)
	o.mu.Unlock()

	close(o.workCh)
	o.workerWG.Wait()
	o.retryWG.Wait()
	o.journal.close()
}

func (o *persistOutbox) enqueueRecovered(rec *persistRecord) {
	select {
	case o.workCh <- rec:
	case <-o.stopCh:
	}
}

// enqueue journals the job and hands it to a worker. An error means the job
// was not accepted and the caller must surface the failure.
func (o *persistOutbox) enqueue(job persistJob) error {
	if len(job.ops) == 0 {
		return nil
	}

	encoded, err := domain.EncodeOps(job.ops)
	if err != nil {
		return err
	}
	rec := &persistRecord{
		UserID:    job.userID,
		Ops:       encoded,
		Timestamp: time.Now().UTC(),
	}

	o.journal.mu.Lock()
	if err := o.journal.appendRecordLocked(rec); err != nil {
		o.journal.mu.Unlock()
		return err
	}
	if err := o.journal.syncIfNeededLocked(); err != nil {
		if rbErr := o.journal.rollbackRecordLocked(rec); rbErr != nil {
			o.logger.WithError(rbErr).Error("journal rollback failed")
		}
		o.journal.mu.Unlock()
		return err
	}

	o.mu.Lock()
	o.inflight[rec.Offset] = rec
	o.mu.Unlock()

	if err := o.dispatchLocked(rec); err != nil {
		o.mu.Lock()
		delete(o.inflight, rec.Offset)
		o.mu.Unlock()
		if rbErr := o.journal.rollbackRecordLocked(rec); rbErr != nil {
			o.logger.WithError(rbErr).Error("journal rollback failed")
		}
		if syncErr := o.journal.syncLocked(); syncErr != nil {
			o.logger.WithError(syncErr).Error("journal sync after rollback failed")
		}
		o.journal.mu.Unlock()
		return err
	}
	o.journal.mu.Unlock()

	return nil
}

func (o *persistOutbox) dispatchLocked(rec *persistRecord) error {
	if o.cfg.handoffTimeout <= 0 {
		select {
		case o.workCh <- rec:
			return nil
		default:
			return errOutboxSaturated
		}
	}

	timer := time.NewTimer(o.cfg.handoffTimeout)
	defer timer.Stop()

	select {
	case o.workCh <- rec:
		return nil
	case <-timer.C:
		return errOutboxSaturated
	case <-o.stopCh:
		return errors.New("outbox shutting down")
	}
}

func (o *persistOutbox) worker(id int) {
	defer o.workerWG.Done()

	batch := make([]*persistRecord, 0, o.cfg.batchSize)
	timer := time.NewTimer(o.cfg.flushInterval)
	defer timer.Stop()
	for {
		if len(batch) == 0 {
			select {
			case rec, ok := <-o.workCh:
				if !ok {
					return
				}
				if rec == nil {
					continue
				}
				batch = append(batch, rec)
				timer.Reset(o.cfg.flushInterval)
			case <-o.stopCh:
				return
			}
		}

	gather:
		for len(batch) < o.cfg.batchSize {
			select {
			case rec, ok := <-o.workCh:
				if !ok {
					break gather
				}
				if rec == nil {
					continue
				}
				batch = append(batch, rec)
			case <-timer.C:
				timer.Reset(o.cfg.flushInterval)
				break gather
			case <-o.stopCh:
				return
			}
		}

		o.flushBatch(batch, id)
		batch = batch[:0]
	}
}

// flushBatch applies each record's ops. Failures are retried with backoff;
// the optimistic board state is never rolled back, the store just converges
// once a retry lands.
func (o *persistOutbox) flushBatch(batch []*persistRecord, workerID int) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.applyTimeout)
	defer cancel()

	successes := make([]*persistRecord, 0, len(batch))
	failures := make([]*persistRecord, 0)
	for _, rec := range batch {
		err := o.applyRecord(ctx, rec)
		if err != nil {
			rec.Attempt++
			rec.LastErr = err.Error()
			failures = append(failures, rec)
			o.logger.WithError(err).Errorf("persist apply failed, worker=%d, user=%s, offset=%d, attempt=%d", workerID, rec.UserID, rec.Offset, rec.Attempt)
		} else {
			rec.Attempt = 0
			rec.LastErr = ""
			successes = append(successes, rec)
		}
	}

	if len(successes) > 0 {
		o.markDelivered(successes)
	}
	for _, rec := range failures {
		o.scheduleRetry(rec)
	}
}

func (o *persistOutbox) applyRecord(ctx context.Context, rec *persistRecord) error {
	ops, err := domain.DecodeOps(rec.Ops)
	if err != nil {
		return err
	}
	if err := o.store.ApplyOps(ctx, rec.UserID, ops); err != nil {
		return err
	}
	// The change feed is best-effort: widgets refresh on the next poll anyway.
	if err := o.store.PublishBoardChanged(ctx, rec.UserID, "drag"); err != nil {
		o.logger.WithError(err).Warnf("board-changed publish failed, user=%s", rec.UserID)
	}
	return nil
}

func (o *persistOutbox) markDelivered(records []*persistRecord) {
	var maxCommit uint64

	o.mu.Lock()
	for _, rec := range records {
		delete(o.inflight, rec.Offset)
		o.acked[rec.Offset] = struct{}{}
	}
	o.delivered.Add(uint64(len(records)))

	for {
		next := o.nextAck + 1
		if _, ok := o.acked[next]; ok {
			delete(o.acked, next)
			o.nextAck = next
			maxCommit = next
		} else {
			break
		}
	}
	o.mu.Unlock()

	if maxCommit > 0 {
		o.journal.mu.Lock()
		if err := o.journal.commitLocked(maxCommit); err != nil {
			o.logger.WithError(err).Error("failed to commit outbox journal")
		}
		o.journal.mu.Unlock()
	}
}

func (o *persistOutbox) scheduleRetry(rec *persistRecord) {
	delay := exponentialBackoff(rec.Attempt, o.cfg.retryInitial, o.cfg.retryMax)
	o.retryWG.Add(1)
	timer := time.NewTimer(delay)
	go func(r *persistRecord) {
		defer o.retryWG.Done()
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case o.workCh <- r:
			case <-o.stopCh:
			}
		case <-o.stopCh:
		}
	}(rec)
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		if initial <= 0 {
			return time.Second
		}
		return initial
	}
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}

func enqueuePersistJob(job persistJob) error {
	if globalOutbox == nil {
		return errors.New("persist outbox unavailable")
	}
	return globalOutbox.enqueue(job)
}

type outboxStats struct {
	QueueDepth int           `json:"queueDepth"`
	Buffered   int           `json:"buffered"`
	OldestAge  time.Duration `json:"oldestAge"`
	Delivered  uint64        `json:"delivered"`
	StartedAt  time.Time     `json:"startedAt"`
	DrainRate  float64       `json:"drainRatePerSecond"`
}

func (o *persistOutbox) stats() outboxStats {
	o.mu.Lock()
	defer o.mu.Unlock()

	depth := len(o.inflight)
	buffered := len(o.workCh)
	var oldest time.Duration
	now := time.Now()
	for _, rec := range o.inflight {
		age := now.Sub(rec.Timestamp)
		if age < 0 {
			age = 0
		}
		if age > oldest {
			oldest = age
		}
	}

	delivered := o.delivered.Load()
	elapsed := time.Since(o.started)
	rps := 0.0
	if elapsed > 0 {
		rps = float64(delivered) / elapsed.Seconds()
	}

	return outboxStats{
		QueueDepth: depth,
		Buffered:   buffered,
		OldestAge:  oldest,
		Delivered:  delivered,
		StartedAt:  o.started,
		DrainRate:  rps,
	}
}

func getOutboxStats() (outboxStats, error) {
	if globalOutbox == nil {
		return outboxStats{}, errors.New("persist outbox unavailable")
	}
	return globalOutbox.stats(), nil
}

func shutdownPersistOutbox() {
	if globalOutbox != nil {
		globalOutbox.shutdown()
	}
	globalOutbox = nil
	outboxOnce = sync.Once{}
}
