package services

import (
	"context"
	"sync"
	"time"

	"dosematic/models"

	"go.uber.org/zap"
)

// BatchWriterService buffers state transitions and writes them in batches
type BatchWriterService struct {
	writer       TransitionWriter
	logger       *zap.Logger
	input        chan models.StateTransition
	buffer       []models.StateTransition
	bufferMutex  sync.Mutex
	flushTimer   *time.Timer
	maxBatchSize int
	batchTimeout time.Duration
	retryBackoff time.Duration
	shutdownChan chan bool
}

var _ TransitionNotifier = (*BatchWriterService)(nil)

// NewBatchWriterService creates a new batch writer service
func NewBatchWriterService(writer TransitionWriter, maxBatchSize int, batchTimeout time.Duration, logger *zap.Logger) *BatchWriterService {
	return &BatchWriterService{
		writer:       writer,
		logger:       logger,
		input:        make(chan models.StateTransition, maxBatchSize*2),
		buffer:       make([]models.StateTransition, 0, maxBatchSize),
		maxBatchSize: maxBatchSize,
		batchTimeout: batchTimeout,
		retryBackoff: time.Second,
		shutdownChan: make(chan bool, 1),
	}
}

func (bw *BatchWriterService) Name() string {
	return "batch-writer"
}

// NotifyTransition queues a transition for the next batch; countdown ticks
// are not stored
func (bw *BatchWriterService) NotifyTransition(ctx context.Context, transition models.StateTransition) error {
	if transition.IsCountdownTick() {
		return nil
	}

	select {
	case bw.input <- transition:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins the batch writer service
func (bw *BatchWriterService) Start(ctx context.Context) {
	bw.logger.Info("Starting batch writer service",
		zap.Int("max_batch_size", bw.maxBatchSize),
		zap.Duration("batch_timeout", bw.batchTimeout))

	bw.flushTimer = time.NewTimer(bw.batchTimeout)
	defer bw.flushTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			bw.logger.Info("Batch writer received shutdown signal")
			bw.drainInput()
			// the run context is gone; give the final flush its own deadline
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			bw.flushBuffer(flushCtx)
			cancel()
			bw.shutdownChan <- true
			return

		case transition := <-bw.input:
			bw.bufferMutex.Lock()
			bw.buffer = append(bw.buffer, transition)
			currentSize := len(bw.buffer)
			bw.bufferMutex.Unlock()

			if currentSize >= bw.maxBatchSize {
				bw.logger.Info("Buffer full, flushing transitions", zap.Int("buffer_size", currentSize))

				if !bw.flushTimer.Stop() {
					select {
					case <-bw.flushTimer.C:
					default:
					}
				}

				bw.flushBuffer(ctx)
				bw.flushTimer.Reset(bw.batchTimeout)
			}

		case <-bw.flushTimer.C:
			if bw.GetBufferSize() > 0 {
				bw.flushBuffer(ctx)
			}
			bw.flushTimer.Reset(bw.batchTimeout)
		}
	}
}

// drainInput moves queued transitions into the buffer without blocking
func (bw *BatchWriterService) drainInput() {
	bw.bufferMutex.Lock()
	defer bw.bufferMutex.Unlock()

	for {
		select {
		case transition := <-bw.input:
			bw.buffer = append(bw.buffer, transition)
		default:
			return
		}
	}
}

// flushBuffer writes the current buffer and clears it
func (bw *BatchWriterService) flushBuffer(ctx context.Context) {
	bw.bufferMutex.Lock()

	if len(bw.buffer) == 0 {
		bw.bufferMutex.Unlock()
		return
	}

	// Copy buffer for writing (to avoid holding lock during write)
	batch := make([]models.StateTransition, len(bw.buffer))
	copy(batch, bw.buffer)
	bw.buffer = bw.buffer[:0]

	bw.bufferMutex.Unlock()

	maxRetries := 3
	var err error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		err = bw.writer.WriteBatch(ctx, batch)
		if err == nil {
			bw.logger.Info("Flushed transition batch", zap.Int("batch_size", len(batch)))
			return
		}

		bw.logger.Error("Failed to flush transition batch",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Int("batch_size", len(batch)),
			zap.Error(err))

		if attempt < maxRetries {
			select {
			case <-time.After(time.Duration(attempt) * bw.retryBackoff):
			case <-ctx.Done():
				attempt = maxRetries
			}
		}
	}

	bw.logger.Error("Failed to flush batch after all retries, transitions lost",
		zap.Int("batch_size", len(batch)),
		zap.Error(err))
}

// WaitForShutdown waits for the batch writer to complete shutdown
func (bw *BatchWriterService) WaitForShutdown(timeout time.Duration) bool {
	select {
	case <-bw.shutdownChan:
		return true
	case <-time.After(timeout):
		return false
	}
}

// GetBufferSize returns the current buffer size (for monitoring)
func (bw *BatchWriterService) GetBufferSize() int {
	bw.bufferMutex.Lock()
	defer bw.bufferMutex.Unlock()
	return len(bw.buffer)
}
