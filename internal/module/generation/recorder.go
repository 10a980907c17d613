package generation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stylemirror/server/internal/module/credit"
)

// settlement is one usage finalization queued off the response path.
type settlement struct {
	requestID      string
	processingTime time.Duration
}

// Recorder finalizes successful usage entries asynchronously so the
// settlement write never sits on the response path. Failures and
// refunds settle synchronously in the orchestrator; only the success
// bookkeeping is deferred.
type Recorder struct {
	ledger    *credit.Service
	log       *zap.Logger
	buffer    chan settlement
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRecorder creates and starts a settlement recorder.
func NewRecorder(ledger *credit.Service, log *zap.Logger, bufferSize int) *Recorder {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	r := &Recorder{
		ledger: ledger,
		log:    log,
		buffer: make(chan settlement, bufferSize),
		done:   make(chan struct{}),
	}
	r.start()
	return r
}

// RecordSuccess queues the success finalization for a request. When the
// buffer is full the record is dropped with a log line; the usage entry
// simply stays pending.
func (r *Recorder) RecordSuccess(requestID string, processingTime time.Duration) {
	select {
	case r.buffer <- settlement{requestID: requestID, processingTime: processingTime}:
	default:
		r.log.Warn("settlement buffer full, dropping record",
			zap.String("request_id", requestID))
	}
}

// Close stops the recorder and flushes queued settlements. Safe to call
// more than once.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

func (r *Recorder) start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case s := <-r.buffer:
				r.persist(s)
			case <-r.done:
				for {
					select {
					case s := <-r.buffer:
						r.persist(s)
					default:
						return
					}
				}
			}
		}
	}()
}

func (r *Recorder) persist(s settlement) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.ledger.FinalizeSuccess(ctx, s.requestID, s.processingTime); err != nil {
		r.log.Error("finalize usage entry",
			zap.Error(err),
			zap.String("request_id", s.requestID))
	}
}
