// Package worker runs background jobs dequeued from Redis. The only job type
// today is session finalize, which settles the durable broadcast record and
// archives the session's chat after a broadcast ends.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/deckline/backend/internal/chat"
	"github.com/deckline/backend/internal/session"
	"github.com/deckline/backend/pkg/queue"
)

// SessionFinalizeProcessor settles broadcast records after sessions end:
// final metric totals go to Postgres and the chat tail gets archived.
type SessionFinalizeProcessor struct {
	records  *session.Repository
	chatRepo *chat.Repository
	queue    *queue.Queue
	logger   *zap.Logger
}

// NewSessionFinalizeProcessor creates a session finalize processor.
func NewSessionFinalizeProcessor(records *session.Repository, chatRepo *chat.Repository, q *queue.Queue, logger *zap.Logger) *SessionFinalizeProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionFinalizeProcessor{records: records, chatRepo: chatRepo, queue: q, logger: logger}
}

// Process executes one session finalize job.
func (p *SessionFinalizeProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeSessionFinalize {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.SessionFinalizePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	found, err := p.records.Finalize(ctx, payload.SessionID,
		payload.PeakListeners, payload.LoveCount, payload.TipTotalCents, payload.TipCount)
	if err != nil {
		return fmt.Errorf("finalize record: %w", err)
	}
	if !found {
		// The go-live write never landed. Nothing durable to settle.
		p.logger.Warn("no broadcast record for session", zap.String("session_id", payload.SessionID.String()))
		return nil
	}

	archived, err := p.chatRepo.Archive(ctx, payload.SessionID)
	if err != nil {
		return fmt.Errorf("archive chat: %w", err)
	}

	p.logger.Info("session finalized",
		zap.String("session_id", payload.SessionID.String()),
		zap.Int("peak_listeners", payload.PeakListeners),
		zap.Int("love_count", payload.LoveCount),
		zap.Int64("tip_total_cents", payload.TipTotalCents),
		zap.Int64("chat_archived", archived))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *SessionFinalizeProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("session worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Info("session worker stopping")
				return
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
