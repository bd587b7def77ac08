package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/Sternrassler/tagharvest/pkg/client"
	"github.com/Sternrassler/tagharvest/pkg/dedupe"
	"github.com/Sternrassler/tagharvest/pkg/queue"
	"github.com/Sternrassler/tagharvest/pkg/record"
	"github.com/rs/zerolog"
)

// Progress is reported after every consumed batch.
type Progress struct {
	Unique    int
	Target    int
	Term      string
	BatchSize int
	Accepted  int
}

// ProgressFunc observes progress. It is called from sink goroutines and
// must not block.
type ProgressFunc func(Progress)

// SinkResult summarizes a finished Sink.
type SinkResult struct {
	Batches    int
	Accepted   int
	Duplicates int
	Invalid    int
	Late       int
}

// Sink drains the queue, normalizes and deduplicates records, and admits
// new ones into the results. Reaching the target closes Results.DoneCh,
// which the coordinator turns into a stop of the run.
type Sink struct {
	id          int
	queue       *queue.Queue[*client.Batch]
	index       *dedupe.Index
	results     *Results
	sourcesDone <-chan struct{}
	poll        time.Duration
	progress    ProgressFunc
	logger      zerolog.Logger
}

// Run consumes batches until the queue is closed and drained, the sources
// are finished and the queue is empty, or ctx is cancelled.
func (s *Sink) Run(ctx context.Context) SinkResult {
	var res SinkResult

	for {
		if ctx.Err() != nil {
			s.logDone(res, "cancelled")
			return res
		}

		batch, err := s.queue.Pop(ctx, s.poll)
		switch {
		case err == nil:
			s.consume(batch, &res)

		case errors.Is(err, queue.ErrTimeout):
			// Liveness check, not a failure.
			if s.sourcesFinished() && s.queue.Len() == 0 {
				s.logDone(res, "sources exhausted")
				return res
			}

		case errors.Is(err, queue.ErrClosed):
			s.logDone(res, "queue closed")
			return res

		default:
			s.logDone(res, "cancelled")
			return res
		}
	}
}

// consume admits the records of one batch. Once the run is done the rest
// of the batch is dropped.
func (s *Sink) consume(batch *client.Batch, res *SinkResult) {
	res.Batches++
	accepted := 0

	for i, raw := range batch.Records {
		rec, err := record.Normalize(raw, batch.Term)
		if err != nil {
			res.Invalid++
			recordsRejectedTotal.WithLabelValues("invalid").Inc()
			s.logger.Debug().Err(err).Str("term", batch.Term).Msg("Skipping invalid record")
			continue
		}

		if !s.index.TryAccept(rec.ID) {
			res.Duplicates++
			recordsRejectedTotal.WithLabelValues("duplicate").Inc()
			continue
		}

		admitted, reached := s.results.Admit(rec)
		if !admitted {
			late := len(batch.Records) - i
			res.Late += late
			recordsRejectedTotal.WithLabelValues("late").Add(float64(late))
			break
		}

		accepted++
		recordsAcceptedTotal.Inc()

		if reached {
			status := s.results.Status()
			s.logger.Info().
				Int("unique", status.UniqueCount).
				Int("target", status.Target).
				Msg("Target reached")
		}
	}

	res.Accepted += accepted
	status := s.results.Status()
	uniqueRecords.Set(float64(status.UniqueCount))

	if s.progress != nil {
		s.progress(Progress{
			Unique:    status.UniqueCount,
			Target:    status.Target,
			Term:      batch.Term,
			BatchSize: len(batch.Records),
			Accepted:  accepted,
		})
	}
}

func (s *Sink) sourcesFinished() bool {
	select {
	case <-s.sourcesDone:
		return true
	default:
		return false
	}
}

func (s *Sink) logDone(res SinkResult, reason string) {
	s.logger.Debug().
		Int("sink", s.id).
		Str("reason", reason).
		Int("batches", res.Batches).
		Int("accepted", res.Accepted).
		Int("duplicates", res.Duplicates).
		Int("invalid", res.Invalid).
		Msg("Sink stopped")
}
