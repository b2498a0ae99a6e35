// Package worker runs queued chat jobs from RabbitMQ deliveries.
package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/pawcare/portal/internal/chat"
	"github.com/pawcare/portal/internal/store/rabbitmq"
)

// ErrDeliveriesClosed is returned by Run when the broker stops delivering,
// usually because the connection dropped.
var ErrDeliveriesClosed = errors.New("delivery channel closed")

type Runner interface {
	RunJob(ctx context.Context, jobID string) error
}

type Retrier interface {
	PublishRetry(ctx context.Context, jobID string, attempt int, delay time.Duration) error
}

type Pool struct {
	runner      Runner
	retrier     Retrier
	concurrency int
	maxRetries  int
	retryDelay  time.Duration
	log         zerolog.Logger
}

type Option func(*Pool)

func WithConcurrency(n int) Option {
	return func(p *Pool) { p.concurrency = n }
}

// WithRetry sends temporary failures to the retry queue up to max times,
// doubling delay on each attempt.
func WithRetry(r Retrier, max int, delay time.Duration) Option {
	return func(p *Pool) {
		p.retrier = r
		p.maxRetries = max
		p.retryDelay = delay
	}
}

func New(runner Runner, opts ...Option) *Pool {
	p := &Pool{
		runner:      runner,
		concurrency: 2,
		retryDelay:  time.Second,
		log:         log.With().Str("component", "worker").Logger(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.concurrency <= 0 {
		p.concurrency = 2
	}
	if p.concurrency > 50 {
		p.concurrency = 50
	}
	return p
}

func (p *Pool) Concurrency() int { return p.concurrency }

// Run dispatches deliveries to the workers until ctx is done or the delivery
// channel closes. Deliveries already handed to workers are finished first.
func (p *Pool) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	jobs := make(chan amqp.Delivery, p.concurrency*2)

	var g errgroup.Group
	for i := 0; i < p.concurrency; i++ {
		workerID := i
		g.Go(func() error {
			for d := range jobs {
				p.handle(ctx, workerID, d)
			}
			return nil
		})
	}

	// dispatcher
	var runErr error
dispatch:
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("worker shutting down")
			break dispatch
		case d, ok := <-deliveries:
			if !ok {
				runErr = ErrDeliveriesClosed
				break dispatch
			}
			jobs <- d
		}
	}
	close(jobs)
	_ = g.Wait()
	return runErr
}

func (p *Pool) handle(ctx context.Context, workerID int, d amqp.Delivery) {
	l := p.log.With().Int("worker", workerID).Logger()

	jobID, attempt, err := rabbitmq.DecodeJob(d)
	if err != nil {
		l.Warn().Err(err).Msg("bad message")
		_ = d.Nack(false, false)
		return
	}
	l = l.With().Str("job_id", jobID).Int("attempt", attempt).Logger()

	// in-flight jobs finish during shutdown
	start := time.Now()
	err = p.runner.RunJob(context.WithoutCancel(ctx), jobID)
	cost := time.Since(start)

	switch {
	case err == nil:
		if err := d.Ack(false); err != nil {
			l.Error().Err(err).Msg("ack failed")
		}
		if cost > 2*time.Second {
			l.Info().Dur("cost", cost).Msg("slow job")
		}
	case chat.IsTemporary(err) && p.retrier != nil && attempt < p.maxRetries:
		delay := p.retryDelay << attempt
		l.Warn().Err(err).Dur("delay", delay).Msg("job failed, retrying")
		if rerr := p.retrier.PublishRetry(ctx, jobID, attempt+1, delay); rerr != nil {
			l.Error().Err(rerr).Msg("publish retry failed")
			_ = d.Nack(false, false)
			return
		}
		_ = d.Ack(false)
	default:
		l.Error().Err(err).Dur("cost", cost).Msg("job failed")
		_ = d.Nack(false, false)
	}
}
