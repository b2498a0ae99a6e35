package rabbitmq

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher puts chat jobs on the job queue. It satisfies chat.JobQueue.
type Publisher struct {
	conn  *amqp.Connection
	queue string

	mu sync.Mutex
	ch *amqp.Channel
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, ch, err := dial(url, queue)
	if err != nil {
		return nil, errors.Wrap(err, "rabbitmq publisher")
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Publisher) PublishJob(ctx context.Context, jobID string) error {
	return p.publish(ctx, p.queue, jobID, amqp.Publishing{})
}

// PublishRetry parks a job on the retry queue; it returns to the job queue
// once delay has passed. attempt is carried in the x-attempt header.
func (p *Publisher) PublishRetry(ctx context.Context, jobID string, attempt int, delay time.Duration) error {
	return p.publish(ctx, RetryQueue(p.queue), jobID, amqp.Publishing{
		Expiration: strconv.FormatInt(delay.Milliseconds(), 10),
		Headers:    amqp.Table{AttemptHeader: int32(attempt)},
	})
}

func (p *Publisher) publish(ctx context.Context, queue, jobID string, msg amqp.Publishing) error {
	body, err := json.Marshal(JobMessage{JobID: jobID})
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	msg.ContentType = "application/json"
	msg.DeliveryMode = amqp.Persistent
	msg.Body = body
	msg.Timestamp = time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(cctx,
		"",    // default exchange
		queue, // routing key = queue
		false,
		false,
		msg,
	)
}
