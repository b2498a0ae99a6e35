package rabbitmq

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AttemptHeader counts how often a job has been retried.
const AttemptHeader = "x-attempt"

type Consumer struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewConsumer declares the job topology and limits unacked deliveries to
// prefetch, which should match the worker concurrency.
func NewConsumer(url, queue string, prefetch int) (*Consumer, error) {
	conn, ch, err := dial(url, queue)
	if err != nil {
		return nil, errors.Wrap(err, "rabbitmq consumer")
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, errors.Wrap(err, "qos")
	}
	return &Consumer{conn: conn, ch: ch, queue: queue}, nil
}

func (c *Consumer) Deliveries() (<-chan amqp.Delivery, error) {
	return c.ch.Consume(c.queue, "", false, false, false, false, nil)
}

// Closed reports connection loss. Call it before consuming so an early
// close is not missed.
func (c *Consumer) Closed() <-chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// CloseReason waits up to wait for the broker's reason after the delivery
// channel closed. It returns nil for a clean close or when no reason came.
func CloseReason(closed <-chan *amqp.Error, wait time.Duration) error {
	select {
	case e, ok := <-closed:
		if ok && e != nil {
			return errors.Wrap(e, "broker closed connection")
		}
	case <-time.After(wait):
	}
	return nil
}

func (c *Consumer) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}

// DecodeJob reads the job id and retry attempt of a delivery.
func DecodeJob(d amqp.Delivery) (jobID string, attempt int, err error) {
	var m JobMessage
	if err := json.Unmarshal(d.Body, &m); err != nil {
		return "", 0, errors.Wrap(err, "decode job message")
	}
	if m.JobID == "" {
		return "", 0, errors.New("job message without job_id")
	}
	switch v := d.Headers[AttemptHeader].(type) {
	case int32:
		attempt = int(v)
	case int64:
		attempt = int(v)
	case int:
		attempt = v
	}
	return m.JobID, attempt, nil
}
