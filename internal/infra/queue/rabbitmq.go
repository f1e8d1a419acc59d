package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"brief-scheduler/internal/domain"
	"brief-scheduler/internal/infra/metrics"
)

const maxAMQPPriority = 9

// RabbitJobQueue публикует принятые задачи в RabbitMQ по AMQP.
type RabbitJobQueue struct {
	url   string
	queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

var _ domain.JobPublisher = (*RabbitJobQueue)(nil)

// NewRabbitJobQueue подключается к брокеру и объявляет очередь.
func NewRabbitJobQueue(amqpURL, queue string) (*RabbitJobQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	q := &RabbitJobQueue{url: amqpURL, queue: queue}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.connectLocked(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *RabbitJobQueue) connectLocked() error {
	conn, err := amqp.Dial(q.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	_, err = ch.QueueDeclare(q.queue, true, false, false, false, amqp.Table{
		"x-max-priority": int32(maxAMQPPriority),
	})
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	q.conn = conn
	q.ch = ch
	return nil
}

// Publish публикует задачу в очередь. При разорванном соединении переподключается один раз.
func (q *RabbitJobQueue) Publish(ctx context.Context, job domain.JobHandle) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     amqpPriority(job.Priority),
		MessageId:    job.ID,
		Timestamp:    time.Now().UTC(),
		Type:         string(job.JobType),
		Body:         body,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	start := time.Now()
	if q.ch == nil || q.ch.IsClosed() {
		if err := q.connectLocked(); err != nil {
			metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
			return err
		}
	}
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, msg)
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Close закрывает канал и соединение.
func (q *RabbitJobQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var errs []error
	if q.ch != nil {
		errs = append(errs, q.ch.Close())
	}
	if q.conn != nil {
		errs = append(errs, q.conn.Close())
	}
	q.ch, q.conn = nil, nil
	return errors.Join(errs...)
}

// amqpPriority переводит приоритет задачи (1 срочно, 10 по расписанию)
// в приоритет AMQP, где больше значит срочнее.
func amqpPriority(priority int) uint8 {
	p := maxAMQPPriority + 1 - priority
	if p < 0 {
		p = 0
	}
	if p > maxAMQPPriority {
		p = maxAMQPPriority
	}
	return uint8(p)
}
