package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/gatepass/internal/models"
)

// JobHandler processes one reconciliation job. Returning a *RetryError asks
// for a delayed redelivery; any other error redelivers right away.
type JobHandler func(ctx context.Context, job *models.ReconciliationJob) error

// ChangeHandler receives change events fanned out on the CHANGES stream.
type ChangeHandler func(ctx context.Context, ev *models.ChangeEvent) error

type Consumer struct {
	nc *nats.Conn
	js jetstream.JetStream
	wg sync.WaitGroup
}

func NewConsumer(natsURL string) (*Consumer, error) {
	nc, js, err := connect(natsURL)
	if err != nil {
		return nil, err
	}
	return &Consumer{nc: nc, js: js}, nil
}

// acker is the settlement side of jetstream.Msg.
type acker interface {
	Ack() error
	Nak() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

// settle acknowledges msg according to the handler result.
func settle(msg acker, err error) {
	var retry *RetryError
	switch {
	case err == nil:
		_ = msg.Ack()
	case errors.As(err, &retry):
		_ = msg.NakWithDelay(retry.Delay)
	default:
		_ = msg.Nak()
	}
}

// ConsumeJobs starts pulling reconciliation jobs from the durable consumer.
// workerCount determines how many goroutines process messages concurrently.
func (c *Consumer) ConsumeJobs(ctx context.Context, consumerName string, ackWait time.Duration, handler JobHandler, workerCount int) error {
	stream, err := c.js.Stream(ctx, ReconcileStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", ReconcileStreamName, err)
	}

	// Attempts are counted in the jobs table, so redelivery is unbounded here.
	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    -1,
		FilterSubject: ReconcileSubjectBase + ".>",
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	msgCh := make(chan jetstream.Msg, workerCount*2)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(msgCh)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			batch, err := cons.Fetch(workerCount, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("fetch jobs error", "error", err)
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				select {
				case msgCh <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	for i := 0; i < workerCount; i++ {
		c.wg.Add(1)
		go func(workerID int) {
			defer c.wg.Done()
			for msg := range msgCh {
				var job models.ReconciliationJob
				if err := json.Unmarshal(msg.Data(), &job); err != nil {
					slog.Error("drop malformed job", "worker", workerID, "subject", msg.Subject(), "error", err)
					_ = msg.Term()
					continue
				}
				err := handler(ctx, &job)
				if err != nil {
					slog.Warn("process job error", "worker", workerID, "job_id", job.ID, "error", err)
				}
				settle(msg, err)
			}
		}(i)
	}

	slog.Info("job consumer started", "consumer", consumerName, "workers", workerCount)
	return nil
}

// ConsumeChanges follows the CHANGES stream from new messages on with an
// ephemeral consumer, so every API process sees every event.
func (c *Consumer) ConsumeChanges(ctx context.Context, handler ChangeHandler) error {
	stream, err := c.js.Stream(ctx, ChangesStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", ChangesStreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		AckPolicy:         jetstream.AckExplicitPolicy,
		AckWait:           10 * time.Second,
		MaxDeliver:        3,
		FilterSubject:     ChangesSubjectBase + ".>",
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		InactiveThreshold: time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create changes consumer: %w", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			batch, err := cons.Fetch(10, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				var ev models.ChangeEvent
				if err := json.Unmarshal(msg.Data(), &ev); err != nil {
					_ = msg.Term()
					continue
				}
				if err := handler(ctx, &ev); err != nil {
					slog.Error("process change error", "error", err)
				}
				settle(msg, err)
			}
		}
	}()

	slog.Info("change consumer started")
	return nil
}

// Wait blocks until the fetch loops and workers have exited after ctx ends.
func (c *Consumer) Wait() {
	c.wg.Wait()
}

func (c *Consumer) Close() {
	c.nc.Close()
}
