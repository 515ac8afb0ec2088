package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/suPer8Hu/agri-chat/internal/chat"
)

// HandlerFunc processes one decoded message event.
type HandlerFunc func(ctx context.Context, ev chat.MessageEvent) error

var errBadMessage = errors.New("bad message")

// Consume fans deliveries out to a fixed pool of workers until ctx is done or
// the delivery channel closes, then waits for in-flight work. Deliveries that
// fail to decode or to handle are nacked without requeue, which routes them
// to the dead-letter queue.
func Consume(ctx context.Context, deliveries <-chan amqp.Delivery, concurrency int, handle HandlerFunc) {
	if concurrency <= 0 {
		concurrency = 1
	}
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				process(ctx, workerID, d, handle)
			}
		}(i)
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("consumer shutting down")
			return
		case d, ok := <-deliveries:
			if !ok {
				log.Warn().Msg("delivery channel closed")
				return
			}
			select {
			case jobs <- d:
			case <-ctx.Done():
				_ = d.Nack(false, true)
				return
			}
		}
	}
}

func process(ctx context.Context, workerID int, d amqp.Delivery, handle HandlerFunc) {
	start := time.Now()
	ev, err := decode(d.Body)
	if err != nil {
		log.Error().Err(err).Int("worker", workerID).Str("delivery_id", d.MessageId).Msg("drop undecodable delivery")
		_ = d.Nack(false, false)
		return
	}

	if err := handle(ctx, ev); err != nil {
		log.Error().Err(err).
			Int("worker", workerID).
			Str("event_id", ev.EventID).
			Uint64("message_id", ev.MessageID).
			Dur("cost", time.Since(start)).
			Msg("handle message event failed")
		_ = d.Nack(false, false)
		return
	}

	if err := d.Ack(false); err != nil {
		log.Warn().Err(err).Int("worker", workerID).Str("event_id", ev.EventID).Msg("ack failed")
	}
	if cost := time.Since(start); cost > 2*time.Second {
		log.Warn().Str("event_id", ev.EventID).Dur("cost", cost).Msg("slow message event")
	}
}

func decode(body []byte) (chat.MessageEvent, error) {
	var ev chat.MessageEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, errors.Join(errBadMessage, err)
	}
	if ev.MessageID == 0 || ev.ReceiverID == 0 || ev.SenderID == 0 {
		return ev, errBadMessage
	}
	return ev, nil
}
