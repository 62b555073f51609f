package events

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/jobsheet-engine/shop"
)

// Drainer periodically publishes pending outbox messages.
type Drainer struct {
	store     shop.OutboxStore
	publisher Publisher
	logger    logrus.FieldLogger
	interval  time.Duration
	batch     int

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewDrainer(store shop.OutboxStore, publisher Publisher, logger logrus.FieldLogger, interval time.Duration) *Drainer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Drainer{
		store:     store,
		publisher: publisher,
		logger:    logger.WithField("module", "outbox"),
		interval:  interval,
		batch:     50,
		stopChan:  make(chan struct{}),
	}
}

// Start begins the drain loop.
func (d *Drainer) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop ends the loop and waits for an in-flight drain to finish.
func (d *Drainer) Stop() {
	d.stopOnce.Do(func() { close(d.stopChan) })
	d.wg.Wait()
}

func (d *Drainer) run() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), d.interval)
			d.Drain(ctx)
			cancel()
		}
	}
}

// Drain publishes one batch and returns how many messages were acknowledged.
func (d *Drainer) Drain(ctx context.Context) int {
	msgs, err := d.store.ListPendingOutbox(ctx, d.batch)
	if err != nil {
		d.logger.WithError(err).Error("list pending outbox")
		return 0
	}

	sent := 0
	for _, msg := range msgs {
		log := d.logger.WithFields(logrus.Fields{"outbox_id": msg.ID, "event_type": msg.Type})
		if err := d.publisher.Publish(ctx, msg); err != nil {
			log.WithError(err).WithField("retries", msg.Retries+1).Warn("publish failed")
			if err := d.store.IncrementOutboxRetries(ctx, msg.ID); err != nil {
				log.WithError(err).Error("increment outbox retries")
			}
			continue
		}
		if err := d.store.AckOutbox(ctx, msg.ID, time.Now().UTC()); err != nil {
			log.WithError(err).Error("ack outbox")
			continue
		}
		sent++
	}
	return sent
}
