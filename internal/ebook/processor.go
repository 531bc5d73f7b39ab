package ebook

import (
	"context"
	"time"

	"github.com/ircbooks/fetcher/internal/logctx"
	"github.com/ircbooks/fetcher/internal/queue"
)

// Processor is the background loop that drains the queue whenever the client
// is idle. It carries no logic of its own: the direct trigger in RequestBook
// only covers the idle path, every later drain comes from here.
type Processor struct {
	client   *Client
	queue    *queue.Manager
	interval time.Duration
}

func NewProcessor(client *Client, q *queue.Manager, interval time.Duration) *Processor {
	if interval <= 0 {
		interval = time.Second
	}

	return &Processor{
		client:   client,
		queue:    q,
		interval: interval,
	}
}

// Run polls until ctx is cancelled. It never terminates mid-iteration.
func (p *Processor) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("queue processor started", "interval", p.interval.String())

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	ticks := 0

	for {
		select {
		case <-ctx.Done():
			logger.Info("queue processor stopping")

			return nil
		case <-ticker.C:
			if p.client.Mode() == ModeIdle && !p.queue.IsEmpty() {
				logger.Debug("processing next item in queue")
				p.client.ProcessQueue()
			}

			ticks++
			if ticks%10 == 0 {
				logger.Debug("queue poll", "queue_size", p.queue.Size())
			}
		}
	}
}
