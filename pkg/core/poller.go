package core

import (
	"context"
	"sync"
	"time"

	"github.com/commatea/SBus-Link/pkg/logger"
	"github.com/commatea/SBus-Link/pkg/recorder"
	"github.com/google/uuid"
)

// Poller reads the configured data points every scan interval and fans
// the readings out to subscribers.
type Poller struct {
	cfg     PollerConfig
	manager *Manager

	mu          sync.Mutex
	subscribers []chan *recorder.Reading

	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logger.Logger
}

// NewPoller creates a poller over the manager's clients.
func NewPoller(cfg PollerConfig, manager *Manager) *Poller {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 10 * time.Second
	}
	return &Poller{
		cfg:     cfg,
		manager: manager,
		log:     logger.Global().Component("poller"),
	}
}

// Subscribe returns a channel that receives readings. A slow subscriber
// loses readings rather than stalling the scan.
func (p *Poller) Subscribe() <-chan *recorder.Reading {
	ch := make(chan *recorder.Reading, 100)

	p.mu.Lock()
	p.subscribers = append(p.subscribers, ch)
	p.mu.Unlock()

	return ch
}

// Unsubscribe removes a subscription.
func (p *Poller) Unsubscribe(ch <-chan *recorder.Reading) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, sub := range p.subscribers {
		if sub == ch {
			p.subscribers = append(p.subscribers[:i], p.subscribers[i+1:]...)
			close(sub)
			break
		}
	}
}

// Start launches the scan loop. The first scan runs immediately.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop halts the scan loop and closes the subscriber channels.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	for _, sub := range p.subscribers {
		close(sub)
	}
	p.subscribers = nil
	p.mu.Unlock()
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ScanInterval)
	defer ticker.Stop()

	p.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.scan(ctx)
		}
	}
}

// scan reads every configured point once. A failing point is logged and
// skipped; the rest of the cycle continues.
func (p *Poller) scan(ctx context.Context) {
	for _, point := range p.cfg.Points {
		if ctx.Err() != nil {
			return
		}

		client, err := p.manager.Get(point.Connection)
		if err != nil {
			p.log.Warn("point has no connection", "point", point.Name, "error", err)
			continue
		}

		values, err := client.ReadPoint(ctx, point)
		if err != nil {
			p.log.Warn("point read failed", "point", point.Name, "connection", client.Name(), "error", err)
			continue
		}

		p.notify(&recorder.Reading{
			ID:         uuid.NewString(),
			Connection: client.Name(),
			Point:      point.Name,
			Kind:       point.Kind,
			Address:    point.Address,
			Values:     values,
			Timestamp:  time.Now().UTC(),
		})
	}
}

func (p *Poller) notify(r *recorder.Reading) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, sub := range p.subscribers {
		select {
		case sub <- r:
		default:
			// Subscriber is not keeping up.
		}
	}
}
