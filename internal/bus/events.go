package bus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"towerintel/internal/logging"
	"towerintel/internal/metrics"
)

// TowerFeed is the venue-wide channel.
const TowerFeed = "tower-ai-feed"

// FloorChannel names the per-floor pulse channel.
func FloorChannel(floor int) string { return fmt.Sprintf("floor-pulse-%d", floor) }

// Floors returns the floors named by the floor pulse channels in channels, in
// order. The result is never nil.
func Floors(channels []string) []int {
	out := []int{}
	for _, ch := range channels {
		rest, ok := strings.CutPrefix(ch, "floor-pulse-")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(rest); err == nil && n > 0 && FloorChannel(n) == ch {
			out = append(out, n)
		}
	}
	return out
}

// Event kinds pushed to clients.
const (
	KindFloorPulse   = "floor_pulse"
	KindLiveMetrics  = "live_metrics"
	KindRevenueAlert = "revenue_alert"
	KindBotResponse  = "bot_response"
)

// Event is the wire shape of every server-pushed message.
type Event struct {
	Type        string `json:"type"`
	Floor       int    `json:"floor,omitempty"`
	ChatID      string `json:"chatId,omitempty"`
	Data        any    `json:"data,omitempty"`
	Metrics     any    `json:"metrics,omitempty"`
	Opportunity any    `json:"opportunity,omitempty"`
	Response    any    `json:"response,omitempty"`
	Timestamp   string `json:"timestamp"`
}

const defaultQueueSize = 256

type pending struct {
	ctx     context.Context
	channel string
	kind    string
	payload []byte
}

// Publisher sends events without blocking or failing the caller. Events are
// queued and published one at a time by a single worker, so the bus sees them
// in call order. A full queue drops the event; failures are logged and counted.
type Publisher struct {
	bus     Bus
	timeout time.Duration
	now     func() time.Time

	queue chan pending
	done  chan struct{}
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewPublisher(b Bus, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	p := &Publisher{
		bus:     b,
		timeout: timeout,
		now:     time.Now,
		queue:   make(chan pending, defaultQueueSize),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// FloorPulse publishes a floor_pulse event on the floor's channel.
func (p *Publisher) FloorPulse(ctx context.Context, floor int, data any) {
	p.emit(ctx, FloorChannel(floor), Event{Type: KindFloorPulse, Floor: floor, Data: data})
}

// LiveMetrics publishes a live_metrics event on the tower feed.
func (p *Publisher) LiveMetrics(ctx context.Context, metrics any) {
	p.emit(ctx, TowerFeed, Event{Type: KindLiveMetrics, Metrics: metrics})
}

// RevenueAlert publishes a revenue_alert event for one opportunity on the
// tower feed.
func (p *Publisher) RevenueAlert(ctx context.Context, opportunity any) {
	p.emit(ctx, TowerFeed, Event{Type: KindRevenueAlert, Opportunity: opportunity})
}

// BotResponse publishes a bot_response event on the tower feed.
func (p *Publisher) BotResponse(ctx context.Context, chatID string, response any) {
	p.emit(ctx, TowerFeed, Event{Type: KindBotResponse, ChatID: chatID, Response: response})
}

// Wait blocks until every queued event has been published or dropped.
func (p *Publisher) Wait() {
	if p == nil {
		return
	}
	p.wg.Wait()
}

// Close publishes what is already queued, then stops the worker. Later
// events are discarded.
func (p *Publisher) Close() {
	if p == nil || p.queue == nil {
		return
	}
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
}

func (p *Publisher) run() {
	defer close(p.done)
	for ev := range p.queue {
		p.publish(ev)
		p.wg.Done()
	}
}

func (p *Publisher) publish(ev pending) {
	ctx, cancel := context.WithTimeout(ev.ctx, p.timeout)
	defer cancel()
	if err := p.bus.Publish(ctx, ev.channel, ev.payload); err != nil {
		metrics.BusPublishFailures.WithLabelValues(ev.channel).Inc()
		logging.Ctx(ev.ctx).Warn().Err(err).Str("channel", ev.channel).Str("type", ev.kind).Msg("bus publish failed")
	}
}

func (p *Publisher) emit(ctx context.Context, channel string, evt Event) {
	if p == nil || p.bus == nil || p.queue == nil {
		return
	}
	evt.Timestamp = p.now().UTC().Format(time.RFC3339Nano)
	payload, err := json.Marshal(evt)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("channel", channel).Msg("encode bus event")
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	// detach from the request so the publish outlives the response
	ev := pending{ctx: context.WithoutCancel(ctx), channel: channel, kind: evt.Type, payload: payload}
	p.wg.Add(1)
	select {
	case p.queue <- ev:
	default:
		p.wg.Done()
		metrics.BusPublishFailures.WithLabelValues(channel).Inc()
		logging.Ctx(ctx).Warn().Str("channel", channel).Str("type", evt.Type).Msg("bus publish queue full, event dropped")
	}
}
