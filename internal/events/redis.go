package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mikuai/internal/models"
	"mikuai/internal/redis"
)

const (
	DefaultChannel = "mikuai:events"
	busyKeyTTL     = 30 * time.Minute
	publishTimeout = 2 * time.Second
)

// RedisPublisher mirrors events onto a Redis pub/sub channel and keeps a
// busy marker per awaiting session. Notifications are queued and sent by Run
// so the manager loop never waits on the network.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	queue   chan Event
	logger  *zap.Logger
	now     func() time.Time
}

func NewRedisPublisher(client *redis.Client, channel string, logger *zap.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{
		client:  client,
		channel: channel,
		queue:   make(chan Event, 64),
		logger:  logger,
		now:     time.Now,
	}
}

// Run sends queued events until ctx is done.
func (p *RedisPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.queue:
			if err := p.send(ctx, ev); err != nil {
				p.logger.Warn("redis publish failed", zap.String("type", ev.Type), zap.Error(err))
			}
		}
	}
}

func (p *RedisPublisher) send(ctx context.Context, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	switch ev.Type {
	case TypeBusy:
		if err := p.client.MarkBusy(ctx, ev.SessionID, ev.Time, busyKeyTTL); err != nil {
			return fmt.Errorf("set busy marker: %w", err)
		}
	case TypeIdle:
		if err := p.client.ClearBusy(ctx, ev.SessionID); err != nil {
			return fmt.Errorf("clear busy marker: %w", err)
		}
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.client.Publish(ctx, p.channel, payload)
}

func (p *RedisPublisher) enqueue(ev Event) {
	select {
	case p.queue <- ev:
	default:
		p.logger.Warn("redis event queue full, dropping event", zap.String("type", ev.Type))
	}
}

func (p *RedisPublisher) OnAssistantMessage(sessionID int64, text string) {
	p.enqueue(Event{Type: TypeAssistantMessage, SessionID: sessionID, Text: text, Time: p.now()})
}

func (p *RedisPublisher) OnBusy(sessionID int64) {
	p.enqueue(Event{Type: TypeBusy, SessionID: sessionID, Time: p.now()})
}

func (p *RedisPublisher) OnIdle(sessionID int64) {
	p.enqueue(Event{Type: TypeIdle, SessionID: sessionID, Time: p.now()})
}

func (p *RedisPublisher) OnVoiceResult(res models.VoiceResult) {
	p.enqueue(voiceEvent(res, p.now()))
}

// Subscribe decodes events published on the channel until ctx is done.
func (p *RedisPublisher) Subscribe(ctx context.Context) (<-chan Event, error) {
	raw, err := p.client.Subscribe(ctx, p.channel)
	if err != nil {
		return nil, err
	}
	out := make(chan Event)
	go func() {
		defer close(out)
		for payload := range raw {
			var ev Event
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				p.logger.Warn("redis event decode failed", zap.Error(err))
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
