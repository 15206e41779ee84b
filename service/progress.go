package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Event kinds carried on progress channels.
const (
	EventConnected   = "connected"
	EventStageUpdate = "stage_update"
	EventToken       = "token"
	EventProgress    = "progress"
	EventDone        = "done"
	EventError       = "error"
	EventStreamEnd   = "stream_end"
)

// Event is one frame on a progress channel. Fields are populated per kind
// and omitted otherwise.
type Event struct {
	Kind       string                 `json:"kind"`
	ProjectID  string                 `json:"project_id,omitempty"`
	Stage      string                 `json:"stage,omitempty"`
	Status     string                 `json:"status,omitempty"`
	Progress   int                    `json:"progress,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Content    string                 `json:"content,omitempty"`
	FullText   string                 `json:"full_text,omitempty"`
	Current    int                    `json:"current,omitempty"`
	Total      int                    `json:"total,omitempty"`
	ItemName   string                 `json:"item_name,omitempty"`
	Result     map[string]interface{} `json:"result,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Error      string                 `json:"error,omitempty"`
	RetryCount int                    `json:"retry_count,omitempty"`
	Timestamp  time.Time              `json:"timestamp,omitempty"`
}

// ChannelName is the stable channel key. Clients depend on the exact format;
// do not change it.
func ChannelName(projectID, stage string) string {
	if stage == "" {
		return fmt.Sprintf("project:%s", projectID)
	}
	return fmt.Sprintf("project:%s:stage:%s", projectID, stage)
}

// ProgressPublisher broadcasts progress events on named channels. Delivery
// is at-most-once with no replay: subscribers only see what is published
// after they connect.
//
// Subscribe returns a channel that closes when the subscription ends. A
// single-stage subscription forwards a done or error event, then emits
// stream_end and closes. A wildcard (stage == "") subscription never
// terminates on done/error. Both close after `timeout` with no traffic, or
// when ctx is cancelled.
type ProgressPublisher interface {
	Publish(ctx context.Context, projectID, stage string, ev Event) error
	Subscribe(ctx context.Context, projectID, stage string, timeout time.Duration) (<-chan Event, error)
}

// pump applies the shared termination semantics on top of a raw event feed.
// stop tears down the underlying subscription.
func pump(ctx context.Context, raw <-chan Event, out chan<- Event, singleStage bool, timeout time.Duration, stop func()) {
	defer close(out)
	defer stop()

	idle := time.NewTimer(timeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
			return
		case ev, ok := <-raw:
			if !ok {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if singleStage && (ev.Kind == EventDone || ev.Kind == EventError) {
				end := Event{Kind: EventStreamEnd, ProjectID: ev.ProjectID, Stage: ev.Stage, Timestamp: time.Now()}
				select {
				case out <- end:
				case <-ctx.Done():
				}
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(timeout)
		}
	}
}

// MemoryPublisher is the in-process broker. Same semantics as the redis
// implementation; used embedded and in tests.
type MemoryPublisher struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{} // channel name -> raw subscriber set
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{subs: make(map[string]map[chan Event]struct{})}
}

func (p *MemoryPublisher) Publish(ctx context.Context, projectID, stage string, ev Event) error {
	ev.ProjectID = projectID
	if ev.Stage == "" {
		ev.Stage = stage
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	// fan out to the stage channel and the project-wide channel
	names := []string{ChannelName(projectID, "")}
	if stage != "" {
		names = append(names, ChannelName(projectID, stage))
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, name := range names {
		for ch := range p.subs[name] {
			select {
			case ch <- ev:
			default:
				// slow subscriber: drop, delivery is at-most-once
			}
		}
	}
	return nil
}

func (p *MemoryPublisher) Subscribe(ctx context.Context, projectID, stage string, timeout time.Duration) (<-chan Event, error) {
	name := ChannelName(projectID, stage)
	raw := make(chan Event, 64)

	p.mu.Lock()
	if p.subs[name] == nil {
		p.subs[name] = make(map[chan Event]struct{})
	}
	p.subs[name][raw] = struct{}{}
	p.mu.Unlock()

	stop := func() {
		p.mu.Lock()
		delete(p.subs[name], raw)
		p.mu.Unlock()
	}

	out := make(chan Event, 16)
	go pump(ctx, raw, out, stage != "", timeout, stop)
	return out, nil
}

// RedisPublisher broadcasts over redis pub/sub, which is fire-and-forget
// at-most-once by nature.
type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Publish(ctx context.Context, projectID, stage string, ev Event) error {
	ev.ProjectID = projectID
	if ev.Stage == "" {
		ev.Stage = stage
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event failed: %w", err)
	}

	if err := p.rdb.Publish(ctx, ChannelName(projectID, ""), data).Err(); err != nil {
		return err
	}
	if stage != "" {
		if err := p.rdb.Publish(ctx, ChannelName(projectID, stage), data).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (p *RedisPublisher) Subscribe(ctx context.Context, projectID, stage string, timeout time.Duration) (<-chan Event, error) {
	name := ChannelName(projectID, stage)
	ps := p.rdb.Subscribe(ctx, name)
	// force the SUBSCRIBE round trip so a publish after Subscribe returns
	// is guaranteed to be seen
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	raw := make(chan Event, 64)
	go func() {
		defer close(raw)
		for msg := range ps.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn().Err(err).Str("channel", name).Msg("bad event payload")
				continue
			}
			raw <- ev
		}
	}()

	out := make(chan Event, 16)
	go pump(ctx, raw, out, stage != "", timeout, func() { _ = ps.Close() })
	return out, nil
}
