package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loopnote/relay/internal/retry"
)

// Redis is the broker-backed Bus. It holds one broker-side subscription per
// distinct channel and demultiplexes to registered handlers in registration
// order.
//
// Outages are absorbed: the driver reconnects with the relay's standard
// backoff policy, registered channels are re-subscribed automatically, and
// publishes attempted during the outage are dropped with a counter. An
// ingest session is never torn down because the broker is away.
type Redis struct {
	client *redis.Client
	pubsub *redis.PubSub
	table  *handlerTable

	drops atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex // guards pubsub channel-set changes
	closed bool
}

// NewRedis connects to the broker at url (redis:// URL or bare host:port)
// and starts the listening loop. Fails fast when the broker is unreachable.
func NewRedis(ctx context.Context, url, password string) (*Redis, error) {
	opts, err := parseOptions(url, password)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("bus: ping broker %q: %w", url, err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	b := &Redis{
		client: client,
		// Subscribe with no channels: channels attach dynamically as
		// subscribers arrive.
		pubsub: client.Subscribe(listenCtx),
		table:  newHandlerTable(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.listen(listenCtx)
	return b, nil
}

// parseOptions builds client options with the relay's reconnect policy.
func parseOptions(url, password string) (*redis.Options, error) {
	var opts *redis.Options
	if strings.Contains(url, "://") {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("bus: parse broker url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: url}
	}
	if password != "" {
		opts.Password = password
	}
	// The pub-sub reconnect uses the same backoff policy as the ASR client;
	// jitter comes from the driver's own randomization. Command retries are
	// disabled so a publish during an outage fails fast and is dropped
	// instead of stalling the producer.
	opts.MinRetryBackoff = retry.Default.Base
	opts.MaxRetryBackoff = retry.Default.Max
	opts.MaxRetries = -1
	return opts, nil
}

// Publish hands payload to the broker. A failed publish (broker outage) is
// dropped with a counter; the caller's data path is unaffected.
func (b *Redis) Publish(ctx context.Context, channel string, payload []byte) {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		n := b.drops.Add(1)
		if n == 1 || n%100 == 0 {
			slog.Warn("bus: publish dropped, broker unavailable", "channel", channel, "dropped_total", n, "err", err)
		}
	}
}

// Subscribe registers h for channel, attaching the broker-side subscription
// when this is the channel's first handler.
func (b *Redis) Subscribe(ctx context.Context, channel string, h Handler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus: closed")
	}
	id, first := b.table.add(channel, h)
	if first {
		if err := b.pubsub.Subscribe(ctx, channel); err != nil {
			b.table.remove(channel, id)
			b.mu.Unlock()
			return nil, fmt.Errorf("bus: subscribe %q: %w", channel, err)
		}
	}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(channel, id) })
	}, nil
}

func (b *Redis) unsubscribe(channel string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.table.remove(channel, id) && !b.closed {
		// Last handler gone: detach the broker-side subscription too.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.pubsub.Unsubscribe(ctx, channel); err != nil {
			slog.Warn("bus: broker unsubscribe failed", "channel", channel, "err", err)
		}
	}
}

// Ping reports broker reachability.
func (b *Redis) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Dropped returns the number of publishes lost to broker failures.
func (b *Redis) Dropped() uint64 { return b.drops.Load() }

// Close terminates the listening loop and all subscriptions.
func (b *Redis) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	err := b.pubsub.Close()
	<-b.done
	if cerr := b.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// listen is the long-lived delivery loop. The driver re-establishes the
// broker connection and re-subscribes registered channels after an outage;
// the loop only ends when the bus closes.
func (b *Redis) listen(ctx context.Context) {
	defer close(b.done)
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.table.dispatch(msg.Channel, []byte(msg.Payload))
		}
	}
}
