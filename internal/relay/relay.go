// Package relay republishes gpsd reports to redis so that other
// processes on the vehicle can follow the fix without their own daemon
// connection.
package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/gpsdash/internal/gpsd"
)

const (
	defaultChannel = "gpsd"
	defaultQueue   = 256
	historyLen     = 1000
)

// Config controls the redis relay.
type Config struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Addr     string   `yaml:"addr" json:"addr"`
	Password string   `yaml:"password" json:"-"`
	DB       int      `yaml:"db" json:"db"`
	Channel  string   `yaml:"channel" json:"channel"`
	Classes  []string `yaml:"classes" json:"classes"` // Empty relays every class
}

// Publisher is the slice of the redis client the relay uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Close() error
}

// Relay is a gpsd.Listener. OnObject only queues; Run does the network
// work so the session's read loop never waits on redis.
type Relay struct {
	pub     Publisher
	channel string
	classes map[string]bool
	queue   chan gpsd.Object
	log     *logrus.Entry

	mu      sync.Mutex
	dropped int
}

// Dial connects to redis and checks the connection.
func Dial(ctx context.Context, cfg Config, log *logrus.Entry) (*Relay, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("relay: connect to redis %s: %w", cfg.Addr, err)
	}
	return New(client, cfg, log), nil
}

func New(pub Publisher, cfg Config, log *logrus.Entry) *Relay {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Channel == "" {
		cfg.Channel = defaultChannel
	}
	r := &Relay{
		pub:     pub,
		channel: cfg.Channel,
		queue:   make(chan gpsd.Object, defaultQueue),
		log:     log.WithField("component", "relay"),
	}
	if len(cfg.Classes) > 0 {
		r.classes = make(map[string]bool, len(cfg.Classes))
		for _, c := range cfg.Classes {
			r.classes[strings.ToUpper(c)] = true
		}
	}
	return r
}

func (r *Relay) OnObject(obj gpsd.Object) {
	if r.classes != nil && !r.classes[obj.Class()] {
		return
	}
	select {
	case r.queue <- obj:
	default:
		r.mu.Lock()
		r.dropped++
		n := r.dropped
		r.mu.Unlock()
		if n == 1 || n%100 == 0 {
			r.log.Warnf("queue full, %d reports dropped", n)
		}
	}
}

func (r *Relay) OnError(error) {}

// Dropped reports how many objects were discarded because the queue was
// full.
func (r *Relay) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Run publishes queued objects until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case obj := <-r.queue:
			if err := r.Publish(ctx, obj); err != nil {
				r.log.WithError(err).Warn("publish failed")
			}
		}
	}
}

// Publish sends obj on the channel and keeps the latest reports of its
// class in the list gpsd:<class>.
func (r *Relay) Publish(ctx context.Context, obj gpsd.Object) error {
	payload, err := gpsd.Encode(obj)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	if err := r.pub.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("relay: publish: %w", err)
	}

	key := "gpsd:" + strings.ToLower(obj.Class())
	if err := r.pub.LPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("relay: push %s: %w", key, err)
	}
	if err := r.pub.LTrim(ctx, key, 0, historyLen-1).Err(); err != nil {
		return fmt.Errorf("relay: trim %s: %w", key, err)
	}
	return nil
}

func (r *Relay) Close() error {
	return r.pub.Close()
}
