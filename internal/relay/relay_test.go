package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/gpsdash/internal/gpsd"
)

type published struct {
	channel string
	payload string
}

type fakeRedis struct {
	mu         sync.Mutex
	published  []published
	lists      map[string][]string
	trims      map[string][2]int64
	publishErr error
	pushErr    error
	trimErr    error
	closed     bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{lists: map[string][]string{}, trims: map[string][2]int64{}}
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx, "publish", channel, message)
	if f.publishErr != nil {
		cmd.SetErr(f.publishErr)
		return cmd
	}
	f.published = append(f.published, published{channel, string(message.([]byte))})
	cmd.SetVal(1)
	return cmd
}

func (f *fakeRedis) LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx, "lpush", key)
	if f.pushErr != nil {
		cmd.SetErr(f.pushErr)
		return cmd
	}
	for _, v := range values {
		f.lists[key] = append([]string{string(v.([]byte))}, f.lists[key]...)
	}
	cmd.SetVal(int64(len(f.lists[key])))
	return cmd
}

func (f *fakeRedis) LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStatusCmd(ctx, "ltrim", key, start, stop)
	if f.trimErr != nil {
		cmd.SetErr(f.trimErr)
		return cmd
	}
	f.trims[key] = [2]int64{start, stop}
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func (f *fakeRedis) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestPublish(t *testing.T) {
	fake := newFakeRedis()
	r := New(fake, Config{}, quietLogger())

	dev := gpsd.Device{Path: "/dev/ttyUSB0", Activated: 1, Native: true}
	require.NoError(t, r.Publish(context.Background(), dev))

	require.Len(t, fake.published, 1)
	assert.Equal(t, "gpsd", fake.published[0].channel)
	assert.JSONEq(t, `{"class":"DEVICE","path":"/dev/ttyUSB0","activated":1,"native":1}`, fake.published[0].payload)
	assert.Equal(t, []string{fake.published[0].payload}, fake.lists["gpsd:device"])
	assert.Equal(t, [2]int64{0, 999}, fake.trims["gpsd:device"])

	obj, err := gpsd.Decode([]byte(fake.published[0].payload))
	require.NoError(t, err)
	assert.True(t, dev.Equal(obj.(gpsd.Device)))

	require.NoError(t, r.Close())
	assert.True(t, fake.closed)
}

func TestPublishError(t *testing.T) {
	fake := newFakeRedis()
	fake.publishErr = errors.New("READONLY")
	r := New(fake, Config{Channel: "fix"}, quietLogger())

	err := r.Publish(context.Background(), gpsd.TPV{Mode: gpsd.Mode2D})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "READONLY")
	assert.Empty(t, fake.lists)
}

func TestPublishHistoryErrors(t *testing.T) {
	fake := newFakeRedis()
	fake.pushErr = errors.New("WRONGTYPE")
	r := New(fake, Config{}, quietLogger())

	err := r.Publish(context.Background(), gpsd.TPV{Mode: gpsd.Mode3D})
	require.ErrorIs(t, err, fake.pushErr)
	assert.Contains(t, err.Error(), "gpsd:tpv")
	assert.Len(t, fake.published, 1)
	assert.Empty(t, fake.trims)

	fake.pushErr = nil
	fake.trimErr = errors.New("OOM")
	err = r.Publish(context.Background(), gpsd.TPV{Mode: gpsd.Mode3D})
	require.ErrorIs(t, err, fake.trimErr)
	assert.Contains(t, err.Error(), "trim gpsd:tpv")
	assert.Len(t, fake.lists["gpsd:tpv"], 1)
}

func TestRelayFiltersClasses(t *testing.T) {
	fake := newFakeRedis()
	r := New(fake, Config{Classes: []string{"tpv"}}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.OnObject(gpsd.SKY{HDOP: 1})
	r.OnObject(gpsd.TPV{Mode: gpsd.Mode3D, Lat: 1})
	r.OnError(errors.New("ignored"))

	require.Eventually(t, func() bool { return fake.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Contains(t, fake.published[0].payload, `"class":"TPV"`)
	assert.NotContains(t, fake.lists, "gpsd:sky")
}

func TestRelayDropsWhenFull(t *testing.T) {
	r := New(newFakeRedis(), Config{}, quietLogger())
	for i := 0; i < defaultQueue+5; i++ {
		r.OnObject(gpsd.TPV{})
	}
	assert.Equal(t, 5, r.Dropped())
}
