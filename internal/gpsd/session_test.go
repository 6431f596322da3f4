package gpsd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDaemon is the far end of a net.Pipe. handle runs for every command
// line it reads, on the daemon's goroutine.
type fakeDaemon struct {
	conn   net.Conn
	mu     sync.Mutex
	cmds   chan string
	handle func(d *fakeDaemon, cmd string)
}

func (d *fakeDaemon) send(line string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, _ = d.conn.Write([]byte(line + "\n"))
}

func (d *fakeDaemon) serve() {
	sc := bufio.NewScanner(d.conn)
	for sc.Scan() {
		cmd := sc.Text()
		d.cmds <- cmd
		if d.handle != nil {
			d.handle(d, cmd)
		}
	}
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestSession(t *testing.T, cfg Config, handle func(d *fakeDaemon, cmd string), opts ...Option) (*Session, *fakeDaemon) {
	t.Helper()
	server, client := net.Pipe()
	d := &fakeDaemon{conn: server, cmds: make(chan string, 256), handle: handle}
	go d.serve()
	opts = append([]Option{
		WithLogger(quietLogger()),
		WithDialer(func(context.Context, string) (io.ReadWriteCloser, error) { return client, nil }),
	}, opts...)
	s := New(cfg, opts...)
	require.NoError(t, s.Connect(context.Background(), "pipe"))
	t.Cleanup(func() {
		s.Close()
		server.Close()
	})
	return s, d
}

type recorder struct {
	objs chan Object
	errs chan error
}

func newRecorder() *recorder {
	return &recorder{objs: make(chan Object, 256), errs: make(chan error, 256)}
}

func (r *recorder) OnObject(obj Object) { r.objs <- obj }
func (r *recorder) OnError(err error)   { r.errs <- err }

func (r *recorder) nextObject(t *testing.T) Object {
	t.Helper()
	select {
	case obj := <-r.objs:
		return obj
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for object")
		return nil
	}
}

func (r *recorder) nextError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errs:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
		return nil
	}
}

func TestSessionConnectFailure(t *testing.T) {
	refused := errors.New("connection refused")
	s := New(DefaultConfig(),
		WithLogger(quietLogger()),
		WithDialer(func(context.Context, string) (io.ReadWriteCloser, error) { return nil, refused }),
	)
	err := s.Connect(context.Background(), "localhost:2947")
	require.ErrorIs(t, err, ErrConnection)
	require.ErrorIs(t, err, refused)
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "localhost:2947", ce.Address)
	assert.Equal(t, Disconnected, s.State())

	_, err = s.Send(context.Background(), VersionCommand())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSessionAlreadyConnected(t *testing.T) {
	s, _ := newTestSession(t, Config{}, nil)
	assert.Equal(t, Connected, s.State())
	assert.ErrorIs(t, s.Connect(context.Background(), "pipe"), ErrAlreadyConnected)
}

func TestSessionBadLineDoesNotStopDispatch(t *testing.T) {
	s, d := newTestSession(t, Config{}, nil)
	rec := newRecorder()
	s.Subscribe(rec)

	go func() {
		d.send(`{"class":"DEVICE","path":"/dev/ttyUSB0","bps":4800}`)
		d.send(`{"class":"DEVICE","bps":`)
		d.send(`{"class":"TPV","mode":3,"lat":1.25}`)
	}()

	first := rec.nextObject(t)
	second := rec.nextObject(t)
	assert.Equal(t, "/dev/ttyUSB0", first.(Device).Path)
	assert.Equal(t, 1.25, second.(TPV).Lat)

	err := rec.nextError(t)
	assert.ErrorIs(t, err, ErrMalformedObject)
	select {
	case extra := <-rec.errs:
		t.Fatalf("unexpected second error: %v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSessionCorrelatedReplyReachesListenersOnce(t *testing.T) {
	s, _ := newTestSession(t, Config{}, func(d *fakeDaemon, cmd string) {
		if cmd == "?VERSION;" {
			d.send(`{"class":"VERSION","release":"3.25","proto_major":3,"proto_minor":15}`)
		}
	})
	rec := newRecorder()
	s.Subscribe(rec)

	v, err := s.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3.25", v.Release)

	assert.Equal(t, v, rec.nextObject(t))
	select {
	case extra := <-rec.objs:
		t.Fatalf("reply delivered twice: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSessionConcurrentCorrelatedSends(t *testing.T) {
	var malformed []string
	var mu sync.Mutex
	s, d := newTestSession(t, Config{}, func(d *fakeDaemon, cmd string) {
		body, ok := strings.CutPrefix(cmd, "?DEVICE=")
		body, ok2 := strings.CutSuffix(body, ";")
		var req struct {
			Path string `json:"path"`
		}
		if !ok || !ok2 || json.Unmarshal([]byte(body), &req) != nil {
			mu.Lock()
			malformed = append(malformed, cmd)
			mu.Unlock()
			return
		}
		// Same class, different device: must not satisfy the waiter.
		d.send(`{"class":"DEVICE","path":"/dev/noise"}`)
		d.send(fmt.Sprintf(`{"class":"DEVICE","path":%q,"bps":4800}`, req.Path))
	})

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := fmt.Sprintf("/dev/gps%d", i)
			dev, err := s.Device(context.Background(), path)
			if err != nil {
				errs <- err
				return
			}
			if dev.Path != path {
				errs <- fmt.Errorf("caller %s got reply for %s", path, dev.Path)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Len(t, d.cmds, n)
	assert.Empty(t, malformed)
}

func TestSessionCommandTimeout(t *testing.T) {
	s, _ := newTestSession(t, Config{}, func(d *fakeDaemon, cmd string) {
		if cmd == "?VERSION;" {
			d.send(`{"class":"VERSION","release":"3.25"}`)
		}
	})

	cmd := DevicesCommand()
	cmd.Timeout = 50 * time.Millisecond
	start := time.Now()
	_, err := s.Send(context.Background(), cmd)
	require.ErrorIs(t, err, ErrCommandTimeout)
	assert.Less(t, time.Since(start), time.Second)

	v, err := s.Version(context.Background())
	require.NoError(t, err, "session stays usable after a timeout")
	assert.Equal(t, "3.25", v.Release)
}

func TestSessionLateReplyGoesToNoOne(t *testing.T) {
	var versions atomic.Int32
	firstSent := make(chan struct{})
	s, _ := newTestSession(t, Config{}, func(d *fakeDaemon, cmd string) {
		if cmd != "?VERSION;" {
			return
		}
		if versions.Add(1) == 1 {
			go func() {
				time.Sleep(150 * time.Millisecond)
				d.send(`{"class":"VERSION","release":"reply-to-first"}`)
				close(firstSent)
			}()
			return
		}
		<-firstSent
		d.send(`{"class":"VERSION","release":"reply-to-second"}`)
	})
	rec := newRecorder()
	s.Subscribe(rec)

	cmd := VersionCommand()
	cmd.Timeout = 100 * time.Millisecond
	_, err := s.Send(context.Background(), cmd)
	require.ErrorIs(t, err, ErrCommandTimeout)

	v, err := s.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "reply-to-second", v.Release)

	assert.Equal(t, "reply-to-first", rec.nextObject(t).(Version).Release)
	assert.Equal(t, "reply-to-second", rec.nextObject(t).(Version).Release)
}

func TestSessionLateErrorAfterCancelDoesNotRejectNextCaller(t *testing.T) {
	var polls atomic.Int32
	s, _ := newTestSession(t, Config{}, func(d *fakeDaemon, cmd string) {
		switch {
		case cmd == "?POLL;" && polls.Add(1) == 1:
			// answered only once the next command shows up
		case cmd == "?VERSION;":
			d.send(`{"class":"ERROR","message":"poll unavailable"}`)
			d.send(`{"class":"VERSION","release":"3.25"}`)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Poll(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	v, err := s.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3.25", v.Release)
}

func TestSessionCloseWakesWaiter(t *testing.T) {
	s, d := newTestSession(t, Config{CommandTimeout: time.Minute}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.Poll(context.Background())
		done <- err
	}()
	select {
	case <-d.cmds:
	case <-time.After(2 * time.Second):
		t.Fatal("command never reached the daemon")
	}

	require.NoError(t, s.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Close")
	}
	assert.Equal(t, Disconnected, s.State())
	assert.NoError(t, s.Close())

	_, err := s.Send(context.Background(), VersionCommand())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSessionContextCancelsWait(t *testing.T) {
	s, _ := newTestSession(t, Config{CommandTimeout: time.Minute}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Send(ctx, PollCommand())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Connected, s.State())
}

func TestSessionDaemonErrorRejectsCommand(t *testing.T) {
	s, _ := newTestSession(t, Config{}, func(d *fakeDaemon, cmd string) {
		d.send(`{"class":"ERROR","message":"Unrecognized request"}`)
	})
	_, err := s.Send(context.Background(), Command{Text: "?FOO;", Reply: "FOO"})
	require.ErrorIs(t, err, ErrCommandRejected)
	var rej *CommandRejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "Unrecognized request", rej.Message)
}

func TestSessionErrorAfterFireAndForgetLeavesCommandWaiting(t *testing.T) {
	armed := make(chan struct{})
	s, _ := newTestSession(t, Config{}, func(d *fakeDaemon, cmd string) {
		switch cmd {
		case "?VERSION;":
			close(armed)
		case "?BOGUS;":
			d.send(`{"class":"ERROR","message":"Unrecognized request 'BOGUS'"}`)
			d.send(`{"class":"VERSION","release":"3.25"}`)
		}
	})
	rec := newRecorder()
	s.Subscribe(rec)

	got := make(chan result, 1)
	go func() {
		obj, err := s.Send(context.Background(), VersionCommand())
		got <- result{obj: obj, err: err}
	}()
	select {
	case <-armed:
	case <-time.After(2 * time.Second):
		t.Fatal("version query never reached the daemon")
	}

	_, err := s.Send(context.Background(), Command{Text: "?BOGUS;"})
	require.NoError(t, err)

	select {
	case r := <-got:
		require.NoError(t, r.err)
		assert.Equal(t, Version{Release: "3.25"}, r.obj)
	case <-time.After(2 * time.Second):
		t.Fatal("version query never answered")
	}
	assert.Equal(t, Error{Message: "Unrecognized request 'BOGUS'"}, rec.nextObject(t))
}

// closeOnDecode closes the session while the nth object is between decode
// and dispatch.
type closeOnDecode struct {
	nopMetrics
	nth     int32
	decoded atomic.Int32
	session atomic.Pointer[Session]
}

func (m *closeOnDecode) ObjectDecoded(string) {
	if m.decoded.Add(1) == m.nth {
		m.session.Load().Close()
	}
}

func TestSessionNoDispatchOnceClosed(t *testing.T) {
	m := &closeOnDecode{nth: 2}
	s, d := newTestSession(t, Config{}, nil, WithMetrics(m))
	m.session.Store(s)
	rec := newRecorder()
	s.Subscribe(rec)
	done := s.Done()

	go func() {
		d.send(`{"class":"DEVICE","path":"/dev/ttyUSB0"}`)
		d.send(`{"class":"TPV","mode":3,"lat":1.25}`)
		d.send(`{"class":"TPV","mode":3,"lat":2.5}`)
	}()

	assert.Equal(t, "/dev/ttyUSB0", rec.nextObject(t).(Device).Path)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection not torn down")
	}
	select {
	case obj := <-rec.objs:
		t.Fatalf("dispatched after Close: %+v", obj)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, Disconnected, s.State())
}

func TestSessionPeerDisconnect(t *testing.T) {
	s, d := newTestSession(t, Config{}, nil)
	rec := newRecorder()
	s.Subscribe(rec)
	done := s.Done()

	d.conn.Close()

	err := rec.nextError(t)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Done not closed after peer hung up")
	}
	assert.Equal(t, Disconnected, s.State())
}

func TestSessionFireAndForgetAndWatch(t *testing.T) {
	s, d := newTestSession(t, Config{}, func(d *fakeDaemon, cmd string) {
		if strings.HasPrefix(cmd, "?WATCH=") {
			d.send(`{"class":"DEVICES","devices":[{"class":"DEVICE","path":"/dev/ttyUSB0"}]}`)
			d.send(`{"class":"WATCH","enable":true,"json":true}`)
		}
	})
	rec := newRecorder()
	s.Subscribe(rec)

	obj, err := s.Send(context.Background(), Command{Text: "?DEVICE;"})
	require.NoError(t, err)
	assert.Nil(t, obj)
	assert.Equal(t, "?DEVICE;", <-d.cmds)

	w, err := s.Watch(context.Background(), Watch{Enable: true, JSON: true})
	require.NoError(t, err)
	assert.Equal(t, Watch{Enable: true, JSON: true}, w)
	assert.Equal(t, `?WATCH={"enable":true,"json":true};`, <-d.cmds)

	assert.Equal(t, ClassDevices, rec.nextObject(t).Class())
	assert.Equal(t, ClassWatch, rec.nextObject(t).Class())
}

func TestSessionReconnectAfterClose(t *testing.T) {
	dials := 0
	s := New(Config{}, WithLogger(quietLogger()), WithDialer(func(context.Context, string) (io.ReadWriteCloser, error) {
		dials++
		n := dials
		server, client := net.Pipe()
		d := &fakeDaemon{conn: server, cmds: make(chan string, 8), handle: func(d *fakeDaemon, cmd string) {
			d.send(fmt.Sprintf(`{"class":"VERSION","release":"dial-%d"}`, n))
		}}
		go d.serve()
		t.Cleanup(func() { server.Close() })
		return client, nil
	}))

	for i := 1; i <= 2; i++ {
		require.NoError(t, s.Connect(context.Background(), ""))
		v, err := s.Version(context.Background())
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("dial-%d", i), v.Release)
		require.NoError(t, s.Close())
	}
}

func TestDeviceSetCommandText(t *testing.T) {
	native := true
	cmd := DeviceSetCommand(DeviceSettings{Path: "/dev/ttyUSB0", BPS: 9600, Parity: ParityNone, StopBits: 1, Native: &native})
	assert.Equal(t, ClassDevice, cmd.Reply)
	body := strings.TrimSuffix(strings.TrimPrefix(cmd.Text, "?DEVICE="), ";")
	assert.JSONEq(t, `{"path":"/dev/ttyUSB0","bps":9600,"parity":"N","stopbits":1,"native":1}`, body)

	assert.True(t, cmd.matches(Device{Path: "/dev/ttyUSB0"}))
	assert.False(t, cmd.matches(Device{Path: "/dev/ttyUSB1"}))
	assert.False(t, cmd.matches(TPV{Device: "/dev/ttyUSB0"}))

	assert.Equal(t, "?DEVICE;", DeviceQueryCommand("").Text)
	assert.True(t, DeviceQueryCommand("").matches(Device{Path: "/dev/any"}))
}
