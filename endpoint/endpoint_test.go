package endpoint

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-valsync/config"
	"github.com/Meander-Cloud/go-valsync/internal/testutil/testlog"
	m "github.com/Meander-Cloud/go-valsync/message"
	"github.com/Meander-Cloud/go-valsync/metrics"
	"github.com/Meander-Cloud/go-valsync/net/tcp"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type recordingMetrics struct {
	metrics.Nop

	valueFrames atomic.Int64
	malformed   atomic.Int64
	dropped     atomic.Int64
	panicked    atomic.Int64
}

func (r *recordingMetrics) FrameSent(kind m.Kind) {
	if kind == m.KindValue {
		r.valueFrames.Add(1)
	}
}

func (r *recordingMetrics) CallbackDropped() {
	r.dropped.Add(1)
}

func (r *recordingMetrics) FrameMalformed() {
	r.malformed.Add(1)
}

func (r *recordingMetrics) CallbackPanicked() {
	r.panicked.Add(1)
}

func serverConfig() *config.Config {
	c := config.Default()
	c.Port = 0
	c.SendFrequency = 50
	c.PingInterval = 50
	c.TcpAcceptTimeout = 200
	c.TcpReconnectInterval = 50
	c.LogPrefix = "Server"
	c.LogDebug = true
	return c
}

func clientConfig(port uint16) *config.Config {
	c := config.Default()
	c.Address = "127.0.0.1"
	c.Port = port
	c.SendFrequency = 50
	c.PingInterval = 50
	c.TcpReconnectInterval = 50
	c.LogPrefix = "Client"
	c.LogDebug = true
	return c
}

func startServer(t *testing.T, c *config.Config) (*Server, uint16) {
	t.Helper()

	s, err := NewServer(c)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)

	require.Eventually(t, func() bool {
		return s.ListenAddr() != nil
	}, waitFor, tick)

	addr, ok := s.ListenAddr().(*net.TCPAddr)
	require.True(t, ok)
	return s, uint16(addr.Port)
}

func startPair(t *testing.T) (*Server, *Client) {
	t.Helper()

	s, port := startServer(t, serverConfig())

	cl, err := NewClient(clientConfig(port))
	require.NoError(t, err)
	t.Cleanup(cl.Shutdown)

	require.Eventually(t, func() bool {
		return s.IsConnected() && cl.IsConnected()
	}, waitFor, tick)

	return s, cl
}

type changeLog struct {
	mutex   sync.Mutex
	changes []ValueChanged
}

func (l *changeLog) callback(changed *ValueChanged) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.changes = append(l.changes, *changed)
}

func (l *changeLog) Len() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.changes)
}

func (l *changeLog) Last() ValueChanged {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.changes[len(l.changes)-1]
}

func TestWriteRejectsUnsendable(t *testing.T) {
	testlog.Start(t)

	s, _ := startServer(t, serverConfig())

	for _, name := range []string{"", "a,b", "a;b", "a`b", "__ping__", "__name", "x__y"} {
		err := s.WriteString(name, "value")
		require.ErrorIs(t, err, ErrInvalidArgument, "name=%q", name)
	}

	for _, value := range []string{"", "1,5", "x;", "`", "__pong__"} {
		err := s.WriteString("name", value)
		require.ErrorIs(t, err, ErrInvalidArgument, "value=%q", value)
	}

	s.outgoingMutex.Lock()
	assert.Empty(t, s.outgoing)
	s.outgoingMutex.Unlock()

	require.NoError(t, s.WriteInt("count", -7))
	require.NoError(t, s.WriteDouble("ratio", 0.125))

	s.outgoingMutex.Lock()
	assert.Equal(t, map[string]string{"count": "-7", "ratio": "0.125"}, s.outgoing)
	s.outgoingMutex.Unlock()
}

func TestReadDefaultsAndParseErrors(t *testing.T) {
	testlog.Start(t)

	s, _ := startServer(t, serverConfig())

	value, found := s.ReadString("missing")
	assert.False(t, found)
	assert.Empty(t, value)
	assert.False(t, s.HasValue("missing"))

	i, err := s.ReadInt("missing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), i)

	f, err := s.ReadDouble("missing")
	require.NoError(t, err)
	assert.Equal(t, 0.0, f)

	s.apply("text", "abc")
	s.apply("count", "42")
	s.apply("ratio", "2.5")

	assert.True(t, s.HasValue("text"))

	_, err = s.ReadInt("text")
	require.ErrorIs(t, err, ErrNumberFormat)
	_, err = s.ReadDouble("text")
	require.ErrorIs(t, err, ErrNumberFormat)
	_, err = s.ReadInt("ratio")
	require.ErrorIs(t, err, ErrNumberFormat)

	i, err = s.ReadInt("count")
	require.NoError(t, err)
	assert.Equal(t, int64(42), i)

	f, err = s.ReadDouble("count")
	require.NoError(t, err)
	assert.Equal(t, 42.0, f)

	f, err = s.ReadDouble("ratio")
	require.NoError(t, err)
	assert.Equal(t, 2.5, f)
}

func TestApplyNotifiesOnlyOnChange(t *testing.T) {
	testlog.Start(t)

	s, _ := startServer(t, serverConfig())

	var changes changeLog
	require.NoError(t, s.AddValueMonitor("score", "log", changes.callback))

	s.apply("score", "1")
	s.apply("score", "1")
	s.apply("score", "1")
	require.Eventually(t, func() bool { return changes.Len() == 1 }, waitFor, tick)

	first := changes.Last()
	assert.Equal(t, "score", first.Name)
	assert.Equal(t, "1", first.Value)
	assert.False(t, first.HadPrevious)

	s.apply("score", "2")
	require.Eventually(t, func() bool { return changes.Len() == 2 }, waitFor, tick)

	second := changes.Last()
	assert.Equal(t, "2", second.Value)
	assert.Equal(t, "1", second.Previous)
	assert.True(t, second.HadPrevious)

	// unrelated names do not notify
	s.apply("other", "x")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, changes.Len())
}

func TestMonitorRegistry(t *testing.T) {
	testlog.Start(t)

	s, _ := startServer(t, serverConfig())

	var a, b atomic.Int64
	require.NoError(t, s.AddValueMonitor("v", "a", func(*ValueChanged) { a.Add(1) }))
	require.NoError(t, s.AddValueMonitor("v", "b", func(*ValueChanged) { b.Add(1) }))

	s.apply("v", "1")
	require.Eventually(t, func() bool { return a.Load() == 1 && b.Load() == 1 }, waitFor, tick)

	// replacing "a" routes further changes to the new handler
	var replaced atomic.Int64
	require.NoError(t, s.AddValueMonitor("v", "a", func(*ValueChanged) { replaced.Add(1) }))
	s.RemoveValueMonitor("v", "b")
	s.RemoveValueMonitor("v", "never-registered")
	s.RemoveValueMonitor("unknown", "a")

	s.apply("v", "2")
	require.Eventually(t, func() bool { return replaced.Load() == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), a.Load())
	assert.Equal(t, int64(1), b.Load())

	s.RemoveValueMonitor("v", "a")
	s.callbackMutex.Lock()
	assert.Empty(t, s.callbacks)
	s.callbackMutex.Unlock()

	require.ErrorIs(t, s.AddValueMonitor("v", "nil", nil), ErrInvalidArgument)
}

func TestCallbackPanicIsContained(t *testing.T) {
	testlog.Start(t)

	rec := &recordingMetrics{}
	c := serverConfig()
	c.Metrics = rec
	s, _ := startServer(t, c)

	var changes changeLog
	require.NoError(t, s.AddValueMonitor("v", "bad", func(*ValueChanged) { panic("callback failure") }))
	require.NoError(t, s.AddValueMonitor("v", "good", changes.callback))

	s.apply("v", "1")
	s.apply("v", "2")

	require.Eventually(t, func() bool { return changes.Len() == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return rec.panicked.Load() == 2 }, waitFor, tick)
	assert.Equal(t, "2", changes.Last().Value)
}

func TestBlockedCallbackDoesNotDelayOthers(t *testing.T) {
	testlog.Start(t)

	rec := &recordingMetrics{}
	c := serverConfig()
	c.Metrics = rec
	c.LogDebug = false
	s, _ := startServer(t, c)

	release := make(chan struct{})
	var releaseOnce sync.Once
	unblock := func() {
		releaseOnce.Do(func() { close(release) })
	}
	defer unblock()

	var blocked atomic.Int64
	require.NoError(t, s.AddValueMonitor("slow", "block", func(*ValueChanged) {
		blocked.Add(1)
		<-release
	}))

	var peer, fast changeLog
	require.NoError(t, s.AddValueMonitor("slow", "peer", peer.callback))
	require.NoError(t, s.AddValueMonitor("v0", "fast", fast.callback))

	// well past any channel buffer
	const changes = 2000
	s.apply("v0", "1")
	for i := 0; i < changes; i++ {
		s.apply("slow", strconv.Itoa(i))
	}
	s.apply("v0", "2")

	require.Eventually(t, func() bool { return fast.Len() == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return peer.Len() == changes }, waitFor, tick)
	assert.Equal(t, int64(1), blocked.Load())
	assert.Equal(t, "2", fast.Last().Value)

	unblock()
	require.Eventually(t, func() bool { return blocked.Load() == changes }, waitFor, tick)

	peer.mutex.Lock()
	for i, changed := range peer.changes {
		require.Equal(t, strconv.Itoa(i), changed.Value)
	}
	peer.mutex.Unlock()

	assert.Equal(t, int64(0), rec.dropped.Load())
}

func TestRemovingBlockedCallbackReturnsImmediately(t *testing.T) {
	testlog.Start(t)

	s, _ := startServer(t, serverConfig())

	release := make(chan struct{})
	var calls atomic.Int64
	require.NoError(t, s.AddValueMonitor("v", "block", func(*ValueChanged) {
		calls.Add(1)
		<-release
	}))

	s.apply("v", "1")
	s.apply("v", "2")
	s.apply("v", "3")
	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)

	removed := make(chan struct{})
	go func() {
		s.RemoveValueMonitor("v", "block")
		close(removed)
	}()

	select {
	case <-removed:
	case <-time.After(waitFor):
		t.Fatal("RemoveValueMonitor waited for the running callback")
	}

	// queued changes are not delivered to a removed callback
	close(release)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), calls.Load())
}

func TestAddValueMonitorAfterShutdown(t *testing.T) {
	testlog.Start(t)

	s, _ := startServer(t, serverConfig())
	s.Shutdown()

	err := s.AddValueMonitor("v", "late", func(*ValueChanged) {})
	require.ErrorIs(t, err, ErrShutdown)
}

func TestSendFrequency(t *testing.T) {
	testlog.Start(t)

	c := serverConfig()
	c.SendFrequency = 0
	s, port := startServer(t, c)
	assert.Equal(t, int(config.ServerSendFrequency), s.SendFrequency())

	cc := clientConfig(port)
	cc.SendFrequency = 0
	cl, err := NewClient(cc)
	require.NoError(t, err)
	defer cl.Shutdown()
	assert.Equal(t, int(config.ClientSendFrequency), cl.SendFrequency())

	require.ErrorIs(t, s.SetSendFrequency(0), ErrInvalidFrequency)
	require.ErrorIs(t, s.SetSendFrequency(-3), ErrInvalidFrequency)
	require.ErrorIs(t, s.SetSendFrequency(1001), ErrInvalidFrequency)
	assert.Equal(t, int(config.ServerSendFrequency), s.SendFrequency())

	require.NoError(t, s.SetSendFrequency(1000))
	assert.Equal(t, 1000, s.SendFrequency())
}

func TestConstructorValidation(t *testing.T) {
	testlog.Start(t)

	_, err := NewClient(nil)
	require.Error(t, err)

	c := clientConfig(0)
	_, err = NewClient(c)
	require.Error(t, err)

	c = clientConfig(12345)
	c.Address = ""
	_, err = NewClient(c)
	require.Error(t, err)

	c = serverConfig()
	c.SendFrequency = 1001
	_, err = NewServer(c)
	require.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	testlog.Start(t)

	s, cl := startPair(t)

	require.NoError(t, cl.WriteString("greeting", "hello world"))
	require.NoError(t, cl.WriteInt("score", 42))
	require.NoError(t, cl.WriteDouble("ratio", 0.25))
	require.NoError(t, s.WriteString("reply", "ack"))

	require.Eventually(t, func() bool {
		v, _ := s.ReadString("greeting")
		return v == "hello world" && s.HasValue("score") && s.HasValue("ratio")
	}, waitFor, tick)

	score, err := s.ReadInt("score")
	require.NoError(t, err)
	assert.Equal(t, int64(42), score)

	ratio, err := s.ReadDouble("ratio")
	require.NoError(t, err)
	assert.Equal(t, 0.25, ratio)

	require.Eventually(t, func() bool {
		v, _ := cl.ReadString("reply")
		return v == "ack"
	}, waitFor, tick)

	assert.Equal(t, tcp.StateConnected, s.State())
	assert.Equal(t, "127.0.0.1", cl.TargetAddress())
}

func TestTransmitRateFollowsSendFrequency(t *testing.T) {
	testlog.Start(t)

	s, port := startServer(t, serverConfig())

	rec := &recordingMetrics{}
	cc := clientConfig(port)
	cc.SendFrequency = 2
	cc.Metrics = rec
	cc.LogDebug = false
	cl, err := NewClient(cc)
	require.NoError(t, err)
	t.Cleanup(cl.Shutdown)

	require.Eventually(t, func() bool {
		return s.IsConnected() && cl.IsConnected()
	}, waitFor, tick)

	// one value, so one frame per cycle
	require.NoError(t, cl.WriteInt("tick", 1))
	require.Eventually(t, func() bool { return s.HasValue("tick") }, waitFor, tick)

	framesIn := func(window time.Duration) int64 {
		before := rec.valueFrames.Load()
		time.Sleep(window)
		return rec.valueFrames.Load() - before
	}

	slow := framesIn(2 * time.Second)
	assert.GreaterOrEqual(t, slow, int64(3), "frames at 2/s")
	assert.LessOrEqual(t, slow, int64(6), "frames at 2/s")

	require.NoError(t, cl.SetSendFrequency(50))
	// the cycle in progress finishes its 500ms wait first
	time.Sleep(600 * time.Millisecond)

	fast := framesIn(time.Second)
	assert.GreaterOrEqual(t, fast, int64(25), "frames at 50/s")
	assert.LessOrEqual(t, fast, int64(55), "frames at 50/s")
}

func TestWrittenValueArrivesWithinOneCycle(t *testing.T) {
	testlog.Start(t)

	s, port := startServer(t, serverConfig())

	cc := clientConfig(port)
	cc.SendFrequency = 10
	cl, err := NewClient(cc)
	require.NoError(t, err)
	t.Cleanup(cl.Shutdown)

	require.Eventually(t, func() bool {
		return s.IsConnected() && cl.IsConnected()
	}, waitFor, tick)

	for i := 1; i <= 3; i++ {
		t0 := time.Now()
		require.NoError(t, cl.WriteInt("seq", int64(i)))
		require.Eventually(t, func() bool {
			v, err := s.ReadInt("seq")
			return err == nil && v == int64(i)
		}, waitFor, time.Millisecond)

		// one period at 10/s plus loopback latency and scheduling slack
		assert.Less(t, time.Since(t0), 100*time.Millisecond+150*time.Millisecond, "write %d", i)
	}
}

func TestRepeatedValueNotifiesOnce(t *testing.T) {
	testlog.Start(t)

	s, cl := startPair(t)

	var changes changeLog
	require.NoError(t, s.AddValueMonitor("score", "log", changes.callback))

	require.NoError(t, cl.WriteInt("score", 42))
	require.Eventually(t, func() bool { return changes.Len() == 1 }, waitFor, tick)

	// same value again, resent every cycle
	require.NoError(t, cl.WriteInt("score", 42))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, changes.Len())

	require.NoError(t, cl.WriteInt("score", 43))
	require.Eventually(t, func() bool { return changes.Len() == 2 }, waitFor, tick)
	assert.Equal(t, "43", changes.Last().Value)
	assert.Equal(t, "42", changes.Last().Previous)
}

func TestResyncAfterReconnect(t *testing.T) {
	testlog.Start(t)

	s, cl := startPair(t)
	port := cl.TargetPort()

	var changes changeLog
	require.NoError(t, s.AddValueMonitor("state", "log", changes.callback))

	require.NoError(t, cl.WriteString("state", "ready"))
	require.Eventually(t, func() bool { return changes.Len() == 1 }, waitFor, tick)

	// pause the client side so the server observes the drop
	require.NoError(t, cl.SetTargetAddress("127.0.0.1", 1))
	require.Eventually(t, func() bool { return !s.IsConnected() }, waitFor, tick)

	v, found := s.ReadString("state")
	assert.True(t, found)
	assert.Equal(t, "ready", v)

	require.NoError(t, cl.WriteString("late", "arrival"))
	require.NoError(t, cl.SetTargetAddress("127.0.0.1", port))
	require.Eventually(t, func() bool {
		return s.IsConnected() && cl.IsConnected()
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		v, _ := s.ReadString("late")
		return v == "arrival"
	}, waitFor, tick)

	// the resent snapshot does not replay unchanged values
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, changes.Len())
	assert.Equal(t, port, cl.TargetPort())
}

func TestPingTimeMeasured(t *testing.T) {
	testlog.Start(t)

	s, cl := startPair(t)

	require.Eventually(t, func() bool {
		return len(s.monitor.Samples()) > 1 && len(cl.monitor.Samples()) > 1
	}, waitFor, tick)

	assert.GreaterOrEqual(t, s.PingTime(), time.Duration(0))
	assert.Less(t, cl.PingTime(), time.Second)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	testlog.Start(t)

	rec := &recordingMetrics{}
	c := serverConfig()
	c.Metrics = rec
	s, port := startServer(t, c)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("garbage;`a`,``;`x`,`1`,`2`;__ping__,soon;`name`,`value`;"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, _ := s.ReadString("name")
		return v == "value"
	}, waitFor, tick)

	assert.Equal(t, int64(4), rec.malformed.Load())
	assert.True(t, s.IsConnected())
	assert.False(t, s.HasValue("a"))
}

func TestListenPortAccessors(t *testing.T) {
	testlog.Start(t)

	s, _ := startServer(t, serverConfig())
	assert.Equal(t, uint16(0), s.ListenPort())

	s.SetListenPort(0)
	assert.Equal(t, uint16(0), s.ListenPort())
	require.Eventually(t, func() bool {
		return s.ListenAddr() != nil
	}, waitFor, tick)
}
