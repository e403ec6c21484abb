package athernet

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/athernet-go/athernet/codec"
	"github.com/athernet-go/athernet/config"
	"github.com/athernet-go/athernet/frame"
	"github.com/athernet-go/athernet/internal/audio"
)

// These drive whole Node pairs (and triples) over an in-process
// LoopbackHost to exercise the link-layer behaviors that only show up
// end to end: delivery, ACK loss and retransmission, a hidden-terminal
// collision, broadcast addressing, ping, and carrier acquisition under
// noise. Unit tests elsewhere pin down the individual mechanisms; these
// confirm they compose.

// directedHost binds a Node's output and input streams to two different
// named edges of a shared LoopbackHost, since LoopbackHost's own Named
// host uses one edge for both directions (a local loop back to the same
// stream). Composing two of these, or routing one edge through a relay
// below, is how these tests build point-to-point and shared-medium
// topologies out of LoopbackHost's directed-edge primitive.
type directedHost struct {
	h       *audio.LoopbackHost
	outName string
	inName  string
}

func (d directedHost) OpenOutputStream(rate int, cb func([]int16)) (audio.Stream, error) {
	return d.h.Named(d.outName).OpenOutputStream(rate, cb)
}

func (d directedHost) OpenInputStream(rate int, cb func([]int16)) (audio.Stream, error) {
	return d.h.Named(d.inName).OpenInputStream(rate, cb)
}

func scenarioConfig(mac byte) config.Config {
	var cfg = config.Default()
	cfg.MACAddr = mac
	return cfg
}

func openNode(t *testing.T, cfg config.Config, host audio.Host) *Node {
	t.Helper()
	var n, err = Open(cfg, host, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func recvWithin(t *testing.T, n *Node, timeout time.Duration) Message {
	t.Helper()
	var ctx, cancel = context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var msg, err = n.Recv(ctx)
	require.NoError(t, err, "expected a message within %s", timeout)
	return msg
}

// fanOut relays every sample written to edge from onto each edge in to,
// modeling one loudspeaker reaching several listening microphones on a
// shared acoustic medium, which a single LoopbackHost edge (one writer,
// one reader) cannot do on its own.
type fanOut struct {
	queues []chan int16
	stop   chan struct{}
	once   sync.Once
	in     audio.Stream
	outs   []audio.Stream
}

func newFanOut(t *testing.T, h *audio.LoopbackHost, from string, to ...string) *fanOut {
	t.Helper()
	var f = &fanOut{stop: make(chan struct{})}
	for range to {
		f.queues = append(f.queues, make(chan int16, 1<<16))
	}

	var in, err = h.Named(from).OpenInputStream(48000, func(buf []int16) {
		for _, s := range buf {
			for _, q := range f.queues {
				select {
				case q <- s:
				case <-f.stop:
					return
				}
			}
		}
	})
	require.NoError(t, err)
	f.in = in

	for i, name := range to {
		var idx = i
		var out, outErr = h.Named(name).OpenOutputStream(48000, func(buf []int16) {
			for j := range buf {
				select {
				case buf[j] = <-f.queues[idx]:
				case <-f.stop:
					return
				}
			}
		})
		require.NoError(t, outErr)
		f.outs = append(f.outs, out)
	}

	t.Cleanup(f.Close)
	return f
}

func (f *fanOut) Close() {
	f.once.Do(func() {
		close(f.stop)
		_ = f.in.Close()
		for _, o := range f.outs {
			_ = o.Close()
		}
	})
}

// newLossyRelay forwards samples from edge from to edge to, zeroing out
// jamSamples worth of signal starting at the first non-silent sample it
// sees. It models a single collision or noise burst destroying exactly
// the first frame sent on the edge (an ACK, in the scenario below)
// without disturbing anything sent afterward, whatever idle silence
// happens to precede it; silence never gives the demodulator a
// correlation peak to lock onto, so jamming it is a no-op.
func newLossyRelay(t *testing.T, h *audio.LoopbackHost, from, to string, jamSamples int) {
	t.Helper()
	var queue = make(chan int16, 1<<16)
	var stop = make(chan struct{})
	var started bool
	var remaining = jamSamples

	var in, err = h.Named(from).OpenInputStream(48000, func(buf []int16) {
		for _, s := range buf {
			if !started && s != 0 {
				started = true
			}
			if started && remaining > 0 {
				s = 0
				remaining--
			}
			select {
			case queue <- s:
			case <-stop:
				return
			}
		}
	})
	require.NoError(t, err)

	var out, outErr = h.Named(to).OpenOutputStream(48000, func(buf []int16) {
		for i := range buf {
			select {
			case buf[i] = <-queue:
			case <-stop:
				return
			}
		}
	})
	require.NoError(t, outErr)

	t.Cleanup(func() {
		close(stop)
		_ = in.Close()
		_ = out.Close()
	})
}

// sniff demodulates whatever crosses edge name for settle and fails the
// test if a frame is ever assembled there, the end-to-end way to check
// that nothing was transmitted on a given wire.
func sniff(t *testing.T, h *audio.LoopbackHost, name string, mac byte, settle time.Duration) {
	t.Helper()
	var d = codec.NewDemodulator(config.Default().CodecParams(), mac)
	var stream, err = h.Named(name).OpenInputStream(48000, func(buf []int16) {
		for _, s := range buf {
			if f, ok := d.Push(s); ok {
				t.Errorf("unexpected frame on %q: op=%v src=%d dest=%d", name, f.Op(), f.Src(), f.Dest())
			}
		}
	})
	require.NoError(t, err)
	time.Sleep(settle)
	_ = stream.Close()
}

// Scenario 1: a clean exchange between two nodes delivers the payload
// exactly as sent.
func Test_Scenario_LoopbackDelivery(t *testing.T) {
	var bus = audio.NewLoopbackHost()
	var a = openNode(t, scenarioConfig(1), directedHost{bus, "a-b", "b-a"})
	var b = openNode(t, scenarioConfig(2), directedHost{bus, "b-a", "a-b"})

	require.NoError(t, a.Send(2, []byte("hello athernet")))

	var msg = recvWithin(t, b, 5*time.Second)
	assert.Equal(t, byte(1), msg.Src)
	assert.Equal(t, []byte("hello athernet"), msg.Payload)
}

// Scenario 2: the first ACK is lost in transit. The sender must retry
// the DATA frame, and the receiver must still deliver the payload to
// its application exactly once despite seeing it twice on the wire.
func Test_Scenario_AckLossRetransmitsWithoutDuplicateDelivery(t *testing.T) {
	var bus = audio.NewLoopbackHost()
	var a = openNode(t, scenarioConfig(1), directedHost{bus, "a-b", "b-a-clean"})
	newLossyRelay(t, bus, "b-a-raw", "b-a-clean", 2000)
	var b = openNode(t, scenarioConfig(2), directedHost{bus, "b-a-raw", "a-b"})

	require.NoError(t, a.Send(2, []byte("retry me")))

	var msg = recvWithin(t, b, 5*time.Second)
	assert.Equal(t, []byte("retry me"), msg.Payload)

	assert.GreaterOrEqual(t, a.engine.Stats.FramesRetransmitted.Load(), uint64(1),
		"the lost ACK must have forced at least one DATA retransmission")

	select {
	case extra := <-b.messages:
		t.Fatalf("duplicate delivery after ACK loss: %+v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

// Scenario 3: two senders that cannot hear each other (a hidden
// terminal) transmit to the same receiver at once. Their first attempts
// collide and garble on the wire, but unbounded retry with randomized
// backoff eventually delivers both frames.
func Test_Scenario_HiddenTerminalCollisionStillDeliversBoth(t *testing.T) {
	var bus = audio.NewLoopbackHost()
	newFanOut(t, bus, "b-down", "down-a", "down-c")

	var a = openNode(t, scenarioConfig(1), directedHost{bus, "up", "down-a"})
	var c = openNode(t, scenarioConfig(3), directedHost{bus, "up", "down-c"})
	var b = openNode(t, scenarioConfig(2), directedHost{bus, "b-down", "up"})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); assert.NoError(t, a.Send(2, []byte("from a"))) }()
	go func() { defer wg.Done(); assert.NoError(t, c.Send(2, []byte("from c"))) }()
	wg.Wait()

	var seen = map[string]bool{}
	for i := 0; i < 2; i++ {
		var msg = recvWithin(t, b, 10*time.Second)
		seen[string(msg.Payload)] = true
	}
	assert.True(t, seen["from a"], "A's frame must eventually be delivered despite the collision")
	assert.True(t, seen["from c"], "C's frame must eventually be delivered despite the collision")
}

// Scenario 4: a broadcast DATA frame is delivered to every listener, and
// none of them answers it with an ACK.
func Test_Scenario_BroadcastDeliversToAllWithoutAcks(t *testing.T) {
	var bus = audio.NewLoopbackHost()
	newFanOut(t, bus, "src", "bus-b", "bus-c")

	var a = openNode(t, scenarioConfig(1), directedHost{bus, "src", "a-unused-in"})
	var b = openNode(t, scenarioConfig(2), directedHost{bus, "acks-to-a", "bus-b"})
	var c = openNode(t, scenarioConfig(3), directedHost{bus, "acks-to-a", "bus-c"})

	require.NoError(t, a.Send(frame.Broadcast, []byte("for everyone")))

	var msgB = recvWithin(t, b, 5*time.Second)
	var msgC = recvWithin(t, c, 5*time.Second)
	assert.Equal(t, []byte("for everyone"), msgB.Payload)
	assert.Equal(t, []byte("for everyone"), msgC.Payload)

	sniff(t, bus, "acks-to-a", 1, 500*time.Millisecond)
}

// Scenario 5: a ping round trip reports a positive round-trip time.
func Test_Scenario_PingRoundTrip(t *testing.T) {
	var bus = audio.NewLoopbackHost()
	var a = openNode(t, scenarioConfig(1), directedHost{bus, "a-b", "b-a"})
	var b = openNode(t, scenarioConfig(2), directedHost{bus, "b-a", "a-b"})
	require.Equal(t, byte(2), b.Addr())

	var rtt, ok = a.Ping(2, 5*time.Second)
	assert.True(t, ok, "ping must get a reply")
	assert.Greater(t, rtt, time.Duration(0))
}

// Scenario 6: bounded white noise, with no preamble ever actually
// transmitted, must never assemble into a false frame.
func Test_Scenario_WhiteNoiseNeverFalsePositives(t *testing.T) {
	var bus = audio.NewLoopbackHost()
	var listener = openNode(t, scenarioConfig(2), directedHost{bus, "listener-out-unused", "noise"})

	var rng = rand.New(rand.NewSource(42))
	var noiseOut, err = bus.Named("noise").OpenOutputStream(48000, func(buf []int16) {
		for i := range buf {
			buf[i] = int16(rng.Intn(2000) - 1000)
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = noiseOut.Close() })

	var ctx, cancel = context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	var _, recvErr = listener.Recv(ctx)
	assert.ErrorIs(t, recvErr, context.DeadlineExceeded, "bounded noise must never assemble a false frame")
}
