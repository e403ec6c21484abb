package audio

import "sync"

// LoopbackHost is an in-process audio host with no external hardware.
// Each name identifies one directed edge: a stream opened with
// Named(name).OpenOutputStream writes into the same buffered channel a
// stream opened with Named(name).OpenInputStream reads from, so wiring
// two engines face to face just needs two edges, one per direction. It
// exists for tests and for the CLI's --loopback demo mode, where a
// single node uses one edge for both streams and so hears its own
// output without a soundcard.
type LoopbackHost struct {
	mu    sync.Mutex
	peers map[string]*loopbackPeer
}

type loopbackPeer struct {
	samples chan int16
}

// NewLoopbackHost constructs a host. Edges are created lazily by name
// the first time a stream is opened on them through Named.
func NewLoopbackHost() *LoopbackHost {
	return &LoopbackHost{peers: make(map[string]*loopbackPeer)}
}

func (h *LoopbackHost) peer(name string) *loopbackPeer {
	h.mu.Lock()
	defer h.mu.Unlock()
	var p, ok = h.peers[name]
	if !ok {
		p = &loopbackPeer{samples: make(chan int16, 1<<16)}
		h.peers[name] = p
	}
	return p
}

type namedHost struct {
	host *LoopbackHost
	name string
}

// Named returns a Host whose streams read/write the edge identified by
// name within h.
func (h *LoopbackHost) Named(name string) Host {
	return &namedHost{host: h, name: name}
}

type loopbackStream struct {
	stop chan struct{}
	done chan struct{}
}

func (s *loopbackStream) Close() error {
	close(s.stop)
	<-s.done
	return nil
}

func (n *namedHost) OpenOutputStream(sampleRate int, cb func(out []int16)) (Stream, error) {
	var p = n.host.peer(n.name)
	var s = &loopbackStream{stop: make(chan struct{}), done: make(chan struct{})}

	go func() {
		defer close(s.done)
		var buf = make([]int16, 256)
		for {
			select {
			case <-s.stop:
				return
			default:
			}
			cb(buf)
			for _, sample := range buf {
				select {
				case p.samples <- sample:
				case <-s.stop:
					return
				}
			}
		}
	}()

	return s, nil
}

func (n *namedHost) OpenInputStream(sampleRate int, cb func(in []int16)) (Stream, error) {
	var p = n.host.peer(n.name)
	var s = &loopbackStream{stop: make(chan struct{}), done: make(chan struct{})}

	go func() {
		defer close(s.done)
		var buf = make([]int16, 256)
		for {
			for i := range buf {
				select {
				case buf[i] = <-p.samples:
				case <-s.stop:
					return
				}
			}
			cb(buf)
		}
	}()

	return s, nil
}
