// Package athernet is the node-level API: it wires a mac.Engine to an
// audio.Host, tracks the per-peer sequence tags the MAC layer leaves to
// its caller, and suppresses the duplicate deliveries that a stop-and-
// wait ARQ produces whenever an ACK is lost after the peer already got
// the data.
package athernet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/athernet-go/athernet/config"
	"github.com/athernet-go/athernet/frame"
	"github.com/athernet-go/athernet/internal/audio"
	"github.com/athernet-go/athernet/internal/dlog"
	"github.com/athernet-go/athernet/internal/sessionlog"
	"github.com/athernet-go/athernet/mac"
)

// Message is one delivered DATA frame's payload, handed to the caller
// of Recv with duplicates already removed.
type Message struct {
	Src     byte
	Payload []byte
}

// Node is one Athernet endpoint: a MAC engine driving a pair of audio
// streams, plus the bookkeeping the engine itself stays agnostic to.
type Node struct {
	engine *mac.Engine
	out    audio.Stream
	in     audio.Stream

	log     *dlog.Logger
	session *sessionlog.Log

	mu       sync.Mutex
	sendTag  [16]byte
	lastSeen [16]byte
	everSeen [16]bool

	messages chan Message
	closeOnce sync.Once
	done      chan struct{}
}

// Open brings up a Node: it builds the MAC engine from cfg, opens an
// output and input stream against host, and starts the background
// pump that turns engine.Recv() deliveries into deduplicated Messages.
// session may be nil to disable session logging; log may be nil to use
// dlog.Default.
func Open(cfg config.Config, host audio.Host, log *dlog.Logger, session *sessionlog.Log) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = dlog.Default
	}

	var engine = mac.New(cfg.MACAddr, cfg.CodecParams(), cfg.Timing())
	var n = &Node{
		engine:   engine,
		log:      log,
		session:  session,
		messages: make(chan Message, 64),
		done:     make(chan struct{}),
	}

	// OnLinkError runs on the audio output callback, so it only posts the
	// event; a separate goroutine does the logging.
	var linkErrs = make(chan [2]int, 16)
	engine.OnLinkError = func(dest byte, attempts int) {
		select {
		case linkErrs <- [2]int{int(dest), attempts}:
		default:
		}
	}
	go func() {
		for {
			select {
			case le := <-linkErrs:
				n.log.Errorf(dlog.Error, "frame not acknowledged", "dest", le[0], "attempts", le[1])
			case <-n.done:
				return
			}
		}
	}()

	var out, outErr = host.OpenOutputStream(cfg.SampleRate, engine.ProcessOutput)
	if outErr != nil {
		close(n.done)
		return nil, fmt.Errorf("athernet: open output stream: %w", outErr)
	}
	n.out = out

	var in, inErr = host.OpenInputStream(cfg.SampleRate, engine.ProcessInput)
	if inErr != nil {
		_ = out.Close()
		close(n.done)
		return nil, fmt.Errorf("athernet: open input stream: %w", inErr)
	}
	n.in = in

	go n.pump()

	return n, nil
}

// Close stops the background pump and closes both audio streams.
func (n *Node) Close() error {
	n.closeOnce.Do(func() { close(n.done) })
	var outErr = n.out.Close()
	var inErr = n.in.Close()
	if outErr != nil {
		return outErr
	}
	return inErr
}

// Addr returns the node's own MAC address.
func (n *Node) Addr() byte { return n.engine.Addr() }

// Stats returns the engine's running counters.
func (n *Node) Stats() *mac.Stats { return &n.engine.Stats }

// Send transmits payload to dest (frame.Broadcast for every peer),
// assigning the next sequence tag for that destination. It blocks
// until the MAC engine's send side accepts the frame, which happens
// only when the engine is idle with no deferred frame, so it also waits
// out any earlier frame's ACK wait and retries. It does not wait for
// this frame's own acknowledgement; retransmission continues inside the
// engine after Send returns.
func (n *Node) Send(dest byte, payload []byte) error {
	var f, err = frame.NewData(n.engine.Addr(), dest, n.nextSendTag(dest), payload)
	if err != nil {
		return fmt.Errorf("athernet: %w", err)
	}

	n.log.Debug(dlog.Xmit, "sending frame", "dest", dest, "tag", f.Tag(), "bytes", len(payload))
	n.engine.Send(f)
	n.logSession(sessionlog.Sent, f, true)
	return nil
}

func (n *Node) nextSendTag(dest byte) byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	var tag = n.sendTag[dest&0xF]
	n.sendTag[dest&0xF] = (tag + 1) & 0xF
	return tag
}

// Recv blocks until the next non-duplicate DATA frame arrives, or ctx
// is done.
func (n *Node) Recv(ctx context.Context) (Message, error) {
	select {
	case m := <-n.messages:
		return m, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-n.done:
		return Message{}, fmt.Errorf("athernet: node closed")
	}
}

func (n *Node) pump() {
	for {
		select {
		case <-n.done:
			return
		default:
		}
		var f = n.engine.Recv()
		n.logSession(sessionlog.Received, f, true)

		if n.isDuplicate(f) {
			n.engine.Stats.FramesDuplicate.Add(1)
			n.log.Debug(dlog.Recv, "dropping duplicate", "src", f.Src(), "tag", f.Tag())
			continue
		}

		var msg = Message{Src: f.Src(), Payload: f.Payload()}
		select {
		case n.messages <- msg:
		case <-n.done:
			return
		}
	}
}

func (n *Node) isDuplicate(f frame.Frame) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	var src = f.Src() & 0xF
	var dup = n.everSeen[src] && n.lastSeen[src] == f.Tag()
	n.everSeen[src] = true
	n.lastSeen[src] = f.Tag()
	return dup
}

// Ping sends a PING_REQ to dest and waits up to timeout for the
// matching PING_REPLY, reporting the observed round-trip time.
func (n *Node) Ping(dest byte, timeout time.Duration) (time.Duration, bool) {
	var tag = n.nextSendTag(dest)
	var f = frame.NewPingRequest(n.engine.Addr(), dest, tag)

	var start = time.Now()
	n.engine.Send(f)

	var done = make(chan struct{})
	var timer = time.AfterFunc(timeout, func() { close(done) })
	defer timer.Stop()

	var ok = n.engine.AwaitPingReply(dest, tag, done)
	var elapsed = time.Since(start)
	n.log.Debug(dlog.Debug, "ping", "dest", dest, "ok", ok, "elapsed", elapsed)
	return elapsed, ok
}

func (n *Node) logSession(dir sessionlog.Direction, f frame.Frame, ok bool) {
	if n.session == nil {
		return
	}
	var op string
	switch f.Op() {
	case frame.OpData:
		op = "DATA"
	case frame.OpPingReq:
		op = "PING_REQ"
	case frame.OpPingReply:
		op = "PING_REPLY"
	case frame.OpAck:
		op = "ACK"
	}
	var err = n.session.Write(sessionlog.Entry{
		Time:      time.Now(),
		Direction: dir,
		Src:       f.Src(),
		Dest:      f.Dest(),
		Opcode:    op,
		Tag:       f.Tag(),
		Length:    len(f.Payload()),
		OK:        ok,
	})
	if err != nil {
		n.log.Errorf(dlog.Error, "session log write failed", "error", err)
	}
}
