// Package mac implements the Athernet CSMA/CA MAC engine: a send-side
// state machine driven by the audio output callback, a receive-side
// dispatcher driven by the audio input callback, and the shared
// "channel busy" signal that couples them.
package mac

import (
	"math/rand"
	"sync/atomic"

	"github.com/athernet-go/athernet/codec"
	"github.com/athernet-go/athernet/frame"
)

// peerTag is the (peer MAC, tag) pair used to match ACKs, pings and
// delivered DATA frames to the send or receive state waiting on them.
type peerTag struct {
	peer byte
	tag  byte
}

// Timing holds the MAC engine's timing constants, all expressed in
// samples so they scale automatically with whatever sample rate the
// audio adapter is running at.
type Timing struct {
	AckTimeout    int // samples to wait for an ACK before giving up
	BackoffWindow int // samples per backoff unit
	FrameInterval int // idle samples enforced between a delivered ACK and the next send
}

// DefaultTiming mirrors the reference implementation's constants,
// interpreted as sample counts.
var DefaultTiming = Timing{AckTimeout: 1100, BackoffWindow: 500, FrameInterval: 50}

type sendPhase int

const (
	phaseIdle sendPhase = iota
	phaseSending
	phaseWaitAck
)

// deferredFrame is a frame waiting out a backoff (or a fixed post-collision
// delay for non-DATA frames) before its next send attempt.
type deferredFrame struct {
	f         frame.Frame
	remaining int
	count     int
}

// Stats are the session-wide counters the diagnostics and session-log
// layers read. All fields are updated with atomics and must only be read
// with the same. The engine's audio callbacks update every field except
// FramesDuplicate, which the caller doing duplicate suppression updates.
type Stats struct {
	FramesSent          atomic.Uint64
	FramesRetransmitted atomic.Uint64
	FramesDuplicate     atomic.Uint64
	BytesDelivered       atomic.Uint64
	LinkErrors           atomic.Uint64
}

// LinkErrorThreshold is the number of send attempts (first send plus
// retries) from which on the engine reports a link error on every ACK
// timeout of a frame still failing to get acknowledged. Retries
// continue unbounded; this only gates a diagnostic signal.
const LinkErrorThreshold = 10

// Engine is the MAC layer for one local address. It is not safe for
// concurrent use of its audio-callback entry points (ProcessOutput and
// ProcessInput are each called from exactly one audio thread), but the
// public Send/Recv/AwaitPingReply surface is safe to call from any
// goroutine.
type Engine struct {
	macAddr byte
	params  codec.Params
	timing  Timing

	channelFree atomic.Bool

	demod *codec.Demodulator

	// send side, touched only from ProcessOutput
	phase       sendPhase
	sendBits    []int16
	sendPos     int
	sendFrame   frame.Frame
	sendCount   int
	waitFrame   frame.Frame
	waitRemain  int
	waitCount   int
	idleRemain  int
	deferred    *deferredFrame

	rng *rand.Rand

	ackSend    chan peerTag
	ackRecv    chan peerTag
	pingReq    chan peerTag
	pingReply  chan peerTag
	appSend    chan frame.Frame
	deliver    chan frame.Frame

	Stats Stats

	// OnLinkError, if set, is invoked (off the audio thread is not
	// guaranteed; callers should keep it fast) whenever a frame crosses
	// LinkErrorThreshold retries without being acknowledged.
	OnLinkError func(dest byte, attempts int)
}

// New constructs an Engine for macAddr. params configures the physical
// layer the engine modulates/demodulates through.
func New(macAddr byte, params codec.Params, timing Timing) *Engine {
	var e = &Engine{
		macAddr:   macAddr & 0xF,
		params:    params,
		timing:    timing,
		demod:     codec.NewDemodulator(params, macAddr&0xF),
		rng:       rand.New(rand.NewSource(int64(macAddr) + 1)),
		ackSend:   make(chan peerTag, 64),
		ackRecv:   make(chan peerTag, 64),
		pingReq:   make(chan peerTag, 64),
		pingReply: make(chan peerTag, 64),
		appSend:   make(chan frame.Frame),
		deliver:   make(chan frame.Frame, 256),
	}
	e.channelFree.Store(true)
	return e
}

// backoff computes the next deferred-send delay for frame f after count
// prior attempts. Only DATA frames get a randomized exponential backoff;
// everything else (ACK excepted, which is simply dropped on collision)
// is retried after a fixed zero-width delay, matching the reference
// engine's asymmetric treatment of control traffic.
func (e *Engine) backoff(f frame.Frame, count int) *deferredFrame {
	var shift = count
	if shift > 4 {
		shift = 4
	}
	var maximum = 1 << shift
	var units = 0
	if f.IsData() {
		units = e.rng.Intn(maximum)
	}
	return &deferredFrame{f: f, remaining: units * e.timing.BackoffWindow, count: count}
}

func (e *Engine) startSending(f frame.Frame, count int) {
	e.sendFrame = f
	e.sendBits = codec.ModulateFrame(e.params, f)
	e.sendPos = 0
	e.sendCount = count
	e.phase = phaseSending
}

// ProcessOutput is the audio output stream's callback: it fills buf with
// the next samples to play, advancing the send-side state machine
// exactly one step per call. Silence (zero) is written for any part of
// buf the state machine has nothing to say during.
func (e *Engine) ProcessOutput(buf []int16) {
	for i := range buf {
		buf[i] = 0
	}

	var channelFree = e.channelFree.Load()

	if e.deferred != nil {
		e.deferred.remaining -= len(buf)
		if e.deferred.remaining < 0 {
			e.deferred.remaining = 0
		}
	}

	switch e.phase {
	case phaseIdle:
		e.idleRemain -= len(buf)
		if e.idleRemain < 0 {
			e.idleRemain = 0
		}

		if e.idleRemain != 0 || !channelFree {
			drainPeerTag(e.ackSend)
			return
		}

		if pt, ok := tryRecv(e.ackSend); ok {
			e.startSending(frame.NewAck(e.macAddr, pt.peer, pt.tag), 0)
			return
		}
		if pt, ok := tryRecv(e.pingReq); ok {
			e.startSending(frame.NewPingReply(e.macAddr, pt.peer, pt.tag), 0)
			return
		}
		if e.deferred != nil && e.deferred.remaining == 0 {
			var d = e.deferred
			e.deferred = nil
			e.startSending(d.f, d.count+1)
			return
		}
		if e.deferred == nil {
			select {
			case f := <-e.appSend:
				e.startSending(f, 0)
			default:
			}
		}

	case phaseSending:
		if !channelFree {
			if e.sendFrame.IsData() || e.sendFrame.IsPingReq() {
				e.deferred = e.backoff(e.sendFrame, e.sendCount)
			} else if !e.sendFrame.IsAck() {
				e.deferred = &deferredFrame{f: e.sendFrame, remaining: 0, count: e.sendCount}
			}
			e.phase = phaseIdle
			e.idleRemain = 0
			return
		}

		var n = copy(buf, e.sendBits[e.sendPos:])
		e.sendPos += n
		if e.sendPos >= len(e.sendBits) {
			if (e.sendFrame.IsData() || e.sendFrame.IsPingReq()) && !e.sendFrame.ToBroadcast() {
				e.waitFrame = e.sendFrame
				e.waitRemain = e.timing.AckTimeout
				e.waitCount = e.sendCount
				e.phase = phaseWaitAck
			} else {
				e.phase = phaseIdle
				e.idleRemain = 0
			}
			if e.sendFrame.IsData() {
				e.Stats.FramesSent.Add(1)
			}
		}

	case phaseWaitAck:
		e.waitRemain -= len(buf)
		if e.waitRemain > 0 {
			if pt, ok := tryRecv(e.ackRecv); ok && pt == (peerTag{e.waitFrame.Dest(), e.waitFrame.Tag()}) {
				e.Stats.BytesDelivered.Add(uint64(len(e.waitFrame.Payload())))
				e.phase = phaseIdle
				e.idleRemain = e.timing.FrameInterval
			}
			return
		}

		if e.waitCount+1 >= LinkErrorThreshold && e.OnLinkError != nil {
			e.OnLinkError(e.waitFrame.Dest(), e.waitCount+1)
			e.Stats.LinkErrors.Add(1)
		}
		e.Stats.FramesRetransmitted.Add(1)
		e.deferred = e.backoff(e.waitFrame, e.waitCount)
		e.phase = phaseIdle
		e.idleRemain = 0
	}
}

func tryRecv(ch chan peerTag) (peerTag, bool) {
	select {
	case v := <-ch:
		return v, true
	default:
		return peerTag{}, false
	}
}

func drainPeerTag(ch chan peerTag) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// ProcessInput is the audio input stream's callback: it feeds buf's
// samples through the demodulator one at a time, dispatching any
// completed frame by opcode and updating the shared channel-busy signal
// that ProcessOutput reads for carrier sense.
func (e *Engine) ProcessInput(buf []int16) {
	var wasActive = e.demod.Active()

	for _, sample := range buf {
		if f, ok := e.demod.Push(sample); ok {
			e.dispatch(f)
		}
	}

	var active = e.demod.Active()
	if active != wasActive {
		e.channelFree.Store(!active)
	}
}

func (e *Engine) dispatch(f frame.Frame) {
	if f.Dest() != e.macAddr && f.Dest() != frame.Broadcast {
		return
	}
	var pt = peerTag{f.Src(), f.Tag()}

	switch f.Op() {
	case frame.OpAck:
		nonBlockingSend(e.ackRecv, pt)
	case frame.OpData:
		if !f.ToBroadcast() {
			nonBlockingSend(e.ackSend, pt)
		}
		nonBlockingSend(e.deliver, f)
	case frame.OpPingReq:
		nonBlockingSend(e.pingReq, pt)
	case frame.OpPingReply:
		nonBlockingSend(e.ackRecv, pt)
		nonBlockingSend(e.pingReply, pt)
	}
}

func nonBlockingSend[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

// Addr returns the engine's own MAC address.
func (e *Engine) Addr() byte { return e.macAddr }

// Send enqueues f for transmission, blocking until the output callback's
// idle state picks it up (matching a zero-capacity rendezvous channel:
// there is never more than one outbound frame in flight through the
// engine at a time).
func (e *Engine) Send(f frame.Frame) {
	e.appSend <- f
}

// Recv blocks until the next DATA frame addressed to this engine
// arrives. Duplicate suppression and tag bookkeeping are the caller's
// responsibility (see the root package's per-peer API layer).
func (e *Engine) Recv() frame.Frame {
	return <-e.deliver
}

// AwaitPingReply blocks until a PING_REPLY from peer carrying tag is
// observed, or done is closed first (the caller arms done from its own
// wall-clock timeout), mirroring the reference implementation's
// channel-based ping_recv_timeout loop that discards replies for any
// other outstanding tag.
func (e *Engine) AwaitPingReply(peer, tag byte, done <-chan struct{}) bool {
	for {
		select {
		case pt := <-e.pingReply:
			if pt == (peerTag{peer, tag}) {
				return true
			}
		case <-done:
			return false
		}
	}
}
