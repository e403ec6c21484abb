package audio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"golang.org/x/sys/unix"
)

// PortAudioHost opens mono int16 callback streams against the default
// input/output devices. Initialize/Terminate of the underlying library
// are reference-counted so more than one stream can share a process.
type PortAudioHost struct {
	mu       sync.Mutex
	refCount int
}

// NewPortAudioHost returns a host ready to open streams. It does not
// touch PortAudio until the first stream is opened.
func NewPortAudioHost() *PortAudioHost { return &PortAudioHost{} }

func (h *PortAudioHost) acquire() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refCount == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("audio: portaudio init: %w", err)
		}
	}
	h.refCount++
	return nil
}

func (h *PortAudioHost) release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refCount--
	if h.refCount == 0 {
		_ = portaudio.Terminate()
	}
}

type paStream struct {
	host   *PortAudioHost
	stream *portaudio.Stream
}

func (s *paStream) Close() error {
	var err = s.stream.Close()
	s.host.release()
	return err
}

func (h *PortAudioHost) OpenOutputStream(sampleRate int, cb func(out []int16)) (Stream, error) {
	if err := h.acquire(); err != nil {
		return nil, err
	}

	var stream, err = portaudio.OpenDefaultStream(0, 1, float64(sampleRate), 0, cb)
	if err != nil {
		h.release()
		return nil, fmt.Errorf("audio: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		h.release()
		return nil, fmt.Errorf("audio: start output stream: %w", err)
	}

	raiseCallbackPriority()

	return &paStream{host: h, stream: stream}, nil
}

func (h *PortAudioHost) OpenInputStream(sampleRate int, cb func(in []int16)) (Stream, error) {
	if err := h.acquire(); err != nil {
		return nil, err
	}

	var stream, err = portaudio.OpenDefaultStream(1, 0, float64(sampleRate), 0, cb)
	if err != nil {
		h.release()
		return nil, fmt.Errorf("audio: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		h.release()
		return nil, fmt.Errorf("audio: start input stream: %w", err)
	}

	raiseCallbackPriority()

	return &paStream{host: h, stream: stream}, nil
}

// raiseCallbackPriority gives the calling OS thread a better scheduling
// priority for real-time audio callbacks, best-effort: a process without
// CAP_SYS_NICE simply keeps the default priority.
func raiseCallbackPriority() {
	_ = unix.Setpriority(unix.PRIO_PROCESS, 0, -10)
}
