package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
)

// ErrNotStarted is returned by Router operations that need open streams.
var ErrNotStarted = errors.New("audio: router not started")

// Router bridges the call pipeline to a pair of host sound devices. It owns
// one capture stream and one playback stream, each at the device's native
// rate, and converts to and from [PipelineRate] at the boundary.
//
// Captured frames land on a bounded queue; when the queue is full the newest
// frame is dropped so the device callback never blocks. Playback writes are
// blocking and serialized. Both directions can be captured into a mixed
// mono WAV recording.
//
// The speaking flag is advisory: the router keeps queueing input while it is
// set, and the conversation engine decides what to drop. Echo suppression is
// the engine's job; the router only provides [Router.ClearInput].
type Router struct {
	log        *slog.Logger
	queueSize  int
	frameSize  int
	levelEvery time.Duration

	mu        sync.Mutex
	inStream  *portaudio.Stream
	outStream *portaudio.Stream
	inRate    int
	outRate   int
	outLat    time.Duration
	running   bool

	writeMu sync.Mutex
	outBuf  []int16

	queue    chan Frame
	dropped  atomic.Uint64
	speaking atomic.Bool

	recMu     sync.Mutex
	recording bool
	recIn     []int16
	recOut    []int16

	// Touched only from the device callback goroutine.
	lastLevelLog time.Time
}

// RouterOption configures a [Router].
type RouterOption func(*Router)

// WithRouterLogger sets the logger. Defaults to slog.Default().
func WithRouterLogger(log *slog.Logger) RouterOption {
	return func(r *Router) { r.log = log }
}

// WithQueueSize bounds the input frame queue. Defaults to 100 frames.
func WithQueueSize(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithFrameSize sets the per-callback frame size in device samples.
// Defaults to 1024.
func WithFrameSize(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.frameSize = n
		}
	}
}

// NewRouter creates a stopped router. Call [Router.Start] to claim devices.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		log:        slog.Default(),
		queueSize:  100,
		frameSize:  1024,
		levelEvery: time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.queue = make(chan Frame, r.queueSize)
	return r
}

// Start claims the devices matching the given name substrings (empty string
// selects the host default) and starts both streams. The devices stay
// claimed until [Router.Stop].
func (r *Router) Start(inputName, outputName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("audio: router already started")
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("audio: initialize portaudio: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			portaudio.Terminate()
		}
	}()

	inDev, err := FindInputDevice(inputName)
	if err != nil {
		return err
	}
	outDev, err := FindOutputDevice(outputName)
	if err != nil {
		return err
	}
	r.inRate = int(inDev.DefaultSampleRate)
	r.outRate = int(outDev.DefaultSampleRate)

	inParams := portaudio.LowLatencyParameters(inDev, nil)
	inParams.Input.Channels = 1
	inParams.SampleRate = float64(r.inRate)
	inParams.FramesPerBuffer = r.frameSize
	inStream, err := portaudio.OpenStream(inParams, r.handleInput)
	if err != nil {
		return fmt.Errorf("audio: open input stream on %q: %w", inDev.Name, err)
	}

	outParams := portaudio.LowLatencyParameters(nil, outDev)
	outParams.Output.Channels = 1
	outParams.SampleRate = float64(r.outRate)
	outParams.FramesPerBuffer = r.frameSize
	r.outBuf = make([]int16, r.frameSize)
	outStream, err := portaudio.OpenStream(outParams, &r.outBuf)
	if err != nil {
		inStream.Close()
		return fmt.Errorf("audio: open output stream on %q: %w", outDev.Name, err)
	}
	r.outLat = outParams.Output.Latency

	if err := inStream.Start(); err != nil {
		inStream.Close()
		outStream.Close()
		return fmt.Errorf("audio: start input stream: %w", err)
	}
	if err := outStream.Start(); err != nil {
		inStream.Stop()
		inStream.Close()
		outStream.Close()
		return fmt.Errorf("audio: start output stream: %w", err)
	}

	r.inStream = inStream
	r.outStream = outStream
	r.running = true
	ok = true
	r.log.Info("audio router started",
		"input", inDev.Name, "inputRate", r.inRate,
		"output", outDev.Name, "outputRate", r.outRate)
	return nil
}

// Stop stops and closes both streams and releases the devices. Safe to call
// more than once.
func (r *Router) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	var errs []error
	if err := r.inStream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("audio: stop input: %w", err))
	}
	if err := r.inStream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("audio: close input: %w", err))
	}
	r.writeMu.Lock()
	if err := r.outStream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("audio: stop output: %w", err))
	}
	if err := r.outStream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("audio: close output: %w", err))
	}
	r.writeMu.Unlock()
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, fmt.Errorf("audio: terminate portaudio: %w", err))
	}
	r.inStream = nil
	r.outStream = nil
	r.running = false
	r.ClearInput()
	return errors.Join(errs...)
}

// handleInput runs on the device callback goroutine. It must never block:
// the queue push is a non-blocking select and overflow drops the newest
// frame.
func (r *Router) handleInput(in []int16) {
	buf := make([]int16, len(in))
	copy(buf, in)
	samples := ToRate(buf, r.inRate, PipelineRate)

	r.recMu.Lock()
	if r.recording {
		r.recIn = append(r.recIn, samples...)
	}
	r.recMu.Unlock()

	select {
	case r.queue <- Frame{Samples: samples, Rate: PipelineRate}:
	default:
		r.dropped.Add(1)
	}

	if now := time.Now(); now.Sub(r.lastLevelLog) >= r.levelEvery {
		r.lastLevelLog = now
		r.log.Debug("audio input level",
			"rms", int(RMS(samples)), "peak", Peak(samples), "dropped", r.dropped.Load())
	}
}

// ReadFrame returns the next queued input frame without blocking. The second
// return is false when the queue is empty.
func (r *Router) ReadFrame() (Frame, bool) {
	select {
	case f := <-r.queue:
		return f, true
	default:
		return Frame{}, false
	}
}

// Write upsamples a [PipelineRate] buffer to the output device rate and
// plays it with blocking chunk writes. Returns once the device has accepted
// all samples.
func (r *Router) Write(samples []int16) error {
	r.mu.Lock()
	stream := r.outStream
	outRate := r.outRate
	r.mu.Unlock()
	if stream == nil {
		return ErrNotStarted
	}

	r.recordOutput(samples)

	device := ToRate(samples, PipelineRate, outRate)

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	for off := 0; off < len(device); off += len(r.outBuf) {
		n := copy(r.outBuf, device[off:])
		for i := n; i < len(r.outBuf); i++ {
			r.outBuf[i] = 0
		}
		if err := stream.Write(); err != nil {
			return fmt.Errorf("audio: write output: %w", err)
		}
	}
	return nil
}

// WriteAndWait plays samples and then sleeps out the device output latency,
// so on return the final samples have actually sounded. Used before
// clearing the input queue for echo suppression.
func (r *Router) WriteAndWait(samples []int16) error {
	if err := r.Write(samples); err != nil {
		return err
	}
	time.Sleep(r.outLat + 20*time.Millisecond)
	return nil
}

func (r *Router) recordOutput(samples []int16) {
	r.recMu.Lock()
	if r.recording {
		r.recOut = append(r.recOut, samples...)
	}
	r.recMu.Unlock()
}

// ClearInput drops all queued input frames and returns how many were
// discarded.
func (r *Router) ClearInput() int {
	n := 0
	for {
		select {
		case <-r.queue:
			n++
		default:
			return n
		}
	}
}

// SetSpeaking marks whether assistant playback is in progress. The flag is
// advisory; input keeps flowing and the engine decides what to discard.
func (r *Router) SetSpeaking(v bool) { r.speaking.Store(v) }

// Speaking reports the advisory speaking flag.
func (r *Router) Speaking() bool { return r.speaking.Load() }

// Dropped returns the number of input frames discarded due to queue
// overflow since the router was created.
func (r *Router) Dropped() uint64 { return r.dropped.Load() }

// InputRate returns the capture device's native sample rate, 0 before Start.
func (r *Router) InputRate() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inRate
}

// OutputRate returns the playback device's native sample rate, 0 before Start.
func (r *Router) OutputRate() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outRate
}

// StartRecording begins capturing both directions for a mixed recording.
// Any previous unsaved capture is discarded.
func (r *Router) StartRecording() {
	r.recMu.Lock()
	defer r.recMu.Unlock()
	r.recording = true
	r.recIn = nil
	r.recOut = nil
}

// StopRecording ends capture, mixes input and output with saturating
// addition (the shorter side zero-padded), and writes a mono 16-bit WAV at
// [PipelineRate]. An empty path derives a timestamped filename in the
// working directory. Returns the path written, or "" with no error if
// nothing was recorded.
func (r *Router) StopRecording(path string) (string, error) {
	r.recMu.Lock()
	in, out := r.recIn, r.recOut
	wasRecording := r.recording
	r.recording = false
	r.recIn = nil
	r.recOut = nil
	r.recMu.Unlock()

	if !wasRecording || (len(in) == 0 && len(out) == 0) {
		return "", nil
	}
	if path == "" {
		path = fmt.Sprintf("call_%s.wav", time.Now().Format("20060102_150405"))
	}
	mixed := MixSaturate(in, out)
	if err := WriteWAV(path, mixed, PipelineRate); err != nil {
		return "", err
	}
	r.log.Info("call recording written", "path", path,
		"seconds", fmt.Sprintf("%.1f", float64(len(mixed))/float64(PipelineRate)))
	return path, nil
}
