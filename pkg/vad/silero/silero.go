// Package silero classifies audio windows with the Silero VAD ONNX model.
//
// The classifier lazily loads the model through onnxruntime on first use, so
// constructing one is cheap and configuration errors surface as IsSpeech
// errors, which the detector downgrades to "unvoiced". The onnxruntime
// shared library is located via the ONNXRUNTIME_LIB environment variable
// unless a path is given explicitly.
package silero

import (
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/MrWong99/callyx/pkg/vad"
)

// chunkSize is the number of 16 kHz samples per model invocation. The v5
// model graph is exported for this window length.
const chunkSize = 512

var (
	ortOnce sync.Once
	ortErr  error
)

// ensureOrtEnv initializes the onnxruntime environment exactly once per
// process, no matter how many classifiers are constructed.
func ensureOrtEnv(libPath string) error {
	ortOnce.Do(func() {
		if libPath == "" {
			libPath = os.Getenv("ONNXRUNTIME_LIB")
		}
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

// Classifier runs the Silero VAD model over fixed 512-sample chunks. Detector
// windows rarely line up with that chunk length, so samples are buffered
// internally and the decision for a window is the model's verdict on the most
// recently completed chunk.
type Classifier struct {
	modelPath string
	libPath   string
	threshold float32

	initOnce sync.Once
	initErr  error
	closed   bool

	session *ort.DynamicAdvancedSession
	state   *ort.Tensor[float32]
	sr      *ort.Tensor[int64]

	window     []float32
	lastSpeech bool
}

var _ vad.Classifier = (*Classifier)(nil)

// Option customizes a [Classifier].
type Option func(*Classifier)

// WithModelPath sets the path to the silero_vad.onnx file.
func WithModelPath(path string) Option {
	return func(c *Classifier) {
		if path != "" {
			c.modelPath = path
		}
	}
}

// WithLibraryPath sets the onnxruntime shared library path, overriding the
// ONNXRUNTIME_LIB environment variable.
func WithLibraryPath(path string) Option {
	return func(c *Classifier) { c.libPath = path }
}

// WithThreshold sets the speech probability cutoff. The default is 0.5.
func WithThreshold(p float32) Option {
	return func(c *Classifier) {
		if p > 0 && p < 1 {
			c.threshold = p
		}
	}
}

// New builds a Silero classifier. The model is not touched until the first
// [Classifier.IsSpeech] call.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		modelPath: os.Getenv("SILERO_VAD_MODEL"),
		threshold: 0.5,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.modelPath == "" {
		c.modelPath = "silero_vad.onnx"
	}
	return c
}

func (c *Classifier) init() error {
	c.initOnce.Do(func() {
		if _, err := os.Stat(c.modelPath); err != nil {
			c.initErr = fmt.Errorf("silero: model not found: %w", err)
			return
		}
		if err := ensureOrtEnv(c.libPath); err != nil {
			c.initErr = fmt.Errorf("silero: onnxruntime init: %w", err)
			return
		}
		options, err := ort.NewSessionOptions()
		if err != nil {
			c.initErr = fmt.Errorf("silero: session options: %w", err)
			return
		}
		defer options.Destroy()
		// VAD inference is tiny; one thread keeps it off the other cores.
		if err := options.SetIntraOpNumThreads(1); err != nil {
			c.initErr = fmt.Errorf("silero: session options: %w", err)
			return
		}
		if err := options.SetInterOpNumThreads(1); err != nil {
			c.initErr = fmt.Errorf("silero: session options: %w", err)
			return
		}
		c.session, err = ort.NewDynamicAdvancedSession(
			c.modelPath,
			[]string{"input", "state", "sr"},
			[]string{"output", "stateN"},
			options,
		)
		if err != nil {
			c.initErr = fmt.Errorf("silero: load %s: %w", c.modelPath, err)
			return
		}
		c.state, err = ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128))
		if err != nil {
			c.initErr = fmt.Errorf("silero: state tensor: %w", err)
			return
		}
		c.sr, err = ort.NewTensor(ort.NewShape(1), []int64{vad.ClassifierRate})
		if err != nil {
			c.initErr = fmt.Errorf("silero: sample rate tensor: %w", err)
			return
		}
	})
	return c.initErr
}

// IsSpeech buffers the window and reports the model's verdict on the most
// recently completed 512-sample chunk.
func (c *Classifier) IsSpeech(window []int16) (bool, error) {
	if c.closed {
		return false, errors.New("silero: classifier closed")
	}
	if err := c.init(); err != nil {
		return false, err
	}
	for _, s := range window {
		c.window = append(c.window, float32(s)/32768)
	}
	for len(c.window) >= chunkSize {
		prob, err := c.infer(c.window[:chunkSize])
		if err != nil {
			return false, err
		}
		n := copy(c.window, c.window[chunkSize:])
		c.window = c.window[:n]
		c.lastSpeech = prob >= c.threshold
	}
	return c.lastSpeech, nil
}

func (c *Classifier) infer(chunk []float32) (float32, error) {
	input, err := ort.NewTensor(ort.NewShape(1, chunkSize), chunk)
	if err != nil {
		return 0, fmt.Errorf("silero: input tensor: %w", err)
	}
	defer input.Destroy()
	prob, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		return 0, fmt.Errorf("silero: output tensor: %w", err)
	}
	defer prob.Destroy()
	nextState, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128))
	if err != nil {
		return 0, fmt.Errorf("silero: state tensor: %w", err)
	}
	defer nextState.Destroy()

	err = c.session.Run(
		[]ort.Value{input, c.state, c.sr},
		[]ort.Value{prob, nextState},
	)
	if err != nil {
		return 0, fmt.Errorf("silero: inference: %w", err)
	}
	copy(c.state.GetData(), nextState.GetData())
	out := prob.GetData()
	if len(out) == 0 {
		return 0, errors.New("silero: empty model output")
	}
	return out[0], nil
}

// Reset zeroes the recurrent state and drops buffered samples, as if a fresh
// stream were starting.
func (c *Classifier) Reset() {
	c.window = c.window[:0]
	c.lastSpeech = false
	if c.state != nil {
		data := c.state.GetData()
		for i := range data {
			data[i] = 0
		}
	}
}

// Close releases the ONNX session and tensors. The classifier cannot be
// reused afterwards.
func (c *Classifier) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	if c.session != nil {
		if err := c.session.Destroy(); err != nil {
			errs = append(errs, err)
		}
		c.session = nil
	}
	if c.state != nil {
		if err := c.state.Destroy(); err != nil {
			errs = append(errs, err)
		}
		c.state = nil
	}
	if c.sr != nil {
		if err := c.sr.Destroy(); err != nil {
			errs = append(errs, err)
		}
		c.sr = nil
	}
	return errors.Join(errs...)
}
