// Package inference wraps the ONNX Runtime binding behind a small Session
// interface so the separation pipeline can be exercised with fakes.
package inference

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// SharedLibraryEnv overrides where the ONNX Runtime shared library is
// loaded from when the system default is not usable.
const SharedLibraryEnv = "DEMIX_ONNXRUNTIME_PATH"

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Shape []int64
	Data  []float32
}

func (t Tensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// Session runs a loaded model. Implementations are not safe for concurrent
// Run calls.
type Session interface {
	Run(input Tensor, outputShape []int64) (Tensor, error)
	Close() error
}

type Options struct {
	UseCPU bool
	GPUID  int
	Logger *zap.Logger
}

var (
	initOnce sync.Once
	initErr  error
)

// Initialize sets up the process-wide ONNX Runtime environment. Safe to
// call more than once.
func Initialize() error {
	initOnce.Do(func() {
		if override := strings.TrimSpace(os.Getenv(SharedLibraryEnv)); override != "" {
			ort.SetSharedLibraryPath(override)
		}
		initErr = ort.InitializeEnvironment()
		if initErr != nil {
			initErr = fmt.Errorf("initialize onnxruntime (set %s to the shared library if it is not on the default search path): %w", SharedLibraryEnv, initErr)
		}
	})
	return initErr
}

type ortSession struct {
	session    *ort.DynamicAdvancedSession
	inputName  string
	outputName string
	logger     *zap.Logger
}

// Open loads an ONNX model from disk. With Options.UseCPU unset the CUDA
// execution provider is requested for Options.GPUID and Open falls back to
// CPU when CUDA is unavailable in the runtime build.
func Open(modelPath, inputName, outputName string, opts Options) (Session, error) {
	if strings.TrimSpace(modelPath) == "" {
		return nil, errors.New("model path is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := Initialize(); err != nil {
		return nil, err
	}

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer sessionOpts.Destroy()

	if !opts.UseCPU {
		if err := appendCUDA(sessionOpts, opts.GPUID); err != nil {
			opts.Logger.Warn("CUDA execution provider unavailable; falling back to CPU", zap.Error(err))
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, []string{inputName}, []string{outputName}, sessionOpts)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", modelPath, err)
	}

	return &ortSession{
		session:    session,
		inputName:  inputName,
		outputName: outputName,
		logger:     opts.Logger,
	}, nil
}

func appendCUDA(sessionOpts *ort.SessionOptions, gpuID int) error {
	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cudaOpts.Destroy()

	if err := cudaOpts.Update(map[string]string{"device_id": strconv.Itoa(gpuID)}); err != nil {
		return err
	}
	return sessionOpts.AppendExecutionProviderCUDA(cudaOpts)
}

func (s *ortSession) Run(input Tensor, outputShape []int64) (Tensor, error) {
	if got, want := len(input.Data), input.NumElements(); got != want {
		return Tensor{}, fmt.Errorf("input has %d values, shape wants %d", got, want)
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(input.Shape...), input.Data)
	if err != nil {
		return Tensor{}, fmt.Errorf("create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(outputShape...))
	if err != nil {
		return Tensor{}, fmt.Errorf("create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := s.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return Tensor{}, fmt.Errorf("run session: %w", err)
	}

	out := Tensor{
		Shape: append([]int64(nil), outputShape...),
		Data:  append([]float32(nil), outputTensor.GetData()...),
	}
	return out, nil
}

func (s *ortSession) Close() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}
