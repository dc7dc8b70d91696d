package model

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXConfig locates the model artifact and the onnxruntime library.
type ONNXConfig struct {
	ModelPath     string
	SharedLibrary string
	InputShape    []int64
}

// ONNXEngine runs a single-input float32 ONNX model through onnxruntime with
// pre-allocated tensors. It is not reentrant.
type ONNXEngine struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

var ortEnvMu sync.Mutex

// ONNXLoader returns a Loader that opens cfg.ModelPath with onnxruntime.
func ONNXLoader(cfg ONNXConfig) Loader {
	return func(ctx context.Context) (Engine, Descriptor, error) {
		if err := ctx.Err(); err != nil {
			return nil, Descriptor{}, err
		}
		return NewONNXEngine(cfg)
	}
}

// NewONNXEngine initializes the runtime environment and builds a session
// bound to one input and one output tensor.
func NewONNXEngine(cfg ONNXConfig) (*ONNXEngine, Descriptor, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, Descriptor{}, fmt.Errorf("model not found at %s: %w", cfg.ModelPath, err)
	}
	if err := initEnvironment(cfg.SharedLibrary); err != nil {
		return nil, Descriptor{}, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, Descriptor{}, fmt.Errorf("failed to read model io info: %w", err)
	}
	if len(inputs) == 0 {
		return nil, Descriptor{}, errors.New("model declares no inputs")
	}
	if len(outputs) == 0 {
		return nil, Descriptor{}, errors.New("model declares no outputs")
	}
	if outputs[0].DataType != ort.TensorElementDataTypeFloat {
		return nil, Descriptor{}, fmt.Errorf("output %q is %v, want float32", outputs[0].Name, outputs[0].DataType)
	}

	outputNames := make([]string, len(outputs))
	for i, info := range outputs {
		outputNames[i] = info.Name
	}
	desc := Descriptor{
		InputName:   inputs[0].Name,
		OutputNames: outputNames,
		InputShape:  append([]int64(nil), cfg.InputShape...),
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(desc.InputShape...))
	if err != nil {
		return nil, Descriptor{}, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(concreteDims(outputs[0].Dimensions)...))
	if err != nil {
		inputTensor.Destroy()
		return nil, Descriptor{}, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{desc.InputName}, []string{desc.PrimaryOutput()},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, Descriptor{}, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXEngine{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, desc, nil
}

// Run copies input into the bound input tensor, runs the session and returns
// a copy of the output tensor.
func (e *ONNXEngine) Run(input []float32) ([]float32, error) {
	data := e.inputTensor.GetData()
	if len(data) != len(input) {
		return nil, fmt.Errorf("input has %d values, tensor holds %d", len(input), len(data))
	}
	copy(data, input)

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := e.outputTensor.GetData()
	return append([]float32(nil), out...), nil
}

// Close releases the session, its tensors and the runtime environment.
func (e *ONNXEngine) Close() error {
	var errs []error
	if e.session != nil {
		errs = append(errs, e.session.Destroy())
	}
	if e.inputTensor != nil {
		errs = append(errs, e.inputTensor.Destroy())
	}
	if e.outputTensor != nil {
		errs = append(errs, e.outputTensor.Destroy())
	}

	ortEnvMu.Lock()
	defer ortEnvMu.Unlock()
	if ort.IsInitialized() {
		errs = append(errs, ort.DestroyEnvironment())
	}
	return errors.Join(errs...)
}

func initEnvironment(sharedLibrary string) error {
	ortEnvMu.Lock()
	defer ortEnvMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if sharedLibrary != "" {
		ort.SetSharedLibraryPath(sharedLibrary)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

// concreteDims replaces dynamic dimensions (batch, typically) with 1.
func concreteDims(shape ort.Shape) []int64 {
	dims := make([]int64, len(shape))
	for i, d := range shape {
		if d <= 0 {
			d = 1
		}
		dims[i] = d
	}
	if len(dims) == 0 {
		dims = []int64{1}
	}
	return dims
}
