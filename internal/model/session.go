// Package model owns the loaded classification model and gates every
// forward pass through a bounded FIFO admission queue.
package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/example/tremor-api/internal/apperr"
)

// State is the lifecycle stage of a Session.
type State int32

const (
	Uninitialized State = iota
	Loading
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Engine executes forward passes of a loaded model. Implementations need not
// be reentrant; Session serializes calls.
type Engine interface {
	Run(input []float32) ([]float32, error)
	Close() error
}

// Descriptor describes the tensors a model consumes and produces.
type Descriptor struct {
	InputName   string   `json:"inputName"`
	OutputNames []string `json:"outputNames"`
	InputShape  []int64  `json:"inputShape"`
}

// InputSize is the number of values in one input tensor.
func (d Descriptor) InputSize() int {
	if len(d.InputShape) == 0 {
		return 0
	}
	size := 1
	for _, dim := range d.InputShape {
		size *= int(dim)
	}
	return size
}

// PrimaryOutput is the output tensor whose values are interpreted.
func (d Descriptor) PrimaryOutput() string {
	if len(d.OutputNames) == 0 {
		return ""
	}
	return d.OutputNames[0]
}

// Loader opens the model artifact and returns a ready engine.
type Loader func(ctx context.Context) (Engine, Descriptor, error)

// Options configures a Session.
type Options struct {
	// Timeout bounds queue wait plus forward pass for one call.
	Timeout time.Duration
	// QueueDepth is the number of callers allowed to wait for the engine.
	QueueDepth int
	// OnStateChange is notified after every lifecycle transition.
	OnStateChange func(State)
}

// Session is the single long-lived owner of the model engine. It is created
// once at startup, loaded once, and shared read-only by request handlers.
type Session struct {
	logger *zap.Logger
	opts   Options

	state   atomic.Int32
	loadMu  sync.Mutex
	engine  Engine
	desc    Descriptor
	slot    *semaphore.Weighted
	waiting atomic.Int64
}

// NewSession returns an uninitialized session.
func NewSession(opts Options, logger *zap.Logger) *Session {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 1
	}
	return &Session{
		logger: logger.Named("model_session"),
		opts:   opts,
		slot:   semaphore.NewWeighted(1),
	}
}

// State reports the current lifecycle stage.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Ready reports whether the session accepts inference calls.
func (s *Session) Ready() bool {
	return s.State() == Ready
}

// Describe returns the model's tensor contract. It is only meaningful once Ready.
func (s *Session) Describe() Descriptor {
	if !s.Ready() {
		return Descriptor{}
	}
	return s.desc
}

func (s *Session) transition(to State) {
	s.state.Store(int32(to))
	s.logger.Info("model session state changed", zap.Stringer("state", to))
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(to)
	}
}

// Load runs loader exactly once. On error the session becomes Failed and
// stays that way; callers are expected to stop the process.
func (s *Session) Load(ctx context.Context, loader Loader) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	if st := s.State(); st != Uninitialized {
		return fmt.Errorf("model session already %s", st)
	}
	s.transition(Loading)

	engine, desc, err := loader(ctx)
	if err == nil && desc.InputSize() <= 0 {
		err = errors.New("model descriptor has no input shape")
		if engine != nil {
			_ = engine.Close()
		}
	}
	if err != nil {
		s.transition(Failed)
		return fmt.Errorf("load model: %w", err)
	}

	s.engine = engine
	s.desc = desc
	s.transition(Ready)
	s.logger.Info("model loaded",
		zap.String("input", desc.InputName),
		zap.Strings("outputs", desc.OutputNames),
		zap.Int64s("input_shape", desc.InputShape),
	)
	return nil
}

// Run executes one forward pass. Calls run one at a time in arrival order;
// when QueueDepth callers are already waiting the call fails fast with
// ErrServiceBusy. If the timeout expires the caller gets ErrInferenceTimeout
// while an in-flight engine call completes in the background and frees the
// slot for the next caller.
func (s *Session) Run(ctx context.Context, input []float32) ([]float32, error) {
	if !s.Ready() {
		return nil, apperr.ErrModelNotReady
	}
	if want := s.desc.InputSize(); len(input) != want {
		return nil, fmt.Errorf("input has %d values, model expects %d: %w", len(input), want, apperr.ErrShape)
	}

	if s.waiting.Add(1) > int64(s.opts.QueueDepth) {
		s.waiting.Add(-1)
		return nil, apperr.ErrServiceBusy
	}

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	err := s.slot.Acquire(ctx, 1)
	s.waiting.Add(-1)
	if err != nil {
		return nil, s.contextError(ctx)
	}
	if !s.Ready() {
		s.slot.Release(1)
		return nil, apperr.ErrModelNotReady
	}
	engine := s.engine

	type outcome struct {
		values []float32
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer s.slot.Release(1)
		values, err := engine.Run(input)
		done <- outcome{values: values, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, fmt.Errorf("forward pass: %w", out.err)
		}
		return out.values, nil
	case <-ctx.Done():
		s.logger.Warn("inference abandoned before completion", zap.Error(ctx.Err()))
		return nil, s.contextError(ctx)
	}
}

func (s *Session) contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.ErrInferenceTimeout
	}
	return fmt.Errorf("inference cancelled: %w", ctx.Err())
}

// Close stops admitting calls, waits for the in-flight forward pass and
// releases the engine.
func (s *Session) Close() error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	if s.engine == nil {
		return nil
	}
	if s.State() == Ready {
		s.transition(Uninitialized)
	}
	_ = s.slot.Acquire(context.Background(), 1)
	defer s.slot.Release(1)

	err := s.engine.Close()
	s.engine = nil
	return err
}
