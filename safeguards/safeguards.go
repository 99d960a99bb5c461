// Package safeguards provides serialization, panic recovery and preflight
// checks for build operations that touch block devices and mounts.
package safeguards

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// OperationGuard hands out a bounded number of slots for privileged work.
// A pipeline holds one slot for its whole forward path, so two runs sharing
// a guard never interleave device mapping and mounts.
type OperationGuard struct {
	slots  chan struct{}
	logger logrus.FieldLogger
	check  func(context.Context) error

	mu      sync.Mutex
	holders map[string]int
}

// GuardConfig configures an OperationGuard.
type GuardConfig struct {
	// MaxConcurrent is the number of slots. Defaults to 1.
	MaxConcurrent int
	Logger        logrus.FieldLogger

	// HealthCheckFunc runs after a slot is taken. If it fails the slot is
	// given back and Acquire returns the error.
	HealthCheckFunc func(context.Context) error
}

// NewOperationGuard creates a guard.
func NewOperationGuard(cfg GuardConfig) *OperationGuard {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &OperationGuard{
		slots:   make(chan struct{}, cfg.MaxConcurrent),
		logger:  cfg.Logger.WithField("component", "operation-guard"),
		check:   cfg.HealthCheckFunc,
		holders: make(map[string]int),
	}
}

// Acquire takes a slot for op, waiting until one is free or ctx is done.
func (g *OperationGuard) Acquire(ctx context.Context, op string) error {
	logger := g.logger.WithField("operation", op)

	if !g.TryAcquire(op) {
		logger.WithField("held_by", g.Holders()).Info("waiting for operation slot")
		start := time.Now()
		select {
		case g.slots <- struct{}{}:
			g.hold(op)
		case <-ctx.Done():
			return fmt.Errorf("context cancelled while waiting for operation slot: %w", ctx.Err())
		}
		logger.WithField("waited_ms", time.Since(start).Milliseconds()).Debug("acquired operation slot")
	}

	if g.check != nil {
		if err := g.check(ctx); err != nil {
			g.Release(op)
			return fmt.Errorf("health check failed before %s: %w", op, err)
		}
	}
	return nil
}

// TryAcquire takes a slot for op without waiting and reports whether it got
// one.
func (g *OperationGuard) TryAcquire(op string) bool {
	select {
	case g.slots <- struct{}{}:
		g.hold(op)
		return true
	default:
		return false
	}
}

// Release gives back a slot taken for op.
func (g *OperationGuard) Release(op string) {
	g.mu.Lock()
	if g.holders[op]--; g.holders[op] <= 0 {
		delete(g.holders, op)
	}
	g.mu.Unlock()

	<-g.slots
	g.logger.WithField("operation", op).Debug("released operation slot")
}

// ActiveOperations returns the number of slots in use.
func (g *OperationGuard) ActiveOperations() int {
	return len(g.slots)
}

// Holders returns the operations currently holding a slot.
func (g *OperationGuard) Holders() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.holders))
	for op, n := range g.holders {
		for range n {
			out = append(out, op)
		}
	}
	return out
}

func (g *OperationGuard) hold(op string) {
	g.mu.Lock()
	g.holders[op]++
	g.mu.Unlock()
}

// PanicError is returned by RecoverableOperation when fn panicked.
type PanicError struct {
	Operation string
	Value     any
	Stack     []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Operation, e.Value)
}

// IsPanicError reports whether err came from a recovered panic.
func IsPanicError(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}

// RecoverableOperation runs fn and turns a panic into a *PanicError, so a
// bug in one stage still lets teardown release what earlier stages acquired.
func RecoverableOperation(logger logrus.FieldLogger, op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			logger.WithFields(logrus.Fields{
				"operation": op,
				"panic":     r,
				"stack":     string(stack),
			}).Error("recovered from panic")
			err = &PanicError{Operation: op, Value: r, Stack: stack}
		}
	}()
	return fn()
}
