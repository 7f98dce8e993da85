// Package runtime contains the execution loop shared by every stage
// executor of the graph.
package runtime

import (
	"context"
	"fmt"
	"io"
)

type (
	// Executor executes a single stage iteration.
	Executor interface {
		Execute(context.Context) error
		Start(context.Context) error
		Flush(context.Context) error
	}
)

type (
	// StartFunc is a closure that triggers stage start hook.
	StartFunc func(ctx context.Context) error
	// FlushFunc is a closure that triggers stage flush hook.
	FlushFunc func(ctx context.Context) error
)

// Start calls the start hook.
func (fn StartFunc) Start(ctx context.Context) error {
	return callHook(ctx, fn)
}

// Flush calls the flush hook.
func (fn FlushFunc) Flush(ctx context.Context) error {
	return callHook(ctx, fn)
}

func callHook(ctx context.Context, hook func(context.Context) error) error {
	if hook == nil {
		return nil
	}
	return hook(ctx)
}

// Run starts the executor in its own goroutine. Execute is called until
// it returns an error, io.EOF means that executor is done. Flush is
// called if executor was started. Returned channel is closed when
// goroutine exits.
func Run(ctx context.Context, e Executor) <-chan error {
	errc := make(chan error, 2)
	go run(ctx, e, errc)
	return errc
}

func run(ctx context.Context, e Executor, errc chan<- error) {
	defer close(errc)
	if err := e.Start(ctx); err != nil {
		errc <- fmt.Errorf("error starting stage: %w", err)
		return
	}
	defer func() {
		if err := e.Flush(ctx); err != nil {
			errc <- fmt.Errorf("error flushing stage: %w", err)
		}
	}()

	var err error
	for err == nil {
		err = e.Execute(ctx)
	}
	if err != io.EOF {
		errc <- fmt.Errorf("error running stage: %w", err)
	}
}
