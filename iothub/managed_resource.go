package iothub

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ResourceState is the lifecycle state of a ManagedResource.
type ResourceState int32

// Resource states.
const (
	ResourceClosed ResourceState = iota
	ResourceOpening
	ResourceOpen
	ResourceClosing
)

func (state ResourceState) String() string {
	switch state {
	case ResourceClosed:
		return "closed"
	case ResourceOpening:
		return "opening"
	case ResourceOpen:
		return "open"
	case ResourceClosing:
		return "closing"
	}
	return "unknown"
}

// ManagedResource lazily creates one expensive value and recreates it on
// demand after it is closed or found faulted.
//
// Creation is single flight: every caller arriving while a creation is in
// progress shares that creation's result, success or error. A failed
// creation returns the resource to ResourceClosed and is not retried; the
// next GetOrCreate starts a new generation.
type ManagedResource[T any] struct {
	lock           sync.Mutex
	state          ResourceState
	current        T
	generation     uint64
	closeAfterOpen bool
	group          singleflight.Group

	factory      func(ctx context.Context) (T, error)
	closer       func(ctx context.Context, value T) error
	faulted      func(value T) bool
	errorHandler func(err error)
}

// NewManagedResource returns an empty resource. closer may be nil.
func NewManagedResource[T any](factory func(ctx context.Context) (T, error), closer func(ctx context.Context, value T) error) *ManagedResource[T] {
	return &ManagedResource[T]{
		factory: factory,
		closer:  closer,
	}
}

// SetFaultProbe installs a check run whenever the open value is handed
// out. A value the probe reports as faulted is closed and replaced.
func (resource *ManagedResource[T]) SetFaultProbe(probe func(value T) bool) *ManagedResource[T] {
	if resource == nil {
		return resource
	}
	resource.lock.Lock()
	resource.faulted = probe
	resource.lock.Unlock()
	return resource
}

// SetErrorHandler receives errors from the closer, which are otherwise
// dropped.
func (resource *ManagedResource[T]) SetErrorHandler(handler func(err error)) *ManagedResource[T] {
	if resource == nil {
		return resource
	}
	resource.lock.Lock()
	resource.errorHandler = handler
	resource.lock.Unlock()
	return resource
}

// State returns the current lifecycle state.
func (resource *ManagedResource[T]) State() ResourceState {
	resource.lock.Lock()
	defer resource.lock.Unlock()
	return resource.state
}

// Generation counts creations started so far.
func (resource *ManagedResource[T]) Generation() uint64 {
	resource.lock.Lock()
	defer resource.lock.Unlock()
	return resource.generation
}

// TryGetOpened returns the value only if it is open and healthy. It never
// waits for an in-flight creation.
func (resource *ManagedResource[T]) TryGetOpened() (T, bool) {
	var zero T
	if resource == nil {
		return zero, false
	}
	resource.lock.Lock()
	defer resource.lock.Unlock()
	if resource.state != ResourceOpen {
		return zero, false
	}
	if resource.faulted != nil && resource.faulted(resource.current) {
		return zero, false
	}
	return resource.current, true
}

// GetOrCreate returns the open value, joins the in-flight creation, or
// starts a new one. The creation keeps ctx's deadline but not its
// cancellation, so a caller giving up early does not abort the creation
// for everyone else; that caller gets TimeoutError.
func (resource *ManagedResource[T]) GetOrCreate(ctx context.Context) (T, error) {
	var zero T
	if resource == nil {
		return zero, NewError(InvalidArgumentError, "nil ManagedResource")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	resource.lock.Lock()
	if resource.state == ResourceOpen {
		if resource.faulted == nil || !resource.faulted(resource.current) {
			value := resource.current
			resource.lock.Unlock()
			return value, nil
		}
		stale := resource.current
		resource.current = zero
		resource.state = ResourceClosed
		resource.lock.Unlock()
		resource.closeQuietly(ctx, stale)
		resource.lock.Lock()
	}

	if resource.state == ResourceClosed || resource.state == ResourceClosing {
		resource.state = ResourceOpening
		resource.generation++
		resource.closeAfterOpen = false
	}
	if resource.state == ResourceOpen {
		// Another caller finished a creation while the stale value closed.
		value := resource.current
		resource.lock.Unlock()
		return value, nil
	}

	generation := resource.generation
	// DoChan is called under the lock and the creation publishes its
	// result under the same lock, so a caller that saw ResourceOpening
	// always joins the call for that generation.
	channel := resource.group.DoChan(generationKey(generation), func() (interface{}, error) {
		return resource.create(ctx, generation)
	})
	resource.lock.Unlock()

	select {
	case result := <-channel:
		if result.Err != nil {
			return zero, result.Err
		}
		return result.Val.(T), nil
	case <-ctx.Done():
		return zero, NewError(TimeoutError, "gave up waiting for resource creation", ctx.Err())
	}
}

func (resource *ManagedResource[T]) create(callerCtx context.Context, generation uint64) (interface{}, error) {
	ctx := context.WithoutCancel(callerCtx)
	if deadline, ok := callerCtx.Deadline(); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	value, err := resource.factory(ctx)

	resource.lock.Lock()
	if err != nil {
		resource.state = ResourceClosed
		resource.closeAfterOpen = false
		resource.lock.Unlock()
		return nil, err
	}
	if resource.closeAfterOpen || resource.generation != generation {
		resource.state = ResourceClosed
		resource.closeAfterOpen = false
		resource.lock.Unlock()
		resource.closeQuietly(ctx, value)
		return nil, NewError(ResourceClosedError, "resource closed while it was being created")
	}
	resource.current = value
	resource.state = ResourceOpen
	resource.lock.Unlock()
	return value, nil
}

// Close closes the open value, or waits for an in-flight creation to
// finish and closes its result. Closing a closed resource is a no-op.
// Closer errors go to the error handler, not the caller.
func (resource *ManagedResource[T]) Close(ctx context.Context) error {
	var zero T
	if resource == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	resource.lock.Lock()
	switch resource.state {
	case ResourceOpen:
		value := resource.current
		generation := resource.generation
		resource.current = zero
		resource.state = ResourceClosing
		resource.lock.Unlock()

		resource.closeQuietly(ctx, value)

		resource.lock.Lock()
		if resource.state == ResourceClosing && resource.generation == generation {
			resource.state = ResourceClosed
		}
		resource.lock.Unlock()
		return nil

	case ResourceOpening:
		resource.closeAfterOpen = true
		channel := resource.group.DoChan(generationKey(resource.generation), func() (interface{}, error) {
			return nil, NewError(ResourceClosedError)
		})
		resource.lock.Unlock()

		select {
		case <-channel:
			return nil
		case <-ctx.Done():
			return NewError(TimeoutError, "gave up waiting for in-flight creation to close", ctx.Err())
		}
	}
	resource.lock.Unlock()
	return nil
}

// CloseAsync runs Close on its own goroutine; the channel yields its result.
func (resource *ManagedResource[T]) CloseAsync(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- resource.Close(ctx)
	}()
	return done
}

func (resource *ManagedResource[T]) closeQuietly(ctx context.Context, value T) {
	if resource.closer == nil {
		return
	}
	if err := resource.closer(ctx, value); err != nil {
		resource.lock.Lock()
		handler := resource.errorHandler
		resource.lock.Unlock()
		if handler != nil {
			handler(err)
		}
	}
}

func generationKey(generation uint64) string {
	return strconv.FormatUint(generation, 10)
}
