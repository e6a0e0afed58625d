package finalizer

import (
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
)

// NewFinalizer returns a new Finalizer.
func NewFinalizer() *Finalizer {
	return &Finalizer{}
}

// Finalizer collects resources for convenient cleanup.
type Finalizer struct {
	resources []io.Closer
}

// Add one or more io.Closer to the finalizer.
func (r *Finalizer) Add(cs ...io.Closer) {
	r.resources = append(r.resources, cs...)
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error {
	return f()
}

// AddFn adds one or more func() to the finalizer.
func (r *Finalizer) AddFn(fs ...func()) {
	for _, f := range fs {
		f := f
		r.resources = append(r.resources, CloserFunc(func() error {
			f()
			return nil
		}))
	}
}

// Len returns the number of registered resources.
func (r *Finalizer) Len() int {
	return len(r.resources)
}

// Cleanup closes all resources in reverse order of registration and
// returns err combined with every close error.
func (r *Finalizer) Cleanup(err error) error {
	var errs []error
	for i := len(r.resources) - 1; i >= 0; i-- {
		if e := r.resources[i].Close(); e != nil {
			errs = append(errs, e)
		}
	}
	r.resources = nil
	return multierror.Append(err, errs...).ErrorOrNil()
}

// Cleanupf is like Cleanup with a formatted err.
func (r *Finalizer) Cleanupf(format string, err error) error {
	if err != nil {
		return r.Cleanup(fmt.Errorf(format, err))
	}
	return r.Cleanup(nil)
}

// NewContextCloser transforms context cancellation function to be used with finalizer.
func NewContextCloser(cancel context.CancelFunc) io.Closer {
	return CloserFunc(func() error {
		cancel()
		return nil
	})
}
