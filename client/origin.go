package client

import (
	"context"

	"github.com/cachegate/cachegate/coordinator"
)

// coordinatorOrigin adapts an in-process Coordinator to the Origin surface,
// for deployments where client and coordinator share a process.
type coordinatorOrigin struct {
	coord *coordinator.Coordinator
}

var _ Origin = (*coordinatorOrigin)(nil)

// NewCoordinatorOrigin returns an Origin backed directly by coord.
func NewCoordinatorOrigin(coord *coordinator.Coordinator) Origin {
	return &coordinatorOrigin{coord: coord}
}

func (o *coordinatorOrigin) Fetch(ctx context.Context, key string) (*Result, error) {
	entry, err := o.coord.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	return &Result{Value: entry.Value, Version: entry.Version}, nil
}

func (o *coordinatorOrigin) Push(ctx context.Context, key string, value []byte) (*Result, error) {
	entry, err := o.coord.Write(ctx, key, value)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		// Write-invalidate: no cached entry to report a version for.
		return nil, nil
	}
	return &Result{Value: entry.Value, Version: entry.Version}, nil
}

func (o *coordinatorOrigin) Remove(ctx context.Context, key string) error {
	return o.coord.Delete(ctx, key)
}
