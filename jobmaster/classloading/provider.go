package classloading

import (
	"context"

	"github.com/hanfei1991/jobcoord/model"
)

// Provider produces the classloading properties of a job.
// Implementations must be safe for concurrent use and must not modify
// any job state: the properties are read on demand and may be requested
// any number of times.
type Provider interface {
	ClassloadingProps(ctx context.Context) (*model.ClassloadingSnapshot, error)
}

// StaticProvider serves a fixed snapshot, normally built from configuration.
type StaticProvider struct {
	snapshot *model.ClassloadingSnapshot
}

// NewStaticProvider creates a StaticProvider.
func NewStaticProvider(jarKeys []string, classpaths []string) *StaticProvider {
	return &StaticProvider{
		snapshot: model.NewClassloadingSnapshot(jarKeys, classpaths),
	}
}

// ClassloadingProps implements Provider.
func (p *StaticProvider) ClassloadingProps(ctx context.Context) (*model.ClassloadingSnapshot, error) {
	return p.snapshot, nil
}

// ProviderFunc adapts a function to a Provider.
type ProviderFunc func(ctx context.Context) (*model.ClassloadingSnapshot, error)

// ClassloadingProps implements Provider.
func (f ProviderFunc) ClassloadingProps(ctx context.Context) (*model.ClassloadingSnapshot, error) {
	return f(ctx)
}
