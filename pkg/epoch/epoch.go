package epoch

import (
	"context"
	"path"
	"sync"
	"sync/atomic"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/hanfei1991/jobcoord/model"
	"github.com/hanfei1991/jobcoord/pkg/clock"
	"github.com/hanfei1991/jobcoord/pkg/errors"
)

const keyPrefix = "/jobcoord/epoch"

// Generator allocates execution generations for job masters.
// Every epoch returned is greater than all epochs returned before,
// across processes sharing the same backend.
type Generator interface {
	GenerateEpoch(ctx context.Context, jobID model.JobID) (model.Epoch, error)
}

// NewEpochGenerator creates a Generator backed by etcd. The epoch is the
// store revision of a write to a per-job key, so it increases across
// restarts and failovers of the job master.
func NewEpochGenerator(cli *clientv3.Client) Generator {
	return &etcdGenerator{
		cli: cli,
	}
}

type etcdGenerator struct {
	cli *clientv3.Client
}

// GenerateEpoch implements Generator.
func (e *etcdGenerator) GenerateEpoch(ctx context.Context, jobID model.JobID) (model.Epoch, error) {
	if e.cli == nil {
		return 0, errors.ErrEpochGenerate.GenWithStack("invalid inner client for epoch generator")
	}
	resp, err := e.cli.Put(ctx, path.Join(keyPrefix, string(jobID)), "")
	if err != nil {
		return 0, errors.Wrap(errors.ErrEpochGenerate, err)
	}

	return resp.Header.Revision, nil
}

// NewMockEpochGenerator creates an in-memory Generator.
func NewMockEpochGenerator() Generator {
	return &mockEpochGenerator{}
}

type mockEpochGenerator struct {
	epoch int64
}

func (e *mockEpochGenerator) GenerateEpoch(ctx context.Context, jobID model.JobID) (model.Epoch, error) {
	return atomic.AddInt64(&e.epoch, 1), nil
}

// NewStandaloneEpochGenerator creates a Generator for deployments without
// etcd. Epochs are derived from the wall clock in milliseconds, so they
// increase across restarts as long as the clock does not go backwards.
func NewStandaloneEpochGenerator(clk clock.Clock) Generator {
	return &standaloneGenerator{clock: clk}
}

type standaloneGenerator struct {
	mu    sync.Mutex
	clock clock.Clock
	last  int64
}

func (e *standaloneGenerator) GenerateEpoch(ctx context.Context, jobID model.JobID) (model.Epoch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	epoch := e.clock.Now().UnixMilli()
	if epoch <= e.last {
		epoch = e.last + 1
	}
	e.last = epoch
	return epoch, nil
}
