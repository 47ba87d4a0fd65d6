package epoch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hanfei1991/jobcoord/pkg/clock"
	"github.com/hanfei1991/jobcoord/pkg/errors"
)

func TestMockEpochGenerator(t *testing.T) {
	t.Parallel()

	gen := NewMockEpochGenerator()
	var last int64
	for i := 0; i < 10; i++ {
		epoch, err := gen.GenerateEpoch(context.Background(), "job-1")
		require.NoError(t, err)
		require.Greater(t, epoch, last)
		last = epoch
	}
}

func TestEtcdEpochGeneratorWithoutClient(t *testing.T) {
	t.Parallel()

	gen := NewEpochGenerator(nil)
	_, err := gen.GenerateEpoch(context.Background(), "job-1")
	require.True(t, errors.ErrEpochGenerate.Equal(err))
}

func TestStandaloneEpochGenerator(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	clk.Set(time.UnixMilli(1000))
	gen := NewStandaloneEpochGenerator(clk)

	ctx := context.Background()
	epoch, err := gen.GenerateEpoch(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, int64(1000), epoch)

	// The clock has not moved.
	epoch, err = gen.GenerateEpoch(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, int64(1001), epoch)

	clk.Add(time.Second)
	epoch, err = gen.GenerateEpoch(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, int64(2000), epoch)
}
