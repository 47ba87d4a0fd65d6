package srvdiscovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/goleak"

	derror "github.com/hanfei1991/jobcoord/pkg/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeEtcd struct {
	clientv3.KV
	clientv3.Watcher

	value    string
	revision int64
	getErr   error
	watchRev int64
	events   chan clientv3.WatchResponse
}

func (f *fakeEtcd) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	resp := &clientv3.GetResponse{Header: &pb.ResponseHeader{Revision: f.revision}}
	if f.value != "" {
		resp.Kvs = []*mvccpb.KeyValue{{Key: []byte(key), Value: []byte(f.value)}}
	}
	return resp, nil
}

func (f *fakeEtcd) Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan {
	op := clientv3.OpGet(key, opts...)
	f.watchRev = op.Rev()
	return f.events
}

func putEvent(value string) clientv3.WatchResponse {
	return clientv3.WatchResponse{Events: []*clientv3.Event{{
		Type: clientv3.EventTypePut,
		Kv:   &mvccpb.KeyValue{Value: []byte(value)},
	}}}
}

func deleteEvent() clientv3.WatchResponse {
	return clientv3.WatchResponse{Events: []*clientv3.Event{{
		Type: clientv3.EventTypeDelete,
		Kv:   &mvccpb.KeyValue{},
	}}}
}

type recorder struct {
	mu        sync.Mutex
	addresses []string
}

func (r *recorder) listen(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addresses = append(r.addresses, address)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.addresses...)
}

func TestEtcdLeaderRetriever(t *testing.T) {
	t.Parallel()

	cli := &fakeEtcd{
		value:    "rm-1:9000",
		revision: 7,
		events:   make(chan clientv3.WatchResponse, 8),
	}
	cli.events <- putEvent("rm-1:9000")
	cli.events <- deleteEvent()
	cli.events <- putEvent("rm-2:9000")

	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewEtcdLeaderRetriever(cli, "/rm/leader").Run(ctx, rec.listen)
	}()

	// The unchanged address and the deletion are not announced.
	require.Eventually(t, func() bool {
		return len(rec.get()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"rm-1:9000", "rm-2:9000"}, rec.get())

	cancel()
	require.Equal(t, context.Canceled, errors.Cause(<-done))
	require.Equal(t, int64(8), cli.watchRev)
}

func TestEtcdLeaderRetrieverErrors(t *testing.T) {
	t.Parallel()

	cli := &fakeEtcd{getErr: errors.New("etcd unavailable")}
	err := NewEtcdLeaderRetriever(cli, "/rm/leader").Run(context.Background(), func(string) {})
	require.True(t, derror.Is(err, derror.ErrLeaderRetrieval), "%+v", err)

	cli = &fakeEtcd{events: make(chan clientv3.WatchResponse)}
	close(cli.events)
	err = NewEtcdLeaderRetriever(cli, "/rm/leader").Run(context.Background(), func(string) {})
	require.True(t, derror.ErrLeaderRetrieval.Equal(err), "%+v", err)

	cli = &fakeEtcd{events: make(chan clientv3.WatchResponse, 1)}
	cli.events <- clientv3.WatchResponse{Canceled: true}
	err = NewEtcdLeaderRetriever(cli, "/rm/leader").Run(context.Background(), func(string) {})
	require.True(t, derror.Is(err, derror.ErrLeaderRetrieval), "%+v", err)
}
