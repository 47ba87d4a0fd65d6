// Package srvdiscovery retrieves the address of the current resource
// manager leader.
package srvdiscovery

import (
	"context"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	derror "github.com/hanfei1991/jobcoord/pkg/errors"
)

// LeaderListener is called with the address of a new leader.
type LeaderListener func(address string)

// LeaderRetriever watches the leader of a service.
type LeaderRetriever interface {
	// Run calls listener with the current leader address and then with
	// every change of it, until ctx is done or the watch fails.
	Run(ctx context.Context, listener LeaderListener) error
}

// EtcdClient is the part of *clientv3.Client used by the retriever.
type EtcdClient interface {
	clientv3.KV
	clientv3.Watcher
}

type etcdLeaderRetriever struct {
	cli EtcdClient
	key string
}

// NewEtcdLeaderRetriever creates a LeaderRetriever reading the leader
// address from the value of key. A deleted key means there is no leader
// for now, and the last known address stays in effect.
func NewEtcdLeaderRetriever(cli EtcdClient, key string) LeaderRetriever {
	return &etcdLeaderRetriever{
		cli: cli,
		key: key,
	}
}

// Run implements LeaderRetriever.
func (r *etcdLeaderRetriever) Run(ctx context.Context, listener LeaderListener) error {
	resp, err := r.cli.Get(ctx, r.key)
	if err != nil {
		return derror.Wrap(derror.ErrLeaderRetrieval, err, r.key)
	}

	var last string
	notify := func(address string) {
		if address == "" || address == last {
			return
		}
		last = address
		log.L().Info("leader changed", zap.String("key", r.key), zap.String("address", address))
		listener(address)
	}
	if len(resp.Kvs) > 0 {
		notify(string(resp.Kvs[0].Value))
	}

	watchCtx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	defer cancel()
	wch := r.cli.Watch(watchCtx, r.key, clientv3.WithRev(resp.Header.Revision+1))
	for {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case wresp, ok := <-wch:
			if !ok {
				if ctx.Err() != nil {
					return errors.Trace(ctx.Err())
				}
				return derror.ErrLeaderRetrieval.GenWithStackByArgs(r.key)
			}
			if err := wresp.Err(); err != nil {
				return derror.Wrap(derror.ErrLeaderRetrieval, err, r.key)
			}
			for _, ev := range wresp.Events {
				if ev.Type == clientv3.EventTypePut {
					notify(string(ev.Kv.Value))
				}
			}
		}
	}
}
