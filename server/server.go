package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hanfei1991/jobcoord/jobmaster"
	"github.com/hanfei1991/jobcoord/jobmaster/classloading"
	"github.com/hanfei1991/jobcoord/jobmaster/resourcemanager"
	"github.com/hanfei1991/jobcoord/model"
	"github.com/hanfei1991/jobcoord/notify"
	"github.com/hanfei1991/jobcoord/pkg/clock"
	"github.com/hanfei1991/jobcoord/pkg/deps"
	"github.com/hanfei1991/jobcoord/pkg/epoch"
	derror "github.com/hanfei1991/jobcoord/pkg/errors"
	"github.com/hanfei1991/jobcoord/pkg/notifier"
	"github.com/hanfei1991/jobcoord/pkg/promutil"
	"github.com/hanfei1991/jobcoord/pkg/srvdiscovery"
	"github.com/hanfei1991/jobcoord/rpc"
)

const shutdownTimeout = 10 * time.Second

// Server is a job master process: the job master, its gateway, the
// status API and the notification forwarder.
type Server struct {
	cfg *Config

	jm      *jobmaster.JobMaster
	gateway *rpc.Server
	grpcLis net.Listener

	statusSrv *http.Server
	statusLis net.Listener

	etcdCli         *clientv3.Client
	leaderRetriever srvdiscovery.LeaderRetriever

	forwarder     *notify.Forwarder
	notifications *notifier.Receiver[*model.ClientNotification]

	// closers release the collaborators in reverse order.
	closers []func()
}

// NewServer assembles a Server from cfg. Listeners are bound right away,
// so the addresses are known before Run is called.
func NewServer(ctx context.Context, cfg *Config) (s *Server, err error) {
	s = &Server{cfg: cfg}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	d := deps.NewDeps()
	if err := s.provide(ctx, d); err != nil {
		return nil, err
	}

	jmCfg := &jobmaster.Config{
		JobID:    model.JobID(cfg.JobID),
		Address:  cfg.AdvertiseAddr,
		Timeouts: cfg.Timeouts,
	}
	out, err := d.Construct(func(params jobmaster.Params) (*jobmaster.JobMaster, error) {
		return jobmaster.NewJobMaster(ctx, jmCfg, params)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.jm = out.(*jobmaster.JobMaster)
	s.closers = append(s.closers, s.jm.Close)

	if cfg.ResourceManagerLeaderKey != "" {
		s.leaderRetriever = srvdiscovery.NewEtcdLeaderRetriever(s.etcdCli, cfg.ResourceManagerLeaderKey)
	}

	if cfg.Notify != nil {
		nc, err := notify.Connect(*cfg.Notify, "jobmaster-"+cfg.JobID)
		if err != nil {
			return nil, errors.Trace(err)
		}
		s.closers = append(s.closers, func() {
			if err := nc.Drain(); err != nil {
				log.L().Warn("drain notification bus failed", zap.Error(err))
			}
		})
		s.forwarder = notify.NewForwarder(nc, cfg.Notify.SubjectPrefix)
		s.notifications = s.jm.ClientNotifications()
	}

	s.grpcLis, err = net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, errors.Annotatef(err, "listen on %s", cfg.Addr)
	}
	s.gateway = rpc.NewServer(s.jm)

	if cfg.StatusAddr != "" {
		s.statusLis, err = net.Listen("tcp", cfg.StatusAddr)
		if err != nil {
			_ = s.grpcLis.Close()
			return nil, errors.Annotatef(err, "listen on %s", cfg.StatusAddr)
		}
		s.statusSrv = &http.Server{
			Handler:           newStatusHandler(s.jm, promutil.GlobalRegistry()),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return s, nil
}

// provide registers the collaborators of the job master.
func (s *Server) provide(ctx context.Context, d *deps.Deps) error {
	cfg := s.cfg
	providers := []interface{}{
		func() (epoch.Generator, error) {
			if len(cfg.Etcd.Endpoints) == 0 {
				log.L().Warn("no etcd endpoints configured, epochs are derived from the local clock")
				return epoch.NewStandaloneEpochGenerator(clock.New()), nil
			}
			cli, err := clientv3.New(clientv3.Config{
				Endpoints:   cfg.Etcd.Endpoints,
				DialTimeout: cfg.Etcd.DialTimeout,
				Context:     ctx,
			})
			if err != nil {
				return nil, errors.Trace(err)
			}
			s.etcdCli = cli
			s.addCloser("etcd client", cli)
			return epoch.NewEpochGenerator(cli), nil
		},
		func() (classloading.Provider, error) {
			if cfg.Classloading.S3 == nil {
				return classloading.NewStaticProvider(cfg.Classloading.Jars, cfg.Classloading.Classpaths), nil
			}
			provider, err := classloading.NewS3Provider(ctx, *cfg.Classloading.S3)
			if err != nil {
				return nil, errors.Trace(err)
			}
			return provider, nil
		},
		func() resourcemanager.Gateway {
			client := rpc.NewResourceManagerClient()
			s.addCloser("resource manager client", client)
			return client
		},
		func() jobmaster.TaskCanceller {
			if cfg.TaskExecutorAddr == "" {
				return rpc.LoggingCanceller{}
			}
			client := rpc.NewTaskExecutorClient(model.JobID(cfg.JobID), cfg.TaskExecutorAddr)
			s.addCloser("task executor client", client)
			return client
		},
		promutil.GlobalRegistry,
	}
	for _, provider := range providers {
		if err := d.Provide(provider); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) addCloser(name string, c io.Closer) {
	s.closers = append(s.closers, func() {
		if err := c.Close(); err != nil {
			log.L().Warn("close failed", zap.String("component", name), zap.Error(err))
		}
	})
}

// GatewayAddr returns the address the gateway listens on.
func (s *Server) GatewayAddr() string {
	return s.grpcLis.Addr().String()
}

// StatusAddr returns the address the status API listens on, or an
// empty string if it is disabled.
func (s *Server) StatusAddr() string {
	if s.statusLis == nil {
		return ""
	}
	return s.statusLis.Addr().String()
}

// JobMaster returns the job master of the server.
func (s *Server) JobMaster() *jobmaster.JobMaster {
	return s.jm
}

// Run serves until ctx is done or a component fails, and then releases
// every resource of the server.
func (s *Server) Run(ctx context.Context) error {
	defer s.close()

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return s.jm.Run(ctx)
	})
	wg.Go(func() error {
		return s.gateway.Serve(s.grpcLis)
	})
	if s.statusSrv != nil {
		wg.Go(func() error {
			err := s.statusSrv.Serve(s.statusLis)
			if err == http.ErrServerClosed {
				return nil
			}
			return errors.Trace(err)
		})
	}
	if s.leaderRetriever != nil {
		wg.Go(func() error {
			return s.leaderRetriever.Run(ctx, s.jm.RegisterAtResourceManager)
		})
	}
	if s.forwarder != nil {
		wg.Go(func() error {
			return s.forwarder.Run(ctx, s.notifications)
		})
	}
	wg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.gateway.Stop(shutdownCtx)
		if s.statusSrv != nil {
			if err := s.statusSrv.Shutdown(shutdownCtx); err != nil {
				log.L().Warn("shutdown status server failed", zap.Error(err))
			}
		}
		return nil
	})

	if s.cfg.ResourceManagerAddr != "" {
		s.jm.RegisterAtResourceManager(s.cfg.ResourceManagerAddr)
	}
	if s.cfg.AutoStart {
		s.jm.StartJob()
	}
	log.L().Info("job master server started",
		zap.String("job-id", s.cfg.JobID),
		zap.String("addr", s.GatewayAddr()),
		zap.String("status-addr", s.StatusAddr()))

	err := wg.Wait()
	if errors.Cause(err) == context.Canceled || derror.Is(err, derror.ErrJobMasterClosed) {
		return nil
	}
	return err
}

func (s *Server) close() {
	if s.notifications != nil {
		s.notifications.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
