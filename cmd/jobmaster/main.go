package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/hanfei1991/jobcoord/model"
	"github.com/hanfei1991/jobcoord/rpc"
	"github.com/hanfei1991/jobcoord/server"
)

func main() {
	// A missing .env file is fine.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "load .env failed: %v\n", err)
		os.Exit(2)
	}

	rootCmd := &cobra.Command{
		Use:           "jobmaster",
		Short:         "Job master coordination endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newRunCommand(), newCtlCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run [flags]",
		Short: "Run a job master",
		// Flags are parsed by server.Config, so that command line
		// options can override the config file.
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := server.NewConfig()
			if err := cfg.Parse(args); err != nil {
				if errors.Cause(err) == pflag.ErrHelp {
					return nil
				}
				return err
			}
			if err := server.InitLogger(cfg); err != nil {
				return err
			}
			log.L().Info("starting job master", zap.Stringer("config", cfg))

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			srv, err := server.NewServer(ctx, cfg)
			if err != nil {
				return err
			}
			if err := srv.Run(ctx); err != nil {
				log.L().Error("job master exited with error", zap.Error(err))
				return err
			}
			log.L().Info("job master exited")
			return nil
		},
	}
}

type ctlOptions struct {
	addr    string
	timeout time.Duration
}

func newCtlCommand() *cobra.Command {
	opts := &ctlOptions{}
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Call the gateway of a job master",
	}
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", os.Getenv("JOBCOORD_ADDR"), "gateway address of the job master")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "timeout of the call")

	var cause string
	suspendCmd := &cobra.Command{
		Use:   "suspend",
		Short: "Suspend the job",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, cli *rpc.Client, args []string) (interface{}, error) {
			return nil, cli.SuspendJob(ctx, cause)
		}),
	}
	suspendCmd.Flags().StringVar(&cause, "cause", "", "cause of the suspension")

	var (
		taskID  string
		epoch   int64
		attempt int32
		state   string
	)
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Report the execution state of a task attempt",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, cli *rpc.Client, args []string) (interface{}, error) {
			var execState model.ExecutionState
			if err := json.Unmarshal([]byte(fmt.Sprintf("%q", state)), &execState); err != nil {
				return nil, err
			}
			return nil, cli.UpdateTaskExecutionState(ctx, &model.TaskExecutionRecord{
				TaskID:    model.TaskID(taskID),
				AttemptID: model.ExecutionAttemptID{Epoch: epoch, Attempt: attempt},
				State:     execState,
			})
		}),
	}
	reportCmd.Flags().StringVar(&taskID, "task", "", "task id")
	reportCmd.Flags().Int64Var(&epoch, "epoch", 0, "epoch the attempt was deployed by")
	reportCmd.Flags().Int32Var(&attempt, "attempt", 0, "attempt number")
	reportCmd.Flags().StringVar(&state, "state", "RUNNING", "execution state")

	var (
		behaviour      string
		trackerTimeout time.Duration
		propsTimeout   time.Duration
	)
	trackCmd := &cobra.Command{
		Use:   "track <client-address>",
		Short: "Register a job client",
		Args:  cobra.ExactArgs(1),
		RunE: opts.run(func(ctx context.Context, cli *rpc.Client, args []string) (interface{}, error) {
			b, err := model.ParseListeningBehaviour(behaviour)
			if err != nil {
				return nil, err
			}
			return cli.RegisterJobInfoTracker(ctx, args[0], b, trackerTimeout)
		}),
	}
	trackCmd.Flags().StringVar(&behaviour, "behaviour", "RESULT_ONLY", "RESULT_ONLY or RESULT_AND_STATE_CHANGES")
	trackCmd.Flags().DurationVar(&trackerTimeout, "register-timeout", 0, "registration timeout, 0 for the job master default")

	classloadingCmd := &cobra.Command{
		Use:   "classloading",
		Short: "Show the classloading properties of the job",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, cli *rpc.Client, args []string) (interface{}, error) {
			return cli.RequestClassloadingProps(ctx, propsTimeout)
		}),
	}
	classloadingCmd.Flags().DurationVar(&propsTimeout, "request-timeout", 0, "request timeout, 0 for the job master default")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "start",
			Short: "Start the job",
			Args:  cobra.NoArgs,
			RunE: opts.run(func(ctx context.Context, cli *rpc.Client, args []string) (interface{}, error) {
				return nil, cli.StartJob(ctx)
			}),
		},
		suspendCmd,
		reportCmd,
		&cobra.Command{
			Use:   "register-rm <address>",
			Short: "Announce the resource manager",
			Args:  cobra.ExactArgs(1),
			RunE: opts.run(func(ctx context.Context, cli *rpc.Client, args []string) (interface{}, error) {
				return nil, cli.RegisterAtResourceManager(ctx, args[0])
			}),
		},
		trackCmd,
		classloadingCmd,
	)
	return cmd
}

type ctlFunc func(ctx context.Context, cli *rpc.Client, args []string) (interface{}, error)

// run wraps fn into a cobra RunE that dials the job master and prints
// the result as JSON.
func (o *ctlOptions) run(fn ctlFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if o.addr == "" {
			return errors.New("--addr is required")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
		defer cancel()

		cli, err := rpc.NewClient(ctx, o.addr)
		if err != nil {
			return err
		}
		defer cli.Close()

		result, err := fn(ctx, cli, args)
		if err != nil {
			return err
		}
		if result == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		}
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return errors.Trace(err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	}
}
