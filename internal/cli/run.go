package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"safertos/icn"
	"safertos/internal/buildinfo"
	"safertos/kernel"
	"safertos/metrics"
	"safertos/system"
)

type runOptions struct {
	ticks       uint64
	host        bool
	metricsAddr string
}

func newRunCmd(o *options) *cobra.Command {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the build and print the kernel counters",
		Long: `Run the configured build. By default the cores are driven in virtual time,
which interleaves the cores deterministically; --host uses real timers.`,
		Example: `  # 1000 ms of virtual time with the reference build
  safertos run

  # Real time, 5000 ticks per core, metrics on :9090
  safertos run --host --ticks 5000 --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.run(cmd.Context(), cmd.OutOrStdout(), ro)
		},
	}
	cmd.Flags().Uint64Var(&ro.ticks, "ticks", 1000, "virtual milliseconds, or timer ticks per core with --host (0 = until interrupted, host only)")
	cmd.Flags().BoolVar(&ro.host, "host", false, "drive the cores from real timers")
	cmd.Flags().StringVar(&ro.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	return cmd
}

func (o *options) run(ctx context.Context, out io.Writer, ro *runOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log, err := o.logger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	b, err := o.build()
	if err != nil {
		return err
	}
	s, err := system.New(b, system.WithLogger(log))
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Start(); err != nil {
		return err
	}
	log.Info("running", zap.String("version", buildinfo.Short()), zap.Bool("host", ro.host), zap.Uint64("ticks", ro.ticks))

	if ro.metricsAddr != "" {
		stop, err := serveMetrics(ro.metricsAddr, s, log)
		if err != nil {
			return err
		}
		defer stop()
	}

	if ro.host {
		err = s.Run(ctx, ro.ticks)
	} else {
		if ro.ticks == 0 {
			return errors.New("virtual run needs --ticks > 0")
		}
		err = s.RunVirtual(time.Duration(ro.ticks) * time.Millisecond)
	}
	printStats(out, s)
	return err
}

func serveMetrics(addr string, s *system.System, log *zap.Logger) (func(), error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(metrics.NewCollector(s)); err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func printStats(out io.Writer, s *system.System) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()

	for _, cs := range s.CoreStats() {
		fmt.Fprintf(w, "core %d\tnow %d ms\thalted %v\n", cs.Core, cs.Now, cs.Halted)
		fmt.Fprintln(w, "  task\tpid\tprio\tcompleted\taborted\tlost")
		for _, t := range cs.Tasks {
			fmt.Fprintf(w, "  %s\t%d\t%d\t%d\t%d\t%d\n", t.Name, t.PID, t.Priority, t.Completed, t.Aborted, t.Lost)
		}
	}

	procs := s.Processes()
	fmt.Fprintln(w, "process\terrors\tdeadline\tsuspended")
	for pid := kernel.PID(1); int(pid) <= procs.Len(); pid++ {
		fmt.Fprintf(w, "  %d\t%d\t%d\t%v\n", pid, procs.TotalErrors(pid),
			procs.ErrorCount(pid, kernel.FaultDeadline), procs.IsSuspended(pid))
	}

	if d := s.Notifications(); d != nil && d.Len() > 0 {
		fmt.Fprintln(w, "notification\tsent\tdelivered\tlost")
		for i := 0; i < d.Len(); i++ {
			st := d.Stats(icn.ID(i))
			fmt.Fprintf(w, "  %s\t%d\t%d\t%d\n", st.Name, st.Sent, st.Delivered, st.Lost)
		}
	}

	fmt.Fprintf(w, "assertions\t%d\n", s.Asserts().Count())
	if info, ok := s.HaltInfo(); ok {
		fmt.Fprintf(w, "halted by core %d\t%s\n", info.Core, info.Reason)
	}
}
