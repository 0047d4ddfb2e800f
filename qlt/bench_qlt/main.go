package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"github.com/unixpickle/qlt/caas"
	"github.com/unixpickle/qlt/collcomm"
	"github.com/unixpickle/qlt/config"
	"github.com/unixpickle/qlt/qlt"
	"github.com/unixpickle/qlt/simulator"
	"github.com/unixpickle/qlt/timing"
	"github.com/unixpickle/qlt/verify"
)

type flags struct {
	configPath    string
	printSchedule bool
	printMetrics  bool
	scenario      config.Scenario
}

func main() {
	var f flags
	cmd := &cobra.Command{
		Use:   "bench_qlt",
		Short: "Run the limiter battery on a simulated network",
		Long: "Run the randomized limiter battery on a simulated network and " +
			"report correctness, per-operation timings, and traffic.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := f.load(cmd)
			if err != nil {
				return err
			}
			return run(cmd.OutOrStdout(), s, f.printSchedule, f.printMetrics)
		},
	}

	d := config.Default()
	fs := cmd.Flags()
	fs.StringVarP(&f.configPath, "config", "c", "", "YAML scenario file")
	fs.BoolVar(&f.printSchedule, "print-schedule", false, "print every rank's schedule")
	fs.BoolVar(&f.printMetrics, "print-metrics", false, "print the Prometheus metrics")
	fs.IntVar(&f.scenario.Cells, "cells", d.Cells, "number of cells")
	fs.IntVar(&f.scenario.Ranks, "ranks", d.Ranks, "number of ranks")
	fs.StringVar(&f.scenario.Decomp, "decomp", d.Decomp, "contiguous or pseudorandom")
	fs.BoolVar(&f.scenario.Imbalanced, "imbalanced", d.Imbalanced, "split cells unevenly")
	fs.StringVar(&f.scenario.Limiter, "limiter", d.Limiter, "qlt or caas")
	fs.StringVar(&f.scenario.Reducer, "reducer", d.Reducer, "bfb, naive, tree, or ring")
	fs.StringVar(&f.scenario.Network.Kind, "network", d.Network.Kind, "link or random")
	fs.Float64Var(&f.scenario.Network.Latency, "latency", d.Network.Latency, "link latency")
	fs.Float64Var(&f.scenario.Network.Rate, "rate", d.Network.Rate, "link rate in bytes/s")
	fs.Int64Var(&f.scenario.Seed, "seed", d.Seed, "random seed")
	fs.IntVar(&f.scenario.Repeat, "repeat", d.Repeat, "limiter passes per battery")
	fs.IntVar(&f.scenario.Workers, "workers", d.Workers, "goroutines per tree level")
	fs.StringVar(&f.scenario.LogLevel, "log-level", d.LogLevel, "debug, info, warn, or error")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// load reads the scenario file, if any, and applies the
// flags that were set explicitly.
func (f *flags) load(cmd *cobra.Command) (*config.Scenario, error) {
	s := config.Default()
	if f.configPath != "" {
		var err error
		s, err = config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
	}
	fs := cmd.Flags()
	overrides := map[string]func(){
		"cells":      func() { s.Cells = f.scenario.Cells },
		"ranks":      func() { s.Ranks = f.scenario.Ranks },
		"decomp":     func() { s.Decomp = f.scenario.Decomp },
		"imbalanced": func() { s.Imbalanced = f.scenario.Imbalanced },
		"limiter":    func() { s.Limiter = f.scenario.Limiter },
		"reducer":    func() { s.Reducer = f.scenario.Reducer },
		"network":    func() { s.Network.Kind = f.scenario.Network.Kind },
		"latency":    func() { s.Network.Latency = f.scenario.Network.Latency },
		"rate":       func() { s.Network.Rate = f.scenario.Network.Rate },
		"seed":       func() { s.Seed = f.scenario.Seed },
		"repeat":     func() { s.Repeat = f.scenario.Repeat },
		"workers":    func() { s.Workers = f.scenario.Workers },
		"log-level":  func() { s.LogLevel = f.scenario.LogLevel },
	}
	for name, apply := range overrides {
		if fs.Changed(name) {
			apply()
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func run(w io.Writer, s *config.Scenario, printSchedule, printMetrics bool) error {
	level, err := s.Level()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	registry := prometheus.NewRegistry()
	metrics := timing.NewMetrics(registry)

	setup := timing.NewTimers(timing.WallClock(), metrics)
	setup.Start(timing.Tree)
	mesh, err := s.Mesh()
	if err != nil {
		return err
	}
	setup.Stop(timing.Tree)
	setup.Start(timing.Analyze)
	t, err := s.Tree(mesh)
	if err != nil {
		return err
	}
	setup.Stop(timing.Analyze)
	logger.Info("built tree", "cells", t.NCells, "depth", t.Depth, "ranks", mesh.NRanks)

	tracers := verify.DefaultTracers(verify.QLTTypes)
	if s.Limiter == config.LimiterCAAS {
		tracers = verify.Filter(verify.DefaultTracers(verify.CAASTypes),
			verify.Tracer.LocalShouldHold)
	}

	nodes := simulator.NewNodes(mesh.NRanks)
	network := simulator.NewMeteredNetwork(s.NewNetwork(), nodes)
	loop := simulator.NewSeededEventLoop(s.Seed)
	reducer := s.NewReducer(t)

	var lock sync.Mutex
	var runErr error
	reports := make([]*verify.Report, mesh.NRanks)
	timers := make([]*timing.Timers, mesh.NRanks)
	schedules := make([]string, mesh.NRanks)
	collcomm.SpawnComms(loop, network, nodes, func(c *collcomm.Comms) {
		tm := timing.NewTimers(c.Handle.Time, metrics)
		var limiter verify.Limiter
		var err error
		switch s.Limiter {
		case config.LimiterCAAS:
			limiter, err = caas.New(c, mesh.Cells(c.Index()), reducer,
				caas.WithLogger(logger), caas.WithTimers(tm))
		default:
			opts := []qlt.Option{qlt.WithLogger(logger), qlt.WithTimers(tm),
				qlt.WithMetrics(metrics)}
			if s.Workers > 1 {
				opts = append(opts, qlt.WithExecutor(qlt.ParallelExecutor{Workers: s.Workers}))
			}
			var q *qlt.QLT
			q, err = qlt.New(c, t.NCells, t, opts...)
			if err == nil {
				limiter = q
				schedules[c.Index()] = q.Schedule().String()
			}
		}
		if err == nil {
			b := verify.Battery{
				Tracers: tracers,
				Seed:    s.Seed,
				Trials:  s.Repeat,
				Reducer: reducer,
				Timers:  tm,
				Logger:  logger,
			}
			reports[c.Index()], err = b.Run(c, limiter)
		}
		lock.Lock()
		defer lock.Unlock()
		if err != nil && runErr == nil {
			runErr = errors.Wrapf(err, "rank %d", c.Index())
		}
		timers[c.Index()] = tm
	})
	if err := loop.Run(); err != nil {
		return errors.Wrap(err, "simulate")
	}
	if runErr != nil {
		return runErr
	}

	if printSchedule {
		for _, sched := range schedules {
			fmt.Fprint(w, sched)
		}
	}

	report := reports[0]
	fmt.Fprintf(w, "%s limiter, %d cells, %d ranks, %s decomposition\n", s.Limiter,
		report.NCells, mesh.NRanks, mesh.Decomp)
	if err := report.Write(w); err != nil {
		return err
	}

	fmt.Fprintln(w, "\nsetup (wall clock):")
	if err := setup.Report(w); err != nil {
		return err
	}
	fmt.Fprintln(w, "\nrank 0 (virtual time):")
	if err := timers[0].Report(w); err != nil {
		return err
	}

	msgs, bytes := network.Messages(), network.Bytes()
	var maxSent float64
	for i := 0; i < msgs.NumNodes(); i++ {
		maxSent = max(maxSent, bytes.SumSource(i))
	}
	fmt.Fprintf(w, "\ntraffic: %.0f messages, %.0f bytes over %d links, max %.0f bytes "+
		"sent by one rank, %.6f s simulated\n", msgs.Total(), bytes.Total(), msgs.Links(),
		maxSent, loop.Time())

	if printMetrics {
		families, err := registry.Gather()
		if err != nil {
			return errors.Wrap(err, "gather metrics")
		}
		fmt.Fprintln(w)
		for _, mf := range families {
			if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
				return err
			}
		}
	}

	return report.Err()
}
