// Package main provides the host side of a co-simulation session.
//
// cosim connects to a simulator, drives a counter on one channel, prints what
// comes back and ends the simulation with a finish break. With -regs it also
// writes and reads back the registers of a device on a register bus channel.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/cosim/config"
	"github.com/sarchlab/cosim/items"
	"github.com/sarchlab/cosim/loop"
	"github.com/sarchlab/cosim/pipe"
	"github.com/sarchlab/cosim/regfile"
	"github.com/sarchlab/cosim/sico"
	"github.com/sarchlab/cosim/telemetry"
	"github.com/sarchlab/cosim/trace"
	"github.com/sarchlab/cosim/vtime"
)

var (
	configPath = flag.String("config", "", "Path to configuration JSON file")
	socket     = flag.String("socket", "", "Simulator socket path (overrides config)")
	channel    = flag.String("channel", "loop", "Channel to drive")
	count      = flag.Int("n", 16, "Number of values to drive")
	width      = flag.Int("width", 8, "Width of the driven vector")
	period     = flag.String("period", "10n", "Simulated time between driven values")
	finish     = flag.String("finish", "1m", "Finish the simulation this long after start")
	tracePath  = flag.String("trace", "", "Trace database path (overrides config)")
	verbosity  = flag.Int("v", -1, "Log verbosity (overrides config)")
	regsBus    = flag.String("regs", "", "Register bus channel to exercise (empty disables)")
	regCount   = flag.Int("nregs", 4, "Number of registers on the register bus")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	if *configPath != "" {
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}

	if *socket != "" {
		cfg.Socket = *socket
	}
	if *tracePath != "" {
		cfg.TraceDB = *tracePath
	}
	if *verbosity >= 0 {
		cfg.Verbosity = *verbosity
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg *config.Config) error {
	log := telemetry.NewLogger(cfg.Verbosity).WithName("cosim")

	shutdown, err := telemetry.Setup(ctx, "cosim", cfg.OTelEnabled, cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	step, err := vtime.Parse(*period)
	if err != nil {
		return err
	}
	finishAt, err := vtime.Parse(*finish)
	if err != nil {
		return err
	}

	opts := cfg.HostOptions()
	opts.Parent = ctx
	opts.Logger = log
	host := loop.New(opts)
	defer host.Stop()

	ctrl := sico.NewControl(host, sico.NewConnection(host, cfg.Socket, cfg.ConnOptions()...))
	scope := pipe.NewScope(host)
	if err := buildGraph(scope, ctrl, cfg, step); err != nil {
		return err
	}
	var rf *regfile.Regfile
	if *regsBus != "" {
		if rf, err = buildRegs(scope, ctrl, cfg); err != nil {
			return err
		}
	}

	log.Info("waiting for simulator", "socket", cfg.Socket)
	if err := ctrl.WaitConnected(ctx); err != nil {
		return err
	}

	fin := ctrl.SetFinish(finishAt, true)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		promised, err := fin.Promised(gctx)
		if err != nil {
			return err
		}
		log.Info("finish acknowledged", "at", promised.String())

		stopped, err := fin.Stopped(gctx)
		if err != nil {
			return err
		}
		log.Info("simulation finished", "at", stopped.String())
		return nil
	})
	if rf != nil {
		g.Go(func() error { return exerciseRegs(rf, log) })
	}
	g.Go(func() error {
		select {
		case <-ctrl.ShutdownRequested():
			log.Info("simulator shut down")
			return context.Canceled
		case <-fin.Reached():
			return nil
		case <-gctx.Done():
			return nil
		}
	})

	err = g.Wait()
	fin.Release()
	if exitErr := ctrl.Exit(); exitErr != nil {
		log.Error(exitErr, "cannot request exit")
	}
	return err
}

// buildGraph drives a counter into the channel and prints what comes back:
//
//	Range >> IntToBits >> TimedSignal(Clock) >> Channel >> [Recorder] >> Printer
func buildGraph(scope *pipe.Scope, ctrl *sico.Control, cfg *config.Config, step vtime.Time) error {
	signalIn := items.NewTimedSignal(scope, "counter", pipe.Any)
	if err := pipe.Chain(items.NewRange(scope, 0, *count, 1), items.NewIntToBits(scope, *width), signalIn); err != nil {
		return err
	}
	clock := items.NewClock(scope, step, items.WithStart(step), items.WithStop(step.Mul(int64(*count+1))))
	if err := pipe.Connect(clock, signalIn); err != nil {
		return err
	}

	ch := sico.NewChannel(scope, ctrl, *channel, cfg.ChannelOptions()...)
	if err := pipe.Connect(signalIn, ch); err != nil {
		return err
	}

	var last pipe.Plugable = ch
	if cfg.TraceDB != "" {
		store, err := trace.Open(cfg.TraceDB)
		if err != nil {
			return err
		}
		go func() {
			<-scope.Host().Done()
			store.Close()
		}()

		rec := trace.NewRecorder(scope, store, trace.WithTee(), trace.WithStream(*channel))
		if err := pipe.Connect(ch, rec); err != nil {
			return err
		}
		last = rec
	}
	return pipe.Connect(last, items.NewPrinter(scope, os.Stdout))
}

// buildRegs puts a register file on the bus channel:
//
//	Regfile >> BitsBridge >> ClockedSignal >> Channel >> SignalInterface >> BitsBridge
func buildRegs(scope *pipe.Scope, ctrl *sico.Control, cfg *config.Config) (*regfile.Regfile, error) {
	rf := regfile.New(scope, "regs", regfile.WithCache(cfg.CacheConfig()))
	for i := 0; i < *regCount; i++ {
		rf.Add(fmt.Sprintf("r%d", i), uint32(i))
	}

	bridge := regfile.NewBitsBridge(scope)
	bus := sico.NewChannel(scope, ctrl, *regsBus, cfg.ChannelOptions()...)
	if err := pipe.Chain(rf, bridge, items.NewClockedSignal(scope), bus, items.NewSignalInterface(scope), bridge); err != nil {
		return nil, err
	}
	return rf, nil
}

// exerciseRegs writes every register and reads them back. The
// accesses are bounded by the configured call timeout.
func exerciseRegs(rf *regfile.Regfile, log logr.Logger) error {
	regs := rf.Registers()
	for i, r := range regs {
		if err := r.Wr(uint32(0x100+i), 0); err != nil {
			return err
		}
	}
	for _, r := range regs {
		v, err := r.Rd(0)
		if err != nil {
			return err
		}
		log.Info("register", "name", r.Name(), "value", fmt.Sprintf("%#x", v))
	}

	stats := rf.Stats()
	log.Info("register cache", "reads", stats.Reads, "hits", stats.Hits, "misses", stats.Misses)
	return nil
}
