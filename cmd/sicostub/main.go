// Package main runs a stand-in simulator for trying out hosts without an HDL
// simulator. It advances time on every tick, honors breaks and loops channel
// messages back.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sarchlab/cosim/sico"
	"github.com/sarchlab/cosim/sico/simtest"
	"github.com/sarchlab/cosim/telemetry"
	"github.com/sarchlab/cosim/vtime"
)

var (
	socket    = flag.String("socket", sico.DefaultSocket, "Socket path to listen on")
	step      = flag.String("step", "1u", "Simulated time per tick")
	start     = flag.String("start", "0p", "Initial simulated time")
	tickDelay = flag.Duration("tick-delay", 0, "Wall-clock delay per tick")
	verbosity = flag.Int("v", 0, "Log verbosity")
)

func main() {
	opts := []simtest.Option{}
	flag.Func("rename", "Loop channel `from=to` back on another channel (repeatable)", func(s string) error {
		from, to, ok := strings.Cut(s, "=")
		if !ok {
			return fmt.Errorf("want from=to, got %q", s)
		}
		opts = append(opts, simtest.WithRename(from, to))
		return nil
	})
	flag.Parse()

	stepTime, err := vtime.Parse(*step)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing step: %v\n", err)
		os.Exit(1)
	}
	startTime, err := vtime.Parse(*start)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing start: %v\n", err)
		os.Exit(1)
	}

	log := telemetry.NewLogger(*verbosity)
	opts = append(opts,
		simtest.WithLogger(log),
		simtest.WithStep(stepTime),
		simtest.WithStart(startTime),
		simtest.WithTickDelay(*tickDelay),
	)

	sim, err := simtest.Listen(*socket, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer os.Remove(*socket)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("listening", "socket", *socket, "step", stepTime.String())
	if err := sim.Serve(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log.Info("stopped", "now", sim.Now().String(), "ticks", sim.Ticks())
}
