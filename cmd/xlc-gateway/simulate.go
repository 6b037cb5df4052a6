package main

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"xlc-gateway/internal/simulator"
)

var (
	simAddr     string
	simIdentity string
	simInterval time.Duration
)

// simulateCmd runs a fake controller against a gateway for bench testing.
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Connect a simulated XLC controller to a gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("component", "simulator", "device", simIdentity)
		dev, err := simulator.New(simIdentity, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		go dev.RunHeartbeats(ctx, simInterval, simulatedHeartbeat)
		logger.Info("dialing gateway", "addr", simAddr)
		if err := dev.Dial(ctx, simAddr); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simAddr, "addr", "127.0.0.1:502", "Gateway Modbus address")
	simulateCmd.Flags().StringVar(&simIdentity, "id", "220055000551363036373537", "Device identity (24 hex characters)")
	simulateCmd.Flags().DurationVar(&simInterval, "interval", 30*time.Second, "Heartbeat push interval")
}

// simulatedHeartbeat returns a cooling unit drawing a slightly varying
// current.
func simulatedHeartbeat() [11]uint16 {
	return [11]uint16{
		0,                            // error code
		4,                            // raw mode: cool
		24,                           // target temperature
		2,                            // fan speed
		1,                            // power
		87,                           // remote battery
		uint16(450 + rand.IntN(100)), // current
		1250, 0,                      // today energy
		48210, 3,                     // total energy
	}
}
