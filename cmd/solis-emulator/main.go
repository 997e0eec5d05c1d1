package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/cepro/solisgateway/emulator"
	"github.com/cepro/solisgateway/registers"
)

func main() {
	listen := flag.String("listen", "127.0.0.1:1502", "address to serve Modbus TCP on")
	family := flag.String("type", string(registers.FamilyHybrid), "inverter type: hybrid, hybrid-waveshare, string or grid")
	serial := flag.String("serial", "1402EMULATED", "serial number held in the serial registers")
	unitID := flag.Uint("unit", 1, "modbus unit id to answer")
	step := flag.Duration("step", time.Second, "interval between changes of the live values")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	f, err := registers.ParseFamily(*family)
	if err != nil {
		slog.Error("Invalid type", "error", err)
		os.Exit(2)
	}
	if *unitID < 1 || *unitID > 247 {
		slog.Error("Invalid unit id", "unit_id", *unitID)
		os.Exit(2)
	}

	inv, err := emulator.New(f, uint8(*unitID), *serial)
	if err != nil {
		slog.Error("Failed to create emulator", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := inv.Run(ctx, *listen, *step); err != nil {
		slog.Error("Emulator failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Exiting")
}
