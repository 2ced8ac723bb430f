// Command terminal is the machine-authorization terminal's firmware
// entry point. It brings up the factory-data sector, the fleet config,
// the cloud gateway, the NFC worker, and one machine.Controller per
// device-config binding, then hands them to the application
// coordinator for the life of the process.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/barnettlynn/mauthterm/internal/cloud"
	"github.com/barnettlynn/mauthterm/internal/config"
	"github.com/barnettlynn/mauthterm/internal/coordinator"
	"github.com/barnettlynn/mauthterm/internal/flashstore"
	"github.com/barnettlynn/mauthterm/internal/machine"
	"github.com/barnettlynn/mauthterm/internal/nfcworker"
	"github.com/barnettlynn/mauthterm/internal/pcd"
	"github.com/barnettlynn/mauthterm/internal/relay"
	"github.com/barnettlynn/mauthterm/internal/sessions"
	"github.com/barnettlynn/mauthterm/internal/uploader"
)

func main() {
	configPath := flag.String("config", "/etc/mauthterm/config.yaml", "path to the terminal config file")
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if *logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		log.Fatalf("terminal: %v", err)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	dc, err := config.LoadDeviceConfig(cfg.Flash.DeviceConfigPath)
	if err != nil {
		return err
	}

	factory, err := loadFactoryData(cfg.Flash.FactoryDataPath)
	if err != nil {
		return err
	}

	driver, err := pcd.Open(cfg.PCD.Port, cfg.PCD.BaudRate)
	if err != nil {
		return err
	}
	defer driver.Close()

	worker := nfcworker.New(nfcworker.Config{
		Driver:      driver,
		TerminalKey: factory.TerminalKey[:],
		Logger:      logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway, err := cloud.Dial(ctx, cfg.Cloud.URL, logger)
	if err != nil {
		return err
	}

	cache := sessions.New()

	journal, err := uploader.OpenFileJournal(cfg.Flash.FactoryDataPath+".usage.jsonl", cfg.Flash.FactoryDataPath+".usage.state")
	if err != nil {
		return err
	}
	up := uploader.New(uploader.Config{
		BatchSize:      32,
		IdleInterval:   2 * time.Second,
		RequestTimeout: cfg.Cloud.RequestTimeout,
		Gateway:        gateway,
		Journal:        journal,
		Logger:         logger,
	})

	controllers := make(map[string]*machine.Controller, len(dc.Machines))
	for _, binding := range dc.Machines {
		r, err := openRelay(binding, logger)
		if err != nil {
			return err
		}
		controllers[binding.MachineID] = machine.New(machine.Binding{
			MachineID:          binding.MachineID,
			RequiredPermission: binding.RequiredPermission,
			ActivationTimeout:  binding.ActivationTimeout,
		}, r, up)
	}

	co := coordinator.New(coordinator.Config{
		Worker:       worker,
		Gateway:      gateway,
		Cache:        cache,
		Controllers:  controllers,
		RPCTimeout:   cfg.Cloud.RequestTimeout,
		PollInterval: 20 * time.Millisecond,
		Logger:       logger,
	})

	go up.Run(ctx)

	logger.Info("terminal starting", "machines", len(controllers))
	return co.Run(ctx)
}

func loadFactoryData(path string) (flashstore.FactoryData, error) {
	sector, err := flashstore.OpenFileSector(path, flashstore.FactorySectorSize)
	if err != nil {
		return flashstore.FactoryData{}, err
	}
	payload, err := flashstore.New(sector).Read()
	if err != nil {
		return flashstore.FactoryData{}, err
	}
	return flashstore.DecodeFactoryData(payload)
}

func openRelay(binding config.MachineBinding, logger *slog.Logger) (machine.Relay, error) {
	if binding.RelayPin == "" {
		return relay.NewLoggingRelay(binding.MachineID, logger), nil
	}
	return relay.OpenGPIORelay(binding.RelayPin)
}
