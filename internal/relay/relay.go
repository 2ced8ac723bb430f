// Package relay implements machine.Relay against a physical GPIO line
// using periph.io, the pack's GPIO/host wiring library (grounded on
// EdgxCloud-EdgeFlow's periph.io-based node driver), plus a
// development stand-in that only logs.
package relay

import (
	"fmt"
	"log/slog"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/barnettlynn/mauthterm/internal/machine"
)

// GPIORelay drives a single output pin active-high while the bound
// machine is Active and low otherwise, per spec.md §6's relay
// contract. One GPIORelay serves exactly one machine.Controller.
type GPIORelay struct {
	pin gpio.PinIO
}

var _ machine.Relay = (*GPIORelay)(nil)

// OpenGPIORelay initializes the periph.io host driver registry (safe
// to call once per process even with multiple relays) and resolves
// pinName — e.g. "GPIO17" — to a usable output, starting low.
func OpenGPIORelay(pinName string) (*GPIORelay, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("relay: host init: %w", err)
	}
	pin := gpioreg.ByName(pinName)
	if pin == nil {
		return nil, fmt.Errorf("relay: unknown GPIO pin %q", pinName)
	}
	if err := pin.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("relay: initialize %q low: %w", pinName, err)
	}
	return &GPIORelay{pin: pin}, nil
}

// Energize drives the pin high.
func (r *GPIORelay) Energize() error { return r.pin.Out(gpio.High) }

// DeEnergize drives the pin low.
func (r *GPIORelay) DeEnergize() error { return r.pin.Out(gpio.Low) }

// LoggingRelay is a development stand-in for a physical relay: it
// records energize/de-energize transitions through slog instead of
// driving hardware, for bring-up on a host with no GPIO line wired.
type LoggingRelay struct {
	name      string
	logger    *slog.Logger
	energized bool
}

var _ machine.Relay = (*LoggingRelay)(nil)

// NewLoggingRelay returns a LoggingRelay labelled name for log lines.
func NewLoggingRelay(name string, logger *slog.Logger) *LoggingRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingRelay{name: name, logger: logger.With("component", "relay", "machine", name)}
}

func (r *LoggingRelay) Energize() error {
	r.energized = true
	r.logger.Info("relay energized")
	return nil
}

func (r *LoggingRelay) DeEnergize() error {
	r.energized = false
	r.logger.Info("relay de-energized")
	return nil
}

// Energized reports the last commanded state, for tests.
func (r *LoggingRelay) Energized() bool { return r.energized }
