package bench

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/timzifer/plscan/config"
	"github.com/timzifer/plscan/deviceio"
	"github.com/timzifer/plscan/drivers/fw102c"
	"github.com/timzifer/plscan/drivers/serialport"
	"github.com/timzifer/plscan/drivers/sim"
	"github.com/timzifer/plscan/drivers/spectrapro"
	"github.com/timzifer/plscan/drivers/sr830"
	"github.com/timzifer/plscan/internal/logging"
)

// Device names used for buses, events and log fields.
const (
	NameMonochromator = "monochromator"
	NameFilterWheel   = "filter_wheel"
	NameLockin        = "lockin"
)

func serialSettings(d config.DeviceConfig) serialport.Settings {
	return serialport.Settings{Port: d.Port, Baud: d.Baud, Timeout: d.Timeout.Duration}
}

func simSettings(d config.DeviceConfig) sim.Settings {
	return sim.Settings{MoveLatency: d.MoveLatency.Duration, Seed: d.Seed, Gratings: d.Gratings}
}

// buildDevices creates the drivers named by cfg, keeping any override.
func buildDevices(cfg config.DevicesConfig, override Devices, logger zerolog.Logger) (Devices, error) {
	out := override
	var position func() float64

	if out.Monochromator == nil {
		switch cfg.Monochromator.Driver {
		case config.DriverSim, "":
			mono := sim.NewMonochromator(NameMonochromator, simSettings(cfg.Monochromator))
			position = mono.Position
			out.Monochromator = mono
		case config.DriverSerial:
			out.Monochromator = spectrapro.New(NameMonochromator, serialSettings(cfg.Monochromator), nil,
				logging.Device(logger, NameMonochromator))
		default:
			return Devices{}, fmt.Errorf("monochromator: unsupported driver %q", cfg.Monochromator.Driver)
		}
	} else if mono, ok := out.Monochromator.(*sim.Monochromator); ok {
		position = mono.Position
	}

	if out.FilterWheel == nil {
		switch cfg.FilterWheel.Driver {
		case config.DriverSim, "":
			out.FilterWheel = sim.NewFilterWheel(NameFilterWheel, simSettings(cfg.FilterWheel))
		case config.DriverSerial:
			out.FilterWheel = fw102c.New(NameFilterWheel, serialSettings(cfg.FilterWheel), nil,
				logging.Device(logger, NameFilterWheel))
		case config.DriverNone:
			out.FilterWheel = &fixedWheel{position: 1}
		default:
			return Devices{}, fmt.Errorf("filter wheel: unsupported driver %q", cfg.FilterWheel.Driver)
		}
	}

	if out.Lockin == nil {
		switch cfg.Lockin.Driver {
		case config.DriverSim, "":
			out.Lockin = sim.NewLockin(NameLockin, simSettings(cfg.Lockin), position, lineshape(cfg.Simulation))
		case config.DriverSerial:
			out.Lockin = sr830.New(NameLockin, serialSettings(cfg.Lockin), nil, logging.Device(logger, NameLockin))
		default:
			return Devices{}, fmt.Errorf("lockin: unsupported driver %q", cfg.Lockin.Driver)
		}
	}
	if _, ok := out.Lockin.(deviceio.OutputReader); !ok {
		return Devices{}, fmt.Errorf("lockin %s does not produce outputs", out.Lockin.Name())
	}
	return out, nil
}

func lineshape(cfg config.SimulationConfig) sim.Lineshape {
	center, width, amplitude, offset := cfg.PeakCenter, cfg.PeakWidth, cfg.Amplitude, cfg.Offset
	if center <= 0 {
		center = 1550
	}
	if width <= 0 {
		width = 60
	}
	if amplitude <= 0 {
		amplitude = 1e-4
	}
	if offset <= 0 {
		offset = 1e-6
	}
	return sim.GaussianPeak(center, width, amplitude, offset)
}

// fixedWheel stands in for a bench without a filter wheel. Every position
// is accepted and reported back.
type fixedWheel struct {
	position float64
}

func (w *fixedWheel) Name() string { return NameFilterWheel }
func (w *fixedWheel) Open() error  { return nil }
func (w *fixedWheel) Close() error { return nil }

func (w *fixedWheel) Get(field deviceio.Field) (float64, error) {
	if field != deviceio.FieldFilter {
		return 0, deviceio.ErrUnsupportedField
	}
	return w.position, nil
}

func (w *fixedWheel) Set(field deviceio.Field, value float64) error {
	if field != deviceio.FieldFilter {
		return deviceio.ErrUnsupportedField
	}
	w.position = math.Round(value)
	return nil
}
