package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/timzifer/plscan/bench"
	"github.com/timzifer/plscan/config"
	"github.com/timzifer/plscan/internal/api"
	"github.com/timzifer/plscan/spectrum"
)

func main() {
	cfgPath := flag.String("config", "", "Path to configuration file (simulated bench when empty)")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	listen := flag.String("listen", "", "API listen address, overrides api.listen")
	headless := flag.Bool("scan", false, "Run one scan with the stored defaults and exit")
	out := flag.String("out", "spectrum.txt", "Output file for -scan")
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load configuration")
		}
		cfg = loaded
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}

	if *configCheck {
		os.Exit(executeConfigCheck(cfg, os.Stdout))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := []bench.Option{bench.WithConfig(cfg)}
	if *cfgPath != "" {
		opts = append(opts, bench.WithConfigPath(*cfgPath))
	}
	b, err := bench.New(ctx, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create bench")
	}
	defer b.Close()
	logger := b.Logger()

	if err := b.Initialize(ctx); err != nil {
		logger.Error().Err(err).Msg("device initialization failed")
		if *headless {
			b.Close()
			os.Exit(1)
		}
	}

	if *headless {
		if err := runHeadless(ctx, b, *out); err != nil {
			logger.Error().Err(err).Msg("scan failed")
			b.Close()
			os.Exit(1)
		}
		return
	}

	if addr := b.Config().API.Listen; addr != "" {
		srv := api.New(b, api.WithLogger(logger))
		if err := srv.Start(addr); err != nil {
			logger.Fatal().Err(err).Msg("failed to start api")
		}
		defer srv.Close()
	}

	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("bench stopped with error")
	}
}

// runHeadless performs one scan and saves it. Cancelling ctx aborts the
// scan; the partial spectrum is still written.
func runHeadless(ctx context.Context, b *bench.Bench, out string) error {
	req, err := b.DefaultRequest(ctx)
	if err != nil {
		return err
	}
	if _, err := b.StartScan(ctx, req); err != nil {
		return err
	}
	ctrl := b.Controller()
	status, err := ctrl.Wait(ctx)
	if err != nil {
		ctrl.Abort()
		status, err = ctrl.Wait(context.Background())
		if err != nil {
			return err
		}
	}
	logger := b.Logger()
	logger.Info().Str("state", string(status.State)).Int("samples", status.Samples).Str("out", out).Msg("scan ended")
	if s := ctrl.Spectrum(); s != nil {
		if err := spectrum.Save(out, s, b.Columns()...); err != nil {
			return err
		}
	}
	if status.Error != "" {
		return errors.New(status.Error)
	}
	return nil
}

func executeConfigCheck(cfg *config.Config, w io.Writer) int {
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(w, "configuration invalid: %v\n", err)
		return 1
	}
	fmt.Fprintf(w, "Bench %q\n", cfg.Name)
	for _, src := range cfg.Sources {
		fmt.Fprintf(w, "  Source: %s\n", src)
	}

	fmt.Fprintln(w, "  Devices:")
	printDevice(w, bench.NameMonochromator, cfg.Devices.Monochromator)
	printDevice(w, bench.NameFilterWheel, cfg.Devices.FilterWheel)
	printDevice(w, bench.NameLockin, cfg.Devices.Lockin)

	table, err := cfg.BandTable()
	if err != nil {
		fmt.Fprintf(w, "configuration invalid: %v\n", err)
		return 1
	}
	if table == nil {
		fmt.Fprintln(w, "  Bands: from settings store")
	} else {
		fmt.Fprintln(w, "  Bands:")
		bp := table.Breakpoints()
		for i, a := range table.Assignments() {
			fmt.Fprintf(w, "    [%g, %g) %s\n", bp[i], bp[i+1], a)
		}
	}

	exitCode := 0
	for _, col := range cfg.Export.Columns {
		if _, err := spectrum.CompileColumn(col.Name, col.Expression); err != nil {
			fmt.Fprintf(w, "  Column %s: %v\n", col.Name, err)
			exitCode = 1
		}
	}
	if cfg.Notify.MQTT.Enabled {
		fmt.Fprintf(w, "  MQTT: %s (%s/...)\n", cfg.Notify.MQTT.Broker, cfg.Notify.MQTT.TopicPrefix)
	}
	if cfg.Notify.Influx.Enabled {
		fmt.Fprintf(w, "  InfluxDB: %s bucket %s\n", cfg.Notify.Influx.URL, cfg.Notify.Influx.Bucket)
	}

	if exitCode == 0 {
		fmt.Fprintln(w, "Configuration check completed successfully.")
	} else {
		fmt.Fprintln(w, "Configuration check completed with errors.")
	}
	return exitCode
}

func printDevice(w io.Writer, name string, d config.DeviceConfig) {
	if d.Driver == config.DriverSerial {
		fmt.Fprintf(w, "    %s: serial %s @ %d baud\n", name, d.Port, d.Baud)
		return
	}
	fmt.Fprintf(w, "    %s: %s\n", name, d.Driver)
}
