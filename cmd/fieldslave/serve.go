// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	modbus "github.com/edgeo-scada/modbus-slave"
	"github.com/edgeo-scada/modbus-slave/downstream"
	"github.com/edgeo-scada/modbus-slave/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the slave",
	Long: `Run the Modbus TCP slave until interrupted.

Without --gateway the configured fields are served from memory, seeded with
their configured values. With --gateway every request is forwarded to a
downstream RTU line or Modbus TCP device, addressing the requested unit.`,
	Example: `  fieldslave serve -c fieldslave.yaml
  fieldslave serve -l :1502 --metrics :9102
  fieldslave serve --gateway rtu --device /dev/ttyUSB0 --baud 9600 --parity N
  fieldslave serve --gateway tcp --downstream 192.168.1.10:502`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringP("listen", "l", ":502", "Listen address")
	f.Int("max-connections", modbus.DefaultMaxConnections, "Maximum simultaneous masters")
	f.Duration("read-timeout", 0, "Close connections idle for this long (0 keeps them open)")
	f.Uint8("unit-filter", 0, "Only answer this unit ID (0 answers all)")
	f.String("metrics", "", "Prometheus listen address, e.g. :9102")
	f.String("gateway", "", "Forward requests downstream: rtu or tcp")
	f.String("device", "", "Serial device for --gateway rtu")
	f.Int("baud", 19200, "Baud rate for --gateway rtu")
	f.String("parity", "E", "Parity for --gateway rtu: N, E or O")
	f.Int("stop-bits", 1, "Stop bits for --gateway rtu")
	f.String("downstream", "", "Device address for --gateway tcp")

	v.BindPFlag("listen", f.Lookup("listen"))
	v.BindPFlag("max_connections", f.Lookup("max-connections"))
	v.BindPFlag("read_timeout", f.Lookup("read-timeout"))
	v.BindPFlag("unit", f.Lookup("unit-filter"))
	v.BindPFlag("metrics.listen", f.Lookup("metrics"))
	v.BindPFlag("gateway.mode", f.Lookup("gateway"))
	v.BindPFlag("gateway.device", f.Lookup("device"))
	v.BindPFlag("gateway.baud_rate", f.Lookup("baud"))
	v.BindPFlag("gateway.parity", f.Lookup("parity"))
	v.BindPFlag("gateway.stop_bits", f.Lookup("stop-bits"))
	v.BindPFlag("gateway.address", f.Lookup("downstream"))
}

// service is what serve runs: a FieldProcessor or a GatewayProcessor.
type service interface {
	Start(addr string) error
	Stop(timeout time.Duration) error
	Addr() net.Addr
	Metrics() *modbus.ServerMetrics
}

func runServe(cmd *cobra.Command, args []string) error {
	svc, err := newService(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(cfg.Listen); err != nil {
		return err
	}
	outputInfo("serving on %s", svc.Addr())

	var metricsSrv *http.Server
	if cfg.Metrics.Listen != "" {
		metricsSrv = newMetricsServer(cfg.Metrics, svc.Metrics())
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics endpoint failed", slog.String("error", err.Error()))
			}
		}()
		outputInfo("metrics on http://%s%s", cfg.Metrics.Listen, cfg.Metrics.Path)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), modbus.DefaultCloseTimeout)
		metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if err := svc.Stop(modbus.DefaultCloseTimeout); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return nil
}

func newService(cfg *config.Config) (service, error) {
	opts := cfg.ServerOptions(logger)

	switch cfg.Gateway.Mode {
	case "rtu":
		down := downstream.NewRTU(downstream.RTUConfig{
			Device:   cfg.Gateway.Device,
			BaudRate: cfg.Gateway.BaudRate,
			DataBits: cfg.Gateway.DataBits,
			StopBits: cfg.Gateway.StopBits,
			Parity:   cfg.Gateway.Parity,
			Timeout:  cfg.Gateway.Timeout,
		}, logger)
		logger.Info("forwarding to RTU line", slog.String("device", cfg.Gateway.Device))
		return modbus.NewGatewayProcessor(down, opts...), nil
	case "tcp":
		down := downstream.NewTCP(downstream.TCPConfig{
			Address: cfg.Gateway.Address,
			Timeout: cfg.Gateway.Timeout,
		}, logger)
		logger.Info("forwarding to TCP device", slog.String("address", cfg.Gateway.Address))
		return modbus.NewGatewayProcessor(down, opts...), nil
	}

	registry, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	seeds, err := cfg.Seeds()
	if err != nil {
		return nil, err
	}
	backend := modbus.NewMemoryBackend()
	for f, value := range seeds {
		if err := backend.Set(f, value); err != nil {
			return nil, err
		}
	}
	backend.OnWrite(func(f modbus.Field, value any) {
		logger.Info("field written",
			slog.String("field", f.String()),
			slog.String("value", modbus.FormatValue(value)))
	})
	if registry.Len() == 0 {
		logger.Warn("no fields configured, every request will be rejected")
	}
	return modbus.NewFieldProcessor(registry, backend, opts...), nil
}

func newMetricsServer(mc config.MetricsConfig, m *modbus.ServerMetrics) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		modbus.NewCollector("fieldslave", m),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mux := http.NewServeMux()
	mux.Handle(mc.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              mc.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
