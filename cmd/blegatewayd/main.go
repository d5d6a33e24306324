// blegatewayd is the CLI entry point for the BLE sensor gateway: it loads
// configuration, wires the adapter/token-pool/scanner/event-bus graph, and
// runs either a one-shot scan or the full autoscan loop until signalled.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/bt510"
	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/btadapter"
	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/btaddr"
	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/bttoken"
	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/config"
	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/events"
	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/logger"
	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/measurement"
	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/metrics"
	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/scanner"
	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/sensor"
	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/session"
	"github.com/spf13/cobra"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
	gitCommit = "unknown"
)

var (
	cfgFile string
	verbose bool
	jsonOut bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "blegatewayd",
		Short:   "BLE sensor gateway - discovers BT510 nodes and downloads their logs",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "emit log lines as JSON")

	rootCmd.AddCommand(newRunCmd(), newScanCmd(), newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if jsonOut {
		cfg.Logging.Format = "json"
	}
	return cfg, nil
}

// sessionConfigFromGateway derives the per-device session tuning from the
// loaded gateway config instead of session.DefaultConfig's hardcoded
// values, so bluetooth.max_retries/retry_delay and sensor.bt510's
// mtu/max_command_retries/retry_delay/jsonrpc_timeout and
// bluetooth.service_uuid_allowlist actually reach the session manager.
func sessionConfigFromGateway(cfg *config.Config) session.Config {
	sc := session.DefaultConfig()
	sc.MTU = cfg.Sensor.BT510.MTU
	sc.MaxCommandRetries = cfg.Sensor.BT510.MaxCommandRetries
	sc.RetryDelay = cfg.Sensor.BT510.RetryDelay
	sc.RequestTimeout = cfg.Sensor.BT510.JSONRPCTimeout
	sc.ConnectRetries = cfg.Bluetooth.MaxRetries
	sc.ConnectBackoff = []time.Duration{cfg.Bluetooth.RetryDelay}
	sc.AllowedServiceUUIDs = cfg.Bluetooth.ServiceUUIDAllowlist
	return sc
}

// buildScanner wires the adapter, token pool, event bus, and scanner from
// cfg. The worker parses the advertisement directly (no token needed),
// then, for a recognized BT510 node, acquires a token and drives a full
// connect -> subscribe -> download log -> disconnect session through
// pkg/session and pkg/sensor.
func buildScanner(cfg *config.Config, log *logger.Logger, bus *events.Bus) (*scanner.Scanner, *bttoken.Pool, btadapter.Adapter) {
	adapter := btadapter.NewBlueZAdapter()
	tokens := bttoken.New(cfg.Bluetooth.PoolSize, cfg.Bluetooth.TokenLifetime)
	sessCfg := sessionConfigFromGateway(cfg)

	worker := func(ctx context.Context, snap btadapter.AdvertisementSnapshot, matchedPrefix string) {
		metrics.IncDevicesDiscovered()

		for companyID, data := range snap.ManufacturerData {
			if btaddr.ClassifyCompanyID(companyID, true) != btaddr.DeviceBT510 {
				continue
			}
			if m, ok := bt510.ParseAdvertisement(data, snap.LastSeen); ok {
				v, _ := m.Value()
				log.WithAddress(snap.Address.String()).Info("measurement from advertisement",
					"kind", m.Kind, "value", v, "unit", m.Unit, "prefix", matchedPrefix)
				metrics.IncMeasurement(m.Kind.String(), m.Origin.String())
			}
			downloadLog(ctx, cfg, sessCfg, adapter, tokens, bus, log, snap.Address)
			break
		}
	}

	s := scanner.New(adapter, tokens, bus, worker, log.Logger)
	s.SetMinRSSI(cfg.Bluetooth.MinRSSI)
	return s, tokens, adapter
}

// downloadLog acquires a BT session token, opens a session against addr,
// and drives the sensor facade's prepareLog -> readLog -> ackLog loop,
// always releasing the token and closing the session on the way out.
func downloadLog(ctx context.Context, cfg *config.Config, sessCfg session.Config, adapter btadapter.Adapter, tokens *bttoken.Pool, bus *events.Bus, log *logger.Logger, addr btaddr.Address) {
	alog := log.WithAddress(addr.String())

	tokCtx, cancel := context.WithTimeout(ctx, cfg.Bluetooth.ConnectionTimeout)
	tok, err := tokens.Acquire(tokCtx)
	cancel()
	if err != nil {
		alog.Warn("could not acquire bt token for log download", "error", err)
		return
	}
	metrics.SetActiveTokens(tokens.LiveCount())
	defer func() {
		tok.Release()
		metrics.SetActiveTokens(tokens.LiveCount())
	}()

	sess := session.New(adapter, addr, sessCfg, bus, log)
	defer sess.Close()

	openCtx, cancel := context.WithTimeout(ctx, cfg.Bluetooth.ConnectionTimeout)
	err = sess.Open(openCtx)
	cancel()
	if err != nil {
		alog.Warn("session open failed", "error", err)
		metrics.IncSession(metrics.ResultFailed)
		return
	}

	sn := sensor.New(sess, tok, bus)
	sn.SetMaxLogEntriesPerRequest(cfg.Sensor.MaxLogEntriesPerRequest)

	downloadCtx, cancel := context.WithTimeout(ctx, cfg.Sensor.PollingTimeout)
	defer cancel()

	acked, err := sn.DownloadLog(downloadCtx, 0, func(batch []measurement.Measurement) bool {
		for _, m := range batch {
			v, _ := m.Value()
			alog.Info("measurement from log", "kind", m.Kind.String(), "value", v, "unit", m.Unit)
			metrics.IncMeasurement(m.Kind.String(), m.Origin.String())
		}
		return true
	})
	if err != nil {
		alog.Warn("log download failed", "error", err)
		metrics.IncSession(metrics.ResultFailed)
		return
	}

	alog.Info("log download complete", "acknowledged", acked)
	metrics.IncSession(metrics.ResultOK)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the gateway's autoscan loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output, File: cfg.Logging.File})
			logger.SetGlobal(log)

			bus := events.New()
			s, tokens, adapter := buildScanner(cfg, log, bus)
			defer s.Close()
			defer tokens.Close()

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Bluetooth.ConnectionTimeout)
			if err := adapter.PowerOn(ctx); err != nil {
				cancel()
				return fmt.Errorf("power on adapter: %w", err)
			}
			cancel()

			sub := bus.Subscribe()
			go logEvents(log, sub)

			s.ConfigureAutoscan(cfg.Bluetooth.DeviceNamePrefixes, cfg.Sensor.DefaultCollectionInterval, cfg.Bluetooth.DiscoveryTimeout, true)
			s.StartAutoscan()

			log.Info("blegatewayd running", "prefixes", cfg.Bluetooth.DeviceNamePrefixes)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			log.Info("shutting down")
			bus.Unsubscribe(sub)
			return nil
		},
	}
}

func newScanCmd() *cobra.Command {
	var prefixes []string
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run a single discovery pass and print matched devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

			if len(prefixes) == 0 {
				prefixes = cfg.Bluetooth.DeviceNamePrefixes
			}
			if duration <= 0 {
				duration = cfg.Bluetooth.DiscoveryTimeout
			}

			bus := events.New()
			sub := bus.Subscribe()
			go logEvents(log, sub)

			s, tokens, adapter := buildScanner(cfg, log, bus)
			defer s.Close()
			defer tokens.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err = adapter.PowerOn(ctx)
			cancel()
			if err != nil {
				return fmt.Errorf("power on adapter: %w", err)
			}

			count, err := s.ScanOnce(context.Background(), prefixes, duration)
			if err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			fmt.Printf("dispatched %d new device(s)\n", count)
			bus.Unsubscribe(sub)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&prefixes, "prefix", nil, "device name prefixes to match (repeatable)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "scan duration (default: config's discovery_timeout)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("blegatewayd %s (commit: %s, built: %s)\n", version, gitCommit, buildTime)
		},
	}
}

func logEvents(log *logger.Logger, ch <-chan events.Event) {
	for ev := range ch {
		switch ev.Kind {
		case events.ScanStarted:
			log.Debug("scan started", "prefixes", ev.Prefixes, "duration", ev.Duration)
		case events.ScanCompleted:
			log.Info("scan completed", "count", ev.Count, "duration", ev.Duration)
			metrics.IncScan(metrics.ResultOK)
		case events.ScanFailed:
			log.Warn("scan failed", "kind", ev.ErrKind, "detail", ev.Detail)
			if ev.ErrKind == "busy" {
				metrics.IncScan(metrics.ResultBusy)
			} else {
				metrics.IncScan(metrics.ResultError)
			}
		case events.DeviceDiscovered:
			log.Info("device discovered", "address", ev.Address.String(), "name", ev.Name, "prefix", ev.MatchedPrefix)
		case events.Connected:
			log.Debug("session connected", "address", ev.Address.String())
		case events.Disconnected:
			log.Debug("session disconnected", "address", ev.Address.String())
		case events.DeviceFailed:
			log.Warn("device failed", "address", ev.Address.String(), "detail", ev.Detail)
			metrics.IncSession(metrics.ResultFailed)
		case events.RequestFailed:
			log.Warn("request failed", "address", ev.Address.String(), "detail", ev.Detail)
		case events.MeasurementReceived:
			v, _ := ev.Measurement.Value()
			log.Debug("measurement", "kind", ev.Measurement.Kind.String(), "value", v, "unit", ev.Measurement.Unit)
		}
	}
}
