package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/thingy-mon/internal/ble"
	"github.com/chaz8081/thingy-mon/internal/config"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/thingy-mon/config.yaml)")
	dest := flag.String("dest", "", "BD address of the Thingy:52 to connect to")
	sensor := flag.String("sensor", "", "sensor to subscribe to: temperature, pressure, humidity, or gas")
	mtu := flag.Uint("mtu", 0, "requested ATT MTU (0 negotiates the default)")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	scan := flag.Bool("scan", false, "scan for nearby peripherals and exit")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Flags override the config file
	if *dest != "" {
		cfg.Address = *dest
	}
	if *sensor != "" {
		cfg.Sensor = *sensor
	}
	if *mtu != 0 {
		cfg.MTU = uint16(*mtu)
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	stack := ble.NewBluezStack()
	if err := stack.Enable(); err != nil {
		log.Fatalf("Failed to enable BLE stack: %v\n\nEnsure bluetoothd is running and the adapter is powered on.", err)
	}

	if *scan {
		if err := runScan(stack, cfg); err != nil {
			log.Fatalf("scan: %v", err)
		}
		return
	}

	if cfg.Address == "" {
		log.Fatal("no device address: set -dest or address in the config file (use -scan to find one)")
	}

	printBanner(cfg)

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Connecting to %s...", cfg.Address)
	conn, err := stack.Connect(ctx, cfg.Address)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", cfg.Address, err)
	}

	session, err := ble.NewSession(stack, conn, ble.Options{
		Sensor: cfg.Channel(),
		MTU:    cfg.MTU,
		Out:    os.Stdout,
	})
	if err != nil {
		conn.Close()
		log.Fatalf("Failed to set up GATT session: %v", err)
	}

	log.Printf("Connected. Waiting for %s notifications, Ctrl+C to quit.", cfg.Sensor)

	if err := session.Run(ctx); err != nil {
		session.Close()
		log.Fatalf("session: %v", err)
	}

	log.Println("Shutting down...")
	session.Close()
}

// runScan sweeps for advertising peripherals matching the configured name
// prefix and prints what it finds.
func runScan(stack *ble.BluezStack, cfg *config.Config) error {
	timeout := time.Duration(cfg.Scan.TimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	log.Printf("Scanning for %q peripherals (%s)...", cfg.Scan.NamePrefix, timeout)
	found, err := stack.Scan(ctx, cfg.Scan.NamePrefix)
	if err != nil {
		return err
	}

	if len(found) == 0 {
		fmt.Println("No peripherals found.")
		return nil
	}
	for _, p := range found {
		fmt.Printf("  %s  %s  RSSI %d\n", p.Address, p.Name, p.RSSI)
	}
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== thingy-mon ===")
	fmt.Printf("  Device:  %s\n", cfg.Address)
	fmt.Printf("  Sensor:  %s\n", cfg.Sensor)
	if cfg.MTU != 0 {
		fmt.Printf("  MTU:     %d\n", cfg.MTU)
	} else {
		fmt.Printf("  MTU:     negotiated\n")
	}
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("==================")
}
