// Command modbussim serves the registers of one seeded device as a Modbus TCP
// slave, replaying rows of a CSV file so the poller has live data to read.
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"iot-gateway/internal/gateway"
	"iot-gateway/internal/logging"
	"iot-gateway/internal/modbus"
	"iot-gateway/internal/model"
)

func main() {
	var (
		seedPath, deviceKey, listen, csvPath string
		interval                             time.Duration
	)
	flag.StringVar(&seedPath, "seed", "config/seed.example.yaml", "seed file holding the device mappings")
	flag.StringVar(&deviceKey, "device", "", "device key to simulate (default: first device with mappings)")
	flag.StringVar(&listen, "listen", "", "listen address (default: the device's modbus port on all interfaces)")
	flag.StringVar(&csvPath, "csv", "", "CSV file whose header names mapping identifiers")
	flag.DurationVar(&interval, "interval", 2*time.Second, "delay between CSV rows")
	flag.Parse()

	log := logging.New("modbussim", "info", "console")
	if err := run(log, seedPath, deviceKey, listen, csvPath, interval); err != nil {
		log.Fatal().Err(err).Msg("simulator failed")
	}
}

func run(log zerolog.Logger, seedPath, deviceKey, listen, csvPath string, interval time.Duration) error {
	seed, err := gateway.LoadSeed(seedPath)
	if err != nil {
		return err
	}
	dev, err := pickDevice(seed, deviceKey)
	if err != nil {
		return err
	}
	mappings := make([]model.PropertyMapping, 0, len(dev.Mappings))
	for _, m := range dev.Mappings {
		mappings = append(mappings, m.PropertyMapping(0))
	}
	if listen == "" {
		port := 502
		if dev.Modbus != nil && dev.Modbus.Port > 0 {
			port = dev.Modbus.Port
		}
		listen = fmt.Sprintf(":%d", port)
	}

	rows, err := loadCSV(csvPath)
	if err != nil {
		return fmt.Errorf("load csv: %w", err)
	}
	if interval <= 0 {
		return errors.New("interval must be > 0")
	}

	slave := modbus.NewSlave()
	if err := slave.Listen(listen); err != nil {
		return fmt.Errorf("start modbus slave: %w", err)
	}
	defer slave.Close()
	log.Info().Str("device", dev.Key).Str("addr", slave.Addr().String()).Int("rows", len(rows)).Msg("modbus simulator listening")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; ; i = (i + 1) % len(rows) {
		if err := slave.Apply(mappings, rows[i]); err != nil {
			log.Warn().Err(err).Int("row", i).Msg("row partially applied")
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down simulator")
			return nil
		case <-ticker.C:
		}
	}
}

func pickDevice(seed gateway.Seed, key string) (gateway.SeedDevice, error) {
	if key != "" {
		d, ok := seed.Device(key)
		if !ok {
			return d, fmt.Errorf("device %q not in seed", key)
		}
		return d, nil
	}
	for _, d := range seed.Devices {
		if len(d.Mappings) > 0 {
			return d, nil
		}
	}
	return gateway.SeedDevice{}, errors.New("seed has no device with mappings")
}

func loadCSV(path string) ([]map[string]float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, errors.New("csv must contain header and at least one data row")
	}

	header := records[0]
	rows := make([]map[string]float64, 0, len(records)-1)
	for n, record := range records[1:] {
		row := make(map[string]float64, len(header))
		for i, key := range header {
			s := strings.TrimSpace(record[i])
			if s == "" {
				continue
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("row %d column %s: %w", n+1, key, err)
			}
			row[strings.TrimSpace(key)] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}
