// Command modbusprobe reads the mapped properties of a seeded device the way
// the poller does and prints them, for commissioning a new device.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"iot-gateway/internal/gateway"
	"iot-gateway/internal/logging"
	"iot-gateway/internal/model"
	"iot-gateway/internal/poller"
)

func main() {
	var (
		seedPath, deviceKey, host string
		port, slaveID             int
		poll                      time.Duration
	)
	flag.StringVar(&seedPath, "seed", "config/seed.example.yaml", "seed file holding the device")
	flag.StringVar(&deviceKey, "device", "", "device key to probe")
	flag.StringVar(&host, "host", "", "override the device host")
	flag.IntVar(&port, "port", 0, "override the device port")
	flag.IntVar(&slaveID, "slave", 0, "override the slave id")
	flag.DurationVar(&poll, "interval", 0, "repeat the read at this interval (0 reads once)")
	flag.Parse()

	log := logging.New("modbusprobe", "info", "console")

	seed, err := gateway.LoadSeed(seedPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load seed")
	}
	dev, ok := seed.Device(deviceKey)
	if !ok {
		log.Fatal().Str("device", deviceKey).Msg("device not in seed")
	}

	target := poller.Target{Device: model.Device{ID: 1, DeviceKey: dev.Key, DeviceName: dev.Name}}
	if b := dev.Modbus; b != nil {
		target.Binding = model.DeviceDriver{Host: b.Host, Port: b.Port, SlaveID: b.SlaveID, TimeoutMs: b.TimeoutMs}
	}
	if host != "" {
		target.Binding.Host = host
	}
	if port > 0 {
		target.Binding.Port = port
	}
	if slaveID > 0 {
		target.Binding.SlaveID = slaveID
	}
	if target.Binding.Host == "" {
		target.Binding.Host = "127.0.0.1"
	}
	if target.Binding.Port == 0 {
		target.Binding.Port = 502
	}
	mappings := make([]model.PropertyMapping, 0, len(dev.Mappings))
	for _, m := range dev.Mappings {
		mappings = append(mappings, m.PropertyMapping(target.Device.ID))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reader := poller.NewTCPReader(3 * time.Second)
	defer reader.Close()

	enc := json.NewEncoder(os.Stdout)
	for {
		props, err := poller.ReadProperties(ctx, reader, target, mappings, log)
		if err != nil {
			log.Error().Err(err).Str("addr", fmt.Sprintf("%s:%d", target.Binding.Host, target.Binding.Port)).Msg("read failed")
			reader.Drop(target.Device.ID)
		} else {
			_ = enc.Encode(map[string]any{"deviceKey": dev.Key, "time": time.Now().Format(time.RFC3339), "properties": props})
		}
		if poll <= 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(poll):
		}
	}
}
