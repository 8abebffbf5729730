package tsdb

import (
	"context"
	"errors"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"iot-gateway/internal/config"
)

// InfluxSink writes batches with the blocking InfluxDB v2 write API.
type InfluxSink struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

func NewInfluxSink(cfg config.TSDBConfig) (*InfluxSink, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("tsdb url, org and bucket are required")
	}
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(cfg.WriteTimeout.Seconds()))
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)
	return &InfluxSink{client: client, write: client.WriteAPIBlocking(cfg.Org, cfg.Bucket)}, nil
}

func (s *InfluxSink) WriteBatch(ctx context.Context, points []Point) error {
	pts := make([]*write.Point, 0, len(points))
	for _, p := range points {
		pts = append(pts, influxdb2.NewPoint(p.Measurement, p.Tags, p.Fields, p.Time))
	}
	return s.write.WritePoint(ctx, pts...)
}

func (s *InfluxSink) Close() {
	s.client.Close()
}

// DiscardSink drops every batch. It stands in when no database is configured.
type DiscardSink struct{}

func (DiscardSink) WriteBatch(context.Context, []Point) error { return nil }

// NewSink returns an InfluxDB sink when cfg enables one, else a DiscardSink.
// The returned close function is never nil.
func NewSink(cfg config.TSDBConfig, log zerolog.Logger) (Sink, func(), error) {
	if !cfg.Enabled {
		log.Info().Msg("tsdb disabled, readings are not persisted as time series")
		return DiscardSink{}, func() {}, nil
	}
	s, err := NewInfluxSink(cfg)
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}
