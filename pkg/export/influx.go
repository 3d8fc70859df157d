package export

import (
	"context"
	"fmt"
	"log/slog"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/levenlabs/go-lflag"
	"github.com/natgridstats/natgridstats/pkg/log"
	"github.com/natgridstats/natgridstats/pkg/types"
)

// Measurement is the name every mirrored statistic point is written under.
const Measurement = "national_grid_statistics"

// InfluxMirror copies imported statistics into an InfluxDB v2 bucket. It does
// nothing when no URL is configured.
type InfluxMirror struct {
	url    string
	token  string
	org    string
	bucket string

	client influxdb2.Client
	write  api.WriteAPIBlocking
}

// ConfiguredInflux sets up the mirror from flags.
func ConfiguredInflux() *InfluxMirror {
	url := lflag.String("influx-url", "", "InfluxDB v2 URL to mirror statistics to (disabled if empty)")
	token := lflag.String("influx-token", "", "InfluxDB v2 API token")
	org := lflag.String("influx-org", "", "InfluxDB v2 organization")
	bucket := lflag.String("influx-bucket", "national_grid", "InfluxDB v2 bucket")

	m := &InfluxMirror{}

	lflag.Do(func() {
		m.url = *url
		m.token = *token
		m.org = *org
		m.bucket = *bucket
		if m.url == "" {
			return
		}
		if err := m.Validate(); err != nil {
			panic(fmt.Sprintf("influx validation failed: %v", err))
		}
		m.init()
	})

	return m
}

// NewInfluxMirror returns a mirror writing to bucket in org at url.
func NewInfluxMirror(url, token, org, bucket string) (*InfluxMirror, error) {
	m := &InfluxMirror{
		url:    url,
		token:  token,
		org:    org,
		bucket: bucket,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	m.init()
	return m, nil
}

func (m *InfluxMirror) init() {
	m.client = influxdb2.NewClient(m.url, m.token)
	m.write = m.client.WriteAPIBlocking(m.org, m.bucket)
}

// Validate checks if the mirror is properly configured.
func (m *InfluxMirror) Validate() error {
	if m.url == "" {
		return fmt.Errorf("influx-url is required")
	}
	if m.org == "" {
		return fmt.Errorf("influx-org is required")
	}
	if m.bucket == "" {
		return fmt.Errorf("influx-bucket is required")
	}
	return nil
}

// Enabled returns true if the mirror has a destination.
func (m *InfluxMirror) Enabled() bool {
	return m.write != nil
}

// WriteStatistics writes one point per statistic point in a single request.
func (m *InfluxMirror) WriteStatistics(ctx context.Context, meta types.StatisticMetadata, points []types.StatisticPoint) error {
	if !m.Enabled() || len(points) == 0 {
		return nil
	}

	pts := make([]*write.Point, 0, len(points))
	for _, p := range points {
		pts = append(pts, write.NewPoint(
			Measurement,
			tags(meta),
			map[string]any{
				"state": p.State,
				"sum":   p.Sum,
			},
			p.Start,
		))
	}
	if err := m.write.WritePoint(ctx, pts...); err != nil {
		return fmt.Errorf("failed to write %s to influx: %w", meta.StatisticID, err)
	}
	log.Ctx(ctx).DebugContext(ctx, "wrote statistics to influx", slog.String("statisticID", meta.StatisticID), slog.Int("count", len(pts)))
	return nil
}

// Close releases the client.
func (m *InfluxMirror) Close() error {
	if m.client != nil {
		m.client.Close()
	}
	return nil
}

func tags(meta types.StatisticMetadata) map[string]string {
	return map[string]string{
		"statistic_id": meta.StatisticID,
		"source":       meta.Source,
		"unit":         meta.Unit,
	}
}
