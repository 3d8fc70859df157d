package export

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/influxdata/telegraf"
	"github.com/influxdata/telegraf/metric"
	"github.com/influxdata/telegraf/plugins/serializers/influx"
	"github.com/natgridstats/natgridstats/pkg/types"
)

// LineMirror writes statistics to w as influx line protocol.
type LineMirror struct {
	mu         sync.Mutex
	w          io.Writer
	serializer *influx.Serializer
}

// NewLineMirror returns a LineMirror writing to w.
func NewLineMirror(w io.Writer) (*LineMirror, error) {
	serializer := &influx.Serializer{}
	if err := serializer.Init(); err != nil {
		return nil, fmt.Errorf("failed to init influx serializer: %w", err)
	}
	return &LineMirror{
		w:          w,
		serializer: serializer,
	}, nil
}

// Metric converts a statistic point to a telegraf metric.
func Metric(meta types.StatisticMetadata, p types.StatisticPoint) telegraf.Metric {
	return metric.New(
		Measurement,
		tags(meta),
		map[string]any{
			"state": p.State,
			"sum":   p.Sum,
		},
		p.Start,
	)
}

// WriteStatistics writes one line per point.
func (l *LineMirror) WriteStatistics(ctx context.Context, meta types.StatisticMetadata, points []types.StatisticPoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, p := range points {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := l.serializer.Serialize(Metric(meta, p))
		if err != nil {
			return fmt.Errorf("failed to serialize %s: %w", meta.StatisticID, err)
		}
		if _, err := l.w.Write(b); err != nil {
			return fmt.Errorf("failed to write %s: %w", meta.StatisticID, err)
		}
	}
	return nil
}
