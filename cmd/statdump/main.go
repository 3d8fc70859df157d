package main

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/natgridstats/natgridstats/pkg/export"
	"github.com/natgridstats/natgridstats/pkg/log"
	"github.com/natgridstats/natgridstats/pkg/storage"
)

func main() {
	s := storage.Configured()
	ids := lflag.String("ids", "", "comma-delimited list of statistic ids to dump (default: every stored series)")
	startStr := lflag.String("start", "", "RFC3339 start of the range (default: 24 hours before end)")
	endStr := lflag.String("end", "", "RFC3339 end of the range (default: now)")
	lflag.Configure()

	ctx := context.Background()
	defer s.Close()

	end := time.Now().UTC()
	if *endStr != "" {
		t, err := time.Parse(time.RFC3339, *endStr)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "invalid end", "error", err)
			os.Exit(1)
		}
		end = t
	}
	start := end.Add(-24 * time.Hour)
	if *startStr != "" {
		t, err := time.Parse(time.RFC3339, *startStr)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "invalid start", "error", err)
			os.Exit(1)
		}
		start = t
	}

	var statisticIDs []string
	for _, id := range strings.Split(*ids, ",") {
		if id = strings.TrimSpace(id); id != "" {
			statisticIDs = append(statisticIDs, id)
		}
	}
	if len(statisticIDs) == 0 {
		var err error
		statisticIDs, err = s.ListStatisticIDs(ctx)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to list statistics", "error", err)
			os.Exit(1)
		}
	}

	out, err := export.NewLineMirror(os.Stdout)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to create serializer", "error", err)
		os.Exit(1)
	}

	var total int
	for _, id := range statisticIDs {
		meta, err := s.GetStatisticMetadata(ctx, id)
		if errors.Is(err, storage.ErrStatisticNotFound) {
			log.Ctx(ctx).WarnContext(ctx, "statistic not found", "statisticID", id)
			continue
		}
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to get statistic", "statisticID", id, "error", err)
			os.Exit(1)
		}
		points, err := s.GetStatistics(ctx, id, start, end)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to get points", "statisticID", id, "error", err)
			os.Exit(1)
		}
		if err := out.WriteStatistics(ctx, meta, points); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to write points", "statisticID", id, "error", err)
			os.Exit(1)
		}
		total += len(points)
	}

	log.Ctx(ctx).InfoContext(ctx, "dumped statistics", "series", len(statisticIDs), "points", total)
}
