package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/natgridstats/natgridstats/pkg/log"
	"github.com/natgridstats/natgridstats/pkg/storage"
	"github.com/natgridstats/natgridstats/pkg/types"
)

// maxStatisticsRange bounds a single statistics query.
const maxStatisticsRange = 31 * 24 * time.Hour

type statisticsResponse struct {
	Metadata types.StatisticMetadata `json:"metadata"`
	Start    time.Time               `json:"start"`
	End      time.Time               `json:"end"`
	Points   []types.StatisticPoint  `json:"points"`
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSONError(w, "id is required", http.StatusBadRequest)
		return
	}
	start, end, err := parseTimeRange(r, time.Now())
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	meta, err := s.storage.GetStatisticMetadata(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrStatisticNotFound) {
			writeJSONError(w, "statistic not found", http.StatusNotFound)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to get statistic metadata", slog.String("statisticID", id), slog.Any("error", err))
		writeJSONError(w, "failed to get statistic", http.StatusInternalServerError)
		return
	}

	points, err := s.storage.GetStatistics(ctx, id, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get statistics", slog.String("statisticID", id), slog.Any("error", err))
		writeJSONError(w, "failed to get statistics", http.StatusInternalServerError)
		return
	}
	if points == nil {
		points = []types.StatisticPoint{}
	}

	writeJSON(w, statisticsResponse{
		Metadata: meta,
		Start:    start,
		End:      end,
		Points:   points,
	})
}

func (s *Server) handleStatisticIDs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ids, err := s.storage.ListStatisticIDs(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list statistics", slog.Any("error", err))
		writeJSONError(w, "failed to list statistics", http.StatusInternalServerError)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, ids)
}

// parseTimeRange reads the start and end query parameters. Without them the
// last 24 hours before now are returned.
func parseTimeRange(r *http.Request, now time.Time) (time.Time, time.Time, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	if startStr == "" && endStr == "" {
		end := now.UTC().Truncate(time.Hour).Add(time.Hour)
		return end.Add(-24 * time.Hour), end, nil
	}
	if startStr == "" || endStr == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("start and end must be set together")
	}

	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
	}

	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
	}

	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("start time must be before end time")
	}

	if end.Sub(start) > maxStatisticsRange {
		return time.Time{}, time.Time{}, fmt.Errorf("time range cannot exceed 31 days")
	}

	return start.UTC(), end.UTC(), nil
}
