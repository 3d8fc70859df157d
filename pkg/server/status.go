package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/natgridstats/natgridstats/pkg/coordinator"
	"github.com/natgridstats/natgridstats/pkg/log"
	"github.com/natgridstats/natgridstats/pkg/sensors"
	"github.com/natgridstats/natgridstats/pkg/statistics"
	"github.com/natgridstats/natgridstats/pkg/types"
)

type statusResponse struct {
	LastUpdateSuccess bool       `json:"lastUpdateSuccess"`
	LastError         string     `json:"lastError,omitempty"`
	ReauthRequired    bool       `json:"reauthRequired"`
	FirstRefresh      bool       `json:"firstRefresh"`
	FetchedAt         *time.Time `json:"fetchedAt,omitempty"`
	Accounts          int        `json:"accounts"`
	Meters            int        `json:"meters"`
}

func (s *Server) status() statusResponse {
	c := s.Entry().Coordinator()
	resp := statusResponse{
		LastUpdateSuccess: c.LastUpdateSuccess(),
		FirstRefresh:      c.IsFirstRefresh(),
	}
	if err := c.LastError(); err != nil {
		resp.LastError = err.Error()
		resp.ReauthRequired = errors.Is(err, coordinator.ErrReauthRequired)
	}
	if snap := c.Data(); snap != nil {
		fetchedAt := snap.FetchedAt
		resp.FetchedAt = &fetchedAt
		resp.Accounts = len(snap.Accounts)
		resp.Meters = len(snap.Meters)
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.status())
}

type meterResponse struct {
	ServicePoint  string                 `json:"servicePoint"`
	AccountID     string                 `json:"accountID"`
	Meter         types.Meter            `json:"meter"`
	Device        sensors.Device         `json:"device"`
	LatestUsage   *types.EnergyUsage     `json:"latestUsage,omitempty"`
	LatestCost    *types.EnergyUsageCost `json:"latestCost,omitempty"`
	LatestReading *types.AmiEnergyUsage  `json:"latestReading,omitempty"`
	IntervalReads int                    `json:"intervalReads"`
	StatisticIDs  []string               `json:"statisticIDs"`
}

func (s *Server) handleMeters(w http.ResponseWriter, r *http.Request) {
	snap := s.Entry().Coordinator().Data()
	meters := []meterResponse{}
	if snap != nil {
		sps := make([]string, 0, len(snap.Meters))
		for sp := range snap.Meters {
			sps = append(sps, sp)
		}
		slices.Sort(sps)

		for _, sp := range sps {
			md := snap.Meters[sp]
			m := meterResponse{
				ServicePoint:  sp,
				AccountID:     md.AccountID,
				Meter:         md.Meter,
				Device:        sensors.DeviceFor(snap, sp),
				IntervalReads: len(snap.IntervalReads[sp]),
				StatisticIDs:  statistics.StatisticIDs(sp),
			}
			if u, ok := snap.LatestUsage(md.AccountID, md.Meter.FuelType); ok {
				m.LatestUsage = &u
			}
			if c, ok := snap.LatestCost(md.AccountID, md.Meter.FuelType); ok {
				m.LatestCost = &c
			}
			if a, ok := snap.LatestAmiUsage(sp); ok {
				m.LatestReading = &a
			}
			meters = append(meters, m)
		}
	}
	writeJSON(w, meters)
}

// handleRefresh runs a refresh. The cycle is not tied to the request so a
// client disconnecting does not fail it.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	if _, err := s.Entry().Coordinator().Refresh(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "manual refresh failed", slog.Any("error", err))
		writeJSONError(w, "refresh failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, s.status())
}

// handleReset re-imports the full history on the next refresh and runs it.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	c := s.Entry().Coordinator()
	c.ResetToFirstRefresh(ctx)
	if _, err := c.Refresh(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "refresh after reset failed", slog.Any("error", err))
		writeJSONError(w, "refresh failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, s.status())
}
