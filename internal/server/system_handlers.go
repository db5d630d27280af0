package server

import (
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/hualei/quantdesk/internal/domain"
)

// SystemStatusResponse represents the system status response.
type SystemStatusResponse struct {
	Status      string             `json:"status"` // "healthy" or "degraded"
	UptimeHours float64            `json:"uptime_hours"`
	CPUPercent  float64            `json:"cpu_percent"`
	RAMPercent  float64            `json:"ram_percent"`
	Disk        DiskStatus         `json:"disk"`
	Database    DatabaseStatus     `json:"database"`
	Market      *MarketSessionInfo `json:"market,omitempty"`
}

// DiskStatus describes the volume holding the data directory.
type DiskStatus struct {
	Path        string  `json:"path"`
	UsedPercent float64 `json:"used_percent"`
	FreeMB      float64 `json:"free_mb"`
}

// DatabaseStatus describes the SQLite store.
type DatabaseStatus struct {
	Path      string        `json:"path"`
	SizeMB    float64       `json:"size_mb"`
	WALSizeMB float64       `json:"wal_size_mb"`
	PageCount int64         `json:"page_count"`
	FreePages int64         `json:"free_pages"`
	Bars      []BarSpanInfo `json:"bars"`
}

// BarSpanInfo is the loaded history range of one asset class.
type BarSpanInfo struct {
	Asset string `json:"asset"`
	First string `json:"first,omitempty"`
	Last  string `json:"last,omitempty"`
	Rows  int64  `json:"rows"`
}

// MarketSessionInfo mirrors the cached websocket market status. Fresh
// reports whether the cache is recent enough to act on.
type MarketSessionInfo struct {
	Status    string `json:"status"`
	TradeDate string `json:"trade_date,omitempty"`
	Connected bool   `json:"connected"`
	Fresh     bool   `json:"fresh"`
}

// handleSystemStatus returns host and store health in one shot for the
// dashboard's status panel.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	s.log.Debug().Msg("Getting system status")

	response := SystemStatusResponse{
		Status:      "healthy",
		UptimeHours: time.Since(s.startedAt).Hours(),
	}
	response.CPUPercent, response.RAMPercent = s.getSystemStats()

	if usage, err := disk.Usage(s.dataDir); err == nil {
		response.Disk = DiskStatus{
			Path:        s.dataDir,
			UsedPercent: usage.UsedPercent,
			FreeMB:      float64(usage.Free) / 1024 / 1024,
		}
	} else {
		s.log.Warn().Err(err).Str("dir", s.dataDir).Msg("Failed to read disk usage")
	}

	db := s.store.DB()
	response.Database.Path = db.Path()
	if err := db.QuickCheck(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("Database ping failed")
		response.Status = "degraded"
	}
	if stats, err := db.GetStats(); err == nil {
		response.Database.SizeMB = float64(stats.SizeBytes) / 1024 / 1024
		response.Database.WALSizeMB = float64(stats.WALSizeBytes) / 1024 / 1024
		response.Database.PageCount = stats.PageCount
		response.Database.FreePages = stats.FreelistCount
	} else {
		s.log.Warn().Err(err).Msg("Failed to read database stats")
	}

	response.Database.Bars = make([]BarSpanInfo, 0, 2)
	for _, asset := range []domain.AssetType{domain.AssetETF, domain.AssetAShare} {
		first, last, count, err := s.store.Bars.Span(r.Context(), asset, domain.AdjustNone)
		if err != nil {
			s.log.Warn().Err(err).Str("asset", string(asset)).Msg("Failed to read bar span")
			continue
		}
		response.Database.Bars = append(response.Database.Bars, BarSpanInfo{
			Asset: string(asset),
			First: first,
			Last:  last,
			Rows:  count,
		})
	}

	if s.status != nil {
		snap, fresh := s.status.Snapshot()
		response.Market = &MarketSessionInfo{
			Status:    string(snap.Status),
			TradeDate: snap.TradeDate,
			Connected: s.status.Connected(),
			Fresh:     fresh,
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

// getSystemStats calculates CPU and RAM usage percentages. The CPU
// sample runs over 100ms so the status endpoint stays responsive for
// pollers.
func (s *Server) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}
