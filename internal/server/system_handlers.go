package server

import (
	"encoding/json"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/aristath/folio/internal/database"
	"github.com/aristath/folio/internal/modules/hub"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HubStatus is the hub part of the status snapshot
type HubStatus struct {
	Connections int               `json:"connections"`
	Registry    hub.RegistryStats `json:"registry"`
	Alerts      int               `json:"alerts"`
	LastTick    *TickStatus       `json:"last_tick,omitempty"`
}

// TickStatus describes the most recent broadcast tick
type TickStatus struct {
	StartedAt string `json:"started_at"`
	hub.TickReport
}

// HostStatus holds host resource usage
type HostStatus struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
}

// SystemStatusResponse is returned by GET /api/system/status
type SystemStatusResponse struct {
	Status        string     `json:"status"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	Hub           HubStatus  `json:"hub"`
	Host          HostStatus `json:"host"`
	LastChecked   string     `json:"last_checked"`
}

// DBInfo describes one database file
type DBInfo struct {
	Name    string  `json:"name"`
	Path    string  `json:"path"`
	SizeMB  float64 `json:"size_mb"`
	Healthy bool    `json:"healthy"`
	Error   string  `json:"error,omitempty"`
}

// DatabaseStatsResponse is returned by GET /api/system/database/stats
type DatabaseStatsResponse struct {
	Databases   []DBInfo `json:"databases"`
	TotalSizeMB float64  `json:"total_size_mb"`
	LastChecked string   `json:"last_checked"`
}

// HubState is the read-only view of the hub the status endpoint needs
type HubState interface {
	ConnectionCount() int
}

// SystemHandlers serves operational status
type SystemHandlers struct {
	hub         HubState
	registry    *hub.Registry
	alerts      *hub.AlertBook
	broadcaster *hub.Broadcaster
	databases   map[string]*database.DB
	startedAt   time.Time
	hostStats   func() (cpuPercent, memPercent float64)
	log         zerolog.Logger
}

// NewSystemHandlers creates system handlers. Any hub part may be nil.
func NewSystemHandlers(
	hubState HubState,
	registry *hub.Registry,
	alerts *hub.AlertBook,
	broadcaster *hub.Broadcaster,
	databases map[string]*database.DB,
	log zerolog.Logger,
) *SystemHandlers {
	h := &SystemHandlers{
		hub:         hubState,
		registry:    registry,
		alerts:      alerts,
		broadcaster: broadcaster,
		databases:   databases,
		startedAt:   time.Now(),
		log:         log.With().Str("handler", "system").Logger(),
	}
	h.hostStats = h.getSystemStats
	return h
}

// HandleSystemStatus returns the hub and host status
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	var hubStatus HubStatus
	if h.hub != nil {
		hubStatus.Connections = h.hub.ConnectionCount()
	}
	if h.registry != nil {
		hubStatus.Registry = h.registry.Stats()
	}
	if h.alerts != nil {
		hubStatus.Alerts = h.alerts.Count()
	}
	if h.broadcaster != nil {
		if report, at := h.broadcaster.LastTick(); !at.IsZero() {
			hubStatus.LastTick = &TickStatus{StartedAt: at.Format(time.RFC3339), TickReport: report}
		}
	}

	cpuPercent, memPercent := h.hostStats()

	h.writeJSON(w, http.StatusOK, SystemStatusResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Hub:           hubStatus,
		Host:          HostStatus{CPUPercent: cpuPercent, MemPercent: memPercent},
		LastChecked:   time.Now().Format(time.RFC3339),
	})
}

// HandleDatabaseStats returns file sizes and health of each database
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.databases))
	for name := range h.databases {
		names = append(names, name)
	}
	sort.Strings(names)

	response := DatabaseStatsResponse{
		Databases:   []DBInfo{},
		LastChecked: time.Now().Format(time.RFC3339),
	}

	for _, name := range names {
		db := h.databases[name]
		if db == nil {
			continue
		}

		info := DBInfo{Name: name, Path: db.Path(), Healthy: true}
		if stat, err := os.Stat(db.Path()); err == nil {
			info.SizeMB = float64(stat.Size()) / 1024 / 1024
			response.TotalSizeMB += info.SizeMB
		}
		if err := db.HealthCheck(r.Context()); err != nil {
			info.Healthy = false
			info.Error = err.Error()
		}
		response.Databases = append(response.Databases, info)
	}

	h.writeJSON(w, http.StatusOK, response)
}

// getSystemStats calculates CPU and RAM usage percentages
// Uses a short sampling interval so the endpoint stays responsive
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	// instant, no blocking
	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}

func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
