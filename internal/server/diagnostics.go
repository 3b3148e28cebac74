package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/clarityhq/clarity/internal/database"
	"github.com/clarityhq/clarity/internal/modules/processing"
	"github.com/clarityhq/clarity/internal/modules/rawevents"
)

// DiagnosticsHandlers serves host and ingestion diagnostics. Host metrics
// come from gopsutil; database stats come straight from SQLite pragmas.
type DiagnosticsHandlers struct {
	databases  map[string]*database.DB
	rawEvents  *rawevents.Store
	processing *processing.Repository
	dataDir    string
	log        zerolog.Logger
}

// NewDiagnosticsHandlers creates the diagnostics handlers.
func NewDiagnosticsHandlers(databases map[string]*database.DB, rawEvents *rawevents.Store, procRepo *processing.Repository, dataDir string, log zerolog.Logger) *DiagnosticsHandlers {
	return &DiagnosticsHandlers{
		databases:  databases,
		rawEvents:  rawEvents,
		processing: procRepo,
		dataDir:    dataDir,
		log:        log.With().Str("handler", "diagnostics").Logger(),
	}
}

// hostStatus is the gopsutil slice of the status response.
type hostStatus struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemUsedMB     float64 `json:"mem_used_mb"`
	MemTotalMB    float64 `json:"mem_total_mb"`
	MemPercent    float64 `json:"mem_percent"`
	DiskFreeGB    float64 `json:"disk_free_gb"`
	DiskTotalGB   float64 `json:"disk_total_gb"`
	DiskPercent   float64 `json:"disk_percent"`
	DataDirectory string  `json:"data_directory"`
}

// databaseStatus is one database's slice of the status response.
type databaseStatus struct {
	Name         string `json:"name"`
	Profile      string `json:"profile"`
	SizeBytes    int64  `json:"size_bytes"`
	WALSizeBytes int64  `json:"wal_size_bytes"`
	PageCount    int64  `json:"page_count"`
	PageSize     int64  `json:"page_size"`
}

// HandleStatus handles GET /api/diagnostics/status/{id}.
func (h *DiagnosticsHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "id")

	host := hostStatus{DataDirectory: h.dataDir}
	if percents, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percents) > 0 {
		host.CPUPercent = percents[0]
	} else if err != nil {
		h.log.Warn().Err(err).Msg("Failed to read CPU usage")
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		host.MemUsedMB = float64(vm.Used) / 1024 / 1024
		host.MemTotalMB = float64(vm.Total) / 1024 / 1024
		host.MemPercent = vm.UsedPercent
	} else {
		h.log.Warn().Err(err).Msg("Failed to read memory usage")
	}
	if usage, err := disk.Usage(h.dataDir); err == nil {
		host.DiskFreeGB = float64(usage.Free) / 1e9
		host.DiskTotalGB = float64(usage.Total) / 1e9
		host.DiskPercent = usage.UsedPercent
	} else {
		h.log.Warn().Err(err).Msg("Failed to read disk usage")
	}

	databases := make([]databaseStatus, 0, len(h.databases))
	for name, db := range h.databases {
		status := databaseStatus{Name: name, Profile: string(db.Profile())}
		if stats, err := db.GetStats(); err == nil {
			status.SizeBytes = stats.SizeBytes
			status.WALSizeBytes = stats.WALSizeBytes
			status.PageCount = stats.PageCount
			status.PageSize = stats.PageSize
		} else {
			h.log.Warn().Err(err).Str("database", name).Msg("Failed to read database stats")
		}
		databases = append(databases, status)
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"business_id": businessID,
			"host":        host,
			"databases":   databases,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleIngestion handles GET /api/diagnostics/ingestion/{id}. It reports
// the funnel from raw events through processing states.
func (h *DiagnosticsHandlers) HandleIngestion(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "id")

	rawCount, err := h.rawEvents.Count(businessID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to count raw events")
		return
	}

	statuses, err := h.processing.CountByStatus(businessID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to count processing states")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"business_id": businessID,
			"raw":         rawCount,
			"normalized":  statuses[processing.StatusNormalized],
			"categorized": statuses[processing.StatusCategorized],
			"errored":     statuses[processing.StatusError],
			"statuses":    statuses,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

func (h *DiagnosticsHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *DiagnosticsHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
