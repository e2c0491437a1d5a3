// Package fleetrpc defines the FleetService gRPC contract between the backend
// and the HTTP gateway. Messages travel as google.protobuf.Struct values whose
// fields follow the JSON tags of the types in this package.
package fleetrpc

import (
	"procodus.dev/fleet-dash/pkg/telemetry"
)

// CyclesView holds equivalent full cycle counts of one device.
type CyclesView struct {
	Last24h  float64 `json:"cycles_24h"`
	Last7d   float64 `json:"cycles_7d"`
	Last30d  float64 `json:"cycles_30d"`
	Lifetime float64 `json:"cycles_lifetime"`
}

// DeviceRowView is a ranking row with IST timestamps.
type DeviceRowView struct {
	DeviceKey       string             `json:"device_key"`
	BatteryID       string             `json:"battery_id,omitempty"`
	FirstTS         string             `json:"first_ts"`
	LastTS          string             `json:"last_ts"`
	FirstSOC        float64            `json:"first_soc"`
	LastSOC         float64            `json:"last_soc"`
	SOCDelta        float64            `json:"soc_delta"`
	FirstOdo        float64            `json:"first_odo"`
	LastOdo         float64            `json:"last_odo"`
	OdoDelta        float64            `json:"odo_delta"`
	Cycles          CyclesView         `json:"cycles"`
	HasAnomaly      bool               `json:"has_anomaly"`
	AnomalySeverity telemetry.Severity `json:"anomaly_severity"`
	AnomalyCount    int                `json:"anomaly_count"`
	LastAnomalyTS   *string            `json:"last_anomaly_ts"`
}

// PaginationView is the metadata of a ranked page.
type PaginationView struct {
	Page         int  `json:"page"`
	PageSize     int  `json:"page_size"`
	TotalItems   int  `json:"total_items"`
	TotalPages   int  `json:"total_pages"`
	HasNext      bool `json:"has_next"`
	HasPrevious  bool `json:"has_previous"`
	AnomalyCount int  `json:"anomaly_count"`
	NormalCount  int  `json:"normal_count"`
}

type RankDevicesRequest struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

type RankDevicesResponse struct {
	Items      []DeviceRowView `json:"items"`
	Pagination PaginationView  `json:"pagination"`
}

type GetDeviceRequest struct {
	DeviceKey string `json:"device_key"`
}

// BucketView is one aggregated bucket of the device chart series.
type BucketView struct {
	BucketTS string  `json:"bucket_ts"`
	AvgSOC   float64 `json:"avg_soc"`
	MaxOdo   float64 `json:"max_odo"`
	MinOdo   float64 `json:"min_odo"`
}

// AnomalyRecordView is one flagged bucket transition.
type AnomalyRecordView struct {
	BucketTS string             `json:"bucket_ts"`
	Severity telemetry.Severity `json:"severity"`
	Reasons  []string           `json:"reasons"`
	Value    float64            `json:"value"`
}

type GetDeviceResponse struct {
	Device     DeviceRowView       `json:"device"`
	Buckets    []BucketView        `json:"buckets"`
	Anomalies  []AnomalyRecordView `json:"anomalies"`
	DropMean   float64             `json:"drop_mean"`
	DropStdDev float64             `json:"drop_stddev"`
}

type FleetSummaryRequest struct{}

type FleetSummaryResponse struct {
	GeneratedAt      string   `json:"generated_at"`
	TotalDevices     int      `json:"total_devices"`
	AnomalousDevices int      `json:"anomalous_devices"`
	AnomalyRecords   int      `json:"anomaly_records"`
	AvgSOCDelta      float64  `json:"avg_soc_delta"`
	WorstSOCDelta    float64  `json:"worst_soc_delta"`
	NoMovement       []string `json:"no_movement"`
}

type CycleCountsRequest struct {
	// Hours is the lookback, clamped to [1, 8760]; 0 selects the default.
	Hours int `json:"hours"`
}

// CycleCountView holds per-window cycle counts of one device.
type CycleCountView struct {
	DeviceKey string  `json:"device_key"`
	BatteryID string  `json:"battery_id,omitempty"`
	Last24h   float64 `json:"cycles_24h"`
	Last7d    float64 `json:"cycles_7d"`
	Last30d   float64 `json:"cycles_30d"`
	Total     float64 `json:"cycles_total"`
}

type CycleCountsResponse struct {
	Hours int              `json:"hours"`
	Items []CycleCountView `json:"items"`
}

// TallyEntryView is a persisted cycle tally row.
type TallyEntryView struct {
	BatteryID   string  `json:"battery_id"`
	TotalCycles float64 `json:"total_cycles"`
	LastTS      string  `json:"last_ts"`
	UpdatedAt   string  `json:"updated_at"`
}

type ListCycleTallyRequest struct{}

type ListCycleTallyResponse struct {
	Items []TallyEntryView `json:"items"`
}

type IncrementCycleTallyRequest struct{}

type IncrementCycleTallyResponse struct {
	Updated int `json:"updated"`
}

type SetCycleTallyRequest struct {
	BatteryID   string   `json:"battery_id"`
	TotalCycles *float64 `json:"total_cycles"`
}

type SetCycleTallyResponse struct {
	Entry TallyEntryView `json:"entry"`
}

// NewDeviceRowView converts a ranking row for the wire.
func NewDeviceRowView(row telemetry.DeviceRankingRow) DeviceRowView {
	return DeviceRowView{
		DeviceKey: row.Key.String(),
		BatteryID: row.BatteryID,
		FirstTS:   telemetry.FormatIST(row.First.Timestamp),
		LastTS:    telemetry.FormatIST(row.Last.Timestamp),
		FirstSOC:  row.First.SOCPercent,
		LastSOC:   row.Last.SOCPercent,
		SOCDelta:  row.SOCDelta,
		FirstOdo:  row.First.OdometerKM,
		LastOdo:   row.Last.OdometerKM,
		OdoDelta:  row.OdoDelta,
		Cycles: CyclesView{
			Last24h:  row.Cycles.Last24h,
			Last7d:   row.Cycles.Last7d,
			Last30d:  row.Cycles.Last30d,
			Lifetime: row.Cycles.Lifetime,
		},
		HasAnomaly:      row.Anomaly.HasAnomaly,
		AnomalySeverity: row.Anomaly.Severity,
		AnomalyCount:    row.Anomaly.Count,
		LastAnomalyTS:   telemetry.FormatISTPtr(row.Anomaly.LastAnomaly),
	}
}

// NewBucketView converts an aggregated bucket for the wire.
func NewBucketView(b telemetry.AggregatedBucket) BucketView {
	return BucketView{
		BucketTS: telemetry.FormatIST(b.Start),
		AvgSOC:   b.AvgSOC,
		MaxOdo:   b.MaxOdo,
		MinOdo:   b.MinOdo,
	}
}

// NewAnomalyRecordView converts an anomaly record for the wire.
func NewAnomalyRecordView(r telemetry.AnomalyRecord) AnomalyRecordView {
	reasons := make([]string, len(r.Reasons))
	for i, reason := range r.Reasons {
		reasons[i] = string(reason)
	}
	return AnomalyRecordView{
		BucketTS: telemetry.FormatIST(r.BucketStart),
		Severity: r.Severity,
		Reasons:  reasons,
		Value:    r.Value,
	}
}

// NewTallyEntryView converts a tally entry for the wire.
func NewTallyEntryView(e telemetry.CycleTallyEntry) TallyEntryView {
	return TallyEntryView{
		BatteryID:   e.BatteryID,
		TotalCycles: e.TotalCycles,
		LastTS:      telemetry.FormatIST(e.LastProcessed),
		UpdatedAt:   telemetry.FormatIST(e.UpdatedAt),
	}
}
