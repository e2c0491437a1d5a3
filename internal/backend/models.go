// Package backend serves the fleet ranking engine over gRPC, backed by
// PostgreSQL/TimescaleDB telemetry and a RabbitMQ tally trigger queue.
package backend

import (
	"fmt"
	"regexp"
	"time"
)

// DefaultTelemetryTable is the hypertable holding raw battery telemetry.
const DefaultTelemetryTable = "iot.bms_telemetry"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidateTableName accepts "table" or "schema.table" built from plain identifiers.
// The name is interpolated into SQL, so nothing else is allowed.
func ValidateTableName(name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

// TelemetryRow is one raw telemetry sample. Its table is configured at runtime,
// so it is always addressed through db.Table(name).
// Nullable columns resolve to zero when read.
type TelemetryRow struct {
	TS            time.Time `gorm:"column:ts;type:timestamptz;not null;index:idx_telemetry_ts;index:idx_telemetry_battery_ts,priority:2"`
	DeviceID      *string   `gorm:"column:device_id;type:text"`
	BatteryID     *string   `gorm:"column:battery_id;type:text;index:idx_telemetry_battery_ts,priority:1"`
	BatterySOCPct *float64  `gorm:"column:battery_soc_pct;type:double precision"`
	OdoMeterKM    *float64  `gorm:"column:odo_meter_km;type:double precision"`
}

// CycleTally is the durable running cycle total of one battery.
type CycleTally struct {
	BatteryID   string    `gorm:"column:battery_id;primaryKey"`
	LastTS      time.Time `gorm:"column:last_ts;type:timestamptz;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;type:timestamptz;not null"`
	TotalCycles float64   `gorm:"column:total_cycles;not null;default:0"`
}

// TableName specifies the table name for CycleTally model.
func (CycleTally) TableName() string {
	return "battery_cycle_tally"
}
