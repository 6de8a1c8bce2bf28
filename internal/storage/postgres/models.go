package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB is a json.RawMessage stored in a jsonb column (TEXT on SQLite).
type JSONB json.RawMessage

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "{}", nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("scanning JSONB: unsupported type %T", src)
	}
	return nil
}

// RunModel maps to the "runs" table.
type RunModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Robot         string    `gorm:"not null;index"`
	Track         string    `gorm:"not null;index"`
	ModuleSHA256  string    `gorm:"column:module_sha256;size:64;not null;index"`
	Source        string
	Status        string `gorm:"not null;index"`
	FaultKind     string
	Fault         string
	Configuration JSONB  `gorm:"type:jsonb;not null;default:'{}'"`
	Summary       JSONB  `gorm:"type:jsonb;not null;default:'{}'"`
	Outcome       string `gorm:"index"`
	ClockUS       int64  `gorm:"not null"`
	Steps         int64  `gorm:"not null"`
	TotalTimeUS   int64  `gorm:"not null"`
	ElapsedUS     int64
	CreatedAt     time.Time      `gorm:"index"`
	Trace         *RunTraceModel `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
}

func (RunModel) TableName() string { return "runs" }

// RunTraceModel maps to the "run_traces" table. Data is the binary trace
// encoding.
type RunTraceModel struct {
	RunID uuid.UUID `gorm:"type:uuid;primaryKey"`
	Steps int       `gorm:"not null"`
	Data  []byte    `gorm:"not null"`
}

func (RunTraceModel) TableName() string { return "run_traces" }

// Models lists every table in migration order.
func Models() []any {
	return []any{&RunModel{}, &RunTraceModel{}}
}
