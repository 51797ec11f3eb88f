package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jkaninda/ngome/internal/environment"
)

// Timestamps are stored as RFC 3339 text in both backends so that rows
// stay portable between SQLite and PostgreSQL dumps.

// EnvironmentModel is the environments table row.
type EnvironmentModel struct {
	Name                 string `gorm:"primaryKey;size:255"`
	Status               string `gorm:"size:32;not null"`
	CreatedAt            string `gorm:"size:64;not null"`
	RootPath             string `gorm:"size:1024"`
	PackagesInstalled    string `gorm:"type:text;not null"` // JSON array of package names.
	NetworkEnabled       bool   `gorm:"not null"`
	CPULimit             int    `gorm:"column:cpu_limit;not null"`
	MemoryLimitMB        int    `gorm:"column:memory_limit_mb;not null"`
	DiskLimitMB          int    `gorm:"column:disk_limit_mb;not null"`
	IsolationProfilePath string `gorm:"size:1024"`
}

// TableName overrides GORM's pluralization.
func (EnvironmentModel) TableName() string { return "environments" }

// TestRecordModel is the test_records table row.
type TestRecordModel struct {
	ID              int64  `gorm:"primaryKey;autoIncrement"`
	EnvironmentName string `gorm:"size:255;index;not null"`
	TestName        string `gorm:"size:255;not null"`
	PackageName     string `gorm:"size:255"`
	Passed          bool   `gorm:"not null"`
	Message         string `gorm:"type:text"`
	DurationMS      int64  `gorm:"column:duration_ms;not null"`
	RunAt           string `gorm:"size:64;not null"`
}

// TableName overrides GORM's pluralization.
func (TestRecordModel) TableName() string { return "test_records" }

func toEnvironmentModel(env *environment.Environment) (*EnvironmentModel, error) {
	packages := env.PackagesInstalled
	if packages == nil {
		packages = []string{}
	}
	encoded, err := json.Marshal(packages)
	if err != nil {
		return nil, fmt.Errorf("encoding package list: %w", err)
	}

	return &EnvironmentModel{
		Name:                 env.Name,
		Status:               string(env.Status),
		CreatedAt:            env.CreatedAt.UTC().Format(time.RFC3339),
		RootPath:             env.RootPath,
		PackagesInstalled:    string(encoded),
		NetworkEnabled:       env.NetworkEnabled,
		CPULimit:             env.CPULimit,
		MemoryLimitMB:        env.MemoryLimitMB,
		DiskLimitMB:          env.DiskLimitMB,
		IsolationProfilePath: env.IsolationProfilePath,
	}, nil
}

func toEnvironmentDomain(m *EnvironmentModel) (*environment.Environment, error) {
	createdAt, err := time.Parse(time.RFC3339, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at for %q: %w", m.Name, err)
	}

	var packages []string
	if m.PackagesInstalled != "" {
		if err := json.Unmarshal([]byte(m.PackagesInstalled), &packages); err != nil {
			return nil, fmt.Errorf("decoding package list for %q: %w", m.Name, err)
		}
	}
	if packages == nil {
		packages = []string{}
	}

	return &environment.Environment{
		Name:                 m.Name,
		Status:               environment.Status(m.Status),
		CreatedAt:            createdAt,
		RootPath:             m.RootPath,
		PackagesInstalled:    packages,
		NetworkEnabled:       m.NetworkEnabled,
		CPULimit:             m.CPULimit,
		MemoryLimitMB:        m.MemoryLimitMB,
		DiskLimitMB:          m.DiskLimitMB,
		IsolationProfilePath: m.IsolationProfilePath,
	}, nil
}

func toTestRecordModel(rec *environment.TestRecord) *TestRecordModel {
	return &TestRecordModel{
		ID:              rec.ID,
		EnvironmentName: rec.EnvironmentName,
		TestName:        rec.TestName,
		PackageName:     rec.PackageName,
		Passed:          rec.Passed,
		Message:         rec.Message,
		DurationMS:      rec.Duration.Milliseconds(),
		RunAt:           rec.RunAt.UTC().Format(time.RFC3339),
	}
}

func toTestRecordDomain(m *TestRecordModel) (environment.TestRecord, error) {
	runAt, err := time.Parse(time.RFC3339, m.RunAt)
	if err != nil {
		return environment.TestRecord{}, fmt.Errorf("parsing run_at for record %d: %w", m.ID, err)
	}

	return environment.TestRecord{
		ID:              m.ID,
		EnvironmentName: m.EnvironmentName,
		TestName:        m.TestName,
		PackageName:     m.PackageName,
		Passed:          m.Passed,
		Message:         m.Message,
		Duration:        time.Duration(m.DurationMS) * time.Millisecond,
		RunAt:           runAt,
	}, nil
}
