package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/ngome/internal/environment"
)

// EnvironmentRepository implements environment.EnvironmentStore on GORM.
// Shared by both backends; the dialect handles the SQL differences.
type EnvironmentRepository struct {
	db *gorm.DB
}

// NewEnvironmentRepository creates an EnvironmentRepository.
func NewEnvironmentRepository(db *gorm.DB) *EnvironmentRepository {
	return &EnvironmentRepository{db: db}
}

// Save upserts the environment by name.
func (r *EnvironmentRepository) Save(ctx context.Context, env *environment.Environment) error {
	model, err := toEnvironmentModel(env)
	if err != nil {
		return err
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			UpdateAll: true,
		}).
		Create(model).Error
	if err != nil {
		return fmt.Errorf("saving environment %q: %w", env.Name, err)
	}
	return nil
}

// Get returns the environment or environment.ErrNotFound.
func (r *EnvironmentRepository) Get(ctx context.Context, name string) (*environment.Environment, error) {
	var model EnvironmentModel
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %q", environment.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("getting environment %q: %w", name, err)
	}
	return toEnvironmentDomain(&model)
}

// List returns all environments ordered by name.
func (r *EnvironmentRepository) List(ctx context.Context) ([]*environment.Environment, error) {
	var models []EnvironmentModel
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing environments: %w", err)
	}

	envs := make([]*environment.Environment, 0, len(models))
	for i := range models {
		env, err := toEnvironmentDomain(&models[i])
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// Delete removes the environment row and its test records.
func (r *EnvironmentRepository) Delete(ctx context.Context, name string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("name = ?", name).Delete(&EnvironmentModel{})
		if res.Error != nil {
			return fmt.Errorf("deleting environment %q: %w", name, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %q", environment.ErrNotFound, name)
		}
		if err := tx.Where("environment_name = ?", name).Delete(&TestRecordModel{}).Error; err != nil {
			return fmt.Errorf("deleting test records for %q: %w", name, err)
		}
		return nil
	})
}

// TestRecordRepository implements environment.TestRecordStore on GORM.
// Append-only: no Update or Delete methods exist on this type.
type TestRecordRepository struct {
	db *gorm.DB
}

// NewTestRecordRepository creates a TestRecordRepository.
func NewTestRecordRepository(db *gorm.DB) *TestRecordRepository {
	return &TestRecordRepository{db: db}
}

// Append inserts one record and backfills its generated ID.
func (r *TestRecordRepository) Append(ctx context.Context, rec *environment.TestRecord) error {
	model := toTestRecordModel(rec)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("appending test record for %q: %w", rec.EnvironmentName, err)
	}
	rec.ID = model.ID
	return nil
}

// ListByEnvironment returns records for an environment, newest first.
// Limit defaults to 10.
func (r *TestRecordRepository) ListByEnvironment(ctx context.Context, name string, limit int) ([]environment.TestRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	var models []TestRecordModel
	err := r.db.WithContext(ctx).
		Where("environment_name = ?", name).
		Order("id DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing test records for %q: %w", name, err)
	}

	records := make([]environment.TestRecord, 0, len(models))
	for i := range models {
		rec, err := toTestRecordDomain(&models[i])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
