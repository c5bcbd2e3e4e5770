// Package store persists Runs and Automations so the engine survives a
// restart (spec §3, §C.1 run-resume): a Store capability interface plus a
// concrete GORM/SQLite adapter.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nikstep/browseragent/internal/model"
)

var ErrNotFound = errors.New("store: not found")

// Store is the persistence capability the Session Supervisor depends on:
// fetch and update Runs, fetch and save Automations, both scoped to a user.
type Store interface {
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, userID, runID string) (*model.Run, error)
	UpdateRun(ctx context.Context, run *model.Run) error
	ListRuns(ctx context.Context, userID string) ([]*model.Run, error)

	SaveAutomation(ctx context.Context, automation *model.Automation) error
	GetAutomation(ctx context.Context, userID, automationID string) (*model.Automation, error)
	ListAutomations(ctx context.Context, userID string) ([]*model.Automation, error)
}

// GormStore is the SQLite-backed default adapter.
type GormStore struct {
	db *gorm.DB
}

// Open connects to a SQLite database at dsn and migrates the row models.
func Open(dsn string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.AutoMigrate(&runRow{}, &automationRow{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

type runRow struct {
	ID          string `gorm:"primaryKey"`
	UserID      string `gorm:"index"`
	Objective   string
	Status      string
	StepsJSON   string // {"steps":[...],"finalAnswer":""} per spec §6
	FailReason  string
	TraceJSON   string
	StartedAt   time.Time
	CompletedAt time.Time
}

// stepsPayload is the §6 wire/storage shape for a Run's step history: a
// single JSON object carrying both the step list and the final answer,
// rather than two independent columns.
type stepsPayload struct {
	Steps       []model.Step `json:"steps"`
	FinalAnswer string       `json:"finalAnswer"`
}

func (runRow) TableName() string { return "runs" }

type automationRow struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"index"`
	Name      string
	Objective string
	TraceJSON string
}

func (automationRow) TableName() string { return "automations" }

func (s *GormStore) CreateRun(ctx context.Context, run *model.Run) error {
	row, err := toRunRow(run)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("store: create run: %w", err)
	}
	return nil
}

func (s *GormStore) GetRun(ctx context.Context, userID, runID string) (*model.Run, error) {
	var row runRow
	if err := s.db.WithContext(ctx).First(&row, "id = ? AND user_id = ?", runID, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get run: %w", err)
	}
	return fromRunRow(&row)
}

func (s *GormStore) UpdateRun(ctx context.Context, run *model.Run) error {
	row, err := toRunRow(run)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return fmt.Errorf("store: update run: %w", err)
	}
	return nil
}

func (s *GormStore) ListRuns(ctx context.Context, userID string) ([]*model.Run, error) {
	var rows []runRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	runs := make([]*model.Run, 0, len(rows))
	for i := range rows {
		run, err := fromRunRow(&rows[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *GormStore) SaveAutomation(ctx context.Context, automation *model.Automation) error {
	row, err := toAutomationRow(automation)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return fmt.Errorf("store: save automation: %w", err)
	}
	return nil
}

func (s *GormStore) GetAutomation(ctx context.Context, userID, automationID string) (*model.Automation, error) {
	var row automationRow
	if err := s.db.WithContext(ctx).First(&row, "id = ? AND user_id = ?", automationID, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get automation: %w", err)
	}
	return fromAutomationRow(&row)
}

func (s *GormStore) ListAutomations(ctx context.Context, userID string) ([]*model.Automation, error) {
	var rows []automationRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list automations: %w", err)
	}
	automations := make([]*model.Automation, 0, len(rows))
	for i := range rows {
		automation, err := fromAutomationRow(&rows[i])
		if err != nil {
			return nil, err
		}
		automations = append(automations, automation)
	}
	return automations, nil
}

func toRunRow(run *model.Run) (*runRow, error) {
	steps, err := json.Marshal(stepsPayload{Steps: run.Steps, FinalAnswer: run.FinalAnswer})
	if err != nil {
		return nil, fmt.Errorf("store: marshal steps: %w", err)
	}
	trace, err := json.Marshal(run.Trace)
	if err != nil {
		return nil, fmt.Errorf("store: marshal trace: %w", err)
	}
	return &runRow{
		ID:          run.ID,
		UserID:      run.UserID,
		Objective:   run.Objective,
		Status:      string(run.Status),
		StepsJSON:   string(steps),
		FailReason:  run.FailReason,
		TraceJSON:   string(trace),
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}, nil
}

func fromRunRow(row *runRow) (*model.Run, error) {
	var payload stepsPayload
	if row.StepsJSON != "" {
		if err := json.Unmarshal([]byte(row.StepsJSON), &payload); err != nil {
			return nil, fmt.Errorf("store: unmarshal steps: %w", err)
		}
	}
	var trace model.Trace
	if row.TraceJSON != "" {
		if err := json.Unmarshal([]byte(row.TraceJSON), &trace); err != nil {
			return nil, fmt.Errorf("store: unmarshal trace: %w", err)
		}
	}
	return &model.Run{
		ID:          row.ID,
		UserID:      row.UserID,
		Objective:   row.Objective,
		Status:      model.RunStatus(row.Status),
		Steps:       payload.Steps,
		FinalAnswer: payload.FinalAnswer,
		FailReason:  row.FailReason,
		Trace:       trace,
		StartedAt:   row.StartedAt,
		CompletedAt: row.CompletedAt,
	}, nil
}

func toAutomationRow(a *model.Automation) (*automationRow, error) {
	trace, err := json.Marshal(a.Trace)
	if err != nil {
		return nil, fmt.Errorf("store: marshal trace: %w", err)
	}
	return &automationRow{
		ID:        a.ID,
		UserID:    a.UserID,
		Name:      a.Name,
		Objective: a.Objective,
		TraceJSON: string(trace),
	}, nil
}

func fromAutomationRow(row *automationRow) (*model.Automation, error) {
	var trace model.Trace
	if row.TraceJSON != "" {
		if err := json.Unmarshal([]byte(row.TraceJSON), &trace); err != nil {
			return nil, fmt.Errorf("store: unmarshal trace: %w", err)
		}
	}
	return &model.Automation{
		ID:        row.ID,
		UserID:    row.UserID,
		Name:      row.Name,
		Objective: row.Objective,
		Trace:     trace,
	}, nil
}
