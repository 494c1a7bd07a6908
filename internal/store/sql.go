package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// sessionRow is the sqlite form of Record.
type sessionRow struct {
	SessionID               string `gorm:"primaryKey"`
	SessionAlias            string `gorm:"index"`
	TemplateID              string
	WorkspaceServiceEnabled bool
	WorkspaceServicePort    *int
	CreatedAt               time.Time `gorm:"autoCreateTime:false"`
	TerminatedAt            *time.Time
	TerminationReason       string
	HistoryRef              string
	Command                 string
	WorkingDir              string
	Cols                    uint16
	Rows                    uint16
	ExitCode                *int
	HistoryEnd              uint64
}

func (sessionRow) TableName() string { return "terminated_sessions" }

type historyRow struct {
	SessionID string `gorm:"primaryKey"`
	Data      []byte
}

func (historyRow) TableName() string { return "session_histories" }

func rowFromRecord(r Record) sessionRow {
	return sessionRow{
		SessionID:               r.SessionID,
		SessionAlias:            r.SessionAlias,
		TemplateID:              r.TemplateID,
		WorkspaceServiceEnabled: r.WorkspaceServiceEnabledForSession,
		WorkspaceServicePort:    r.WorkspaceServicePort,
		CreatedAt:               r.CreatedAt,
		TerminatedAt:            r.TerminatedAt,
		TerminationReason:       r.TerminationReason,
		HistoryRef:              r.HistoryRef,
		Command:                 r.Command,
		WorkingDir:              r.WorkingDir,
		Cols:                    r.Cols,
		Rows:                    r.Rows,
		ExitCode:                r.ExitCode,
		HistoryEnd:              r.HistoryEnd,
	}
}

func (row sessionRow) record() Record {
	return Record{
		SessionID:                         row.SessionID,
		SessionAlias:                      row.SessionAlias,
		TemplateID:                        row.TemplateID,
		WorkspaceServiceEnabledForSession: row.WorkspaceServiceEnabled,
		WorkspaceServicePort:              row.WorkspaceServicePort,
		CreatedAt:                         row.CreatedAt,
		TerminatedAt:                      row.TerminatedAt,
		TerminationReason:                 row.TerminationReason,
		HistoryRef:                        row.HistoryRef,
		Command:                           row.Command,
		WorkingDir:                        row.WorkingDir,
		Cols:                              row.Cols,
		Rows:                              row.Rows,
		ExitCode:                          row.ExitCode,
		HistoryEnd:                        row.HistoryEnd,
	}
}

// SQLStore keeps records in a sqlite database.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQLStore opens (creating if needed) the database at path. Use
// ":memory:" for an ephemeral store.
func OpenSQLStore(path string) (*SQLStore, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		sqlDB.SetMaxOpenConns(1)
	} else if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&sessionRow{}, &historyRow{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Save(ctx context.Context, rec Record, history []byte) (Record, error) {
	if err := rec.Validate(); err != nil {
		return rec, fmt.Errorf("refusing to save session record: %w", err)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if history != nil {
			blob, err := compress(history)
			if err != nil {
				return err
			}
			h := historyRow{SessionID: rec.SessionID, Data: blob}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&h).Error; err != nil {
				return fmt.Errorf("save history: %w", err)
			}
			rec.HistoryRef = "sqlite:" + rec.SessionID
		}
		row := rowFromRecord(rec)
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return fmt.Errorf("save session record: %w", err)
		}
		return nil
	})
	return rec, err
}

func (s *SQLStore) Load(ctx context.Context, sessionID string) (Record, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load session record: %w", err)
	}
	rec := row.record()
	if err := rec.Validate(); err != nil {
		return Record{}, &CorruptRecordError{Source: "sqlite:" + sessionID, Err: err}
	}
	return rec, nil
}

func (s *SQLStore) LoadAll(ctx context.Context) ([]Record, []error) {
	var rows []sessionRow
	if err := s.db.WithContext(ctx).Order("created_at").Find(&rows).Error; err != nil {
		return nil, []error{fmt.Errorf("list session records: %w", err)}
	}
	records := make([]Record, 0, len(rows))
	var errs []error
	for _, row := range rows {
		rec := row.record()
		if err := rec.Validate(); err != nil {
			errs = append(errs, &CorruptRecordError{Source: "sqlite:" + row.SessionID, Err: err})
			continue
		}
		records = append(records, rec)
	}
	return records, errs
}

func (s *SQLStore) LoadHistory(ctx context.Context, rec Record) ([]byte, error) {
	if rec.HistoryRef == "" {
		return nil, nil
	}
	var h historyRow
	err := s.db.WithContext(ctx).Where("session_id = ?", rec.SessionID).First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return decompress(h.Data)
}

func (s *SQLStore) Delete(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&historyRow{}).Error; err != nil {
			return err
		}
		return tx.Where("session_id = ?", sessionID).Delete(&sessionRow{}).Error
	})
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
