package sessionstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/grovetools/tabrelay/errors"
	"github.com/grovetools/tabrelay/logging"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// DefaultExpiry is used when no expiry is configured.
const DefaultExpiry = 24 * time.Hour

// Store is the durable relay session table. It is the only component that
// touches the database; everything else goes through these methods.
type Store struct {
	db     *gorm.DB
	expiry time.Duration
	now    func() time.Time
	logger *logrus.Entry
}

// Option configures a Store.
type Option func(*Store)

// WithExpiry sets how long an orphaned record survives unclaimed.
func WithExpiry(d time.Duration) Option {
	return func(s *Store) { s.expiry = d }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Entry) Option {
	return func(s *Store) { s.logger = logger }
}

// Open opens (creating if needed) the sqlite database at path and migrates
// the session table. Several processes may open the same file; the busy
// timeout serializes their writes.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create session db directory: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open session db: %w", err)
	}

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate session db: %w", err)
	}

	s := &Store{
		db:     db,
		expiry: DefaultExpiry,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.NewLogger("sessionstore")
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

// SaveSession records sessionKey as active and owned by ownerPID, creating or
// overwriting the record.
func (s *Store) SaveSession(sessionKey, label, fingerprint string, ownerPID int) error {
	now := s.timestamp()
	rec := Record{
		SessionKey:     sessionKey,
		Label:          label,
		Fingerprint:    fingerprint,
		OwnerPID:       ownerPID,
		State:          StateActive,
		LastActivityAt: now,
	}

	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"label", "fingerprint", "owner_pid", "state", "last_activity_at", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", sessionKey, err)
	}

	s.logger.WithFields(logrus.Fields{"session": sessionKey, "pid": ownerPID, "label": label}).Debug("Session saved")
	return nil
}

// MarkOrphaned moves a live record to orphaned. Marking an already orphaned
// record is a no-op.
func (s *Store) MarkOrphaned(sessionKey string) error {
	res := s.db.Model(&Record{}).
		Where("session_key = ? AND state IN ?", sessionKey, []State{StateActive, StateRecovered}).
		Updates(map[string]interface{}{"state": StateOrphaned, "last_activity_at": s.timestamp()})
	if res.Error != nil {
		return fmt.Errorf("failed to orphan session %s: %w", sessionKey, res.Error)
	}
	if res.RowsAffected == 0 {
		rec, err := s.Get(sessionKey)
		if err != nil {
			return err
		}
		if rec == nil {
			return errors.SessionNotFound(sessionKey)
		}
		return nil
	}

	s.logger.WithField("session", sessionKey).Info("Session orphaned")
	return nil
}

// FindOrphanedSession returns the most recently active orphaned record whose
// fingerprint equals fingerprint exactly, or nil.
func (s *Store) FindOrphanedSession(fingerprint string) (*Record, error) {
	if fingerprint == "" {
		return nil, nil
	}

	var recs []Record
	err := s.db.
		Where("fingerprint = ? AND state = ?", fingerprint, StateOrphaned).
		Order("last_activity_at DESC").
		Limit(1).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query orphaned sessions: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

// RecoverSession hands an orphaned record to newPID. It fails with
// SESSION_NOT_FOUND if the record is missing or not orphaned.
func (s *Store) RecoverSession(sessionKey string, newPID int) error {
	res := s.db.Model(&Record{}).
		Where("session_key = ? AND state = ?", sessionKey, StateOrphaned).
		Updates(map[string]interface{}{
			"state":            StateRecovered,
			"owner_pid":        newPID,
			"last_activity_at": s.timestamp(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to recover session %s: %w", sessionKey, res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.SessionNotFound(sessionKey).WithDetail("state", "not orphaned")
	}

	s.logger.WithFields(logrus.Fields{"session": sessionKey, "pid": newPID}).Info("Session recovered")
	return nil
}

// Touch refreshes a record's activity timestamp.
func (s *Store) Touch(sessionKey string) error {
	return s.db.Model(&Record{}).
		Where("session_key = ?", sessionKey).
		Update("last_activity_at", s.timestamp()).Error
}

// ExpireStaleSessions deletes orphaned records idle past the expiry bound and
// returns how many were removed.
func (s *Store) ExpireStaleSessions() (int, error) {
	cutoff := s.timestamp().Add(-s.expiry)
	res := s.db.
		Where("state = ? AND last_activity_at < ?", StateOrphaned, cutoff).
		Delete(&Record{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to expire sessions: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.WithField("count", res.RowsAffected).Info("Expired stale sessions")
	}
	return int(res.RowsAffected), nil
}

// ReconcileDeadOwners orphans every live record whose owner process is gone.
// A freshly elected primary runs it so that identities held by relays which
// died alongside the previous primary become recoverable.
func (s *Store) ReconcileDeadOwners(alive func(pid int) bool) (int, error) {
	var live []Record
	if err := s.db.Where("state IN ?", []State{StateActive, StateRecovered}).Find(&live).Error; err != nil {
		return 0, fmt.Errorf("failed to list live sessions: %w", err)
	}

	n := 0
	for _, rec := range live {
		if alive(rec.OwnerPID) {
			continue
		}
		if err := s.MarkOrphaned(rec.SessionKey); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Get returns the record for sessionKey, or nil.
func (s *Store) Get(sessionKey string) (*Record, error) {
	var recs []Record
	if err := s.db.Where("session_key = ?", sessionKey).Limit(1).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionKey, err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

// List returns every record, most recently active first.
func (s *Store) List() ([]Record, error) {
	var recs []Record
	if err := s.db.Order("last_activity_at DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return recs, nil
}
