package stores

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"zaplink.io/zap/common/logging"
	cst "zaplink.io/zap/constants"
	pe "zaplink.io/zap/errors"
	md "zaplink.io/zap/models"
)

// artifactRecord is the relational row layout of an artifact
type artifactRecord struct {
	ID                string `gorm:"primaryKey;size:32"`
	ShortID           string `gorm:"uniqueIndex;size:64;not null"`
	DeletionTokenHash string `gorm:"size:64;not null"`
	Kind              string `gorm:"size:16;not null"`
	ContentRef        string
	Payload           string
	Name              string `gorm:"size:255"`
	FileName          string `gorm:"size:255"`
	ContentType       string `gorm:"size:255"`
	Size              int64
	PasswordHash      string
	QuizQuestion      string `gorm:"size:500"`
	QuizAnswerHash    string
	UnlockAt          *time.Time
	ExpiresAt         *time.Time `gorm:"index"`
	ViewLimit         *int64
	ViewCount         int64 `gorm:"not null;default:0"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (artifactRecord) TableName() string {
	return "artifacts"
}

// SQLStore is an ArtifactStore implementation backed by a relational database through gorm.
type SQLStore struct {
	DB *gorm.DB
}

var (
	errNoRow        = errors.New("no row")
	errLimitReached = errors.New("view limit reached")
)

// OpenSQLite opens the sqlite database at dsn and migrates the artifact table
func OpenSQLite(dsn string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite serialises writers anyway; a single connection turns lock contention into queueing
	sqlDB.SetMaxOpenConns(1)
	return NewSQLStore(db)
}

// NewSQLStore wraps an opened gorm handle and migrates the artifact table
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&artifactRecord{}); err != nil {
		return nil, err
	}
	return &SQLStore{DB: db}, nil
}

func (s *SQLStore) Create(ctx context.Context, a *md.Artifact) *pe.Err {
	clog := logging.WithFuncName().WithField(cst.LogFieldShortID, a.ShortID)
	rec := toRecord(a)
	if err := s.DB.WithContext(ctx).Create(rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return pe.NewExisted(errMsgExisted).WithCause(err)
		}
		clog.WithError(err).Error("error inserting zap row")
		return pe.NewStorageUnavailable(errMsgStoreUnavailable).WithCause(err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, shortID string) (*md.Artifact, *pe.Err) {
	var rec artifactRecord
	err := s.DB.WithContext(ctx).Where("short_id = ?", shortID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pe.NewNotFound(errMsgNotFound)
	}
	if err != nil {
		logging.WithFuncName().WithField(cst.LogFieldShortID, shortID).WithError(err).Error("error reading zap row")
		return nil, pe.NewStorageUnavailable(errMsgStoreUnavailable).WithCause(err)
	}
	return rec.toArtifact(), nil
}

// ConsumeView runs the conditional increment and the read back in one transaction, so the returned row
// carries exactly the count this call produced.
func (s *SQLStore) ConsumeView(ctx context.Context, shortID string) (*md.Artifact, *pe.Err) {
	var rec artifactRecord
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&artifactRecord{}).
			Where("short_id = ? AND (view_limit IS NULL OR view_count < view_limit)", shortID).
			UpdateColumns(map[string]interface{}{
				"view_count": gorm.Expr("view_count + ?", 1),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&artifactRecord{}).Where("short_id = ?", shortID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return errNoRow
			}
			return errLimitReached
		}
		return tx.Where("short_id = ?", shortID).Take(&rec).Error
	})
	switch {
	case err == nil:
		return rec.toArtifact(), nil
	case errors.Is(err, errNoRow):
		return nil, pe.NewNotFound(errMsgNotFound)
	case errors.Is(err, errLimitReached):
		return nil, pe.NewViewLimitReached(errMsgLimitReached)
	}
	logging.WithFuncName().WithField(cst.LogFieldShortID, shortID).WithError(err).Error("error consuming zap view")
	return nil, pe.NewStorageUnavailable(errMsgStoreUnavailable).WithCause(err)
}

func (s *SQLStore) Delete(ctx context.Context, shortID string) *pe.Err {
	// deleting zero rows is not an error
	if err := s.DB.WithContext(ctx).Where("short_id = ?", shortID).Delete(&artifactRecord{}).Error; err != nil {
		logging.WithFuncName().WithField(cst.LogFieldShortID, shortID).WithError(err).Error("error deleting zap row")
		return pe.NewStorageUnavailable(errMsgStoreUnavailable).WithCause(err)
	}
	return nil
}

func (s *SQLStore) Junk(ctx context.Context, now time.Time, max int) ([]*md.Junk, *pe.Err) {
	if max < 0 {
		return nil, pe.NewBadInput(fmt.Sprintf("got negative max item count %d", max))
	}
	q := s.DB.WithContext(ctx).Model(&artifactRecord{}).
		Select("short_id", "content_ref").
		Where("expires_at < ? OR (view_limit IS NOT NULL AND view_count >= view_limit)", now.UTC()).
		Order("short_id")
	if max > 0 {
		q = q.Limit(max)
	}
	var recs []artifactRecord
	if err := q.Find(&recs).Error; err != nil {
		logging.WithFuncName().WithError(err).Error("error querying junk zaps")
		return nil, pe.NewStorageUnavailable("error loading junk zaps").WithCause(err)
	}
	jks := make([]*md.Junk, len(recs))
	for i, r := range recs {
		jks[i] = &md.Junk{ShortID: r.ShortID, ContentRef: r.ContentRef}
	}
	return jks, nil
}

func (s *SQLStore) Close() *pe.Err {
	sqlDB, err := s.DB.DB()
	if err == nil {
		err = sqlDB.Close()
	}
	if err != nil {
		return pe.NewServiceFailure("failed closing database").WithCause(err)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// timestamps are kept in UTC so that their textual form in sqlite compares chronologically
func toRecord(a *md.Artifact) *artifactRecord {
	return &artifactRecord{
		ID:                a.ID,
		ShortID:           a.ShortID,
		DeletionTokenHash: a.DeletionTokenHash,
		Kind:              string(a.Kind),
		ContentRef:        a.ContentRef,
		Payload:           a.Payload,
		Name:              a.Name,
		FileName:          a.FileName,
		ContentType:       a.ContentType,
		Size:              a.Size,
		PasswordHash:      a.PasswordHash,
		QuizQuestion:      a.QuizQuestion,
		QuizAnswerHash:    a.QuizAnswerHash,
		UnlockAt:          utcPtr(a.UnlockAt),
		ExpiresAt:         utcPtr(a.ExpiresAt),
		ViewLimit:         a.ViewLimit,
		ViewCount:         a.ViewCount,
		CreatedAt:         a.CreatedAt.UTC(),
		UpdatedAt:         a.UpdatedAt.UTC(),
	}
}

func (r *artifactRecord) toArtifact() *md.Artifact {
	return &md.Artifact{
		ID:                r.ID,
		ShortID:           r.ShortID,
		DeletionTokenHash: r.DeletionTokenHash,
		Kind:              md.ContentKind(r.Kind),
		ContentRef:        r.ContentRef,
		Payload:           r.Payload,
		Name:              r.Name,
		FileName:          r.FileName,
		ContentType:       r.ContentType,
		Size:              r.Size,
		PasswordHash:      r.PasswordHash,
		QuizQuestion:      r.QuizQuestion,
		QuizAnswerHash:    r.QuizAnswerHash,
		UnlockAt:          r.UnlockAt,
		ExpiresAt:         r.ExpiresAt,
		ViewLimit:         r.ViewLimit,
		ViewCount:         r.ViewCount,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}
