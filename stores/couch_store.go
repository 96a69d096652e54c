package stores

import (
	"context"
	"fmt"
	"net/http"
	"time"

	_ "github.com/go-kivik/couchdb/v3" // CouchDB driver
	"github.com/go-kivik/kivik/v3"
	"zaplink.io/zap/common/logging"
	cst "zaplink.io/zap/constants"
	pe "zaplink.io/zap/errors"
	md "zaplink.io/zap/models"
)

// maximum rounds of optimistic concurrency control on a single document before giving up
const maxOptLockAttempts = 64

// couchDoc is the CouchDB document layout of an artifact; the short id is the document id
type couchDoc struct {
	ShortID           string     `json:"_id"`
	Rev               string     `json:"_rev,omitempty"`
	ID                string     `json:"id"`
	DeletionTokenHash string     `json:"deletionTokenHash"`
	Kind              string     `json:"kind"`
	ContentRef        string     `json:"contentRef,omitempty"`
	Payload           string     `json:"payload,omitempty"`
	Name              string     `json:"name,omitempty"`
	FileName          string     `json:"fileName,omitempty"`
	ContentType       string     `json:"contentType,omitempty"`
	Size              int64      `json:"size,omitempty"`
	PasswordHash      string     `json:"passwordHash,omitempty"`
	QuizQuestion      string     `json:"quizQuestion,omitempty"`
	QuizAnswerHash    string     `json:"quizAnswerHash,omitempty"`
	UnlockAt          *time.Time `json:"unlockAt,omitempty"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
	// expiry in unix milliseconds for junk selection; mango orders strings bytewise, not by time
	ExpiresAtMillis *int64 `json:"expiresAtMillis,omitempty"`
	ViewLimit       *int64 `json:"viewLimit,omitempty"`
	ViewCount       int64  `json:"viewCount"`
	// Exhausted mirrors viewCount >= viewLimit so that the sweeper can select on it
	Exhausted bool      `json:"exhausted"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CouchStore is an ArtifactStore implementation backed by CouchDB. Conditional updates are
// compare-and-swap rounds on the document revision.
type CouchStore struct {
	Client *kivik.Client
	DB     *kivik.DB
}

// NewCouchStore connects to the CouchDB server at addr and creates the database if missing
func NewCouchStore(ctx context.Context, addr, dbName string) (*CouchStore, error) {
	client, err := kivik.New("couch", addr)
	if err != nil {
		return nil, err
	}
	exists, err := client.DBExists(ctx, dbName)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.CreateDB(ctx, dbName); err != nil && kivik.StatusCode(err) != http.StatusPreconditionFailed {
			return nil, err
		}
	}
	db := client.DB(ctx, dbName)
	if err := db.Err(); err != nil {
		return nil, err
	}
	return &CouchStore{Client: client, DB: db}, nil
}

func (s *CouchStore) Create(ctx context.Context, a *md.Artifact) *pe.Err {
	doc := toCouchDoc(a)
	if _, err := s.DB.Put(ctx, doc.ShortID, doc); err != nil {
		if kivik.StatusCode(err) == http.StatusConflict {
			return pe.NewExisted(errMsgExisted).WithCause(err)
		}
		logging.WithFuncName().WithField(cst.LogFieldShortID, a.ShortID).WithError(err).Error("error putting zap document")
		return pe.NewStorageUnavailable(errMsgStoreUnavailable).WithCause(err)
	}
	return nil
}

func (s *CouchStore) get(ctx context.Context, shortID string) (*couchDoc, *pe.Err) {
	doc := &couchDoc{}
	if err := s.DB.Get(ctx, shortID).ScanDoc(doc); err != nil {
		if kivik.StatusCode(err) == http.StatusNotFound {
			return nil, pe.NewNotFound(errMsgNotFound)
		}
		logging.WithFuncName().WithField(cst.LogFieldShortID, shortID).WithError(err).Error("error getting zap document")
		return nil, pe.NewStorageUnavailable(errMsgStoreUnavailable).WithCause(err)
	}
	return doc, nil
}

func (s *CouchStore) Get(ctx context.Context, shortID string) (*md.Artifact, *pe.Err) {
	doc, err := s.get(ctx, shortID)
	if err != nil {
		return nil, err
	}
	return doc.toArtifact(), nil
}

// ConsumeView reads the document, checks the limit and writes it back under the read revision. A
// conflicting write by a concurrent consumer makes the round start over, so no two consumers can both
// take the last view.
func (s *CouchStore) ConsumeView(ctx context.Context, shortID string) (*md.Artifact, *pe.Err) {
	clog := logging.WithFuncName().WithField(cst.LogFieldShortID, shortID)
	for i := 0; i < maxOptLockAttempts; i++ {
		doc, gerr := s.get(ctx, shortID)
		if gerr != nil {
			return nil, gerr
		}
		if doc.ViewLimit != nil && doc.ViewCount >= *doc.ViewLimit {
			return nil, pe.NewViewLimitReached(errMsgLimitReached)
		}
		doc.ViewCount++
		doc.Exhausted = doc.ViewLimit != nil && doc.ViewCount >= *doc.ViewLimit
		doc.UpdatedAt = time.Now().UTC()
		rev, err := s.DB.Put(ctx, shortID, doc)
		switch kivik.StatusCode(err) {
		case 0:
			doc.Rev = rev
			return doc.toArtifact(), nil
		case http.StatusConflict:
			clog.WithField("attempt", i).Debug("revision conflict consuming zap view; retrying")
			continue
		case http.StatusNotFound:
			return nil, pe.NewNotFound(errMsgNotFound)
		}
		clog.WithError(err).Error("error writing zap document")
		return nil, pe.NewStorageUnavailable(errMsgStoreUnavailable).WithCause(err)
	}
	return nil, pe.NewStorageUnavailable(fmt.Sprintf("gave up consuming view after %d conflicts", maxOptLockAttempts))
}

func (s *CouchStore) Delete(ctx context.Context, shortID string) *pe.Err {
	clog := logging.WithFuncName().WithField(cst.LogFieldShortID, shortID)
	for i := 0; i < maxOptLockAttempts; i++ {
		doc, gerr := s.get(ctx, shortID)
		if gerr != nil {
			if gerr.Code == pe.ErrCodeNotFound {
				return nil
			}
			return gerr
		}
		_, err := s.DB.Delete(ctx, shortID, doc.Rev)
		switch kivik.StatusCode(err) {
		case 0, http.StatusNotFound:
			return nil
		case http.StatusConflict:
			continue
		}
		clog.WithError(err).Error("error deleting zap document")
		return pe.NewStorageUnavailable(errMsgStoreUnavailable).WithCause(err)
	}
	return pe.NewStorageUnavailable(fmt.Sprintf("gave up deleting zap after %d conflicts", maxOptLockAttempts))
}

func (s *CouchStore) Junk(ctx context.Context, now time.Time, max int) ([]*md.Junk, *pe.Err) {
	if max < 0 {
		return nil, pe.NewBadInput(fmt.Sprintf("got negative max item count %d", max))
	}
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"$or": []interface{}{
				map[string]interface{}{"expiresAtMillis": map[string]interface{}{"$lt": now.UnixMilli()}},
				map[string]interface{}{"exhausted": true},
			},
		},
		"fields": []string{"_id", "contentRef"},
	}
	if max > 0 {
		query["limit"] = max
	}
	rows, err := s.DB.Find(ctx, query)
	if err != nil {
		logging.WithFuncName().WithError(err).Error("error querying junk zaps")
		return nil, pe.NewStorageUnavailable("error loading junk zaps").WithCause(err)
	}
	defer rows.Close()
	jks := []*md.Junk{}
	for rows.Next() {
		var doc couchDoc
		if err := rows.ScanDoc(&doc); err != nil {
			return nil, pe.NewServiceFailure("error decoding junk zap").WithCause(err)
		}
		jks = append(jks, &md.Junk{ShortID: doc.ShortID, ContentRef: doc.ContentRef})
	}
	if err := rows.Err(); err != nil {
		return nil, pe.NewStorageUnavailable("error loading junk zaps").WithCause(err)
	}
	return jks, nil
}

func (s *CouchStore) Close() *pe.Err {
	if err := s.Client.Close(context.Background()); err != nil {
		return pe.NewServiceFailure("failed closing couchdb client").WithCause(err)
	}
	return nil
}

func unixMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func toCouchDoc(a *md.Artifact) *couchDoc {
	return &couchDoc{
		ShortID:           a.ShortID,
		ID:                a.ID,
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
		ExpiresAtMillis:   unixMillis(a.ExpiresAt),
		ViewLimit:         a.ViewLimit,
		ViewCount:         a.ViewCount,
		Exhausted:         a.Exhausted(),
		CreatedAt:         a.CreatedAt.UTC(),
		UpdatedAt:         a.UpdatedAt.UTC(),
	}
}

func (d *couchDoc) toArtifact() *md.Artifact {
	return &md.Artifact{
		ID:                d.ID,
		ShortID:           d.ShortID,
		DeletionTokenHash: d.DeletionTokenHash,
		Kind:              md.ContentKind(d.Kind),
		ContentRef:        d.ContentRef,
		Payload:           d.Payload,
		Name:              d.Name,
		FileName:          d.FileName,
		ContentType:       d.ContentType,
		Size:              d.Size,
		PasswordHash:      d.PasswordHash,
		QuizQuestion:      d.QuizQuestion,
		QuizAnswerHash:    d.QuizAnswerHash,
		UnlockAt:          d.UnlockAt,
		ExpiresAt:         d.ExpiresAt,
		ViewLimit:         d.ViewLimit,
		ViewCount:         d.ViewCount,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}
