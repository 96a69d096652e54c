package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/segmentio/ksuid"
	"zaplink.io/zap/common/logging"
	cst "zaplink.io/zap/constants"
	pe "zaplink.io/zap/errors"
	md "zaplink.io/zap/models"
	"zaplink.io/zap/secret"
	st "zaplink.io/zap/stores"
)

var imageDataURL = regexp.MustCompile(`^data:(image/[a-zA-Z0-9.+-]+);base64,(.+)$`)

// CreateRequest carries the content and gating options of a new zap. Exactly one content source must be
// set.
type CreateRequest struct {
	// Kind is optional; it is inferred from the content source when empty
	Kind         md.ContentKind
	Name         string
	OriginalURL  string
	TextContent  string
	DocumentText string
	ImageData    string
	File         io.Reader
	FileName     string
	ContentType  string

	Password          string
	QuizQuestion      string
	QuizAnswer        string
	ViewLimit         *int64
	ExpiresAt         *time.Time
	DelayedAccessSecs int64
}

// Created is what the creator of a zap gets back; the deletion token is never shown again
type Created struct {
	ID               string         `json:"id"`
	ShortID          string         `json:"shortId"`
	ShortURL         string         `json:"shortUrl"`
	DeletionToken    string         `json:"deletionToken"`
	Kind             md.ContentKind `json:"type"`
	Name             string         `json:"name"`
	HasQuiz          bool           `json:"hasQuizProtection"`
	HasDelayedAccess bool           `json:"hasDelayedAccess"`
	UnlockAt         *time.Time     `json:"unlockAt,omitempty"`
	ExpiresAt        *time.Time     `json:"expiresAt,omitempty"`
	ViewLimit        *int64         `json:"viewLimit,omitempty"`
}

// ShortURL is the public link resolving the zap
func (s *Service) ShortURL(shortID string) string {
	return s.PublicURL + "/api/zaps/" + shortID
}

// Create validates the request, protects the content and persists a new zap under a fresh short id
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*Created, *pe.Err) {
	clog := logging.WithFuncName()
	now := s.Now().UTC()
	kind, err := s.validate(req, now)
	if err != nil {
		return nil, err
	}
	a := &md.Artifact{
		ID:        ksuid.New().String(),
		Kind:      kind,
		Name:      req.Name,
		ViewLimit: req.ViewLimit,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.ExpiresAt != nil {
		exp := req.ExpiresAt.UTC()
		a.ExpiresAt = &exp
	}
	if req.DelayedAccessSecs > 0 {
		unlock := now.Add(time.Duration(req.DelayedAccessSecs) * time.Second)
		a.UnlockAt = &unlock
	}

	token, terr := secret.NewToken()
	if terr != nil {
		return nil, pe.NewServiceFailure("error generating deletion token").WithCause(terr)
	}
	a.DeletionTokenHash = secret.HashToken(token)
	if req.Password != "" {
		hash, herr := secret.HashPassword(req.Password, s.BcryptCost)
		if herr != nil {
			return nil, pe.NewServiceFailure("error hashing password").WithCause(herr)
		}
		a.PasswordHash = hash
	}
	if req.QuizQuestion != "" {
		a.QuizQuestion = req.QuizQuestion
		a.QuizAnswerHash = secret.HashQuizAnswer(req.QuizAnswer)
	}

	if err := s.fillContent(ctx, a, req); err != nil {
		return nil, err
	}
	if err := s.persist(ctx, a); err != nil {
		s.discardContent(ctx, a)
		return nil, err
	}
	s.Metrics.IncCreated(string(a.Kind))
	clog.WithField(cst.LogFieldShortID, a.ShortID).WithField("kind", a.Kind).Info("zap created")
	return &Created{
		ID:               a.ID,
		ShortID:          a.ShortID,
		ShortURL:         s.ShortURL(a.ShortID),
		DeletionToken:    token,
		Kind:             a.Kind,
		Name:             a.Name,
		HasQuiz:          a.HasQuiz(),
		HasDelayedAccess: a.UnlockAt != nil,
		UnlockAt:         a.UnlockAt,
		ExpiresAt:        a.ExpiresAt,
		ViewLimit:        a.ViewLimit,
	}, nil
}

// persist creates the zap under a fresh short id; a collision only costs another draw
func (s *Service) persist(ctx context.Context, a *md.Artifact) *pe.Err {
	clog := logging.WithFuncName()
	for i := 1; ; i++ {
		shortID, err := secret.NewShortID(cst.ShortIDLength)
		if err != nil {
			return pe.NewServiceFailure("error generating short id").WithCause(err)
		}
		a.ShortID = shortID
		if i == 1 {
			if verr := a.Check(); verr != nil {
				return pe.NewInvariantViolation("new zap violates its invariants").WithCause(verr)
			}
		}
		perr := s.Store.Create(ctx, a)
		switch {
		case perr == nil:
			return nil
		case perr.Code != pe.ErrCodeExisted:
			clog.WithError(perr).Error("error persisting zap")
			return perr
		case i >= cst.ShortIDMaxGenAttempts:
			return pe.NewServiceFailure("failed allocating a unique short id").WithCause(perr)
		}
		clog.WithField(cst.LogFieldShortID, shortID).Debug("short id collision; drawing again")
	}
}

// fillContent stores the zap's content inline or in the file store
func (s *Service) fillContent(ctx context.Context, a *md.Artifact, req *CreateRequest) *pe.Err {
	switch a.Kind {
	case md.KindRedirectURL:
		a.Payload = req.OriginalURL
		a.Size = int64(len(req.OriginalURL))
	case md.KindText, md.KindDocumentText:
		plain := req.TextContent
		if a.Kind == md.KindDocumentText {
			plain = req.DocumentText
		}
		ct, err := s.Cipher.Encrypt(plain)
		if err != nil {
			return pe.NewServiceFailure("error encrypting content").WithCause(err)
		}
		a.Payload = ct
		a.Size = int64(len(plain))
		a.ContentType = "text/plain; charset=utf-8"
	case md.KindImage:
		m := imageDataURL.FindStringSubmatch(req.ImageData)
		a.Payload = req.ImageData
		a.ContentType = m[1]
		a.Size = int64(base64.StdEncoding.DecodedLen(len(m[2])))
	case md.KindFile:
		a.FileName = st.SafeFilename(req.FileName)
		a.ContentType = req.ContentType
		if a.ContentType == "" {
			a.ContentType = "application/octet-stream"
		}
		if a.Name == "" {
			a.Name = a.FileName
		}
		a.ContentRef = s.Files.Ref(a.ID, a.FileName)
		n, err := s.Files.Save(ctx, a.ContentRef, req.File)
		if err != nil {
			return err
		}
		a.Size = n
	}
	return nil
}

// discardContent removes content saved for a zap that never got persisted
func (s *Service) discardContent(ctx context.Context, a *md.Artifact) {
	if a.ContentRef == "" {
		return
	}
	if err := s.Files.Delete(ctx, a.ContentRef); err != nil {
		logging.WithFuncName().WithField("ref", a.ContentRef).WithError(err).Warn("error discarding orphaned content")
	}
}

func tooLong(field string, max int) *pe.Err {
	return pe.NewValidationFailed(field, fmt.Sprintf("%s must be at most %d characters", field, max))
}

// uploadKinds are the types clients tag uploads with; all of them are stored and served as files
var uploadKinds = map[md.ContentKind]struct{}{
	"pdf":               {},
	md.KindImage:        {},
	"video":             {},
	"audio":             {},
	"archive":           {},
	"presentation":      {},
	md.KindDocumentText: {},
	md.KindFile:         {},
}

// validate checks the request against the creation limits and returns the kind of the new zap
func (s *Service) validate(req *CreateRequest, now time.Time) (md.ContentKind, *pe.Err) {
	sources := map[md.ContentKind]bool{
		md.KindRedirectURL:  req.OriginalURL != "",
		md.KindText:         req.TextContent != "",
		md.KindDocumentText: req.DocumentText != "",
		md.KindImage:        req.ImageData != "",
		md.KindFile:         req.File != nil,
	}
	var kind md.ContentKind
	count := 0
	for k, present := range sources {
		if present {
			kind = k
			count++
		}
	}
	if count != 1 {
		return "", pe.NewValidationFailed("content", "exactly one content source is required")
	}
	if req.Kind != "" && req.Kind != kind {
		if _, upload := uploadKinds[req.Kind]; !upload || kind != md.KindFile {
			return "", pe.NewValidationFailed("type", fmt.Sprintf("type %q does not match the content provided", req.Kind))
		}
	}

	if utf8.RuneCountInString(req.Name) > cst.NameMaxChars {
		return "", tooLong("name", cst.NameMaxChars)
	}
	switch kind {
	case md.KindRedirectURL:
		if len(req.OriginalURL) > cst.URLMaxChars {
			return "", tooLong("originalUrl", cst.URLMaxChars)
		}
		u, err := url.Parse(req.OriginalURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", pe.NewValidationFailed("originalUrl", "originalUrl must be an absolute http or https url")
		}
	case md.KindText:
		if utf8.RuneCountInString(req.TextContent) > s.Limits.TextMaxChars {
			return "", tooLong("textContent", s.Limits.TextMaxChars)
		}
	case md.KindDocumentText:
		if utf8.RuneCountInString(req.DocumentText) > s.Limits.TextMaxChars {
			return "", tooLong("documentText", s.Limits.TextMaxChars)
		}
	case md.KindImage:
		m := imageDataURL.FindStringSubmatch(req.ImageData)
		if m == nil {
			return "", pe.NewValidationFailed("imageData", "imageData must be a base64 image data url")
		}
		raw, err := base64.StdEncoding.DecodeString(m[2])
		if err != nil {
			return "", pe.NewValidationFailed("imageData", "imageData is not valid base64")
		}
		if int64(len(raw)) > s.Limits.ImageMaxBytes {
			return "", pe.NewOversized(fmt.Sprintf("image exceeds %d bytes", s.Limits.ImageMaxBytes))
		}
	case md.KindFile:
		if strings.TrimSpace(req.FileName) == "" {
			return "", pe.NewValidationFailed("file", "uploaded file must have a name")
		}
	}

	if utf8.RuneCountInString(req.Password) > cst.PasswdMaxChars {
		return "", tooLong("password", cst.PasswdMaxChars)
	}
	if (req.QuizQuestion == "") != (req.QuizAnswer == "") {
		return "", pe.NewValidationFailed("quizQuestion", "quiz question and answer must be provided together")
	}
	if utf8.RuneCountInString(req.QuizQuestion) > cst.QuizFieldMaxChars {
		return "", tooLong("quizQuestion", cst.QuizFieldMaxChars)
	}
	if utf8.RuneCountInString(req.QuizAnswer) > cst.QuizFieldMaxChars {
		return "", tooLong("quizAnswer", cst.QuizFieldMaxChars)
	}
	if req.ViewLimit != nil && (*req.ViewLimit < 1 || *req.ViewLimit > cst.ViewLimitMax) {
		return "", pe.NewValidationFailed("viewLimit", fmt.Sprintf("viewLimit must be between 1 and %d", cst.ViewLimitMax))
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return "", pe.NewValidationFailed("expiresAt", "expiresAt must be in the future")
	}
	if req.DelayedAccessSecs < 0 || req.DelayedAccessSecs > cst.DelayedAccessMaxSecs {
		return "", pe.NewValidationFailed("delayedAccessTime",
			fmt.Sprintf("delayedAccessTime must be between 1 and %d seconds", cst.DelayedAccessMaxSecs))
	}
	return kind, nil
}
