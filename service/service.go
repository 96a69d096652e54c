// Package service orchestrates the access gate, the atomic view counter and content resolution into the
// create, resolve, metadata and delete operations the HTTP layer exposes.
package service

import (
	"context"
	"io"
	"time"

	"zaplink.io/zap/common/logging"
	"zaplink.io/zap/config"
	cst "zaplink.io/zap/constants"
	pe "zaplink.io/zap/errors"
	"zaplink.io/zap/gate"
	"zaplink.io/zap/metrics"
	md "zaplink.io/zap/models"
	"zaplink.io/zap/secret"
	st "zaplink.io/zap/stores"
)

// Reaper purges zaps. Destroy is idempotent; Schedule must not block.
type Reaper interface {
	Destroy(ctx context.Context, shortID string) *pe.Err
	Schedule(shortID string)
}

type Service struct {
	Store    st.ArtifactStore
	Files    st.FileStore
	Cipher   *secret.Cipher
	Attempts st.AttemptTracker
	Reaper   Reaper
	Metrics  metrics.Metrics
	Limits   config.Limits
	// PublicURL is the externally visible base url short links are built on
	PublicURL  string
	BcryptCost int
	Now        func() time.Time
}

func New(cfg *config.Config, store st.ArtifactStore, files st.FileStore, cipher *secret.Cipher,
	attempts st.AttemptTracker, reaper Reaper, m metrics.Metrics) *Service {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Service{
		Store:      store,
		Files:      files,
		Cipher:     cipher,
		Attempts:   attempts,
		Reaper:     reaper,
		Metrics:    m,
		Limits:     cfg.Limits,
		PublicURL:  cfg.PublicURL,
		BcryptCost: cfg.BcryptCost,
		Now:        time.Now,
	}
}

// ResolveRequest is one attempt to access a zap's content
type ResolveRequest struct {
	ShortID    string
	Password   string
	QuizAnswer string
	// Client identifies the requester for password attempt limiting, e.g. its ip address
	Client string
}

// Resolved is the content of a zap after a successful, counted access
type Resolved struct {
	Kind md.ContentKind
	Name string
	// URL is the redirect target of url zaps
	URL string
	// Content is the plaintext of text and document zaps
	Content string
	// Data is the data url of image zaps
	Data string
	// File streams the content of file zaps. It is opened before the request returns, so a purge
	// racing the download cannot cut it short. Callers must close it.
	File           io.ReadCloser
	FileName       string
	ContentType    string
	Size           int64
	ViewCount      int64
	RemainingViews *int64
}

// Resolve loads the zap, runs the access gate, consumes one view and resolves the content. Content is
// never resolved before the view is durably counted. Zaps found expired or out of views are handed to
// the reaper without affecting the response.
func (s *Service) Resolve(ctx context.Context, req ResolveRequest) (*Resolved, *pe.Err) {
	clog := logging.WithFuncName().WithField(cst.LogFieldShortID, req.ShortID)
	a, err := s.Store.Get(ctx, req.ShortID)
	if err != nil {
		if err.Code == pe.ErrCodeNotFound {
			s.Metrics.IncResolution(string(gate.NotFound))
		}
		return nil, err
	}
	d := gate.Evaluate(a, s.Now(), gate.Request{Password: req.Password, QuizAnswer: req.QuizAnswer})
	// expiry and used up views win over the attempt limit
	if a.HasPassword() && s.Attempts != nil && d.Reason != gate.Expired && d.Reason != gate.ViewLimitReached {
		attemptKey := req.Client + ":" + req.ShortID
		blocked, err := s.Attempts.Blocked(ctx, attemptKey)
		if err != nil {
			return nil, err
		}
		if blocked {
			s.Metrics.IncResolution(string(pe.ErrCodeTooManyAttempts))
			return nil, pe.NewTooManyAttempts("too many incorrect passwords; try again later")
		}
		s.trackAttempt(ctx, attemptKey, d)
	}
	if !d.Allowed() {
		clog.WithField("reason", d.Reason).Debug("access denied")
		if d.Reason == gate.Expired || d.Reason == gate.ViewLimitReached {
			s.Reaper.Schedule(a.ShortID)
		}
		s.Metrics.IncResolution(string(d.Reason))
		return nil, d.Err()
	}

	consumed, err := s.Store.ConsumeView(ctx, a.ShortID)
	if err != nil {
		switch err.Code {
		case pe.ErrCodeViewLimitReached:
			s.Reaper.Schedule(a.ShortID)
			s.Metrics.IncResolution(string(gate.ViewLimitReached))
		case pe.ErrCodeNotFound:
			s.Metrics.IncResolution(string(gate.NotFound))
		}
		return nil, err
	}
	if verr := consumed.Check(); verr != nil {
		clog.WithError(verr).Error("consumed zap violates its invariants")
		return nil, pe.NewInvariantViolation("zap state corrupted").WithCause(verr)
	}

	res := &Resolved{
		Kind:           consumed.Kind,
		Name:           consumed.Name,
		FileName:       consumed.FileName,
		ContentType:    consumed.ContentType,
		Size:           consumed.Size,
		ViewCount:      consumed.ViewCount,
		RemainingViews: consumed.RemainingViews(),
	}
	switch consumed.Kind {
	case md.KindRedirectURL:
		res.URL = consumed.Payload
	case md.KindText, md.KindDocumentText:
		plain, derr := s.Cipher.Decrypt(consumed.Payload)
		if derr != nil {
			clog.WithError(derr).Error("error decrypting zap content")
			return nil, pe.NewServiceFailure("error decrypting zap content").WithCause(derr)
		}
		res.Content = plain
	case md.KindImage:
		res.Data = consumed.Payload
	case md.KindFile:
		rc, ferr := s.Files.Get(ctx, consumed.ContentRef)
		if ferr != nil {
			// the view is spent already; the content is gone with it
			clog.WithError(ferr).Error("error opening zap content after counting the view")
			return nil, ferr
		}
		res.File = rc
	}
	s.Metrics.IncResolution(string(gate.Allow))
	return res, nil
}

// trackAttempt feeds the password outcome to the attempt tracker; its failures never fail the request
func (s *Service) trackAttempt(ctx context.Context, key string, d gate.Decision) {
	var err *pe.Err
	switch {
	case d.Reason == gate.PasswordIncorrect:
		err = s.Attempts.Fail(ctx, key)
	case d.PasswordChecked:
		err = s.Attempts.Clear(ctx, key)
	}
	if err != nil {
		logging.WithFuncName().WithError(err).Warn("error tracking password attempt")
	}
}

// Metadata describes the zap without consuming a view. Expired and used up zaps are denied the same way
// Resolve denies them.
func (s *Service) Metadata(ctx context.Context, shortID string) (*md.Metadata, *pe.Err) {
	a, err := s.Store.Get(ctx, shortID)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	if a.Expired(now) {
		s.Reaper.Schedule(a.ShortID)
		return nil, pe.NewExpired("zap has expired")
	}
	if a.Exhausted() {
		s.Reaper.Schedule(a.ShortID)
		return nil, pe.NewViewLimitReached("zap has reached its view limit")
	}
	return &md.Metadata{
		ShortID:          a.ShortID,
		Name:             a.Name,
		Kind:             a.Kind,
		HasPassword:      a.HasPassword(),
		HasQuiz:          a.HasQuiz(),
		QuizQuestion:     a.QuizQuestion,
		HasDelayedAccess: a.UnlockAt != nil,
		IsDelayedLocked:  a.Locked(now),
		UnlockAt:         a.UnlockAt,
		ExpiresAt:        a.ExpiresAt,
		ViewsRemaining:   a.RemainingViews(),
	}, nil
}

// Delete purges the zap on behalf of its owner, proven by the deletion token handed out at creation
func (s *Service) Delete(ctx context.Context, shortID, token string) *pe.Err {
	a, err := s.Store.Get(ctx, shortID)
	if err != nil {
		return err
	}
	if token == "" || !secret.CheckToken(a.DeletionTokenHash, token) {
		return pe.NewForbidden("invalid deletion token")
	}
	if err := s.Reaper.Destroy(ctx, shortID); err != nil {
		logging.WithFuncName().WithField(cst.LogFieldShortID, shortID).WithError(err).Error("error destroying zap")
		return err
	}
	return nil
}
