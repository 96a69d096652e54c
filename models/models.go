package models

import (
	"time"
)

/*
 Application layer data models.
*/

// ContentKind tags the shape of the payload an artifact resolves to
type ContentKind string

const (
	KindRedirectURL  ContentKind = "url"
	KindText         ContentKind = "text"
	KindDocumentText ContentKind = "document"
	KindFile         ContentKind = "file"
	KindImage        ContentKind = "image"
)

var ContentKindVals = map[ContentKind]struct{}{
	KindRedirectURL:  {},
	KindText:         {},
	KindDocumentText: {},
	KindFile:         {},
	KindImage:        {},
}

// Inline reports whether content of the kind lives in the artifact record rather than the file store
func (k ContentKind) Inline() bool {
	return k != KindFile
}

// Encrypted reports whether inline content of the kind is encrypted at rest
func (k ContentKind) Encrypted() bool {
	return k == KindText || k == KindDocumentText
}

// Artifact is one shared piece of content addressed by its ShortID.
type Artifact struct {
	ID                string
	ShortID           string
	DeletionTokenHash string
	Kind              ContentKind
	// ContentRef is the file store reference of the uploaded content; only set for KindFile
	ContentRef string
	// Payload carries inline content: redirect target, image data url or ciphertext of text
	Payload     string
	Name        string
	FileName    string
	ContentType string
	Size        int64

	PasswordHash   string
	QuizQuestion   string
	QuizAnswerHash string
	UnlockAt       *time.Time
	ExpiresAt      *time.Time
	ViewLimit      *int64
	ViewCount      int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired tells whether the artifact is past its expiry at the given instant
func (a *Artifact) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// Exhausted tells whether the artifact used up all of its views
func (a *Artifact) Exhausted() bool {
	return a.ViewLimit != nil && a.ViewCount >= *a.ViewLimit
}

// Locked tells whether the artifact is still waiting for its delayed unlock
func (a *Artifact) Locked(now time.Time) bool {
	return a.UnlockAt != nil && now.Before(*a.UnlockAt)
}

func (a *Artifact) HasPassword() bool {
	return a.PasswordHash != ""
}

func (a *Artifact) HasQuiz() bool {
	return a.QuizAnswerHash != ""
}

// Junk tells whether the artifact shall be purged at the given instant
func (a *Artifact) Junk(now time.Time) bool {
	return a.Expired(now) || a.Exhausted()
}

// RemainingViews returns nil for artifacts without view limit
func (a *Artifact) RemainingViews() *int64 {
	if a.ViewLimit == nil {
		return nil
	}
	r := *a.ViewLimit - a.ViewCount
	if r < 0 {
		r = 0
	}
	return &r
}

// Check verifies the structural invariants every stored artifact holds
func (a *Artifact) Check() error {
	if a.ShortID == "" || a.ID == "" {
		return invariantErr("artifact identifiers must be set")
	}
	if _, ok := ContentKindVals[a.Kind]; !ok {
		return invariantErr("unknown content kind " + string(a.Kind))
	}
	if (a.QuizQuestion == "") != (a.QuizAnswerHash == "") {
		return invariantErr("quiz question and answer must be both set or both absent")
	}
	if a.Kind.Inline() {
		if a.Payload == "" || a.ContentRef != "" {
			return invariantErr("inline artifact must carry exactly its payload")
		}
	} else if a.ContentRef == "" || a.Payload != "" {
		return invariantErr("file artifact must carry exactly its content reference")
	}
	if a.ViewLimit != nil {
		if *a.ViewLimit <= 0 {
			return invariantErr("view limit must be positive")
		}
		if a.ViewCount > *a.ViewLimit {
			return invariantErr("view count exceeds view limit")
		}
	}
	if a.ViewCount < 0 {
		return invariantErr("view count must not be negative")
	}
	return nil
}

type invariantErr string

func (e invariantErr) Error() string {
	return string(e)
}

// Metadata is the public, non-consuming view of an artifact
type Metadata struct {
	ShortID          string      `json:"shortId"`
	Name             string      `json:"name"`
	Kind             ContentKind `json:"type"`
	HasPassword      bool        `json:"hasPasswordProtection"`
	HasQuiz          bool        `json:"hasQuizProtection"`
	QuizQuestion     string      `json:"quizQuestion,omitempty"`
	HasDelayedAccess bool        `json:"hasDelayedAccess"`
	IsDelayedLocked  bool        `json:"isDelayedLocked"`
	UnlockAt         *time.Time  `json:"unlockAt,omitempty"`
	ExpiresAt        *time.Time  `json:"expiresAt,omitempty"`
	ViewsRemaining   *int64      `json:"viewsRemaining"`
}

// Junk represents necessary artifact data for deletion purpose
type Junk struct {
	ShortID    string
	ContentRef string // reference of the artifact's content in file store, empty for inline content
}
