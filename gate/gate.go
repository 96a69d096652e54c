// Package gate decides whether an artifact may be resolved for a given access request. Evaluate is pure:
// it never counts views, clears attempt counters or touches storage.
package gate

import (
	"time"

	pe "zaplink.io/zap/errors"
	md "zaplink.io/zap/models"
	"zaplink.io/zap/secret"
)

type Reason string

const (
	Allow             Reason = "Allow"
	NotFound          Reason = "NotFound"
	Expired           Reason = "Expired"
	ViewLimitReached  Reason = "ViewLimitReached"
	LockedUntil       Reason = "LockedUntil"
	QuizRequired      Reason = "QuizRequired"
	QuizIncorrect     Reason = "QuizIncorrect"
	PasswordRequired  Reason = "PasswordRequired"
	PasswordIncorrect Reason = "PasswordIncorrect"
)

// Request carries the client supplied credentials of one access attempt
type Request struct {
	Password   string
	QuizAnswer string
}

type Decision struct {
	Reason Reason
	// Until is set for LockedUntil decisions
	Until time.Time
	// PasswordChecked tells the password gate was reached and passed
	PasswordChecked bool
}

func (d Decision) Allowed() bool {
	return d.Reason == Allow
}

func deny(r Reason) Decision {
	return Decision{Reason: r}
}

// Evaluate runs the gates in fixed order: existence, expiry, view limit, delayed unlock, quiz, password.
// The first failing gate decides.
func Evaluate(a *md.Artifact, now time.Time, req Request) Decision {
	if a == nil {
		return deny(NotFound)
	}
	if a.Expired(now) {
		return deny(Expired)
	}
	// the atomic increment in the store is authoritative; this only saves a round trip
	if a.Exhausted() {
		return deny(ViewLimitReached)
	}
	if a.Locked(now) {
		return Decision{Reason: LockedUntil, Until: *a.UnlockAt}
	}
	if a.HasQuiz() {
		if req.QuizAnswer == "" {
			return deny(QuizRequired)
		}
		if !secret.CheckQuizAnswer(a.QuizAnswerHash, req.QuizAnswer) {
			return deny(QuizIncorrect)
		}
	}
	if a.HasPassword() {
		if req.Password == "" {
			return deny(PasswordRequired)
		}
		if !secret.CheckPassword(a.PasswordHash, req.Password) {
			return deny(PasswordIncorrect)
		}
		return Decision{Reason: Allow, PasswordChecked: true}
	}
	return Decision{Reason: Allow}
}

// Err maps a denial to its user facing error; it returns nil for Allow
func (d Decision) Err() *pe.Err {
	switch d.Reason {
	case Allow:
		return nil
	case NotFound:
		return pe.NewNotFound("zap not found")
	case Expired:
		return pe.NewExpired("zap has expired")
	case ViewLimitReached:
		return pe.NewViewLimitReached("zap has reached its view limit")
	case LockedUntil:
		return pe.NewLocked("zap is locked until "+d.Until.UTC().Format(time.RFC3339), d.Until.UTC().Format(time.RFC3339))
	case QuizRequired:
		return pe.NewQuizRequired("quiz answer required")
	case QuizIncorrect:
		return pe.NewQuizIncorrect("incorrect quiz answer")
	case PasswordRequired:
		return pe.NewPasswordRequired("password required")
	case PasswordIncorrect:
		return pe.NewPasswordIncorrect("incorrect password")
	}
	return pe.NewInvariantViolation("unknown gate decision " + string(d.Reason))
}
