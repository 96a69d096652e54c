package gate

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	md "zaplink.io/zap/models"
	"zaplink.io/zap/secret"
)

func i64(v int64) *int64 { return &v }

func at(t time.Time) *time.Time { return &t }

func TestEvaluate(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	passwdHash, err := secret.HashPassword("correct", bcrypt.MinCost)
	require.NoError(t, err)
	quizHash := secret.HashQuizAnswer("blue")
	base := func() *md.Artifact {
		return &md.Artifact{ID: "id", ShortID: "abcd1234", Kind: md.KindText, Payload: "x"}
	}
	tcs := []struct {
		name     string
		art      func() *md.Artifact
		req      Request
		expected Reason
	}{
		{
			name:     "Absent",
			art:      func() *md.Artifact { return nil },
			expected: NotFound,
		},
		{
			name:     "Open",
			art:      base,
			expected: Allow,
		},
		{
			name: "Expired",
			art: func() *md.Artifact {
				a := base()
				a.ExpiresAt = at(now.Add(-time.Second))
				return a
			},
			expected: Expired,
		},
		{
			name: "ExpiryBoundaryIsNotExpired",
			art: func() *md.Artifact {
				a := base()
				a.ExpiresAt = at(now)
				return a
			},
			expected: Allow,
		},
		{
			name: "ExpirySupersedesLimit",
			art: func() *md.Artifact {
				a := base()
				a.ExpiresAt = at(now.Add(-time.Second))
				a.ViewLimit, a.ViewCount = i64(1), 1
				return a
			},
			expected: Expired,
		},
		{
			name: "ExpirySupersedesEverything",
			art: func() *md.Artifact {
				a := base()
				a.ExpiresAt = at(now.Add(-time.Second))
				a.UnlockAt = at(now.Add(time.Hour))
				a.PasswordHash = passwdHash
				a.QuizQuestion, a.QuizAnswerHash = "sky?", quizHash
				return a
			},
			expected: Expired,
		},
		{
			name: "LimitReached",
			art: func() *md.Artifact {
				a := base()
				a.ViewLimit, a.ViewCount = i64(3), 3
				return a
			},
			req:      Request{Password: "correct"},
			expected: ViewLimitReached,
		},
		{
			name: "LimitBeforeLock",
			art: func() *md.Artifact {
				a := base()
				a.ViewLimit, a.ViewCount = i64(1), 1
				a.UnlockAt = at(now.Add(time.Hour))
				return a
			},
			expected: ViewLimitReached,
		},
		{
			name: "Locked",
			art: func() *md.Artifact {
				a := base()
				a.UnlockAt = at(now.Add(time.Hour))
				a.PasswordHash = passwdHash
				return a
			},
			req:      Request{Password: "correct"},
			expected: LockedUntil,
		},
		{
			name: "Unlocked",
			art: func() *md.Artifact {
				a := base()
				a.UnlockAt = at(now.Add(-time.Hour))
				return a
			},
			expected: Allow,
		},
		{
			name: "QuizRequired",
			art: func() *md.Artifact {
				a := base()
				a.QuizQuestion, a.QuizAnswerHash = "sky?", quizHash
				return a
			},
			expected: QuizRequired,
		},
		{
			name: "QuizIncorrect",
			art: func() *md.Artifact {
				a := base()
				a.QuizQuestion, a.QuizAnswerHash = "sky?", quizHash
				return a
			},
			req:      Request{QuizAnswer: "green"},
			expected: QuizIncorrect,
		},
		{
			name: "QuizBeforePassword",
			art: func() *md.Artifact {
				a := base()
				a.QuizQuestion, a.QuizAnswerHash = "sky?", quizHash
				a.PasswordHash = passwdHash
				return a
			},
			req:      Request{Password: "correct"},
			expected: QuizRequired,
		},
		{
			name: "QuizPassedThenPasswordRequired",
			art: func() *md.Artifact {
				a := base()
				a.QuizQuestion, a.QuizAnswerHash = "sky?", quizHash
				a.PasswordHash = passwdHash
				return a
			},
			req:      Request{QuizAnswer: " Blue "},
			expected: PasswordRequired,
		},
		{
			name: "PasswordRequired",
			art: func() *md.Artifact {
				a := base()
				a.PasswordHash = passwdHash
				return a
			},
			expected: PasswordRequired,
		},
		{
			name: "PasswordIncorrect",
			art: func() *md.Artifact {
				a := base()
				a.PasswordHash = passwdHash
				return a
			},
			req:      Request{Password: "wrong"},
			expected: PasswordIncorrect,
		},
		{
			name: "AllGatesPassed",
			art: func() *md.Artifact {
				a := base()
				a.QuizQuestion, a.QuizAnswerHash = "sky?", quizHash
				a.PasswordHash = passwdHash
				a.ViewLimit, a.ViewCount = i64(2), 1
				a.UnlockAt = at(now.Add(-time.Minute))
				a.ExpiresAt = at(now.Add(time.Minute))
				return a
			},
			req:      Request{Password: "correct", QuizAnswer: "blue"},
			expected: Allow,
		},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			d := Evaluate(c.art(), now, c.req)
			assert.Equal(t, c.expected, d.Reason, "unexpected gate decision")
			assert.Equal(t, c.expected == Allow, d.Allowed())
		})
	}
}

func TestEvaluateIsPure(t *testing.T) {
	now := time.Now()
	a := &md.Artifact{ID: "id", ShortID: "abcd1234", Kind: md.KindText, Payload: "x", ViewLimit: i64(2)}
	for i := 0; i < 5; i++ {
		assert.True(t, Evaluate(a, now, Request{}).Allowed())
	}
	assert.Equal(t, int64(0), a.ViewCount, "gate must never count views")
}

func TestEvaluateLockedUntil(t *testing.T) {
	now := time.Now()
	unlock := now.Add(90 * time.Minute)
	d := Evaluate(&md.Artifact{UnlockAt: &unlock}, now, Request{})
	require.Equal(t, LockedUntil, d.Reason)
	assert.True(t, unlock.Equal(d.Until))
	err := d.Err()
	require.NotNil(t, err)
	assert.Equal(t, http.StatusLocked, err.StatusCode())
	assert.Equal(t, unlock.UTC().Format(time.RFC3339), err.Details["unlockAt"])
}

func TestEvaluatePasswordChecked(t *testing.T) {
	h, err := secret.HashPassword("pw", bcrypt.MinCost)
	require.NoError(t, err)
	now := time.Now()
	assert.True(t, Evaluate(&md.Artifact{PasswordHash: h}, now, Request{Password: "pw"}).PasswordChecked)
	assert.False(t, Evaluate(&md.Artifact{}, now, Request{Password: "pw"}).PasswordChecked)
}

func TestDecisionErr(t *testing.T) {
	tcs := []struct {
		reason Reason
		status int
	}{
		{reason: NotFound, status: http.StatusNotFound},
		{reason: Expired, status: http.StatusGone},
		{reason: ViewLimitReached, status: http.StatusGone},
		{reason: QuizRequired, status: http.StatusUnauthorized},
		{reason: QuizIncorrect, status: http.StatusUnauthorized},
		{reason: PasswordRequired, status: http.StatusUnauthorized},
		{reason: PasswordIncorrect, status: http.StatusUnauthorized},
	}
	for _, c := range tcs {
		err := Decision{Reason: c.reason}.Err()
		require.NotNil(t, err)
		assert.Equal(t, c.status, err.StatusCode(), "unexpected status for %s", c.reason)
		assert.True(t, err.Denial())
	}
	assert.Nil(t, Decision{Reason: Allow}.Err())
}
