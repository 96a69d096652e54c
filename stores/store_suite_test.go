package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pe "zaplink.io/zap/errors"
	md "zaplink.io/zap/models"
)

func i64(v int64) *int64 { return &v }

func at(t time.Time) *time.Time { return &t }

func fakeArtifact(shortID string) *md.Artifact {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &md.Artifact{
		ID:                "id-" + shortID,
		ShortID:           shortID,
		DeletionTokenHash: "tokenhash",
		Kind:              md.KindText,
		Payload:           "ciphertext",
		Name:              "note",
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// runStoreSuite checks the behavior every ArtifactStore implementation shares
func runStoreSuite(t *testing.T, newStore func(t *testing.T) ArtifactStore) {
	ctx := context.Background()

	t.Run("CreateGet", func(t *testing.T) {
		s := newStore(t)
		a := fakeArtifact("abcd0001")
		a.PasswordHash = "pwhash"
		a.QuizQuestion, a.QuizAnswerHash = "sky?", "quizhash"
		a.ViewLimit = i64(3)
		a.ExpiresAt = at(time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond))
		a.UnlockAt = at(time.Now().Add(time.Minute).UTC().Truncate(time.Millisecond))
		require.Nil(t, s.Create(ctx, a))

		got, err := s.Get(ctx, a.ShortID)
		require.Nil(t, err)
		assert.Equal(t, a.ID, got.ID)
		assert.Equal(t, a.Kind, got.Kind)
		assert.Equal(t, a.Payload, got.Payload)
		assert.Equal(t, a.PasswordHash, got.PasswordHash)
		assert.Equal(t, a.QuizQuestion, got.QuizQuestion)
		assert.Equal(t, a.QuizAnswerHash, got.QuizAnswerHash)
		require.NotNil(t, got.ViewLimit)
		assert.Equal(t, int64(3), *got.ViewLimit)
		assert.Equal(t, int64(0), got.ViewCount)
		require.NotNil(t, got.ExpiresAt)
		assert.True(t, a.ExpiresAt.Equal(*got.ExpiresAt))
		require.NotNil(t, got.UnlockAt)
		assert.True(t, a.UnlockAt.Equal(*got.UnlockAt))
		assert.NoError(t, got.Check())
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		s := newStore(t)
		require.Nil(t, s.Create(ctx, fakeArtifact("abcd0002")))
		dup := fakeArtifact("abcd0002")
		dup.ID = "another-id"
		err := s.Create(ctx, dup)
		require.NotNil(t, err)
		assert.Equal(t, pe.ErrCodeExisted, err.Code)
	})

	t.Run("GetAbsent", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "missing1")
		require.NotNil(t, err)
		assert.Equal(t, pe.ErrCodeNotFound, err.Code)
	})

	t.Run("ConsumeUnlimited", func(t *testing.T) {
		s := newStore(t)
		require.Nil(t, s.Create(ctx, fakeArtifact("abcd0003")))
		for i := 1; i <= 5; i++ {
			got, err := s.ConsumeView(ctx, "abcd0003")
			require.Nil(t, err)
			assert.Equal(t, int64(i), got.ViewCount)
		}
	})

	t.Run("ConsumeUntilLimit", func(t *testing.T) {
		s := newStore(t)
		a := fakeArtifact("abcd0004")
		a.ViewLimit = i64(2)
		require.Nil(t, s.Create(ctx, a))
		for i := 1; i <= 2; i++ {
			got, err := s.ConsumeView(ctx, a.ShortID)
			require.Nil(t, err)
			assert.Equal(t, int64(i), got.ViewCount)
		}
		_, err := s.ConsumeView(ctx, a.ShortID)
		require.NotNil(t, err)
		assert.Equal(t, pe.ErrCodeViewLimitReached, err.Code)
		got, gerr := s.Get(ctx, a.ShortID)
		require.Nil(t, gerr)
		assert.Equal(t, int64(2), got.ViewCount, "a denied consume must not change the count")
	})

	t.Run("ConsumeAbsent", func(t *testing.T) {
		s := newStore(t)
		_, err := s.ConsumeView(ctx, "missing2")
		require.NotNil(t, err)
		assert.Equal(t, pe.ErrCodeNotFound, err.Code)
	})

	t.Run("ConsumeConcurrently", func(t *testing.T) {
		tcs := []struct {
			limit, requests int
		}{
			{limit: 1, requests: 2},
			{limit: 10, requests: 20},
			{limit: 5, requests: 5},
		}
		for _, c := range tcs {
			t.Run(fmt.Sprintf("K%dN%d", c.limit, c.requests), func(t *testing.T) {
				s := newStore(t)
				a := fakeArtifact(fmt.Sprintf("race%04d", c.limit))
				a.ViewLimit = i64(int64(c.limit))
				require.Nil(t, s.Create(ctx, a))

				var (
					wg     sync.WaitGroup
					mu     sync.Mutex
					ok     int
					denied int
					counts []int
				)
				start := make(chan struct{})
				wg.Add(c.requests)
				for i := 0; i < c.requests; i++ {
					go func() {
						defer wg.Done()
						<-start
						got, err := s.ConsumeView(ctx, a.ShortID)
						mu.Lock()
						defer mu.Unlock()
						if err == nil {
							ok++
							counts = append(counts, int(got.ViewCount))
						} else if err.Code == pe.ErrCodeViewLimitReached {
							denied++
						} else {
							t.Errorf("unexpected error %v", err.Trace())
						}
					}()
				}
				close(start)
				wg.Wait()

				assert.Equal(t, c.limit, ok, "successful views")
				assert.Equal(t, c.requests-c.limit, denied, "denied views")
				// every success observed a distinct count, 1..K
				sort.Ints(counts)
				for i, n := range counts {
					assert.Equal(t, i+1, n)
				}
				got, err := s.Get(ctx, a.ShortID)
				require.Nil(t, err)
				assert.Equal(t, int64(c.limit), got.ViewCount)
			})
		}
	})

	t.Run("DeleteIdempotent", func(t *testing.T) {
		s := newStore(t)
		require.Nil(t, s.Create(ctx, fakeArtifact("abcd0005")))
		require.Nil(t, s.Create(ctx, fakeArtifact("abcd0006")))
		assert.Nil(t, s.Delete(ctx, "abcd0005"))
		assert.Nil(t, s.Delete(ctx, "abcd0005"))
		assert.Nil(t, s.Delete(ctx, "neverexisted"))
		_, err := s.Get(ctx, "abcd0005")
		require.NotNil(t, err)
		assert.Equal(t, pe.ErrCodeNotFound, err.Code)
		_, err = s.Get(ctx, "abcd0006")
		assert.Nil(t, err, "deleting one zap must not touch another")
	})

	t.Run("Junk", func(t *testing.T) {
		s := newStore(t)
		now := time.Now()
		expired := fakeArtifact("expired1")
		expired.ExpiresAt = at(now.Add(-time.Minute))
		fresh := fakeArtifact("fresh001")
		fresh.ExpiresAt = at(now.Add(time.Hour))
		exhausted := fakeArtifact("spent001")
		exhausted.Kind, exhausted.Payload, exhausted.ContentRef = md.KindFile, "", "spent001/file.bin"
		exhausted.ViewLimit = i64(1)
		open := fakeArtifact("open0001")
		open.ViewLimit = i64(5)
		for _, a := range []*md.Artifact{expired, fresh, exhausted, open} {
			require.Nil(t, s.Create(ctx, a))
		}
		_, err := s.ConsumeView(ctx, exhausted.ShortID)
		require.Nil(t, err)
		_, err = s.ConsumeView(ctx, open.ShortID)
		require.Nil(t, err)

		jks, err := s.Junk(ctx, now, 0)
		require.Nil(t, err)
		byID := map[string]string{}
		for _, jk := range jks {
			byID[jk.ShortID] = jk.ContentRef
		}
		assert.Len(t, byID, 2)
		assert.Contains(t, byID, expired.ShortID)
		assert.Equal(t, "spent001/file.bin", byID[exhausted.ShortID])

		limited, err := s.Junk(ctx, now, 1)
		require.Nil(t, err)
		assert.Len(t, limited, 1)

		_, err = s.Junk(ctx, now, -1)
		require.NotNil(t, err)
		assert.Equal(t, pe.ErrCodeBadRequest, err.Code)

		for _, jk := range jks {
			require.Nil(t, s.Delete(ctx, jk.ShortID))
		}
		jks, err = s.Junk(ctx, now, 0)
		require.Nil(t, err)
		assert.Empty(t, jks)
	})
}
