package stores

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"zaplink.io/zap/common/logging"
	cst "zaplink.io/zap/constants"
	pe "zaplink.io/zap/errors"
	md "zaplink.io/zap/models"
)

// RedisStore is an ArtifactStore implementation driven by Redis. Every artifact lives in its own hash;
// a sorted set scored by expiry and a set of exhausted short ids index the artifacts due for purge.
type RedisStore struct {
	DB *redis.Client
}

const (
	fieldNameID                = "id"
	fieldNameDeletionTokenHash = "deletionTokenHash"
	fieldNameKind              = "kind"
	fieldNameContentRef        = "contentRef"
	fieldNamePayload           = "payload"
	fieldNameName              = "name"
	fieldNameFileName          = "fileName"
	fieldNameContentType       = "contentType"
	fieldNameSize              = "size"
	fieldNamePasswordHash      = "passwordHash"
	fieldNameQuizQuestion      = "quizQuestion"
	fieldNameQuizAnswerHash    = "quizAnswerHash"
	fieldNameUnlockAt          = "unlockAt"
	fieldNameExpiresAt         = "expiresAt"
	fieldNameViewLimit         = "viewLimit"
	fieldNameViewCount         = "viewCount"
	fieldNameCreatedAt         = "createdAt"
	fieldNameUpdatedAt         = "updatedAt"

	// redis key of the sorted set whose score is artifact expiry in unix millis
	keyExpirySet = "zapExpirySet"
	// redis key of the set holding short ids of artifacts which used up their views
	keyExhaustedSet = "zapExhaustedSet"
	// template to form the key of an artifact hash
	keyTmplArtifact = `zap.%s`
)

// KEYS[1] artifact hash, KEYS[2] expiry index
// ARGV[1] short id, ARGV[2] expiry score or empty, ARGV[3..] field value pairs
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HMSET', KEYS[1], unpack(ARGV, 3))
if ARGV[2] ~= '' then
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
end
return 1
`)

// KEYS[1] artifact hash, KEYS[2] exhausted index
// ARGV[1] short id, ARGV[2] update time
// returns {-1} when absent, {0} when the view limit is reached, {1, fields} otherwise
var consumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {-1}
end
local limit = redis.call('HGET', KEYS[1], 'viewLimit')
if limit then
	limit = tonumber(limit)
end
local count = tonumber(redis.call('HGET', KEYS[1], 'viewCount') or '0')
if limit and count >= limit then
	redis.call('SADD', KEYS[2], ARGV[1])
	return {0}
end
count = redis.call('HINCRBY', KEYS[1], 'viewCount', 1)
redis.call('HSET', KEYS[1], 'updatedAt', ARGV[2])
if limit and count >= limit then
	redis.call('SADD', KEYS[2], ARGV[1])
end
return {1, redis.call('HGETALL', KEYS[1])}
`)

const (
	consumeAbsent  = -1
	consumeLimited = 0
	consumeOK      = 1
)

func (s *RedisStore) artifactKey(shortID string) string {
	return fmt.Sprintf(keyTmplArtifact, shortID)
}

func (s *RedisStore) Create(ctx context.Context, a *md.Artifact) *pe.Err {
	clog := logging.WithFuncName().WithField(cst.LogFieldShortID, a.ShortID)
	expiry := ""
	if a.ExpiresAt != nil {
		expiry = strconv.FormatInt(a.ExpiresAt.UnixMilli(), 10)
	}
	args := []interface{}{a.ShortID, expiry}
	for k, v := range encodeArtifact(a) {
		args = append(args, k, v)
	}
	keys := []string{s.artifactKey(a.ShortID), keyExpirySet}
	created, err := createScript.Run(s.DB.WithContext(ctx), keys, args...).Int64()
	if err != nil {
		clog.WithError(err).Error("error calling redis to create zap")
		return pe.NewStorageUnavailable(errMsgStoreUnavailable).WithCause(err)
	}
	if created == 0 {
		return pe.NewExisted(errMsgExisted)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, shortID string) (*md.Artifact, *pe.Err) {
	clog := logging.WithFuncName().WithField(cst.LogFieldShortID, shortID)
	m, err := s.DB.WithContext(ctx).HGetAll(s.artifactKey(shortID)).Result()
	if err != nil {
		clog.WithError(err).Error("error getting zap data")
		return nil, pe.NewStorageUnavailable(errMsgStoreUnavailable).WithCause(err)
	}
	if len(m) == 0 {
		return nil, pe.NewNotFound(errMsgNotFound)
	}
	a, derr := decodeArtifact(shortID, m)
	if derr != nil {
		clog.WithError(derr).Error("error decoding zap data")
		return nil, pe.NewServiceFailure("error decoding zap data").WithCause(derr)
	}
	return a, nil
}

func (s *RedisStore) ConsumeView(ctx context.Context, shortID string) (*md.Artifact, *pe.Err) {
	clog := logging.WithFuncName().WithField(cst.LogFieldShortID, shortID)
	keys := []string{s.artifactKey(shortID), keyExhaustedSet}
	res, err := consumeScript.Run(s.DB.WithContext(ctx), keys, shortID, formatTime(time.Now())).Result()
	if err != nil {
		clog.WithError(err).Error("error calling redis to consume zap view")
		return nil, pe.NewStorageUnavailable(errMsgStoreUnavailable).WithCause(err)
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) == 0 {
		return nil, pe.NewServiceFailure(fmt.Sprintf("unexpected consume reply %v", res))
	}
	status, _ := reply[0].(int64)
	switch status {
	case consumeAbsent:
		return nil, pe.NewNotFound(errMsgNotFound)
	case consumeLimited:
		return nil, pe.NewViewLimitReached(errMsgLimitReached)
	case consumeOK:
	default:
		return nil, pe.NewServiceFailure(fmt.Sprintf("unexpected consume status %d", status))
	}
	if len(reply) < 2 {
		return nil, pe.NewServiceFailure("consume reply without zap data")
	}
	flat, _ := reply[1].([]interface{})
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		m[k] = v
	}
	a, derr := decodeArtifact(shortID, m)
	if derr != nil {
		clog.WithError(derr).Error("error decoding zap data")
		return nil, pe.NewServiceFailure("error decoding zap data").WithCause(derr)
	}
	return a, nil
}

func (s *RedisStore) Delete(ctx context.Context, shortID string) *pe.Err {
	clog := logging.WithFuncName().WithField(cst.LogFieldShortID, shortID)
	// redis ignores DEL, ZREM and SREM of non-existent keys and members
	_, err := s.DB.WithContext(ctx).TxPipelined(func(p redis.Pipeliner) error {
		p.Del(s.artifactKey(shortID))
		p.ZRem(keyExpirySet, shortID)
		p.SRem(keyExhaustedSet, shortID)
		return nil
	})
	if err != nil && err != redis.Nil {
		clog.WithError(err).Error("error deleting zap data from redis")
		return pe.NewStorageUnavailable(errMsgStoreUnavailable).WithCause(err)
	}
	return nil
}

func (s *RedisStore) Junk(ctx context.Context, now time.Time, max int) ([]*md.Junk, *pe.Err) {
	const errMsg = "error loading junk zaps"
	clog := logging.WithFuncName()
	if max < 0 {
		return nil, pe.NewBadInput(fmt.Sprintf("got negative max item count %d", max))
	}
	db := s.DB.WithContext(ctx)
	// expiresAt < now
	opt := redis.ZRangeBy{Min: "-inf", Max: "(" + strconv.FormatInt(now.UnixMilli(), 10)}
	if max > 0 {
		opt.Count = int64(max)
	}
	ids, err := db.ZRangeByScore(keyExpirySet, opt).Result()
	if err != nil {
		clog.WithError(err).Error("error calling redis to get ids of expired zaps")
		return nil, pe.NewStorageUnavailable(errMsg).WithCause(err)
	}
	exhausted, err := db.SMembers(keyExhaustedSet).Result()
	if err != nil {
		clog.WithError(err).Error("error calling redis to get ids of exhausted zaps")
		return nil, pe.NewStorageUnavailable(errMsg).WithCause(err)
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	for _, id := range exhausted {
		if max > 0 && len(ids) >= max {
			break
		}
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
			seen[id] = struct{}{}
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	clog.WithField("ids", ids).Debug("done loading junk zap ids")
	// fetch content refs in one round trip
	p := db.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = p.HGet(s.artifactKey(id), fieldNameContentRef)
	}
	if _, err := p.Exec(); err != nil && err != redis.Nil {
		clog.WithError(err).Error("error calling redis to get content refs of junk zaps")
		return nil, pe.NewStorageUnavailable(errMsg).WithCause(err)
	}
	jks := make([]*md.Junk, len(ids))
	for i, id := range ids {
		// a missing ref means either inline content or an artifact already gone; both only need the
		// index entries cleaned up
		ref, _ := cmds[i].Result()
		jks[i] = &md.Junk{ShortID: id, ContentRef: ref}
	}
	return jks, nil
}

func (s *RedisStore) Close() *pe.Err {
	if err := s.DB.Close(); err != nil {
		return pe.NewServiceFailure("failed close Redis client").WithCause(err)
	}
	return nil
}

// -------------- codec --------------

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// encodeArtifact flattens the artifact into hash fields. Absent optional values are left out so that
// scripts can test the presence of a field.
func encodeArtifact(a *md.Artifact) map[string]string {
	m := map[string]string{
		fieldNameID:                a.ID,
		fieldNameDeletionTokenHash: a.DeletionTokenHash,
		fieldNameKind:              string(a.Kind),
		fieldNameViewCount:         strconv.FormatInt(a.ViewCount, 10),
		fieldNameSize:              strconv.FormatInt(a.Size, 10),
		fieldNameCreatedAt:         formatTime(a.CreatedAt),
		fieldNameUpdatedAt:         formatTime(a.UpdatedAt),
	}
	opt := map[string]string{
		fieldNameContentRef:     a.ContentRef,
		fieldNamePayload:        a.Payload,
		fieldNameName:           a.Name,
		fieldNameFileName:       a.FileName,
		fieldNameContentType:    a.ContentType,
		fieldNamePasswordHash:   a.PasswordHash,
		fieldNameQuizQuestion:   a.QuizQuestion,
		fieldNameQuizAnswerHash: a.QuizAnswerHash,
	}
	for k, v := range opt {
		if v != "" {
			m[k] = v
		}
	}
	if a.UnlockAt != nil {
		m[fieldNameUnlockAt] = formatTime(*a.UnlockAt)
	}
	if a.ExpiresAt != nil {
		m[fieldNameExpiresAt] = formatTime(*a.ExpiresAt)
	}
	if a.ViewLimit != nil {
		m[fieldNameViewLimit] = strconv.FormatInt(*a.ViewLimit, 10)
	}
	return m
}

func decodeArtifact(shortID string, m map[string]string) (*md.Artifact, error) {
	a := &md.Artifact{
		ID:                m[fieldNameID],
		ShortID:           shortID,
		DeletionTokenHash: m[fieldNameDeletionTokenHash],
		Kind:              md.ContentKind(m[fieldNameKind]),
		ContentRef:        m[fieldNameContentRef],
		Payload:           m[fieldNamePayload],
		Name:              m[fieldNameName],
		FileName:          m[fieldNameFileName],
		ContentType:       m[fieldNameContentType],
		PasswordHash:      m[fieldNamePasswordHash],
		QuizQuestion:      m[fieldNameQuizQuestion],
		QuizAnswerHash:    m[fieldNameQuizAnswerHash],
	}
	var err error
	if a.ViewCount, err = strconv.ParseInt(m[fieldNameViewCount], 10, 64); err != nil {
		return nil, fmt.Errorf("unmarshalling view count: %w", err)
	}
	if v, ok := m[fieldNameSize]; ok {
		if a.Size, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("unmarshalling size: %w", err)
		}
	}
	if v, ok := m[fieldNameViewLimit]; ok {
		limit, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("unmarshalling view limit: %w", err)
		}
		a.ViewLimit = &limit
	}
	for field, dst := range map[string]**time.Time{fieldNameUnlockAt: &a.UnlockAt, fieldNameExpiresAt: &a.ExpiresAt} {
		if v, ok := m[field]; ok {
			t, err := parseTime(v)
			if err != nil {
				return nil, fmt.Errorf("unmarshalling %s: %w", field, err)
			}
			*dst = &t
		}
	}
	if a.CreatedAt, err = parseTime(m[fieldNameCreatedAt]); err != nil {
		return nil, fmt.Errorf("unmarshalling creation time: %w", err)
	}
	if a.UpdatedAt, err = parseTime(m[fieldNameUpdatedAt]); err != nil {
		return nil, fmt.Errorf("unmarshalling update time: %w", err)
	}
	return a, nil
}
