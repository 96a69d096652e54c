// Package constants vends constants used in various components of zap service, e.g., env var names
package constants

const (
	// -------------- env vars --------------
	// common
	EnvVerbose   = "ZAP_VERBOSE"
	EnvPublicURL = "ZAP_PUBLIC_URL"
	// stores
	EnvStoreBackend     = "ZAP_STORE"
	EnvRedisHost        = "REDIS_HOST"
	EnvRedisPort        = "REDIS_PORT"
	EnvRedisPasswd      = "REDIS_PASSWD"
	EnvRedisDB          = "REDIS_DB"
	EnvSQLDSN           = "ZAP_SQL_DSN"
	EnvCouchURL         = "COUCHDB_URL"
	EnvCouchDB          = "COUCHDB_DB"
	EnvFileStoreBackend = "ZAP_FILE_STORE"
	EnvFileDir          = "ZAP_FILE_DIR"
	EnvS3Endpoint       = "S3_ENDPOINT"
	EnvS3Bucket         = "S3_BUCKET"
	EnvS3Region         = "S3_REGION"
	EnvS3AccessKeyID    = "S3_ACCESS_KEY_ID"
	EnvS3SecretKey      = "S3_SECRET_ACCESS_KEY"
	EnvS3UsePathStyle   = "S3_USE_PATH_STYLE"
	// secrets
	EnvEncryptionKey = "ENCRYPTION_KEY"
	EnvBcryptCost    = "ZAP_BCRYPT_COST"
	// server
	EnvAppHost              = "ZAP_HOST"
	EnvAppPort              = "ZAP_PORT"
	EnvCORSOrigin           = "ZAP_CORS_ORIGIN"
	EnvReqBodySizeMaxByte   = "ZAP_REQ_BODY_MAX_BYTE"
	EnvUploadSizeMaxByte    = "ZAP_UPLOAD_MAX_BYTE"
	EnvImageSizeMaxByte     = "ZAP_IMAGE_MAX_BYTE"
	EnvTextMaxChars         = "ZAP_TEXT_MAX_CHARS"
	EnvRateLimitRPS         = "ZAP_RATE_LIMIT_RPS"
	EnvRateLimitBurst       = "ZAP_RATE_LIMIT_BURST"
	EnvUploadRateLimitRPS   = "ZAP_UPLOAD_RATE_RPS"
	EnvUploadRateLimitBurst = "ZAP_UPLOAD_RATE_BURST"
	EnvPasswdAttemptsMax    = "ZAP_PASSWORD_ATTEMPTS_MAX"
	EnvPasswdAttemptsWindow = "ZAP_PASSWORD_ATTEMPTS_WINDOW"
	// sweeper
	EnvSweeperEnabled        = "ZAP_SWEEPER_ENABLED"
	EnvSweepFreq             = "ZAP_SWEEP_FREQ"
	EnvSweepMaxLoad          = "ZAP_SWEEP_MAX_LOAD"
	EnvSweepPoolSize         = "ZAP_SWEEP_POOL_SIZE"
	EnvSweepWIPCacheSize     = "ZAP_SWEEP_WIP_CACHE_SIZE"
	EnvSweepWIPEntryExpiry   = "ZAP_SWEEP_WIP_EXPIRY"
	EnvLazyDeleteQueueLength = "ZAP_LAZY_DELETE_QUEUE"

	// -------------- store backends --------------
	StoreRedis     = "redis"
	StoreSQL       = "sql"
	StoreCouch     = "couch"
	FileStoreLocal = "local"
	FileStoreS3    = "s3"

	// -------------- limits --------------
	ShortIDLength         = 8
	ShortIDMaxGenAttempts = 5
	NameMaxChars          = 255
	URLMaxChars           = 2048
	PasswdMaxChars        = 128
	QuizFieldMaxChars     = 500
	ViewLimitMax          = 100000
	DelayedAccessMaxSecs  = 365 * 24 * 60 * 60

	// -------------- error messages --------------
	ErrMsgRequestBodyTooLarge = "request body too large"

	// -------------- log fields --------------
	LogFieldFuncName  = "funcName"
	LogFieldShortID   = "shortId"
	LogFieldRequestID = "requestId"

	// -------------- http headers --------------
	HeaderRequestID     = "X-Request-Id"
	HeaderDeletionToken = "X-Deletion-Token"
)
