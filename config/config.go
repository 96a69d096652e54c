// Package config builds the process-wide configuration value once at start up. Components receive the
// pieces they need explicitly instead of reading env vars on their own.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
	cst "zaplink.io/zap/constants"
	pe "zaplink.io/zap/errors"
)

type Config struct {
	Verbose    bool
	Host       string
	Port       int
	PublicURL  string
	CORSOrigin string

	Store StoreConfig
	Files FileStoreConfig

	EncryptionKey string
	BcryptCost    int

	Limits  Limits
	Sweeper SweeperConfig
	Rate    RateConfig
}

type StoreConfig struct {
	Backend     string
	RedisAddr   string
	RedisPasswd string
	RedisDB     int
	SQLDSN      string
	CouchURL    string
	CouchDB     string
}

type FileStoreConfig struct {
	Backend string
	Dir     string
	S3      S3Config
}

type S3Config struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// Limits bounds the size of inputs accepted at creation time
type Limits struct {
	TextMaxChars       int
	UploadMaxBytes     int64
	ImageMaxBytes      int64
	ReqBodyMaxBytes    int64
	PasswdAttemptsMax  int
	PasswdAttemptsSpan time.Duration
}

type SweeperConfig struct {
	Enabled        bool
	Frequency      time.Duration
	MaxLoad        int
	PoolSize       int
	WIPCacheSize   int
	WIPEntryExpiry time.Duration
	QueueLength    int
}

type RateConfig struct {
	Global      rate.Limit
	GlobalBurst int
	Upload      rate.Limit
	UploadBurst int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(cst.EnvVerbose, false)
	v.SetDefault(cst.EnvAppHost, "")
	v.SetDefault(cst.EnvAppPort, 5000)
	v.SetDefault(cst.EnvPublicURL, "http://localhost:5000")
	v.SetDefault(cst.EnvCORSOrigin, "*")

	v.SetDefault(cst.EnvStoreBackend, cst.StoreRedis)
	v.SetDefault(cst.EnvRedisHost, "localhost")
	v.SetDefault(cst.EnvRedisPort, "6379")
	v.SetDefault(cst.EnvRedisPasswd, "")
	v.SetDefault(cst.EnvRedisDB, 0)
	v.SetDefault(cst.EnvSQLDSN, "zap.db")
	v.SetDefault(cst.EnvCouchURL, "http://localhost:5984")
	v.SetDefault(cst.EnvCouchDB, "zaps")

	v.SetDefault(cst.EnvFileStoreBackend, cst.FileStoreLocal)
	v.SetDefault(cst.EnvFileDir, "/tmp/zap")
	v.SetDefault(cst.EnvS3Region, "us-east-1")
	v.SetDefault(cst.EnvS3UsePathStyle, false)

	v.SetDefault(cst.EnvEncryptionKey, "")
	v.SetDefault(cst.EnvBcryptCost, 10)

	v.SetDefault(cst.EnvTextMaxChars, 10000)
	v.SetDefault(cst.EnvUploadSizeMaxByte, 50<<20)
	v.SetDefault(cst.EnvImageSizeMaxByte, 5<<20)
	v.SetDefault(cst.EnvReqBodySizeMaxByte, 52<<20)
	v.SetDefault(cst.EnvPasswdAttemptsMax, 5)
	v.SetDefault(cst.EnvPasswdAttemptsWindow, 15*time.Minute)

	v.SetDefault(cst.EnvSweeperEnabled, true)
	v.SetDefault(cst.EnvSweepFreq, time.Hour)
	v.SetDefault(cst.EnvSweepMaxLoad, 0)
	v.SetDefault(cst.EnvSweepPoolSize, 8)
	v.SetDefault(cst.EnvSweepWIPCacheSize, 1024)
	v.SetDefault(cst.EnvSweepWIPEntryExpiry, 5*time.Minute)
	v.SetDefault(cst.EnvLazyDeleteQueueLength, 256)

	// 100 requests per 15 minutes per client, 10 uploads per minute per client
	v.SetDefault(cst.EnvRateLimitRPS, 100.0/900.0)
	v.SetDefault(cst.EnvRateLimitBurst, 100)
	v.SetDefault(cst.EnvUploadRateLimitRPS, 10.0/60.0)
	v.SetDefault(cst.EnvUploadRateLimitBurst, 10)
}

// Load reads configuration from the optional .env file and environment variables
func Load() (*Config, *pe.Err) {
	// a missing .env file is fine; real deployments inject env vars directly
	_ = godotenv.Load()
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	return FromViper(v)
}

// FromViper assembles and validates a Config out of the given viper instance
func FromViper(v *viper.Viper) (*Config, *pe.Err) {
	c := &Config{
		Verbose:    v.GetBool(cst.EnvVerbose),
		Host:       v.GetString(cst.EnvAppHost),
		Port:       v.GetInt(cst.EnvAppPort),
		PublicURL:  strings.TrimRight(v.GetString(cst.EnvPublicURL), "/"),
		CORSOrigin: v.GetString(cst.EnvCORSOrigin),
		Store: StoreConfig{
			Backend:     strings.ToLower(v.GetString(cst.EnvStoreBackend)),
			RedisAddr:   fmt.Sprintf("%s:%s", v.GetString(cst.EnvRedisHost), v.GetString(cst.EnvRedisPort)),
			RedisPasswd: v.GetString(cst.EnvRedisPasswd),
			RedisDB:     v.GetInt(cst.EnvRedisDB),
			SQLDSN:      v.GetString(cst.EnvSQLDSN),
			CouchURL:    v.GetString(cst.EnvCouchURL),
			CouchDB:     v.GetString(cst.EnvCouchDB),
		},
		Files: FileStoreConfig{
			Backend: strings.ToLower(v.GetString(cst.EnvFileStoreBackend)),
			Dir:     v.GetString(cst.EnvFileDir),
			S3: S3Config{
				Endpoint:        v.GetString(cst.EnvS3Endpoint),
				Bucket:          v.GetString(cst.EnvS3Bucket),
				Region:          v.GetString(cst.EnvS3Region),
				AccessKeyID:     v.GetString(cst.EnvS3AccessKeyID),
				SecretAccessKey: v.GetString(cst.EnvS3SecretKey),
				UsePathStyle:    v.GetBool(cst.EnvS3UsePathStyle),
			},
		},
		EncryptionKey: v.GetString(cst.EnvEncryptionKey),
		BcryptCost:    v.GetInt(cst.EnvBcryptCost),
		Limits: Limits{
			TextMaxChars:       v.GetInt(cst.EnvTextMaxChars),
			UploadMaxBytes:     v.GetInt64(cst.EnvUploadSizeMaxByte),
			ImageMaxBytes:      v.GetInt64(cst.EnvImageSizeMaxByte),
			ReqBodyMaxBytes:    v.GetInt64(cst.EnvReqBodySizeMaxByte),
			PasswdAttemptsMax:  v.GetInt(cst.EnvPasswdAttemptsMax),
			PasswdAttemptsSpan: v.GetDuration(cst.EnvPasswdAttemptsWindow),
		},
		Sweeper: SweeperConfig{
			Enabled:        v.GetBool(cst.EnvSweeperEnabled),
			Frequency:      v.GetDuration(cst.EnvSweepFreq),
			MaxLoad:        v.GetInt(cst.EnvSweepMaxLoad),
			PoolSize:       v.GetInt(cst.EnvSweepPoolSize),
			WIPCacheSize:   v.GetInt(cst.EnvSweepWIPCacheSize),
			WIPEntryExpiry: v.GetDuration(cst.EnvSweepWIPEntryExpiry),
			QueueLength:    v.GetInt(cst.EnvLazyDeleteQueueLength),
		},
		Rate: RateConfig{
			Global:      rate.Limit(v.GetFloat64(cst.EnvRateLimitRPS)),
			GlobalBurst: v.GetInt(cst.EnvRateLimitBurst),
			Upload:      rate.Limit(v.GetFloat64(cst.EnvUploadRateLimitRPS)),
			UploadBurst: v.GetInt(cst.EnvUploadRateLimitBurst),
		},
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the config for values the process cannot run with
func (c *Config) Validate() *pe.Err {
	switch c.Store.Backend {
	case cst.StoreRedis, cst.StoreSQL, cst.StoreCouch:
	default:
		return pe.NewValidationFailed(cst.EnvStoreBackend, fmt.Sprintf("unknown artifact store %q", c.Store.Backend))
	}
	switch c.Files.Backend {
	case cst.FileStoreLocal:
	case cst.FileStoreS3:
		if c.Files.S3.Bucket == "" {
			return pe.NewValidationFailed(cst.EnvS3Bucket, "s3 file store requires a bucket")
		}
	default:
		return pe.NewValidationFailed(cst.EnvFileStoreBackend, fmt.Sprintf("unknown file store %q", c.Files.Backend))
	}
	if _, err := url.ParseRequestURI(c.PublicURL); err != nil {
		return pe.NewValidationFailed(cst.EnvPublicURL, "public url must be absolute").WithCause(err)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return pe.NewValidationFailed(cst.EnvAppPort, "port out of range")
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		return pe.NewValidationFailed(cst.EnvBcryptCost, "bcrypt cost out of range")
	}
	if c.Limits.TextMaxChars <= 0 || c.Limits.UploadMaxBytes <= 0 || c.Limits.ImageMaxBytes <= 0 {
		return pe.NewValidationFailed(cst.EnvTextMaxChars, "size limits must be positive")
	}
	if c.Sweeper.Frequency <= 0 {
		return pe.NewValidationFailed(cst.EnvSweepFreq, "sweep frequency must be positive")
	}
	if c.Sweeper.PoolSize <= 0 {
		return pe.NewValidationFailed(cst.EnvSweepPoolSize, "sweeper pool size must be positive")
	}
	if c.Sweeper.MaxLoad < 0 {
		return pe.NewValidationFailed(cst.EnvSweepMaxLoad, "sweep max load must not be negative")
	}
	if c.Sweeper.WIPCacheSize <= 0 {
		return pe.NewValidationFailed(cst.EnvSweepWIPCacheSize, "wip cache size must be positive")
	}
	return nil
}

// Addr is the address the http server listens on
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
