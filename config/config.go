package config

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// AppConfig holds environment driven configuration values.
// Sensitive data never has defaults inside code and must be provided via the
// config file or the environment.
type AppConfig struct {
	AppPort       string
	SessionSecret string
	SessionHours  int

	DatabaseURI string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string

	RedisHost     string
	RedisPort     int
	RedisDB       int
	RedisPassword string

	// Gin framework configuration
	GinMode string
	GinPath string

	// Logging configuration
	LogLevel      string
	LogPath       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	LogCompress   bool

	RateLimitPerMinute int
	RequestTimeoutSec  int

	PageSize    int
	MaxPageSize int

	// Topics a post may be filed under; exact-match filtering.
	Topics []string
	// Usernames granted the god privilege at registration time.
	AdminUsernames []string

	UploadsDir      string
	UploadMaxSizeMB int
}

var cfg AppConfig
var loaded bool

// Load loads the application configuration. It should be called once during boot.
// Precedence: config/config.json -> defaults -> environment variable overrides.
func Load() AppConfig {
	if loaded {
		return cfg
	}

	_ = loadJSONConfig(filepath.Join("config", "config.json"), &cfg)
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if cfg.SessionSecret == "" {
		log.Fatal("SESSION_SECRET must be set in environment variables")
	}

	loaded = true
	return cfg
}

// Get returns the cached configuration, loading it if necessary.
func Get() AppConfig {
	if !loaded {
		return Load()
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// loadJSONConfig reads the JSON file into cfg if present. Returns an error only
// for invalid JSON; a missing file is silently ignored.
func loadJSONConfig(path string, out *AppConfig) error {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var raw map[string]any
	if err := json.NewDecoder(f).Decode(&raw); err != nil {
		return err
	}

	getString := func(m map[string]any, key string) string {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return ""
	}
	getInt := func(m map[string]any, key string) int {
		if v, ok := m[key]; ok {
			switch t := v.(type) {
			case float64:
				return int(t)
			case int:
				return t
			case json.Number:
				i, _ := t.Int64()
				return int(i)
			}
		}
		return 0
	}
	getBool := func(m map[string]any, key string) bool {
		if v, ok := m[key]; ok {
			if b, ok := v.(bool); ok {
				return b
			}
		}
		return false
	}
	getStringSlice := func(m map[string]any, key string) []string {
		if v, ok := m[key]; ok {
			if arr, ok := v.([]any); ok {
				res := make([]string, 0, len(arr))
				for _, it := range arr {
					if s, ok := it.(string); ok {
						res = append(res, s)
					}
				}
				return res
			}
		}
		return nil
	}

	if app, ok := raw["app"].(map[string]any); ok {
		out.AppPort = getString(app, "AppPort")
		out.SessionSecret = getString(app, "SessionSecret")
		if v := getInt(app, "SessionHours"); v != 0 {
			out.SessionHours = v
		}
		if v := getInt(app, "RateLimitPerMinute"); v != 0 {
			out.RateLimitPerMinute = v
		}
		if v := getInt(app, "RequestTimeoutSec"); v != 0 {
			out.RequestTimeoutSec = v
		}
		if v := getInt(app, "PageSize"); v != 0 {
			out.PageSize = v
		}
		if v := getInt(app, "MaxPageSize"); v != 0 {
			out.MaxPageSize = v
		}
		if list := getStringSlice(app, "Topics"); len(list) > 0 {
			out.Topics = list
		}
		if list := getStringSlice(app, "AdminUsernames"); len(list) > 0 {
			out.AdminUsernames = list
		}
	}

	if g, ok := raw["gin"].(map[string]any); ok {
		if v := getString(g, "Mode"); v != "" {
			out.GinMode = v
		}
		if v := getString(g, "LogPath"); v != "" {
			out.GinPath = v
		}
	}

	if dbs, ok := raw["database"].(map[string]any); ok {
		out.DatabaseURI = getString(dbs, "DatabaseURI")
		out.DBHost = getString(dbs, "DBHost")
		out.DBPort = getString(dbs, "DBPort")
		out.DBUser = getString(dbs, "DBUser")
		out.DBPassword = getString(dbs, "DBPassword")
		out.DBName = getString(dbs, "DBName")
	}

	if rds, ok := raw["redis"].(map[string]any); ok {
		out.RedisHost = getString(rds, "RedisHost")
		if v := getInt(rds, "RedisPort"); v != 0 {
			out.RedisPort = v
		}
		if v := getInt(rds, "RedisDB"); v != 0 {
			out.RedisDB = v
		}
		out.RedisPassword = getString(rds, "RedisPassword")
	}

	if lg, ok := raw["log"].(map[string]any); ok {
		if v := getString(lg, "Level"); v != "" {
			out.LogLevel = v
		}
		if v := getString(lg, "Path"); v != "" {
			out.LogPath = v
		}
		if v := getString(lg, "GinMode"); v != "" {
			out.GinMode = v
		}
		if v := getString(lg, "GinPath"); v != "" {
			out.GinPath = v
		}
		if v := getInt(lg, "MaxSizeMB"); v != 0 {
			out.LogMaxSizeMB = v
		}
		if v := getInt(lg, "MaxBackups"); v != 0 {
			out.LogMaxBackups = v
		}
		if v := getInt(lg, "MaxAgeDays"); v != 0 {
			out.LogMaxAgeDays = v
		}
		out.LogCompress = getBool(lg, "Compress")
	}

	if up, ok := raw["uploads"].(map[string]any); ok {
		if v := getString(up, "Dir"); v != "" {
			out.UploadsDir = v
		}
		if v := getInt(up, "MaxSizeMB"); v != 0 {
			out.UploadMaxSizeMB = v
		}
	}

	// Flat keys for backward compatibility with older config files.
	if v, ok := raw["AppPort"].(string); ok && out.AppPort == "" {
		out.AppPort = v
	}
	if v, ok := raw["SessionSecret"].(string); ok && out.SessionSecret == "" {
		out.SessionSecret = v
	}
	if v, ok := raw["DatabaseURI"].(string); ok && out.DatabaseURI == "" {
		out.DatabaseURI = v
	}
	if v, ok := raw["AdminUsernames"]; ok && len(out.AdminUsernames) == 0 {
		if arr, ok := v.([]any); ok {
			for _, it := range arr {
				if s, ok := it.(string); ok {
					out.AdminUsernames = append(out.AdminUsernames, s)
				}
			}
		}
	}
	if v, ok := raw["Topics"]; ok && len(out.Topics) == 0 {
		if arr, ok := v.([]any); ok {
			for _, it := range arr {
				if s, ok := it.(string); ok {
					out.Topics = append(out.Topics, s)
				}
			}
		}
	}

	return nil
}

// applyDefaults sets sane defaults for zero-value fields.
func applyDefaults(c *AppConfig) {
	if c.AppPort == "" {
		c.AppPort = "8080"
	}
	if c.SessionHours == 0 {
		c.SessionHours = 72
	}
	if c.GinMode == "" {
		c.GinMode = "release"
	}
	if c.GinPath == "" {
		c.GinPath = "logs/go_gin.log"
	}
	if c.RateLimitPerMinute == 0 {
		c.RateLimitPerMinute = 60
	}
	if c.RequestTimeoutSec == 0 {
		c.RequestTimeoutSec = 15
	}
	if c.PageSize == 0 {
		c.PageSize = 10
	}
	if c.MaxPageSize == 0 {
		c.MaxPageSize = 100
	}
	if len(c.Topics) == 0 {
		c.Topics = []string{"general", "tech", "projects", "misc"}
	}
	if c.DBHost == "" {
		c.DBHost = "127.0.0.1"
	}
	if c.DBPort == "" {
		c.DBPort = "3306"
	}
	if c.DBUser == "" {
		c.DBUser = "root"
	}
	if c.DBName == "" {
		c.DBName = "blog"
	}
	if c.RedisHost == "" {
		c.RedisHost = "127.0.0.1"
	}
	if c.RedisPort == 0 {
		c.RedisPort = 6379
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogMaxSizeMB == 0 {
		c.LogMaxSizeMB = 100
	}
	if c.LogMaxBackups == 0 {
		c.LogMaxBackups = 3
	}
	if c.LogMaxAgeDays == 0 {
		c.LogMaxAgeDays = 7
	}
	if c.UploadsDir == "" {
		c.UploadsDir = filepath.Join("static", "uploads")
	}
	if c.UploadMaxSizeMB == 0 {
		c.UploadMaxSizeMB = 50
	}
}

// applyEnvOverrides maps known environment variables onto config values when present.
func applyEnvOverrides(c *AppConfig) {
	if v := getEnv("APP_PORT", ""); v != "" {
		c.AppPort = v
	}
	if v := getEnv("SESSION_SECRET", ""); v != "" {
		c.SessionSecret = v
	}
	if v := getEnv("SESSION_HOURS", ""); v != "" {
		c.SessionHours = mustParseInt(v)
	}
	if v := getEnv("GIN_MODE", ""); v != "" {
		c.GinMode = v
	}
	if v := getEnv("GIN_PATH", ""); v != "" {
		c.GinPath = v
	}
	if v := getEnv("DATABASE_URI", ""); v != "" {
		c.DatabaseURI = v
	}
	if v := getEnv("DB_HOST", ""); v != "" {
		c.DBHost = v
	}
	if v := getEnv("DB_PORT", ""); v != "" {
		c.DBPort = v
	}
	if v := getEnv("DB_USER", ""); v != "" {
		c.DBUser = v
	}
	if v := getEnv("DB_PASSWORD", ""); v != "" {
		c.DBPassword = v
	}
	if v := getEnv("DB_NAME", ""); v != "" {
		c.DBName = v
	}
	if v := getEnv("REDIS_HOST", ""); v != "" {
		c.RedisHost = v
	}
	if v := getEnv("REDIS_PORT", ""); v != "" {
		c.RedisPort = mustParseInt(v)
	}
	if v := getEnv("REDIS_DB", ""); v != "" {
		c.RedisDB = mustParseInt(v)
	}
	if v := getEnv("REDIS_PASSWORD", ""); v != "" {
		c.RedisPassword = v
	}
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := getEnv("LOG_PATH", ""); v != "" {
		c.LogPath = v
	}
	if v := getEnv("LOG_MAX_SIZE_MB", ""); v != "" {
		c.LogMaxSizeMB = mustParseInt(v)
	}
	if v := getEnv("LOG_MAX_BACKUPS", ""); v != "" {
		c.LogMaxBackups = mustParseInt(v)
	}
	if v := getEnv("LOG_MAX_AGE_DAYS", ""); v != "" {
		c.LogMaxAgeDays = mustParseInt(v)
	}
	if v := getEnv("LOG_COMPRESS", ""); v != "" {
		c.LogCompress = v == "true"
	}
	if v := getEnv("RATE_LIMIT_PER_MINUTE", ""); v != "" {
		c.RateLimitPerMinute = mustParseInt(v)
	}
	if v := getEnv("REQUEST_TIMEOUT_SEC", ""); v != "" {
		c.RequestTimeoutSec = mustParseInt(v)
	}
	if v := getEnv("PAGE_SIZE", ""); v != "" {
		c.PageSize = mustParseInt(v)
	}
	if v := getEnv("MAX_PAGE_SIZE", ""); v != "" {
		c.MaxPageSize = mustParseInt(v)
	}
	if v := getEnv("TOPICS", ""); v != "" {
		c.Topics = readListEnv("TOPICS", c.Topics)
	}
	if v := getEnv("ADMIN_USERNAMES", ""); v != "" {
		c.AdminUsernames = readListEnv("ADMIN_USERNAMES", c.AdminUsernames)
	}
	if v := getEnv("UPLOADS_DIR", ""); v != "" {
		c.UploadsDir = v
	}
	if v := getEnv("UPLOAD_MAX_SIZE_MB", ""); v != "" {
		c.UploadMaxSizeMB = mustParseInt(v)
	}
}

// IsAdminUsername reports whether the username is configured for the god
// privilege. Comparison is case-insensitive like the rest of the admin list.
func IsAdminUsername(username string) bool {
	c := Get()
	for _, u := range c.AdminUsernames {
		if strings.EqualFold(strings.TrimSpace(u), username) {
			return true
		}
	}
	return false
}

// IsKnownTopic reports whether topic is one of the configured topics.
// Matching is exact and case-sensitive.
func IsKnownTopic(topic string) bool {
	for _, t := range Get().Topics {
		if t == topic {
			return true
		}
	}
	return false
}

func mustParseInt(val string) int {
	i, err := strconv.Atoi(val)
	if err != nil {
		log.Fatalf("invalid integer value %s: %v", val, err)
	}
	return i
}

func readListEnv(key string, defaults []string) []string {
	if raw := os.Getenv(key); raw != "" {
		return splitAndTrim(raw)
	}
	return defaults
}

func splitAndTrim(raw string) []string {
	items := []string{}
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
