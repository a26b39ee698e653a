package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Websocket timing, shared by every session.
const (
	WriteWait      = 10 * time.Second
	PongWait       = 60 * time.Second
	PingPeriod     = (PongWait * 9) / 10
	MaxMessageSize = 64 * 1024
	SendBuffer     = 256

	// TypingExpiry is how long clients keep a typing indicator visible.
	// There is no typing-stop event.
	TypingExpiry = 1500 * time.Millisecond

	HistoryOnJoin = 50
)

// ErrInvalid is returned when the environment cannot produce a usable Config.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Port  int
	Rooms []string

	Region           string
	UserPoolID       string
	ClientID         string
	Domain           string
	Issuer           string
	AuthFetchTimeout time.Duration

	HistoryBackend string
	DatabaseURL    string
	SQLitePath     string
	DBMaxConns     int32
	StoreTimeout   time.Duration

	BusURL        string
	SubjectPrefix string
	StreamName    string

	S3Bucket  string
	PublicDir string

	LogLevel     string
	LogFormat    string
	OTLPEndpoint string
}

// Load reads an optional .env file and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: reading .env: %v", ErrInvalid, err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function so tests don't touch the
// process environment.
func FromEnv(getenv func(string) string) (*Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		Region:         get("AWS_REGION", "us-east-1"),
		UserPoolID:     get("COGNITO_USER_POOL_ID", ""),
		ClientID:       get("COGNITO_CLIENT_ID", ""),
		Domain:         get("COGNITO_DOMAIN", ""),
		HistoryBackend: strings.ToLower(get("HISTORY_BACKEND", "postgres")),
		DatabaseURL:    get("DATABASE_URL", ""),
		SQLitePath:     get("SQLITE_PATH", "roomchat.db"),
		BusURL:         get("BUS_URL", get("REDIS_ENDPOINT", "")),
		SubjectPrefix:  get("BUS_SUBJECT_PREFIX", "chat"),
		StreamName:     get("BUS_STREAM", "CHAT_ROOMS"),
		S3Bucket:       get("S3_BUCKET", ""),
		PublicDir:      get("PUBLIC_DIR", "public"),
		LogLevel:       strings.ToLower(get("LOG_LEVEL", "info")),
		LogFormat:      strings.ToLower(get("LOG_FORMAT", "json")),
		OTLPEndpoint:   get("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	var err error
	if cfg.Port, err = parseInt(get("PORT", "80")); err != nil {
		return nil, fmt.Errorf("%w: PORT: %v", ErrInvalid, err)
	}
	conns, err := parseInt(get("DB_MAX_CONNS", "10"))
	if err != nil || conns <= 0 {
		return nil, fmt.Errorf("%w: DB_MAX_CONNS must be a positive integer", ErrInvalid)
	}
	cfg.DBMaxConns = int32(conns)
	if cfg.AuthFetchTimeout, err = time.ParseDuration(get("AUTH_FETCH_TIMEOUT", "5s")); err != nil {
		return nil, fmt.Errorf("%w: AUTH_FETCH_TIMEOUT: %v", ErrInvalid, err)
	}
	if cfg.StoreTimeout, err = time.ParseDuration(get("STORE_TIMEOUT", "5s")); err != nil {
		return nil, fmt.Errorf("%w: STORE_TIMEOUT: %v", ErrInvalid, err)
	}

	cfg.Rooms = ParseRooms(get("ROOMS", "lobby,tech,gaming"))
	cfg.Issuer = get("AUTH_ISSUER", CognitoIssuer(cfg.Region, cfg.UserPoolID))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the cross-field rules Load relies on. It is also called
// after CLI flags override fields.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Port)
	}
	if len(c.Rooms) == 0 {
		return fmt.Errorf("%w: at least one room is required", ErrInvalid)
	}
	switch c.HistoryBackend {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for the postgres history backend", ErrInvalid)
		}
	case "sqlite", "memory":
	default:
		return fmt.Errorf("%w: unknown HISTORY_BACKEND %q", ErrInvalid, c.HistoryBackend)
	}
	if c.Issuer == "" {
		return fmt.Errorf("%w: set COGNITO_USER_POOL_ID or AUTH_ISSUER", ErrInvalid)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// CognitoIssuer returns the issuer URL of a Cognito user pool, or "" when
// no pool is configured.
func CognitoIssuer(region, userPoolID string) string {
	if userPoolID == "" {
		return ""
	}
	return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", region, userPoolID)
}

// ParseRooms splits a comma separated room list, trimming blanks and
// dropping duplicates while keeping the first-seen order.
func ParseRooms(raw string) []string {
	seen := make(map[string]struct{})
	var rooms []string
	for _, part := range strings.Split(raw, ",") {
		room := strings.TrimSpace(part)
		if room == "" {
			continue
		}
		if _, dup := seen[room]; dup {
			continue
		}
		seen[room] = struct{}{}
		rooms = append(rooms, room)
	}
	return rooms
}

func parseInt(v string) (int, error) {
	return strconv.Atoi(v)
}
