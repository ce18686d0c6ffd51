package sys

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Token        string
	GuildID      string
	DatabasePath string
	CacheDir     string
	OwnerIDs     []string
	Silent       bool

	// Downloader tuning
	MaxConcurrentGlobal   int
	MaxConcurrentPerGuild int
	MaxRetries            int
	RetryDelayBase        time.Duration
	DownloadTick          time.Duration

	// Persistence / recovery
	QueueTTL       time.Duration
	NowPlayingTTL  time.Duration
	RecoveryWindow time.Duration

	// Presence
	DisconnectGrace time.Duration
}

var GlobalConfig *Config

// LoadConfig initializes the configuration from environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	token := os.Getenv("DISCORD_TOKEN")
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		folder := "."
		if info, err := os.Stat("data"); err == nil && info.IsDir() {
			folder = "./data"
		}
		dbPath = filepath.Join(folder, GetProjectName()+".db")
	}

	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		cacheDir = ".tracks"
	}

	silent, _ := strconv.ParseBool(os.Getenv("SILENT"))

	ownerIDsStr := os.Getenv("OWNER_IDS")
	var ownerIDs []string
	if ownerIDsStr != "" {
		ownerIDs = strings.Split(ownerIDsStr, ",")
		for i := range ownerIDs {
			ownerIDs[i] = strings.TrimSpace(ownerIDs[i])
		}
	}

	cfg := &Config{
		Token:                 token,
		GuildID:               os.Getenv("GUILD_ID"),
		DatabasePath:          fmt.Sprintf("%s?_journal_mode=WAL&_timeout=5000", dbPath),
		CacheDir:              cacheDir,
		OwnerIDs:              ownerIDs,
		Silent:                silent,
		MaxConcurrentGlobal:   envInt("MAX_CONCURRENT_GLOBAL", 5),
		MaxConcurrentPerGuild: envInt("MAX_CONCURRENT_PER_GUILD", 2),
		MaxRetries:            envInt("MAX_RETRIES", 3),
		RetryDelayBase:        envDuration("RETRY_DELAY_BASE", 2*time.Second),
		DownloadTick:          envDuration("DOWNLOAD_TICK", 5*time.Second),
		QueueTTL:              envDuration("QUEUE_TTL", time.Hour),
		NowPlayingTTL:         envDuration("NOW_PLAYING_TTL", 30*time.Minute),
		RecoveryWindow:        envDuration("RECOVERY_WINDOW", 30*time.Minute),
		DisconnectGrace:       envDuration("DISCONNECT_GRACE", 5*time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf(MsgConfigMissingToken)
	}
	if c.GuildID != "" && (len(c.GuildID) < 17 || len(c.GuildID) > 20) {
		return fmt.Errorf("invalid GUILD_ID: must be a valid Snowflake")
	}
	if c.MaxConcurrentGlobal < 1 || c.MaxConcurrentPerGuild < 1 {
		return fmt.Errorf("concurrency limits must be at least 1")
	}
	return nil
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "xybeat"
	if err == nil {
		projectName = filepath.Base(exePath)
		projectName = strings.TrimSuffix(projectName, ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") {
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}
