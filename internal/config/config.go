package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
// 各コンポーネントは構築時にこのスナップショットを受け取り、
// 実行時にグローバルな設定を参照することはない。
type Config struct {
	// Database
	DatabasePath string

	// JFA-GO
	JfaBaseURL  string
	JfaUsername string
	JfaPassword string

	// Invite
	LinkValidityDays  int
	TrialDurationDays int
	TrialProfile      string
	InviteLinkBaseURL string

	// Notification
	NoticeWindowDays         int           // 何日先までの失効を取得するか
	NotificationIntervalDays int           // 同一ユーザーへの再通知の最小間隔
	NotificationOffsets      []int         // 失効何日前に通知するか（例: 3,0）
	ExpiryCheckInterval      time.Duration // 失効チェックの実行間隔

	// Sync
	UserSyncInterval time.Duration // リモートユーザーミラーの同期間隔

	// Roles
	PlanRoleMap   map[string]string // プラン名 → ロール名
	TrialRoleName string

	// Channels
	AdminLogChannelID string

	// Ops
	ServerPort    string
	AdminAPIToken string // 空の場合、管理APIルートは公開されない
	DebugMode     bool
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.JfaBaseURL = os.Getenv("JFA_BASE_URL")
	if cfg.JfaBaseURL == "" {
		missing = append(missing, "JFA_BASE_URL")
	}

	cfg.JfaUsername = os.Getenv("JFA_USERNAME")
	if cfg.JfaUsername == "" {
		missing = append(missing, "JFA_USERNAME")
	}

	cfg.JfaPassword = os.Getenv("JFA_PASSWORD")
	if cfg.JfaPassword == "" {
		missing = append(missing, "JFA_PASSWORD")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DatabasePath = getEnvString("DATABASE_PATH", "inviteman.db")
	cfg.LinkValidityDays = getEnvInt("LINK_VALIDITY_DAYS", 1)
	cfg.TrialDurationDays = getEnvInt("TRIAL_DURATION_DAYS", 3)
	cfg.TrialProfile = getEnvString("TRIAL_PROFILE", "Default Profile")
	cfg.InviteLinkBaseURL = getEnvString("INVITE_LINK_BASE_URL", "")
	cfg.NoticeWindowDays = getEnvInt("NOTICE_WINDOW_DAYS", 4)
	cfg.NotificationIntervalDays = getEnvInt("NOTIFICATION_INTERVAL_DAYS", 2)
	cfg.NotificationOffsets = getEnvIntList("NOTIFICATION_OFFSETS", []int{3, 0})
	cfg.ExpiryCheckInterval = getEnvDuration("EXPIRY_CHECK_INTERVAL", 6*time.Hour)
	cfg.UserSyncInterval = getEnvDuration("USER_SYNC_INTERVAL", 12*time.Hour)
	cfg.PlanRoleMap = getEnvStringMap("PLAN_ROLE_MAP")
	cfg.TrialRoleName = getEnvString("TRIAL_ROLE_NAME", "Trial")
	cfg.AdminLogChannelID = getEnvString("ADMIN_LOG_CHANNEL_ID", "")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.AdminAPIToken = getEnvString("ADMIN_API_TOKEN", "")
	cfg.DebugMode = getEnvBool("DEBUG_MODE", false)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate は読み込んだ値の整合性を検証する。
func validate(cfg *Config) error {
	if cfg.NoticeWindowDays <= 0 {
		return fmt.Errorf("NOTICE_WINDOW_DAYS must be positive, got %d", cfg.NoticeWindowDays)
	}
	if cfg.NotificationIntervalDays < 0 {
		return fmt.Errorf("NOTIFICATION_INTERVAL_DAYS must not be negative, got %d", cfg.NotificationIntervalDays)
	}
	for _, d := range cfg.NotificationOffsets {
		if d < 0 {
			return fmt.Errorf("NOTIFICATION_OFFSETS must not contain negative values, got %d", d)
		}
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvIntList はカンマ区切りの整数リストを読み込む（例: "3,0"）。
// 1つでも解析に失敗した場合はデフォルト値を返す。
func getEnvIntList(key string, defaultVal []int) []int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	result := make([]int, 0, len(parts))
	for _, p := range parts {
		i, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return defaultVal
		}
		result = append(result, i)
	}
	return result
}

// getEnvStringMap はカンマ区切りのkey=valueペアを読み込む
// （例: "Premium=Premium Role,Basic=Basic Role"）。
// 形式が不正なペアは無視する。
func getEnvStringMap(key string) map[string]string {
	result := make(map[string]string)
	v := os.Getenv(key)
	if v == "" {
		return result
	}
	for _, pair := range strings.Split(v, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		if k == "" || val == "" {
			continue
		}
		result[k] = val
	}
	return result
}
