package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides overwrites fields whose PERPD_* variable is set and
// non-empty. Malformed values are ignored.
func applyEnvOverrides(cfg *Config) {
	// ── Node ──
	setStr(&cfg.Node.Name, "PERPD_NODE_NAME")
	setStr(&cfg.Node.LogLevel, "PERPD_LOG_LEVEL")
	setStr(&cfg.Node.Admin, "PERPD_ADMIN")

	// ── Storage ──
	setStr(&cfg.Storage.DataDir, "PERPD_DATA_DIR")
	setStr(&cfg.Storage.Backend, "PERPD_DB_BACKEND")
	setStr(&cfg.Storage.Namespace, "PERPD_DB_NAMESPACE")

	// ── Listeners ──
	setStr(&cfg.RPC.Addr, "PERPD_RPC_ADDR")
	setStr(&cfg.RPC.WSAddr, "PERPD_WS_ADDR")
	setBool(&cfg.Metrics.Enabled, "PERPD_METRICS_ENABLED")
	setStr(&cfg.Metrics.Addr, "PERPD_METRICS_ADDR")

	// ── Events and prices ──
	setStr(&cfg.Events.NatsURL, "PERPD_NATS_URL")
	setStr(&cfg.Events.SubjectPrefix, "PERPD_EVENTS_PREFIX")
	setStr(&cfg.Oracle.PriceSubject, "PERPD_PRICE_SUBJECT")
	setDuration(&cfg.Oracle.StaleThreshold, "PERPD_PRICE_STALE_THRESHOLD")

	// ── Keeper ──
	setBool(&cfg.Keeper.Enabled, "PERPD_KEEPER_ENABLED")
	setStr(&cfg.Keeper.Account, "PERPD_KEEPER_ACCOUNT")
	setDuration(&cfg.Keeper.Interval, "PERPD_KEEPER_INTERVAL")
	setInt(&cfg.Keeper.MarketBatch, "PERPD_KEEPER_MARKET_BATCH")

	// ── Roles ──
	setStringSlice(&cfg.Roles.PositionManagers, "PERPD_POSITION_MANAGERS")
	setStringSlice(&cfg.Roles.Liquidators, "PERPD_LIQUIDATORS")
	setStringSlice(&cfg.Roles.SettingsAdmins, "PERPD_SETTINGS_ADMINS")

	// ── Settings ──
	setStr(&cfg.Settings.FeeManager, "PERPD_FEE_MANAGER")
	setStr(&cfg.Settings.Team, "PERPD_TEAM")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the variable is
// present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
