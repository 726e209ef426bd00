package config

var defaults = map[string]any{
	"secret":           "",
	"log_level":        "info",
	"listen":           ":8080",
	"allowed_networks": "",

	"provider.base_url":       DEFAULT_PROVIDER_URL,
	"provider.crm_url":        DEFAULT_CRM_URL,
	"provider.timeout":        "30s",
	"provider.user_agent":     "4.12.0 com.intersvyaz.lk/1.30.1.2024040812",
	"provider.device_id":      "",
	"provider.retry_attempts": 3,

	"auth.refresh_margin": "300s",
	"auth.max_attempts":   3,
	"auth.lockout":        "5m",
	"auth.session_ttl":    "10m",

	"push.enabled":      false,
	"push.url":          "",
	"push.queue_size":   32,
	"push.heartbeat":    "45s",
	"push.stable_after": "30s",

	"device.relock_delay":    "5s",
	"device.offline_after":   "30s",
	"device.command_timeout": "10s",
	"device.cache_ttl":       "30s",

	"auto_open.enabled":   false,
	"auto_open.timezone":  "Local",
	"auto_open.file":      "auto_open.yaml",
	"auto_open.schedules": []map[string]any{},

	"events.retention": 1000,

	"storage.type":         "sqlite",
	"storage.local.path":   "./data/storage.db",
	"storage.redis.addr":   "localhost:6379",
	"storage.redis.db":     0,
	"storage.redis.prefix": "intercom:",

	"notify.queue_size":     64,
	"notify.webhook.url":    "",
	"notify.webhook.token":  "",
	"notify.email.host":     "",
	"notify.email.port":     25,
	"notify.email.username": "",
	"notify.email.password": "",
	"notify.email.from":     "intercom@example.com",
	"notify.email.to":       []string{},

	"api.token_ttl": "8760h",

	"sentry.dsn":         "",
	"sentry.environment": "production",
}

func Defaults() map[string]any {
	values := make(map[string]any)
	for k, v := range defaults {
		values[k] = v
	}
	return values
}
