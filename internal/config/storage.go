package config

type Storage struct {
	Type   string         `mapstructure:"type"` // sqlite or redis
	SQLite *SQLiteStorage `mapstructure:"local,omitempty"`
	Redis  *RedisStorage  `mapstructure:"redis,omitempty"`
}

type SQLiteStorage struct {
	Path string `mapstructure:"path,omitempty"`
}

type RedisStorage struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}
