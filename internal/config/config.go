package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

const (
	BusDriverNATS   = "nats"
	BusDriverMemory = "memory"

	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"
)

type Config struct {
	DBDriver          string        `env:"DB_DRIVER,default=postgres"`
	DBHost            string        `env:"DB_HOST,default=localhost"`
	DBPort            int           `env:"DB_PORT,default=5432"`
	DBUser            string        `env:"DB_USER,default=shardalerts"`
	DBPassword        string        `env:"DB_PASSWORD"`
	DBName            string        `env:"DB_NAME,default=shardalerts"`
	DBSSLMode         string        `env:"DB_SSLMODE,default=disable"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS,default=10"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS,default=25"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME,default=30m"`

	BusDriver string     `env:"BUS_DRIVER,default=nats"`
	NATS      NATSConfig `env:", prefix=NATS_"`

	Symbols              []string       `env:"SYMBOLS,default=AAPL,MSFT,GOOG,AMZN,TSLA"`
	Shards               map[string]int `env:"SHARDS,default=shard-1:4,shard-2:4,shard-3:4"`
	VirtualNodesPerShard int            `env:"VIRTUAL_NODES_PER_SHARD,default=100"`
	WorkQueueSize        int            `env:"WORK_QUEUE_SIZE,default=1024"`
	ShardStoreDir        string         `env:"SHARD_STORE_DIR,default=./data/shards"`

	RelayInterval     time.Duration `env:"RELAY_INTERVAL,default=1s"`
	RelayBatchSize    int           `env:"RELAY_BATCH_SIZE,default=100"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL,default=5m"`
	ReconcilePageSize int           `env:"RECONCILE_PAGE_SIZE,default=500"`

	TelegramBotToken    string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID      int64  `env:"TELEGRAM_CHAT_ID"`
	TelegramPollTimeout int    `env:"TELEGRAM_POLL_TIMEOUT,default=60"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`
}

type NATSConfig struct {
	URL           string        `env:"URL, default=nats://localhost:4222"`
	MaxReconnect  int           `env:"MAX_RECONNECT, default=10"`
	ReconnectWait time.Duration `env:"RECONNECT_WAIT, default=2s"`
	AckWait       time.Duration `env:"ACK_WAIT, default=30s"`
	MaxDeliver    int           `env:"MAX_DELIVER, default=5"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	symbols := make([]string, 0, len(c.Symbols))
	seen := make(map[string]struct{}, len(c.Symbols))
	for _, symbol := range c.Symbols {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol == "" {
			continue
		}
		if _, ok := seen[symbol]; ok {
			continue
		}
		seen[symbol] = struct{}{}
		symbols = append(symbols, symbol)
	}
	c.Symbols = symbols
	c.BusDriver = strings.ToLower(strings.TrimSpace(c.BusDriver))
	c.DBDriver = strings.ToLower(strings.TrimSpace(c.DBDriver))
}

func (c Config) Validate() error {
	var errs []error
	switch c.BusDriver {
	case BusDriverNATS, BusDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("BUS_DRIVER must be %q or %q, got %q", BusDriverNATS, BusDriverMemory, c.BusDriver))
	}
	switch c.DBDriver {
	case DBDriverPostgres, DBDriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DBDriverPostgres, DBDriverSQLite, c.DBDriver))
	}
	if len(c.Shards) == 0 {
		errs = append(errs, errors.New("SHARDS must name at least one shard"))
	}
	for name, concurrency := range c.Shards {
		if concurrency <= 0 {
			errs = append(errs, fmt.Errorf("shard %s: concurrency must be positive", name))
		}
	}
	if c.RelayInterval <= 0 {
		errs = append(errs, errors.New("RELAY_INTERVAL must be positive"))
	}
	if c.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("RECONCILE_INTERVAL must be positive"))
	}
	if c.RelayBatchSize <= 0 {
		errs = append(errs, errors.New("RELAY_BATCH_SIZE must be positive"))
	}
	if c.ReconcilePageSize <= 0 {
		errs = append(errs, errors.New("RECONCILE_PAGE_SIZE must be positive"))
	}
	if c.WorkQueueSize <= 0 {
		errs = append(errs, errors.New("WORK_QUEUE_SIZE must be positive"))
	}
	return errors.Join(errs...)
}

// ShardNames returns the configured shard names in a stable order.
func (c Config) ShardNames() []string {
	names := make([]string, 0, len(c.Shards))
	for name := range c.Shards {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
