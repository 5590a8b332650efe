package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "notes_db", cfg.Database.Database)
				assert.Equal(t, 6379, cfg.Redis.Port)
				assert.Equal(t, "notes_exchange", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "sync-daemon", cfg.App.Name)
				assert.Equal(t, 4, cfg.Worker.PoolSize)
				assert.Equal(t, 500*time.Millisecond, cfg.Worker.TickInterval)
				assert.Equal(t, 10*time.Minute, cfg.Worker.JobTimeout)
				assert.Equal(t, 4, cfg.Batch.Fanout)
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "notes_db",
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		RabbitMQ: RabbitMQConfig{
			Enabled:  true,
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "notes_exchange"},
			Queue:    QueueConfig{Name: "thread_ready_queue"},
		},
		Worker: WorkerConfig{
			PoolSize:      4,
			JobTimeout:    10 * time.Minute,
			AttachmentDir: "/tmp/attachments",
		},
		Batch: BatchConfig{Fanout: 4},
	}
}

func TestConfig_ValidateDaemonConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "rabbitmq disabled skips broker checks",
			mutate:  func(c *Config) { c.RabbitMQ = RabbitMQConfig{} },
			wantErr: false,
		},
		{
			name:      "missing database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "invalid database port",
			mutate:    func(c *Config) { c.Database.Port = 70000 },
			wantErr:   true,
			errString: "invalid database port",
		},
		{
			name:      "missing database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name:      "missing redis host",
			mutate:    func(c *Config) { c.Redis.Host = "" },
			wantErr:   true,
			errString: "redis host is required",
		},
		{
			name:      "invalid redis port",
			mutate:    func(c *Config) { c.Redis.Port = 0 },
			wantErr:   true,
			errString: "invalid redis port",
		},
		{
			name:      "invalid server port",
			mutate:    func(c *Config) { c.Server.Port = -1 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "zero pool size",
			mutate:    func(c *Config) { c.Worker.PoolSize = 0 },
			wantErr:   true,
			errString: "pool_size must be greater than 0",
		},
		{
			name:      "zero job timeout",
			mutate:    func(c *Config) { c.Worker.JobTimeout = 0 },
			wantErr:   true,
			errString: "job_timeout must be greater than 0",
		},
		{
			name:      "missing attachment dir",
			mutate:    func(c *Config) { c.Worker.AttachmentDir = "" },
			wantErr:   true,
			errString: "attachment_dir is required",
		},
		{
			name:      "rabbitmq enabled without host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name:      "rabbitmq enabled without exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			wantErr:   true,
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "rabbitmq enabled without queue name",
			mutate:    func(c *Config) { c.RabbitMQ.Queue.Name = "" },
			wantErr:   true,
			errString: "rabbitmq queue name is required",
		},
		{
			name: "drive enabled without credentials",
			mutate: func(c *Config) {
				c.Drive = DriveConfig{Enabled: true, WorkDir: "/tmp/sync"}
			},
			wantErr:   true,
			errString: "drive credentials are required",
		},
		{
			name: "drive enabled without work dir",
			mutate: func(c *Config) {
				c.Drive = DriveConfig{
					Enabled:      true,
					ClientID:     "id",
					ClientSecret: "secret",
					RefreshToken: "token",
				}
			},
			wantErr:   true,
			errString: "drive work_dir is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateDaemonConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateBatchConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name: "server and rabbitmq sections are not consulted",
			mutate: func(c *Config) {
				c.Server = ServerConfig{}
				c.RabbitMQ = RabbitMQConfig{Enabled: true}
			},
			wantErr: false,
		},
		{
			name:      "zero fanout",
			mutate:    func(c *Config) { c.Batch.Fanout = 0 },
			wantErr:   true,
			errString: "batch fanout must be greater than 0",
		},
		{
			name:      "missing database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateBatchConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
