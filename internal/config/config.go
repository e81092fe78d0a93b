package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"yqhp/dispatch-engine/pkg/logger"
	"yqhp/dispatch-engine/pkg/types"
)

// Config represents the complete configuration for the dispatch engine.
type Config struct {
	Master    MasterConfig    `yaml:"master"`
	Transport TransportConfig `yaml:"transport"`
	Redis     RedisConfig     `yaml:"redis"`
	Bus       BusConfig       `yaml:"bus"`
	Returner  ReturnerConfig  `yaml:"returner"`
	Minion    MinionConfig    `yaml:"minion"`
	API       APIConfig       `yaml:"api"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// MasterConfig holds master node configuration.
type MasterConfig struct {
	ID              string        `yaml:"id" env:"DE_MASTER_ID"`
	SweepInterval   time.Duration `yaml:"sweep_interval" env:"DE_MASTER_SWEEP_INTERVAL"`
	StaleAfter      time.Duration `yaml:"stale_after" env:"DE_MASTER_STALE_AFTER"`
	DefaultDeadline time.Duration `yaml:"default_deadline" env:"DE_MASTER_DEFAULT_DEADLINE"`
}

// TransportConfig selects and tunes the wire backend.
type TransportConfig struct {
	Kind          string        `yaml:"kind" env:"DE_TRANSPORT_KIND"` // redisq, tcp, rudp
	ListenAddr    string        `yaml:"listen_addr" env:"DE_TRANSPORT_LISTEN_ADDR"`
	MaxFrameBytes int           `yaml:"max_frame_bytes" env:"DE_TRANSPORT_MAX_FRAME_BYTES"`
	SendTimeout   time.Duration `yaml:"send_timeout" env:"DE_TRANSPORT_SEND_TIMEOUT"`
	KeepAlive     time.Duration `yaml:"keep_alive" env:"DE_TRANSPORT_KEEP_ALIVE"`
	SocketMonitor bool          `yaml:"socket_monitor" env:"DE_TRANSPORT_SOCKET_MONITOR"`
	RUDP          RUDPConfig    `yaml:"rudp"`
}

// RUDPConfig tunes the reliable datagram backend.
type RUDPConfig struct {
	BufferCount   int           `yaml:"buffer_count" env:"DE_RUDP_BUFFER_COUNT"`
	RetransmitMin time.Duration `yaml:"retransmit_min" env:"DE_RUDP_RETRANSMIT_MIN"`
	RetransmitMax time.Duration `yaml:"retransmit_max" env:"DE_RUDP_RETRANSMIT_MAX"`
	MaxRetries    int           `yaml:"max_retries" env:"DE_RUDP_MAX_RETRIES"`
}

// RedisConfig holds broker connection settings for the redisq backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"DE_REDIS_ADDR"`
	Password string `yaml:"password" env:"DE_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"DE_REDIS_DB"`
	PoolSize int    `yaml:"pool_size" env:"DE_REDIS_POOL_SIZE"`
}

// BusConfig tunes the event bus.
type BusConfig struct {
	SubscriberCeiling int           `yaml:"subscriber_ceiling" env:"DE_BUS_SUBSCRIBER_CEILING"`
	PublishWindow     time.Duration `yaml:"publish_window" env:"DE_BUS_PUBLISH_WINDOW"`
}

// ReturnerConfig selects result sinks. The local cache always records; the
// sql and webhook sinks are additional.
type ReturnerConfig struct {
	Backends      []string      `yaml:"backends" env:"DE_RETURNER_BACKENDS"` // local, sql, webhook
	RecordEndTime bool          `yaml:"record_end_time" env:"DE_RETURNER_RECORD_END_TIME"`
	SQLitePath    string        `yaml:"sqlite_path" env:"DE_RETURNER_SQLITE_PATH"`
	SQLDriver     string        `yaml:"sql_driver" env:"DE_RETURNER_SQL_DRIVER"` // mysql, postgres
	SQLDSN        string        `yaml:"sql_dsn" env:"DE_RETURNER_SQL_DSN"`
	WebhookURL    string        `yaml:"webhook_url" env:"DE_RETURNER_WEBHOOK_URL"`
	WebhookRetry  int           `yaml:"webhook_retry" env:"DE_RETURNER_WEBHOOK_RETRY"`
	WebhookWait   time.Duration `yaml:"webhook_wait" env:"DE_RETURNER_WEBHOOK_WAIT"`
}

// MinionConfig holds minion node configuration.
type MinionConfig struct {
	ID                string                 `yaml:"id" env:"DE_MINION_ID"`
	Masters           []string               `yaml:"masters" env:"DE_MINION_MASTERS"`
	HeartbeatInterval time.Duration          `yaml:"heartbeat_interval" env:"DE_MINION_HEARTBEAT_INTERVAL"`
	ReconnectWait     time.Duration          `yaml:"reconnect_wait" env:"DE_MINION_RECONNECT_WAIT"`
	Grains            map[string]interface{} `yaml:"grains"`
	ScriptTimeout     time.Duration          `yaml:"script_timeout" env:"DE_MINION_SCRIPT_TIMEOUT"`
}

// APIConfig holds the REST control surface configuration.
type APIConfig struct {
	Address      string        `yaml:"address" env:"DE_API_ADDRESS"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"DE_API_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"DE_API_WRITE_TIMEOUT"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" env:"DE_LOG_LEVEL"`
	Format   string `yaml:"format" env:"DE_LOG_FORMAT"`
	Output   string `yaml:"output" env:"DE_LOG_OUTPUT"`
	FilePath string `yaml:"file_path" env:"DE_LOG_FILE_PATH"`
}

// LoggerConfig converts the logging section into the shared logger config.
func (c *Config) LoggerConfig() *logger.Config {
	return &logger.Config{
		Level:    c.Logging.Level,
		Format:   c.Logging.Format,
		Output:   c.Logging.Output,
		FilePath: c.Logging.FilePath,
		MaxSize:  100,
		MaxAge:   7,
	}
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Master: MasterConfig{
			SweepInterval:   30 * time.Second,
			StaleAfter:      90 * time.Second,
			DefaultDeadline: 60 * time.Second,
		},
		Transport: TransportConfig{
			Kind:          string(types.TransportTCP),
			ListenAddr:    ":4505",
			MaxFrameBytes: 8 * 1024 * 1024, // 8MB
			SendTimeout:   10 * time.Second,
			KeepAlive:     20 * time.Second,
			SocketMonitor: false,
			RUDP: RUDPConfig{
				BufferCount:   1024,
				RetransmitMin: 200 * time.Millisecond,
				RetransmitMax: 3 * time.Second,
				MaxRetries:    5,
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
		},
		Bus: BusConfig{
			SubscriberCeiling: 256,
			PublishWindow:     100 * time.Millisecond,
		},
		Returner: ReturnerConfig{
			Backends:      []string{"local"},
			RecordEndTime: false,
			SQLitePath:    "dispatch_jobs.db",
			WebhookRetry:  3,
			WebhookWait:   time.Second,
		},
		Minion: MinionConfig{
			Masters:           []string{"localhost:4505"},
			HeartbeatInterval: 30 * time.Second,
			ReconnectWait:     5 * time.Second,
			Grains:            make(map[string]interface{}),
			ScriptTimeout:     30 * time.Second,
		},
		API: APIConfig{
			Address:      ":4507",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
	}
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	cmdArgs    map[string]string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{cmdArgs: make(map[string]string)}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithCmdArgs sets command-line arguments for configuration override.
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < environment variables < command-line flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("从文件加载配置失败: %w", err)
		}
	}

	if err := applyEnvToStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("应用环境变量覆盖失败: %w", err)
	}

	for key, value := range l.cmdArgs {
		if err := setConfigValue(cfg, key, value); err != nil {
			return nil, fmt.Errorf("设置配置值 %s 失败: %w", key, err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // 文件不存在则使用默认值
		}
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}

	return nil
}

// applyEnvToStruct recursively applies environment variables to struct fields.
func applyEnvToStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("从环境变量 %s 设置字段 %s 失败: %w", envTag, fieldType.Name, err)
		}
	}

	return nil
}

// setConfigValue sets a configuration value by dot-notation path, e.g.
// "transport.kind" or "bus.subscriber_ceiling".
func setConfigValue(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for i, part := range parts {
		flat := strings.ReplaceAll(part, "_", "")
		field := v.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, flat) || strings.EqualFold(name, part)
		})

		if !field.IsValid() {
			return fmt.Errorf("未知的配置路径: %s", path)
		}

		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}

		if field.Kind() != reflect.Struct {
			return fmt.Errorf("期望 %s 是结构体，实际是 %s", part, field.Kind())
		}
		v = field
	}

	return nil
}

// setFieldValue sets a reflect.Value from a string value.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("无法设置字段")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("无效的时间格式: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("无效的整数: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("无效的浮点数: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("无效的布尔值: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		} else {
			return fmt.Errorf("不支持的切片类型: %s", field.Type().Elem().Kind())
		}

	default:
		return fmt.Errorf("不支持的字段类型: %s", field.Kind())
	}

	return nil
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseConfig parses a YAML configuration from bytes.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file path.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}
