package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/xela07ax/saferun-engine/internal/domain"
)

// Config — корневая структура конфигурации всего движка.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Detection DetectionConfig `mapstructure:"detection"`
}

// ServerConfig описывает настройки HTTP-сервера submission API.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig описывает подключение к PostgreSQL (архив отчетов).
// Пустой URL отключает архив целиком — движок работает и без базы.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (кэш вердиктов и Pub/Sub).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит путь к публичному RSA ключу для проверки токенов.
// Без ключа submission API работает открытым (локальный режим).
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

// EngineConfig — настройки конвейера и архиватора отчетов.
type EngineConfig struct {
	ArchiveBufferSize    int           `mapstructure:"archive_buffer_size"`
	ArchiveFlushInterval time.Duration `mapstructure:"archive_flush_interval"`

	// Период опроса лимитера и монитора
	SampleInterval time.Duration `mapstructure:"sample_interval"`

	// Сколько подряд превышений лимита считаем жестким бричем
	BreachGraceSamples int `mapstructure:"breach_grace_samples"`

	// TTL кэша вердиктов по хэшу файла
	VerdictCacheTTL time.Duration `mapstructure:"verdict_cache_ttl"`

	// Настройки Circuit Breaker вокруг контейнерного рантайма
	CBMaxRequests int           `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LevelLimits — лимиты ресурсов одного уровня безопасности.
type LevelLimits struct {
	MemoryMB             int64 `mapstructure:"memory_mb"`
	CPUPercent           int   `mapstructure:"cpu_percent"`
	ExecutionTimeSeconds int   `mapstructure:"execution_time_seconds"`
	NetworkAccess        bool  `mapstructure:"network_access"`
}

// NetworkRule — сетевая политика уровня. Направление фильтрации
// restricted_domains задается здесь, а не зашивается в код.
type NetworkRule struct {
	Outbound          bool     `mapstructure:"outbound"`
	Inbound           bool     `mapstructure:"inbound"`
	RestrictedDomains []string `mapstructure:"restricted_domains"`
}

// SandboxConfig — профили песочницы: уровни, лимиты, блэклист.
type SandboxConfig struct {
	DefaultSecurityLevel string `mapstructure:"default_security_level"`
	IsolationMethod      string `mapstructure:"isolation_method"`

	// ResourceLimits хранит таблицы per-level:
	// sandbox.resource_limits.high.memory_mb = 256 и т.д.
	ResourceLimits map[string]LevelLimits `mapstructure:"resource_limits"`

	// Приложения, запуск/порождение которых запрещен в любой сессии
	BlacklistedApplications []string `mapstructure:"blacklisted_applications"`

	NetworkRules map[string]NetworkRule `mapstructure:"network_rules"`

	// Образ контейнера для запуска целей
	ContainerImage string `mapstructure:"container_image"`

	// Рабочий каталог для staging-копий целей
	WorkDir string `mapstructure:"work_dir"`
}

// DetectionConfig — пороги и веса скорингового движка.
type DetectionConfig struct {
	SuspiciousThreshold float64 `mapstructure:"suspicious_threshold"`
	MaliciousThreshold  float64 `mapstructure:"malicious_threshold"`

	// Включенные виды поведения и их веса
	SuspiciousBehaviors []string           `mapstructure:"suspicious_behaviors"`
	BehaviorWeights     map[string]float64 `mapstructure:"behavior_weights"`

	// Путь к YAML-базе сигнатур; пусто — только встроенные
	SignatureFile string `mapstructure:"signature_file"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. ENV перекрывает файл: SANDBOX_ISOLATION_METHOD=process и т.д.
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Публичный ключ: сначала PEM напрямую из ENV (Docker/K8s),
	// иначе файл по пути из конфига
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("engine.archive_buffer_size", 1000)
	v.SetDefault("engine.archive_flush_interval", 1*time.Second)
	v.SetDefault("engine.sample_interval", 500*time.Millisecond)
	v.SetDefault("engine.breach_grace_samples", 3)
	v.SetDefault("engine.verdict_cache_ttl", 24*time.Hour)
	v.SetDefault("engine.cb_max_requests", 3)
	v.SetDefault("engine.cb_interval", 5*time.Second)
	v.SetDefault("engine.cb_timeout", 30*time.Second)

	v.SetDefault("sandbox.default_security_level", "medium")
	v.SetDefault("sandbox.isolation_method", "container")
	v.SetDefault("sandbox.container_image", "alpine:latest")

	// Таблицы лимитов по уровням
	v.SetDefault("sandbox.resource_limits.low.memory_mb", 1024)
	v.SetDefault("sandbox.resource_limits.low.cpu_percent", 50)
	v.SetDefault("sandbox.resource_limits.low.execution_time_seconds", 300)
	v.SetDefault("sandbox.resource_limits.low.network_access", true)

	v.SetDefault("sandbox.resource_limits.medium.memory_mb", 512)
	v.SetDefault("sandbox.resource_limits.medium.cpu_percent", 30)
	v.SetDefault("sandbox.resource_limits.medium.execution_time_seconds", 300)
	v.SetDefault("sandbox.resource_limits.medium.network_access", true)

	v.SetDefault("sandbox.resource_limits.high.memory_mb", 256)
	v.SetDefault("sandbox.resource_limits.high.cpu_percent", 20)
	v.SetDefault("sandbox.resource_limits.high.execution_time_seconds", 120)
	v.SetDefault("sandbox.resource_limits.high.network_access", false)

	v.SetDefault("sandbox.network_rules.low.outbound", true)
	v.SetDefault("sandbox.network_rules.low.inbound", true)
	v.SetDefault("sandbox.network_rules.medium.outbound", true)
	v.SetDefault("sandbox.network_rules.medium.inbound", false)
	v.SetDefault("sandbox.network_rules.high.outbound", false)
	v.SetDefault("sandbox.network_rules.high.inbound", false)

	v.SetDefault("detection.suspicious_threshold", 0.3)
	v.SetDefault("detection.malicious_threshold", 0.7)
	v.SetDefault("detection.suspicious_behaviors", []string{
		"registry_modification",
		"file_encryption",
		"process_injection",
		"persistence_mechanism",
		"network_scanning",
		"anomalous_resource_usage",
	})
}

// LimitsFor собирает ResourceLimits для уровня из таблиц конфига.
// Неизвестный уровень деградирует в medium — как и везде в движке.
func (c *SandboxConfig) LimitsFor(level domain.SecurityLevel) domain.ResourceLimits {
	ll, ok := c.ResourceLimits[string(level)]
	if !ok {
		ll = c.ResourceLimits[string(domain.LevelMedium)]
	}

	rule := c.NetworkRules[string(level)]

	limits := domain.ResourceLimits{
		MemoryBytes:      ll.MemoryMB * 1024 * 1024,
		CPUPercent:       ll.CPUPercent,
		ExecutionTimeout: time.Duration(ll.ExecutionTimeSeconds) * time.Second,
		NetworkAccess:    ll.NetworkAccess,
		InboundAllowed:   rule.Inbound,
	}

	// Домены фильтруются только когда конфиг включил outbound-фильтрацию
	if rule.Outbound {
		limits.RestrictedDomains = append([]string(nil), rule.RestrictedDomains...)
	}

	return limits
}

// MaxExecutionTimeout — самый длинный разрешенный прогон среди
// настроенных уровней. Он же потолок для явных перекрытий в запросе.
func (c *SandboxConfig) MaxExecutionTimeout() time.Duration {
	var max int
	for _, ll := range c.ResourceLimits {
		if ll.ExecutionTimeSeconds > max {
			max = ll.ExecutionTimeSeconds
		}
	}
	return time.Duration(max) * time.Second
}

// httpWriteMargin — запас поверх самого длинного исполнения: подготовка
// песочницы, teardown и сериализация отчета.
const httpWriteMargin = 30 * time.Second

// HTTPWriteTimeout выводит write timeout submission API. Анализ
// синхронный: ответ пишется только после терминального состояния сессии,
// поэтому write_timeout не может резать соединение раньше самого
// длинного разрешенного исполнения. Ноль остается нулем — без дедлайна.
func (c *Config) HTTPWriteTimeout() time.Duration {
	wt := c.Server.WriteTimeout
	if wt <= 0 {
		return 0
	}
	if floor := c.Sandbox.MaxExecutionTimeout() + httpWriteMargin; wt < floor {
		return floor
	}
	return wt
}

// loadKeyResource — универсальный хелпер: ENV с данными ключа важнее пути
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
