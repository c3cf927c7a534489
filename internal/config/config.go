// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 DOCSENSE_EMBEDDING_API_KEY 覆盖 embedding.api_key。
const EnvPrefix = "DOCSENSE"

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Tika          TikaConfig          `mapstructure:"tika"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	VectorStore   VectorStoreConfig   `mapstructure:"vector_store"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Chunking      ChunkingConfig      `mapstructure:"chunking"`
	Ingest        IngestConfig        `mapstructure:"ingest"`
	Retrieval     RetrievalConfig     `mapstructure:"retrieval"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port    string `mapstructure:"port"`
	Mode    string `mapstructure:"mode"`
	SeedDir string `mapstructure:"seed_dir"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	Driver string       `mapstructure:"driver"`
	MySQL  MySQLConfig  `mapstructure:"mysql"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
	Redis  RedisConfig  `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// SQLiteConfig 用于本地运行和 CLI。
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig 存储 Redis 的配置。Addr 为空时使用进程内锁，且不记录实时进度。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。Secret 为空时 API 不做认证。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。Brokers 为空时上传后同步入库。
type KafkaConfig struct {
	Brokers     string `mapstructure:"brokers"`
	Topic       string `mapstructure:"topic"`
	GroupID     string `mapstructure:"group_id"`
	MaxAttempts int64  `mapstructure:"max_attempts"`
}

// BrokerList 将逗号分隔的 brokers 拆分为列表。
func (k KafkaConfig) BrokerList() []string {
	return splitList(k.Brokers)
}

// TikaConfig 存储 Tika 服务器相关的配置。
type TikaConfig struct {
	ServerURL string        `mapstructure:"server_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses      string        `mapstructure:"addresses"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	IndexName      string        `mapstructure:"index_name"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     uint64        `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	InsecureTLS    bool          `mapstructure:"insecure_tls"`
}

// AddressList 将逗号分隔的地址拆分为列表。
func (e ElasticsearchConfig) AddressList() []string {
	return splitList(e.Addresses)
}

// MinIOConfig 存储 MinIO 对象存储的配置。Endpoint 为空时不支持文件上传。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// VectorStoreConfig 选择向量库实现：elasticsearch 或 memory。
type VectorStoreConfig struct {
	Provider string `mapstructure:"provider"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	Provider          string        `mapstructure:"provider"`
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Model             string        `mapstructure:"model"`
	Dimensions        int           `mapstructure:"dimensions"`
	BatchSize         int           `mapstructure:"batch_size"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        uint64        `mapstructure:"max_retries"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey         string              `mapstructure:"api_key"`
	BaseURL        string              `mapstructure:"base_url"`
	Model          string              `mapstructure:"model"`
	Timeout        time.Duration       `mapstructure:"timeout"`
	MaxRetries     uint64              `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration       `mapstructure:"retry_base_delay"`
	Generation     LLMGenerationConfig `mapstructure:"generation"`
	Prompt         LLMPromptConfig     `mapstructure:"prompt"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
}

// LLMPromptConfig 配置系统提示与上下文包裹格式（可选，留空使用内置模板）。
type LLMPromptConfig struct {
	Rules         string `mapstructure:"rules"`
	RefStart      string `mapstructure:"ref_start"`
	RefEnd        string `mapstructure:"ref_end"`
	NoResultText  string `mapstructure:"no_result_text"`
	SummaryRules  string `mapstructure:"summary_rules"`
	NoSummaryText string `mapstructure:"no_summary_text"`
}

// ChunkingConfig 配置分块策略。
type ChunkingConfig struct {
	Policy           string `mapstructure:"policy"`
	MaxSize          int    `mapstructure:"max_size"`
	AvgCharsPerToken int    `mapstructure:"avg_chars_per_token"`
}

// IngestConfig 配置入库编排。
type IngestConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	EmbedBatchSize int           `mapstructure:"embed_batch_size"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
	ProgressTTL    time.Duration `mapstructure:"progress_ttl"`
}

// RetrievalConfig 配置问答与摘要。
type RetrievalConfig struct {
	TopK                   int `mapstructure:"top_k"`
	PreviewChars           int `mapstructure:"preview_chars"`
	AnswerMaxTokens        int `mapstructure:"answer_max_tokens"`
	SummaryMaxTokens       int `mapstructure:"summary_max_tokens"`
	SummaryMaxContextChars int `mapstructure:"summary_max_context_chars"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8081")
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.sqlite.path", "data/docsense.db")
	v.SetDefault("jwt.access_token_expire_hours", 24)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("kafka.topic", "document-ingest")
	v.SetDefault("kafka.group_id", "docsense-go-consumer")
	v.SetDefault("kafka.max_attempts", 3)
	v.SetDefault("tika.timeout", "60s")
	v.SetDefault("elasticsearch.index_name", "docsense_chunks")
	v.SetDefault("elasticsearch.timeout", "10s")
	v.SetDefault("elasticsearch.max_retries", 3)
	v.SetDefault("elasticsearch.retry_base_delay", "200ms")
	v.SetDefault("minio.bucket_name", "docsense")
	v.SetDefault("vector_store.provider", "elasticsearch")
	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.batch_size", 16)
	v.SetDefault("embedding.timeout", "30s")
	v.SetDefault("embedding.max_retries", 3)
	v.SetDefault("embedding.retry_base_delay", "200ms")
	v.SetDefault("llm.base_url", "https://api.deepseek.com/v1")
	v.SetDefault("llm.model", "deepseek-chat")
	v.SetDefault("llm.timeout", "120s")
	v.SetDefault("llm.max_retries", 2)
	v.SetDefault("llm.retry_base_delay", "500ms")
	v.SetDefault("chunking.policy", "words")
	v.SetDefault("chunking.max_size", 300)
	v.SetDefault("chunking.avg_chars_per_token", 4)
	v.SetDefault("ingest.concurrency", 4)
	v.SetDefault("ingest.embed_batch_size", 16)
	v.SetDefault("ingest.lock_ttl", "30m")
	v.SetDefault("ingest.progress_ttl", "24h")
	v.SetDefault("retrieval.top_k", 5)
	v.SetDefault("retrieval.preview_chars", 200)
	v.SetDefault("retrieval.answer_max_tokens", 512)
	v.SetDefault("retrieval.summary_max_tokens", 1024)
	v.SetDefault("retrieval.summary_max_context_chars", 24000)

	// AutomaticEnv 只对 viper 已知的键生效，敏感项没有默认值也需要注册。
	for _, key := range []string{
		"database.mysql.dsn", "database.redis.addr", "database.redis.password",
		"jwt.secret", "kafka.brokers", "tika.server_url",
		"elasticsearch.addresses", "elasticsearch.username", "elasticsearch.password",
		"minio.endpoint", "minio.access_key_id", "minio.secret_access_key",
		"embedding.api_key", "llm.api_key",
	} {
		v.SetDefault(key, "")
	}
}

// Load 从指定路径读取 YAML 配置，叠加默认值与 DOCSENSE_ 前缀的环境变量。
// configPath 为空时只使用默认值和环境变量。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查取值范围与枚举项。
func (c *Config) Validate() error {
	switch c.Chunking.Policy {
	case "words", "chars":
	default:
		return fmt.Errorf("chunking.policy must be words or chars, got %q", c.Chunking.Policy)
	}
	if c.Chunking.MaxSize <= 0 {
		return fmt.Errorf("chunking.max_size must be positive")
	}
	switch c.VectorStore.Provider {
	case "elasticsearch", "memory":
	default:
		return fmt.Errorf("vector_store.provider must be elasticsearch or memory, got %q", c.VectorStore.Provider)
	}
	switch c.Embedding.Provider {
	case "openai", "hash":
	default:
		return fmt.Errorf("embedding.provider must be openai or hash, got %q", c.Embedding.Provider)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive")
	}
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("database.driver must be mysql or sqlite, got %q", c.Database.Driver)
	}
	if c.Ingest.Concurrency <= 0 || c.Ingest.EmbedBatchSize <= 0 {
		return fmt.Errorf("ingest.concurrency and ingest.embed_batch_size must be positive")
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
