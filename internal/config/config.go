// Package config 负责加载和管理应用程序的配置。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"pdf-assistant-go/pkg/errs"
)

// 全局配置变量，供服务端入口使用。组件只接收自己的子配置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Log           LogConfig           `mapstructure:"log"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Index         IndexConfig         `mapstructure:"index"`
	Chunking      ChunkingConfig      `mapstructure:"chunking"`
	Extractor     ExtractorConfig     `mapstructure:"extractor"`
	Tika          TikaConfig          `mapstructure:"tika"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	LLM           LLMConfig           `mapstructure:"llm"`
	WebSearch     WebSearchConfig     `mapstructure:"websearch"`
	Retrieval     RetrievalConfig     `mapstructure:"retrieval"`
	Summary       SummaryConfig       `mapstructure:"summary"`
	Ingest        IngestConfig        `mapstructure:"ingest"`
	Registry      RegistryConfig      `mapstructure:"registry"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Blob          BlobConfig          `mapstructure:"blob"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// StorageConfig 存储本地数据目录。
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// IndexConfig 存储向量索引的配置。
type IndexConfig struct {
	Backend        string        `mapstructure:"backend"` // local | elasticsearch
	Path           string        `mapstructure:"path"`
	Metric         string        `mapstructure:"metric"` // cosine | l2
	RebuildRatio   float64       `mapstructure:"rebuild_ratio"`
	SaveOnMutation bool          `mapstructure:"save_on_mutation"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
}

// ChunkingConfig 以字符（rune）为单位。
type ChunkingConfig struct {
	Size    int `mapstructure:"size"`
	Overlap int `mapstructure:"overlap"`
	Slack   int `mapstructure:"slack"`
}

// ExtractorConfig 选择 PDF 文本提取后端。
type ExtractorConfig struct {
	Backend string `mapstructure:"backend"` // local | tika
}

// TikaConfig 存储 Tika 服务器相关的配置。
type TikaConfig struct {
	ServerURL string        `mapstructure:"server_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	Provider    string        `mapstructure:"provider"` // openai | ollama | local
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Dimensions  int           `mapstructure:"dimensions"`
	BatchSize   int           `mapstructure:"batch_size"`
	Parallelism int           `mapstructure:"parallelism"`
	Timeout     time.Duration `mapstructure:"timeout"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	Provider   string              `mapstructure:"provider"` // openai | ollama | anthropic
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Model      string              `mapstructure:"model"`
	Timeout    time.Duration       `mapstructure:"timeout"`
	Generation LLMGenerationConfig `mapstructure:"generation"`
	Prompt     LLMPromptConfig     `mapstructure:"prompt"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// LLMPromptConfig 配置系统提示与上下文包裹格式（可选）。
type LLMPromptConfig struct {
	Rules        string `mapstructure:"rules"`
	RefStart     string `mapstructure:"ref_start"`
	RefEnd       string `mapstructure:"ref_end"`
	NoResultText string `mapstructure:"no_result_text"`
}

// WebSearchConfig 存储网络搜索的配置。
type WebSearchConfig struct {
	Provider    string        `mapstructure:"provider"` // none | google
	APIKey      string        `mapstructure:"api_key"`
	EngineID    string        `mapstructure:"engine_id"`
	Endpoint    string        `mapstructure:"endpoint"`
	MaxResults  int           `mapstructure:"max_results"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MinInterval time.Duration `mapstructure:"min_interval"`
}

// RetrievalConfig 存储检索与上下文组装的配置。
type RetrievalConfig struct {
	TopK               int           `mapstructure:"top_k"`
	ContextTokenBudget int           `mapstructure:"context_token_budget"`
	QueryTimeout       time.Duration `mapstructure:"query_timeout"`
}

// SummaryConfig 存储摘要生成的配置。
type SummaryConfig struct {
	MaxChunks       int  `mapstructure:"max_chunks"`
	TokenBudget     int  `mapstructure:"token_budget"`
	FallbackOnError bool `mapstructure:"fallback_on_error"`
}

// IngestConfig 存储上传与入库流程的配置。
type IngestConfig struct {
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
	Async          bool          `mapstructure:"async"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
}

// RegistryConfig 选择文档登记表的存储后端。
type RegistryConfig struct {
	Backend string `mapstructure:"backend"` // bolt | mysql
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置，Addr 为空表示使用进程内缓存。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// BlobConfig 选择原始 PDF 的存储后端。
type BlobConfig struct {
	Backend string `mapstructure:"backend"` // local | minio
	Dir     string `mapstructure:"dir"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// MetricsConfig 控制 /metrics 暴露。
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("storage.data_dir", "data")
	v.SetDefault("index.backend", "local")
	v.SetDefault("index.path", "data/index.db")
	v.SetDefault("index.metric", "cosine")
	v.SetDefault("index.rebuild_ratio", 0.2)
	v.SetDefault("index.save_on_mutation", true)
	v.SetDefault("index.flush_interval", 30*time.Second)
	v.SetDefault("chunking.size", 800)
	v.SetDefault("chunking.overlap", 100)
	v.SetDefault("chunking.slack", 120)
	v.SetDefault("extractor.backend", "local")
	v.SetDefault("tika.server_url", "http://localhost:9998")
	v.SetDefault("tika.timeout", 60*time.Second)
	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.batch_size", 64)
	v.SetDefault("embedding.parallelism", 4)
	v.SetDefault("embedding.timeout", 60*time.Second)
	v.SetDefault("embedding.cache_ttl", 7*24*time.Hour)
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 120*time.Second)
	v.SetDefault("websearch.provider", "none")
	v.SetDefault("websearch.max_results", 3)
	v.SetDefault("websearch.timeout", 5*time.Second)
	v.SetDefault("websearch.min_interval", time.Second)
	v.SetDefault("retrieval.top_k", 5)
	v.SetDefault("retrieval.context_token_budget", 1500)
	v.SetDefault("retrieval.query_timeout", 60*time.Second)
	v.SetDefault("summary.max_chunks", 10)
	v.SetDefault("summary.token_budget", 3000)
	v.SetDefault("ingest.max_upload_bytes", 16<<20)
	v.SetDefault("ingest.timeout", 5*time.Minute)
	v.SetDefault("ingest.max_attempts", 3)
	v.SetDefault("registry.backend", "bolt")
	v.SetDefault("elasticsearch.index_name", "pdf_chunks")
	v.SetDefault("blob.backend", "local")
	v.SetDefault("blob.dir", "data/uploads")
	v.SetDefault("kafka.topic", "pdf-ingest")
	v.SetDefault("kafka.group_id", "pdf-assistant-ingest")
	v.SetDefault("metrics.enabled", true)

	// 没有默认值的键需要显式绑定环境变量，否则 Unmarshal 时不可见
	for _, key := range []string{
		"log.output_path",
		"embedding.api_key", "embedding.dimensions",
		"llm.api_key", "llm.generation.temperature", "llm.generation.top_p", "llm.generation.max_tokens",
		"llm.prompt.rules", "llm.prompt.ref_start", "llm.prompt.ref_end", "llm.prompt.no_result_text",
		"websearch.api_key", "websearch.engine_id", "websearch.endpoint",
		"summary.fallback_on_error", "ingest.async",
		"database.mysql.dsn", "database.redis.addr", "database.redis.password", "database.redis.db",
		"elasticsearch.addresses", "elasticsearch.username", "elasticsearch.password",
		"minio.endpoint", "minio.access_key_id", "minio.secret_access_key", "minio.use_ssl", "minio.bucket_name",
		"kafka.brokers",
	} {
		_ = v.BindEnv(key)
	}
}

// Load 读取 .env、YAML 文件与 PDFRAG_ 前缀的环境变量，返回解析后的配置。
// configPath 为空或文件不存在时只使用默认值与环境变量。
func Load(configPath string) (*Config, error) {
	// .env 不存在是正常情况
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("PDFRAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !isNotExist(err, &notFound) {
				return nil, fmt.Errorf("读取配置文件失败: %w", err)
			}
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

// Init 加载配置到全局 Conf，失败时 panic，仅供服务端入口使用。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = *cfg
}

// Validate 校验互相约束的配置项。
func (c *Config) Validate() error {
	if c.Chunking.Size <= 0 || c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		return errs.E(errs.KindInvalidChunkConfig,
			fmt.Sprintf("chunking.overlap (%d) must be >= 0 and < chunking.size (%d)", c.Chunking.Overlap, c.Chunking.Size), nil)
	}
	checks := []struct {
		key   string
		value string
		allow []string
	}{
		{"index.backend", c.Index.Backend, []string{"local", "elasticsearch"}},
		{"index.metric", c.Index.Metric, []string{"cosine", "l2"}},
		{"extractor.backend", c.Extractor.Backend, []string{"local", "tika"}},
		{"embedding.provider", c.Embedding.Provider, []string{"openai", "ollama", "local"}},
		{"llm.provider", c.LLM.Provider, []string{"openai", "ollama", "anthropic"}},
		{"websearch.provider", c.WebSearch.Provider, []string{"none", "google"}},
		{"registry.backend", c.Registry.Backend, []string{"bolt", "mysql"}},
		{"blob.backend", c.Blob.Backend, []string{"local", "minio"}},
	}
	for _, ch := range checks {
		if !contains(ch.allow, ch.value) {
			return fmt.Errorf("%s: unsupported value %q (allowed: %s)", ch.key, ch.value, strings.Join(ch.allow, ", "))
		}
	}
	if c.Index.RebuildRatio <= 0 {
		return fmt.Errorf("index.rebuild_ratio must be > 0, got %v", c.Index.RebuildRatio)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// isNotExist 判断配置文件缺失；SetConfigFile 时 viper 返回的是底层 fs 错误。
func isNotExist(err error, notFound *viper.ConfigFileNotFoundError) bool {
	return errors.As(err, notFound) || errors.Is(err, fs.ErrNotExist)
}
