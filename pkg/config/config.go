package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Milvus      MilvusConfig
	SQLite      SQLiteConfig
	Redis       RedisConfig
	LLM         LLMConfig
	Pipeline    PipelineConfig
	Optimizer   OptimizerConfig
	GroundTruth GroundTruthConfig
	Logging     LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
	IndexType      string
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type LLMConfig struct {
	Provider       string
	Model          string
	APIKey         string
	Temperature    float32
	MaxTokens      int
	TimeoutSec     int
	EmbeddingModel string
	EmbeddingDim   int
}

type PipelineConfig struct {
	DebounceMs       int
	SettleDelayMs    int
	QueueCapacity    int
	SampleSize       int
	MinFieldFreq     float64
	WaitTimeoutMs    int
	SeedQueryCount   int
	MaxExampleValues int
}

type OptimizerConfig struct {
	MaxIterations      int
	TargetAccuracy     float64
	MaxActionsPerIter  int
	ValueTolerance     float64
	DryRun             bool
}

type GroundTruthConfig struct {
	ConfidenceFloor float64
	SkipNullKeys    bool
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/rag-admin")

	viper.SetEnvPrefix("RAG_ADMIN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 10485760)

	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.collectionName", "org_documents")
	viper.SetDefault("milvus.vectorDim", 1536)
	viper.SetDefault("milvus.indexType", "IVF_FLAT")

	viper.SetDefault("sqlite.path", "./data/ragadmin.db")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.maxTokens", 2048)
	viper.SetDefault("llm.timeoutSec", 60)
	viper.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	viper.SetDefault("llm.embeddingDim", 1536)

	viper.SetDefault("pipeline.debounceMs", 2000)
	viper.SetDefault("pipeline.settleDelayMs", 500)
	viper.SetDefault("pipeline.queueCapacity", 100)
	viper.SetDefault("pipeline.sampleSize", 100)
	viper.SetDefault("pipeline.minFieldFreq", 0.10)
	viper.SetDefault("pipeline.waitTimeoutMs", 60000)
	viper.SetDefault("pipeline.seedQueryCount", 5)
	viper.SetDefault("pipeline.maxExampleValues", 5)

	viper.SetDefault("optimizer.maxIterations", 5)
	viper.SetDefault("optimizer.targetAccuracy", 0.95)
	viper.SetDefault("optimizer.maxActionsPerIter", 3)
	viper.SetDefault("optimizer.valueTolerance", 0.02)
	viper.SetDefault("optimizer.dryRun", false)

	viper.SetDefault("groundtruth.confidenceFloor", 0.5)
	viper.SetDefault("groundtruth.skipNullKeys", true)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
