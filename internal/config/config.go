package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/unitylab/unity-coordinator/internal/broker"
	"github.com/unitylab/unity-coordinator/internal/embeddings"
	"github.com/unitylab/unity-coordinator/internal/memory"
	"github.com/unitylab/unity-coordinator/internal/router"
	"github.com/unitylab/unity-coordinator/internal/vectorstore"
)

// Config is the full coordinator configuration.
type Config struct {
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`

	Broker     broker.Config      `mapstructure:"broker"`
	Router     router.Config      `mapstructure:"router"`
	Memory     memory.Config      `mapstructure:"memory"`
	Embeddings embeddings.Config  `mapstructure:"embeddings"`

	VectorStore struct {
		// Backend selects the vector store: "qdrant" or "memory".
		Backend string                  `mapstructure:"backend"`
		Qdrant  vectorstore.QdrantConfig `mapstructure:"qdrant"`
	} `mapstructure:"vectorstore"`

	History struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"history"`

	Workflow struct {
		TemplatesPath string `mapstructure:"templates_path"`
	} `mapstructure:"workflow"`

	Admin struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"admin"`
}

// Load reads the config file from CONFIG_PATH (default
// ./config/coordinator.yaml), applies environment overrides prefixed with
// UNITY_, and fills defaults. A missing file is not an error; defaults
// and env are enough to run locally.
func Load() (*Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "./config/coordinator.yaml"
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	v.SetEnvPrefix("UNITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("broker.addr", "localhost:6379")
	v.SetDefault("broker.db", 1)

	v.SetDefault("router.channel_prefix", "unity")
	v.SetDefault("router.max_queue_size", 1000)
	v.SetDefault("router.overflow_policy", "drop_newest")
	v.SetDefault("router.default_timeout", "30s")
	v.SetDefault("router.heartbeat_interval", "10s")

	v.SetDefault("memory.default_ttl", "1h")
	v.SetDefault("memory.sweep_interval", "1m")
	v.SetDefault("memory.search_overfetch", 2)

	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("embeddings.dimensions", 384)
	v.SetDefault("embeddings.cache_ttl", "1h")

	v.SetDefault("vectorstore.backend", "memory")
	v.SetDefault("vectorstore.qdrant.host", "localhost")
	v.SetDefault("vectorstore.qdrant.port", 6333)
	v.SetDefault("vectorstore.qdrant.collection", "unity_memories")

	v.SetDefault("history.driver", "sqlite3")
	v.SetDefault("history.dsn", "./data/workflow_history.db")

	v.SetDefault("workflow.templates_path", "./config/templates.yaml")

	v.SetDefault("admin.port", 8081)
}
