// Package config loads the registry configuration from flags, environment
// variables and an optional YAML file.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the error class of configuration problems.
var Error = errs.Class("config")

// EnvPrefix prefixes every environment variable, e.g. REGISTRY_STORE_MONGO_URI.
const EnvPrefix = "REGISTRY"

// Store kinds.
const (
	StoreMongo  = "mongo"
	StoreMemory = "memory"
)

// Blob store kinds.
const (
	BlobsLocal  = "local"
	BlobsRemote = "remote"
)

// Config is the configuration of `registry serve`.
type Config struct {
	HTTP    ListenConfig
	GRPC    ListenConfig
	Debug   ListenConfig
	Store   StoreConfig
	Blobs   BlobsConfig
	Publish PublishConfig
	Log     LogConfig
}

// ListenConfig is a listen address. An empty address disables the listener.
type ListenConfig struct {
	Address string
}

// StoreConfig selects the metadata store.
type StoreConfig struct {
	Kind     string
	MongoURI string
	Database string
}

// BlobsConfig selects the blob store.
type BlobsConfig struct {
	Kind          string
	Dir           string
	Nodes         []string
	Replicas      int
	RemoteURL     string
	Token         string
	DeleteRetries int
}

// PublishConfig tunes the publish update retries.
type PublishConfig struct {
	Attempts      int
	RetryInterval time.Duration
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string
	Development bool
}

// RegisterFlags adds every configuration key to flags with its default.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "path to a YAML config file")

	flags.String("http.address", ":8080", "HTTP listen address, empty to disable")
	flags.String("grpc.address", ":50051", "gRPC listen address, empty to disable")
	flags.String("debug.address", "127.0.0.1:9090", "debug listen address serving monkit stats, empty to disable")

	flags.String("store.kind", StoreMongo, "metadata store: mongo or memory")
	flags.String("store.mongo-uri", "mongodb://localhost:27017", "MongoDB connection string")
	flags.String("store.database", "registry", "MongoDB database name")

	flags.String("blobs.kind", BlobsLocal, "blob store: local or remote")
	flags.String("blobs.dir", "/tmp/registry/blobs", "root directory of the local blob store")
	flags.StringSlice("blobs.nodes", []string{"node-1", "node-2", "node-3"}, "node directories of the local blob store")
	flags.Int("blobs.replicas", 2, "copies of each blob in the local blob store")
	flags.String("blobs.remote-url", "", "base URL of the remote blob service")
	flags.String("blobs.token", "", "bearer token of the remote blob service")
	flags.Int("blobs.delete-retries", 3, "retries of a failed blob deletion")

	flags.Int("publish.attempts", 3, "attempts of the publish update")
	flags.Duration("publish.retry-interval", 500*time.Millisecond, "pause between publish update attempts")

	flags.String("log.level", "info", "log level")
	flags.Bool("log.development", false, "human readable development logging")
}

// Load reads the configuration of cmd. Flags set on the command line win
// over environment variables, which win over the config file.
func Load(cmd *cobra.Command) (Config, error) {
	vip := viper.New()
	if err := vip.BindPFlags(cmd.Flags()); err != nil {
		return Config{}, Error.Wrap(err)
	}
	vip.SetEnvPrefix(EnvPrefix)
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vip.AutomaticEnv()

	if path := vip.GetString("config"); path != "" {
		vip.SetConfigFile(os.ExpandEnv(path))
		if err := vip.ReadInConfig(); err != nil {
			return Config{}, Error.New("reading %s: %v", path, err)
		}
	}

	cfg := Config{
		HTTP:  ListenConfig{Address: vip.GetString("http.address")},
		GRPC:  ListenConfig{Address: vip.GetString("grpc.address")},
		Debug: ListenConfig{Address: vip.GetString("debug.address")},
		Store: StoreConfig{
			Kind:     vip.GetString("store.kind"),
			MongoURI: vip.GetString("store.mongo-uri"),
			Database: vip.GetString("store.database"),
		},
		Blobs: BlobsConfig{
			Kind:          vip.GetString("blobs.kind"),
			Dir:           vip.GetString("blobs.dir"),
			Nodes:         splitNodes(vip.GetStringSlice("blobs.nodes")),
			Replicas:      vip.GetInt("blobs.replicas"),
			RemoteURL:     vip.GetString("blobs.remote-url"),
			Token:         vip.GetString("blobs.token"),
			DeleteRetries: vip.GetInt("blobs.delete-retries"),
		},
		Publish: PublishConfig{
			Attempts:      vip.GetInt("publish.attempts"),
			RetryInterval: vip.GetDuration("publish.retry-interval"),
		},
		Log: LogConfig{
			Level:       vip.GetString("log.level"),
			Development: vip.GetBool("log.development"),
		},
	}
	return cfg, cfg.Validate()
}

// splitNodes accepts both list values and a comma separated string, which
// is how the nodes arrive from the environment.
func splitNodes(values []string) []string {
	var nodes []string
	for _, v := range values {
		for _, n := range strings.Split(v, ",") {
			if n = strings.TrimSpace(n); n != "" {
				nodes = append(nodes, n)
			}
		}
	}
	return nodes
}

// Validate checks that the selected backends are fully configured.
func (c Config) Validate() error {
	var group errs.Group
	if c.HTTP.Address == "" && c.GRPC.Address == "" {
		group.Add(Error.New("at least one of http.address and grpc.address is required"))
	}
	switch c.Store.Kind {
	case StoreMemory:
	case StoreMongo:
		if c.Store.MongoURI == "" || c.Store.Database == "" {
			group.Add(Error.New("store.mongo-uri and store.database are required for the mongo store"))
		}
	default:
		group.Add(Error.New("unknown store.kind %q", c.Store.Kind))
	}
	switch c.Blobs.Kind {
	case BlobsLocal:
		if c.Blobs.Dir == "" || len(c.Blobs.Nodes) == 0 {
			group.Add(Error.New("blobs.dir and blobs.nodes are required for the local blob store"))
		}
	case BlobsRemote:
		if c.Blobs.RemoteURL == "" {
			group.Add(Error.New("blobs.remote-url is required for the remote blob store"))
		}
	default:
		group.Add(Error.New("unknown blobs.kind %q", c.Blobs.Kind))
	}
	if c.Blobs.DeleteRetries < 0 {
		group.Add(Error.New("blobs.delete-retries must not be negative"))
	}
	return group.Err()
}

// Logger builds the process logger.
func (c LogConfig) Logger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		level, err := zap.ParseAtomicLevel(c.Level)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		zc.Level = level
	}
	log, err := zc.Build()
	return log, Error.Wrap(err)
}
