package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jeffb4/bsky-prolific-followers/internal/registry"
)

// Config holds all runtime configuration for the prolific daemon.
type Config struct {
	// Storage
	DatabaseURL string `mapstructure:"database_url"`
	SeedFile    string `mapstructure:"seed_file"`

	// Remote API
	CredentialsFile string `mapstructure:"credentials_file"`
	APIHost         string `mapstructure:"api_host"`
	PublicAPIHost   string `mapstructure:"public_api_host"`
	FirehoseHost    string `mapstructure:"firehose_host"`

	// Worker pools
	NumSchedulers  int `mapstructure:"num_schedulers"`
	NumResolvers   int `mapstructure:"num_resolvers"`
	NumReconcilers int `mapstructure:"num_reconcilers"`

	// Cache freshness
	CacheHours  int  `mapstructure:"cache_hours"`
	CacheExpire bool `mapstructure:"cache_expire"`
	RescanCache bool `mapstructure:"rescan_cache"`

	// Query-queue compaction
	ExpectedCacheSize   int64 `mapstructure:"expected_cache_size"`
	CompactionWatermark int64 `mapstructure:"compaction_watermark"`

	// Classification
	DefaultDomain string       `mapstructure:"default_domain"`
	Lists         []ListConfig `mapstructure:"lists"`

	// Ops
	OpsListen string `mapstructure:"ops_listen"`
	Verbose   bool   `mapstructure:"verbose"`
}

// ListConfig declares one moderation list.
type ListConfig struct {
	Key           string `mapstructure:"key"`
	Name          string `mapstructure:"name"`
	Description   string `mapstructure:"description"`
	Kind          string `mapstructure:"kind"`
	Threshold     int64  `mapstructure:"threshold"`
	WordFile      string `mapstructure:"word_file"`
	ExceptionFile string `mapstructure:"exception_file"`
}

// Load loads configuration from defaults, config file, environment and flags,
// in ascending precedence.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	// --config names an explicit file; otherwise pick up prolific.yaml from
	// the working directory when one exists.
	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("prolific")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("PROLIFIC")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Storage
	v.SetDefault("database_url", "cache.db")
	v.SetDefault("seed_file", "cache.json.gz")

	// Remote API
	v.SetDefault("credentials_file", "bluesky.yml")
	v.SetDefault("api_host", "https://bsky.social")
	v.SetDefault("public_api_host", "https://public.api.bsky.app")
	v.SetDefault("firehose_host", "wss://jetstream2.us-east.bsky.network/subscribe?wantedCollections=app.bsky.graph.follow")

	// Worker pools
	v.SetDefault("num_schedulers", 2)
	v.SetDefault("num_resolvers", 40)
	v.SetDefault("num_reconcilers", 20)

	// Cache freshness
	v.SetDefault("cache_hours", 1)
	v.SetDefault("cache_expire", true)
	v.SetDefault("rescan_cache", false)

	// Compaction. A zero watermark means "derive from expected_cache_size".
	v.SetDefault("expected_cache_size", 8_100_000)
	v.SetDefault("compaction_watermark", 0)

	// Classification
	v.SetDefault("default_domain", ".bsky.social")

	// Ops
	v.SetDefault("ops_listen", ":8000")
	v.SetDefault("verbose", false)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"cache":        "rescan_cache",
		"expire-cache": "cache_expire",
		"verbose":      "verbose",
	}

	for flag, key := range flags {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}

	return nil
}

func validate(cfg *Config) error {
	if cfg.NumSchedulers < 1 || cfg.NumResolvers < 1 || cfg.NumReconcilers < 1 {
		return fmt.Errorf("worker pool sizes must be at least 1")
	}
	if cfg.CacheHours < 1 {
		return fmt.Errorf("cache_hours must be at least 1")
	}
	if cfg.ExpectedCacheSize < 1 && cfg.CompactionWatermark < 1 {
		return fmt.Errorf("one of expected_cache_size or compaction_watermark must be set")
	}

	if len(cfg.Lists) == 0 {
		cfg.Lists = defaultLists()
	}

	seen := make(map[string]struct{}, len(cfg.Lists))
	for _, l := range cfg.Lists {
		if l.Key == "" || l.Name == "" {
			return fmt.Errorf("every list needs a key and a name")
		}
		if _, dup := seen[l.Key]; dup {
			return fmt.Errorf("duplicate list key %q", l.Key)
		}
		seen[l.Key] = struct{}{}

		kind, err := parseKind(l.Kind)
		if err != nil {
			return fmt.Errorf("list %q: %w", l.Key, err)
		}
		switch kind {
		case registry.KindWords:
			if l.WordFile == "" {
				return fmt.Errorf("list %q: word lists need a word_file", l.Key)
			}
		default:
			if l.Threshold < 1 {
				return fmt.Errorf("list %q: threshold must be at least 1", l.Key)
			}
		}
	}

	return nil
}

// CacheLife is the freshness window applied to cached profiles.
func (c *Config) CacheLife() time.Duration {
	return time.Duration(c.CacheHours) * time.Hour
}

// Watermark is the Query-queue depth above which compaction may run. An
// explicit compaction_watermark wins; otherwise it derives from the expected
// cache size with 30% headroom.
func (c *Config) Watermark() int64 {
	if c.CompactionWatermark > 0 {
		return c.CompactionWatermark
	}
	return int64(float64(c.ExpectedCacheSize) * 1.3)
}

// Descriptors converts the configured list table into registry descriptors.
func (c *Config) Descriptors() ([]registry.Descriptor, error) {
	out := make([]registry.Descriptor, 0, len(c.Lists))
	for _, l := range c.Lists {
		kind, err := parseKind(l.Kind)
		if err != nil {
			return nil, fmt.Errorf("list %q: %w", l.Key, err)
		}
		out = append(out, registry.Descriptor{
			Key:           l.Key,
			Name:          l.Name,
			Description:   l.Description,
			Kind:          kind,
			Threshold:     l.Threshold,
			WordFile:      l.WordFile,
			ExceptionFile: l.ExceptionFile,
		})
	}
	return out, nil
}

func parseKind(s string) (registry.Kind, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "follows":
		return registry.KindFollows, nil
	case "follows_unverified", "unverified":
		return registry.KindFollowsUnverified, nil
	case "followers":
		return registry.KindFollowers, nil
	case "words":
		return registry.KindWords, nil
	default:
		return "", fmt.Errorf("unknown list kind %q", s)
	}
}

// defaultLists is the stock list table used when none is configured.
func defaultLists() []ListConfig {
	return []ListConfig{
		{Key: "over5k", Name: "Over 5k Following", Description: "Accounts following over 5,000 others", Kind: "follows", Threshold: 5000},
		{Key: "over7k", Name: "Over 7k Following", Description: "Accounts following over 7,000 others", Kind: "follows", Threshold: 7000},
		{Key: "over10k", Name: "Over 10k Following", Description: "Accounts following over 10,000 others", Kind: "follows", Threshold: 10000},
		{Key: "over20k", Name: "Over 20k Following", Description: "Accounts following over 20,000 others", Kind: "follows", Threshold: 20000},
		{Key: "over50k", Name: "Over 50k Following", Description: "Accounts following over 50,000 others", Kind: "follows", Threshold: 50000},
		{Key: "unverified1k", Name: "Unverified Over 1k Following", Description: "Default-domain accounts following over 1,000 others", Kind: "follows-unverified", Threshold: 1000},
		{Key: "unverified5k", Name: "Unverified Over 5k Following", Description: "Default-domain accounts following over 5,000 others", Kind: "follows-unverified", Threshold: 5000},
		{Key: "followersover100k", Name: "Over 100k Followers", Description: "Accounts with over 100,000 followers", Kind: "followers", Threshold: 100000},
		{Key: "followersover500k", Name: "Over 500k Followers", Description: "Accounts with over 500,000 followers", Kind: "followers", Threshold: 500000},
		{Key: "mw", Name: "MAGA Words", Description: "Accounts whose profile matches the MAGA word list", Kind: "words", WordFile: "maga_words.txt"},
		{Key: "hate", Name: "Hate Words", Description: "Accounts whose profile matches the hate word list", Kind: "words", WordFile: "hate_words.txt"},
		{Key: "porn", Name: "Porn Words", Description: "Accounts whose profile matches the porn word list", Kind: "words", WordFile: "porn_words.txt"},
	}
}
