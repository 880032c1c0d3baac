package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const ENV_PREFIX = "PICASSO_INDEXER"

type Chain string

const (
	Chain_Picasso       Chain = "picasso"
	Chain_PicassoRococo Chain = "picasso-rococo"
)

func (c Chain) String() string {
	return string(c)
}

// Flag names, shared between cmd and config so viper keys stay consistent.
const (
	Debug = "debug"

	ChainName = "chain"

	ChainRpcUrl            = "chain.rpc-url"
	ChainRpcFetchBatchSize = "chain.fetch-batch-size"
	ChainRpcPrefetchBlocks = "chain.prefetch-blocks"

	DatabaseHost       = "database.host"
	DatabasePort       = "database.port"
	DatabaseUser       = "database.user"
	DatabasePassword   = "database.password"
	DatabaseDbName     = "database.db_name"
	DatabaseSchemaName = "database.schema_name"
	DatabaseSSLMode    = "database.ssl_mode"

	LockedValueBucketMinutes   = "locked-value.bucket-minutes"
	LockedValueRefreshSchedule = "locked-value.refresh-schedule"

	DataDogStatsdEnabled    = "datadog.statsd.enabled"
	DataDogStatsdUrl        = "datadog.statsd.url"
	DataDogStatsdSampleRate = "datadog.statsd.sample-rate"

	PrometheusEnabled = "prometheus.enabled"
	PrometheusPort    = "prometheus.port"
)

type Config struct {
	Debug             bool
	Chain             Chain
	ChainRpcConfig    ChainRpcConfig
	DatabaseConfig    DatabaseConfig
	LockedValueConfig LockedValueConfig
	DataDogConfig     DataDogConfig
	PrometheusConfig  PrometheusConfig
}

type ChainRpcConfig struct {
	BaseUrl string
	// Number of blocks requested in a single JSON-RPC batch.
	FetchBatchSize int
	// Upper bound on how far the prefetcher may run ahead of the
	// committed checkpoint.
	PrefetchBlocks int
}

type DatabaseConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	DbName     string
	SchemaName string
	SSLMode    string
}

type LockedValueConfig struct {
	BucketInterval time.Duration
	// Cron expression for the background rollup refresh.
	RefreshSchedule string
}

type DataDogConfig struct {
	StatsdConfig StatsdConfig
}

type StatsdConfig struct {
	Enabled    bool
	Url        string
	SampleRate float64
}

type PrometheusConfig struct {
	Enabled bool
	Port    int
}

func ParseChain(c string) Chain {
	switch c {
	case "picasso-rococo":
		return Chain_PicassoRococo
	default:
		return Chain_Picasso
	}
}

func KebabToSnakeCase(str string) string {
	return strings.ReplaceAll(str, "-", "_")
}

// bucketIntervalOrDefault guards the locked value bucket width. A zero or
// negative interval would make Truncate a no-op and emit one bucket per block.
func bucketIntervalOrDefault(minutes int) time.Duration {
	if minutes <= 0 {
		minutes = 10
	}
	return time.Duration(minutes) * time.Minute
}

func NewConfig() *Config {
	return &Config{
		Debug: viper.GetBool(Debug),
		Chain: ParseChain(viper.GetString(ChainName)),

		ChainRpcConfig: ChainRpcConfig{
			BaseUrl:        viper.GetString(KebabToSnakeCase(ChainRpcUrl)),
			FetchBatchSize: viper.GetInt(KebabToSnakeCase(ChainRpcFetchBatchSize)),
			PrefetchBlocks: viper.GetInt(KebabToSnakeCase(ChainRpcPrefetchBlocks)),
		},

		DatabaseConfig: DatabaseConfig{
			Host:       viper.GetString(KebabToSnakeCase(DatabaseHost)),
			Port:       viper.GetInt(KebabToSnakeCase(DatabasePort)),
			User:       viper.GetString(KebabToSnakeCase(DatabaseUser)),
			Password:   viper.GetString(KebabToSnakeCase(DatabasePassword)),
			DbName:     viper.GetString(KebabToSnakeCase(DatabaseDbName)),
			SchemaName: viper.GetString(KebabToSnakeCase(DatabaseSchemaName)),
			SSLMode:    viper.GetString(KebabToSnakeCase(DatabaseSSLMode)),
		},

		LockedValueConfig: LockedValueConfig{
			BucketInterval:  bucketIntervalOrDefault(viper.GetInt(KebabToSnakeCase(LockedValueBucketMinutes))),
			RefreshSchedule: viper.GetString(KebabToSnakeCase(LockedValueRefreshSchedule)),
		},

		DataDogConfig: DataDogConfig{
			StatsdConfig: StatsdConfig{
				Enabled:    viper.GetBool(KebabToSnakeCase(DataDogStatsdEnabled)),
				Url:        viper.GetString(KebabToSnakeCase(DataDogStatsdUrl)),
				SampleRate: viper.GetFloat64(KebabToSnakeCase(DataDogStatsdSampleRate)),
			},
		},

		PrometheusConfig: PrometheusConfig{
			Enabled: viper.GetBool(KebabToSnakeCase(PrometheusEnabled)),
			Port:    viper.GetInt(KebabToSnakeCase(PrometheusPort)),
		},
	}
}

// GetGenesisBlockHeight returns the height indexing starts from when the
// database is empty. A value greater than 1 means the indexer only carries
// partial history for the chain.
func (c *Config) GetGenesisBlockHeight() (uint64, error) {
	switch c.Chain {
	case Chain_Picasso:
		// Height at which the pablo and stakingRewards pallets went live.
		// Events before this cannot reference entities we track.
		return 1_200_000, nil
	case Chain_PicassoRococo:
		return 1, nil
	default:
		return 0, fmt.Errorf("unsupported chain %s", c.Chain)
	}
}

// HasPartialHistory reports whether indexing starts after the chain's true
// genesis, in which case entities referenced by events may legitimately
// predate the indexed range.
func (c *Config) HasPartialHistory() bool {
	genesis, err := c.GetGenesisBlockHeight()
	if err != nil {
		return false
	}
	return genesis > 1
}

// GetTrackedCurrenciesForChain maps on-chain asset ids to the currency codes
// the locked value aggregator buckets by. Assets not listed here are not
// rolled up.
func (c *Config) GetTrackedCurrenciesForChain() map[string]string {
	switch c.Chain {
	case Chain_Picasso:
		return map[string]string{
			"1":   "PICA",
			"4":   "KSM",
			"130": "USDT",
		}
	case Chain_PicassoRococo:
		return map[string]string{
			"1": "PICA",
			"4": "KSM",
		}
	default:
		return map[string]string{}
	}
}
