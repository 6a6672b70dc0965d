/*
Package config implements the type to pass the arguments to the node
and implements a function to load the parameters from a configuration file.
*/
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gitzhang10/narwhal/sign"
	"github.com/gitzhang10/narwhal/types"
	"github.com/spf13/viper"
	"go.dedis.ch/kyber/v3"
)

var ErrNotInCommittee = errors.New("authority is not in the committee")

// Parameters tune the protocol. Durations are read as strings such as "200ms".
type Parameters struct {
	GCDepth        uint64
	HeaderSize     int
	MaxHeaderDelay time.Duration
	BatchSize      int
	MaxBatchDelay  time.Duration
	SyncRetryDelay time.Duration
	SyncRetryNodes int
	FetchTimeout   time.Duration
	SyncTimeout    time.Duration
}

func DefaultParameters() Parameters {
	return Parameters{
		GCDepth:        50,
		HeaderSize:     32,
		MaxHeaderDelay: 200 * time.Millisecond,
		BatchSize:      500000,
		MaxBatchDelay:  100 * time.Millisecond,
		SyncRetryDelay: 100 * time.Millisecond,
		SyncRetryNodes: 3,
		FetchTimeout:   2 * time.Second,
		SyncTimeout:    5 * time.Second,
	}
}

// Config defines a type to describe the configuration.
type Config struct {
	Name           string
	PrivateKey     ed25519.PrivateKey
	BLSKey         kyber.Scalar
	Committee      *types.Committee
	Parameters     Parameters
	StorePath      string
	MetricsAddress string // empty disables the endpoint
	MaxPool        int
	LogLevel       int // hclog level, 1 (trace) to 5 (error)
	IsFaulty       bool
	LoadRate       int // transactions per second submitted by the load generator, 0 disables it
	TxSize         int
}

// Address returns the transport address of the authority.
func (c *Config) Address() string {
	addr, _ := c.Committee.Address(c.Name)
	return addr
}

type authorityConfig struct {
	Stake      uint64 `mapstructure:"stake"`
	Address    string `mapstructure:"address"`
	PublicKey  string `mapstructure:"public_key"`
	NetworkKey string `mapstructure:"network_key"`
}

// LoadConfig loads configuration files by package viper. Every key can be
// overridden by the environment variable configPrefix_KEY, dots replaced by
// underscores. The file is searched in paths, "./" by default.
func LoadConfig(configPrefix, configName string, paths ...string) (*Config, error) {
	viperConfig := viper.New()

	// for environment variables
	viperConfig.SetEnvPrefix(configPrefix)
	viperConfig.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperConfig.SetEnvKeyReplacer(replacer)
	viperConfig.SetConfigName(configName)
	if len(paths) == 0 {
		paths = []string{"./"}
	}
	for _, p := range paths {
		viperConfig.AddConfigPath(p)
	}
	setDefaults(viperConfig)
	err := viperConfig.ReadInConfig()
	if err != nil {
		return nil, err
	}

	privKeyED, err := hex.DecodeString(viperConfig.GetString("private_key"))
	if err != nil {
		return nil, fmt.Errorf("private_key: %w", err)
	}
	if len(privKeyED) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private_key: want %d bytes, got %d", ed25519.PrivateKeySize, len(privKeyED))
	}
	blsKeyAsBytes, err := hex.DecodeString(viperConfig.GetString("bls_key"))
	if err != nil {
		return nil, fmt.Errorf("bls_key: %w", err)
	}
	blsKey, err := sign.DecodeBLSPrivateKey(blsKeyAsBytes)
	if err != nil {
		return nil, fmt.Errorf("bls_key: %w", err)
	}

	var authoritiesConf map[string]authorityConfig
	if err := viperConfig.UnmarshalKey("authorities", &authoritiesConf); err != nil {
		return nil, err
	}
	authorities := make(map[string]types.Authority, len(authoritiesConf))
	for name, a := range authoritiesConf {
		pubKey, err := hex.DecodeString(a.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("public key of %s: %w", name, err)
		}
		networkKey, err := hex.DecodeString(a.NetworkKey)
		if err != nil {
			return nil, fmt.Errorf("network key of %s: %w", name, err)
		}
		authorities[name] = types.Authority{
			Stake:      a.Stake,
			Address:    a.Address,
			PublicKey:  pubKey,
			NetworkKey: networkKey,
		}
	}
	committee, err := types.NewCommittee(viperConfig.GetUint64("epoch"), authorities)
	if err != nil {
		return nil, err
	}

	conf := &Config{
		Name:       viperConfig.GetString("name"),
		PrivateKey: privKeyED,
		BLSKey:     blsKey,
		Committee:  committee,
		Parameters: Parameters{
			GCDepth:        viperConfig.GetUint64("parameters.gc_depth"),
			HeaderSize:     viperConfig.GetInt("parameters.header_size"),
			MaxHeaderDelay: viperConfig.GetDuration("parameters.max_header_delay"),
			BatchSize:      viperConfig.GetInt("parameters.batch_size"),
			MaxBatchDelay:  viperConfig.GetDuration("parameters.max_batch_delay"),
			SyncRetryDelay: viperConfig.GetDuration("parameters.sync_retry_delay"),
			SyncRetryNodes: viperConfig.GetInt("parameters.sync_retry_nodes"),
			FetchTimeout:   viperConfig.GetDuration("parameters.fetch_timeout"),
			SyncTimeout:    viperConfig.GetDuration("parameters.sync_timeout"),
		},
		StorePath:      viperConfig.GetString("store_path"),
		MetricsAddress: viperConfig.GetString("metrics_address"),
		MaxPool:        viperConfig.GetInt("max_pool"),
		LogLevel:       viperConfig.GetInt("log_level"),
		IsFaulty:       viperConfig.GetBool("is_faulty"),
		LoadRate:       viperConfig.GetInt("load_rate"),
		TxSize:         viperConfig.GetInt("tx_size"),
	}
	if !committee.Exists(conf.Name) {
		return nil, fmt.Errorf("%w: %q", ErrNotInCommittee, conf.Name)
	}
	if conf.StorePath == "" {
		conf.StorePath = "db_" + conf.Name
	}
	return conf, nil
}

func setDefaults(v *viper.Viper) {
	p := DefaultParameters()
	v.SetDefault("parameters.gc_depth", p.GCDepth)
	v.SetDefault("parameters.header_size", p.HeaderSize)
	v.SetDefault("parameters.max_header_delay", p.MaxHeaderDelay)
	v.SetDefault("parameters.batch_size", p.BatchSize)
	v.SetDefault("parameters.max_batch_delay", p.MaxBatchDelay)
	v.SetDefault("parameters.sync_retry_delay", p.SyncRetryDelay)
	v.SetDefault("parameters.sync_retry_nodes", p.SyncRetryNodes)
	v.SetDefault("parameters.fetch_timeout", p.FetchTimeout)
	v.SetDefault("parameters.sync_timeout", p.SyncTimeout)
	v.SetDefault("max_pool", 10)
	v.SetDefault("log_level", 3)
	v.SetDefault("tx_size", 512)
}
