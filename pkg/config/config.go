// Package config loads plugin settings from flags, environment and an
// optional config file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ovs-container-lab/calico-libnetwork/pkg/netif"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable viper reads
const EnvPrefix = "CALICO_LIBNETWORK"

// Datastore types
const (
	DatastoreEtcd   = "etcd"
	DatastoreBolt   = "bolt"
	DatastoreMemory = "memory"
)

const (
	maxPrefixLen = 11
	minMTU       = 68
	maxMTU       = 65535
)

// Config is the resolved plugin configuration
type Config struct {
	Socket      string
	IPAMSocket  string
	IPAMEnabled bool

	Hostname        string
	InterfacePrefix string
	VethMTU         int

	CommandTimeout time.Duration
	RequestTimeout time.Duration

	LogLevel logrus.Level

	Datastore Datastore

	MetricsAddress string

	LabelsEnabled     bool
	LabelsPollTimeout time.Duration

	ProfilesEnabled bool
}

// Datastore selects and configures the backing key/value store
type Datastore struct {
	Type            string
	EtcdEndpoints   []string
	EtcdDialTimeout time.Duration
	BoltPath        string
}

// SetDefaults registers defaults and environment bindings on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("socket", "/run/docker/plugins/calico.sock")
	v.SetDefault("ipam_socket", "/run/docker/plugins/calico-ipam.sock")
	v.SetDefault("ipam.enabled", true)
	v.SetDefault("hostname", "")
	v.SetDefault("interface_prefix", "cali")
	v.SetDefault("veth_mtu", 0)
	v.SetDefault("command_timeout", "5s")
	v.SetDefault("request_timeout", "30s")
	v.SetDefault("log_level", "info")
	v.SetDefault("debug", false)
	v.SetDefault("datastore.type", DatastoreEtcd)
	v.SetDefault("datastore.etcd.endpoints", []string{"http://127.0.0.1:2379"})
	v.SetDefault("datastore.etcd.dial_timeout", "5s")
	v.SetDefault("datastore.bolt.path", "/var/lib/calico/libnetwork.db")
	v.SetDefault("metrics.address", "")
	v.SetDefault("labels.enabled", false)
	v.SetDefault("labels.poll_timeout", "5s")
	v.SetDefault("profiles.enabled", true)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Names older deployments used
	_ = v.BindEnv("hostname", EnvPrefix+"_HOSTNAME", "HOSTNAME")
	_ = v.BindEnv("debug", EnvPrefix+"_DEBUG", "CALICO_DEBUG")
	_ = v.BindEnv("interface_prefix", EnvPrefix+"_INTERFACE_PREFIX", EnvPrefix+"_IFPREFIX")
	_ = v.BindEnv("labels.enabled", EnvPrefix+"_LABELS_ENABLED", EnvPrefix+"_LABEL_ENDPOINTS")
	_ = v.BindEnv("labels.poll_timeout", EnvPrefix+"_LABELS_POLL_TIMEOUT", EnvPrefix+"_LABEL_POLL_TIMEOUT")
	_ = v.BindEnv("profiles.enabled", EnvPrefix+"_PROFILES_ENABLED", EnvPrefix+"_CREATE_PROFILES")
	_ = v.BindEnv("datastore.etcd.endpoints", EnvPrefix+"_DATASTORE_ETCD_ENDPOINTS", "ETCD_ENDPOINTS")
}

// ReadFile merges a config file into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "failed to read config file %s", path)
	}
	return nil
}

// Load resolves and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	c := &Config{
		Socket:          v.GetString("socket"),
		IPAMSocket:      v.GetString("ipam_socket"),
		IPAMEnabled:     v.GetBool("ipam.enabled"),
		Hostname:        v.GetString("hostname"),
		InterfacePrefix: v.GetString("interface_prefix"),
		VethMTU:         v.GetInt("veth_mtu"),
		MetricsAddress:  v.GetString("metrics.address"),
		LabelsEnabled:   v.GetBool("labels.enabled"),
		ProfilesEnabled: v.GetBool("profiles.enabled"),
		Datastore: Datastore{
			Type:          strings.ToLower(v.GetString("datastore.type")),
			EtcdEndpoints: endpoints(v.GetStringSlice("datastore.etcd.endpoints")),
			BoltPath:      v.GetString("datastore.bolt.path"),
		},
	}

	var err error
	if c.CommandTimeout, err = duration(v, "command_timeout"); err != nil {
		return nil, err
	}
	if c.RequestTimeout, err = duration(v, "request_timeout"); err != nil {
		return nil, err
	}
	if c.LabelsPollTimeout, err = duration(v, "labels.poll_timeout"); err != nil {
		return nil, err
	}
	if c.Datastore.EtcdDialTimeout, err = duration(v, "datastore.etcd.dial_timeout"); err != nil {
		return nil, err
	}

	if c.LogLevel, err = logrus.ParseLevel(v.GetString("log_level")); err != nil {
		return nil, errors.Wrap(err, "invalid log_level")
	}
	if v.GetBool("debug") {
		c.LogLevel = logrus.DebugLevel
	}

	if c.Hostname == "" {
		if c.Hostname, err = os.Hostname(); err != nil {
			return nil, errors.Wrap(err, "failed to determine hostname")
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks settings that would otherwise fail at request time
func (c *Config) Validate() error {
	if c.Socket == "" {
		return errors.New("socket must be set")
	}
	if c.IPAMEnabled && c.IPAMSocket == "" {
		return errors.New("ipam_socket must be set when IPAM is enabled")
	}
	if c.Hostname == "" {
		return errors.New("hostname must be set")
	}
	if c.InterfacePrefix == "" || len(c.InterfacePrefix) > maxPrefixLen {
		return errors.Errorf("interface_prefix %q must be 1 to %d characters", c.InterfacePrefix, maxPrefixLen)
	}
	if c.InterfacePrefix == netif.TempPrefix {
		return errors.Errorf("interface_prefix %q is used for temporary interfaces", c.InterfacePrefix)
	}
	if c.VethMTU != 0 && (c.VethMTU < minMTU || c.VethMTU > maxMTU) {
		return errors.Errorf("veth_mtu %d out of range %d-%d", c.VethMTU, minMTU, maxMTU)
	}
	if c.CommandTimeout <= 0 {
		return errors.New("command_timeout must be positive")
	}
	if c.LabelsEnabled && c.LabelsPollTimeout <= 0 {
		return errors.New("labels.poll_timeout must be positive")
	}

	switch c.Datastore.Type {
	case DatastoreEtcd:
		if len(c.Datastore.EtcdEndpoints) == 0 {
			return errors.New("datastore.etcd.endpoints must not be empty")
		}
	case DatastoreBolt:
		if c.Datastore.BoltPath == "" {
			return errors.New("datastore.bolt.path must be set")
		}
	case DatastoreMemory:
	default:
		return errors.Errorf("unknown datastore.type %q", c.Datastore.Type)
	}
	return nil
}

// duration accepts Go durations and bare numbers of seconds
func duration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return d, nil
}

// endpoints splits comma separated entries coming from the environment
func endpoints(in []string) []string {
	out := make([]string, 0, len(in))
	for _, e := range in {
		for _, part := range strings.Split(e, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
