package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ovs-container-lab/calico-libnetwork/pkg/calico"
	"github.com/ovs-container-lab/calico-libnetwork/pkg/config"
	"github.com/ovs-container-lab/calico-libnetwork/pkg/driver"
	"github.com/ovs-container-lab/calico-libnetwork/pkg/labels"
	"github.com/ovs-container-lab/calico-libnetwork/pkg/metrics"
	"github.com/ovs-container-lab/calico-libnetwork/pkg/netif"
	"github.com/ovs-container-lab/calico-libnetwork/pkg/server"
	"github.com/ovs-container-lab/calico-libnetwork/pkg/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	pluginName    = "calico-libnetwork"
	pluginVersion = "0.1.0"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	config.SetDefaults(v)
	var configFile string

	cmd := &cobra.Command{
		Use:           pluginName,
		Short:         "Calico network and IPAM driver for Docker",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.ReadFile(v, configFile); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if err := run(cfg); err != nil {
				logrus.WithError(err).Error("Plugin exited")
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "Optional config file (yaml, json or toml)")
	flags.String("socket", v.GetString("socket"), "Network driver socket path")
	flags.String("ipam-socket", v.GetString("ipam_socket"), "IPAM driver socket path")
	flags.Bool("ipam", v.GetBool("ipam.enabled"), "Serve the IPAM driver")
	flags.String("hostname", "", "Hostname endpoints are registered under (default: system hostname)")
	flags.String("interface-prefix", v.GetString("interface_prefix"), "Host side interface name prefix")
	flags.Int("veth-mtu", v.GetInt("veth_mtu"), "MTU of created veth pairs (0 keeps the kernel default)")
	flags.String("datastore", v.GetString("datastore.type"), "Datastore type: etcd, bolt or memory")
	flags.StringSlice("etcd-endpoints", v.GetStringSlice("datastore.etcd.endpoints"), "etcd endpoints")
	flags.String("bolt-path", v.GetString("datastore.bolt.path"), "bbolt database file")
	flags.String("metrics-address", "", "Serve Prometheus metrics on this address")
	flags.Bool("label-endpoints", false, "Copy container labels onto endpoints")
	flags.Bool("create-profiles", v.GetBool("profiles.enabled"), "Create a Calico profile per network")
	flags.String("log-level", v.GetString("log_level"), "Log level")
	flags.Bool("debug", false, "Enable debug logging")

	for key, flag := range map[string]string{
		"socket":                   "socket",
		"ipam_socket":              "ipam-socket",
		"ipam.enabled":             "ipam",
		"hostname":                 "hostname",
		"interface_prefix":         "interface-prefix",
		"veth_mtu":                 "veth-mtu",
		"datastore.type":           "datastore",
		"datastore.etcd.endpoints": "etcd-endpoints",
		"datastore.bolt.path":      "bolt-path",
		"metrics.address":          "metrics-address",
		"labels.enabled":           "label-endpoints",
		"profiles.enabled":         "create-profiles",
		"log_level":                "log-level",
		"debug":                    "debug",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", pluginName, pluginVersion)
		},
	})
	return cmd
}

func run(cfg *config.Config) error {
	logger := logrus.StandardLogger()
	logger.SetLevel(cfg.LogLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	logger.Infof("Starting %s version %s", pluginName, pluginVersion)
	logger.WithFields(logrus.Fields{
		"hostname":  cfg.Hostname,
		"datastore": cfg.Datastore.Type,
		"socket":    cfg.Socket,
	}).Debug("Loaded configuration")

	kv, err := openStore(cfg.Datastore)
	if err != nil {
		return err
	}
	defer kv.Close()

	backend := calico.NewClient(kv)
	m := metrics.New()

	var labeler driver.Labeler
	if cfg.LabelsEnabled {
		inspector, err := labels.NewDockerInspector()
		if err != nil {
			return err
		}
		defer inspector.Close()
		labeler = labels.NewPopulator(inspector, backend, cfg.Hostname, cfg.LabelsPollTimeout, m, logger)
		logger.Infof("Endpoint labelling enabled (poll timeout %s)", cfg.LabelsPollTimeout)
	}

	driverConfig := driver.Config{
		Hostname:        cfg.Hostname,
		InterfacePrefix: cfg.InterfacePrefix,
		VethMTU:         cfg.VethMTU,
		RequestTimeout:  cfg.RequestTimeout,
		DisableProfiles: !cfg.ProfilesEnabled,
	}
	links := netif.NewClient(logger, cfg.CommandTimeout)
	networkDriver := driver.New(driverConfig, backend, links, labeler, logger)

	var srv *server.Server
	if cfg.IPAMEnabled {
		srv = server.New(networkDriver, driver.NewIPAM(driverConfig, backend, logger), m, logger)
	} else {
		srv = server.New(networkDriver, nil, m, logger)
	}

	sockets := []string{cfg.Socket}
	if cfg.IPAMEnabled && cfg.IPAMSocket != cfg.Socket {
		sockets = append(sockets, cfg.IPAMSocket)
	}

	errCh := make(chan error, len(sockets)+1)
	for _, path := range sockets {
		if err := prepareSocket(path); err != nil {
			return err
		}
		go func(path string) {
			logger.Infof("Listening on %s", path)
			errCh <- errors.Wrapf(srv.ServeUnix(path), "serving on %s", path)
		}(path)
	}

	if cfg.MetricsAddress != "" {
		go func() {
			logger.Infof("Serving metrics on %s", cfg.MetricsAddress)
			errCh <- errors.Wrap(m.ListenAndServe(cfg.MetricsAddress), "serving metrics")
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infof("Received %s, shutting down", sig)
		for _, path := range sockets {
			os.Remove(path)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func openStore(ds config.Datastore) (store.Store, error) {
	switch ds.Type {
	case config.DatastoreEtcd:
		return store.NewEtcdStore(ds.EtcdEndpoints, ds.EtcdDialTimeout)
	case config.DatastoreBolt:
		return store.NewBoltStore(ds.BoltPath)
	case config.DatastoreMemory:
		logrus.Warn("Using the in-memory datastore; state is lost on restart")
		return store.NewMemoryStore(), nil
	}
	return nil, errors.Errorf("unknown datastore type %q", ds.Type)
}

// prepareSocket creates the plugin directory and removes a stale socket
func prepareSocket(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create plugin directory")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove stale socket %s", path)
	}
	return nil
}
