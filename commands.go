package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pragmagrid/pragmactl/config"
	"github.com/pragmagrid/pragmactl/internal/driver"
	"github.com/pragmagrid/pragmactl/internal/driver/registry"
	"github.com/pragmagrid/pragmactl/internal/listing"
	"github.com/pragmagrid/pragmactl/internal/logging"
	"github.com/pragmagrid/pragmactl/internal/mailer"
	"github.com/pragmagrid/pragmactl/internal/metrics"
	"github.com/pragmagrid/pragmactl/internal/network"
	"github.com/pragmagrid/pragmactl/internal/params"
	"github.com/pragmagrid/pragmactl/internal/poll"
	"github.com/pragmagrid/pragmactl/internal/repository"
	"github.com/pragmagrid/pragmactl/internal/validator"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const configEnv = "PRAGMA_CONFIG"

var (
	configPath string
	logFile    string
	logLevel   string

	keyPath  string
	memory   string
	addIface string
	notify   string

	listFormat string
)

var root = &cobra.Command{
	Use:   "pragma",
	Short: "Provision virtual clusters from a template repository",
}

var boot = &cobra.Command{
	Use:   "boot <vc-name> <num-cpus> [key=path] [memory=size] [add-iface=net[:cidr],...]",
	Short: "Allocate and boot a virtual cluster",
	Example: "  pragma boot centos7 8\n" +
		"  pragma boot centos7 8 memory=4GB add-iface=ib:10.2.0.0/16",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		args, err := params.Apply(cmd, args)
		if err != nil {
			return err
		}
		if len(args) != 2 {
			return fmt.Errorf("expected <vc-name> <num-cpus>, got %d arguments", len(args))
		}

		cpus, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("num-cpus must be an integer: %q", args[1])
		}

		return runBoot(cmd.Context(), cmd.OutOrStdout(), args[0], cpus)
	},
}

var shutdown = &cobra.Command{
	Use:   "shutdown <cluster>",
	Short: "Stop every node of a virtual cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		return withCluster(cmd, args, "shutdown", func(ctx context.Context, d driver.Driver, name string) error {
			return d.Shutdown(ctx, name)
		})
	},
}

var clean = &cobra.Command{
	Use:   "clean <cluster>",
	Short: "Remove a stopped virtual cluster and release its resources",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		return withCluster(cmd, args, "clean", func(ctx context.Context, d driver.Driver, name string) error {
			return d.Clean(ctx, name)
		})
	},
}

var list = &cobra.Command{
	Use:   "list",
	Short: "List clusters or repository templates",
}

var listCluster = &cobra.Command{
	Use:   "cluster [cluster]",
	Short: "Show node states of one or every virtual cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		args, err := params.Apply(cmd, args)
		if err != nil {
			return err
		}
		if len(args) > 1 {
			return fmt.Errorf("expected at most one cluster name, got %d", len(args))
		}
		name := ""
		if len(args) == 1 {
			name = args[0]
		}

		s, err := openSession("")
		if err != nil {
			return err
		}
		defer s.close()

		d, err := registry.New(s.cfg, s.deps())
		if err != nil {
			return err
		}

		clusters, err := d.List(cmd.Context(), name)
		if err != nil {
			return fmt.Errorf("failed to list clusters: %w", err)
		}

		return listing.Clusters(cmd.OutOrStdout(), listFormat, clusters)
	},
}

var listRepository = &cobra.Command{
	Use:   "repository",
	Short: "Show the templates available in the repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		if _, err := params.Apply(cmd, args); err != nil {
			return err
		}

		s, err := openSession("")
		if err != nil {
			return err
		}
		defer s.close()

		repo, err := s.repository()
		if err != nil {
			return err
		}

		names, err := repo.List(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list repository: %w", err)
		}

		return listing.Repository(cmd.OutOrStdout(), names)
	},
}

var sync = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize local caches",
}

var syncRepository = &cobra.Command{
	Use:   "repository",
	Short: "Download every template of the repository into the local cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		if _, err := params.Apply(cmd, args); err != nil {
			return err
		}

		s, err := openSession("")
		if err != nil {
			return err
		}
		defer s.close()

		repo, err := s.repository()
		if err != nil {
			return err
		}

		if err := repo.Sync(cmd.Context()); err != nil {
			return fmt.Errorf("failed to sync repository: %w", err)
		}

		return nil
	},
}

// session is the per invocation state: configuration, logger and metrics.
type session struct {
	cfg     config.Config
	logger  *logrus.Logger
	closer  io.Closer
	metrics *metrics.Metrics
}

// openSession loads the configuration and opens the log. A non empty vc
// names the default log file after the cluster.
func openSession(vc string) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	path := logFile
	if path == "" && vc != "" {
		path = logging.DefaultFile(cfg.LogDirectory, vc, time.Now())
	}

	logger, closer, err := logging.New(logLevel, path)
	if err != nil {
		return nil, err
	}

	return &session{
		cfg:     cfg,
		logger:  logger,
		closer:  closer,
		metrics: metrics.New(),
	}, nil
}

func (s *session) deps() driver.Deps {
	return driver.Deps{
		Logger:  s.logger,
		Metrics: s.metrics,
		Poll: poll.Config{
			Interval:    s.cfg.Poll.Interval,
			MaxAttempts: s.cfg.Poll.Attempts,
		},
	}
}

func (s *session) repository() (*repository.Repository, error) {
	r := s.cfg.Repository
	return repository.New(repository.Config{
		Type:           r.Type,
		Dir:            r.Dir,
		URL:            r.URL,
		VcdbFile:       r.VcdbFile,
		KeyPairID:      r.KeyPairID,
		PrivateKeyFile: r.PrivateKeyFile,
		Concurrency:    r.Concurrency,
	}, s.logger)
}

func (s *session) close() {
	if err := s.metrics.Flush(s.cfg.MetricsFile); err != nil {
		s.logger.WithError(err).Warn("failed to flush metrics")
	}
	s.closer.Close()
}

func withCluster(cmd *cobra.Command, args []string, op string, fn func(context.Context, driver.Driver, string) error) error {
	args, err := params.Apply(cmd, args)
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return fmt.Errorf("expected <cluster>, got %d arguments", len(args))
	}
	name := args[0]

	if err := validator.ValidateName(name); err != nil {
		return err
	}

	s, err := openSession(name)
	if err != nil {
		return err
	}
	defer s.close()

	d, err := registry.New(s.cfg, s.deps())
	if err != nil {
		return err
	}

	if err := fn(cmd.Context(), d, name); err != nil {
		return fmt.Errorf("failed to %s cluster %s: %w", op, name, err)
	}

	return nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func runBoot(ctx context.Context, out io.Writer, vc string, cpus int) error {
	key, err := os.ReadFile(expandHome(keyPath))
	if err != nil {
		return fmt.Errorf("failed to read public key: %w", err)
	}

	memoryMB, err := params.ParseMemory(memory)
	if err != nil {
		return err
	}

	ifaces, err := params.ParseIfaces(addIface)
	if err != nil {
		return err
	}

	if err := validator.Validate(validator.Boot{
		Name:      vc,
		CPUs:      cpus,
		PublicKey: string(key),
		Notify:    notify,
		Ifaces:    ifaces,
	}); err != nil {
		return err
	}

	s, err := openSession(vc)
	if err != nil {
		return err
	}
	defer s.close()

	ifaces = lo.Map(ifaces, func(spec params.IfaceSpec, _ int) params.IfaceSpec { return s.cfg.Iface(spec) })

	workDir := filepath.Join(s.cfg.TempDirectory, "pragma-"+uuid.NewString())
	if err := os.MkdirAll(workDir, 0700); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	logger := s.logger.WithFields(logrus.Fields{"vc": vc, "cpus": cpus, "workdir": workDir})

	repo, err := s.repository()
	if err != nil {
		return err
	}

	tpl, err := repo.Template(ctx, vc)
	if err != nil {
		return fmt.Errorf("failed to fetch template %s: %w", vc, err)
	}

	if err := tpl.CheckArch(); err != nil {
		return err
	}

	d, err := registry.New(s.cfg, s.deps())
	if err != nil {
		return err
	}

	alloc, err := d.Allocate(ctx, driver.AllocateRequest{
		Template:  tpl,
		CPUs:      cpus,
		MemoryMB:  memoryMB,
		PublicKey: string(key),
		Ifaces:    ifaces,
		WorkDir:   workDir,
	})
	if err != nil {
		return fmt.Errorf("failed to allocate cluster: %w", err)
	}
	logger.WithField("cluster", alloc.Name).Info("cluster allocated")

	if err := d.Deploy(ctx, driver.DeployRequest{Template: tpl, Files: alloc.Files}); err != nil {
		return fmt.Errorf("failed to deploy cluster %s: %w", alloc.Name, err)
	}

	report := bootReport(vc, alloc)
	fmt.Fprintf(out, "Cluster %s booted, frontend %s\n", alloc.Name, report.Frontend)

	if notify != "" {
		m := mailer.New(s.cfg.Mail.Server, s.cfg.Mail.Sender)
		if err := m.NotifyBoot(notify, report); err != nil {
			logger.WithError(err).Warn("failed to send boot notification")
		}
	}

	return nil
}

func bootReport(vc string, alloc *driver.Allocation) mailer.BootReport {
	c := alloc.Cluster
	report := mailer.BootReport{
		Cluster:  alloc.Name,
		Template: vc,
		Frontend: c.FQDN(),
		Computes: lo.Map(c.Computes(), func(n *network.Node, _ int) string { return n.Name }),
	}
	if iface, ok := c.Frontend().Iface(network.Public); ok {
		report.PublicIP = iface.IP
	}
	if report.Frontend == "" {
		report.Frontend = c.Frontend().Name
	}
	return report
}

func defaultConfigPath() string {
	if path := os.Getenv(configEnv); path != "" {
		return path
	}
	return config.DefaultPath
}

func init() {
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to the site configuration (env "+configEnv+")")
	root.PersistentFlags().StringVar(&logFile, "logfile", "", "Write the log to this file")
	root.PersistentFlags().StringVar(&logLevel, "loglevel", logging.DefaultLevel, "Log level")

	boot.Flags().StringVar(&keyPath, "key", "~/.ssh/id_rsa.pub", "Public ssh key authorized on the frontend")
	boot.Flags().StringVar(&memory, "memory", "", "Memory per node, e.g. 4GB (default from the site configuration)")
	boot.Flags().StringVar(&addIface, "add-iface", "", "Extra interfaces as net[:cidr],...")
	boot.Flags().StringVar(&notify, "notify", "", "Mail the cluster details to this address once booted")

	listCluster.Flags().StringVar(&listFormat, "format", listing.FormatTable, "Output format: "+strings.Join(listing.Formats, ", "))

	list.AddCommand(listCluster, listRepository)
	sync.AddCommand(syncRepository)
	root.AddCommand(boot, shutdown, clean, list, sync)
}
