// Package registry maps the configured driver name to its constructor.
package registry

import (
	"fmt"
	"os"
	"sort"

	incusclient "github.com/lxc/incus/client"
	"github.com/lxc/incus/shared/api"
	"github.com/pragmagrid/pragmactl/config"
	"github.com/pragmagrid/pragmactl/internal/cloudstack"
	"github.com/pragmagrid/pragmactl/internal/driver"
	"github.com/pragmagrid/pragmactl/internal/driver/baremetal"
	"github.com/pragmagrid/pragmactl/internal/driver/cloud"
	"github.com/pragmagrid/pragmactl/internal/errdefs"
	"github.com/pragmagrid/pragmactl/internal/executor"
	"github.com/pragmagrid/pragmactl/internal/incus"
	"github.com/pragmagrid/pragmactl/internal/rocks"
	"github.com/pragmagrid/pragmactl/internal/stager"
	"github.com/samber/lo"
)

type Factory func(cfg config.Config, deps driver.Deps) (driver.Driver, error)

var factories = map[string]Factory{
	config.DriverKVMRocks:   newKVMRocks,
	config.DriverIncus:      newIncus,
	config.DriverCloudStack: newCloudStack,
}

// connectIncus is replaced in tests.
var connectIncus = incus.Connect

func Names() []string {
	names := lo.Keys(factories)
	sort.Strings(names)
	return names
}

func New(cfg config.Config, deps driver.Deps) (driver.Driver, error) {
	factory, ok := factories[cfg.Driver]
	if !ok {
		return nil, errdefs.Configf("unknown driver %q, expected one of %v", cfg.Driver, Names())
	}

	d, err := factory(cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s driver: %w", cfg.Driver, err)
	}

	return d, nil
}

func siteConfig(name string, s config.Site) baremetal.Config {
	return baremetal.Config{
		Name:          name,
		PublicNetwork: s.PublicNetwork,
		PublicFirst:   s.PublicFirst,
		PublicLast:    s.PublicLast,
		Gateway:       s.Gateway,
		DNS:           s.DNS,
		Domain:        s.Domain,
		MTU:           s.MTU,
		VlanLow:       s.VlanLow,
		VlanHigh:      s.VlanHigh,
		FrontendCPUs:  s.FrontendCPUs,
		MemoryMB:      s.MemoryMB(),
		Allocator:     s.AllocatorOptions(),
		Hostnames:     s.HostnameMap(),
	}
}

func newKVMRocks(cfg config.Config, deps driver.Deps) (driver.Driver, error) {
	exec := executor.New(deps.Logger)

	backend := rocks.New(rocks.Config{
		Command: cfg.KVMRocks.Command,
		DiskDir: cfg.KVMRocks.DiskDir,
	}, exec, deps.Logger)

	s := cfg.KVMRocks.Stager
	stg, err := stager.New(stager.Config{
		Type:     s.Type,
		WorkDir:  s.WorkDir,
		NAS:      s.NAS,
		Pool:     s.Pool,
		Snapshot: s.Snapshot,
	}, exec, deps.Logger)
	if err != nil {
		return nil, err
	}

	return baremetal.New(siteConfig(config.DriverKVMRocks, cfg.KVMRocks.Site), backend, stg, deps), nil
}

func readPEM(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", errdefs.Configf("failed to read %s: %v", path, err)
	}
	return string(data), nil
}

func newIncus(cfg config.Config, deps driver.Deps) (driver.Driver, error) {
	c := cfg.Incus

	args := &incusclient.ConnectionArgs{}
	for path, dst := range map[string]*string{
		c.ClientCert: &args.TLSClientCert,
		c.ClientKey:  &args.TLSClientKey,
		c.ServerCert: &args.TLSServerCert,
	} {
		pem, err := readPEM(path)
		if err != nil {
			return nil, err
		}
		*dst = pem
	}

	server, err := connectIncus(c.URL, args)
	if err != nil {
		return nil, err
	}

	backend := incus.New(incus.Config{
		Server: server,
		Hosts: lo.Map(c.Members, func(m config.Member, _ int) incus.Host {
			return incus.Host{Name: m.Name, CPUs: m.CPUs}
		}),
		Bridge:      c.Bridge,
		Parent:      c.Parent,
		Pool:        c.StoragePool,
		Type:        api.InstanceType(c.Type),
		OccupiedIPs: c.OccupiedIPs,
	}, deps.Logger)

	return baremetal.New(siteConfig(config.DriverIncus, c.Site), backend, backend, deps), nil
}

func newCloudStack(cfg config.Config, deps driver.Deps) (driver.Driver, error) {
	c := cfg.CloudStack

	client, err := cloudstack.New(cloudstack.Config{
		URL:               c.URL,
		APIKey:            c.APIKey,
		SecretKey:         c.SecretKey,
		TemplateFilter:    c.TemplateFilter,
		RequestsPerSecond: c.RequestsPerSecond,
		Timeout:           c.Timeout,
		Poll:              deps.PollConfig(),
	}, deps.Logger)
	if err != nil {
		return nil, err
	}

	return cloud.New(cloud.Config{
		Name:          config.DriverCloudStack,
		PublicNetwork: c.PublicNetwork,
		PrivatePrefix: c.PrivatePrefix,
		VMPrefix:      c.VMPrefix,
		Ports:         c.Ports,
		FrontendCPUs:  c.FrontendCPUs,
		DNS:           c.DNS,
		Domain:        c.Domain,
		MTU:           c.MTU,
	}, client, deps), nil
}
