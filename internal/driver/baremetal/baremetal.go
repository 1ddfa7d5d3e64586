// Package baremetal drives backends that place virtual nodes on physical
// hosts they manage: CPUs are packed onto hosts, the frontend gets a public
// address and every cluster gets its own vlan for the private network.
package baremetal

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/pragmagrid/pragmactl/internal/allocator"
	"github.com/pragmagrid/pragmactl/internal/driver"
	"github.com/pragmagrid/pragmactl/internal/errdefs"
	"github.com/pragmagrid/pragmactl/internal/manifest"
	"github.com/pragmagrid/pragmactl/internal/metrics"
	"github.com/pragmagrid/pragmactl/internal/models"
	"github.com/pragmagrid/pragmactl/internal/network"
	"github.com/pragmagrid/pragmactl/internal/params"
	"github.com/pragmagrid/pragmactl/internal/poll"
	"github.com/pragmagrid/pragmactl/internal/pool"
	"github.com/pragmagrid/pragmactl/pkg/utils"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const (
	PrivateSubnet     = "10.1.0.0"
	PrivateNetmask    = "255.255.0.0"
	FrontendPrivateIP = "10.1.1.1"

	privateFirst = "10.1.1.254"
	privateLast  = "10.1.1.2"
)

// InventoryQuery reports the CPU accounting of every physical host.
type InventoryQuery interface {
	Capacities(ctx context.Context) ([]models.HostCapacity, error)
}

type Backend interface {
	InventoryQuery
	UsedAddresses(ctx context.Context) ([]net.IP, error)
	UsedVlans(ctx context.Context) ([]int, error)
	CreateCluster(ctx context.Context, spec models.ClusterSpec) (models.CreatedCluster, error)
	// ClusterStatus lists one cluster, or all of them when name is empty.
	ClusterStatus(ctx context.Context, name string) ([]models.ClusterStatus, error)
	SetNodeState(ctx context.Context, node string, action models.NodeAction) error
	Disks(ctx context.Context, name string) ([]models.Disk, error)
	RemoveCluster(ctx context.Context, name string) error
}

type ImageStager interface {
	Stage(ctx context.Context, req models.StageRequest) error
	Remove(ctx context.Context, disk models.Disk) error
}

// Resolver finds the name of the public address; *net.Resolver fits.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

type Config struct {
	// Name labels metrics and logs, e.g. "kvm_rocks".
	Name          string
	PublicNetwork net.IPNet
	PublicFirst   net.IP
	PublicLast    net.IP
	Gateway       string
	DNS           string
	Domain        string
	MTU           int
	VlanLow       int
	VlanHigh      int
	FrontendCPUs  int
	MemoryMB      int
	Allocator     allocator.Options
	// Hostnames maps public addresses to names ahead of reverse DNS.
	Hostnames map[string]string
}

type Driver struct {
	cfg      Config
	backend  Backend
	stager   ImageStager
	resolver Resolver
	deps     driver.Deps
	logger   logrus.FieldLogger
}

var _ driver.Driver = (*Driver)(nil)

type Option func(*Driver)

func WithResolver(r Resolver) Option {
	return func(d *Driver) { d.resolver = r }
}

func New(cfg Config, backend Backend, stager ImageStager, deps driver.Deps, opts ...Option) *Driver {
	if cfg.FrontendCPUs <= 0 {
		cfg.FrontendCPUs = 1
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = driver.DefaultMemoryMB
	}

	d := &Driver{
		cfg:      cfg,
		backend:  backend,
		stager:   stager,
		resolver: net.DefaultResolver,
		deps:     deps,
		logger:   deps.Logger.WithField("driver", cfg.Name),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

func (d *Driver) Allocate(ctx context.Context, req driver.AllocateRequest) (*driver.Allocation, error) {
	alloc, err := d.allocate(ctx, req)

	if d.deps.Metrics != nil {
		d.deps.Metrics.Allocations.WithLabelValues(d.cfg.Name, metrics.Result(err)).Inc()
		if err == nil {
			d.deps.Metrics.AllocatedCPUs.Set(float64(alloc.Plan.Total()))
		}
	}

	return alloc, err
}

func (d *Driver) allocate(ctx context.Context, req driver.AllocateRequest) (*driver.Allocation, error) {
	capacities, err := d.backend.Capacities(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get host capacities: %w", err)
	}

	plan, err := allocator.Plan(req.CPUs, capacities, d.cfg.Allocator)
	if err != nil {
		return nil, fmt.Errorf("failed to plan %d cpus: %w", req.CPUs, err)
	}

	d.logger.WithFields(logrus.Fields{
		"requested": req.CPUs,
		"plan":      plan,
	}).Info("planned cpus")

	if err := checkNetworks(len(plan), req.Ifaces); err != nil {
		return nil, err
	}

	publicIP, err := d.freePublicIP(ctx)
	if err != nil {
		return nil, err
	}

	vlan, err := d.freeVlan(ctx)
	if err != nil {
		return nil, err
	}

	fqdn, err := d.lookupName(ctx, publicIP)
	if err != nil {
		return nil, err
	}
	frontend, _, _ := strings.Cut(fqdn, ".")

	memory := req.MemoryMB
	if memory <= 0 {
		memory = d.cfg.MemoryMB
	}

	spec := models.ClusterSpec{
		Frontend: models.FrontendSpec{
			Name:     frontend,
			FQDN:     fqdn,
			PublicIP: publicIP,
			CPUs:     d.cfg.FrontendCPUs,
		},
		Computes: lo.Map(plan, func(g models.Grant, _ int) models.ComputeSpec {
			return models.ComputeSpec{Host: g.Host, CPUs: g.CPUs}
		}),
		MemoryMB:      memory,
		Vlan:          vlan,
		ExtraNetworks: lo.Map(req.Ifaces, func(s params.IfaceSpec, _ int) string { return s.Network }),
		Images:        images(req),
	}

	d.logger.WithFields(logrus.Fields{
		"frontend": fqdn,
		"ip":       publicIP.String(),
		"vlan":     vlan,
	}).Info("creating cluster")

	created, err := d.backend.CreateCluster(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster %s: %w", frontend, err)
	}

	cluster, err := d.buildNetwork(req, fqdn, publicIP, created)
	if err != nil {
		return nil, err
	}

	files, err := manifest.WriteFiles(req.WorkDir, cluster)
	if err != nil {
		return nil, fmt.Errorf("failed to write manifests: %w", err)
	}

	return &driver.Allocation{
		Name:    created.Frontend.Name,
		Plan:    plan,
		Cluster: cluster,
		Files:   files,
	}, nil
}

func images(req driver.AllocateRequest) map[models.Role]string {
	out := make(map[models.Role]string)
	if req.Template == nil {
		return out
	}

	for _, role := range []models.Role{models.RoleFrontend, models.RoleCompute} {
		if disk, err := req.Template.Disk(role); err == nil {
			out[role] = disk.Source()
		}
	}
	return out
}

func (d *Driver) freePublicIP(ctx context.Context) (net.IP, error) {
	used, err := d.backend.UsedAddresses(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get used addresses: %w", err)
	}

	p, err := pool.NewRangePool(d.cfg.PublicNetwork, d.cfg.PublicFirst, d.cfg.PublicLast, used, pool.WithResource("public IPs"))
	if err != nil {
		return nil, err
	}

	return p.Next()
}

func (d *Driver) freeVlan(ctx context.Context) (int, error) {
	used, err := d.backend.UsedVlans(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get used vlans: %w", err)
	}

	p, err := pool.NewVlanPool(d.cfg.VlanLow, d.cfg.VlanHigh, used)
	if err != nil {
		return 0, err
	}

	return p.Next()
}

func (d *Driver) lookupName(ctx context.Context, ip net.IP) (string, error) {
	if name, ok := d.cfg.Hostnames[ip.String()]; ok {
		return name, nil
	}

	names, err := d.resolver.LookupAddr(ctx, ip.String())
	if err != nil || len(names) == 0 {
		return "", errdefs.Configf("public ip %s has no reverse dns name", ip)
	}

	return strings.TrimSuffix(names[0], "."), nil
}

func (d *Driver) buildNetwork(req driver.AllocateRequest, fqdn string, publicIP net.IP, created models.CreatedCluster) (*network.ClusterNetwork, error) {
	computes := lo.Map(created.Computes, func(n models.NodeInfo, _ int) string { return n.Name })
	c := network.New(created.Frontend.Name, fqdn, computes)
	c.SetKey(req.PublicKey)
	c.SetDNS(network.DNS{IP: d.cfg.DNS, Search: "local", Domain: d.cfg.Domain})

	ones, _ := d.cfg.PublicNetwork.Mask.Size()
	if err := c.AddNet(network.Public, d.cfg.PublicNetwork.IP.String(), net.IP(net.CIDRMask(ones, 32)).String(), d.cfg.MTU); err != nil {
		return nil, err
	}

	if err := c.AddNet(network.Private, PrivateSubnet, PrivateNetmask, d.cfg.MTU,
		network.WithRange(net.ParseIP(privateFirst), net.ParseIP(privateLast))); err != nil {
		return nil, err
	}

	for _, spec := range req.Ifaces {
		subnet, netmask := "", ""
		if spec.CIDR != nil {
			subnet = spec.CIDR.IP.String()
			netmask = net.IP(spec.CIDR.Mask).String()
		}
		if err := c.AddNet(spec.Network, subnet, netmask, d.cfg.MTU); err != nil {
			return nil, err
		}
	}

	fe := created.Frontend
	if err := d.addIfaces(c, fe, map[string]string{
		network.Public:  publicIP.String(),
		network.Private: FrontendPrivateIP,
	}, req); err != nil {
		return nil, err
	}
	if err := c.AddGw(fe.Name, d.cfg.Gateway); err != nil {
		return nil, err
	}
	if err := c.SetCPUs(fe.Name, max(fe.CPUs, d.cfg.FrontendCPUs)); err != nil {
		return nil, err
	}

	byName := lo.KeyBy(created.Computes, func(n models.NodeInfo) string { return n.Name })
	for _, node := range c.Computes() {
		info := byName[node.VM]

		if err := d.addIfaces(c, info, map[string]string{network.Private: network.Unassigned}, req); err != nil {
			return nil, err
		}
		if err := c.AddGw(node.VM, FrontendPrivateIP); err != nil {
			return nil, err
		}
		if err := c.SetCPUs(node.VM, info.CPUs); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// checkNetworks fails before the backend is touched when a network cannot
// be written to the manifest or cannot address every node of the cluster.
func checkNetworks(computes int, ifaces []params.IfaceSpec) error {
	private := int(utils.IPToUint32(net.ParseIP(privateFirst))-utils.IPToUint32(net.ParseIP(privateLast))) + 1
	if computes > private {
		return &errdefs.ExhaustedError{Resource: fmt.Sprintf("addresses on network %s for %d computes", network.Private, computes)}
	}

	for _, spec := range ifaces {
		if !network.ValidName(spec.Network) {
			return errdefs.Configf("add-iface %q: %v", spec.Network, network.ErrInvalidName)
		}
		if spec.CIDR == nil {
			continue
		}

		ones, bits := spec.CIDR.Mask.Size()
		if hosts := (1 << (bits - ones)) - 2; computes+1 > hosts {
			return &errdefs.ExhaustedError{Resource: fmt.Sprintf("addresses on network %s for %d nodes", spec.Network, computes+1)}
		}
	}

	return nil
}

// addIfaces attaches a node to its base networks with the given addresses
// and to every requested extra network.
func (d *Driver) addIfaces(c *network.ClusterNetwork, info models.NodeInfo, base map[string]string, req driver.AllocateRequest) error {
	reported := lo.KeyBy(info.Interfaces, func(i models.InterfaceInfo) string { return network.NormalizeName(i.Network) })

	for _, name := range []string{network.Public, network.Private} {
		ip, ok := base[name]
		if !ok {
			continue
		}

		iface := reported[name]
		if err := c.AddIface(info.Name, name, ip, iface.MAC, iface.Device); err != nil {
			return fmt.Errorf("failed to add %s interface of %s: %w", name, info.Name, err)
		}
	}

	for _, spec := range req.Ifaces {
		iface := reported[network.NormalizeName(spec.Network)]

		ip := iface.IP
		if spec.CIDR != nil {
			ip = network.Unassigned
		}

		if err := c.AddIface(info.Name, spec.Network, ip, iface.MAC, iface.Device); err != nil {
			return errdefs.Configf("add-iface %s on %s: %v", spec.Network, info.Name, err)
		}
	}

	return nil
}

func (d *Driver) Deploy(ctx context.Context, req driver.DeployRequest) error {
	c, err := manifest.ReadFile(req.Files.Cluster)
	if err != nil {
		return err
	}

	name := c.Frontend().VM

	disks, err := d.backend.Disks(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to get disks of %s: %w", name, err)
	}
	byNode := lo.KeyBy(disks, func(disk models.Disk) string { return disk.Node })

	var errs error
	for _, node := range c.Nodes() {
		err := d.deployNode(ctx, req, node, byNode[node.VM], req.ManifestPath(node))
		d.deps.Record("deploy", err)
		if err != nil {
			d.logger.WithError(err).WithField("node", node.VM).Error("failed to deploy node")
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", node.VM, err))
		}
	}

	if errs != nil {
		return fmt.Errorf("failed to deploy cluster %s: %w", name, errs)
	}

	return nil
}

func (d *Driver) deployNode(ctx context.Context, req driver.DeployRequest, node *network.Node, disk models.Disk, manifestPath string) error {
	source := ""
	if req.Template != nil {
		tplDisk, err := req.Template.Disk(node.Role)
		if err != nil {
			return err
		}
		source = tplDisk.Source()
	}

	logger := d.logger.WithFields(logrus.Fields{"node": node.VM, "host": disk.Host})

	logger.Info("staging image")
	if err := d.stager.Stage(ctx, models.StageRequest{
		Node:     node.VM,
		Role:     node.Role,
		Host:     disk.Host,
		Disk:     disk.Path,
		Source:   source,
		Manifest: manifestPath,
	}); err != nil {
		return fmt.Errorf("failed to stage image: %w", err)
	}

	logger.Info("booting")
	if err := d.backend.SetNodeState(ctx, node.VM, models.ActionStart); err != nil {
		return fmt.Errorf("failed to boot: %w", err)
	}

	return nil
}

func (d *Driver) List(ctx context.Context, name string) ([]models.ClusterStatus, error) {
	statuses, err := d.backend.ClusterStatus(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}

	if name != "" {
		if _, ok := driver.FindCluster(statuses, name); !ok {
			return nil, errdefs.Configf("cluster %s not found", name)
		}
	}

	return statuses, nil
}

func (d *Driver) status(ctx context.Context, name string) (models.ClusterStatus, error) {
	statuses, err := d.List(ctx, name)
	if err != nil {
		return models.ClusterStatus{}, err
	}

	status, _ := driver.FindCluster(statuses, name)
	return status, nil
}

func (d *Driver) Shutdown(ctx context.Context, name string) error {
	status, err := d.status(ctx, name)
	if err != nil {
		return err
	}

	var errs error
	for _, node := range status.Active() {
		err := d.backend.SetNodeState(ctx, node.Name, models.ActionStop)
		d.deps.Record("shutdown", err)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", node.Name, err))
			continue
		}
		d.logger.WithField("node", node.Name).Info("stopping")
	}
	if errs != nil {
		return fmt.Errorf("failed to stop cluster %s: %w", name, errs)
	}

	return poll.Until(ctx, "shutdown of "+name, d.deps.PollConfig(), func(ctx context.Context) (bool, error) {
		status, err := d.status(ctx, name)
		if err != nil {
			return false, err
		}
		return status.Stopped(), nil
	})
}

func (d *Driver) Clean(ctx context.Context, name string) error {
	status, err := d.status(ctx, name)
	if err != nil {
		return err
	}

	if active := status.Active(); len(active) > 0 {
		names := lo.Map(active, func(n models.NodeStatus, _ int) string { return n.Name })
		return errdefs.Configf("cluster %s has active nodes %s, shut it down first", name, strings.Join(names, " "))
	}

	disks, err := d.backend.Disks(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to get disks of %s: %w", name, err)
	}

	for _, disk := range disks {
		err := d.stager.Remove(ctx, disk)
		d.deps.Record("clean", err)
		if err != nil {
			return fmt.Errorf("failed to remove disk of %s: %w", disk.Node, err)
		}
		d.logger.WithFields(logrus.Fields{"node": disk.Node, "disk": disk.Path}).Info("removed disk")
	}

	if err := d.backend.RemoveCluster(ctx, name); err != nil {
		return fmt.Errorf("failed to remove cluster %s: %w", name, err)
	}

	return nil
}
