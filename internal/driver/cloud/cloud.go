// Package cloud drives an IaaS cloud: nodes are vms sized from service
// offerings, the frontend sits on a shared public network and every cluster
// gets its own private /24.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pragmagrid/pragmactl/internal/driver"
	"github.com/pragmagrid/pragmactl/internal/errdefs"
	"github.com/pragmagrid/pragmactl/internal/manifest"
	"github.com/pragmagrid/pragmactl/internal/metrics"
	"github.com/pragmagrid/pragmactl/internal/models"
	"github.com/pragmagrid/pragmactl/internal/network"
	"github.com/pragmagrid/pragmactl/internal/poll"
	"github.com/pragmagrid/pragmactl/internal/pool"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const (
	DefaultPublicNetwork = "public"
	DefaultPrivatePrefix = "private"
	DefaultVMPrefix      = "vm-"
	DefaultComputeInfix  = "-compute-"

	privateDevice = "eth0"
	publicDevice  = "eth1"
)

var (
	DefaultPorts           = []int{22, 443, 80}
	DefaultEgressProtocols = []string{"tcp", "udp", "icmp"}
)

// Provider is the cloud API the driver needs.
type Provider interface {
	Networks(ctx context.Context) ([]models.CloudNetwork, error)
	CreateNetwork(ctx context.Context, name string, slot pool.Slot) (models.CloudNetwork, error)
	OpenEgress(ctx context.Context, networkID string, protocols ...string) error
	DeleteNetwork(ctx context.Context, id string) error

	AssociateIP(ctx context.Context, networkID string) (models.PublicIP, error)
	OpenPorts(ctx context.Context, ipID string, ports ...int) error
	ForwardPorts(ctx context.Context, ipID, vmID string, ports ...int) error
	ReleaseIP(ctx context.Context, id string) error
	PublicIPOf(ctx context.Context, vmID string) (models.PublicIP, bool, error)

	Offerings(ctx context.Context) ([]models.Flavor, error)
	TemplateID(ctx context.Context, name string) (string, error)

	VirtualMachines(ctx context.Context, prefix string) ([]models.CloudVM, error)
	DeployVM(ctx context.Context, spec models.VMSpec) (models.CloudVM, error)
	UpdateUserData(ctx context.Context, vmID string, data []byte) error
	StartVM(ctx context.Context, id string) error
	StopVM(ctx context.Context, id string) error
	DestroyVM(ctx context.Context, id string) error
}

type Config struct {
	Name            string
	PublicNetwork   string
	PrivatePrefix   string
	VMPrefix        string
	ComputeInfix    string
	Ports           []int
	EgressProtocols []string
	FrontendCPUs    int
	DNS             string
	Domain          string
	MTU             int
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "cloudstack"
	}
	if c.PublicNetwork == "" {
		c.PublicNetwork = DefaultPublicNetwork
	}
	if c.PrivatePrefix == "" {
		c.PrivatePrefix = DefaultPrivatePrefix
	}
	if c.VMPrefix == "" {
		c.VMPrefix = DefaultVMPrefix
	}
	if c.ComputeInfix == "" {
		c.ComputeInfix = DefaultComputeInfix
	}
	if len(c.Ports) == 0 {
		c.Ports = DefaultPorts
	}
	if len(c.EgressProtocols) == 0 {
		c.EgressProtocols = DefaultEgressProtocols
	}
	if c.FrontendCPUs <= 0 {
		c.FrontendCPUs = 1
	}
	return c
}

type Driver struct {
	cfg      Config
	provider Provider
	deps     driver.Deps
	logger   logrus.FieldLogger
}

var _ driver.Driver = (*Driver)(nil)

func New(cfg Config, provider Provider, deps driver.Deps) *Driver {
	cfg = cfg.withDefaults()

	return &Driver{
		cfg:      cfg,
		provider: provider,
		deps:     deps,
		logger:   deps.Logger.WithField("driver", cfg.Name),
	}
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

// sizing is the offering of every node, frontend first.
type sizing struct {
	frontend models.Flavor
	computes []models.Flavor
}

func (s sizing) plan() models.AllocationPlan {
	return lo.Map(s.computes, func(f models.Flavor, _ int) models.Grant {
		return models.Grant{Host: f.Name, CPUs: f.CPUs}
	})
}

func (d *Driver) allocate(ctx context.Context, req driver.AllocateRequest) (*driver.Allocation, error) {
	if len(req.Ifaces) > 0 {
		return nil, errdefs.Configf("add-iface is not supported by the %s driver", d.cfg.Name)
	}
	if req.MemoryMB > 0 {
		d.logger.WithField("memory", req.MemoryMB).Warn("memory is set by the service offering, ignoring request")
	}

	size, err := d.size(ctx, req.CPUs)
	if err != nil {
		return nil, err
	}

	templates, err := d.templates(ctx, req)
	if err != nil {
		return nil, err
	}

	networks, err := d.provider.Networks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list networks: %w", err)
	}

	public, err := d.publicNetwork(ctx, networks)
	if err != nil {
		return nil, err
	}

	publicIP, err := d.freePublicIP(ctx, public)
	if err != nil {
		return nil, err
	}

	octet := int(publicIP.To4()[3])
	name := fmt.Sprintf("%s%d", d.cfg.VMPrefix, octet)
	fqdn := name
	if d.cfg.Domain != "" {
		fqdn = name + "." + d.cfg.Domain
	}

	computes := make([]string, len(size.computes))
	for i := range computes {
		computes[i] = fmt.Sprintf("%s%s%d", name, d.cfg.ComputeInfix, i)
	}

	d.logger.WithFields(logrus.Fields{
		"frontend": name,
		"ip":       publicIP.String(),
		"plan":     size.plan(),
	}).Info("creating cluster")

	slot, err := freeSlot(append(networks, public))
	if err != nil {
		return nil, err
	}

	private, err := d.provider.CreateNetwork(ctx, fmt.Sprintf("%s%d", d.cfg.PrivatePrefix, octet), slot)
	if err != nil {
		return nil, fmt.Errorf("failed to create private network: %w", err)
	}

	c, err := d.clusterNetwork(req, name, fqdn, computes, public, slot)
	if err != nil {
		return nil, err
	}

	ip, err := d.provider.AssociateIP(ctx, public.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire public ip: %w", err)
	}
	if err := d.provider.OpenPorts(ctx, ip.ID, d.cfg.Ports...); err != nil {
		return nil, fmt.Errorf("failed to open ports on %s: %w", ip.Address, err)
	}

	fe, err := d.deployVM(ctx, c, name, size.frontend, templates[models.RoleFrontend], private, &public, publicIP.String())
	if err != nil {
		return nil, err
	}
	if err := d.provider.ForwardPorts(ctx, ip.ID, fe.ID, d.cfg.Ports...); err != nil {
		return nil, fmt.Errorf("failed to forward ports to %s: %w", name, err)
	}
	if err := c.AddGw(name, public.Gateway); err != nil {
		return nil, err
	}
	if err := c.SetCPUs(name, size.frontend.CPUs); err != nil {
		return nil, err
	}

	frontendIP := ""
	if iface, ok := c.Frontend().Iface(network.Private); ok {
		frontendIP = iface.IP
	}

	for i, vm := range computes {
		if _, err := d.deployVM(ctx, c, vm, size.computes[i], templates[models.RoleCompute], private, nil, ""); err != nil {
			return nil, err
		}
		if err := c.AddGw(vm, frontendIP); err != nil {
			return nil, err
		}
		if err := c.SetCPUs(vm, size.computes[i].CPUs); err != nil {
			return nil, err
		}
	}

	files, err := manifest.WriteFiles(req.WorkDir, c)
	if err != nil {
		return nil, fmt.Errorf("failed to write manifests: %w", err)
	}

	return &driver.Allocation{
		Name:    name,
		Plan:    size.plan(),
		Cluster: c,
		Files:   files,
	}, nil
}

// size picks the smallest offering that fits the frontend, then covers the
// requested cpus with the smallest offering that fits the remainder or, when
// none does, the largest one.
func (d *Driver) size(ctx context.Context, cpus int) (sizing, error) {
	flavors, err := d.provider.Offerings(ctx)
	if err != nil {
		return sizing{}, fmt.Errorf("failed to list service offerings: %w", err)
	}
	if len(flavors) == 0 {
		return sizing{}, &errdefs.ExhaustedError{Resource: "service offerings"}
	}

	sort.SliceStable(flavors, func(i, j int) bool { return flavors[i].CPUs < flavors[j].CPUs })
	largest := flavors[len(flavors)-1]

	fe, ok := fit(flavors, d.cfg.FrontendCPUs)
	if !ok {
		return sizing{}, &errdefs.InfeasibleError{
			Requested: d.cfg.FrontendCPUs,
			Available: largest.CPUs,
			Shortfall: d.cfg.FrontendCPUs - largest.CPUs,
		}
	}
	if largest.CPUs <= 0 {
		return sizing{}, errdefs.Configf("service offerings report no cpus")
	}

	s := sizing{frontend: fe}
	for remaining := cpus; remaining > 0; {
		f, ok := fit(flavors, remaining)
		if !ok {
			f = largest
		}
		s.computes = append(s.computes, f)
		remaining -= f.CPUs
	}

	return s, nil
}

func fit(flavors []models.Flavor, cpus int) (models.Flavor, bool) {
	return lo.Find(flavors, func(f models.Flavor) bool { return f.CPUs >= cpus })
}

// templates resolves the cloud template of each role. The template name is
// the disk image name without its extensions.
func (d *Driver) templates(ctx context.Context, req driver.AllocateRequest) (map[models.Role]string, error) {
	if req.Template == nil {
		return nil, errdefs.Configf("no vc template given")
	}

	ids := make(map[models.Role]string)
	for _, role := range []models.Role{models.RoleFrontend, models.RoleCompute} {
		disk, err := req.Template.Disk(role)
		if err != nil {
			return nil, err
		}

		name, _, _ := strings.Cut(filepath.Base(disk.Source()), ".")
		id, err := d.provider.TemplateID(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to find %s template %s: %w", role, name, err)
		}
		ids[role] = id
	}

	return ids, nil
}

// publicNetwork returns the shared public network, creating and opening it
// on first use.
func (d *Driver) publicNetwork(ctx context.Context, networks []models.CloudNetwork) (models.CloudNetwork, error) {
	if n, ok := lo.Find(networks, func(n models.CloudNetwork) bool { return n.Name == d.cfg.PublicNetwork }); ok {
		return n, nil
	}

	slot, err := freeSlot(networks)
	if err != nil {
		return models.CloudNetwork{}, err
	}

	public, err := d.provider.CreateNetwork(ctx, d.cfg.PublicNetwork, slot)
	if err != nil {
		return models.CloudNetwork{}, fmt.Errorf("failed to create public network: %w", err)
	}
	if err := d.provider.OpenEgress(ctx, public.ID, d.cfg.EgressProtocols...); err != nil {
		return models.CloudNetwork{}, fmt.Errorf("failed to open public network: %w", err)
	}

	return public, nil
}

func freeSlot(networks []models.CloudNetwork) (pool.Slot, error) {
	slots, err := pool.NewSlotPool(lo.Map(networks, func(n models.CloudNetwork, _ int) string { return n.CIDR }))
	if err != nil {
		return pool.Slot{}, err
	}
	return slots.Next()
}

func (d *Driver) freePublicIP(ctx context.Context, public models.CloudNetwork) (net.IP, error) {
	_, cidr, err := net.ParseCIDR(public.CIDR)
	if err != nil {
		return nil, errdefs.Backendf("public network", fmt.Errorf("bad cidr %q: %w", public.CIDR, err))
	}

	vms, err := d.provider.VirtualMachines(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list virtual machines: %w", err)
	}

	used := []net.IP{net.ParseIP(public.Gateway)}
	for _, vm := range vms {
		if nic, ok := vm.NIC(d.cfg.PublicNetwork); ok {
			used = append(used, net.ParseIP(nic.IP))
		}
	}

	p, err := pool.NewNetworkPool(*cidr, used, pool.WithResource("public IPs"))
	if err != nil {
		return nil, err
	}

	return p.Next()
}

func (d *Driver) clusterNetwork(req driver.AllocateRequest, name, fqdn string, computes []string, public models.CloudNetwork, slot pool.Slot) (*network.ClusterNetwork, error) {
	c := network.New(name, fqdn, computes)
	c.SetKey(req.PublicKey)
	c.SetDNS(network.DNS{IP: d.cfg.DNS, Search: "local", Domain: d.cfg.Domain})

	_, cidr, err := net.ParseCIDR(public.CIDR)
	if err != nil {
		return nil, errdefs.Backendf("public network", err)
	}
	if err := c.AddNet(network.Public, cidr.IP.String(), net.IP(cidr.Mask).String(), d.cfg.MTU); err != nil {
		return nil, err
	}

	_, private, err := net.ParseCIDR(slot.CIDR())
	if err != nil {
		return nil, err
	}
	if err := c.AddNet(network.Private, private.IP.String(), slot.Netmask(), d.cfg.MTU,
		network.WithRange(net.ParseIP(slot.StartIP()), net.ParseIP(slot.EndIP()))); err != nil {
		return nil, err
	}

	return c, nil
}

// deployVM creates a stopped vm on the private network, and on the public
// network too when public is set, and records its interfaces.
func (d *Driver) deployVM(ctx context.Context, c *network.ClusterNetwork, name string, flavor models.Flavor, templateID string, private models.CloudNetwork, public *models.CloudNetwork, publicIP string) (models.CloudVM, error) {
	privateIP, err := c.GetFreeIP(network.Private)
	if err != nil {
		return models.CloudVM{}, err
	}

	spec := models.VMSpec{
		Name:       name,
		OfferingID: flavor.ID,
		TemplateID: templateID,
		Networks:   []models.NetworkIP{{NetworkID: private.ID, IP: privateIP}},
	}
	if public != nil {
		spec.Networks = append(spec.Networks, models.NetworkIP{NetworkID: public.ID, IP: publicIP})
	}

	d.logger.WithFields(logrus.Fields{
		"node":     name,
		"offering": flavor.Name,
		"ip":       privateIP,
	}).Info("deploying vm")

	vm, err := d.provider.DeployVM(ctx, spec)
	if err != nil {
		return models.CloudVM{}, fmt.Errorf("failed to deploy %s: %w", name, err)
	}

	nic, _ := vm.NIC(private.Name)
	if err := c.AddIface(name, network.Private, privateIP, nic.MAC, privateDevice); err != nil {
		return models.CloudVM{}, err
	}

	if public != nil {
		nic, _ := vm.NIC(public.Name)
		if err := c.AddIface(name, network.Public, publicIP, nic.MAC, publicDevice); err != nil {
			return models.CloudVM{}, err
		}
	}

	return vm, nil
}

func (d *Driver) Deploy(ctx context.Context, req driver.DeployRequest) error {
	c, err := manifest.ReadFile(req.Files.Cluster)
	if err != nil {
		return err
	}

	name := c.Frontend().VM

	vms, err := d.provider.VirtualMachines(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to list vms of %s: %w", name, err)
	}
	byName := lo.KeyBy(vms, func(vm models.CloudVM) string { return vm.Name })

	var errs error
	for _, node := range c.Nodes() {
		err := d.deployNode(ctx, byName, node.VM, req.ManifestPath(node))
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

func (d *Driver) deployNode(ctx context.Context, vms map[string]models.CloudVM, name, manifestPath string) error {
	vm, ok := vms[name]
	if !ok {
		return errdefs.Backendf("deploy", fmt.Errorf("vm %s not found", name))
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return errdefs.Manifestf("failed to read %s: %v", manifestPath, err)
	}

	if err := d.provider.UpdateUserData(ctx, vm.ID, data); err != nil {
		return fmt.Errorf("failed to install manifest: %w", err)
	}

	d.logger.WithField("node", name).Info("booting")
	if err := d.provider.StartVM(ctx, vm.ID); err != nil {
		return fmt.Errorf("failed to boot: %w", err)
	}

	return nil
}

func (d *Driver) isCompute(name string) bool {
	return strings.Contains(name, d.cfg.ComputeInfix)
}

func nodeStatus(vm models.CloudVM, role models.Role) models.NodeStatus {
	return models.NodeStatus{
		Name:   vm.Name,
		Role:   role,
		State:  models.ParseNodeState(vm.State),
		Status: strings.ToLower(vm.State),
	}
}

func (d *Driver) List(ctx context.Context, name string) ([]models.ClusterStatus, error) {
	prefix := name
	if prefix == "" {
		prefix = d.cfg.VMPrefix
	}

	vms, err := d.provider.VirtualMachines(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}

	var statuses []models.ClusterStatus
	for _, fe := range vms {
		if d.isCompute(fe.Name) || (name != "" && fe.Name != name) {
			continue
		}

		status := models.ClusterStatus{Name: fe.Name, Frontend: nodeStatus(fe, models.RoleFrontend)}
		for _, vm := range vms {
			if strings.HasPrefix(vm.Name, fe.Name+d.cfg.ComputeInfix) {
				status.Computes = append(status.Computes, nodeStatus(vm, models.RoleCompute))
			}
		}
		statuses = append(statuses, status)
	}

	if name != "" && len(statuses) == 0 {
		return nil, errdefs.Configf("cluster %s not found", name)
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

func (d *Driver) vmIDs(ctx context.Context, name string) (map[string]models.CloudVM, error) {
	vms, err := d.provider.VirtualMachines(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list vms of %s: %w", name, err)
	}
	return lo.KeyBy(vms, func(vm models.CloudVM) string { return vm.Name }), nil
}

func (d *Driver) Shutdown(ctx context.Context, name string) error {
	status, err := d.status(ctx, name)
	if err != nil {
		return err
	}

	vms, err := d.vmIDs(ctx, name)
	if err != nil {
		return err
	}

	var errs error
	for _, node := range status.Active() {
		err := d.provider.StopVM(ctx, vms[node.Name].ID)
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

	if !status.Stopped() {
		running := lo.FilterMap(status.Nodes(), func(n models.NodeStatus, _ int) (string, bool) {
			return n.Name, !n.State.Terminal()
		})
		return errdefs.Configf("cluster %s has nodes that are not stopped: %s", name, strings.Join(running, " "))
	}

	vms, err := d.vmIDs(ctx, name)
	if err != nil {
		return err
	}
	fe := vms[name]

	privateName := ""
	for _, nic := range fe.NICs {
		if nic.Network != d.cfg.PublicNetwork {
			privateName = nic.Network
		}
	}

	ip, ok, err := d.provider.PublicIPOf(ctx, fe.ID)
	if err != nil {
		return fmt.Errorf("failed to find public ip of %s: %w", name, err)
	}
	if ok {
		if err := d.provider.ReleaseIP(ctx, ip.ID); err != nil {
			return fmt.Errorf("failed to release %s: %w", ip.Address, err)
		}
		d.logger.WithField("ip", ip.Address).Info("released public ip")
	}

	var errs error
	for _, node := range status.Nodes() {
		err := d.provider.DestroyVM(ctx, vms[node.Name].ID)
		d.deps.Record("clean", err)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", node.Name, err))
			continue
		}
		d.logger.WithField("node", node.Name).Info("destroyed")
	}
	if errs != nil {
		return fmt.Errorf("failed to destroy cluster %s: %w", name, errs)
	}

	if privateName == "" {
		return nil
	}
	return d.removeNetwork(ctx, privateName)
}

// removeNetwork retries the delete until the cloud has released every
// address of the network.
func (d *Driver) removeNetwork(ctx context.Context, name string) error {
	networks, err := d.provider.Networks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list networks: %w", err)
	}

	n, ok := lo.Find(networks, func(n models.CloudNetwork) bool { return n.Name == name })
	if !ok {
		return nil
	}

	d.logger.WithField("network", name).Info("removing network")

	return poll.Until(ctx, "removal of network "+name, d.deps.PollConfig(), func(ctx context.Context) (bool, error) {
		err := d.provider.DeleteNetwork(ctx, n.ID)
		if errors.Is(err, errdefs.ErrBackend) {
			d.logger.WithError(err).WithField("network", name).Debug("network not released yet")
			return false, nil
		}
		return err == nil, err
	})
}
