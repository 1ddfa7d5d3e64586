// Package incus is the bare-metal backend that runs virtual clusters as
// instances of an Incus cluster. Nodes are created stopped on the member the
// allocator picked and receive their manifest through cloud-init.
package incus

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"github.com/docker/go-units"
	incus "github.com/lxc/incus/client"
	"github.com/lxc/incus/shared/api"
	"github.com/pragmagrid/pragmactl/internal/errdefs"
	"github.com/pragmagrid/pragmactl/internal/manifest"
	"github.com/pragmagrid/pragmactl/internal/models"
	"github.com/pragmagrid/pragmactl/internal/stager"
	"github.com/pragmagrid/pragmactl/pkg/utils"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const (
	AddressFamily     = "inet"
	CloudInitUserData = "cloud-init.user-data"

	ClusterKey  = "user.pragma.cluster"
	RoleKey     = "user.pragma.role"
	PublicIPKey = "user.pragma.public-ip"

	PrivateNIC = "eth0"
	PublicNIC  = "eth1"

	limitsCPU    = "limits.cpu"
	limitsMemory = "limits.memory"
)

var ErrNoSuchAddressFamily = errors.New("no such address family")

var userData = template.Must(template.New(CloudInitUserData).Parse(`#cloud-config
write_files:
  - path: {{ .Path }}
    permissions: '0600'
    encoding: b64
    content: {{ .Manifest }}
runcmd:
{{- range .Remove }}
  - [ sh, -c, "for f in {{ . }}; do [ -e $f ] && mv $f $(dirname $f)/old-$(basename $f); done" ]
{{- end }}
`))

type ServerProvider interface {
	GetInstancesFull(instanceType api.InstanceType) ([]api.InstanceFull, error)
	GetInstance(name string) (*api.Instance, string, error)
	CreateInstanceOn(target string, instance api.InstancesPost) (incus.Operation, error)
	UpdateInstance(name string, instance api.InstancePut, ETag string) (incus.Operation, error)
	UpdateInstanceState(name string, state api.InstanceStatePut, ETag string) (incus.Operation, error)
	DeleteInstance(name string) (incus.Operation, error)
}

// targetServer places new instances on a given cluster member.
type targetServer struct {
	incus.InstanceServer
}

func (s targetServer) CreateInstanceOn(target string, instance api.InstancesPost) (incus.Operation, error) {
	return s.UseTarget(target).CreateInstance(instance)
}

// Connect reaches the Incus cluster over https, or over the local unix
// socket when url is empty.
func Connect(url string, args *incus.ConnectionArgs) (ServerProvider, error) {
	var (
		server incus.InstanceServer
		err    error
	)
	if url == "" {
		server, err = incus.ConnectIncusUnix("", args)
	} else {
		server, err = incus.ConnectIncus(url, args)
	}
	if err != nil {
		return nil, errdefs.Backendf("connect incus", err)
	}

	return targetServer{server}, nil
}

type Host struct {
	Name string
	CPUs int
}

type Config struct {
	Server ServerProvider
	// Hosts are the members that run cluster nodes.
	Hosts []Host
	// Bridge carries the public interface of frontends.
	Bridge string
	// Parent is the uplink the per-cluster private vlan sits on.
	Parent      string
	Pool        string
	Type        api.InstanceType
	OccupiedIPs []net.IP
}

type Incus struct {
	server      ServerProvider
	hosts       []Host
	bridge      string
	parent      string
	pool        string
	typ         api.InstanceType
	occupiedIPs []net.IP
	logger      logrus.FieldLogger
}

func New(config Config, logger logrus.FieldLogger) *Incus {
	typ := config.Type
	if typ == "" {
		typ = api.InstanceTypeVM
	}

	return &Incus{
		server:      config.Server,
		hosts:       config.Hosts,
		bridge:      config.Bridge,
		parent:      config.Parent,
		pool:        config.Pool,
		typ:         typ,
		occupiedIPs: config.OccupiedIPs,
		logger:      logger.WithField("backend", "incus"),
	}
}

func (i *Incus) instances() ([]api.InstanceFull, error) {
	instances, err := i.server.GetInstancesFull(api.InstanceTypeAny)
	if err != nil {
		return nil, errdefs.Backendf("get instances full", err)
	}
	return instances, nil
}

// Capacities charges every member with the limits.cpu of the instances it
// hosts.
func (i *Incus) Capacities(ctx context.Context) ([]models.HostCapacity, error) {
	instances, err := i.instances()
	if err != nil {
		return nil, err
	}

	used := make(map[string]int)
	for _, instance := range instances {
		cpus, err := strconv.Atoi(instance.Config[limitsCPU])
		if err != nil {
			continue
		}
		used[instance.Location] += cpus
	}

	return lo.Map(i.hosts, func(h Host, _ int) models.HostCapacity {
		return models.HostCapacity{Host: h.Name, TotalCPUs: h.CPUs, UsedCPUs: used[h.Name]}
	}), nil
}

func (i *Incus) UsedAddresses(ctx context.Context) ([]net.IP, error) {
	instances, err := i.instances()
	if err != nil {
		return nil, err
	}

	ips := append([]net.IP(nil), i.occupiedIPs...)
	for _, instance := range instances {
		if ip := net.ParseIP(instance.Config[PublicIPKey]); ip != nil {
			ips = append(ips, ip)
		}

		if instance.State == nil {
			continue
		}
		for nic := range instance.State.Network {
			if ip, err := getInstanceIPFromState(instance.State, nic); err == nil {
				ips = append(ips, ip)
			}
		}
	}

	return ips, nil
}

func (i *Incus) UsedVlans(ctx context.Context) ([]int, error) {
	instances, err := i.instances()
	if err != nil {
		return nil, err
	}

	var vlans []int
	for _, instance := range instances {
		for _, device := range instance.Devices {
			if id, err := strconv.Atoi(device["vlan"]); err == nil {
				vlans = append(vlans, id)
			}
		}
	}

	return lo.Uniq(vlans), nil
}

func (i *Incus) wait(ctx context.Context, what string, op incus.Operation, err error) error {
	if err != nil {
		return errdefs.Backendf(what, err)
	}

	if err := op.WaitContext(ctx); err != nil {
		return errdefs.Backendf("wait "+what, err)
	}

	return nil
}

// CreateCluster creates the frontend on the member of the first grant and
// one compute per grant, all stopped.
func (i *Incus) CreateCluster(ctx context.Context, spec models.ClusterSpec) (models.CreatedCluster, error) {
	if len(spec.Computes) == 0 {
		return models.CreatedCluster{}, errdefs.Configf("cluster %s has no compute nodes", spec.Frontend.Name)
	}

	fe := spec.Frontend
	devices := i.devices(spec, true)
	config := i.config(spec, models.RoleFrontend, fe.CPUs)
	config[PublicIPKey] = fe.PublicIP.String()

	if err := i.create(ctx, spec.Computes[0].Host, fe.Name, spec.Images[models.RoleFrontend], config, devices); err != nil {
		return models.CreatedCluster{}, err
	}

	created := models.CreatedCluster{}
	frontend, err := i.nodeInfo(fe.Name, fe.CPUs, spec)
	if err != nil {
		return models.CreatedCluster{}, err
	}
	created.Frontend = frontend

	for n, compute := range spec.Computes {
		name := fmt.Sprintf("%s-compute-%d", fe.Name, n)

		err := i.create(ctx, compute.Host, name, spec.Images[models.RoleCompute],
			i.config(spec, models.RoleCompute, compute.CPUs), i.devices(spec, false))
		if err != nil {
			return models.CreatedCluster{}, err
		}

		info, err := i.nodeInfo(name, compute.CPUs, spec)
		if err != nil {
			return models.CreatedCluster{}, err
		}
		info.Host = compute.Host
		created.Computes = append(created.Computes, info)
	}

	i.logger.WithFields(logrus.Fields{
		"frontend": fe.Name,
		"computes": len(created.Computes),
	}).Info("cluster created")

	return created, nil
}

func (i *Incus) config(spec models.ClusterSpec, role models.Role, cpus int) map[string]string {
	return map[string]string{
		ClusterKey:   spec.Frontend.Name,
		RoleKey:      string(role),
		limitsCPU:    strconv.Itoa(cpus),
		limitsMemory: units.BytesSize(float64(int64(spec.MemoryMB) * units.MiB)),
	}
}

func (i *Incus) devices(spec models.ClusterSpec, frontend bool) map[string]map[string]string {
	devices := map[string]map[string]string{
		PrivateNIC: {
			"type":    "nic",
			"nictype": "macvlan",
			"name":    PrivateNIC,
			"parent":  i.parent,
			"vlan":    strconv.Itoa(spec.Vlan),
		},
		"root": {
			"type": "disk",
			"path": "/",
			"pool": i.pool,
		},
	}

	if frontend {
		devices[PublicNIC] = map[string]string{
			"type":    "nic",
			"nictype": "bridged",
			"name":    PublicNIC,
			"parent":  i.bridge,
		}
	}

	for n, network := range spec.ExtraNetworks {
		name := fmt.Sprintf("eth%d", n+2)
		devices[name] = map[string]string{
			"type":    "nic",
			"name":    name,
			"network": network,
		}
	}

	return devices
}

func (i *Incus) create(ctx context.Context, host, name, image string, config map[string]string, devices map[string]map[string]string) error {
	if image == "" {
		return errdefs.Configf("no image for %s", name)
	}

	op, err := i.server.CreateInstanceOn(host, api.InstancesPost{
		InstancePut: api.InstancePut{
			Config:  config,
			Devices: devices,
		},
		Name:   name,
		Source: api.InstanceSource{Type: "image", Alias: image},
		Type:   i.typ,
		Start:  false,
	})

	return i.wait(ctx, "create instance "+name, op, err)
}

// nodeInfo reads the MACs Incus generated for the interfaces of name.
func (i *Incus) nodeInfo(name string, cpus int, spec models.ClusterSpec) (models.NodeInfo, error) {
	instance, _, err := i.server.GetInstance(name)
	if err != nil {
		return models.NodeInfo{}, errdefs.Backendf("get instance "+name, err)
	}

	info := models.NodeInfo{Name: name, Host: instance.Location, CPUs: cpus}

	networks := map[string]string{PrivateNIC: "private", PublicNIC: "public"}
	for n, network := range spec.ExtraNetworks {
		networks[fmt.Sprintf("eth%d", n+2)] = network
	}

	devices := lo.Keys(instance.Devices)
	sort.Slice(devices, func(a, b int) bool { return utils.NaturalLess(devices[a], devices[b]) })

	for _, device := range devices {
		network, ok := networks[device]
		if !ok || instance.Devices[device]["type"] != "nic" {
			continue
		}

		info.Interfaces = append(info.Interfaces, models.InterfaceInfo{
			Network: network,
			MAC:     instance.Config[fmt.Sprintf("volatile.%s.hwaddr", device)],
			Device:  device,
		})
	}

	return info, nil
}

func (i *Incus) ClusterStatus(ctx context.Context, name string) ([]models.ClusterStatus, error) {
	instances, err := i.instances()
	if err != nil {
		return nil, err
	}

	byCluster := make(map[string]*models.ClusterStatus)
	var order []string

	sort.Slice(instances, func(a, b int) bool { return utils.NaturalLess(instances[a].Name, instances[b].Name) })

	for _, instance := range instances {
		cluster := instance.Config[ClusterKey]
		if cluster == "" || (name != "" && cluster != name) {
			continue
		}

		status, ok := byCluster[cluster]
		if !ok {
			status = &models.ClusterStatus{Name: cluster}
			byCluster[cluster] = status
			order = append(order, cluster)
		}

		node := models.NodeStatus{
			Name:   instance.Name,
			Role:   models.Role(instance.Config[RoleKey]),
			Host:   instance.Location,
			State:  models.ParseNodeState(instance.Status),
			Status: strings.ToLower(instance.Status),
		}

		if node.Role == models.RoleFrontend {
			status.Frontend = node
		} else {
			status.Computes = append(status.Computes, node)
		}
	}

	sort.Strings(order)
	return lo.Map(order, func(c string, _ int) models.ClusterStatus { return *byCluster[c] }), nil
}

func (i *Incus) SetNodeState(ctx context.Context, node string, action models.NodeAction) error {
	op, err := i.server.UpdateInstanceState(node, api.InstanceStatePut{Action: action.String(), Timeout: -1}, "")
	return i.wait(ctx, action.String()+" instance "+node, op, err)
}

// Disks lists the root disk of every node of the cluster.
func (i *Incus) Disks(ctx context.Context, name string) ([]models.Disk, error) {
	statuses, err := i.ClusterStatus(ctx, name)
	if err != nil {
		return nil, err
	}

	var disks []models.Disk
	for _, s := range statuses {
		for _, n := range s.Nodes() {
			if n.Name == "" {
				continue
			}
			disks = append(disks, models.Disk{Node: n.Name, Host: n.Host, Path: i.pool + "/" + n.Name})
		}
	}

	return disks, nil
}

// Stage hands the manifest to cloud-init of the node.
func (i *Incus) Stage(ctx context.Context, req models.StageRequest) error {
	data, err := os.ReadFile(req.Manifest)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}

	buf := &strings.Builder{}
	if err := userData.Execute(buf, map[string]any{
		"Path":     manifest.InstallPath,
		"Manifest": base64.StdEncoding.EncodeToString(data),
		"Remove":   stager.NetworkConfig,
	}); err != nil {
		return fmt.Errorf("failed to execute user data template: %w", err)
	}

	instance, etag, err := i.server.GetInstance(req.Node)
	if err != nil {
		return errdefs.Backendf("get instance "+req.Node, err)
	}

	put := instance.Writable()
	if put.Config == nil {
		put.Config = make(map[string]string)
	}
	put.Config[CloudInitUserData] = buf.String()

	op, err := i.server.UpdateInstance(req.Node, put, etag)
	return i.wait(ctx, "update instance "+req.Node, op, err)
}

// Remove deletes the instance together with its root disk.
func (i *Incus) Remove(ctx context.Context, disk models.Disk) error {
	op, err := i.server.DeleteInstance(disk.Node)
	return i.wait(ctx, "delete instance "+disk.Node, op, err)
}

// RemoveCluster deletes whatever instances of the cluster are left.
func (i *Incus) RemoveCluster(ctx context.Context, name string) error {
	disks, err := i.Disks(ctx, name)
	if err != nil {
		return err
	}

	for _, disk := range disks {
		if err := i.Remove(ctx, disk); err != nil {
			return err
		}
	}

	return nil
}

func getInstanceIPFromState(state *api.InstanceState, nic string) (net.IP, error) {
	for _, address := range state.Network[nic].Addresses {
		if address.Family == AddressFamily {
			return net.ParseIP(address.Address), nil
		}
	}

	return nil, ErrNoSuchAddressFamily
}
