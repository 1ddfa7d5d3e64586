// Package rocks is the bare-metal backend that drives a Rocks cluster
// through the rocks command line. Command output is parsed here and never
// leaves the package as text.
package rocks

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/pragmagrid/pragmactl/internal/errdefs"
	"github.com/pragmagrid/pragmactl/internal/models"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const DefaultCommand = "/opt/rocks/bin/rocks"

// Rocks fills empty columns with dashes.
const filler = "-"

var (
	vlanPattern    = regexp.MustCompile(`vlan(\d+)`)
	createdPattern = regexp.MustCompile(`created (frontend|compute) VM named: (\S+)`)
)

type Executor interface {
	Execute(ctx context.Context, command string, args []string) ([]string, error)
}

type Config struct {
	Command string
	// DiskDir relocates node disks, e.g. onto an NFS share.
	DiskDir string
}

type Backend struct {
	command string
	diskDir string
	exec    Executor
	logger  logrus.FieldLogger
}

func New(cfg Config, exec Executor, logger logrus.FieldLogger) *Backend {
	command := cfg.Command
	if command == "" {
		command = DefaultCommand
	}

	return &Backend{
		command: command,
		diskDir: strings.TrimRight(cfg.DiskDir, "/"),
		exec:    exec,
		logger:  logger.WithField("backend", "rocks"),
	}
}

func (b *Backend) run(ctx context.Context, args ...string) ([]string, error) {
	return b.exec.Execute(ctx, b.command, args)
}

// rows drops the header line and splits every row into fields, trimming the
// colon Rocks appends to the first column.
func rows(lines []string) [][]string {
	if len(lines) < 2 {
		return nil
	}

	out := make([][]string, 0, len(lines)-1)
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		fields[0] = strings.TrimSuffix(fields[0], ":")
		out = append(out, fields)
	}
	return out
}

func isFiller(field string) bool {
	return strings.Trim(field, filler) == ""
}

// vm is one row of "list host vm".
type vm struct {
	name   string
	cpus   int
	host   string
	status string
	disk   string
}

// Capacities combines the cpu count of every vm-container with the cpus of
// the vms it hosts.
func (b *Backend) Capacities(ctx context.Context) ([]models.HostCapacity, error) {
	lines, err := b.run(ctx, "list", "host", "vm-container")
	if err != nil {
		return nil, err
	}

	var capacities []models.HostCapacity
	for _, fields := range rows(lines) {
		// HOST RACK RANK CPUS ...
		if len(fields) < 4 {
			continue
		}
		cpus, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, errdefs.Backendf("list host vm-container", fmt.Errorf("bad cpu count %q of %s", fields[3], fields[0]))
		}
		capacities = append(capacities, models.HostCapacity{Host: fields[0], TotalCPUs: cpus})
	}

	if len(capacities) == 0 {
		return nil, errdefs.Backendf("list host vm-container", fmt.Errorf("no vm containers found"))
	}

	vms, err := b.vms(ctx, false)
	if err != nil {
		return nil, err
	}

	used := make(map[string]int)
	for _, v := range vms {
		used[v.host] += v.cpus
	}

	for i := range capacities {
		capacities[i].UsedCPUs = used[capacities[i].Host]
	}

	return capacities, nil
}

func (b *Backend) vms(ctx context.Context, disks bool) ([]vm, error) {
	args := []string{"list", "host", "vm"}
	if disks {
		args = append(args, "showdisks=true")
	}

	lines, err := b.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var vms []vm
	for _, fields := range rows(lines) {
		// VM-HOST SLICE MEM CPUS MAC HOST STATUS [DISK]
		if len(fields) < 7 {
			continue
		}
		cpus, err := strconv.Atoi(fields[3])
		if err != nil {
			continue
		}

		v := vm{name: fields[0], cpus: cpus, host: fields[5], status: fields[6]}
		if len(fields) > 7 {
			v.disk = diskPath(fields[7])
		}
		vms = append(vms, v)
	}

	return vms, nil
}

// diskPath extracts the path out of "file:/state/kvmdisks/fe.vda,vda,virtio".
func diskPath(spec string) string {
	spec, _, _ = strings.Cut(spec, ",")
	if _, path, ok := strings.Cut(spec, ":"); ok {
		return path
	}
	return spec
}

// UsedAddresses reads the IP column of every interface Rocks knows about.
func (b *Backend) UsedAddresses(ctx context.Context) ([]net.IP, error) {
	ifaces, err := b.interfaces(ctx)
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, host := range lo.Keys(ifaces) {
		for _, iface := range ifaces[host] {
			if ip := net.ParseIP(iface.IP); ip != nil {
				ips = append(ips, ip)
			}
		}
	}

	return ips, nil
}

func (b *Backend) UsedVlans(ctx context.Context) ([]int, error) {
	lines, err := b.run(ctx, "list", "host", "interface")
	if err != nil {
		return nil, err
	}

	var vlans []int
	for _, line := range lines {
		for _, m := range vlanPattern.FindAllStringSubmatch(line, -1) {
			if id, err := strconv.Atoi(m[1]); err == nil {
				vlans = append(vlans, id)
			}
		}
	}

	return lo.Uniq(vlans), nil
}

// CreateCluster adds the cluster pinned to the planned vm-containers, then
// sizes every compute to its grant.
func (b *Backend) CreateCluster(ctx context.Context, spec models.ClusterSpec) (models.CreatedCluster, error) {
	if len(spec.Computes) == 0 {
		return models.CreatedCluster{}, errdefs.Configf("cluster %s has no compute nodes", spec.Frontend.Name)
	}

	hosts := lo.Map(spec.Computes, func(c models.ComputeSpec, _ int) string { return c.Host })
	maxCPUs := lo.Max(lo.Map(spec.Computes, func(c models.ComputeSpec, _ int) int { return c.CPUs }))

	lines, err := b.run(ctx, "add", "cluster", spec.Frontend.PublicIP.String(), strconv.Itoa(len(spec.Computes)),
		fmt.Sprintf("cpus-per-compute=%d", maxCPUs),
		fmt.Sprintf("mem-per-compute=%d", spec.MemoryMB),
		"fe-name="+spec.Frontend.Name,
		"cluster-naming=true",
		fmt.Sprintf("vlan=%d", spec.Vlan),
		"container-hosts="+strings.Join(hosts, " "),
	)
	if err != nil {
		return models.CreatedCluster{}, err
	}

	var computes []string
	for _, line := range lines {
		if m := createdPattern.FindStringSubmatch(line); m != nil && m[1] == "compute" {
			computes = append(computes, m[2])
		}
	}
	if len(computes) != len(spec.Computes) {
		return models.CreatedCluster{}, errdefs.Backendf("add cluster",
			fmt.Errorf("created %d compute nodes, expected %d", len(computes), len(spec.Computes)), lines...)
	}

	b.logger.WithFields(logrus.Fields{
		"frontend": spec.Frontend.Name,
		"computes": strings.Join(computes, " "),
	}).Info("cluster added")

	nodes := append([]string{spec.Frontend.Name}, computes...)
	cpus := append([]int{spec.Frontend.CPUs}, lo.Map(spec.Computes, func(c models.ComputeSpec, _ int) int { return c.CPUs })...)

	for i, node := range nodes {
		if cpus[i] > 0 {
			if _, err := b.run(ctx, "set", "host", "cpus", node, fmt.Sprintf("cpus=%d", cpus[i])); err != nil {
				return models.CreatedCluster{}, err
			}
		}

		if b.diskDir != "" {
			disk := fmt.Sprintf("disk=file:%s/%s.vda,vda,virtio", b.diskDir, node)
			if _, err := b.run(ctx, "set", "host", "vm", node, disk); err != nil {
				return models.CreatedCluster{}, err
			}
		}

		for j, name := range spec.ExtraNetworks {
			iface := fmt.Sprintf("iface=eth%d", j+2)
			if _, err := b.run(ctx, "add", "host", "interface", node, iface, "subnet="+name); err != nil {
				return models.CreatedCluster{}, err
			}
		}
	}

	ifaces, err := b.interfaces(ctx)
	if err != nil {
		return models.CreatedCluster{}, err
	}

	info := func(name string, cpus int, host string) models.NodeInfo {
		return models.NodeInfo{Name: name, Host: host, CPUs: cpus, Interfaces: ifaces[name]}
	}

	created := models.CreatedCluster{Frontend: info(spec.Frontend.Name, spec.Frontend.CPUs, "")}
	for i, name := range computes {
		created.Computes = append(created.Computes, info(name, spec.Computes[i].CPUs, spec.Computes[i].Host))
	}

	return created, nil
}

// interfaces groups "list host interface" rows by host.
func (b *Backend) interfaces(ctx context.Context) (map[string][]models.InterfaceInfo, error) {
	lines, err := b.run(ctx, "list", "host", "interface")
	if err != nil {
		return nil, err
	}

	out := make(map[string][]models.InterfaceInfo)
	for _, fields := range rows(lines) {
		// HOST SUBNET IFACE MAC IP ...
		if len(fields) < 5 {
			continue
		}

		subnet := fields[1]
		if isFiller(subnet) {
			subnet = "private"
		}

		iface := models.InterfaceInfo{Network: subnet, Device: fields[2], MAC: fields[3], IP: fields[4]}
		if isFiller(iface.MAC) {
			iface.MAC = ""
		}
		if isFiller(iface.IP) {
			iface.IP = ""
		}

		out[fields[0]] = append(out[fields[0]], iface)
	}

	return out, nil
}

// ClusterStatus parses "list cluster status=true". A row whose first column
// is filler belongs to the cluster of the last frontend row.
func (b *Backend) ClusterStatus(ctx context.Context, name string) ([]models.ClusterStatus, error) {
	args := []string{"list", "cluster", "status=true"}
	if name != "" {
		args = append(args, name)
	}

	lines, err := b.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	return parseClusters(lines), nil
}

func parseClusters(lines []string) []models.ClusterStatus {
	var clusters []models.ClusterStatus

	for _, fields := range rows(lines) {
		// FRONTEND CLIENT-NODES TYPE STATUS
		if len(fields) < 2 {
			continue
		}
		status := fields[len(fields)-1]

		if !isFiller(fields[0]) {
			clusters = append(clusters, models.ClusterStatus{
				Name:     fields[0],
				Frontend: nodeStatus(fields[0], models.RoleFrontend, status),
			})
			if len(fields) < 4 || isFiller(fields[1]) {
				continue
			}
		}

		if len(clusters) == 0 {
			continue
		}
		c := &clusters[len(clusters)-1]
		c.Computes = append(c.Computes, nodeStatus(fields[1], models.RoleCompute, status))
	}

	return clusters
}

func nodeStatus(name string, role models.Role, status string) models.NodeStatus {
	return models.NodeStatus{
		Name:   name,
		Role:   role,
		State:  models.ParseNodeState(status),
		Status: status,
	}
}

func (b *Backend) SetNodeState(ctx context.Context, node string, action models.NodeAction) error {
	switch action {
	case models.ActionStart:
		if _, err := b.run(ctx, "set", "host", "boot", node, "action=os"); err != nil {
			return err
		}
		_, err := b.run(ctx, "start", "host", "vm", node)
		return err
	case models.ActionStop:
		_, err := b.run(ctx, "stop", "host", "vm", node)
		return err
	}

	return fmt.Errorf("unsupported node action %d", action)
}

// Disks returns the disk of every node of the cluster and the
// vm-container holding it.
func (b *Backend) Disks(ctx context.Context, name string) ([]models.Disk, error) {
	statuses, err := b.ClusterStatus(ctx, name)
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]bool)
	for _, s := range statuses {
		if s.Name != name {
			continue
		}
		for _, n := range s.Nodes() {
			nodes[n.Name] = true
		}
	}

	vms, err := b.vms(ctx, true)
	if err != nil {
		return nil, err
	}

	var disks []models.Disk
	for _, v := range vms {
		if nodes[v.name] && v.disk != "" {
			disks = append(disks, models.Disk{Node: v.name, Host: v.host, Path: v.disk})
		}
	}

	return disks, nil
}

func (b *Backend) RemoveCluster(ctx context.Context, name string) error {
	_, err := b.run(ctx, "remove", "cluster", name)
	return err
}
