// Package network models the topology of one virtual cluster: its nodes, the
// interface every node has on each named network, gateways, DNS and the key
// installed on the frontend.
package network

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"

	"github.com/pragmagrid/pragmactl/internal/errdefs"
	"github.com/pragmagrid/pragmactl/internal/models"
	"github.com/pragmagrid/pragmactl/internal/pool"
	"github.com/pragmagrid/pragmactl/pkg/utils"
	"github.com/samber/lo"
)

const (
	// Unassigned asks AddIface to issue an address from the network.
	Unassigned = ""

	Public  = "public"
	Private = "private"

	computePrefix = "compute-"
)

var (
	ErrUnknownNetwork   = errors.New("unknown network")
	ErrUnknownNode      = errors.New("unknown node")
	ErrDuplicateNode    = errors.New("node already registered")
	ErrDuplicateIface   = errors.New("node already has an interface on network")
	ErrDuplicateIP      = errors.New("address already assigned on network")
	ErrNoIssuance       = errors.New("network has no address range to issue from")
	ErrInvalidNetwork   = errors.New("invalid network definition")
	ErrAddressOutOfPool = errors.New("address outside of network")
	ErrInvalidName      = errors.New("network name is not usable as a manifest element")
)

// networkName is an XML NCName restricted to ASCII; interface elements of the
// manifest are named after their network.
var networkName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

// ValidName reports whether name can label a network in the manifest.
func ValidName(name string) bool {
	return networkName.MatchString(name)
}

type Iface struct {
	IP     string
	MAC    string
	Device string
}

type Node struct {
	Name    string
	VM      string
	Role    models.Role
	Gateway string
	CPUs    int
	ifaces  map[string]Iface
}

func (n *Node) Iface(network string) (Iface, bool) {
	iface, ok := n.ifaces[NormalizeName(network)]
	return iface, ok
}

// Networks lists the networks the node is attached to, public and private
// first.
func (n *Node) Networks() []string {
	names := lo.Keys(n.ifaces)
	sort.Slice(names, func(i, j int) bool { return networkLess(names[i], names[j]) })
	return names
}

type Network struct {
	Name    string
	Subnet  string
	Netmask string
	MTU     int

	pool     *pool.AddressPool
	downward bool
	assigned map[string]string
}

type DNS struct {
	IP     string
	Search string
	Domain string
}

type NetOption func(*netOptions)

type netOptions struct {
	first net.IP
	last  net.IP
}

// WithRange limits issuance to the addresses between first and last. When
// first is above last addresses are issued downward.
func WithRange(first, last net.IP) NetOption {
	return func(o *netOptions) {
		o.first = first
		o.last = last
	}
}

type ClusterNetwork struct {
	fqdn     string
	frontend *Node
	computes []*Node
	nodes    map[string]*Node
	networks map[string]*Network
	order    []string
	dns      DNS
	key      string
}

// New creates a cluster whose compute nodes get their display names from the
// natural order of the backend names.
func New(frontend, fqdn string, computes []string) *ClusterNetwork {
	c := &ClusterNetwork{
		fqdn:     fqdn,
		nodes:    make(map[string]*Node),
		networks: make(map[string]*Network),
		dns:      DNS{Search: "local"},
	}

	c.frontend = &Node{Name: frontend, VM: frontend, Role: models.RoleFrontend, ifaces: make(map[string]Iface)}
	c.nodes[frontend] = c.frontend

	computes = lo.Uniq(computes)
	sort.Slice(computes, func(i, j int) bool { return utils.NaturalLess(computes[i], computes[j]) })
	for _, vm := range computes {
		if vm == frontend {
			continue
		}
		c.registerCompute(vm, c.nextComputeName())
	}

	return c
}

// NormalizeName folds the labels backends use for the internal network onto
// Private.
func NormalizeName(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || strings.Trim(trimmed, "-") == "" || strings.HasPrefix(strings.ToLower(trimmed), Private) {
		return Private
	}
	return trimmed
}

func (c *ClusterNetwork) FQDN() string { return c.fqdn }
func (c *ClusterNetwork) Frontend() *Node { return c.frontend }
func (c *ClusterNetwork) Key() string { return c.key }
func (c *ClusterNetwork) SetKey(k string) { c.key = strings.TrimRight(k, "\n") }
func (c *ClusterNetwork) DNS() DNS { return c.dns }
func (c *ClusterNetwork) SetDNS(d DNS) { c.dns = d }
func (c *ClusterNetwork) Computes() []*Node { return append([]*Node(nil), c.computes...) }

func (c *ClusterNetwork) Nodes() []*Node {
	return append([]*Node{c.frontend}, c.computes...)
}

// Node finds a node by display name or backend name.
func (c *ClusterNetwork) Node(name string) (*Node, bool) {
	n, ok := c.nodes[name]
	return n, ok
}

func (c *ClusterNetwork) Network(name string) (*Network, bool) {
	n, ok := c.networks[NormalizeName(name)]
	return n, ok
}

func (c *ClusterNetwork) Networks() []*Network {
	return lo.Map(c.order, func(name string, _ int) *Network { return c.networks[name] })
}

// AddNet defines a network. Redefining a known name is a no-op.
func (c *ClusterNetwork) AddNet(name, subnet, netmask string, mtu int, opts ...NetOption) error {
	name = NormalizeName(name)
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if _, ok := c.networks[name]; ok {
		return nil
	}

	n := &Network{
		Name:     name,
		Subnet:   subnet,
		Netmask:  netmask,
		MTU:      mtu,
		assigned: make(map[string]string),
	}

	if subnet != "" && netmask != "" {
		if err := n.buildPool(opts...); err != nil {
			return fmt.Errorf("failed to define network %s: %w", name, err)
		}
	}

	c.networks[name] = n
	c.order = append(c.order, name)

	return nil
}

// AddIface attaches node to network. An Unassigned ip is issued right away.
// Unknown nodes are registered as the next compute node once the interface
// is accepted, so a failed call leaves the cluster unchanged.
func (c *ClusterNetwork) AddIface(node, network, ip, mac, device string) error {
	network = NormalizeName(network)

	n, ok := c.networks[network]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
	}

	nd, known := c.nodes[node]
	label := node
	if known {
		label = nd.Name
		if _, ok := nd.ifaces[network]; ok {
			return fmt.Errorf("%w: %s on %s", ErrDuplicateIface, nd.Name, network)
		}
	}

	explicit := ip != Unassigned
	if explicit {
		if owner, ok := n.assigned[ip]; ok {
			return fmt.Errorf("%w: %s on %s is held by %s", ErrDuplicateIP, ip, network, owner)
		}
	} else {
		issued, err := n.issue()
		if err != nil {
			return fmt.Errorf("failed to issue address for %s on %s: %w", label, network, err)
		}
		ip = issued
	}

	if !known {
		nd = c.registerCompute(node, c.nextComputeName())
	}
	if explicit && n.pool != nil {
		n.pool.Reserve(net.ParseIP(ip))
	}

	n.assigned[ip] = nd.Name
	nd.ifaces[network] = Iface{IP: ip, MAC: mac, Device: device}

	return nil
}

// AddGw sets the default gateway of a node; the last call wins.
func (c *ClusterNetwork) AddGw(node, gateway string) error {
	nd, ok := c.nodes[node]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, node)
	}

	nd.Gateway = gateway
	return nil
}

func (c *ClusterNetwork) SetCPUs(node string, cpus int) error {
	nd, ok := c.nodes[node]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, node)
	}

	nd.CPUs = cpus
	return nil
}

// GetFreeIP issues an address that no interface of the network holds and
// that was not returned before.
func (c *ClusterNetwork) GetFreeIP(network string) (string, error) {
	n, ok := c.networks[NormalizeName(network)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
	}

	return n.issue()
}

// RegisterCompute adds a compute node with an explicit display name, as read
// back from a manifest.
func (c *ClusterNetwork) RegisterCompute(vm, display string) (*Node, error) {
	if vm == "" {
		vm = display
	}

	if _, ok := c.nodes[display]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, display)
	}
	if _, ok := c.nodes[vm]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, vm)
	}

	return c.registerCompute(vm, display), nil
}

func (c *ClusterNetwork) registerCompute(vm, display string) *Node {
	nd := &Node{Name: display, VM: vm, Role: models.RoleCompute, ifaces: make(map[string]Iface)}

	c.computes = append(c.computes, nd)
	c.nodes[vm] = nd
	c.nodes[display] = nd

	return nd
}

func (c *ClusterNetwork) nextComputeName() string {
	for i := len(c.computes); ; i++ {
		name := fmt.Sprintf("%s%d", computePrefix, i)
		if _, ok := c.nodes[name]; !ok {
			return name
		}
	}
}

func (n *Network) buildPool(opts ...NetOption) error {
	o := netOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	subnet := net.ParseIP(n.Subnet).To4()
	mask := net.ParseIP(n.Netmask).To4()
	if subnet == nil || mask == nil {
		return fmt.Errorf("%w: subnet %q netmask %q", ErrInvalidNetwork, n.Subnet, n.Netmask)
	}

	ipnet := net.IPNet{IP: subnet.Mask(net.IPMask(mask)), Mask: net.IPMask(mask)}

	var (
		p   *pool.AddressPool
		err error
	)
	if o.first == nil || o.last == nil {
		p, err = pool.NewNetworkPool(ipnet, nil)
	} else {
		if !ipnet.Contains(o.first) || !ipnet.Contains(o.last) {
			return fmt.Errorf("%w: %s-%s not in %s", ErrAddressOutOfPool, o.first, o.last, ipnet.String())
		}

		base := utils.IPToUint32(ipnet.IP)
		first := int(utils.IPToUint32(o.first) - base)
		last := int(utils.IPToUint32(o.last) - base)
		if first > last {
			first, last = last, first
			n.downward = true
		}
		p, err = pool.NewAddressPool(ipnet, first, last, nil)
	}
	if err != nil {
		return err
	}

	n.pool = p
	return nil
}

func (n *Network) issue() (string, error) {
	if n.pool == nil {
		return "", fmt.Errorf("%w: %s", ErrNoIssuance, n.Name)
	}

	next := n.pool.Next
	if n.downward {
		next = n.pool.NextDescending
	}

	ip, err := next()
	if err != nil {
		if errors.Is(err, errdefs.ErrResourceExhausted) {
			return "", &errdefs.ExhaustedError{Resource: "addresses on network " + n.Name}
		}
		return "", err
	}

	return ip.String(), nil
}

func networkLess(a, b string) bool {
	rank := func(name string) int {
		switch name {
		case Public:
			return 0
		case Private:
			return 1
		}
		return 2
	}

	if rank(a) != rank(b) {
		return rank(a) < rank(b)
	}
	return a < b
}
