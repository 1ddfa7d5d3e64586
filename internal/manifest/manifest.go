// Package manifest reads and writes the cluster description installed on
// every node of a virtual cluster:
//
//	<vc>
//	  <frontend name="..." fqdn="..." gw="...">
//	    <public ip="..." mac="..." iface="..." netmask="..." subnet="..." mtu="..."/>
//	    <private .../>
//	  </frontend>
//	  <compute count="N">
//	    <node name="..." cpus="..." gw="...">
//	      <private ip="..." mac="..." iface="..."/>
//	    </node>
//	  </compute>
//	  <network><dns ip="..." search="local" domain=""/></network>
//	  <key>ssh-public-key-text</key>
//	</vc>
//
// Interface elements are named after their network. Network attributes
// (subnet, netmask, mtu) travel on the frontend interface, or on the first
// compute interface when the frontend is not attached to that network.
package manifest

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pragmagrid/pragmactl/internal/errdefs"
	"github.com/pragmagrid/pragmactl/internal/network"
)

const (
	FileName = "vc-out.xml"
	// InstallPath is where the manifest lands inside a node image.
	InstallPath = "/root/vc-out.xml"
)

type xmlVC struct {
	XMLName  xml.Name     `xml:"vc"`
	Frontend *xmlFrontend `xml:"frontend"`
	Compute  *xmlCompute  `xml:"compute"`
	Network  *xmlNetwork  `xml:"network"`
	Key      *string      `xml:"key"`
}

type xmlFrontend struct {
	Name    string     `xml:"name,attr"`
	FQDN    string     `xml:"fqdn,attr"`
	Gateway string     `xml:"gw,attr,omitempty"`
	VM      string     `xml:"vm,attr,omitempty"`
	CPUs    int        `xml:"cpus,attr,omitempty"`
	Ifaces  []xmlIface `xml:",any"`
}

type xmlCompute struct {
	Count int       `xml:"count,attr"`
	Nodes []xmlNode `xml:"node"`
}

type xmlNode struct {
	Name    string     `xml:"name,attr"`
	VM      string     `xml:"vm,attr,omitempty"`
	CPUs    int        `xml:"cpus,attr,omitempty"`
	Gateway string     `xml:"gw,attr,omitempty"`
	Ifaces  []xmlIface `xml:",any"`
}

type xmlIface struct {
	XMLName xml.Name
	IP      string `xml:"ip,attr,omitempty"`
	MAC     string `xml:"mac,attr,omitempty"`
	Device  string `xml:"iface,attr,omitempty"`
	Netmask string `xml:"netmask,attr,omitempty"`
	Subnet  string `xml:"subnet,attr,omitempty"`
	MTU     string `xml:"mtu,attr,omitempty"`
}

type xmlNetwork struct {
	DNS *xmlDNS `xml:"dns"`
}

type xmlDNS struct {
	IP     string `xml:"ip,attr"`
	Search string `xml:"search,attr"`
	Domain string `xml:"domain,attr"`
}

// Write serializes the whole cluster.
func Write(w io.Writer, c *network.ClusterNetwork) error {
	doc, err := build(c, c.Computes())
	if err != nil {
		return err
	}
	return encode(w, doc)
}

// WriteCompute serializes the cluster as seen by one compute node: the
// frontend plus that node only.
func WriteCompute(w io.Writer, c *network.ClusterNetwork, node string) error {
	n, ok := c.Node(node)
	if !ok || n == c.Frontend() {
		return fmt.Errorf("%w: %s", network.ErrUnknownNode, node)
	}

	doc, err := build(c, []*network.Node{n})
	if err != nil {
		return err
	}
	return encode(w, doc)
}

// Files are the manifests written for one cluster.
type Files struct {
	Cluster  string
	Computes map[string]string
}

// WriteFiles writes the cluster manifest and one manifest per compute node,
// named after the node's backend name, into dir.
func WriteFiles(dir string, c *network.ClusterNetwork) (Files, error) {
	files := Files{
		Cluster:  filepath.Join(dir, FileName),
		Computes: make(map[string]string, len(c.Computes())),
	}

	if err := writeFile(files.Cluster, func(w io.Writer) error { return Write(w, c) }); err != nil {
		return Files{}, err
	}

	for _, n := range c.Computes() {
		path := filepath.Join(dir, n.VM+".xml")
		if err := writeFile(path, func(w io.Writer) error { return WriteCompute(w, c, n.VM) }); err != nil {
			return Files{}, err
		}
		files.Computes[n.VM] = path
	}

	return files, nil
}

// Read rebuilds a cluster. A missing <frontend> or <key> is an
// errdefs.ErrManifest error.
func Read(r io.Reader) (*network.ClusterNetwork, error) {
	var doc xmlVC
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, errdefs.Manifestf("failed to decode: %v", err)
	}

	if doc.Frontend == nil {
		return nil, errdefs.Manifestf("missing <frontend>")
	}
	if doc.Key == nil {
		return nil, errdefs.Manifestf("missing <key>")
	}
	if doc.Frontend.Name == "" {
		return nil, errdefs.Manifestf("<frontend> has no name")
	}

	c := network.New(doc.Frontend.Name, doc.Frontend.FQDN, nil)
	c.SetKey(*doc.Key)

	if doc.Network != nil && doc.Network.DNS != nil {
		c.SetDNS(network.DNS{
			IP:     doc.Network.DNS.IP,
			Search: doc.Network.DNS.Search,
			Domain: doc.Network.DNS.Domain,
		})
	}

	var nodes []xmlNode
	if doc.Compute != nil {
		nodes = doc.Compute.Nodes
	}

	if err := defineNetworks(c, doc.Frontend.Ifaces); err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if err := defineNetworks(c, n.Ifaces); err != nil {
			return nil, err
		}
	}

	fe := c.Frontend()
	if err := restoreNode(c, fe.Name, doc.Frontend.Gateway, doc.Frontend.CPUs, doc.Frontend.Ifaces); err != nil {
		return nil, err
	}

	for _, n := range nodes {
		if n.Name == "" {
			return nil, errdefs.Manifestf("<node> has no name")
		}

		if _, err := c.RegisterCompute(n.VM, n.Name); err != nil {
			return nil, errdefs.Manifestf("%v", err)
		}

		if err := restoreNode(c, n.Name, n.Gateway, n.CPUs, n.Ifaces); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// ReadFile reads a manifest from disk.
func ReadFile(path string) (*network.ClusterNetwork, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer func() { _ = f.Close() }()

	return Read(f)
}

func build(c *network.ClusterNetwork, computes []*network.Node) (xmlVC, error) {
	described := make(map[string]bool)

	fe := c.Frontend()
	feIfaces, err := ifaces(c, fe, described)
	if err != nil {
		return xmlVC{}, err
	}

	doc := xmlVC{
		Frontend: &xmlFrontend{
			Name:    fe.Name,
			FQDN:    c.FQDN(),
			Gateway: fe.Gateway,
			CPUs:    fe.CPUs,
			Ifaces:  feIfaces,
		},
		Compute: &xmlCompute{Count: len(computes)},
		Network: &xmlNetwork{DNS: &xmlDNS{
			IP:     c.DNS().IP,
			Search: c.DNS().Search,
			Domain: c.DNS().Domain,
		}},
	}

	if fe.VM != fe.Name {
		doc.Frontend.VM = fe.VM
	}

	for _, n := range computes {
		nodeIfaces, err := ifaces(c, n, described)
		if err != nil {
			return xmlVC{}, err
		}

		node := xmlNode{
			Name:    n.Name,
			CPUs:    n.CPUs,
			Gateway: n.Gateway,
			Ifaces:  nodeIfaces,
		}
		if n.VM != n.Name {
			node.VM = n.VM
		}
		doc.Compute.Nodes = append(doc.Compute.Nodes, node)
	}

	key := c.Key()
	doc.Key = &key

	return doc, nil
}

func ifaces(c *network.ClusterNetwork, n *network.Node, described map[string]bool) ([]xmlIface, error) {
	var out []xmlIface
	for _, name := range n.Networks() {
		if !network.ValidName(name) {
			return nil, errdefs.Manifestf("network %q of %s is not a valid element name", name, n.Name)
		}

		iface, _ := n.Iface(name)

		x := xmlIface{
			XMLName: xml.Name{Local: name},
			IP:      iface.IP,
			MAC:     iface.MAC,
			Device:  iface.Device,
		}

		if net, ok := c.Network(name); ok && !described[name] {
			x.Subnet = net.Subnet
			x.Netmask = net.Netmask
			if net.MTU > 0 {
				x.MTU = strconv.Itoa(net.MTU)
			}
			described[name] = true
		}

		out = append(out, x)
	}
	return out, nil
}

func defineNetworks(c *network.ClusterNetwork, ifaces []xmlIface) error {
	for _, x := range ifaces {
		if x.Subnet == "" && x.Netmask == "" && x.MTU == "" {
			continue
		}

		mtu := 0
		if x.MTU != "" {
			v, err := strconv.Atoi(x.MTU)
			if err != nil {
				return errdefs.Manifestf("bad mtu %q on %s", x.MTU, x.XMLName.Local)
			}
			mtu = v
		}

		if err := c.AddNet(x.XMLName.Local, x.Subnet, x.Netmask, mtu); err != nil {
			return errdefs.Manifestf("%v", err)
		}
	}
	return nil
}

func restoreNode(c *network.ClusterNetwork, node, gateway string, cpus int, ifaces []xmlIface) error {
	for _, x := range ifaces {
		name := x.XMLName.Local
		if _, ok := c.Network(name); !ok {
			if err := c.AddNet(name, "", "", 0); err != nil {
				return errdefs.Manifestf("%v", err)
			}
		}

		if x.IP == "" {
			return errdefs.Manifestf("interface %s of %s has no ip", name, node)
		}

		if err := c.AddIface(node, name, x.IP, x.MAC, x.Device); err != nil {
			return errdefs.Manifestf("%v", err)
		}
	}

	if gateway != "" {
		if err := c.AddGw(node, gateway); err != nil {
			return errdefs.Manifestf("%v", err)
		}
	}

	if cpus > 0 {
		if err := c.SetCPUs(node, cpus); err != nil {
			return errdefs.Manifestf("%v", err)
		}
	}

	return nil
}

func encode(w io.Writer, doc xmlVC) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("failed to write manifest header: %w", err)
	}

	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	if _, err := io.WriteString(w, "\n"); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	return nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}

	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close manifest: %w", err)
	}

	return nil
}
