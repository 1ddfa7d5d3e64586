package manifest

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pragmagrid/pragmactl/internal/errdefs"
	"github.com/pragmagrid/pragmactl/internal/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nodeView struct {
	Name    string
	VM      string
	Gateway string
	CPUs    int
	Ifaces  map[string]network.Iface
}

type netView struct {
	Subnet  string
	Netmask string
	MTU     int
}

type clusterView struct {
	FQDN     string
	Key      string
	DNS      network.DNS
	Networks map[string]netView
	Nodes    []nodeView
}

func view(c *network.ClusterNetwork) clusterView {
	v := clusterView{
		FQDN:     c.FQDN(),
		Key:      c.Key(),
		DNS:      c.DNS(),
		Networks: make(map[string]netView),
	}

	for _, n := range c.Networks() {
		v.Networks[n.Name] = netView{Subnet: n.Subnet, Netmask: n.Netmask, MTU: n.MTU}
	}

	for _, n := range c.Nodes() {
		nv := nodeView{Name: n.Name, VM: n.VM, Gateway: n.Gateway, CPUs: n.CPUs, Ifaces: make(map[string]network.Iface)}
		for _, name := range n.Networks() {
			nv.Ifaces[name], _ = n.Iface(name)
		}
		v.Nodes = append(v.Nodes, nv)
	}

	return v
}

func sampleCluster(t *testing.T) *network.ClusterNetwork {
	t.Helper()

	c := network.New("vc2", "vc2.example.org", []string{"hosted-vm-0-2-0", "hosted-vm-0-10-0"})
	c.SetKey("ssh-rsa AAAAB3Nza test@example.org\n")
	c.SetDNS(network.DNS{IP: "10.1.1.1", Search: "local", Domain: "example.org"})

	require.NoError(t, c.AddNet(network.Public, "198.202.88.0", "255.255.255.0", 1500))
	require.NoError(t, c.AddNet(network.Private, "10.1.0.0", "255.255.0.0", 1500,
		network.WithRange(net.ParseIP("10.1.1.254"), net.ParseIP("10.1.1.2"))))

	require.NoError(t, c.AddIface("vc2", network.Public, "198.202.88.12", "7a:77:6e:40:00:01", "eth1"))
	require.NoError(t, c.AddIface("vc2", network.Private, "10.1.1.1", "7a:77:6e:40:00:02", "eth0"))
	require.NoError(t, c.AddGw("vc2", "198.202.88.1"))
	require.NoError(t, c.SetCPUs("vc2", 2))

	for _, n := range c.Computes() {
		require.NoError(t, c.AddIface(n.VM, network.Private, network.Unassigned, "7a:77:6e:40:00:1"+n.Name[len(n.Name)-1:], "eth0"))
		require.NoError(t, c.AddGw(n.VM, "10.1.1.1"))
		require.NoError(t, c.SetCPUs(n.VM, 4))
	}

	return c
}

func Test_RoundTrip(t *testing.T) {
	c := sampleCluster(t)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, c))

	read, err := Read(&buf)
	require.NoError(t, err)

	if diff := cmp.Diff(view(c), view(read)); diff != "" {
		t.Errorf("manifest round trip mismatch (-want +got):\n%s", diff)
	}
}

func Test_RoundTrip_ExtraNetwork(t *testing.T) {
	testCases := []struct {
		name    string
		network string
	}{
		{name: "plain", network: "ib"},
		{name: "dotted", network: "ib0.10g"},
		{name: "underscore and dash", network: "_fast-net"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := sampleCluster(t)
			require.NoError(t, c.AddNet(tc.network, "10.5.0.0", "255.255.255.0", 9000))
			for _, n := range c.Nodes() {
				require.NoError(t, c.AddIface(n.VM, tc.network, network.Unassigned, "", "ib0"))
			}

			var buf bytes.Buffer
			require.NoError(t, Write(&buf, c))

			read, err := Read(&buf)
			require.NoError(t, err)

			if diff := cmp.Diff(view(c), view(read)); diff != "" {
				t.Errorf("manifest round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func Test_Write_InvalidNetworkName(t *testing.T) {
	c := sampleCluster(t)

	for _, name := range []string{"10g", "ib@1"} {
		assert.ErrorIs(t, c.AddNet(name, "10.5.0.0", "255.255.255.0", 1500), network.ErrInvalidName)
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, c))
	_, err := Read(&buf)
	assert.NoError(t, err)
}

func Test_Write_Layout(t *testing.T) {
	c := sampleCluster(t)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, c))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "<?xml"))
	assert.Contains(t, out, `<frontend name="vc2" fqdn="vc2.example.org" gw="198.202.88.1" cpus="2">`)
	assert.Contains(t, out, `<public ip="198.202.88.12" mac="7a:77:6e:40:00:01" iface="eth1" netmask="255.255.255.0" subnet="198.202.88.0" mtu="1500">`)
	assert.Contains(t, out, `<compute count="2">`)
	assert.Contains(t, out, `<node name="compute-0" vm="hosted-vm-0-2-0" cpus="4" gw="10.1.1.1">`)
	assert.Contains(t, out, `<private ip="10.1.1.254" mac="7a:77:6e:40:00:10" iface="eth0">`)
	assert.Contains(t, out, `<dns ip="10.1.1.1" search="local" domain="example.org">`)
	assert.Contains(t, out, "<key>ssh-rsa AAAAB3Nza test@example.org</key>")

	// network attributes are written once
	assert.Equal(t, 1, strings.Count(out, `subnet="10.1.0.0"`))
}

func Test_ScenarioD(t *testing.T) {
	c := network.New("fe1", "fe1.example.org", nil)
	require.NoError(t, c.AddNet(network.Private, "10.1.0.0", "255.255.0.0", 1500))
	require.NoError(t, c.AddIface("raw-node-7", network.Private, "10.1.1.254", "aa:bb", "eth0"))

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, c))

	read, err := Read(&buf)
	require.NoError(t, err)

	computes := read.Computes()
	require.Len(t, computes, 1)
	assert.Equal(t, "compute-0", computes[0].Name)
	assert.Equal(t, "raw-node-7", computes[0].VM)

	iface, ok := computes[0].Iface(network.Private)
	require.True(t, ok)
	assert.Equal(t, "10.1.1.254", iface.IP)
	assert.Equal(t, "aa:bb", iface.MAC)

	// the subnet travelled on the compute interface
	n, ok := read.Network(network.Private)
	require.True(t, ok)
	assert.Equal(t, "10.1.0.0", n.Subnet)
}

func Test_Read_Invalid(t *testing.T) {
	testCases := []struct {
		name string
		doc  string
	}{
		{
			name: "not xml",
			doc:  "{}",
		},
		{
			name: "missing frontend",
			doc:  `<vc><key>k</key></vc>`,
		},
		{
			name: "missing key",
			doc:  `<vc><frontend name="fe" fqdn="fe.example.org"/></vc>`,
		},
		{
			name: "interface without address",
			doc:  `<vc><frontend name="fe" fqdn="fe.example.org"><private mac="aa"/></frontend><key>k</key></vc>`,
		},
		{
			name: "duplicate compute",
			doc: `<vc><frontend name="fe" fqdn="fe.example.org"/>
				<compute count="2"><node name="compute-0"/><node name="compute-0"/></compute><key>k</key></vc>`,
		},
		{
			name: "bad mtu",
			doc:  `<vc><frontend name="fe" fqdn="fe.example.org"><private ip="10.1.1.1" subnet="10.1.0.0" netmask="255.255.0.0" mtu="big"/></frontend><key>k</key></vc>`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Read(strings.NewReader(tc.doc))
			assert.ErrorIs(t, err, errdefs.ErrManifest)
		})
	}
}

func Test_WriteFiles(t *testing.T) {
	c := sampleCluster(t)
	dir := t.TempDir()

	files, err := WriteFiles(dir, c)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, FileName), files.Cluster)
	require.Len(t, files.Computes, 2)

	compute, err := ReadFile(files.Computes["hosted-vm-0-10-0"])
	require.NoError(t, err)

	require.Len(t, compute.Computes(), 1)
	assert.Equal(t, "compute-1", compute.Computes()[0].Name)
	assert.Equal(t, "vc2", compute.Frontend().Name)

	_, err = os.Stat(files.Cluster)
	assert.NoError(t, err)

	assert.ErrorIs(t, WriteCompute(&bytes.Buffer{}, c, "vc2"), network.ErrUnknownNode)
}
