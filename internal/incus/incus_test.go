package incus

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	incus "github.com/lxc/incus/client"
	"github.com/lxc/incus/shared/api"
	"github.com/pragmagrid/pragmactl/internal/errdefs"
	"github.com/pragmagrid/pragmactl/internal/logging"
	"github.com/pragmagrid/pragmactl/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOperation struct {
	incus.Operation
	err error
}

func (o fakeOperation) WaitContext(context.Context) error { return o.err }

type fakeServer struct {
	instances map[string]*api.InstanceFull
	targets   map[string]string
	states    []string
	deleted   []string
	createErr error
}

func newFakeServer(instances ...api.InstanceFull) *fakeServer {
	s := &fakeServer{instances: make(map[string]*api.InstanceFull), targets: make(map[string]string)}
	for n := range instances {
		s.instances[instances[n].Name] = &instances[n]
	}
	return s
}

func (s *fakeServer) GetInstancesFull(api.InstanceType) ([]api.InstanceFull, error) {
	out := make([]api.InstanceFull, 0, len(s.instances))
	for _, instance := range s.instances {
		out = append(out, *instance)
	}
	return out, nil
}

func (s *fakeServer) GetInstance(name string) (*api.Instance, string, error) {
	instance, ok := s.instances[name]
	if !ok {
		return nil, "", errors.New("not found")
	}
	return &instance.Instance, "etag", nil
}

func (s *fakeServer) CreateInstanceOn(target string, post api.InstancesPost) (incus.Operation, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}

	config := post.Config
	for device, d := range post.Devices {
		if d["type"] == "nic" {
			config[fmt.Sprintf("volatile.%s.hwaddr", device)] = "10:66:6a:00:00:" + strings.TrimPrefix(device, "eth")
		}
	}

	s.targets[post.Name] = target
	s.instances[post.Name] = &api.InstanceFull{Instance: api.Instance{
		InstancePut: post.InstancePut,
		Name:        post.Name,
		Location:    target,
		Status:      "Stopped",
	}}
	return fakeOperation{}, nil
}

func (s *fakeServer) UpdateInstance(name string, put api.InstancePut, _ string) (incus.Operation, error) {
	s.instances[name].InstancePut = put
	return fakeOperation{}, nil
}

func (s *fakeServer) UpdateInstanceState(name string, state api.InstanceStatePut, _ string) (incus.Operation, error) {
	s.states = append(s.states, state.Action+" "+name)
	return fakeOperation{}, nil
}

func (s *fakeServer) DeleteInstance(name string) (incus.Operation, error) {
	s.deleted = append(s.deleted, name)
	delete(s.instances, name)
	return fakeOperation{}, nil
}

func instance(name, location, cluster, role, status string, cpus int) api.InstanceFull {
	return api.InstanceFull{Instance: api.Instance{
		Name:     name,
		Location: location,
		Status:   status,
		InstancePut: api.InstancePut{
			Config: map[string]string{
				ClusterKey: cluster,
				RoleKey:    role,
				limitsCPU:  fmt.Sprint(cpus),
			},
			Devices: map[string]map[string]string{
				PrivateNIC: {"type": "nic", "vlan": "7"},
			},
		},
	}}
}

func newTestIncus(server *fakeServer) *Incus {
	return New(Config{
		Server:      server,
		Hosts:       []Host{{Name: "node-1", CPUs: 16}, {Name: "node-2", CPUs: 8}},
		Bridge:      "br0",
		Parent:      "bond0",
		Pool:        "default",
		OccupiedIPs: []net.IP{net.ParseIP("192.168.0.1")},
	}, logging.Discard())
}

func Test_Capacities(t *testing.T) {
	server := newFakeServer(
		instance("fe1", "node-1", "fe1", "frontend", "Running", 2),
		instance("fe1-compute-0", "node-1", "fe1", "compute", "Running", 4),
		instance("fe1-compute-1", "node-2", "fe1", "compute", "Running", 8),
	)

	capacities, err := newTestIncus(server).Capacities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.HostCapacity{
		{Host: "node-1", TotalCPUs: 16, UsedCPUs: 6},
		{Host: "node-2", TotalCPUs: 8, UsedCPUs: 8},
	}, capacities)
}

func Test_UsedAddressesAndVlans(t *testing.T) {
	fe := instance("fe1", "node-1", "fe1", "frontend", "Running", 2)
	fe.Config[PublicIPKey] = "192.168.0.10"
	fe.State = &api.InstanceState{Network: map[string]api.InstanceStateNetwork{
		PublicNIC: {Addresses: []api.InstanceStateNetworkAddress{{Family: AddressFamily, Address: "192.168.0.10"}}},
		PrivateNIC: {Addresses: []api.InstanceStateNetworkAddress{
			{Family: "inet6", Address: "fe80::1"},
			{Family: AddressFamily, Address: "10.1.1.1"},
		}},
	}}
	server := newFakeServer(fe)
	i := newTestIncus(server)

	ips, err := i.UsedAddresses(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []net.IP{
		net.ParseIP("192.168.0.1"),
		net.ParseIP("192.168.0.10"),
		net.ParseIP("192.168.0.10"),
		net.ParseIP("10.1.1.1"),
	}, ips)

	vlans, err := i.UsedVlans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{7}, vlans)
}

func Test_CreateCluster(t *testing.T) {
	server := newFakeServer()
	i := newTestIncus(server)

	created, err := i.CreateCluster(context.Background(), models.ClusterSpec{
		Frontend:      models.FrontendSpec{Name: "fe1", PublicIP: net.ParseIP("192.168.0.10"), CPUs: 2},
		Computes:      []models.ComputeSpec{{Host: "node-2", CPUs: 8}, {Host: "node-1", CPUs: 2}},
		MemoryMB:      2048,
		Vlan:          3,
		ExtraNetworks: []string{"ib"},
		Images:        map[models.Role]string{models.RoleFrontend: "rocks-fe", models.RoleCompute: "rocks-compute"},
	})
	require.NoError(t, err)

	assert.Equal(t, "node-2", server.targets["fe1"])
	assert.Equal(t, "node-1", server.targets["fe1-compute-1"])

	fe := server.instances["fe1"]
	assert.Equal(t, "2GiB", fe.Config[limitsMemory])
	assert.Equal(t, "192.168.0.10", fe.Config[PublicIPKey])
	assert.Equal(t, "3", fe.Devices[PrivateNIC]["vlan"])
	assert.Equal(t, "br0", fe.Devices[PublicNIC]["parent"])
	assert.Equal(t, "ib", fe.Devices["eth2"]["network"])

	assert.Equal(t, []models.InterfaceInfo{
		{Network: "private", MAC: "10:66:6a:00:00:0", Device: PrivateNIC},
		{Network: "public", MAC: "10:66:6a:00:00:1", Device: PublicNIC},
		{Network: "ib", MAC: "10:66:6a:00:00:2", Device: "eth2"},
	}, created.Frontend.Interfaces)

	require.Len(t, created.Computes, 2)
	assert.Equal(t, "fe1-compute-0", created.Computes[0].Name)
	assert.Equal(t, "node-2", created.Computes[0].Host)
	assert.Len(t, created.Computes[0].Interfaces, 2)
	_, hasPublic := server.instances["fe1-compute-0"].Devices[PublicNIC]
	assert.False(t, hasPublic)
}

func Test_CreateCluster_Errors(t *testing.T) {
	testCases := []struct {
		name   string
		server *fakeServer
		spec   models.ClusterSpec
		err    error
	}{
		{
			name:   "no computes",
			server: newFakeServer(),
			spec:   models.ClusterSpec{Frontend: models.FrontendSpec{Name: "fe1"}},
			err:    errdefs.ErrConfiguration,
		},
		{
			name:   "no image",
			server: newFakeServer(),
			spec: models.ClusterSpec{
				Frontend: models.FrontendSpec{Name: "fe1", PublicIP: net.ParseIP("192.168.0.10")},
				Computes: []models.ComputeSpec{{Host: "node-1", CPUs: 1}},
			},
			err: errdefs.ErrConfiguration,
		},
		{
			name:   "create fails",
			server: &fakeServer{createErr: errors.New("no space left")},
			spec: models.ClusterSpec{
				Frontend: models.FrontendSpec{Name: "fe1", PublicIP: net.ParseIP("192.168.0.10")},
				Computes: []models.ComputeSpec{{Host: "node-1", CPUs: 1}},
				Images:   map[models.Role]string{models.RoleFrontend: "fe", models.RoleCompute: "c"},
			},
			err: errdefs.ErrBackend,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newTestIncus(tc.server).CreateCluster(context.Background(), tc.spec)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func Test_ClusterStatus(t *testing.T) {
	server := newFakeServer(
		instance("fe1", "node-1", "fe1", "frontend", "Running", 2),
		instance("fe1-compute-10", "node-1", "fe1", "compute", "Stopped", 4),
		instance("fe1-compute-2", "node-2", "fe1", "compute", "Running", 8),
		instance("fe0", "node-2", "fe0", "frontend", "Stopped", 2),
		instance("unrelated", "node-2", "", "", "Running", 1),
	)
	i := newTestIncus(server)

	statuses, err := i.ClusterStatus(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, "fe0", statuses[0].Name)

	fe1 := statuses[1]
	assert.Equal(t, models.StateActive, fe1.Frontend.State)
	assert.Equal(t, []string{"fe1-compute-2", "fe1-compute-10"}, []string{fe1.Computes[0].Name, fe1.Computes[1].Name})
	assert.Equal(t, "stopped", fe1.Computes[1].Status)

	disks, err := i.Disks(context.Background(), "fe0")
	require.NoError(t, err)
	assert.Equal(t, []models.Disk{{Node: "fe0", Host: "node-2", Path: "default/fe0"}}, disks)

	require.NoError(t, i.RemoveCluster(context.Background(), "fe1"))
	assert.ElementsMatch(t, []string{"fe1", "fe1-compute-10", "fe1-compute-2"}, server.deleted)
}

func Test_StageAndState(t *testing.T) {
	server := newFakeServer(instance("fe1", "node-1", "fe1", "frontend", "Stopped", 2))
	i := newTestIncus(server)

	path := filepath.Join(t.TempDir(), "vc-out.xml")
	require.NoError(t, os.WriteFile(path, []byte("<vc/>"), 0644))

	require.NoError(t, i.Stage(context.Background(), models.StageRequest{Node: "fe1", Manifest: path}))

	userData := server.instances["fe1"].Config[CloudInitUserData]
	assert.True(t, strings.HasPrefix(userData, "#cloud-config\n"))
	assert.Contains(t, userData, "path: /root/vc-out.xml")
	assert.Contains(t, userData, base64.StdEncoding.EncodeToString([]byte("<vc/>")))
	assert.Contains(t, userData, "70-persistent-net.rules")
	assert.Equal(t, "fe1", server.instances["fe1"].Config[ClusterKey])

	require.NoError(t, i.SetNodeState(context.Background(), "fe1", models.ActionStart))
	require.NoError(t, i.SetNodeState(context.Background(), "fe1", models.ActionStop))
	assert.Equal(t, []string{"start fe1", "stop fe1"}, server.states)

	err := i.Stage(context.Background(), models.StageRequest{Node: "fe9", Manifest: path})
	assert.ErrorIs(t, err, errdefs.ErrBackend)
}

func Test_getInstanceIPFromState(t *testing.T) {
	testCases := []struct {
		name     string
		state    *api.InstanceState
		nic      string
		expected net.IP
		wantErr  bool
		err      error
	}{
		{
			name: "happy path",
			state: &api.InstanceState{
				Network: map[string]api.InstanceStateNetwork{
					"eth0": {
						Addresses: []api.InstanceStateNetworkAddress{
							{
								Family:  AddressFamily,
								Address: "10.1.1.254",
							},
						},
					},
				},
			},
			nic:      "eth0",
			expected: net.ParseIP("10.1.1.254"),
			wantErr:  false,
		},
		{
			name: "no such address family",
			state: &api.InstanceState{
				Network: map[string]api.InstanceStateNetwork{
					"eth0": {
						Addresses: make([]api.InstanceStateNetworkAddress, 0),
					},
				},
			},
			nic:     "eth0",
			wantErr: true,
			err:     ErrNoSuchAddressFamily,
		},
	}

	for _, tc := range testCases {
		actual, err := getInstanceIPFromState(tc.state, tc.nic)
		if tc.wantErr {
			assert.ErrorIs(t, err, tc.err)
		} else {
			assert.Equal(t, tc.expected, actual)
		}
	}
}
