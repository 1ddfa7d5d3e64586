package models

import "net"

// ClusterSpec is what a bare-metal backend needs to create one virtual cluster.
type ClusterSpec struct {
	Frontend      FrontendSpec
	Computes      []ComputeSpec
	MemoryMB      int
	Vlan          int
	ExtraNetworks []string
	// Images are the template disk sources per role, for backends that
	// create nodes straight from an image.
	Images map[Role]string
}

type FrontendSpec struct {
	Name     string
	FQDN     string
	PublicIP net.IP
	CPUs     int
}

type ComputeSpec struct {
	Host string
	CPUs int
}

// CreatedCluster is what the backend reports back after creating a cluster.
type CreatedCluster struct {
	Frontend NodeInfo
	Computes []NodeInfo
}

type NodeInfo struct {
	Name       string
	Host       string
	CPUs       int
	Interfaces []InterfaceInfo
}

type InterfaceInfo struct {
	Network string
	IP      string
	MAC     string
	Device  string
}

// StageRequest describes the image preparation of one node.
type StageRequest struct {
	Node     string
	Role     Role
	Host     string
	Disk     string
	Source   string
	Manifest string
}
