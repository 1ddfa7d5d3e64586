package models

// CloudNetwork is a guest network of the cloud zone.
type CloudNetwork struct {
	ID      string
	Name    string
	CIDR    string
	Gateway string
}

type PublicIP struct {
	ID      string
	Address string
}

type CloudNIC struct {
	Network string
	IP      string
	MAC     string
}

type CloudVM struct {
	ID    string
	Name  string
	State string
	CPUs  int
	NICs  []CloudNIC
}

// NIC returns the interface of the vm on the named network.
func (v CloudVM) NIC(network string) (CloudNIC, bool) {
	for _, nic := range v.NICs {
		if nic.Network == network {
			return nic, true
		}
	}
	return CloudNIC{}, false
}

// NetworkIP pins a vm interface to a network, optionally with an address.
type NetworkIP struct {
	NetworkID string
	IP        string
}

type VMSpec struct {
	Name       string
	OfferingID string
	TemplateID string
	Networks   []NetworkIP
}
