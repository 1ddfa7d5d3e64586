package cloudstack

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/pragmagrid/pragmactl/internal/errdefs"
	"github.com/pragmagrid/pragmactl/internal/models"
	"github.com/pragmagrid/pragmactl/internal/pool"
	"github.com/tidwall/gjson"
)

const anywhere = "0.0.0.0/0"

// zone returns the id of the first zone, caching it for later calls.
func (c *Client) zone(ctx context.Context) (string, error) {
	if c.zoneID != "" {
		return c.zoneID, nil
	}

	res, err := c.Call(ctx, "listZones", nil)
	if err != nil {
		return "", err
	}

	zones := res.Get("zone").Array()
	if len(zones) == 0 {
		return "", errdefs.Backendf("listZones", fmt.Errorf("no zones found"))
	}
	if len(zones) > 1 {
		c.logger.WithField("zone", zones[0].Get("name").String()).Warn("multiple zones, using the first one")
	}

	c.zoneID = zones[0].Get("id").String()
	return c.zoneID, nil
}

func (c *Client) networkOffering(ctx context.Context) (string, error) {
	if c.offeringID != "" {
		return c.offeringID, nil
	}

	res, err := c.Call(ctx, "listNetworkOfferings", url.Values{
		"supportedservices": {"SourceNat"},
		"state":             {"enabled"},
		"forvpc":            {"false"},
	})
	if err != nil {
		return "", err
	}

	offering := res.Get("networkoffering.0.id").String()
	if offering == "" {
		return "", errdefs.Backendf("listNetworkOfferings", fmt.Errorf("no source nat network offering"))
	}

	c.offeringID = offering
	return offering, nil
}

func toNetwork(r gjson.Result) models.CloudNetwork {
	return models.CloudNetwork{
		ID:      r.Get("id").String(),
		Name:    r.Get("name").String(),
		CIDR:    r.Get("cidr").String(),
		Gateway: r.Get("gateway").String(),
	}
}

func (c *Client) Networks(ctx context.Context) ([]models.CloudNetwork, error) {
	res, err := c.Call(ctx, "listNetworks", nil)
	if err != nil {
		return nil, err
	}

	var networks []models.CloudNetwork
	for _, n := range res.Get("network").Array() {
		networks = append(networks, toNetwork(n))
	}
	return networks, nil
}

func (c *Client) CreateNetwork(ctx context.Context, name string, slot pool.Slot) (models.CloudNetwork, error) {
	zone, err := c.zone(ctx)
	if err != nil {
		return models.CloudNetwork{}, err
	}
	offering, err := c.networkOffering(ctx)
	if err != nil {
		return models.CloudNetwork{}, err
	}

	res, err := c.Call(ctx, "createNetwork", url.Values{
		"name":              {name},
		"displaytext":       {name},
		"networkofferingid": {offering},
		"zoneid":            {zone},
		"gateway":           {slot.Gateway()},
		"netmask":           {slot.Netmask()},
		"startip":           {slot.StartIP()},
		"endip":             {slot.EndIP()},
	})
	if err != nil {
		return models.CloudNetwork{}, err
	}

	c.logger.WithField("network", name).WithField("cidr", slot.CIDR()).Info("created network")
	return toNetwork(res.Get("network")), nil
}

// OpenEgress lets the network reach anywhere over each protocol.
func (c *Client) OpenEgress(ctx context.Context, networkID string, protocols ...string) error {
	for _, proto := range protocols {
		_, err := c.CallAndWait(ctx, "createEgressFirewallRule", url.Values{
			"networkid": {networkID},
			"protocol":  {proto},
			"cidrlist":  {anywhere},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) DeleteNetwork(ctx context.Context, id string) error {
	_, err := c.CallAndWait(ctx, "deleteNetwork", url.Values{"id": {id}})
	return err
}

func (c *Client) AssociateIP(ctx context.Context, networkID string) (models.PublicIP, error) {
	zone, err := c.zone(ctx)
	if err != nil {
		return models.PublicIP{}, err
	}

	res, err := c.CallAndWait(ctx, "associateIpAddress", url.Values{
		"networkid": {networkID},
		"zoneid":    {zone},
	})
	if err != nil {
		return models.PublicIP{}, err
	}

	ip := models.PublicIP{
		ID:      res.Get("ipaddress.id").String(),
		Address: res.Get("ipaddress.ipaddress").String(),
	}
	if ip.ID == "" {
		return models.PublicIP{}, errdefs.Backendf("associateIpAddress", fmt.Errorf("no ip address in job result"))
	}

	c.logger.WithField("ip", ip.Address).Info("acquired public ip address")
	return ip, nil
}

// OpenPorts allows inbound tcp traffic from anywhere to each port of the ip.
func (c *Client) OpenPorts(ctx context.Context, ipID string, ports ...int) error {
	for _, port := range ports {
		p := strconv.Itoa(port)
		_, err := c.CallAndWait(ctx, "createFirewallRule", url.Values{
			"ipaddressid": {ipID},
			"protocol":    {"tcp"},
			"startport":   {p},
			"endport":     {p},
			"cidrlist":    {anywhere},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ForwardPorts sends tcp traffic on each port of the ip to the same port of the vm.
func (c *Client) ForwardPorts(ctx context.Context, ipID, vmID string, ports ...int) error {
	for _, port := range ports {
		p := strconv.Itoa(port)
		_, err := c.CallAndWait(ctx, "createPortForwardingRule", url.Values{
			"ipaddressid":      {ipID},
			"protocol":         {"tcp"},
			"publicport":       {p},
			"privateport":      {p},
			"virtualmachineid": {vmID},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) ReleaseIP(ctx context.Context, id string) error {
	_, err := c.CallAndWait(ctx, "disassociateIpAddress", url.Values{"id": {id}})
	return err
}

// PublicIPOf finds the public address whose port forwarding targets the vm.
func (c *Client) PublicIPOf(ctx context.Context, vmID string) (models.PublicIP, bool, error) {
	res, err := c.Call(ctx, "listPublicIpAddresses", nil)
	if err != nil {
		return models.PublicIP{}, false, err
	}

	for _, ip := range res.Get("publicipaddress").Array() {
		id := ip.Get("id").String()

		rules, err := c.Call(ctx, "listPortForwardingRules", url.Values{"ipaddressid": {id}})
		if err != nil {
			return models.PublicIP{}, false, err
		}

		if rules.Get("portforwardingrule.0.virtualmachineid").String() == vmID {
			return models.PublicIP{ID: id, Address: ip.Get("ipaddress").String()}, true, nil
		}
	}

	return models.PublicIP{}, false, nil
}

// Offerings lists the service offerings ordered by cpu count.
func (c *Client) Offerings(ctx context.Context) ([]models.Flavor, error) {
	res, err := c.Call(ctx, "listServiceOfferings", nil)
	if err != nil {
		return nil, err
	}

	var flavors []models.Flavor
	for _, o := range res.Get("serviceoffering").Array() {
		flavors = append(flavors, models.Flavor{
			ID:       o.Get("id").String(),
			Name:     o.Get("name").String(),
			CPUs:     int(o.Get("cpunumber").Int()),
			MemoryMB: int(o.Get("memory").Int()),
		})
	}

	sort.SliceStable(flavors, func(i, j int) bool { return flavors[i].CPUs < flavors[j].CPUs })
	return flavors, nil
}

func (c *Client) TemplateID(ctx context.Context, name string) (string, error) {
	res, err := c.Call(ctx, "listTemplates", url.Values{
		"templatefilter": {c.templateFilter},
		"name":           {name},
	})
	if err != nil {
		return "", err
	}

	id := res.Get("template.0.id").String()
	if id == "" {
		return "", errdefs.Configf("template %s not found in cloudstack", name)
	}
	return id, nil
}

func toVM(r gjson.Result) models.CloudVM {
	vm := models.CloudVM{
		ID:    r.Get("id").String(),
		Name:  r.Get("name").String(),
		State: r.Get("state").String(),
		CPUs:  int(r.Get("cpunumber").Int()),
	}
	for _, nic := range r.Get("nic").Array() {
		vm.NICs = append(vm.NICs, models.CloudNIC{
			Network: nic.Get("networkname").String(),
			IP:      nic.Get("ipaddress").String(),
			MAC:     nic.Get("macaddress").String(),
		})
	}
	return vm
}

// VirtualMachines lists the vms whose name starts with prefix, all of them
// when prefix is empty.
func (c *Client) VirtualMachines(ctx context.Context, prefix string) ([]models.CloudVM, error) {
	params := url.Values{}
	if prefix != "" {
		params.Set("name", prefix)
	}

	res, err := c.Call(ctx, "listVirtualMachines", params)
	if err != nil {
		return nil, err
	}

	var vms []models.CloudVM
	for _, r := range res.Get("virtualmachine").Array() {
		vm := toVM(r)
		if strings.HasPrefix(vm.Name, prefix) {
			vms = append(vms, vm)
		}
	}
	return vms, nil
}

// DeployVM creates a stopped vm attached to the given networks in order.
func (c *Client) DeployVM(ctx context.Context, spec models.VMSpec) (models.CloudVM, error) {
	zone, err := c.zone(ctx)
	if err != nil {
		return models.CloudVM{}, err
	}

	params := url.Values{
		"name":              {spec.Name},
		"displayname":       {spec.Name},
		"serviceofferingid": {spec.OfferingID},
		"templateid":        {spec.TemplateID},
		"zoneid":            {zone},
		"startvm":           {"false"},
	}
	for i, n := range spec.Networks {
		params.Set(fmt.Sprintf("iptonetworklist[%d].networkid", i), n.NetworkID)
		if n.IP != "" {
			params.Set(fmt.Sprintf("iptonetworklist[%d].ip", i), n.IP)
		}
	}

	res, err := c.CallAndWait(ctx, "deployVirtualMachine", params)
	if err != nil {
		return models.CloudVM{}, err
	}

	return toVM(res.Get("virtualmachine")), nil
}

func (c *Client) UpdateUserData(ctx context.Context, vmID string, data []byte) error {
	_, err := c.Call(ctx, "updateVirtualMachine", url.Values{
		"id":       {vmID},
		"userdata": {base64.StdEncoding.EncodeToString(data)},
	})
	return err
}

func (c *Client) StartVM(ctx context.Context, id string) error {
	_, err := c.CallAndWait(ctx, "startVirtualMachine", url.Values{"id": {id}})
	return err
}

func (c *Client) StopVM(ctx context.Context, id string) error {
	_, err := c.CallAndWait(ctx, "stopVirtualMachine", url.Values{"id": {id}})
	return err
}

func (c *Client) DestroyVM(ctx context.Context, id string) error {
	_, err := c.CallAndWait(ctx, "destroyVirtualMachine", url.Values{"id": {id}})
	return err
}
