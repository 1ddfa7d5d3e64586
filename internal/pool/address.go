package pool

import (
	"fmt"
	"net"

	"github.com/pragmagrid/pragmactl/internal/errdefs"
	"github.com/pragmagrid/pragmactl/pkg/utils"
)

// AddressPool issues IPv4 addresses of one network. Candidates are host-part
// offsets from the network address, restricted to [low, high].
type AddressPool struct {
	resource string
	network  net.IPNet
	base     uint32
	pool     *Pool
}

type AddressOption func(*AddressPool)

// WithResource names the pool in exhaustion errors.
func WithResource(resource string) AddressOption {
	return func(a *AddressPool) { a.resource = resource }
}

func NewAddressPool(network net.IPNet, low, high int, used []net.IP, opts ...AddressOption) (*AddressPool, error) {
	base := network.IP.To4()
	if base == nil || len(network.Mask) != net.IPv4len {
		return nil, errdefs.Configf("address pool %s is not an IPv4 network", network.String())
	}

	ones, bits := network.Mask.Size()
	if bits == 0 {
		return nil, errdefs.Configf("address pool %s has a non canonical netmask", network.String())
	}

	lastHost := (1 << (bits - ones)) - 2
	if low < 1 || high > lastHost {
		return nil, errdefs.Configf("address range [%d, %d] outside hosts of %s", low, high, network.String())
	}

	p, err := New(low, high, nil)
	if err != nil {
		return nil, errdefs.Configf("address range of %s: %v", network.String(), err)
	}

	a := &AddressPool{
		resource: "addresses in " + network.String(),
		network:  net.IPNet{IP: base.Mask(network.Mask), Mask: network.Mask},
		base:     utils.IPToUint32(base.Mask(network.Mask)),
		pool:     p,
	}

	for _, opt := range opts {
		opt(a)
	}

	for _, ip := range used {
		a.Reserve(ip)
	}

	return a, nil
}

// NewNetworkPool covers every host address of the network.
func NewNetworkPool(network net.IPNet, used []net.IP, opts ...AddressOption) (*AddressPool, error) {
	ones, bits := network.Mask.Size()
	return NewAddressPool(network, 1, (1<<(bits-ones))-2, used, opts...)
}

func (a *AddressPool) Network() net.IPNet {
	return a.network
}

// Contains reports whether ip is a candidate of this pool.
func (a *AddressPool) Contains(ip net.IP) bool {
	offset, ok := a.offset(ip)
	return ok && offset >= a.pool.Low() && offset <= a.pool.High()
}

// Reserve marks ip as used. Addresses outside the network are ignored, so
// callers can feed the backend's full in-use list.
func (a *AddressPool) Reserve(ip net.IP) bool {
	offset, ok := a.offset(ip)
	if !ok {
		return false
	}

	a.pool.MarkUsed(offset)
	return true
}

func (a *AddressPool) IsUsed(ip net.IP) bool {
	offset, ok := a.offset(ip)
	return ok && a.pool.IsUsed(offset)
}

// Next issues the lowest free address.
func (a *AddressPool) Next() (net.IP, error) {
	offset, err := a.pool.Take()
	if err != nil {
		return nil, &errdefs.ExhaustedError{Resource: a.resource}
	}

	return a.ip(offset), nil
}

// NextDescending issues the highest free address.
func (a *AddressPool) NextDescending() (net.IP, error) {
	offset, err := a.pool.TakeLast()
	if err != nil {
		return nil, &errdefs.ExhaustedError{Resource: a.resource}
	}

	return a.ip(offset), nil
}

func (a *AddressPool) String() string {
	return fmt.Sprintf("%s [%s, %s]", a.network.String(), a.ip(a.pool.Low()), a.ip(a.pool.High()))
}

func (a *AddressPool) offset(ip net.IP) (int, bool) {
	v4 := ip.To4()
	if v4 == nil || !a.network.Contains(v4) {
		return 0, false
	}

	return int(utils.IPToUint32(v4) - a.base), true
}

func (a *AddressPool) ip(offset int) net.IP {
	return utils.Uint32ToIP(a.base + uint32(offset))
}

// NewRangePool covers the addresses from first to last inclusive.
func NewRangePool(network net.IPNet, first, last net.IP, used []net.IP, opts ...AddressOption) (*AddressPool, error) {
	if first.To4() == nil || last.To4() == nil || !network.Contains(first) || !network.Contains(last) {
		return nil, errdefs.Configf("address range %s-%s outside %s", first, last, network.String())
	}

	base := utils.IPToUint32(network.IP.Mask(network.Mask))
	return NewAddressPool(network, int(utils.IPToUint32(first)-base), int(utils.IPToUint32(last)-base), used, opts...)
}
