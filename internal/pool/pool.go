// Package pool hands out scarce enumerable values (address host parts, VLAN
// ids, subnet slots). Pools are stateless between runs: they are built from
// the values the backend reports as used right before each allocation.
package pool

import (
	"errors"
	"fmt"

	"github.com/pragmagrid/pragmactl/internal/errdefs"
)

var (
	ErrExhausted    = errors.New("pool exhausted")
	ErrInvalidRange = errors.New("invalid pool range")
)

// Pool is a first-fit allocator over the closed range [low, high].
type Pool struct {
	low  int
	high int
	used map[int]struct{}
}

func New(low, high int, used []int) (*Pool, error) {
	if low > high {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, low, high)
	}

	p := &Pool{
		low:  low,
		high: high,
		used: make(map[int]struct{}, len(used)),
	}

	for _, v := range used {
		p.MarkUsed(v)
	}

	return p, nil
}

func (p *Pool) Low() int  { return p.low }
func (p *Pool) High() int { return p.high }

func (p *Pool) MarkUsed(v int) {
	p.used[v] = struct{}{}
}

func (p *Pool) IsUsed(v int) bool {
	_, ok := p.used[v]
	return ok
}

// NextFree returns the lowest unused value without marking it.
func (p *Pool) NextFree() (int, error) {
	for v := p.low; v <= p.high; v++ {
		if !p.IsUsed(v) {
			return v, nil
		}
	}

	return 0, ErrExhausted
}

// LastFree returns the highest unused value without marking it.
func (p *Pool) LastFree() (int, error) {
	for v := p.high; v >= p.low; v-- {
		if !p.IsUsed(v) {
			return v, nil
		}
	}

	return 0, ErrExhausted
}

// Take returns the lowest unused value and marks it used.
func (p *Pool) Take() (int, error) {
	v, err := p.NextFree()
	if err != nil {
		return 0, err
	}

	p.MarkUsed(v)
	return v, nil
}

// TakeLast returns the highest unused value and marks it used.
func (p *Pool) TakeLast() (int, error) {
	v, err := p.LastFree()
	if err != nil {
		return 0, err
	}

	p.MarkUsed(v)
	return v, nil
}

// VlanPool issues VLAN ids.
type VlanPool struct {
	pool *Pool
}

const (
	MinVlan = 1
	MaxVlan = 4094
)

func NewVlanPool(low, high int, used []int) (*VlanPool, error) {
	if low < MinVlan || high > MaxVlan {
		return nil, errdefs.Configf("vlan range [%d, %d] outside [%d, %d]", low, high, MinVlan, MaxVlan)
	}

	p, err := New(low, high, used)
	if err != nil {
		return nil, errdefs.Configf("vlan range: %v", err)
	}

	return &VlanPool{pool: p}, nil
}

func (v *VlanPool) Next() (int, error) {
	id, err := v.pool.Take()
	if err != nil {
		return 0, &errdefs.ExhaustedError{Resource: "vlans"}
	}

	return id, nil
}
