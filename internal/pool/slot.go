package pool

import (
	"fmt"
	"net"

	"github.com/pragmagrid/pragmactl/internal/errdefs"
)

const (
	slotLow   = 3
	slotHigh  = 254
	slotWidth = slotHigh - slotLow + 1
)

// Slot is one 10.i.j.0/24 private network.
type Slot struct {
	I int
	J int
}

func (s Slot) CIDR() string    { return fmt.Sprintf("10.%d.%d.0/24", s.I, s.J) }
func (s Slot) Gateway() string { return fmt.Sprintf("10.%d.%d.1", s.I, s.J) }
func (s Slot) StartIP() string { return fmt.Sprintf("10.%d.%d.2", s.I, s.J) }
func (s Slot) EndIP() string   { return fmt.Sprintf("10.%d.%d.254", s.I, s.J) }
func (s Slot) Netmask() string { return "255.255.255.0" }

// SlotPool scans the /24 slots 10.i.j.0 with i and j in [3, 254], i major.
type SlotPool struct {
	pool *Pool
}

// NewSlotPool takes the CIDRs of the networks that already exist; anything
// that is not a slot is ignored.
func NewSlotPool(usedCIDRs []string) (*SlotPool, error) {
	p, err := New(0, slotWidth*slotWidth-1, nil)
	if err != nil {
		return nil, err
	}

	for _, cidr := range usedCIDRs {
		if idx, ok := slotIndex(cidr); ok {
			p.MarkUsed(idx)
		}
	}

	return &SlotPool{pool: p}, nil
}

func (s *SlotPool) Next() (Slot, error) {
	idx, err := s.pool.Take()
	if err != nil {
		return Slot{}, &errdefs.ExhaustedError{Resource: "private networks"}
	}

	return Slot{I: slotLow + idx/slotWidth, J: slotLow + idx%slotWidth}, nil
}

func slotIndex(cidr string) (int, bool) {
	ip, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return 0, false
	}

	ones, _ := network.Mask.Size()
	v4 := ip.To4()
	if ones != 24 || v4 == nil || v4[0] != 10 || v4[3] != 0 {
		return 0, false
	}

	i, j := int(v4[1]), int(v4[2])
	if i < slotLow || i > slotHigh || j < slotLow || j > slotHigh {
		return 0, false
	}

	return (i-slotLow)*slotWidth + (j - slotLow), true
}
