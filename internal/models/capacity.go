package models

// HostCapacity is the CPU accounting of one physical host at allocation time.
type HostCapacity struct {
	Host         string
	TotalCPUs    int
	ReservedCPUs int
	UsedCPUs     int
}

// Available is clamped at zero so a misconfigured reservation never yields a
// negative share.
func (h HostCapacity) Available() int {
	return max(h.TotalCPUs-h.ReservedCPUs-h.UsedCPUs, 0)
}

type Grant struct {
	Host string
	CPUs int
}

// AllocationPlan lists the per-host grants in the order the hosts were
// selected.
type AllocationPlan []Grant

func (p AllocationPlan) Total() int {
	total := 0
	for _, g := range p {
		total += g.CPUs
	}
	return total
}

func (p AllocationPlan) ByHost() map[string]int {
	byHost := make(map[string]int, len(p))
	for _, g := range p {
		byHost[g.Host] += g.CPUs
	}
	return byHost
}
