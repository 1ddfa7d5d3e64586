// Package allocator splits a CPU request across physical hosts.
package allocator

import (
	"errors"
	"fmt"
	"sort"

	"github.com/pragmagrid/pragmactl/internal/errdefs"
	"github.com/pragmagrid/pragmactl/internal/models"
	"github.com/pragmagrid/pragmactl/pkg/utils"
	"github.com/samber/lo"
)

var ErrNonPositiveRequest = errors.New("requested cpus must be positive")

type GrantPolicy string

const (
	// GrantExact gives a host only what is still needed.
	GrantExact GrantPolicy = "exact"
	// GrantWholeHost gives every selected host its full availability, so the
	// last host may over-provision.
	GrantWholeHost GrantPolicy = "whole-host"
)

func ParseGrantPolicy(s string) (GrantPolicy, error) {
	switch GrantPolicy(s) {
	case "", GrantExact:
		return GrantExact, nil
	case GrantWholeHost:
		return GrantWholeHost, nil
	}
	return "", errdefs.Configf("unknown grant policy %q", s)
}

type Options struct {
	// AllowedHosts restricts placement when non empty.
	AllowedHosts []string
	// Reserved is subtracted from every host on top of its own reservation.
	Reserved int
	Policy   GrantPolicy
}

type candidate struct {
	host      string
	available int
}

// Plan grants CPUs host by host, most available first. Equal availability is
// broken in favour of the later sorting name, so "node-10" is picked before
// "node-9". The plan is all or nothing: if the hosts cannot cover the request
// an *errdefs.InfeasibleError carrying the shortfall is returned.
func Plan(requested int, capacities []models.HostCapacity, opts Options) (models.AllocationPlan, error) {
	if requested <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrNonPositiveRequest, requested)
	}

	candidates := make([]candidate, 0, len(capacities))
	for _, c := range capacities {
		if len(opts.AllowedHosts) > 0 && !lo.Contains(opts.AllowedHosts, c.Host) {
			continue
		}

		c.ReservedCPUs += opts.Reserved
		if available := c.Available(); available > 0 {
			candidates = append(candidates, candidate{host: c.Host, available: available})
		}
	}

	total := lo.SumBy(candidates, func(c candidate) int { return c.available })
	if total < requested {
		return nil, &errdefs.InfeasibleError{
			Requested: requested,
			Available: total,
			Shortfall: requested - total,
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].available != candidates[j].available {
			return candidates[i].available > candidates[j].available
		}
		return utils.NaturalLess(candidates[j].host, candidates[i].host)
	})

	plan := make(models.AllocationPlan, 0, len(candidates))
	granted := 0
	for _, c := range candidates {
		if granted >= requested {
			break
		}

		grant := min(c.available, requested-granted)
		if opts.Policy == GrantWholeHost {
			grant = c.available
		}

		plan = append(plan, models.Grant{Host: c.host, CPUs: grant})
		granted += grant
	}

	return plan, nil
}
