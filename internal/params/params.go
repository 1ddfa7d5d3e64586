// Package params handles the name=value parameters accepted next to
// positional arguments, as in "pragma boot vc2 8 key=/root/.ssh/id.pub".
package params

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/pragmagrid/pragmactl/internal/errdefs"
	"github.com/spf13/cobra"
)

// Apply sets every name=value argument on the flag of the same name and
// returns the remaining positional arguments.
func Apply(cmd *cobra.Command, args []string) ([]string, error) {
	positional := make([]string, 0, len(args))

	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok {
			positional = append(positional, arg)
			continue
		}

		if cmd.Flags().Lookup(name) == nil {
			return nil, errdefs.Configf("unknown parameter %q for %s", name, cmd.Name())
		}

		if err := cmd.Flags().Set(name, value); err != nil {
			return nil, errdefs.Configf("bad value for %s: %v", name, err)
		}
	}

	return positional, nil
}

// ParseMemory converts a memory amount to MB. A bare number is already MB,
// anything else is a size such as "4GB". Empty means unset.
func ParseMemory(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if mb, err := strconv.Atoi(s); err == nil {
		if mb <= 0 {
			return 0, errdefs.Configf("memory must be positive, got %q", s)
		}
		return mb, nil
	}

	bytes, err := units.RAMInBytes(s)
	if err != nil {
		return 0, errdefs.Configf("bad memory %q: %v", s, err)
	}
	if bytes < units.MiB {
		return 0, errdefs.Configf("memory %q is below 1MB", s)
	}

	return int(bytes / units.MiB), nil
}

// IfaceSpec asks for an extra network on every node, optionally with the
// subnet to issue addresses from.
type IfaceSpec struct {
	Network string
	CIDR    *net.IPNet
}

func (s IfaceSpec) String() string {
	if s.CIDR == nil {
		return s.Network
	}
	return fmt.Sprintf("%s:%s", s.Network, s.CIDR)
}

// ParseIfaces parses "net[:cidr],net[:cidr],...".
func ParseIfaces(s string) ([]IfaceSpec, error) {
	var specs []IfaceSpec

	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		name, cidr, hasCIDR := strings.Cut(item, ":")
		if name == "" {
			return nil, errdefs.Configf("add-iface entry %q has no network name", item)
		}

		spec := IfaceSpec{Network: name}
		if hasCIDR {
			_, ipnet, err := net.ParseCIDR(cidr)
			if err != nil {
				return nil, errdefs.Configf("add-iface entry %q: %v", item, err)
			}
			spec.CIDR = ipnet
		}

		specs = append(specs, spec)
	}

	return specs, nil
}
