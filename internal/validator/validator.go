package validator

import (
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"github.com/pragmagrid/pragmactl/internal/errdefs"
	"github.com/pragmagrid/pragmactl/internal/network"
	"github.com/pragmagrid/pragmactl/internal/params"
	"golang.org/x/crypto/ssh"
)

const MaxClusterNameLength = 63

var (
	ErrEmptyClusterName    = errors.New("empty cluster name")
	ErrInvalidClusterName  = errors.New("invalid cluster name")
	ErrClusterNameTooBig   = errors.New("cluster name too big")
	ErrNonPositiveCPUs     = errors.New("non positive cpu count")
	ErrInvalidPublicKey    = errors.New("invalid public key")
	ErrInvalidEmail        = errors.New("invalid email")
	ErrInvalidIfaceName    = errors.New("invalid extra interface name")
	ErrReservedIface       = errors.New("extra interface uses a reserved network")
	ErrDuplicatedIfaceName = errors.New("found duplicated extra interface names")
)

var clusterNameRegexp = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.-]*$`)

// Boot is what a boot request carries before any backend is contacted.
type Boot struct {
	Name      string
	CPUs      int
	PublicKey string
	Notify    string
	Ifaces    []params.IfaceSpec
}

// Validate checks a boot request. Every error also wraps
// errdefs.ErrConfiguration.
func Validate(b Boot) error {
	if err := validateBoot(b); err != nil {
		return fmt.Errorf("%w: %w", errdefs.ErrConfiguration, err)
	}

	return nil
}

func validateBoot(b Boot) error {
	if err := ValidateName(b.Name); err != nil {
		return err
	}

	if b.CPUs <= 0 {
		return fmt.Errorf("%w: %d", ErrNonPositiveCPUs, b.CPUs)
	}

	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(b.PublicKey)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	if b.Notify != "" {
		if _, err := mail.ParseAddress(b.Notify); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidEmail, b.Notify)
		}
	}

	seen := make(map[string]bool, len(b.Ifaces))
	for _, iface := range b.Ifaces {
		if !network.ValidName(iface.Network) {
			return fmt.Errorf("%w: %s", ErrInvalidIfaceName, iface.Network)
		}

		name := network.NormalizeName(iface.Network)
		if name == network.Public || name == network.Private {
			return fmt.Errorf("%w: %s", ErrReservedIface, iface.Network)
		}

		if seen[name] {
			return fmt.Errorf("%w: %s", ErrDuplicatedIfaceName, iface.Network)
		}
		seen[name] = true
	}

	return nil
}

// ValidateName checks a virtual cluster name. It is used by every command
// that takes one.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyClusterName
	}

	if len(name) > MaxClusterNameLength {
		return ErrClusterNameTooBig
	}

	if !clusterNameRegexp.MatchString(name) {
		return fmt.Errorf("%w: %s", ErrInvalidClusterName, name)
	}

	return nil
}
