// Package stager prepares the disk image of every node before it boots and
// removes it when the cluster is cleaned.
package stager

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pragmagrid/pragmactl/internal/errdefs"
	"github.com/pragmagrid/pragmactl/internal/manifest"
	"github.com/pragmagrid/pragmactl/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	TypeNFS = "nfs"
	TypeZFS = "zfs"

	DefaultSnapshot = "base"
)

// NetworkConfig is moved aside inside every image so the node configures
// its interfaces from the manifest on first boot.
var NetworkConfig = []string{
	"/etc/udev/rules.d/70-persistent-net.rules",
	"/etc/sysconfig/network-scripts/ifcfg-eth*",
}

type Executor interface {
	Execute(ctx context.Context, command string, args []string) ([]string, error)
}

type Stager interface {
	Stage(ctx context.Context, req models.StageRequest) error
	Remove(ctx context.Context, disk models.Disk) error
}

type Config struct {
	Type string
	// WorkDir holds temporary images and mount points.
	WorkDir string
	// NAS serves the zfs volumes.
	NAS      string
	Pool     string
	Snapshot string
}

// New builds the stager named by cfg.Type, nfs by default.
func New(cfg Config, exec Executor, logger logrus.FieldLogger) (Stager, error) {
	switch cfg.Type {
	case "", TypeNFS:
		return NewNFS(cfg, exec, logger), nil
	case TypeZFS:
		if cfg.NAS == "" || cfg.Pool == "" {
			return nil, errdefs.Configf("zfs stager needs nas and pool")
		}
		return NewZFS(cfg, exec, logger), nil
	}

	return nil, errdefs.Configf("unknown stager type %q", cfg.Type)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(dst), err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}

	return out.Close()
}

// installPath is where the manifest lands inside an image mounted at root.
func installPath(root string) string {
	return filepath.Join(root, manifest.InstallPath)
}
