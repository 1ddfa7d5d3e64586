package stager

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/pragmagrid/pragmactl/internal/manifest"
	"github.com/pragmagrid/pragmactl/internal/models"
	"github.com/sirupsen/logrus"
)

// ZFS clones a template snapshot into a volume per node on the NAS and
// writes the manifest straight into the zvol.
type ZFS struct {
	exec     Executor
	nas      string
	pool     string
	snapshot string
	logger   logrus.FieldLogger
}

func NewZFS(cfg Config, exec Executor, logger logrus.FieldLogger) *ZFS {
	snapshot := cfg.Snapshot
	if snapshot == "" {
		snapshot = DefaultSnapshot
	}

	return &ZFS{
		exec:     exec,
		nas:      cfg.NAS,
		pool:     strings.TrimRight(cfg.Pool, "/"),
		snapshot: snapshot,
		logger:   logger.WithFields(logrus.Fields{"stager": TypeZFS, "nas": cfg.NAS}),
	}
}

func (z *ZFS) ssh(ctx context.Context, args ...string) error {
	_, err := z.exec.Execute(ctx, "ssh", append([]string{z.nas}, args...))
	return err
}

// origin names the snapshot a node volume is cloned from.
func (z *ZFS) origin(source string) string {
	if !strings.Contains(source, "/") {
		source = z.pool + "/" + source
	}
	if !strings.Contains(source, "@") {
		source += "@" + z.snapshot
	}
	return source
}

func (z *ZFS) volume(node string) string {
	return z.pool + "/" + node + "-vol"
}

func (z *ZFS) Stage(ctx context.Context, req models.StageRequest) error {
	volume := z.volume(req.Node)
	origin := z.origin(req.Source)

	if err := z.ssh(ctx, "zfs", "clone", origin, volume); err != nil {
		return fmt.Errorf("failed to clone %s: %w", origin, err)
	}

	tmp := path.Join("/tmp", req.Node+"-"+manifest.FileName)
	if _, err := z.exec.Execute(ctx, "rsync", []string{req.Manifest, z.nas + ":" + tmp}); err != nil {
		return fmt.Errorf("failed to execute rsync: %w", err)
	}

	args := []string{"guestfish", "--rw", "-a", path.Join("/dev/zvol", volume), "-i"}
	for _, pattern := range NetworkConfig {
		args = append(args, "glob", "rm-f", pattern, ":")
	}
	args = append(args, "upload", tmp, manifest.InstallPath)

	if err := z.ssh(ctx, args...); err != nil {
		return fmt.Errorf("failed to install manifest into %s: %w", volume, err)
	}

	if err := z.ssh(ctx, "rm", "-f", tmp); err != nil {
		z.logger.WithError(err).Warn("failed to remove staged manifest")
	}

	z.logger.WithFields(logrus.Fields{"node": req.Node, "volume": volume}).Info("volume staged")

	return nil
}

func (z *ZFS) Remove(ctx context.Context, disk models.Disk) error {
	volume := z.volume(disk.Node)

	if err := z.ssh(ctx, "zfs", "destroy", volume); err != nil {
		return fmt.Errorf("failed to destroy %s: %w", volume, err)
	}

	return nil
}
