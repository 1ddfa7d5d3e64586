package stager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pragmagrid/pragmactl/internal/models"
	"github.com/sirupsen/logrus"
)

// NFS copies the template image, edits it through a guestmount and ships it
// to the disk path of the node, on its vm-container when the node has one.
type NFS struct {
	exec    Executor
	workDir string
	logger  logrus.FieldLogger
}

func NewNFS(cfg Config, exec Executor, logger logrus.FieldLogger) *NFS {
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}

	return &NFS{
		exec:    exec,
		workDir: workDir,
		logger:  logger.WithField("stager", TypeNFS),
	}
}

func (n *NFS) Stage(ctx context.Context, req models.StageRequest) error {
	image := filepath.Join(n.workDir, req.Node+".img")
	logger := n.logger.WithFields(logrus.Fields{"node": req.Node, "image": image})

	if _, err := n.exec.Execute(ctx, "cp", []string{"--sparse=always", req.Source, image}); err != nil {
		return fmt.Errorf("failed to copy image: %w", err)
	}
	defer os.Remove(image)

	if err := n.install(ctx, image, req.Manifest); err != nil {
		return err
	}

	if req.Host == "" {
		if _, err := n.exec.Execute(ctx, "cp", []string{"--sparse=always", image, req.Disk}); err != nil {
			return fmt.Errorf("failed to copy image to %s: %w", req.Disk, err)
		}
	} else {
		target := fmt.Sprintf("%s:%s", req.Host, req.Disk)
		if _, err := n.exec.Execute(ctx, "rsync", []string{"-S", image, target}); err != nil {
			return fmt.Errorf("failed to execute rsync: %w", err)
		}
	}

	logger.WithField("disk", req.Disk).Info("image staged")

	return nil
}

// install mounts image, moves its network config aside and drops the
// manifest in.
func (n *NFS) install(ctx context.Context, image, manifestPath string) error {
	mnt := filepath.Join(n.workDir, "mnt-"+filepath.Base(image))
	if err := os.MkdirAll(mnt, 0755); err != nil {
		return fmt.Errorf("failed to create mount point: %w", err)
	}
	defer os.Remove(mnt)

	if _, err := n.exec.Execute(ctx, "guestmount", []string{"-a", image, "-i", mnt}); err != nil {
		return fmt.Errorf("failed to mount %s: %w", image, err)
	}

	installErr := moveAside(mnt)
	if installErr == nil {
		installErr = copyFile(manifestPath, installPath(mnt))
	}

	if _, err := n.exec.Execute(ctx, "guestunmount", []string{mnt}); err != nil {
		return fmt.Errorf("failed to unmount %s: %w", mnt, err)
	}

	return installErr
}

// moveAside renames every network config file under root to old-<name>.
func moveAside(root string) error {
	for _, pattern := range NetworkConfig {
		matches, err := filepath.Glob(filepath.Join(root, pattern))
		if err != nil {
			return fmt.Errorf("bad pattern %s: %w", pattern, err)
		}

		for _, path := range matches {
			old := filepath.Join(filepath.Dir(path), "old-"+filepath.Base(path))
			if err := os.Rename(path, old); err != nil {
				return fmt.Errorf("failed to move %s aside: %w", path, err)
			}
		}
	}

	return nil
}

func (n *NFS) Remove(ctx context.Context, disk models.Disk) error {
	if disk.Host == "" {
		if err := os.Remove(disk.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", disk.Path, err)
		}
		return nil
	}

	if _, err := n.exec.Execute(ctx, "ssh", []string{disk.Host, "rm", "-f", disk.Path}); err != nil {
		return fmt.Errorf("failed to remove %s on %s: %w", disk.Path, disk.Host, err)
	}

	return nil
}
