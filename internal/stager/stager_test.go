package stager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pragmagrid/pragmactl/internal/errdefs"
	"github.com/pragmagrid/pragmactl/internal/logging"
	"github.com/pragmagrid/pragmactl/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	calls []string
	hooks map[string]func(args []string) error
}

func (f *fakeExecutor) Execute(_ context.Context, command string, args []string) ([]string, error) {
	f.calls = append(f.calls, command+" "+strings.Join(args, " "))

	if hook, ok := f.hooks[command]; ok {
		if err := hook(args); err != nil {
			return nil, errdefs.Backendf(command, err)
		}
	}
	return nil, nil
}

func Test_New(t *testing.T) {
	testCases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "default nfs", cfg: Config{}},
		{name: "zfs", cfg: Config{Type: TypeZFS, NAS: "nas-0-0", Pool: "tank"}},
		{name: "zfs without nas", cfg: Config{Type: TypeZFS}, wantErr: true},
		{name: "unknown", cfg: Config{Type: "lvm"}, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := New(tc.cfg, &fakeExecutor{}, logging.Discard())
			if tc.wantErr {
				assert.ErrorIs(t, err, errdefs.ErrConfiguration)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, s)
			}
		})
	}
}

func Test_NFS_Stage(t *testing.T) {
	workDir := t.TempDir()
	manifestPath := filepath.Join(t.TempDir(), "compute-0.xml")
	require.NoError(t, os.WriteFile(manifestPath, []byte("<vc/>"), 0644))

	var installed string
	var movedAside bool
	exec := &fakeExecutor{hooks: map[string]func([]string) error{
		"guestmount": func(args []string) error {
			rules := filepath.Join(args[3], "etc/udev/rules.d/70-persistent-net.rules")
			require.NoError(t, os.MkdirAll(filepath.Dir(rules), 0755))
			return os.WriteFile(rules, nil, 0644)
		},
		"guestunmount": func(args []string) error {
			data, err := os.ReadFile(filepath.Join(args[0], "root/vc-out.xml"))
			installed = string(data)
			_, statErr := os.Stat(filepath.Join(args[0], "etc/udev/rules.d/old-70-persistent-net.rules"))
			movedAside = statErr == nil
			require.NoError(t, os.RemoveAll(args[0]))
			return err
		},
	}}

	s := NewNFS(Config{WorkDir: workDir}, exec, logging.Discard())
	err := s.Stage(context.Background(), models.StageRequest{
		Node:     "hosted-vm-0-0-0",
		Host:     "vm-container-0-0",
		Disk:     "/state/kvmdisks/hosted-vm-0-0-0.vda",
		Source:   "/state/repo/compute.img",
		Manifest: manifestPath,
	})
	require.NoError(t, err)

	image := filepath.Join(workDir, "hosted-vm-0-0-0.img")
	mnt := filepath.Join(workDir, "mnt-hosted-vm-0-0-0.img")
	assert.Equal(t, []string{
		"cp --sparse=always /state/repo/compute.img " + image,
		"guestmount -a " + image + " -i " + mnt,
		"guestunmount " + mnt,
		"rsync -S " + image + " vm-container-0-0:/state/kvmdisks/hosted-vm-0-0-0.vda",
	}, exec.calls)
	assert.Equal(t, "<vc/>", installed)
	assert.True(t, movedAside)
}

func Test_NFS_Stage_MountFails(t *testing.T) {
	exec := &fakeExecutor{hooks: map[string]func([]string) error{
		"guestmount": func([]string) error { return errors.New("no operating system found") },
	}}

	s := NewNFS(Config{WorkDir: t.TempDir()}, exec, logging.Discard())
	err := s.Stage(context.Background(), models.StageRequest{Node: "fe1", Source: "fe.img", Disk: "/state/kvmdisks/fe1.vda"})
	assert.ErrorIs(t, err, errdefs.ErrBackend)
	assert.Len(t, exec.calls, 2)
}

func Test_NFS_Remove(t *testing.T) {
	exec := &fakeExecutor{}
	s := NewNFS(Config{}, exec, logging.Discard())

	local := filepath.Join(t.TempDir(), "fe1.vda")
	require.NoError(t, os.WriteFile(local, nil, 0644))

	require.NoError(t, s.Remove(context.Background(), models.Disk{Node: "fe1", Path: local}))
	_, err := os.Stat(local)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, s.Remove(context.Background(), models.Disk{Node: "hosted-vm-0-0-0", Host: "vm-container-0-0", Path: "/state/kvmdisks/hosted-vm-0-0-0.vda"}))
	assert.Equal(t, []string{"ssh vm-container-0-0 rm -f /state/kvmdisks/hosted-vm-0-0-0.vda"}, exec.calls)
}

func Test_ZFS(t *testing.T) {
	exec := &fakeExecutor{}
	s := NewZFS(Config{NAS: "nas-0-0", Pool: "tank/vms/"}, exec, logging.Discard())

	err := s.Stage(context.Background(), models.StageRequest{
		Node:     "hosted-vm-0-0-0",
		Source:   "centos7-compute",
		Manifest: "/tmp/run/hosted-vm-0-0-0.xml",
	})
	require.NoError(t, err)

	require.Len(t, exec.calls, 4)
	assert.Equal(t, "ssh nas-0-0 zfs clone tank/vms/centos7-compute@base tank/vms/hosted-vm-0-0-0-vol", exec.calls[0])
	assert.Equal(t, "rsync /tmp/run/hosted-vm-0-0-0.xml nas-0-0:/tmp/hosted-vm-0-0-0-vc-out.xml", exec.calls[1])
	assert.True(t, strings.HasPrefix(exec.calls[2], "ssh nas-0-0 guestfish --rw -a /dev/zvol/tank/vms/hosted-vm-0-0-0-vol -i glob rm-f"))
	assert.True(t, strings.HasSuffix(exec.calls[2], "upload /tmp/hosted-vm-0-0-0-vc-out.xml /root/vc-out.xml"))

	require.NoError(t, s.Remove(context.Background(), models.Disk{Node: "hosted-vm-0-0-0"}))
	assert.Equal(t, "ssh nas-0-0 zfs destroy tank/vms/hosted-vm-0-0-0-vol", exec.calls[4])
}

func Test_ZFS_Origin(t *testing.T) {
	s := NewZFS(Config{NAS: "nas", Pool: "tank", Snapshot: "gold"}, &fakeExecutor{}, logging.Discard())

	assert.Equal(t, "tank/fe@gold", s.origin("fe"))
	assert.Equal(t, "other/fe@gold", s.origin("other/fe"))
	assert.Equal(t, "other/fe@v2", s.origin("other/fe@v2"))
}
