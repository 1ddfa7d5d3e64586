package vcin

import (
	"strings"
	"testing"

	"github.com/pragmagrid/pragmactl/internal/errdefs"
	"github.com/pragmagrid/pragmactl/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const template = `<vc name="rocks-basic">
  <virtualization arch="x86_64" type="kvm"/>
  <frontend>
    <domain><devices><disk type="file" device="disk">
      <driver name="qemu" type="raw"/>
      <source file="rocks-basic-fe.img"/>
    </disk></devices></domain>
  </frontend>
  <compute>
    <domain><devices><disk>
      <driver name="qemu" type="raw"/>
      <source volume="tank/rocks-basic-compute@base"/>
    </disk></devices></domain>
  </compute>
  <files>
    <file type="splited_gzip" filename="rocks-basic-fe.img">
      <part>rocks-basic-fe.img.gz.aa</part>
      <part>rocks-basic-fe.img.gz.ab</part>
    </file>
    <file filename="notes.txt"><part>notes.txt</part></file>
  </files>
</vc>`

func Test_Parse(t *testing.T) {
	tpl, err := Parse(strings.NewReader(template), "/state/repo/rocks-basic")
	require.NoError(t, err)

	assert.Equal(t, "rocks-basic", tpl.Name)
	assert.NoError(t, tpl.CheckArch())

	fe, err := tpl.Disk(models.RoleFrontend)
	require.NoError(t, err)
	assert.Equal(t, "/state/repo/rocks-basic/rocks-basic-fe.img", fe.Source())
	assert.Equal(t, "raw", fe.Format)

	compute, err := tpl.Disk(models.RoleCompute)
	require.NoError(t, err)
	assert.Equal(t, "tank/rocks-basic-compute@base", compute.Source())

	require.Len(t, tpl.Files, 2)
	assert.Equal(t, File{
		Type:     "splited_gzip",
		Filename: "rocks-basic-fe.img",
		Parts:    []string{"rocks-basic-fe.img.gz.aa", "rocks-basic-fe.img.gz.ab"},
	}, tpl.Files[0])
	assert.Empty(t, tpl.Files[1].Type)
}

func Test_CheckArch(t *testing.T) {
	testCases := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{
			name: "x86_64",
			doc:  `<vc name="a"><virtualization arch="x86_64"/></vc>`,
		},
		{
			name:    "other arch",
			doc:     `<vc name="a"><virtualization arch="aarch64"/></vc>`,
			wantErr: true,
		},
		{
			name:    "no virtualization",
			doc:     `<vc name="a"/>`,
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tpl, err := Parse(strings.NewReader(tc.doc), "/tmp")
			require.NoError(t, err)

			err = tpl.CheckArch()
			if tc.wantErr {
				assert.ErrorIs(t, err, errdefs.ErrConfiguration)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func Test_Disk_Missing(t *testing.T) {
	tpl, err := Parse(strings.NewReader(`<vc name="a"><virtualization arch="x86_64"/></vc>`), "/tmp")
	require.NoError(t, err)

	_, err = tpl.Disk(models.RoleCompute)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	_, err = Parse(strings.NewReader("not xml"), "/tmp")
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}
