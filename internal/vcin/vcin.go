// Package vcin parses the virtual cluster template stored in a repository:
//
//	<vc name="rocks-basic">
//	  <virtualization arch="x86_64" type="kvm"/>
//	  <frontend><domain><devices><disk>
//	    <driver name="qemu" type="raw"/><source file="rocks-basic-fe.img"/>
//	  </disk></devices></domain></frontend>
//	  <compute>...</compute>
//	  <files>
//	    <file type="splited_gzip" filename="rocks-basic-fe.img"><part>rocks-basic-fe.img.gz.aa</part></file>
//	  </files>
//	</vc>
package vcin

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pragmagrid/pragmactl/internal/errdefs"
	"github.com/pragmagrid/pragmactl/internal/models"
)

const SupportedArch = "x86_64"

type xmlTemplate struct {
	XMLName        xml.Name  `xml:"vc"`
	Name           string    `xml:"name,attr"`
	Virtualization *xmlVirt  `xml:"virtualization"`
	Frontend       *xmlDisk  `xml:"frontend>domain>devices>disk"`
	Compute        *xmlDisk  `xml:"compute>domain>devices>disk"`
	Files          []xmlFile `xml:"files>file"`
}

type xmlVirt struct {
	Arch string `xml:"arch,attr"`
	Type string `xml:"type,attr"`
}

type xmlDisk struct {
	Driver struct {
		Name string `xml:"name,attr"`
		Type string `xml:"type,attr"`
	} `xml:"driver"`
	Source struct {
		File   string `xml:"file,attr"`
		Volume string `xml:"volume,attr"`
	} `xml:"source"`
}

type xmlFile struct {
	Type     string   `xml:"type,attr"`
	Filename string   `xml:"filename,attr"`
	Parts    []string `xml:"part"`
}

// Disk is the image a role boots from: a file next to the template or a
// storage volume.
type Disk struct {
	Format string
	File   string
	Volume string
}

// Source is what the image stager copies or clones.
func (d Disk) Source() string {
	if d.Volume != "" {
		return d.Volume
	}
	return d.File
}

// File is one downloadable repository file and how to turn it into an image.
type File struct {
	Type     string
	Filename string
	Parts    []string
}

type Template struct {
	Name  string
	Arch  string
	Files []File
	disks map[models.Role]Disk
}

// Parse reads a template whose relative disk files live in dir.
func Parse(r io.Reader, dir string) (*Template, error) {
	var doc xmlTemplate
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, errdefs.Configf("failed to decode vc template: %v", err)
	}

	t := &Template{
		Name:  doc.Name,
		disks: make(map[models.Role]Disk),
	}

	if doc.Virtualization != nil {
		t.Arch = doc.Virtualization.Arch
	}

	for role, disk := range map[models.Role]*xmlDisk{
		models.RoleFrontend: doc.Frontend,
		models.RoleCompute:  doc.Compute,
	} {
		if disk == nil {
			continue
		}

		d := Disk{Format: disk.Driver.Type, Volume: disk.Source.Volume}
		if disk.Source.File != "" {
			d.File = disk.Source.File
			if !filepath.IsAbs(d.File) {
				d.File = filepath.Join(dir, d.File)
			}
		}
		t.disks[role] = d
	}

	for _, f := range doc.Files {
		t.Files = append(t.Files, File{Type: f.Type, Filename: f.Filename, Parts: f.Parts})
	}

	return t, nil
}

func ParseFile(path string) (*Template, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vc template: %w", err)
	}
	defer func() { _ = f.Close() }()

	return Parse(f, filepath.Dir(path))
}

// CheckArch rejects templates built for anything but x86_64.
func (t *Template) CheckArch() error {
	if t.Arch == "" {
		return errdefs.Configf("vc template %s has no virtualization arch", t.Name)
	}
	if t.Arch != SupportedArch {
		return errdefs.Configf("unsupported arch %q for %s", t.Arch, t.Name)
	}
	return nil
}

// Disk returns the boot disk of role.
func (t *Template) Disk(role models.Role) (Disk, error) {
	d, ok := t.disks[role]
	if !ok || d.Source() == "" {
		return Disk{}, errdefs.Configf("vc template %s has no disk for %s", t.Name, role)
	}
	return d, nil
}
