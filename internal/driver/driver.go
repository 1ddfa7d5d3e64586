// Package driver defines the operations every provisioning backend offers
// for a virtual cluster.
package driver

import (
	"context"
	"path/filepath"

	"github.com/pragmagrid/pragmactl/internal/manifest"
	"github.com/pragmagrid/pragmactl/internal/metrics"
	"github.com/pragmagrid/pragmactl/internal/models"
	"github.com/pragmagrid/pragmactl/internal/network"
	"github.com/pragmagrid/pragmactl/internal/params"
	"github.com/pragmagrid/pragmactl/internal/poll"
	"github.com/pragmagrid/pragmactl/internal/vcin"
	"github.com/sirupsen/logrus"
)

const DefaultMemoryMB = 2048

type AllocateRequest struct {
	// Template is the repository template the cluster boots from.
	Template  *vcin.Template
	CPUs      int
	MemoryMB  int
	PublicKey string
	Ifaces    []params.IfaceSpec
	// WorkDir receives the manifests.
	WorkDir string
}

type Allocation struct {
	// Name is the cluster name every later command refers to.
	Name    string
	Plan    models.AllocationPlan
	Cluster *network.ClusterNetwork
	Files   manifest.Files
}

type DeployRequest struct {
	Template *vcin.Template
	Files    manifest.Files
}

// ManifestPath is the manifest a node gets: the full cluster manifest for the
// frontend, the node's own one for a compute.
func (r DeployRequest) ManifestPath(node *network.Node) string {
	if node.Role != models.RoleCompute {
		return r.Files.Cluster
	}
	if p, ok := r.Files.Computes[node.VM]; ok {
		return p
	}
	return filepath.Join(filepath.Dir(r.Files.Cluster), node.VM+".xml")
}

type Driver interface {
	// Allocate reserves resources and creates the cluster in the backend
	// without booting it.
	Allocate(ctx context.Context, req AllocateRequest) (*Allocation, error)
	// Deploy prepares and boots the frontend, then every compute.
	Deploy(ctx context.Context, req DeployRequest) error
	// List reports node states of one cluster, or of every cluster when
	// name is empty.
	List(ctx context.Context, name string) ([]models.ClusterStatus, error)
	Shutdown(ctx context.Context, name string) error
	Clean(ctx context.Context, name string) error
}

// Deps are the ambient collaborators handed to every driver.
type Deps struct {
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
	Poll    poll.Config
}

// PollConfig returns the poll settings with the attempt counter wired in.
func (d Deps) PollConfig() poll.Config {
	cfg := d.Poll
	if d.Metrics != nil {
		cfg.Counter = d.Metrics.PollAttempts
	}
	return cfg
}

// Record counts one node operation when metrics are enabled.
func (d Deps) Record(op string, err error) {
	if d.Metrics != nil {
		d.Metrics.NodeOperations.WithLabelValues(op, metrics.Result(err)).Inc()
	}
}

// FindCluster picks the status of name out of a listing.
func FindCluster(statuses []models.ClusterStatus, name string) (models.ClusterStatus, bool) {
	for _, s := range statuses {
		if s.Name == name {
			return s, true
		}
	}
	return models.ClusterStatus{}, false
}
