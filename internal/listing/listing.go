// Package listing renders cluster and repository listings for the terminal.
package listing

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/pragmagrid/pragmactl/internal/models"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

const (
	FormatTable = "table"
	FormatYAML  = "yaml"

	headerFrontend = "FRONTEND"
	headerCompute  = "COMPUTE NODES"
	headerStatus   = "STATUS"

	// continuation marks a compute row of the cluster above it.
	continuation = ":"
)

var Formats = []string{FormatTable, FormatYAML}

// Clusters writes one frontend row per cluster followed by a row per
// compute node. Clusters are sorted by name.
func Clusters(w io.Writer, format string, clusters []models.ClusterStatus) error {
	sorted := append([]models.ClusterStatus(nil), clusters...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	switch format {
	case "", FormatTable:
		return table(w, sorted)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(sorted); err != nil {
			return fmt.Errorf("failed to encode clusters: %w", err)
		}
		return enc.Close()
	}

	return fmt.Errorf("unknown format %q, expected one of %v", format, Formats)
}

func table(w io.Writer, clusters []models.ClusterStatus) error {
	computeWidth := lo.Max(append(lo.FlatMap(clusters, func(c models.ClusterStatus, _ int) []int {
		return lo.Map(c.Computes, func(n models.NodeStatus, _ int) int { return len(n.Name) })
	}), len(headerCompute)))
	filler := strings.Repeat("-", computeWidth)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\t%s\t%s\n", headerFrontend, headerCompute, headerStatus)

	for _, c := range clusters {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Frontend.Name, filler, c.Frontend.Status)
		for _, n := range c.Computes {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", continuation, n.Name, n.Status)
		}
	}

	return tw.Flush()
}

// Repository writes the template names one per line.
func Repository(w io.Writer, names []string) error {
	for _, name := range names {
		if _, err := fmt.Fprintln(w, name); err != nil {
			return err
		}
	}
	return nil
}
