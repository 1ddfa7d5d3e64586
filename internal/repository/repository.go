// Package repository serves virtual cluster templates and their disk images
// from a local directory or a remote http or CloudFront mirror cached
// locally.
package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pragmagrid/pragmactl/internal/errdefs"
	"github.com/pragmagrid/pragmactl/internal/vcin"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

const (
	TypeLocal      = "local"
	TypeHTTP       = "http"
	TypeCloudFront = "cloudfront"

	DefaultVcdbFile    = "vcdb.json"
	DefaultConcurrency = 4
)

type Config struct {
	Type string
	// Dir holds the templates, and is the download cache of remote types.
	Dir            string
	URL            string
	VcdbFile       string
	KeyPairID      string
	PrivateKeyFile string
	Concurrency    int
}

// fetcher copies one repository path into the cache.
type fetcher interface {
	Fetch(ctx context.Context, rel, dst string) error
}

type Repository struct {
	dir         string
	vcdbFile    string
	concurrency int
	fetcher     fetcher
	logger      logrus.FieldLogger

	vcdb map[string]string
}

func New(cfg Config, logger logrus.FieldLogger) (*Repository, error) {
	if cfg.Dir == "" {
		return nil, errdefs.Configf("repository dir is not set")
	}

	r := &Repository{
		dir:         cfg.Dir,
		vcdbFile:    cfg.VcdbFile,
		concurrency: cfg.Concurrency,
		logger:      logger.WithField("repository", cfg.Type),
	}
	if r.vcdbFile == "" {
		r.vcdbFile = DefaultVcdbFile
	}
	if r.concurrency <= 0 {
		r.concurrency = DefaultConcurrency
	}

	switch cfg.Type {
	case "", TypeLocal:
	case TypeHTTP:
		f, err := newHTTPFetcher(cfg.URL, nil, r.logger)
		if err != nil {
			return nil, err
		}
		r.fetcher = f
	case TypeCloudFront:
		signer, err := newCloudFrontSigner(cfg.KeyPairID, cfg.PrivateKeyFile)
		if err != nil {
			return nil, err
		}
		f, err := newHTTPFetcher(cfg.URL, signer.Sign, r.logger)
		if err != nil {
			return nil, err
		}
		r.fetcher = f
	default:
		return nil, errdefs.Configf("unknown repository type %q", cfg.Type)
	}

	return r, nil
}

// List returns the names of the available virtual clusters.
func (r *Repository) List(ctx context.Context) ([]string, error) {
	vcdb, err := r.loadVcdb(ctx, false)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(vcdb))
	for name := range vcdb {
		names = append(names, name)
	}
	sort.Strings(names)

	return names, nil
}

// Template fetches the template of vc and every file it lists, processes the
// files into disk images and returns the parsed template.
func (r *Repository) Template(ctx context.Context, vc string) (*vcin.Template, error) {
	vcdb, err := r.loadVcdb(ctx, false)
	if err != nil {
		return nil, err
	}

	rel, ok := vcdb[vc]
	if !ok {
		return nil, errdefs.Configf("vc-name %q not found in repository", vc)
	}

	return r.prepare(ctx, vc, rel)
}

// Sync refreshes the vcdb and brings every virtual cluster into the cache.
func (r *Repository) Sync(ctx context.Context) error {
	vcdb, err := r.loadVcdb(ctx, true)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(vcdb))
	for name := range vcdb {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, err := r.prepare(ctx, name, vcdb[name]); err != nil {
			return fmt.Errorf("failed to sync %s: %w", name, err)
		}
		r.logger.WithField("vc", name).Info("synced")
	}

	return nil
}

func (r *Repository) prepare(ctx context.Context, vc, rel string) (*vcin.Template, error) {
	path := filepath.Join(r.dir, rel)
	if err := r.ensure(ctx, rel, path); err != nil {
		return nil, err
	}

	tpl, err := vcin.ParseFile(path)
	if err != nil {
		return nil, err
	}
	if tpl.Name == "" {
		tpl.Name = vc
	}

	base := filepath.Dir(path)
	relBase := filepath.Dir(rel)

	for _, f := range tpl.Files {
		if processed(base, f) {
			continue
		}

		if r.fetcher != nil {
			eg, egCtx := errgroup.WithContext(ctx)
			eg.SetLimit(r.concurrency)

			for _, part := range f.Parts {
				part := part
				eg.Go(func() error {
					return r.ensure(egCtx, filepath.Join(relBase, part), filepath.Join(base, part))
				})
			}

			if err := eg.Wait(); err != nil {
				return nil, fmt.Errorf("failed to download %s: %w", f.Filename, err)
			}
		}

		if err := Process(base, f); err != nil {
			return nil, err
		}
	}

	return tpl, nil
}

func (r *Repository) loadVcdb(ctx context.Context, refresh bool) (map[string]string, error) {
	if r.vcdb != nil && !refresh {
		return r.vcdb, nil
	}

	path := filepath.Join(r.dir, r.vcdbFile)
	if r.fetcher != nil && (refresh || !exists(path)) {
		if err := r.fetcher.Fetch(ctx, r.vcdbFile, path); err != nil {
			return nil, fmt.Errorf("failed to download vcdb: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Configf("vcdb file does not exist at %s", path)
	}

	vcdb, err := parseVcdb(data)
	if err != nil {
		return nil, err
	}

	r.vcdb = vcdb
	return vcdb, nil
}

// parseVcdb reads {"vc-name": "path/to/vc.xml", ...}.
func parseVcdb(data []byte) (map[string]string, error) {
	if !gjson.ValidBytes(data) {
		return nil, errdefs.Configf("vcdb is not valid json")
	}

	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, errdefs.Configf("vcdb must be an object of vc names to template paths")
	}

	vcdb := make(map[string]string)
	var bad string
	root.ForEach(func(key, value gjson.Result) bool {
		if value.Type != gjson.String || value.String() == "" {
			bad = key.String()
			return false
		}
		vcdb[key.String()] = value.String()
		return true
	})
	if bad != "" {
		return nil, errdefs.Configf("vcdb entry %q has no template path", bad)
	}

	return vcdb, nil
}

func (r *Repository) ensure(ctx context.Context, rel, dst string) error {
	if exists(dst) {
		return nil
	}
	if r.fetcher == nil {
		return errdefs.Configf("%s is missing from repository %s", rel, r.dir)
	}
	return r.fetcher.Fetch(ctx, rel, dst)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
