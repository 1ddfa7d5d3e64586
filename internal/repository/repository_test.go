package repository

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/pragmagrid/pragmactl/internal/errdefs"
	"github.com/pragmagrid/pragmactl/internal/logging"
	"github.com/pragmagrid/pragmactl/internal/models"
	"github.com/pragmagrid/pragmactl/internal/vcin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	frontendImage = "frontend image bytes"
	computeImage  = "compute image bytes"
)

const template = `<vc name="rocks-basic">
  <virtualization arch="x86_64"/>
  <frontend><domain><devices><disk>
    <driver name="qemu" type="raw"/><source file="rocks-basic-fe.img"/>
  </disk></devices></domain></frontend>
  <compute><domain><devices><disk>
    <driver name="qemu" type="raw"/><source file="rocks-basic-compute.img"/>
  </disk></devices></domain></compute>
  <files>
    <file type="splited_gzip" filename="rocks-basic-fe.img">
      <part>rocks-basic-fe.img.gz.aa</part>
      <part>rocks-basic-fe.img.gz.ab</part>
    </file>
    <file type="gzip"><part>rocks-basic-compute.img.gz</part></file>
    <file><part>README</part></file>
  </files>
</vc>`

func gzipped(t *testing.T, s string) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

// seedRepository lays out a repository with one virtual cluster in dir.
func seedRepository(t *testing.T, dir string) {
	t.Helper()

	writeFile(t, filepath.Join(dir, DefaultVcdbFile), []byte(`{"rocks-basic": "rocks-basic/rocks-basic.xml"}`))
	writeFile(t, filepath.Join(dir, "rocks-basic", "rocks-basic.xml"), []byte(template))

	fe := gzipped(t, frontendImage)
	half := len(fe) / 2
	writeFile(t, filepath.Join(dir, "rocks-basic", "rocks-basic-fe.img.gz.aa"), fe[:half])
	writeFile(t, filepath.Join(dir, "rocks-basic", "rocks-basic-fe.img.gz.ab"), fe[half:])
	writeFile(t, filepath.Join(dir, "rocks-basic", "rocks-basic-compute.img.gz"), gzipped(t, computeImage))
	writeFile(t, filepath.Join(dir, "rocks-basic", "README"), []byte("readme"))
}

func assertPrepared(t *testing.T, dir string, tpl *vcin.Template) {
	t.Helper()

	fe, err := tpl.Disk(models.RoleFrontend)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "rocks-basic", "rocks-basic-fe.img"), fe.Source())

	content, err := os.ReadFile(fe.Source())
	require.NoError(t, err)
	assert.Equal(t, frontendImage, string(content))

	content, err = os.ReadFile(filepath.Join(dir, "rocks-basic", "rocks-basic-compute.img"))
	require.NoError(t, err)
	assert.Equal(t, computeImage, string(content))

	assert.NoFileExists(t, filepath.Join(dir, "rocks-basic", "rocks-basic-fe.img.gz.aa"))
	assert.NoFileExists(t, filepath.Join(dir, "rocks-basic", "rocks-basic-compute.img.gz"))
	assert.FileExists(t, filepath.Join(dir, "rocks-basic", "README"))
}

func Test_Local(t *testing.T) {
	dir := t.TempDir()
	seedRepository(t, dir)

	r, err := New(Config{Type: TypeLocal, Dir: dir}, logging.Discard())
	require.NoError(t, err)

	names, err := r.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"rocks-basic"}, names)

	tpl, err := r.Template(context.Background(), "rocks-basic")
	require.NoError(t, err)
	assertPrepared(t, dir, tpl)

	// processed images are reused
	_, err = r.Template(context.Background(), "rocks-basic")
	require.NoError(t, err)

	_, err = r.Template(context.Background(), "missing")
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func Test_HTTP(t *testing.T) {
	remote := t.TempDir()
	seedRepository(t, remote)

	var requests []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		requests = append(requests, req.URL.Path)
		http.StripPrefix("/pragma", http.FileServer(http.Dir(remote))).ServeHTTP(w, req)
	}))
	defer srv.Close()

	cache := t.TempDir()
	r, err := New(Config{Type: TypeHTTP, Dir: cache, URL: srv.URL + "/pragma", Concurrency: 1}, logging.Discard())
	require.NoError(t, err)

	require.NoError(t, r.Sync(context.Background()))
	assert.Contains(t, requests, "/pragma/vcdb.json")
	assert.Contains(t, requests, "/pragma/rocks-basic/rocks-basic-fe.img.gz.ab")

	tpl, err := r.Template(context.Background(), "rocks-basic")
	require.NoError(t, err)
	assertPrepared(t, cache, tpl)
}

func Test_HTTP_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	r, err := New(Config{Type: TypeHTTP, Dir: t.TempDir(), URL: srv.URL}, logging.Discard())
	require.NoError(t, err)

	_, err = r.List(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrBackend)
}

func Test_New_Invalid(t *testing.T) {
	testCases := []struct {
		name string
		cfg  Config
	}{
		{name: "no dir", cfg: Config{Type: TypeLocal}},
		{name: "unknown type", cfg: Config{Type: "ftp", Dir: "/tmp"}},
		{name: "http without url", cfg: Config{Type: TypeHTTP, Dir: "/tmp"}},
		{name: "relative url", cfg: Config{Type: TypeHTTP, Dir: "/tmp", URL: "pragma/repo"}},
		{name: "cloudfront without keypair", cfg: Config{Type: TypeCloudFront, Dir: "/tmp", URL: "https://d1.cloudfront.net"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cfg, logging.Discard())
			assert.ErrorIs(t, err, errdefs.ErrConfiguration)
		})
	}
}

func Test_parseVcdb(t *testing.T) {
	testCases := []struct {
		name     string
		data     string
		expected map[string]string
		wantErr  bool
	}{
		{
			name:     "happy path",
			data:     `{"rocks-basic": "rocks-basic/rocks-basic.xml", "centos7": "centos7/centos7.xml"}`,
			expected: map[string]string{"rocks-basic": "rocks-basic/rocks-basic.xml", "centos7": "centos7/centos7.xml"},
		},
		{
			name:    "not json",
			data:    `rocks-basic,rocks-basic.xml`,
			wantErr: true,
		},
		{
			name:    "not an object",
			data:    `["rocks-basic"]`,
			wantErr: true,
		},
		{
			name:    "empty path",
			data:    `{"rocks-basic": ""}`,
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			actual, err := parseVcdb([]byte(tc.data))
			if tc.wantErr {
				assert.ErrorIs(t, err, errdefs.ErrConfiguration)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tc.expected, actual)
			}
		})
	}
}

func Test_Process(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.img.1"), []byte("hello "))
	writeFile(t, filepath.Join(dir, "a.img.2"), []byte("world"))

	f := vcin.File{Type: ProcessorSplited, Filename: "a.img", Parts: []string{"a.img.1", "a.img.2"}}
	assert.False(t, processed(dir, f))
	require.NoError(t, Process(dir, f))
	assert.True(t, processed(dir, f))

	content, err := os.ReadFile(filepath.Join(dir, "a.img"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(content))

	err = Process(dir, vcin.File{Type: "bzip2", Filename: "b.img"})
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	writeFile(t, filepath.Join(dir, "c.img"), []byte("not gzip"))
	assert.Error(t, Process(dir, vcin.File{Type: ProcessorGzip, Parts: []string{"c.img"}}))
}

func Test_CloudFrontSign(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	keyFile := filepath.Join(t.TempDir(), "pk.pem")
	writeFile(t, keyFile, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))

	signer, err := newCloudFrontSigner("APKAEXAMPLE", keyFile)
	require.NoError(t, err)
	signer.now = func() time.Time { return time.Unix(1700000000, 0) }

	signed, err := signer.Sign("https://d1.cloudfront.net/pragma/vcdb.json")
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)
	q := u.Query()

	expires := int64(1700000000) + int64(cloudFrontURLLifetime/time.Second)
	assert.Equal(t, fmt.Sprint(expires), q.Get("Expires"))
	assert.Equal(t, "APKAEXAMPLE", q.Get("Key-Pair-Id"))
	assert.NotContains(t, q.Get("Signature"), "+")
	assert.NotContains(t, q.Get("Signature"), "/")

	decoded := strings.NewReplacer("-", "+", "_", "=", "~", "/").Replace(q.Get("Signature"))
	sig, err := base64.StdEncoding.DecodeString(decoded)
	require.NoError(t, err)

	policy := fmt.Sprintf(`{"Statement":[{"Resource":"https://d1.cloudfront.net/pragma/vcdb.json","Condition":{"DateLessThan":{"AWS:EpochTime":%d}}}]}`, expires)
	digest := sha1.Sum([]byte(policy))
	assert.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA1, digest[:], sig))
}
