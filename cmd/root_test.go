package cmd

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/app"
	"github.com/JakeFAU/catalog-harvester/internal/config"
)

const testConfigYAML = `
harvest:
  request_delay: 0s
  brand_concurrency: 2
logging:
  development: true
  level: error
sources:
  - name: lamthaocosmetics
    extractor: lamthaocosmetics
    base_url: https://lam.test
    brands_url: https://lam.test/collections/all
    listing_url: https://lam.test/collections/{brand}
`

const listingPage = `<html><body>
<div class="product-inner" data-proid="7"><h3 class="titleproduct"><a href="/products/toner">Toner</a></h3></div>
</body></html>`

const productPage = `<html><head><script>
window.F1GENZ_vars = { product: { data: {"id":7,"title":"Toner","handle":"toner","vendor":"Klairs","price_min":5000000,"compare_at_price_min":0,"available":true,"variants":[]} } };
</script></head></html>`

const directoryPage = `<html><body>
<input type="checkbox" data-filter="(vendor:product=Klairs)">
<input type="checkbox" data-filter="(vendor:product=COSRX)">
</body></html>`

// withMockSite swaps the app factory for one that routes every fetch
// through an httpmock transport. Tests using it cannot run in parallel.
func withMockSite(t *testing.T) *httpmock.MockTransport {
	t.Helper()
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, "https://lam.test/collections/klairs",
		httpmock.NewStringResponder(http.StatusOK, listingPage))
	transport.RegisterResponder(http.MethodGet, "https://lam.test/products/toner",
		httpmock.NewStringResponder(http.StatusOK, productPage))
	transport.RegisterResponder(http.MethodGet, "https://lam.test/collections/all",
		httpmock.NewStringResponder(http.StatusOK, directoryPage))

	prev := newApp
	newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
		return app.New(ctx, cfg, logger, app.WithTransport(transport))
	}
	t.Cleanup(func() { newApp = prev })
	return transport
}

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigYAML), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunCommandHarvestsArgs(t *testing.T) {
	transport := withMockSite(t)

	out, err := execute(t, "--config", writeConfig(t), "run", "Klairs")
	require.NoError(t, err)
	assert.Contains(t, out, "status    completed")
	assert.Contains(t, out, "lamthaocosmetics")
	assert.Equal(t, 1, transport.GetCallCountInfo()["GET https://lam.test/products/toner"])
}

func TestRunCommandReadsBrandsFile(t *testing.T) {
	withMockSite(t)

	brandsFile := filepath.Join(t.TempDir(), "brands.txt")
	require.NoError(t, os.WriteFile(brandsFile, []byte("# brands\nKlairs\n\n"), 0o600))

	out, err := execute(t, "--config", writeConfig(t), "--brands", brandsFile, "listings")
	require.NoError(t, err)
	assert.Contains(t, out, "units     1/1")
}

func TestRunCommandWithoutBrands(t *testing.T) {
	withMockSite(t)

	brandsFile := filepath.Join(t.TempDir(), "brands.txt")
	require.NoError(t, os.WriteFile(brandsFile, []byte("# nothing yet\n"), 0o600))

	_, err := execute(t, "--config", writeConfig(t), "--brands", brandsFile, "run")
	require.ErrorContains(t, err, "no brands")
}

func TestRunCommandRejectsBadStage(t *testing.T) {
	withMockSite(t)

	_, err := execute(t, "--config", writeConfig(t), "run", "--stages", "checkout", "Klairs")
	require.Error(t, err)
}

func TestBrandsCommandWritesFile(t *testing.T) {
	withMockSite(t)

	path := filepath.Join(t.TempDir(), "brands.txt")
	out, err := execute(t, "--config", writeConfig(t), "brands", "--out", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 2 brands")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "COSRX\nKlairs\n")
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "run", "x")
	require.ErrorContains(t, err, "read config")
}
