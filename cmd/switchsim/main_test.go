package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/fractal-lba/switchback/internal/api"
	"github.com/fractal-lba/switchback/internal/grid"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("SWITCHSIM_TEST_STR", "redis")
	t.Setenv("SWITCHSIM_TEST_INT", "12")
	t.Setenv("SWITCHSIM_TEST_BAD", "twelve")

	assert.Equal(t, "redis", getEnv("SWITCHSIM_TEST_STR", "memory"))
	assert.Equal(t, "memory", getEnv("SWITCHSIM_TEST_UNSET", "memory"))
	assert.Equal(t, 12, getEnvInt("SWITCHSIM_TEST_INT", 4))
	assert.Equal(t, 4, getEnvInt("SWITCHSIM_TEST_BAD", 4))
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger("json", "debug")
	assert.NoError(t, err)
	_, err = newLogger("TEXT", "warn")
	assert.NoError(t, err)
	_, err = newLogger("xml", "info")
	assert.Error(t, err)
	_, err = newLogger("text", "loud")
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"weather", "basket_size"}, splitList(" weather, ,basket_size "))
}

func TestSourceFlags(t *testing.T) {
	ctx := context.Background()

	_, err := (&sourceFlags{}).load(ctx)
	assert.ErrorContains(t, err, "required")

	_, err = (&sourceFlags{csvPath: "a.csv", query: "select 1"}).load(ctx)
	assert.ErrorContains(t, err, "mutually exclusive")

	_, err = (&sourceFlags{query: "select 1"}).load(ctx)
	assert.ErrorContains(t, err, "--postgres-dsn")

	path := filepath.Join(t.TempDir(), "orders.csv")
	require.NoError(t, os.WriteFile(path, []byte("created_at,city,gmv\n2024-01-01,oslo,10\n"), 0o600))
	table, err := (&sourceFlags{csvPath: path}).load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, table.Len())
}

func TestStoreFlags(t *testing.T) {
	ctx := context.Background()

	store, err := (&storeFlags{backend: "none"}).open(ctx)
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = (&storeFlags{backend: "memory", snapshot: filepath.Join(t.TempDir(), "results.json")}).open(ctx)
	require.NoError(t, err)
	require.NotNil(t, store)
	assert.NoError(t, store.Close())

	_, err = (&storeFlags{backend: "etcd"}).open(ctx)
	assert.ErrorContains(t, err, "unknown result store")
}

func testSummary() *api.Summary {
	return &api.Summary{
		RunID:      "b7d9c1a4-2f0e-4c55-9e43-1d2f3a4b5c6d",
		Method:     api.MethodOLS,
		Agg:        true,
		MDE:        1.05,
		Frequency:  "D",
		Seed:       42,
		Sims:       500,
		TypeIError: 0.048,
		Power:      0.91,
		Rows:       1000,
		Clusters:   40,
	}
}

func TestWriteSummary(t *testing.T) {
	var text bytes.Buffer
	require.NoError(t, writeSummary(&text, "text", testSummary()))
	assert.Contains(t, text.String(), "ols (cluster means)")
	assert.Contains(t, text.String(), "0.9100")
	assert.NotContains(t, text.String(), "Degenerate")

	var js bytes.Buffer
	require.NoError(t, writeSummary(&js, "json", testSummary()))
	var decoded api.Summary
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, 0.91, decoded.Power)

	var ys bytes.Buffer
	require.NoError(t, writeSummary(&ys, "yaml", testSummary()))
	var fields map[string]any
	require.NoError(t, yaml.Unmarshal(ys.Bytes(), &fields))
	assert.Equal(t, 0.048, fields["type_i_error"])

	assert.Error(t, writeSummary(&text, "csv", testSummary()))
}

func TestWriteReport(t *testing.T) {
	report := &grid.Report{
		Tolerance: 0.02,
		Results: []grid.Result{
			{Scenario: grid.Scenario{Name: "aggregated"}, Summary: testSummary(), Calibrated: true},
		},
	}

	var out bytes.Buffer
	require.NoError(t, writeReport(&out, "text", report))
	assert.Contains(t, out.String(), "RANK")
	assert.Contains(t, out.String(), "Recommended: aggregated")

	report.Results[0].Calibrated = false
	out.Reset()
	require.NoError(t, writeReport(&out, "text", report))
	assert.Contains(t, out.String(), "No scenario kept Type I error")
}

func TestWithBasicAuth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	open := httptest.NewRecorder()
	withBasicAuth(ok, "", "").ServeHTTP(open, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, open.Code)

	guarded := withBasicAuth(ok, "prom", "secret")

	denied := httptest.NewRecorder()
	guarded.ServeHTTP(denied, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusUnauthorized, denied.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("prom", "secret")
	allowed := httptest.NewRecorder()
	guarded.ServeHTTP(allowed, req)
	assert.Equal(t, http.StatusOK, allowed.Code)
}
