package monitoring

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   []error
	}{
		{"default", func(*Config) {}, nil},
		{"no targets", func(c *Config) { c.Targets = nil }, []error{ErrNoTargets}},
		{"empty target", func(c *Config) { c.Targets = []string{""} }, []error{ErrNoTargets}},
		{"zero interval", func(c *Config) { c.Interval = 0 }, []error{ErrInterval}},
		{"negative interval", func(c *Config) { c.Interval = -time.Second }, []error{ErrInterval}},
		{"port clash", func(c *Config) { c.DashboardPort = c.AppPort }, []error{ErrPortClash}},
		{"bad port", func(c *Config) { c.DashboardPort = 70000 }, []error{ErrInvalidPort}},
		{
			"several",
			func(c *Config) { c.Targets = nil; c.Interval = 0 },
			[]error{ErrNoTargets, ErrInterval},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(&c)

			err := Validate(c)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			for _, want := range tt.want {
				assert.ErrorIs(t, err, want)
			}
		})
	}
}

func TestRenderPrometheus(t *testing.T) {
	files, err := Render(Default())
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, yaml.Unmarshal(files[PrometheusFile], &got))

	assert.Equal(t, map[string]any{"scrape_interval": "15s"}, got["global"])

	scrapes := got["scrape_configs"].([]any)
	require.Len(t, scrapes, 1)
	job := scrapes[0].(map[string]any)
	assert.Equal(t, "app", job["job_name"])
	assert.Equal(t, "/metrics", job["metrics_path"])
	assert.Equal(t, []any{map[string]any{"targets": []any{"app:3000"}}}, job["static_configs"])
}

func TestRenderCompose(t *testing.T) {
	files, err := Render(Default())
	require.NoError(t, err)

	var got Compose
	require.NoError(t, yaml.Unmarshal(files[ComposeFile], &got))

	require.Len(t, got.Services, 3)
	assert.Equal(t, []string{"3000:3000"}, got.Services["app"].Ports)
	assert.Equal(t, "3000", got.Services["app"].Environment["PORT"])
	assert.Equal(t, []string{"9090:9090"}, got.Services["prometheus"].Ports)
	assert.Equal(t, []string{"3001:3000"}, got.Services["grafana"].Ports)
	assert.Contains(t, got.Services["prometheus"].Volumes[0], PrometheusFile)
}

func TestRenderInvalid(t *testing.T) {
	c := Default()
	c.DashboardPort = 3000

	files, err := Render(c)
	assert.ErrorIs(t, err, ErrPortClash)
	assert.Nil(t, files)
}

func TestPromDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{15 * time.Second, "15s"},
		{time.Minute, "1m"},
		{90 * time.Second, "90s"},
		{2 * time.Hour, "2h"},
		{1500 * time.Millisecond, "1500ms"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, promDuration(tt.in), tt.in.String())
	}
}

func TestWrite(t *testing.T) {
	dir := t.TempDir()

	written, err := Write(dir, Default(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, PrometheusFile),
		filepath.Join(dir, ComposeFile),
		filepath.Join(dir, DatasourceFile),
	}, written)

	for _, p := range written {
		b, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.NotEmpty(t, b)
	}

	_, err = Write(dir, Default(), false)
	assert.ErrorIs(t, err, ErrExists)

	c := Default()
	c.Interval = time.Minute
	_, err = Write(dir, c, true)
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(dir, PrometheusFile))
	require.NoError(t, err)
	assert.Contains(t, string(b), "scrape_interval: 1m")
}
