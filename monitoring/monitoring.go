// Package monitoring renders the Prometheus and Grafana setup that scrapes
// the app. Nothing here runs a service; it only writes configuration.
package monitoring

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	PrometheusFile = "prometheus.yml"
	ComposeFile    = "docker-compose.yml"
	DatasourceFile = "grafana/provisioning/datasources/prometheus.yml"

	prometheusImage = "prom/prometheus:v2.53.0"
	grafanaImage    = "grafana/grafana:11.1.0"

	// grafana listens on 3000 inside its container
	grafanaContainerPort = 3000
	prometheusPort       = 9090
)

var (
	ErrNoTargets   = errors.New("at least one scrape target is required")
	ErrInterval    = errors.New("scrape interval must be positive")
	ErrPortClash   = errors.New("dashboard port clashes with the app port")
	ErrInvalidPort = errors.New("port out of range")
	ErrExists      = errors.New("file already exists")
)

type Config struct {
	Interval    time.Duration
	Job         string
	Targets     []string
	MetricsPath string

	AppPort       int
	DashboardPort int
}

func Default() Config {
	return Config{
		Interval:      15 * time.Second,
		Job:           "app",
		Targets:       []string{"app:3000"},
		MetricsPath:   "/metrics",
		AppPort:       3000,
		DashboardPort: 3001,
	}
}

func Validate(c Config) error {
	var errs []error
	if len(c.Targets) == 0 {
		errs = append(errs, ErrNoTargets)
	}
	for _, t := range c.Targets {
		if t == "" {
			errs = append(errs, fmt.Errorf("%w: empty target", ErrNoTargets))
		}
	}
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInterval, c.Interval))
	}
	if !validPort(c.AppPort) {
		errs = append(errs, fmt.Errorf("%w: app port %d", ErrInvalidPort, c.AppPort))
	}
	if !validPort(c.DashboardPort) {
		errs = append(errs, fmt.Errorf("%w: dashboard port %d", ErrInvalidPort, c.DashboardPort))
	}
	if c.DashboardPort == c.AppPort {
		errs = append(errs, fmt.Errorf("%w: both are %d", ErrPortClash, c.AppPort))
	}
	return errors.Join(errs...)
}

type PrometheusConfig struct {
	Global        GlobalConfig   `yaml:"global"`
	ScrapeConfigs []ScrapeConfig `yaml:"scrape_configs"`
}

type GlobalConfig struct {
	ScrapeInterval string `yaml:"scrape_interval"`
}

type ScrapeConfig struct {
	JobName       string         `yaml:"job_name"`
	MetricsPath   string         `yaml:"metrics_path"`
	StaticConfigs []StaticConfig `yaml:"static_configs"`
}

type StaticConfig struct {
	Targets []string `yaml:"targets"`
}

type Compose struct {
	Services map[string]ComposeService `yaml:"services"`
}

type ComposeService struct {
	Image       string            `yaml:"image,omitempty"`
	Build       string            `yaml:"build,omitempty"`
	Ports       []string          `yaml:"ports,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Volumes     []string          `yaml:"volumes,omitempty"`
	DependsOn   []string          `yaml:"depends_on,omitempty"`
}

type Datasources struct {
	APIVersion  int          `yaml:"apiVersion"`
	Datasources []Datasource `yaml:"datasources"`
}

type Datasource struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	Access    string `yaml:"access"`
	URL       string `yaml:"url"`
	IsDefault bool   `yaml:"isDefault"`
}

func Prometheus(c Config) PrometheusConfig {
	job := c.Job
	if job == "" {
		job = "app"
	}
	path := c.MetricsPath
	if path == "" {
		path = "/metrics"
	}

	return PrometheusConfig{
		Global: GlobalConfig{ScrapeInterval: promDuration(c.Interval)},
		ScrapeConfigs: []ScrapeConfig{{
			JobName:       job,
			MetricsPath:   path,
			StaticConfigs: []StaticConfig{{Targets: c.Targets}},
		}},
	}
}

func ComposeStack(c Config) Compose {
	app := strconv.Itoa(c.AppPort)

	return Compose{Services: map[string]ComposeService{
		"app": {
			Build:       ".",
			Ports:       []string{app + ":" + app},
			Environment: map[string]string{"PORT": app},
		},
		"prometheus": {
			Image:     prometheusImage,
			Ports:     []string{portMapping(prometheusPort, prometheusPort)},
			Volumes:   []string{"./" + PrometheusFile + ":/etc/prometheus/prometheus.yml:ro"},
			DependsOn: []string{"app"},
		},
		"grafana": {
			Image:     grafanaImage,
			Ports:     []string{portMapping(c.DashboardPort, grafanaContainerPort)},
			Volumes:   []string{"./grafana/provisioning:/etc/grafana/provisioning:ro"},
			DependsOn: []string{"prometheus"},
		},
	}}
}

func GrafanaDatasources() Datasources {
	return Datasources{
		APIVersion: 1,
		Datasources: []Datasource{{
			Name:      "Prometheus",
			Type:      "prometheus",
			Access:    "proxy",
			URL:       "http://prometheus:" + strconv.Itoa(prometheusPort),
			IsDefault: true,
		}},
	}
}

// Render validates c and returns the contents of every file keyed by its
// path relative to the output directory.
func Render(c Config) (map[string][]byte, error) {
	if err := Validate(c); err != nil {
		return nil, err
	}

	docs := map[string]any{
		PrometheusFile: Prometheus(c),
		ComposeFile:    ComposeStack(c),
		DatasourceFile: GrafanaDatasources(),
	}

	files := make(map[string][]byte, len(docs))
	for name, doc := range docs {
		b, err := yaml.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("rendering %s: %w", name, err)
		}
		files[name] = b
	}
	return files, nil
}

// Write renders c into dir. Existing files are left alone unless force is
// set. It returns the written paths in a stable order.
func Write(dir string, c Config, force bool) ([]string, error) {
	files, err := Render(c)
	if err != nil {
		return nil, err
	}

	names := []string{PrometheusFile, ComposeFile, DatasourceFile}
	if !force {
		for _, name := range names {
			p := filepath.Join(dir, name)
			if _, err := os.Stat(p); err == nil {
				return nil, fmt.Errorf("%w: %s", ErrExists, p)
			}
		}
	}

	var written []string
	for _, name := range names {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return written, err
		}
		if err := os.WriteFile(p, files[name], 0644); err != nil {
			return written, fmt.Errorf("writing %s: %w", p, err)
		}
		written = append(written, p)
	}
	return written, nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

func portMapping(host, container int) string {
	return strconv.Itoa(host) + ":" + strconv.Itoa(container)
}

// promDuration formats d in the unit syntax prometheus accepts.
func promDuration(d time.Duration) string {
	switch {
	case d%time.Hour == 0:
		return strconv.FormatInt(int64(d/time.Hour), 10) + "h"
	case d%time.Minute == 0:
		return strconv.FormatInt(int64(d/time.Minute), 10) + "m"
	case d%time.Second == 0:
		return strconv.FormatInt(int64(d/time.Second), 10) + "s"
	default:
		return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
	}
}
