package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Keys understood by FromSource.
const (
	KeyProviderType          = "provider.type"
	KeyDockerHost            = "docker.host"
	KeyDockerTLSVerify       = "docker.tls.verify"
	KeyDockerCertPath        = "docker.cert.path"
	KeyRegistryUser          = "registry.username"
	KeyRegistryPass          = "registry.password"
	KeyHubImagePrefix        = "hub.image.name.prefix"
	KeyReaperDisabled        = "reaper.disabled"
	KeyReaperImage           = "reaper.image"
	KeyReaperPrivileged      = "reaper.privileged"
	KeyReaperConnectTimeout  = "reaper.connect.timeout"
	KeyReaperReconnect       = "reaper.reconnection.timeout"
	KeyReaperStateDir        = "reaper.state.dir"
	KeyPullPauseTimeout      = "pull.pause.timeout"
	KeyPullRetryMaxDuration  = "pull.retry.max.duration"
	KeyWaitStartupTimeout    = "wait.startup.timeout"
	KeyWaitPollInterval      = "wait.poll.interval"
	KeyK8sNamespace          = "provider.kubernetes.namespace"
	KeyK8sNamespaceLabels    = "provider.kubernetes.namespace.labels"
	KeyK8sNamespaceAnnots    = "provider.kubernetes.namespace.annotations"
	KeyK8sNodePortAddress    = "provider.kubernetes.nodeport.address"
	KeyLogLevel              = "log.level"
	KeyLogFile               = "log.file"
	KeyMetricsEnabled        = "metrics.enabled"
	KeyMetricsPort           = "metrics.port"
	KeyInfluxURL             = "metrics.influx.url"
	KeyInfluxToken           = "metrics.influx.token"
	KeyInfluxOrg             = "metrics.influx.org"
	KeyInfluxBucket          = "metrics.influx.bucket"
	KeyInfluxInterval        = "metrics.influx.interval"
	DefaultReaperImage       = "dockhand/sandpit-reaper:0.1.0"
	DefaultK8sNamespace      = "sandpit-{session}"
	defaultReaperConnTimeout = 30 * time.Second
)

// Config is the typed view over a Source.
type Config struct {
	ProviderType string `json:"provider_type" yaml:"provider_type"`

	DockerHost      string `json:"docker_host" yaml:"docker_host"`
	DockerTLSVerify bool   `json:"docker_tls_verify" yaml:"docker_tls_verify"`
	DockerCertPath  string `json:"docker_cert_path" yaml:"docker_cert_path"`

	// Private registry credentials (simple auth support)
	RegistryUser string `json:"registry_user" yaml:"registry_user"`
	RegistryPass string `json:"registry_pass" yaml:"registry_pass"`

	// HubImagePrefix is prepended to Docker Hub image names, e.g. a pull-through mirror.
	HubImagePrefix string `json:"hub_image_prefix" yaml:"hub_image_prefix"`

	ReaperDisabled         bool          `json:"reaper_disabled" yaml:"reaper_disabled"`
	ReaperImage            string        `json:"reaper_image" yaml:"reaper_image"`
	ReaperPrivileged       bool          `json:"reaper_privileged" yaml:"reaper_privileged"`
	ReaperConnectTimeout   time.Duration `json:"reaper_connect_timeout" yaml:"reaper_connect_timeout"`
	ReaperReconnectTimeout time.Duration `json:"reaper_reconnection_timeout" yaml:"reaper_reconnection_timeout"`
	ReaperStateDir         string        `json:"reaper_state_dir" yaml:"reaper_state_dir"`

	PullPauseTimeout     time.Duration `json:"pull_pause_timeout" yaml:"pull_pause_timeout"`
	PullRetryMaxDuration time.Duration `json:"pull_retry_max_duration" yaml:"pull_retry_max_duration"`
	WaitStartupTimeout   time.Duration `json:"wait_startup_timeout" yaml:"wait_startup_timeout"`
	WaitPollInterval     time.Duration `json:"wait_poll_interval" yaml:"wait_poll_interval"`

	// Kubernetes namespace; "{session}" is replaced by the session ID.
	KubernetesNamespace     string            `json:"kubernetes_namespace" yaml:"kubernetes_namespace"`
	KubernetesNSLabels      map[string]string `json:"kubernetes_namespace_labels" yaml:"kubernetes_namespace_labels"`
	KubernetesNSAnnotations map[string]string `json:"kubernetes_namespace_annotations" yaml:"kubernetes_namespace_annotations"`
	KubernetesNodePortAddr  string            `json:"kubernetes_nodeport_address" yaml:"kubernetes_nodeport_address"`

	LogLevel string `json:"log_level" yaml:"log_level"`
	LogFile  string `json:"log_file" yaml:"log_file"`

	// Metrics
	MetricsEnabled bool `json:"metrics_enabled" yaml:"metrics_enabled"`
	MetricsPort    int  `json:"metrics_port" yaml:"metrics_port"`

	// InfluxDB push; disabled while InfluxURL is empty.
	InfluxURL      string        `json:"influx_url" yaml:"influx_url"`
	InfluxToken    string        `json:"influx_token" yaml:"influx_token"`
	InfluxOrg      string        `json:"influx_org" yaml:"influx_org"`
	InfluxBucket   string        `json:"influx_bucket" yaml:"influx_bucket"`
	InfluxInterval time.Duration `json:"influx_interval" yaml:"influx_interval"`
}

// DefaultConfig returns a sane default configuration
func DefaultConfig() *Config {
	return &Config{
		ReaperImage:            DefaultReaperImage,
		ReaperConnectTimeout:   defaultReaperConnTimeout,
		ReaperReconnectTimeout: 10 * time.Second,
		PullPauseTimeout:       30 * time.Second,
		PullRetryMaxDuration:   2 * time.Minute,
		WaitStartupTimeout:     60 * time.Second,
		WaitPollInterval:       100 * time.Millisecond,
		KubernetesNamespace:    DefaultK8sNamespace,
		LogLevel:               "info",

		// Metrics defaults (opt-in)
		MetricsEnabled: false,
		MetricsPort:    9090,
		InfluxInterval: 30 * time.Second,
	}
}

// FromSource resolves every known key from src on top of DefaultConfig.
func FromSource(src Source) (*Config, error) {
	cfg := DefaultConfig()
	if src == nil {
		return cfg, nil
	}
	r := reader{src: src}

	r.str(KeyProviderType, &cfg.ProviderType)
	r.str(KeyDockerHost, &cfg.DockerHost)
	r.boolean(KeyDockerTLSVerify, &cfg.DockerTLSVerify)
	r.str(KeyDockerCertPath, &cfg.DockerCertPath)
	r.str(KeyRegistryUser, &cfg.RegistryUser)
	r.str(KeyRegistryPass, &cfg.RegistryPass)
	r.str(KeyHubImagePrefix, &cfg.HubImagePrefix)

	r.boolean(KeyReaperDisabled, &cfg.ReaperDisabled)
	r.str(KeyReaperImage, &cfg.ReaperImage)
	r.boolean(KeyReaperPrivileged, &cfg.ReaperPrivileged)
	r.duration(KeyReaperConnectTimeout, &cfg.ReaperConnectTimeout)
	r.duration(KeyReaperReconnect, &cfg.ReaperReconnectTimeout)
	r.str(KeyReaperStateDir, &cfg.ReaperStateDir)

	r.duration(KeyPullPauseTimeout, &cfg.PullPauseTimeout)
	r.duration(KeyPullRetryMaxDuration, &cfg.PullRetryMaxDuration)
	r.duration(KeyWaitStartupTimeout, &cfg.WaitStartupTimeout)
	r.duration(KeyWaitPollInterval, &cfg.WaitPollInterval)

	r.str(KeyK8sNamespace, &cfg.KubernetesNamespace)
	r.mapping(KeyK8sNamespaceLabels, &cfg.KubernetesNSLabels)
	r.mapping(KeyK8sNamespaceAnnots, &cfg.KubernetesNSAnnotations)
	r.str(KeyK8sNodePortAddress, &cfg.KubernetesNodePortAddr)

	r.str(KeyLogLevel, &cfg.LogLevel)
	r.str(KeyLogFile, &cfg.LogFile)
	r.boolean(KeyMetricsEnabled, &cfg.MetricsEnabled)
	r.integer(KeyMetricsPort, &cfg.MetricsPort)
	r.str(KeyInfluxURL, &cfg.InfluxURL)
	r.str(KeyInfluxToken, &cfg.InfluxToken)
	r.str(KeyInfluxOrg, &cfg.InfluxOrg)
	r.str(KeyInfluxBucket, &cfg.InfluxBucket)
	r.duration(KeyInfluxInterval, &cfg.InfluxInterval)

	if r.err != nil {
		return nil, r.err
	}
	return cfg, nil
}

// Validate returns a list of non-fatal configuration warnings.
func (c *Config) Validate() []string {
	var warnings []string
	checks := []struct {
		cond bool
		msg  string
	}{
		{c.RegistryUser != "" && c.RegistryPass == "", "registry username provided but password is missing"},
		{c.RegistryPass != "" && c.RegistryUser == "", "registry password provided but username is missing"},
		{c.DockerTLSVerify && c.DockerCertPath == "", "docker TLS verification enabled but no cert path configured"},
		{c.ReaperDisabled, "reaper disabled: resources leak if the test process is killed"},
		{c.WaitPollInterval > c.WaitStartupTimeout, "wait poll interval is longer than the startup timeout"},
		{c.InfluxURL != "" && c.InfluxBucket == "", "influx url configured but bucket is missing; metrics will not be pushed"},
		{c.ProviderType != "" && !knownProvider(c.ProviderType), fmt.Sprintf("unknown provider type %q", c.ProviderType)},
	}
	for _, ch := range checks {
		if ch.cond {
			warnings = append(warnings, ch.msg)
		}
	}
	return warnings
}

func knownProvider(p string) bool {
	switch p {
	case "docker", "docker-remote", "kubernetes":
		return true
	}
	return false
}

// reader accumulates the first parse error so FromSource reads linearly.
type reader struct {
	src Source
	err error
}

func (r *reader) str(key string, dst *string) {
	if v, ok := r.src.Lookup(key); ok {
		*dst = strings.TrimSpace(v)
	}
}

func (r *reader) boolean(key string, dst *bool) {
	v, ok := r.src.Lookup(key)
	if !ok || r.err != nil {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		r.err = fmt.Errorf("invalid %s: %w", EnvVar(key), err)
		return
	}
	*dst = b
}

func (r *reader) integer(key string, dst *int) {
	v, ok := r.src.Lookup(key)
	if !ok || r.err != nil {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.err = fmt.Errorf("invalid %s: %w", EnvVar(key), err)
		return
	}
	*dst = n
}

// duration accepts Go durations ("90s") and bare integers meaning seconds.
func (r *reader) duration(key string, dst *time.Duration) {
	v, ok := r.src.Lookup(key)
	if !ok || r.err != nil {
		return
	}
	d, err := ParseDuration(v)
	if err != nil {
		r.err = fmt.Errorf("invalid %s: %w", EnvVar(key), err)
		return
	}
	*dst = d
}

func (r *reader) mapping(key string, dst *map[string]string) {
	if v, ok := r.src.Lookup(key); ok {
		*dst = ParseMap(v)
	}
}

// ParseDuration parses a Go duration string or an integer number of seconds.
func ParseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative duration %d", n)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", v)
	}
	return d, nil
}
