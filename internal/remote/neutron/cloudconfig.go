package neutron

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// CloudConfig holds the credentials and endpoints of one OpenStack cloud.
type CloudConfig struct {
	AuthURL           string `yaml:"auth_url"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	ProjectName       string `yaml:"project_name"`
	ProjectID         string `yaml:"project_id"`
	UserDomainName    string `yaml:"user_domain_name"`
	ProjectDomainName string `yaml:"project_domain_name"`
	RegionName        string `yaml:"region_name"`
	Interface         string `yaml:"interface"`

	// Token and Endpoint bypass Keystone when both are set.
	Token    string `yaml:"token"`
	Endpoint string `yaml:"endpoint"`

	Insecure bool `yaml:"insecure"`
}

type cloudsFile struct {
	Clouds map[string]struct {
		Auth struct {
			AuthURL           string `yaml:"auth_url"`
			Username          string `yaml:"username"`
			Password          string `yaml:"password"`
			ProjectName       string `yaml:"project_name"`
			ProjectID         string `yaml:"project_id"`
			UserDomainName    string `yaml:"user_domain_name"`
			ProjectDomainName string `yaml:"project_domain_name"`
			Token             string `yaml:"token"`
		} `yaml:"auth"`
		RegionName string `yaml:"region_name"`
		Interface  string `yaml:"interface"`
		Verify     *bool  `yaml:"verify"`
		Endpoint   string `yaml:"network_endpoint_override"`
	} `yaml:"clouds"`
}

// ErrNoCredentials is returned when no usable authentication is configured.
var ErrNoCredentials = errors.New("no OpenStack credentials configured")

// CloudConfigPaths returns the clouds.yaml search path in lookup order.
func CloudConfigPaths(getenv func(string) string) []string {
	if p := getenv("OS_CLIENT_CONFIG_FILE"); p != "" {
		return []string{p}
	}
	paths := []string{"clouds.yaml"}
	if home := getenv("HOME"); home != "" {
		paths = append(paths, filepath.Join(home, ".config", "openstack", "clouds.yaml"))
	}
	return append(paths, "/etc/openstack/clouds.yaml")
}

// LoadCloudConfig resolves the configuration of cloud from clouds.yaml and
// the OS_* environment. An empty cloud falls back to OS_CLOUD; environment
// variables override file values.
func LoadCloudConfig(cloud string) (CloudConfig, error) {
	return loadCloudConfig(cloud, CloudConfigPaths(os.Getenv), os.Getenv)
}

func loadCloudConfig(cloud string, paths []string, getenv func(string) string) (CloudConfig, error) {
	var cfg CloudConfig
	if cloud == "" {
		cloud = getenv("OS_CLOUD")
	}

	if cloud != "" {
		found := false
		for _, path := range paths {
			data, err := os.ReadFile(path)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return cfg, fmt.Errorf("failed to read %s: %w", path, err)
			}
			var file cloudsFile
			if err := yaml.Unmarshal(data, &file); err != nil {
				return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
			}
			entry, ok := file.Clouds[cloud]
			if !ok {
				continue
			}
			cfg = CloudConfig{
				AuthURL:           entry.Auth.AuthURL,
				Username:          entry.Auth.Username,
				Password:          entry.Auth.Password,
				ProjectName:       entry.Auth.ProjectName,
				ProjectID:         entry.Auth.ProjectID,
				UserDomainName:    entry.Auth.UserDomainName,
				ProjectDomainName: entry.Auth.ProjectDomainName,
				Token:             entry.Auth.Token,
				RegionName:        entry.RegionName,
				Interface:         entry.Interface,
				Endpoint:          entry.Endpoint,
				Insecure:          entry.Verify != nil && !*entry.Verify,
			}
			found = true
			break
		}
		if !found {
			return cfg, fmt.Errorf("cloud %q not found in %v", cloud, paths)
		}
	}

	overrides := []struct {
		env   string
		field *string
	}{
		{"OS_AUTH_URL", &cfg.AuthURL},
		{"OS_USERNAME", &cfg.Username},
		{"OS_PASSWORD", &cfg.Password},
		{"OS_PROJECT_NAME", &cfg.ProjectName},
		{"OS_TENANT_NAME", &cfg.ProjectName},
		{"OS_PROJECT_ID", &cfg.ProjectID},
		{"OS_USER_DOMAIN_NAME", &cfg.UserDomainName},
		{"OS_PROJECT_DOMAIN_NAME", &cfg.ProjectDomainName},
		{"OS_REGION_NAME", &cfg.RegionName},
		{"OS_INTERFACE", &cfg.Interface},
		{"OS_TOKEN", &cfg.Token},
		{"OS_NETWORK_ENDPOINT", &cfg.Endpoint},
	}
	for _, o := range overrides {
		if v := getenv(o.env); v != "" {
			*o.field = v
		}
	}
	if getenv("OS_INSECURE") == "true" {
		cfg.Insecure = true
	}

	if cfg.UserDomainName == "" {
		cfg.UserDomainName = "Default"
	}
	if cfg.ProjectDomainName == "" {
		cfg.ProjectDomainName = "Default"
	}
	if cfg.Interface == "" {
		cfg.Interface = "public"
	}
	return cfg, cfg.Validate()
}

// Validate checks that cfg can authenticate.
func (c CloudConfig) Validate() error {
	if c.Token != "" && c.Endpoint != "" {
		return nil
	}
	if c.AuthURL == "" || c.Username == "" || c.Password == "" {
		return fmt.Errorf("%w: need auth_url, username and password, or token and endpoint", ErrNoCredentials)
	}
	return nil
}
