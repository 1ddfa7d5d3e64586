// Package config loads the site configuration of a pragma installation.
package config

import (
	"net"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pragmagrid/pragmactl/internal/allocator"
	"github.com/pragmagrid/pragmactl/internal/errdefs"
	"github.com/pragmagrid/pragmactl/internal/params"
	"github.com/spf13/viper"
)

const (
	DefaultPath = "/opt/pragma_boot/etc/site_conf.yaml"
	EnvPrefix   = "PRAGMA"

	DriverKVMRocks   = "kvm_rocks"
	DriverIncus      = "incus"
	DriverCloudStack = "cloudstack"
)

type Config struct {
	Driver        string               `mapstructure:"driver"`
	TempDirectory string               `mapstructure:"temp_directory"`
	LogDirectory  string               `mapstructure:"log_directory"`
	MetricsFile   string               `mapstructure:"metrics_file"`
	Repository    Repository           `mapstructure:"repository"`
	KVMRocks      KVMRocks             `mapstructure:"kvm_rocks"`
	Incus         Incus                `mapstructure:"incus"`
	CloudStack    CloudStack           `mapstructure:"cloudstack"`
	Networks      map[string]net.IPNet `mapstructure:"networks"`
	Mail          Mail                 `mapstructure:"mail"`
	Poll          Poll                 `mapstructure:"poll"`
}

type Repository struct {
	Type           string `mapstructure:"type"`
	Dir            string `mapstructure:"dir"`
	URL            string `mapstructure:"url"`
	VcdbFile       string `mapstructure:"vcdb_file"`
	KeyPairID      string `mapstructure:"keypair_id"`
	PrivateKeyFile string `mapstructure:"private_key_file"`
	Concurrency    int    `mapstructure:"concurrency"`
}

// Site describes the public side of a bare-metal installation.
type Site struct {
	PublicNetwork net.IPNet  `mapstructure:"public_network"`
	PublicFirst   net.IP     `mapstructure:"public_first"`
	PublicLast    net.IP     `mapstructure:"public_last"`
	Gateway       string     `mapstructure:"gateway"`
	DNS           string     `mapstructure:"dns"`
	Domain        string     `mapstructure:"domain"`
	MTU           int        `mapstructure:"mtu"`
	VlanLow       int        `mapstructure:"vlan_low"`
	VlanHigh      int        `mapstructure:"vlan_high"`
	FrontendCPUs  int        `mapstructure:"frontend_cpus"`
	Memory        string     `mapstructure:"memory"`
	AllowedHosts  []string   `mapstructure:"allowed_hosts"`
	ReservedCPUs  int        `mapstructure:"reserved_cpus"`
	GrantPolicy   string     `mapstructure:"grant_policy"`
	Hostnames     []Hostname `mapstructure:"hostnames"`
}

// Hostname names a public address ahead of reverse DNS. A list is used
// because viper splits map keys on dots.
type Hostname struct {
	IP   net.IP `mapstructure:"ip"`
	Name string `mapstructure:"name"`
}

type Stager struct {
	Type     string `mapstructure:"type"`
	WorkDir  string `mapstructure:"work_dir"`
	NAS      string `mapstructure:"nas"`
	Pool     string `mapstructure:"pool"`
	Snapshot string `mapstructure:"snapshot"`
}

type KVMRocks struct {
	Site    `mapstructure:",squash"`
	Command string `mapstructure:"rocks_command"`
	DiskDir string `mapstructure:"disk_dir"`
	Stager  Stager `mapstructure:"stager"`
}

type Member struct {
	Name string `mapstructure:"name"`
	CPUs int    `mapstructure:"cpus"`
}

type Incus struct {
	Site        `mapstructure:",squash"`
	URL         string   `mapstructure:"url"`
	ClientCert  string   `mapstructure:"client_cert"`
	ClientKey   string   `mapstructure:"client_key"`
	ServerCert  string   `mapstructure:"server_cert"`
	Members     []Member `mapstructure:"members"`
	Bridge      string   `mapstructure:"bridge"`
	Parent      string   `mapstructure:"parent"`
	StoragePool string   `mapstructure:"storage_pool"`
	Type        string   `mapstructure:"type"`
	OccupiedIPs []net.IP `mapstructure:"occupied_ips"`
}

type CloudStack struct {
	URL               string        `mapstructure:"url"`
	APIKey            string        `mapstructure:"api_key"`
	SecretKey         string        `mapstructure:"secret_key"`
	TemplateFilter    string        `mapstructure:"template_filter"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Timeout           time.Duration `mapstructure:"timeout"`
	PublicNetwork     string        `mapstructure:"public_network"`
	PrivatePrefix     string        `mapstructure:"private_prefix"`
	VMPrefix          string        `mapstructure:"vm_prefix"`
	Ports             []int         `mapstructure:"ports"`
	FrontendCPUs      int           `mapstructure:"frontend_cpus"`
	DNS               string        `mapstructure:"dns"`
	Domain            string        `mapstructure:"domain"`
	MTU               int           `mapstructure:"mtu"`
}

type Mail struct {
	Server string `mapstructure:"server"`
	Sender string `mapstructure:"sender"`
}

type Poll struct {
	Interval time.Duration `mapstructure:"interval"`
	Attempts int           `mapstructure:"attempts"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("driver", DriverKVMRocks)
	v.SetDefault("temp_directory", "/tmp")
	v.SetDefault("log_directory", "/var/log/pragma_boot")
	v.SetDefault("metrics_file", "")

	v.SetDefault("repository.type", "local")
	v.SetDefault("repository.dir", "/state/default/vm-images")
	v.SetDefault("repository.vcdb_file", "vcdb.json")
	v.SetDefault("repository.concurrency", 4)

	for _, section := range []string{DriverKVMRocks, DriverIncus} {
		v.SetDefault(section+".vlan_low", 2)
		v.SetDefault(section+".vlan_high", 4094)
		v.SetDefault(section+".frontend_cpus", 1)
		v.SetDefault(section+".mtu", 1500)
		v.SetDefault(section+".memory", "2GB")
		v.SetDefault(section+".grant_policy", string(allocator.GrantExact))
	}
	v.SetDefault("kvm_rocks.rocks_command", "/opt/rocks/bin/rocks")
	v.SetDefault("kvm_rocks.stager.type", "nfs")
	v.SetDefault("kvm_rocks.stager.work_dir", "/state/kvmdisks/staging")

	v.SetDefault("incus.url", "")
	v.SetDefault("incus.storage_pool", "default")

	v.SetDefault("cloudstack.url", "")
	v.SetDefault("cloudstack.api_key", "")
	v.SetDefault("cloudstack.secret_key", "")
	v.SetDefault("cloudstack.template_filter", "executable")
	v.SetDefault("cloudstack.requests_per_second", 5)
	v.SetDefault("cloudstack.timeout", time.Minute)
	v.SetDefault("cloudstack.frontend_cpus", 1)

	v.SetDefault("mail.server", "localhost:25")
	v.SetDefault("mail.sender", "root@localhost")

	v.SetDefault("poll.interval", 10*time.Second)
	v.SetDefault("poll.attempts", 100)
}

// Load reads the YAML site configuration at path. Every key can be
// overridden from the environment, e.g. PRAGMA_CLOUDSTACK_SECRET_KEY.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, errdefs.Configf("failed to read %s: %v", path, err)
	}

	cfg := Config{}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToIPHookFunc(),
			mapstructure.StringToIPNetHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		))); err != nil {
		return Config{}, errdefs.Configf("failed to decode %s: %v", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the section of the selected driver and the shared keys.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverKVMRocks:
		if err := c.KVMRocks.Site.validate(DriverKVMRocks); err != nil {
			return err
		}
	case DriverIncus:
		if err := c.Incus.Site.validate(DriverIncus); err != nil {
			return err
		}
		if len(c.Incus.Members) == 0 {
			return errdefs.Configf("incus.members: at least one member is required")
		}
		for _, m := range c.Incus.Members {
			if m.Name == "" || m.CPUs <= 0 {
				return errdefs.Configf("incus.members: member %q needs a name and cpus", m.Name)
			}
		}
		if c.Incus.Parent == "" {
			return errdefs.Configf("incus.parent: uplink for private vlans is not set")
		}
	case DriverCloudStack:
		if c.CloudStack.URL == "" || c.CloudStack.APIKey == "" || c.CloudStack.SecretKey == "" {
			return errdefs.Configf("cloudstack: url, api_key and secret_key are required")
		}
	default:
		return errdefs.Configf("driver: unknown driver %q", c.Driver)
	}

	if c.Poll.Attempts < 0 || c.Poll.Interval < 0 {
		return errdefs.Configf("poll: interval and attempts must not be negative")
	}

	return nil
}

func (s Site) validate(section string) error {
	if s.PublicNetwork.IP == nil {
		return errdefs.Configf("%s.public_network is not set", section)
	}
	if s.PublicFirst == nil || s.PublicLast == nil {
		return errdefs.Configf("%s.public_first and %s.public_last are required", section, section)
	}
	if !s.PublicNetwork.Contains(s.PublicFirst) || !s.PublicNetwork.Contains(s.PublicLast) {
		return errdefs.Configf("%s: public range %s-%s outside %s", section, s.PublicFirst, s.PublicLast, s.PublicNetwork.String())
	}
	if s.VlanLow < 1 || s.VlanHigh > 4094 || s.VlanLow > s.VlanHigh {
		return errdefs.Configf("%s: bad vlan range %d-%d", section, s.VlanLow, s.VlanHigh)
	}
	if _, err := allocator.ParseGrantPolicy(s.GrantPolicy); err != nil {
		return errdefs.Configf("%s.grant_policy: %v", section, err)
	}
	if _, err := params.ParseMemory(s.Memory); err != nil {
		return errdefs.Configf("%s.memory: %v", section, err)
	}
	return nil
}

// AllocatorOptions turns the placement keys into allocator options.
func (s Site) AllocatorOptions() allocator.Options {
	policy, _ := allocator.ParseGrantPolicy(s.GrantPolicy)
	return allocator.Options{
		AllowedHosts: s.AllowedHosts,
		Reserved:     s.ReservedCPUs,
		Policy:       policy,
	}
}

func (s Site) HostnameMap() map[string]string {
	out := make(map[string]string, len(s.Hostnames))
	for _, h := range s.Hostnames {
		out[h.IP.String()] = h.Name
	}
	return out
}

// MemoryMB is the default node memory; Validate has already parsed it.
func (s Site) MemoryMB() int {
	mb, _ := params.ParseMemory(s.Memory)
	return mb
}

// Iface fills a missing add-iface subnet from the networks section.
func (c Config) Iface(spec params.IfaceSpec) params.IfaceSpec {
	if spec.CIDR != nil {
		return spec
	}
	if n, ok := c.Networks[spec.Network]; ok {
		cidr := n
		spec.CIDR = &cidr
	}
	return spec
}
