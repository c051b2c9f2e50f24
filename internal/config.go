package internal

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"log"
	"os"
)

// Config represents our central configuration file.
type Config struct {
	Backend      BackendConfig `json:"backend"`
	Distributors Distributors  `json:"distributors"`
}

// BackendConfig holds settings for the bridge-catalogue loader: where to
// find bridge descriptors, how to derive the master HMAC key, and where to
// persist it across restarts.
type BackendConfig struct {
	ExtrainfoFile     string   `json:"extrainfo_file"`
	NetworkstatusFile string   `json:"networkstatus_file"`
	ProxyListFiles    []string `json:"proxy_list_files"`
	BlocklistFile     string   `json:"blocklist_file"`
	ReloadInterval    string   `json:"reload_interval"` // e.g. "1h", parsed with time.ParseDuration
	KeyFile           string   `json:"key_file"`        // where the master HMAC key is persisted
	WorkingDir        string   `json:"working_dir"`
	MetricsEndpoint   string   `json:"web_endpoint_metrics"`
	MetricsAddress    string   `json:"web_metrics_address"`
}

// Distributors holds the per-distributor share and option blocks of spec.md
// §6's configuration table.
type Distributors struct {
	Https         HttpsDistConfig `json:"https"`
	Email         EmailDistConfig `json:"email"`
	ReservedShare int             `json:"reserved_share"`
}

// HttpsDistConfig configures the IP-based ("HTTPS") distributor.
type HttpsDistConfig struct {
	Share              int          `json:"share"`
	NClusters          int          `json:"n_ip_clusters"`
	NBridgesPerAnswer  int          `json:"n_bridges_per_answer"`
	ProxyListFiles     []string     `json:"proxy_list_files"`
	WebApi             WebApiConfig `json:"web_api"`
	TrustXForwardedFor bool         `json:"trust_x_forwarded_for"`
	GeoIPv4File        string       `json:"geoip_v4_file"`
	GeoIPv6File        string       `json:"geoip_v6_file"`
}

// EmailDistConfig configures the email-based distributor.
type EmailDistConfig struct {
	Share             int                 `json:"share"`
	NBridgesPerAnswer int                 `json:"n_bridges_per_answer"`
	EmailDomains      []string            `json:"email_domains"`
	EmailDomainMap    map[string]string   `json:"email_domain_map"`
	EmailDomainRules  map[string][]string `json:"email_domain_rules"`
	Whitelist         []string            `json:"whitelist"`
	WorkingDir        string              `json:"working_dir"`
	IMAP              IMAPConfig          `json:"imap"`
	SMTP              SMTPConfig          `json:"smtp"`
}

// IMAPConfig configures the mailbox the email front polls via IDLE.
type IMAPConfig struct {
	Address  string `json:"address"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// SMTPConfig configures the outbound mail relay used for replies.
type SMTPConfig struct {
	Address  string `json:"address"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
}

type WebApiConfig struct {
	ApiAddress string `json:"api_address"`
	CertFile   string `json:"cert_file"`
	KeyFile    string `json:"key_file"`
}

// LoadConfig loads the given JSON configuration file and returns the
// resulting Config object.  The file must be mode 0600 since it may embed
// mailbox credentials.
func LoadConfig(filename string) (*Config, error) {

	log.Printf("Attempting to load configuration file at %s.", filename)

	info, err := os.Stat(filename)
	if err != nil {
		return nil, err
	}
	if info.Mode() != 0600 {
		return nil, fmt.Errorf("file %s contains secrets and therefore must have 0600 permissions", filename)
	}

	content, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var config Config
	if err = json.Unmarshal(content, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
