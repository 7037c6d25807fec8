package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dhcgn/otp-inbox/acquire"
	"github.com/dhcgn/otp-inbox/filter"
	"github.com/dhcgn/otp-inbox/match"
)

const (
	ProviderGmail = "gmail"
	ProviderIMAP  = "imap"
	ProviderMbox  = "mbox"

	DefaultProfile = "login"
)

// SecretLookup resolves a stored secret by key. It returns "" and no error
// when nothing is stored.
type SecretLookup func(key string) (string, error)

// Config captures the resolved command-line, environment and file options.
type Config struct {
	ConfigFile string
	Provider   string

	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	IMAPSecurity       string
	InsecureSkipVerify bool
	IMAPMailbox        string

	GmailCredentials string
	GmailToken       string
	IncludeSpamTrash bool

	MboxPath string
	MboxAsOf time.Time

	StateDriver string
	StateDSN    string

	LogLevel string
	LogDir   string

	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string

	Profiles map[string]Profile
	Selected []string
}

// Profile is a named acquisition setup, e.g. "login" or "transfer".
type Profile struct {
	Query         string        `mapstructure:"query" yaml:"query"`
	MaxAgeMinutes int           `mapstructure:"max_age_minutes" yaml:"max_age_minutes"`
	MaxAttempts   int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	AttemptDelay  time.Duration `mapstructure:"attempt_delay" yaml:"attempt_delay"`
	InitialDelay  time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	Pattern       string        `mapstructure:"pattern" yaml:"pattern"`
	Target        string        `mapstructure:"target" yaml:"target"`
	MarkConsumed  bool          `mapstructure:"mark_consumed" yaml:"mark_consumed"`
	ResultCap     int           `mapstructure:"result_cap" yaml:"result_cap"`
}

// AcquireConfig converts the profile into an acquisition config.
func (p Profile) AcquireConfig() (acquire.Config, error) {
	target, err := match.ParseTarget(p.Target)
	if err != nil {
		return acquire.Config{}, err
	}
	return acquire.Config{
		Query:         p.Query,
		MaxAgeMinutes: p.MaxAgeMinutes,
		MaxAttempts:   p.MaxAttempts,
		AttemptDelay:  p.AttemptDelay,
		Pattern:       p.Pattern,
		Target:        target,
		MarkConsumed:  p.MarkConsumed,
		ResultCap:     p.ResultCap,
	}, nil
}

// BuiltinProfiles returns the login and transfer setups.
func BuiltinProfiles() map[string]Profile {
	login := Profile{
		Query:         acquire.DefaultQuery,
		MaxAgeMinutes: acquire.DefaultMaxAgeMinutes,
		MaxAttempts:   acquire.DefaultMaxAttempts,
		AttemptDelay:  acquire.DefaultAttemptDelay,
		Pattern:       match.DefaultPattern,
		Target:        match.Body.String(),
		MarkConsumed:  true,
		ResultCap:     acquire.DefaultResultCap,
	}
	transfer := login
	transfer.MaxAgeMinutes = 2
	transfer.MaxAttempts = 20
	transfer.AttemptDelay = 5 * time.Second
	transfer.InitialDelay = 5 * time.Second

	return map[string]Profile{
		DefaultProfile: login,
		"transfer":     transfer,
	}
}

// flagKeys maps config file keys to the flags that override them.
var flagKeys = map[string]string{
	"provider":                  "provider",
	"imap.host":                 "imap-host",
	"imap.port":                 "imap-port",
	"imap.user":                 "imap-user",
	"imap.pass":                 "imap-pass",
	"imap.security":             "imap-security",
	"imap.insecure_skip_verify": "insecure-skip-verify",
	"imap.mailbox":              "imap-mailbox",
	"gmail.credentials":         "gmail-credentials",
	"gmail.token":               "gmail-token",
	"gmail.include_spam_trash":  "include-spam-trash",
	"mbox.path":                 "mbox",
	"mbox.as_of":                "mbox-as-of",
	"state.driver":              "state-driver",
	"state.dsn":                 "state-dsn",
	"log.level":                 "log-level",
	"log.dir":                   "log-dir",
}

var envKeys = map[string]string{
	"imap.pass":         "IMAP_PASS",
	"gmail.credentials": "GMAIL_CREDENTIALS_PATH",
	"gmail.token":       "GMAIL_TOKEN_PATH",
}

// RegisterFlags attaches the shared flags to the root command; subcommands
// inherit them.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.String("config", DefaultConfigPath(), "Path to the YAML config file with provider settings and profiles")
	flags.String("provider", ProviderGmail, "Mailbox provider: gmail, imap or mbox")
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var, then the keyring)")
	flags.String("imap-security", "tls", "IMAP connection security: tls, starttls or insecure")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("imap-mailbox", "INBOX", "IMAP mailbox to search")
	flags.String("gmail-credentials", "", "OAuth client JSON (falls back to GMAIL_CREDENTIALS_PATH)")
	flags.String("gmail-token", "", "Authorized token JSON (falls back to GMAIL_TOKEN_PATH)")
	flags.Bool("include-spam-trash", true, "Also search Gmail spam and trash")
	flags.String("mbox", "", "Path to an .mbox archive (provider mbox)")
	flags.String("mbox-as-of", "", "RFC 3339 time the archive is evaluated at (default now)")
	flags.String("state-driver", "file", "Consumed-message ledger: memory, file or sqlite")
	flags.String("state-dsn", defaultStateDir, "Ledger location: directory for file, database path for sqlite")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files in addition to stdout")
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")

	flags.StringArray("profile", nil, "Acquisition profile to run (repeatable; default login)")
	flags.String("query", "", "Override the profile's search filter")
	flags.Int("max-age", 0, "Override the profile's recency window in minutes")
	flags.Int("attempts", 0, "Override the profile's maximum number of search rounds")
	flags.Duration("delay", 0, "Override the profile's delay between rounds")
	flags.String("pattern", "", "Override the profile's code pattern")
	flags.String("target", "", "Override where the code is read from: body, subject or header:<Name>")
	flags.Bool("no-mark", false, "Do not mark the winning message as consumed")
	return nil
}

// LoadConfig merges flags, environment and the config file, in that order
// of precedence, and validates the result. lookup may be nil.
func LoadConfig(cmd *cobra.Command, lookup SecretLookup) (Config, error) {
	flags := cmd.Flags()

	configFile, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}

	v, err := newViper(configFile, flags)
	if err != nil {
		return Config{}, err
	}

	logLevel := strings.ToLower(v.GetString("log.level"))
	if logLevel == "warning" {
		logLevel = "warn"
	}

	cfg := Config{
		ConfigFile:         configFile,
		Provider:           strings.ToLower(v.GetString("provider")),
		IMAPHost:           v.GetString("imap.host"),
		IMAPPort:           v.GetInt("imap.port"),
		IMAPUser:           v.GetString("imap.user"),
		IMAPPass:           v.GetString("imap.pass"),
		IMAPSecurity:       strings.ToLower(v.GetString("imap.security")),
		InsecureSkipVerify: v.GetBool("imap.insecure_skip_verify"),
		IMAPMailbox:        v.GetString("imap.mailbox"),
		GmailCredentials:   expandHome(v.GetString("gmail.credentials")),
		GmailToken:         expandHome(v.GetString("gmail.token")),
		IncludeSpamTrash:   v.GetBool("gmail.include_spam_trash"),
		MboxPath:           expandHome(v.GetString("mbox.path")),
		StateDriver:        strings.ToLower(v.GetString("state.driver")),
		StateDSN:           expandHome(v.GetString("state.dsn")),
		LogLevel:           logLevel,
		LogDir:             expandHome(v.GetString("log.dir")),
	}

	for _, f := range []struct {
		dst  *[]string
		key  string
		flag string
	}{
		{&cfg.IncludeHeader, "filter.include_header", "include-header"},
		{&cfg.IncludeBody, "filter.include_body", "include-body"},
		{&cfg.ExcludeHeader, "filter.exclude_header", "exclude-header"},
		{&cfg.ExcludeBody, "filter.exclude_body", "exclude-body"},
	} {
		if *f.dst, err = patternList(v, flags, f.key, f.flag); err != nil {
			return Config{}, err
		}
	}

	if asOf := v.GetString("mbox.as_of"); asOf != "" {
		t, err := time.Parse(time.RFC3339, asOf)
		if err != nil {
			return Config{}, fmt.Errorf("invalid --mbox-as-of: %w", err)
		}
		cfg.MboxAsOf = t
	}

	if cfg.StateDSN == "" {
		cfg.StateDSN, err = defaultStateDir()
		if err != nil {
			return Config{}, err
		}
	}
	if cfg.StateDriver != "memory" {
		cfg.StateDSN = filepath.Clean(cfg.StateDSN)
	}

	if cfg.Provider == ProviderIMAP && cfg.IMAPPass == "" && lookup != nil && cfg.IMAPUser != "" {
		pass, err := lookup(IMAPSecretKey(cfg.IMAPUser, cfg.IMAPHost))
		if err != nil {
			return Config{}, fmt.Errorf("keyring lookup: %w", err)
		}
		cfg.IMAPPass = pass
	}

	cfg.Profiles, err = loadProfiles(v)
	if err != nil {
		return Config{}, err
	}
	if err := applyOverrides(cfg.Profiles, flags); err != nil {
		return Config{}, err
	}

	cfg.Selected, err = flags.GetStringArray("profile")
	if err != nil {
		return Config{}, err
	}
	for i, name := range cfg.Selected {
		cfg.Selected[i] = strings.ToLower(strings.TrimSpace(name))
	}
	if len(cfg.Selected) == 0 {
		cfg.Selected = []string{DefaultProfile}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// FilterOptions returns the message filter settings.
func (c Config) FilterOptions() filter.Options {
	return filter.Options{
		IncludeHeader: c.IncludeHeader,
		IncludeBody:   c.IncludeBody,
		ExcludeHeader: c.ExcludeHeader,
		ExcludeBody:   c.ExcludeBody,
	}
}

// ProfileNames returns the known profile names in order.
func (c Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// patternList prefers an explicitly set flag over the config file. Array
// flags are not bound to viper because it splits them as CSV, which breaks
// patterns like \d{4,8}.
func patternList(v *viper.Viper, flags *pflag.FlagSet, key, flag string) ([]string, error) {
	if flags.Changed(flag) {
		return flags.GetStringArray(flag)
	}
	return v.GetStringSlice(key), nil
}

// IMAPSecretKey is the keyring key of an IMAP account password.
func IMAPSecretKey(user, host string) string {
	return "imap:" + user + "@" + host
}

func newViper(configFile string, flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()

	for key, name := range flagKeys {
		if f := flags.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}
	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}

	if configFile == "" {
		return v, nil
	}
	v.SetConfigFile(expandHome(configFile))
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if errors.As(err, &notFound) || errors.As(err, &pathErr) {
			return v, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", configFile, err)
	}
	return v, nil
}

// loadProfiles starts from the built-in profiles and layers every
// "profiles.<name>" section of the config file on top; unset keys keep the
// built-in (or login) values.
func loadProfiles(v *viper.Viper) (map[string]Profile, error) {
	profiles := BuiltinProfiles()
	for name := range v.GetStringMap("profiles") {
		p, ok := profiles[name]
		if !ok {
			p = profiles[DefaultProfile]
			p.InitialDelay = 0
		}
		if err := v.UnmarshalKey("profiles."+name, &p); err != nil {
			return nil, fmt.Errorf("parsing profile %s: %w", name, err)
		}
		profiles[name] = p
	}
	return profiles, nil
}

// applyOverrides applies explicitly set acquisition flags to every
// profile.
func applyOverrides(profiles map[string]Profile, flags *pflag.FlagSet) error {
	for name, p := range profiles {
		if flags.Changed("query") {
			p.Query, _ = flags.GetString("query")
		}
		if flags.Changed("max-age") {
			p.MaxAgeMinutes, _ = flags.GetInt("max-age")
		}
		if flags.Changed("attempts") {
			p.MaxAttempts, _ = flags.GetInt("attempts")
		}
		if flags.Changed("delay") {
			p.AttemptDelay, _ = flags.GetDuration("delay")
		}
		if flags.Changed("pattern") {
			p.Pattern, _ = flags.GetString("pattern")
		}
		if flags.Changed("target") {
			p.Target, _ = flags.GetString("target")
		}
		if flags.Changed("no-mark") {
			noMark, err := flags.GetBool("no-mark")
			if err != nil {
				return err
			}
			p.MarkConsumed = !noMark
		}
		profiles[name] = p
	}
	return nil
}

func validateConfig(cfg Config) error {
	switch cfg.Provider {
	case ProviderIMAP:
		if cfg.IMAPHost == "" {
			return fmt.Errorf("--imap-host is required")
		}
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass, IMAP_PASS env var or the keyring")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
		switch cfg.IMAPSecurity {
		case "tls", "starttls", "insecure":
		default:
			return fmt.Errorf("invalid --imap-security: %s", cfg.IMAPSecurity)
		}
	case ProviderGmail:
		if cfg.GmailCredentials == "" {
			return fmt.Errorf("Gmail credentials must be provided via --gmail-credentials or GMAIL_CREDENTIALS_PATH")
		}
		if cfg.GmailToken == "" {
			return fmt.Errorf("Gmail token must be provided via --gmail-token or GMAIL_TOKEN_PATH")
		}
	case ProviderMbox:
		if cfg.MboxPath == "" {
			return fmt.Errorf("--mbox is required for provider mbox")
		}
	default:
		return fmt.Errorf("invalid --provider: %s", cfg.Provider)
	}

	switch cfg.StateDriver {
	case "memory", "file", "sqlite":
	default:
		return fmt.Errorf("invalid --state-driver: %s", cfg.StateDriver)
	}

	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	seen := make(map[string]bool, len(cfg.Selected))
	for _, name := range cfg.Selected {
		if seen[name] {
			return fmt.Errorf("profile %s selected twice", name)
		}
		seen[name] = true

		p, ok := cfg.Profiles[name]
		if !ok {
			return fmt.Errorf("unknown profile %q (known: %s)", name, strings.Join(cfg.ProfileNames(), ", "))
		}
		if err := validateProfile(p); err != nil {
			return fmt.Errorf("profile %s: %w", name, err)
		}
	}

	return nil
}

func validateProfile(p Profile) error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive")
	}
	if p.MaxAgeMinutes < 0 {
		return fmt.Errorf("max_age_minutes must not be negative")
	}
	if p.AttemptDelay < 0 || p.InitialDelay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if p.ResultCap < 0 {
		return fmt.Errorf("result_cap must not be negative")
	}
	target, err := match.ParseTarget(p.Target)
	if err != nil {
		return err
	}
	if _, err := match.New(p.Pattern, target); err != nil {
		return err
	}
	return nil
}

// DefaultConfigPath returns ~/.config/otp-inbox/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "otp-inbox", "config.yaml")
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".otp-inbox", "state"), nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
