package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

const (
	EnvConfigPath = "IMAPARCHIVE_CONFIG"
	envPassFormat = "IMAPARCHIVE_%s_PASS"

	DefaultFileName = "imap-archive.conf"

	sectionGeneral       = "general"
	accountSectionPrefix = "Account "
)

// Error is returned for anything wrong with locating or reading the
// configuration. The CLI exits 1 on it.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return "configuration: " + e.Err.Error()
	}
	return fmt.Sprintf("configuration %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Account is one [Account <name>] section.
type Account struct {
	Name         string
	Host         string
	Port         int
	User         string
	Pass         string
	SSL          bool
	SourceFolder string
	MarkRead     bool
}

// Skipped is an account listed in general.accounts that cannot be run.
type Skipped struct {
	Name   string
	Reason string
}

type Config struct {
	Path         string
	Accounts     []Account
	Skipped      []Skipped
	Report       string
	ReportRegion string
}

// Candidates lists the config paths to try, in order. An explicit path
// replaces the whole list.
func Candidates(explicit string) []string {
	if explicit != "" {
		return []string{explicit}
	}

	var out []string
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		out = append(out, p)
	}
	out = append(out, filepath.Join(".", DefaultFileName))
	if home, err := os.UserHomeDir(); err == nil {
		out = append(out, filepath.Join(home, "."+DefaultFileName))
	}
	return out
}

// ResolvePath picks the first existing candidate. An explicit path that
// does not exist is an error rather than a fall through.
func ResolvePath(explicit string) (string, error) {
	candidates := Candidates(explicit)
	for _, p := range candidates {
		info, err := os.Stat(p)
		if err == nil && !info.IsDir() {
			return p, nil
		}
	}

	if explicit != "" {
		return "", &Error{Path: explicit, Err: errors.New("specified configuration file does not exist")}
	}
	return "", &Error{Err: errors.Errorf("no configuration file found (tried %s)", strings.Join(candidates, ", "))}
}

// Load reads the INI file at path.
func Load(path string) (*Config, error) {
	f, err := ini.LoadSources(loadOptions, path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	cfg, err := parse(f)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	cfg.Path = path
	return cfg, nil
}

// Inline comments need a leading space so passwords may contain ; and #.
var loadOptions = ini.LoadOptions{SpaceBeforeInlineComment: true}

// Parse reads configuration from raw INI data.
func Parse(data []byte) (*Config, error) {
	f, err := ini.LoadSources(loadOptions, data)
	if err != nil {
		return nil, &Error{Err: err}
	}
	cfg, err := parse(f)
	if err != nil {
		return nil, &Error{Err: err}
	}
	return cfg, nil
}

func parse(f *ini.File) (*Config, error) {
	general, err := f.GetSection(sectionGeneral)
	if err != nil {
		return nil, errors.New("missing [general] section")
	}

	names := accountNames(general.Key("accounts").String())
	if len(names) == 0 {
		return nil, errors.New("no accounts specified")
	}

	cfg := &Config{
		Report:       strings.TrimSpace(general.Key("report").String()),
		ReportRegion: strings.TrimSpace(general.Key("report-region").String()),
	}

	for _, name := range names {
		sec, err := f.GetSection(accountSectionPrefix + name)
		if err != nil {
			cfg.Skipped = append(cfg.Skipped, Skipped{Name: name, Reason: fmt.Sprintf("no [%s%s] section", accountSectionPrefix, name)})
			continue
		}

		acct, reason, err := parseAccount(name, sec)
		if err != nil {
			return nil, errors.Wrapf(err, "account %s", name)
		}
		if reason != "" {
			cfg.Skipped = append(cfg.Skipped, Skipped{Name: name, Reason: reason})
			continue
		}
		cfg.Accounts = append(cfg.Accounts, acct)
	}

	return cfg, nil
}

func accountNames(raw string) []string {
	var out []string
	for _, n := range strings.Split(raw, ",") {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// parseAccount returns a non-empty reason when the account should be
// skipped rather than failing the whole configuration.
func parseAccount(name string, sec *ini.Section) (Account, string, error) {
	acct := Account{
		Name:         name,
		Host:         strings.TrimSpace(sec.Key("remotehost").String()),
		User:         strings.TrimSpace(sec.Key("remoteuser").String()),
		Pass:         sec.Key("remotepass").String(),
		SourceFolder: strings.TrimSpace(sec.Key("source-folder").String()),
	}

	if acct.SourceFolder == "" {
		return acct, fmt.Sprintf("source folder for account %s not specified", name), nil
	}

	var err error
	if acct.SSL, err = boolKey(sec, "ssl"); err != nil {
		return acct, "", err
	}
	if acct.MarkRead, err = boolKey(sec, "mark-read"); err != nil {
		return acct, "", err
	}

	if sec.HasKey("port") {
		port, err := sec.Key("port").Int()
		if err != nil || port < 1 || port > 65535 {
			return acct, "", errors.Errorf("invalid port %q", sec.Key("port").String())
		}
		acct.Port = port
	}

	if p := os.Getenv(PassEnvVar(name)); p != "" {
		acct.Pass = p
	}

	var missing []string
	if acct.Host == "" {
		missing = append(missing, "remotehost")
	}
	if acct.User == "" {
		missing = append(missing, "remoteuser")
	}
	if acct.Pass == "" {
		missing = append(missing, "remotepass (or "+PassEnvVar(name)+")")
	}
	if len(missing) > 0 {
		return acct, "", errors.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}

	return acct, "", nil
}

func boolKey(sec *ini.Section, name string) (bool, error) {
	if !sec.HasKey(name) {
		return false, nil
	}
	v, err := sec.Key(name).Bool()
	if err != nil {
		return false, errors.Errorf("invalid boolean for %s: %q", name, sec.Key(name).String())
	}
	return v, nil
}

// PassEnvVar names the environment variable that may carry the password
// for account name.
func PassEnvVar(name string) string {
	upper := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToUpper(r)
		}
		return '_'
	}, name)
	return fmt.Sprintf(envPassFormat, upper)
}

// Summary renders the account list for the startup log line.
func Summary(cfg *Config) string {
	parts := make([]string, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		parts = append(parts, fmt.Sprintf("%s(%s@%s:%s)", a.Name, a.User, a.Host, a.SourceFolder))
	}
	return strings.Join(parts, ", ")
}
