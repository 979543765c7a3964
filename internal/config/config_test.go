package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
[general]
accounts = work, , home ,nosource
report = ./reports ; audit trail
report-region = us-east-1

[Account work]
remotehost = imap.example.com
remoteuser = me@example.com
remotepass = pa;ss#word
ssl = true
source-folder = INBOX/Done
mark-read = yes

[Account home]
remotehost = mail.home.lan
remoteuser = me
remotepass = secret
port = 1143
source-folder = Processed

[Account nosource]
remotehost = imap.example.org
remoteuser = other
remotepass = x
`

func TestParse(t *testing.T) {
	t.Setenv("IMAPARCHIVE_WORK_PASS", "")
	t.Setenv("IMAPARCHIVE_HOME_PASS", "")

	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "./reports", cfg.Report)
	assert.Equal(t, "us-east-1", cfg.ReportRegion)
	assert.Equal(t, []Account{
		{
			Name:         "work",
			Host:         "imap.example.com",
			User:         "me@example.com",
			Pass:         "pa;ss#word",
			SSL:          true,
			SourceFolder: "INBOX/Done",
			MarkRead:     true,
		},
		{
			Name:         "home",
			Host:         "mail.home.lan",
			Port:         1143,
			User:         "me",
			Pass:         "secret",
			SourceFolder: "Processed",
		},
	}, cfg.Accounts)
	require.Len(t, cfg.Skipped, 1)
	assert.Equal(t, "nosource", cfg.Skipped[0].Name)
	assert.Contains(t, cfg.Skipped[0].Reason, "source folder")
	assert.Equal(t, "work(me@example.com@imap.example.com:INBOX/Done), home(me@mail.home.lan:Processed)", Summary(cfg))
}

func TestParseSkipsAccountWithoutSection(t *testing.T) {
	t.Setenv("IMAPARCHIVE_GOOD_PASS", "")

	cfg, err := Parse([]byte("[general]\naccounts = good, typo\n" +
		"[Account good]\nremotehost = h\nremoteuser = u\nremotepass = p\nsource-folder = INBOX\n"))
	require.NoError(t, err)

	require.Len(t, cfg.Accounts, 1)
	assert.Equal(t, "good", cfg.Accounts[0].Name)
	assert.Equal(t, []Skipped{{Name: "typo", Reason: "no [Account typo] section"}}, cfg.Skipped)
}

func TestParsePasswordFromEnv(t *testing.T) {
	t.Setenv("IMAPARCHIVE_WORK_PASS", "from-env")
	t.Setenv("IMAPARCHIVE_HOME_PASS", "")

	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Accounts[0].Pass)
	assert.Equal(t, "secret", cfg.Accounts[1].Pass)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{name: "no general", data: "[Account a]\nremotehost = h\n", wantErr: "missing [general] section"},
		{name: "no accounts", data: "[general]\naccounts = , ,\n", wantErr: "no accounts specified"},
		{
			name:    "missing host and password",
			data:    "[general]\naccounts = a\n[Account a]\nremoteuser = u\nsource-folder = INBOX\n",
			wantErr: "missing required settings: remotehost, remotepass (or IMAPARCHIVE_A_PASS)",
		},
		{
			name:    "bad bool",
			data:    "[general]\naccounts = a\n[Account a]\nremotehost = h\nremoteuser = u\nremotepass = p\nsource-folder = INBOX\nssl = maybe\n",
			wantErr: "invalid boolean for ssl",
		},
		{
			name:    "bad port",
			data:    "[general]\naccounts = a\n[Account a]\nremotehost = h\nremoteuser = u\nremotepass = p\nsource-folder = INBOX\nport = 99999\n",
			wantErr: "invalid port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("IMAPARCHIVE_A_PASS", "")
			_, err := Parse([]byte(tt.data))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			var cfgErr *Error
			assert.True(t, errors.As(err, &cfgErr))
		})
	}
}

func TestPassEnvVar(t *testing.T) {
	assert.Equal(t, "IMAPARCHIVE_WORK_PASS", PassEnvVar("work"))
	assert.Equal(t, "IMAPARCHIVE_MY_MAIL_2_PASS", PassEnvVar("my-mail 2"))
}

func TestLoad(t *testing.T) {
	path := writeTempFile(t, sample)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path)
	assert.Len(t, cfg.Accounts, 2)

	_, err = Load(filepath.Join(t.TempDir(), "absent.conf"))
	var cfgErr *Error
	assert.True(t, errors.As(err, &cfgErr))
}

func TestCandidates(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, []string{
		DefaultFileName,
		filepath.Join(home, ".imap-archive.conf"),
	}, Candidates(""))

	t.Setenv(EnvConfigPath, "/etc/imap-archive.conf")
	assert.Equal(t, "/etc/imap-archive.conf", Candidates("")[0])

	assert.Equal(t, []string{"/explicit.conf"}, Candidates("/explicit.conf"))
}

func TestResolvePath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvConfigPath, "")
	chdir(t, t.TempDir())

	_, err := ResolvePath("")
	var cfgErr *Error
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, err.Error(), "no configuration file found")

	homeConf := filepath.Join(home, ".imap-archive.conf")
	require.NoError(t, os.WriteFile(homeConf, []byte(sample), 0o600))
	got, err := ResolvePath("")
	require.NoError(t, err)
	assert.Equal(t, homeConf, got)

	require.NoError(t, os.WriteFile(DefaultFileName, []byte(sample), 0o600))
	got, err = ResolvePath("")
	require.NoError(t, err)
	assert.Equal(t, DefaultFileName, got)

	envConf := writeTempFile(t, sample)
	t.Setenv(EnvConfigPath, envConf)
	got, err = ResolvePath("")
	require.NoError(t, err)
	assert.Equal(t, envConf, got)

	_, err = ResolvePath(filepath.Join(home, "missing.conf"))
	assert.ErrorContains(t, err, "specified configuration file does not exist")
}

func writeTempFile(t *testing.T, contents string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "imap-archive.conf")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func chdir(t *testing.T, dir string) {
	t.Helper()

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		_ = os.Chdir(wd)
	})
}
