package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"aaronromeo.com/imaparchive/internal/config"
	"aaronromeo.com/imaparchive/pkg/services"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
[general]
accounts = work, broken

[Account work]
remotehost = imap.example.com
remoteuser = me
ssl = true
source-folder = INBOX/Done

[Account broken]
remotehost = imap.example.com
remoteuser = me
remotepass = x
`

type fakeService struct {
	accounts []config.Account
	opts     int
	err      error
}

func (f *fakeService) RunAll(_ context.Context, accounts []config.Account) error {
	f.accounts = accounts
	return f.err
}

func (f *fakeService) RunAccount(context.Context, config.Account) error {
	return nil
}

func (f *fakeService) factory(_ *slog.Logger, opts ...services.AccountServiceOption) services.AccountService {
	f.opts = len(opts)
	return f
}

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func runApp(t *testing.T, svc *fakeService, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp(&out, io.Discard, svc.factory)
	err := app.RunContext(context.Background(), append([]string{"imaparchive"}, args...))
	return out.String(), err
}

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestRunPassesAccountsWithEnvPassword(t *testing.T) {
	clearEnv(t, "IMAPARCHIVE_WORK_PASS", "IMAPARCHIVE_BROKEN_PASS", "IMAPARCHIVE_TELEMETRY", "IMAPARCHIVE_ON_LOGIN_FAILURE")
	cfgPath := writeFile(t, "imap-archive.conf", testConfig)
	envPath := writeFile(t, ".env", "IMAPARCHIVE_WORK_PASS=from-dotenv\n")

	svc := &fakeService{}
	out, err := runApp(t, svc, "--config", cfgPath, "--env-file", envPath, "--on-login-failure", "continue")
	require.NoError(t, err)

	require.Len(t, svc.accounts, 1)
	assert.Equal(t, "work", svc.accounts[0].Name)
	assert.Equal(t, "from-dotenv", svc.accounts[0].Pass)
	assert.Equal(t, 1, svc.opts, "no report sink configured")
	assert.Contains(t, out, "Skipping account")
	assert.Contains(t, out, "account=broken")
}

func TestRunExitCodes(t *testing.T) {
	clearEnv(t, "IMAPARCHIVE_TELEMETRY", "IMAPARCHIVE_ON_LOGIN_FAILURE")
	t.Setenv("IMAPARCHIVE_WORK_PASS", "secret")
	cfgPath := writeFile(t, "imap-archive.conf", testConfig)

	tests := []struct {
		name     string
		args     []string
		runErr   error
		wantCode int
		wantMsg  string
	}{
		{
			name:     "missing explicit config",
			args:     []string{"--config", filepath.Join(t.TempDir(), "nope.conf")},
			wantCode: exitConfig,
			wantMsg:  "specified configuration file does not exist",
		},
		{
			name:     "missing explicit env file",
			args:     []string{"--config", cfgPath, "--env-file", filepath.Join(t.TempDir(), ".env")},
			wantCode: exitConfig,
			wantMsg:  "env file",
		},
		{
			name:     "bad login policy",
			args:     []string{"--config", cfgPath, "--on-login-failure", "retry"},
			wantCode: exitConfig,
			wantMsg:  "unknown login failure policy",
		},
		{
			name:     "bad telemetry mode",
			args:     []string{"--config", cfgPath, "--telemetry", "loud"},
			wantCode: exitConfig,
			wantMsg:  "telemetry must be one of",
		},
		{
			name:     "run failure",
			args:     []string{"--config", cfgPath},
			runErr:   &services.AuthError{Account: "work", Err: errors.New("NO")},
			wantCode: exitRun,
			wantMsg:  "failed to login",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{err: tt.runErr}
			_, err := runApp(t, svc, tt.args...)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, exitCode(err))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestRunWithReportDirectory(t *testing.T) {
	clearEnv(t, "IMAPARCHIVE_TELEMETRY", "IMAPARCHIVE_ON_LOGIN_FAILURE")
	t.Setenv("IMAPARCHIVE_WORK_PASS", "secret")
	cfgPath := writeFile(t, "imap-archive.conf", "[general]\naccounts = work\nreport = "+t.TempDir()+"\n"+
		"[Account work]\nremotehost = h\nremoteuser = u\nsource-folder = INBOX\n")

	svc := &fakeService{}
	_, err := runApp(t, svc, "--config", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, 2, svc.opts)
}

func TestExitCodeDefaultsToConfig(t *testing.T) {
	assert.Equal(t, exitConfig, exitCode(errors.New("flag provided but not defined: -x")))
}
