package main

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/determined-ai/ephemeral-agents/internal/options"
	"github.com/determined-ai/ephemeral-agents/pkg/check"
)

const testConfig = `
controller_url: http://controller:8111/
secret_key: s3cr3t
bind_port: 9000
workers: 4
log:
  level: debug
labels:
  linux:
    image: ci/agent:latest
    host_binds: ["/var/run/docker.sock:/var/run/docker.sock"]
    cache_dirs: ["/root/.m2"]
    max_memory: 2g
    dynamic_resource_allocation: true
`

func writeConfig(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadOptionsPrecedence(t *testing.T) {
	v := viper.New()
	cmd := newRunCmd(v)
	require.NoError(t, cmd.Flags().Set("config-file", writeConfig(t, testConfig)))
	require.NoError(t, cmd.Flags().Set("workers", "16"))

	opts, err := loadOptions(v)
	require.NoError(t, err)

	// Flag beats file, file beats default.
	assert.Equal(t, 16, opts.Workers)
	assert.Equal(t, 9000, opts.BindPort)
	assert.Equal(t, "0.0.0.0", opts.BindIP)
	assert.Equal(t, options.Duration(5*time.Minute), opts.ConnectTimeout)
	assert.Equal(t, "debug", opts.Log.Level)
	assert.Equal(t, "s3cr3t", opts.SecretKey)

	linux, err := opts.LabelConfig("linux")
	require.NoError(t, err)
	assert.Equal(t, "ci/agent:latest", linux.Image)
	assert.Equal(t, []string{"/root/.m2"}, linux.CacheDirs)
	assert.True(t, linux.DynamicResourceAllocation)
	mem, err := linux.MaxMemoryBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(2<<30), mem)

	assert.NoError(t, check.Validate(opts))
}

func TestLoadOptionsRejectsUnknownFields(t *testing.T) {
	v := viper.New()
	cmd := newRunCmd(v)
	require.NoError(t, cmd.Flags().Set("config-file", writeConfig(t, "wrokers: 3\n")))

	_, err := loadOptions(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrokers")
}

func TestBindEnv(t *testing.T) {
	t.Setenv("EPHEMERAL_WORKERS", "7")
	t.Setenv("EPHEMERAL_CONTROLLER_URL", "http://from-env/")
	t.Setenv("EPHEMERAL_BIND_PORT", "not-a-port")

	v := viper.New()
	cmd := newRunCmd(v)
	require.NoError(t, cmd.Flags().Set("bind-port", "8123"))

	// The explicit flag wins, so the malformed variable is never parsed.
	require.NoError(t, bindEnv(cmd))
	require.NoError(t, cmd.Flags().Set("config-file", writeConfig(t, "workers: 2\n")))

	opts, err := loadOptions(v)
	require.NoError(t, err)
	assert.Equal(t, 7, opts.Workers)
	assert.Equal(t, 8123, opts.BindPort)
	assert.Equal(t, "http://from-env/", opts.ControllerURL)
}

func TestBindEnvReportsBadValues(t *testing.T) {
	t.Setenv("EPHEMERAL_WORKERS", "many")

	cmd := newRunCmd(viper.New())
	err := bindEnv(cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EPHEMERAL_WORKERS")
}

func TestBindEnvReportsEveryBadValue(t *testing.T) {
	t.Setenv("EPHEMERAL_WORKERS", "many")
	t.Setenv("EPHEMERAL_BIND_PORT", "not-a-port")

	err := bindEnv(newRunCmd(viper.New()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EPHEMERAL_WORKERS is not a valid int")
	assert.Contains(t, err.Error(), "EPHEMERAL_BIND_PORT is not a valid int")
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "EPHEMERAL_CONTROLLER_URL", envName("controller-url"))
	assert.Equal(t, "EPHEMERAL_LEVEL", envName("level"))
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.True(t, strings.HasPrefix(out.String(), "ephemeral-agents "+version+" "), out.String())
	assert.Contains(t, out.String(), runtime.GOOS+"/"+runtime.GOARCH)
}

func TestReadConfigFile(t *testing.T) {
	bs, err := readConfigFile(writeConfig(t, "workers: 2\n"))
	require.NoError(t, err)
	assert.Equal(t, "workers: 2\n", string(bs))

	_, err = readConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestInstanceName(t *testing.T) {
	assert.Equal(t, "ci-1", instanceName("ci-1"))
	assert.NotEmpty(t, instanceName(""))
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCmd()
	run, _, err := root.Find([]string{"run"})
	require.NoError(t, err)
	assert.Equal(t, "run", run.Name())
	assert.NotNil(t, root.PersistentFlags().Lookup("level"))
}
