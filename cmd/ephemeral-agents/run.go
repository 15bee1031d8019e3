package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/determined-ai/ephemeral-agents/internal/options"
	"github.com/determined-ai/ephemeral-agents/pkg/check"
	"github.com/determined-ai/ephemeral-agents/pkg/logger"
)

const defaultConfigPath = "/etc/ephemeral-agents/config.yaml"

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run the provisioning service",
		Args:  cobra.NoArgs,
	}

	flags := cmd.Flags()
	flags.String("config-file", "", "path to the YAML configuration file")
	flags.String("instance-name", "", "name identifying this instance on the containers it creates")
	flags.String("controller-url", "", "base URL agents reach this service at")
	flags.String("agent-jar", "", "connector served to agents at <controller-url>/jnlpJars/slave.jar")
	flags.String("secret-key", "", "key used to sign agent connection secrets")
	flags.String("bind-ip", "", "IP address to listen on")
	flags.Int("bind-port", 0, "port to listen on")
	flags.Int("workers", 0, "maximum number of concurrent launches and cleanups")
	flags.Bool("privileged", false, "run agent containers in privileged mode")
	flags.String("docker-host", "", "container engine endpoint (defaults to DOCKER_HOST)")
	flags.String("docker-api-version", "", "container engine API version (negotiated if empty)")
	flags.String("db-url", "", "Postgres URL to persist provisioning metadata to")
	flags.Bool("reaper", true, "periodically remove orphaned agent containers")
	bindFlags(v, flags, map[string]string{
		"config-file":        "config_file",
		"instance-name":      "instance_name",
		"controller-url":     "controller_url",
		"agent-jar":          "agent_jar",
		"secret-key":         "secret_key",
		"bind-ip":            "bind_ip",
		"bind-port":          "bind_port",
		"workers":            "workers",
		"privileged":         "privileged",
		"docker-host":        "docker.host",
		"docker-api-version": "docker.api_version",
		"db-url":             "db.url",
		"reaper":             "reaper.enabled",
	})

	cmd.RunE = func(*cobra.Command, []string) error {
		opts, err := loadOptions(v)
		if err != nil {
			return err
		}
		if err := check.Validate(opts); err != nil {
			return errors.Wrap(err, "command-line arguments specify illegal configuration")
		}
		logger.SetLogrus(opts.Log)
		if printable, err := opts.Printable(); err == nil {
			log.Debugf("configuration: %s", printable)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runDaemon(ctx, *opts)
	}
	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for name, key := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(errors.Wrapf(err, "binding flag %s", name))
		}
	}
}

// loadOptions resolves the configuration with the precedence flag > config file > default.
func loadOptions(v *viper.Viper) (*options.Options, error) {
	if err := setDefaults(v, options.DefaultOptions()); err != nil {
		return nil, err
	}
	bs, err := readConfigFile(v.GetString("config_file"))
	if err != nil {
		return nil, err
	}
	if err := mergeConfigIntoViper(v, bs); err != nil {
		return nil, err
	}
	return getConfig(v)
}

func setDefaults(v *viper.Viper, defaults *options.Options) error {
	bs, err := json.Marshal(defaults)
	if err != nil {
		return errors.Wrap(err, "cannot marshal default configuration")
	}
	var defaultMap map[string]interface{}
	if err := json.Unmarshal(bs, &defaultMap); err != nil {
		return errors.Wrap(err, "cannot unmarshal default configuration")
	}
	for key, value := range defaultMap {
		if value == nil {
			continue
		}
		v.SetDefault(key, value)
	}
	return nil
}

func mergeConfigIntoViper(v *viper.Viper, bs []byte) error {
	var configMap map[string]interface{}
	if err := yaml.Unmarshal(bs, &configMap); err != nil {
		return errors.Wrap(err, "cannot unmarshal yaml configuration file")
	}
	if err := v.MergeConfigMap(configMap); err != nil {
		return errors.Wrap(err, "can't merge configuration to viper")
	}
	return nil
}

func readConfigFile(configPath string) ([]byte, error) {
	isDefault := configPath == ""
	if isDefault {
		configPath = defaultConfigPath
	}

	if _, err := os.Stat(configPath); err != nil {
		if isDefault && os.IsNotExist(err) {
			log.Warnf("no configuration file at %s, skipping", configPath)
			return nil, nil
		}
		return nil, errors.Wrap(err, "error finding configuration file")
	}
	bs, err := os.ReadFile(configPath) // #nosec G304
	if err != nil {
		return nil, errors.Wrap(err, "error reading configuration file")
	}
	return bs, nil
}

func getConfig(v *viper.Viper) (*options.Options, error) {
	bs, err := json.Marshal(v.AllSettings())
	if err != nil {
		return nil, errors.Wrap(err, "cannot marshal configuration map into json bytes")
	}
	opts := &options.Options{}
	if err = yaml.Unmarshal(bs, opts, yaml.DisallowUnknownFields); err != nil {
		return nil, errors.Wrap(err, "cannot unmarshal configuration")
	}
	return opts, nil
}
