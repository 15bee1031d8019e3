package main

import (
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// envName is the variable a flag falls back to, e.g. EPHEMERAL_CONTROLLER_URL for
// --controller-url.
func envName(flag string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// bindEnv fills the flags of cmd left off the command line from the environment. Every malformed
// variable is reported, not just the first.
func bindEnv(cmd *cobra.Command) error {
	var result *multierror.Error
	flags := cmd.Flags()
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		name := envName(f.Name)
		value, ok := os.LookupEnv(name)
		if !ok {
			return
		}
		if err := flags.Set(f.Name, value); err != nil {
			result = multierror.Append(result,
				errors.Wrapf(err, "%s is not a valid %s", name, f.Value.Type()))
		}
	})
	return result.ErrorOrNil()
}
