package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// EnvPrefix is prepended to a flag's env name, e.g. log-level is read from KB_LOG_LEVEL
const EnvPrefix = "KB_"

// SetFlagsFromEnvVars presets the persistent flags of cmd from outside the command line.
// A systemd credential named after the flag (LOG_LEVEL) wins over the KB_LOG_LEVEL variable.
// Flags already given on the command line are left alone.
func SetFlagsFromEnvVars(cmd *cobra.Command) {
	if err := applyFlagOverrides(cmd.PersistentFlags(), os.Getenv("CREDENTIALS_DIRECTORY")); err != nil {
		log.Warnf("ignoring flag overrides: %v", err)
	}
}

func applyFlagOverrides(flags *pflag.FlagSet, credsDir string) error {
	var result *multierror.Error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		name := flagNameToUpper(f.Name)

		if value, ok := credentialValue(credsDir, name); ok {
			err := flags.Set(f.Name, value)
			if err == nil {
				return
			}
			result = multierror.Append(result, fmt.Errorf("credential %s: %w", name, err))
		}

		if value, ok := os.LookupEnv(EnvPrefix + name); ok {
			if err := flags.Set(f.Name, value); err != nil {
				result = multierror.Append(result, fmt.Errorf("variable %s%s: %w", EnvPrefix, name, err))
			}
		}
	})
	return result.ErrorOrNil()
}

func credentialValue(dir, name string) (string, bool) {
	if dir == "" {
		return "", false
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", false
	}
	return strings.TrimRight(string(data), "\r\n"), true
}

// flagNameToUpper maps daemon-addr to DAEMON_ADDR
func flagNameToUpper(cmdFlag string) string {
	return strings.ToUpper(strings.ReplaceAll(cmdFlag, "-", "_"))
}
