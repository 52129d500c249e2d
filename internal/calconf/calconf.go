// Package calconf loads process configuration with spf13/viper, matching the
// teacher's `mindmachine.InitConfig`: a YAML file under a root directory, populated
// with defaults for anything the file omits, written back so a first run always
// produces an inspectable config.yaml.
package calconf

import (
	"os"

	"github.com/spf13/viper"

	"github.com/calendrion/core/internal/calerr"
)

// Load reads (or creates) config.yaml under rootDir, applying the defaults every
// component in the module map depends on, then returns the populated viper instance.
func Load(rootDir string) (*viper.Viper, error) {
	v := viper.New()
	if rootDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, calerr.Wrap(calerr.Fatal, "resolving home directory", err)
		}
		rootDir = home + "/calendrion/"
	}
	v.SetDefault("rootDir", rootDir)
	v.SetConfigType("yaml")
	v.SetConfigFile(v.GetString("rootDir") + "config.yaml")

	if err := os.MkdirAll(v.GetString("rootDir"), 0o755); err != nil {
		return nil, calerr.Wrap(calerr.Fatal, "creating root directory", err)
	}

	if err := v.ReadInConfig(); err != nil {
		// an explicit SetConfigFile path reports a missing file as a plain not-exist
		// error rather than viper.ConfigFileNotFoundError.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, calerr.Wrap(calerr.Fatal, "reading config file", err)
		}
	}

	applyDefaults(v)

	if err := v.WriteConfig(); err != nil {
		return nil, calerr.Wrap(calerr.Transient, "writing config file", err)
	}
	return v, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("stackId", "default")
	v.SetDefault("flatFileDir", "data/")
	v.SetDefault("devMode", false)

	v.SetDefault("calendarTickPeriod", "10s")
	v.SetDefault("anchorHalfHourJitterMax", "20s")
	v.SetDefault("auditChallengePeriod", "1h")
	v.SetDefault("auditRoundPeriod", "1h")
	v.SetDefault("blockWriteRetries", 15)
	v.SetDefault("blockWriteRetryFactor", 1.2)
	v.SetDefault("blockWriteRetryBase", "250ms")

	v.SetDefault("lockTTL", "15s")
	v.SetDefault("lockBackoffMax", "6s")
	v.SetDefault("lockBackoffMin", "3s")

	v.SetDefault("busReconnectBackoff", "5s")
	v.SetDefault("relaysMust", []string{"wss://relay.calendrion.example"})
	v.SetDefault("relaysOptional", []string{})

	v.SetDefault("blockServer", "https://blockchain.info")
	v.SetDefault("tokenTransferEndpoint", "http://localhost:8090/transfer")
	v.SetDefault("tokenBalanceEndpoint", "http://localhost:8090/balance")

	v.SetDefault("registryAddr", "0.0.0.0:8443")
	v.SetDefault("registryCap", 10000)
	v.SetDefault("minVersionNew", "1.0.0")
	v.SetDefault("minVersionExisting", "0.9.0")
	v.SetDefault("minBalance", int64(0))
	v.SetDefault("minAuditCredits", int64(0))

	v.SetDefault("logLevel", 4)
}
