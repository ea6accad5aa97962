package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jacentio/tally/store"
)

const (
	// Wrap is the number of characters to wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var lines []string
	var line strings.Builder
	width := 0

	for _, word := range strings.Fields(text) {
		if width > 0 && width+1+len(word) > Wrap {
			lines = append(lines, line.String())
			line.Reset()
			width = 0
		}
		if width > 0 {
			line.WriteString(" ")
			width++
		}
		line.WriteString(word)
		width += len(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return strings.Join(lines, "\n")
}

// Dialer opens the DynamoDB API the commands run against.
type Dialer func(ctx context.Context, cc store.ClientConfig) (store.API, error)

// DialDynamoDB connects to DynamoDB using the default credential chain.
func DialDynamoDB(ctx context.Context, cc store.ClientConfig) (store.API, error) {
	return store.NewClient(ctx, cc)
}

// setupStoreFlags adds the connection and table flags to cmd.
func setupStoreFlags(cmd *cobra.Command) {
	defaults := store.DefaultConfig()
	flags := cmd.PersistentFlags()

	flags.String("region", "", WrapString("AWS region; defaults to the shared config"))
	flags.String("profile", "", WrapString("AWS shared config profile"))
	flags.String("endpoint", "", WrapString("DynamoDB endpoint override, e.g. http://localhost:8000 for DynamoDB Local"))
	flags.String("accounts-table", defaults.AccountsTable, WrapString("Table holding accounts"))
	flags.String("locks-table", defaults.LocksTable, WrapString("Table holding locks"))
	flags.String("ratelimit-table", defaults.RateLimitTable, WrapString("Table holding token-bucket state"))
	flags.Duration("default-lease", defaults.DefaultLease, WrapString("Lease used when none is given"))
	flags.String("log-level", "info", WrapString("Log level (debug, info, warn, error)"))
	flags.String("metrics-addr", "", WrapString("Serve Prometheus metrics at this address under /metrics while the command runs"))
	flags.String("pushgateway", "", WrapString("Push the command's metrics to this Prometheus Pushgateway URL when it finishes"))
}

// initConfig loads .env files and binds TALLY_* environment variables.
func initConfig(v *viper.Viper) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v.SetEnvPrefix("tally")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// bindCommandFlags binds a command's flags, including inherited ones, to v.
func bindCommandFlags(v *viper.Viper, cmd *cobra.Command) error {
	if err := v.BindPFlags(cmd.InheritedFlags()); err != nil {
		return err
	}
	return v.BindPFlags(cmd.Flags())
}

func clientConfig(v *viper.Viper) store.ClientConfig {
	return store.ClientConfig{
		Region:   v.GetString("region"),
		Profile:  v.GetString("profile"),
		Endpoint: v.GetString("endpoint"),
	}
}

func storeConfig(v *viper.Viper) store.Config {
	return store.Config{
		AccountsTable:  v.GetString("accounts-table"),
		LocksTable:     v.GetString("locks-table"),
		RateLimitTable: v.GetString("ratelimit-table"),
		DefaultLease:   v.GetDuration("default-lease"),
	}
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}
