package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/chainmail/internal/keystore"
	"github.com/jmerrifield20/chainmail/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile    string
	nodeURL    string
	keysDir    string
	passphrase string
	timeout    time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chainmail",
	Short: "End-to-end encrypted messages on a proof-of-work ledger",
	Long: `chainmail is the command-line client for a chainmail node.

Register an identity once, then send encrypted messages to other identities
by name or hash and read your inbox straight from the chain:

  chainmail register alice
  chainmail send alice 3f9a...e1 "hello bob"
  chainmail inbox bob --watch 5s`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			if home, err := os.UserHomeDir(); err == nil {
				viper.AddConfigPath(filepath.Join(home, ".chainmail"))
			}
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("chainmail")
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if nodeURL == "" {
			nodeURL = viper.GetString("node_url")
		}
		if nodeURL == "" {
			nodeURL = "http://localhost:3000"
		}
		if keysDir == "" {
			keysDir = viper.GetString("keys_dir")
		}
		if keysDir == "" {
			home, _ := os.UserHomeDir()
			keysDir = filepath.Join(home, ".chainmail", "keys")
		}
		if passphrase == "" {
			passphrase = viper.GetString("passphrase")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.chainmail/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&nodeURL, "node", "", "node URL (default http://localhost:3000)")
	rootCmd.PersistentFlags().StringVar(&keysDir, "keys", "", "key directory (default ~/.chainmail/keys)")
	rootCmd.PersistentFlags().StringVar(&passphrase, "passphrase", "", "private key passphrase (or CHAINMAIL_PASSPHRASE)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "request timeout; mining can take a while at high difficulty")

	rootCmd.AddCommand(registerCmd, sendCmd, inboxCmd)
	rootCmd.AddCommand(chainCmd, syncCmd, peersCmd, verifyCmd, versionCmd)
}

func newClient() (*client.Client, error) {
	return client.New(nodeURL, client.WithTimeout(timeout))
}

func openKeys() (*keystore.FileKeyStore, error) {
	return keystore.NewFileKeyStore(keysDir)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		pterm.Println("chainmail " + version)
	},
}
