package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vyrodovalexey/keygate/internal/auth/apikey"
	"github.com/vyrodovalexey/keygate/internal/config"
)

func newHashCmd(flags *cliFlags) *cobra.Command {
	var (
		algorithm string
		pepper    string
		useConfig bool
	)

	cmd := &cobra.Command{
		Use:   "hash [raw-key]",
		Short: "Print the storage hash of an API key",
		Long: `Compute the hash stored for an API key, using the same hasher the gateway
applies to inbound keys. Algorithm and pepper come from the configuration file
when it exists; --algorithm and --pepper override them. The key is read from
the argument or, when absent, from the first line of standard input.`,
		Example: `  keygate hash sk_live_abc123
  echo -n sk_live_abc123 | keygate hash --config configs/keygate.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags.configPath)
			switch {
			case err == nil:
				if !cmd.Flags().Changed("algorithm") {
					algorithm = cfg.APIKey.HashAlgorithm
				}
				if !cmd.Flags().Changed("pepper") {
					pepper = cfg.APIKey.Pepper
				}
			case useConfig || !errors.Is(err, fs.ErrNotExist):
				return err
			}

			raw, err := readKey(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return runHash(cmd.OutOrStdout(), raw, algorithm, pepper)
		},
	}

	defaults := config.DefaultConfig().APIKey
	cmd.Flags().StringVar(&algorithm, "algorithm", defaults.HashAlgorithm, "hash algorithm (sha256, sha512, blake2b)")
	cmd.Flags().StringVar(&pepper, "pepper", "", "server-side pepper")
	cmd.Flags().BoolVar(&useConfig, "from-config", false, "fail when the configuration file cannot be loaded")

	return cmd
}

func readKey(args []string, in io.Reader) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read key: %w", err)
	}
	raw := strings.TrimRight(line, "\r\n")
	if raw == "" {
		return "", errors.New("no key given")
	}
	return raw, nil
}

func runHash(w io.Writer, raw, algorithm, pepper string) error {
	hasher, err := apikey.NewHasher(algorithm, pepper)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, hasher.Hash(raw))
	return err
}
