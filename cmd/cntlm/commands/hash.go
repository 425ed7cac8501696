package commands

import (
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/lichangche/cntlm/internal/auth"
	"github.com/lichangche/cntlm/internal/netutil"
	"github.com/lichangche/cntlm/pkg/config"
)

var (
	hashUser     string
	hashDomain   string
	hashPassword string
)

var hashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Print password hashes for use in the config file",
	Long: `Compute and print the password hash variants accepted by the
pass_nt, pass_lm and pass_ntlmv2 config keys. The NTLMv2 hash binds to
the username and domain it was computed with.

The password is prompted for unless --password is given.`,
	RunE: runHash,
}

func init() {
	hashCmd.Flags().StringVarP(&hashUser, "user", "u", "", "account name (required for the NTLMv2 hash)")
	hashCmd.Flags().StringVarP(&hashDomain, "domain", "d", "", "account domain (required for the NTLMv2 hash)")
	hashCmd.Flags().StringVarP(&hashPassword, "password", "p", "", "account password (prompted when omitted)")
}

func runHash(cmd *cobra.Command, _ []string) error {
	user, domain := hashUser, hashDomain
	if cfgFile != "" {
		if cfg, err := config.Load(cfgFile); err == nil {
			if user == "" {
				user = cfg.Username
			}
			if domain == "" {
				domain = cfg.Domain
			}
		}
	}

	password := hashPassword
	if password == "" {
		prompt := promptui.Prompt{Label: "Password", Mask: '*'}
		entered, err := prompt.Run()
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
		password = entered
	}

	creds := &auth.Credential{}
	creds.User = user
	creds.Domain = domain
	creds.SetAllHashes(password)
	defer creds.Wipe()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "pass_lm         %s\n", netutil.FormatHex(creds.PassLM))
	fmt.Fprintf(out, "pass_nt         %s\n", netutil.FormatHex(creds.PassNT))
	if user != "" && domain != "" {
		fmt.Fprintf(out, "pass_ntlmv2     %s    # only for user %q, domain %q\n",
			netutil.FormatHex(creds.PassNTLMv2), user, domain)
	} else {
		fmt.Fprintln(out, "# pass_ntlmv2 needs --user and --domain")
	}
	return nil
}
