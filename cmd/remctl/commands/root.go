// Package commands implements the remctl client command line.
package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-remctl/remctl/internal/gssapi/krb5"
	"github.com/go-remctl/remctl/pkg/client"
)

var (
	// Version information injected at build time.
	Version = "dev"

	flagPort      int
	flagPrincipal string
	flagTimeout   time.Duration
	flagSourceIP  string
	flagKeytab    string

	exitCode int
)

var rootCmd = &cobra.Command{
	Use:   "remctl <host> <type> <subcommand> [args...]",
	Short: "remctl - run a predefined remote command",
	Long: `remctl connects to a remctld server, authenticates with Kerberos,
and runs one predefined command, printing its stdout/stderr and exiting
with its status.`,
	Args:          cobra.MinimumNArgs(3),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runCommand,
}

func init() {
	rootCmd.Flags().IntVarP(&flagPort, "port", "p", 0, "server port (0 selects the default, falling back to the legacy port)")
	rootCmd.Flags().StringVarP(&flagPrincipal, "service", "s", "", `service principal (default "host/<host>")`)
	rootCmd.Flags().DurationVarP(&flagTimeout, "timeout", "t", 0, "overall operation timeout (0 disables it)")
	rootCmd.Flags().StringVar(&flagSourceIP, "source-ip", "", "bind the outgoing connection to this local address")
	rootCmd.Flags().StringVarP(&flagKeytab, "keytab", "k", "", "path to a keytab to use in place of the default credential cache")
}

// Execute runs the remctl root command.
func Execute() error {
	return rootCmd.Execute()
}

// ExitCode reports the process exit status remctl should use: the
// remote command's own exit status when a command ran, 1 otherwise.
func ExitCode() int {
	if exitCode != 0 {
		return exitCode
	}
	return 1
}

func runCommand(_ *cobra.Command, args []string) error {
	host := args[0]
	argv := make([][]byte, 0, len(args)-1)
	for _, a := range args[1:] {
		argv = append(argv, []byte(a))
	}

	provider, err := buildProvider()
	if err != nil {
		return err
	}

	c := client.New(provider)
	if flagSourceIP != "" {
		c.SetSourceIP(flagSourceIP)
	}
	if flagTimeout > 0 {
		c.SetTimeout(flagTimeout)
	}

	ctx := context.Background()
	if err := c.Open(ctx, host, flagPort, flagPrincipal); err != nil {
		return fmt.Errorf("connect to %s: %w", host, err)
	}
	defer c.Close()

	if err := c.Command(ctx, argv); err != nil {
		return fmt.Errorf("send command: %w", err)
	}

	for {
		ev, err := c.Output(ctx)
		if err != nil {
			return fmt.Errorf("read output: %w", err)
		}
		switch ev.Type {
		case client.EventOutput:
			if ev.Stream == 2 {
				os.Stderr.Write(ev.Data)
			} else {
				os.Stdout.Write(ev.Data)
			}
		case client.EventStatus:
			exitCode = int(ev.Status)
			_ = c.Quit(ctx)
			return nil
		case client.EventError:
			exitCode = 1
			return fmt.Errorf("%s", ev.ErrorMessage)
		case client.EventDone:
			return nil
		}
	}
}

// buildProvider constructs the Kerberos provider for this invocation from
// the --keytab file, and returns an error when no keytab is given: there
// is no ticket-cache path in this build (Client.SetCCache returns
// ErrUnsupported for krb5.Provider). ClientPrincipal and ClientRealm are
// left empty.
func buildProvider() (*krb5.Provider, error) {
	if flagKeytab == "" {
		return nil, fmt.Errorf("remctl: --keytab is required until ccache-based credential selection is implemented")
	}
	kt, err := krb5.LoadKeytab(flagKeytab)
	if err != nil {
		return nil, err
	}
	krb5Conf, err := krb5.LoadKrb5Conf(os.Getenv("KRB5_CONFIG"))
	if err != nil {
		krb5Conf = nil
	}
	return &krb5.Provider{Keytab: kt, Krb5Conf: krb5Conf}, nil
}
