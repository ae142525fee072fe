// Command appforge generates web apps from chat requests. It serves the HTTP
// API, runs single requests from the terminal and manages stored state and
// secrets.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"appforge/internal/kernel"
	"appforge/pkg/config"
	"appforge/pkg/logx"
)

// EnvPassword supplies the secrets password without a prompt.
const EnvPassword = "APPFORGE_PASSWORD"

//nolint:gochecknoglobals // set by the linker
var (
	version = "dev"
	commit  = "none"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	projectDir string
	logToFile  bool
	tee        bool
	debug      bool
}

// app carries what PersistentPreRunE prepared.
type app struct {
	flags    globalFlags
	cfg      *config.Config
	password string
	// kernelOptions is extended by tests.
	kernelOptions kernel.Options
}

func (a *app) secretsDir() string {
	return filepath.Join(a.flags.projectDir, config.DefaultConfigDir)
}

func main() {
	if err := rootCmd(&app{}).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := logx.CloseLogFile(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
	}
}

func rootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "appforge",
		Short: "Generate web apps from a conversation",
		Long: `appforge turns chat requests into runnable web apps. Each request is
classified, routed through requirements, architecture and code stages, and
the generated code is verified and repaired until it passes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.prepare(cmd)
		},
	}

	f := &a.flags
	cmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "Config file or directory (default: appforge.yaml in the current directory)")
	cmd.PersistentFlags().StringVar(&f.projectDir, "dir", ".", "Directory holding .appforge (secrets, logs)")
	cmd.PersistentFlags().BoolVar(&f.logToFile, "log-file", false, "Write logs to .appforge/logs instead of stderr")
	cmd.PersistentFlags().BoolVar(&f.tee, "tee", false, "With --log-file, also write logs to stderr")
	cmd.PersistentFlags().BoolVar(&f.debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(serveCmd(a), runCmd(a), stateCmd(a), secretsCmd(a), versionCmd())
	return cmd
}

// prepare configures logging, loads the configuration and unlocks secrets.
func (a *app) prepare(cmd *cobra.Command) error {
	if cmd.Name() == "version" {
		return nil
	}
	if a.flags.debug {
		logx.SetDebug(true, nil)
	}
	if a.flags.logToFile {
		if err := logx.InitializeLogFile(filepath.Join(a.secretsDir(), "logs"), a.flags.tee); err != nil {
			return err
		}
	}

	cfg, err := config.LoadConfig(a.flags.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	// secrets subcommands manage the file themselves.
	if cmd.Parent() != nil && cmd.Parent().Name() == "secrets" {
		return nil
	}
	if config.SecretsFileExists(a.secretsDir()) {
		return a.unlockSecrets()
	}
	return nil
}

func (a *app) unlockSecrets() error {
	password, err := readPassword("Secrets password: ")
	if err != nil {
		return err
	}
	secrets, err := config.DecryptSecretsFile(a.secretsDir(), password)
	if err != nil {
		return err
	}
	config.SetSecrets(secrets)
	a.password = password
	return nil
}

// readPassword returns APPFORGE_PASSWORD or prompts on the terminal.
func readPassword(prompt string) (string, error) {
	if env := os.Getenv(EnvPassword); env != "" {
		return env, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("secrets password required: set " + EnvPassword + " or run interactively")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password := string(b)
	for i := range b {
		b[i] = 0
	}
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	return password, nil
}

// newPassword asks for a password twice.
func newPassword() (string, error) {
	if env := os.Getenv(EnvPassword); env != "" {
		return env, nil
	}
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		p1, err := readPassword("New secrets password: ")
		if err != nil {
			return "", err
		}
		p2, err := readPassword("Confirm password: ")
		if err != nil {
			return "", err
		}
		if p1 == p2 {
			return p1, nil
		}
		fmt.Fprintln(os.Stderr, "Passwords do not match. Please try again.")
	}
	return "", fmt.Errorf("passwords do not match after %d attempts", maxAttempts)
}

func (a *app) newKernel(cmd *cobra.Command) (*kernel.Kernel, error) {
	opts := a.kernelOptions
	opts.SecretsDir = a.secretsDir()
	opts.SecretsPassword = a.password
	return kernel.NewKernel(cmd.Context(), *a.cfg, opts)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "appforge %s (commit: %s)\n", version, commit)
		},
	}
}
