package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/winklet/internal/config"
)

// DefaultConfigFile is read when neither --config nor WINKLET_CONFIG is set
// and the file exists.
const DefaultConfigFile = "~/.winklet/config.yaml"

// EnvPrefix prefixes every environment variable the CLI reads.
const EnvPrefix = "WINKLET"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string
	Database   string

	viper *viper.Viper
	cfg   *config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the winklet CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{viper: newViper()}

	cmd := &cobra.Command{
		Use:   "winklet",
		Short: "Winklet - realtime wink matching and chat",
		Long: `Winklet keeps a user's winks, matches and chats in sync with the
server-side store, delivering new matches and chat messages as they land.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Validate format flag
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			configureLogging(opts.Verbose, cmd.ErrOrStderr())
			return nil
		},
	}

	// Global flags
	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.StringVar(&opts.ConfigFile, "config", "", "config file (default is "+DefaultConfigFile+")")
	flags.StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")

	_ = opts.viper.BindPFlag("config", flags.Lookup("config"))
	_ = opts.viper.BindPFlag("database", flags.Lookup("db"))

	// Add subcommands
	cmd.AddCommand(NewWinkCommand(opts))
	cmd.AddCommand(NewWinksCommand(opts))
	cmd.AddCommand(NewMatchCommand(opts))
	cmd.AddCommand(NewChatCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewRelayCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return GetExitCode(err)
	}
	return ExitSuccess
}

// newViper returns a viper instance reading WINKLET_* variables, with nested
// keys mapped to underscores (relay.url -> WINKLET_RELAY_URL).
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Config resolves the effective configuration once: the config file (flag,
// environment or default location) decoded over the defaults, then the
// --db flag and WINKLET_* overrides, validated.
func (o *RootOptions) Config() (config.Config, error) {
	if o.cfg != nil {
		return *o.cfg, nil
	}
	if o.viper == nil {
		o.viper = newViper()
	}
	v := o.viper

	path, err := o.configPath()
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	if db := firstNonEmpty(o.Database, v.GetString("database")); db != "" {
		cfg.Database = db
	}
	if url := v.GetString("relay.url"); url != "" {
		cfg.Relay.URL = url
	}
	if listen := v.GetString("relay.listen"); listen != "" {
		cfg.Relay.Listen = listen
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	slog.Debug("config resolved", "file", path, "database", cfg.Database)
	o.cfg = &cfg
	return cfg, nil
}

// configPath returns the config file to load, or "" for defaults only.
func (o *RootOptions) configPath() (string, error) {
	if p := firstNonEmpty(o.ConfigFile, o.viper.GetString("config")); p != "" {
		return p, nil
	}
	def, err := homedir.Expand(DefaultConfigFile)
	if err != nil {
		return "", fmt.Errorf("expand default config path: %w", err)
	}
	if _, err := os.Stat(def); err == nil {
		return def, nil
	}
	return "", nil
}

// configureLogging installs a text slog handler on w; --verbose enables
// debug records.
func configureLogging(verbose bool, w io.Writer) {
	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
