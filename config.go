package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	dateFlagLayout   = "2006-01-02"
	defaultOutputDir = "output"

	envDatabasePath = "IMSG_EXPORT_DB"
	envContactsPath = "IMSG_EXPORT_CONTACTS"
	envOutputDir    = "IMSG_EXPORT_OUTPUT"
)

// appDataPaths stores resolved default locations.
type appDataPaths struct {
	chatDBPath string
	configDir  string
	envFile    string
}

func resolveDataPaths() (appDataPaths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return appDataPaths{}, fmt.Errorf("resolve home dir: %w", err)
	}
	configDir := filepath.Join(home, ".imsg-export")
	return appDataPaths{
		chatDBPath: filepath.Join(home, "Library", "Messages", "chat.db"),
		configDir:  configDir,
		envFile:    filepath.Join(configDir, ".env"),
	}, nil
}

// loadEnvFiles reads optional .env files. Variables already set in the
// process environment are not overridden, and missing files are ignored.
func loadEnvFiles(paths appDataPaths) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(paths.envFile)
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return errors.New("chat name must not be empty")
	}
	*s = append(*s, value)
	return nil
}

// collectOptions configures the collation pipeline shared by all commands.
type collectOptions struct {
	startDate    time.Time
	endDate      time.Time
	chats        []string
	databasePath string
	contactsPath string
	noContacts   bool
	verbose      bool
}

type exportOptions struct {
	collectOptions
	outputDir string
	format    string
}

type collectFlags struct {
	startDate    *string
	endDate      *string
	chats        stringList
	databasePath *string
	contactsPath *string
	noContacts   *bool
	verbose      *bool
}

func registerCollectFlags(fs *flag.FlagSet) *collectFlags {
	f := &collectFlags{
		startDate:    fs.String("start-date", "", "limit to messages on or after this date (YYYY-MM-DD)"),
		endDate:      fs.String("end-date", "", "limit to messages before this date (YYYY-MM-DD)"),
		databasePath: fs.String("database-path", "", "override the chat.db path"),
		contactsPath: fs.String("contacts", "", "read contacts from a JSON file instead of the Contacts app"),
		noContacts:   fs.Bool("no-contacts", false, "skip contact name resolution"),
		verbose:      fs.Bool("verbose", false, "log per-row decisions"),
	}
	fs.Var(&f.chats, "chat", "chat to include; may be repeated (default: all chats)")
	return f
}

func (f *collectFlags) resolve(paths appDataPaths) (collectOptions, error) {
	opts := collectOptions{
		chats:        append([]string(nil), f.chats...),
		databasePath: firstNonEmpty(*f.databasePath, os.Getenv(envDatabasePath), paths.chatDBPath),
		contactsPath: firstNonEmpty(*f.contactsPath, os.Getenv(envContactsPath)),
		noContacts:   *f.noContacts,
		verbose:      *f.verbose,
	}
	var err error
	if opts.startDate, err = parseDateFlag("start-date", *f.startDate); err != nil {
		return collectOptions{}, err
	}
	if opts.endDate, err = parseDateFlag("end-date", *f.endDate); err != nil {
		return collectOptions{}, err
	}
	if !opts.startDate.IsZero() && !opts.endDate.IsZero() && !opts.startDate.Before(opts.endDate) {
		return collectOptions{}, errors.New("--start-date must be before --end-date")
	}
	if opts.noContacts && strings.TrimSpace(*f.contactsPath) != "" {
		return collectOptions{}, errors.New("--contacts and --no-contacts cannot be combined")
	}
	return opts, nil
}

// parseDateFlag parses a calendar date as local midnight.
func parseDateFlag(name, value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.ParseInLocation(dateFlagLayout, value, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be YYYY-MM-DD: %w", name, err)
	}
	return parsed, nil
}

func parseExportArgs(args []string, paths appDataPaths) (exportOptions, error) {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	collect := registerCollectFlags(fs)
	outputDir := fs.String("output-directory", "", "output directory for pages and attachments (default: output)")
	format := fs.String("format", "html", "output format: html or json")

	if err := fs.Parse(args); err != nil {
		return exportOptions{}, fmt.Errorf("%w\n%s", err, exportUsageText())
	}
	if fs.NArg() != 0 {
		return exportOptions{}, fmt.Errorf("unexpected arguments: %s\n%s", strings.Join(fs.Args(), " "), exportUsageText())
	}
	opts, err := collect.resolve(paths)
	if err != nil {
		return exportOptions{}, fmt.Errorf("%w\n%s", err, exportUsageText())
	}

	export := exportOptions{
		collectOptions: opts,
		outputDir:      firstNonEmpty(*outputDir, os.Getenv(envOutputDir), defaultOutputDir),
		format:         strings.ToLower(strings.TrimSpace(*format)),
	}
	if export.format != "html" && export.format != "json" {
		return exportOptions{}, fmt.Errorf("unsupported --format %q\n%s", *format, exportUsageText())
	}
	return export, nil
}

// parseCollectArgs parses the filter flags used by browse and groups.
func parseCollectArgs(name string, args []string, paths appDataPaths) (collectOptions, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	collect := registerCollectFlags(fs)

	if err := fs.Parse(args); err != nil {
		return collectOptions{}, fmt.Errorf("%w\n%s", err, collectUsageText(name))
	}
	if fs.NArg() != 0 {
		return collectOptions{}, fmt.Errorf("unexpected arguments: %s\n%s", strings.Join(fs.Args(), " "), collectUsageText(name))
	}
	opts, err := collect.resolve(paths)
	if err != nil {
		return collectOptions{}, fmt.Errorf("%w\n%s", err, collectUsageText(name))
	}
	return opts, nil
}

const filterUsage = `[--start-date YYYY-MM-DD] [--end-date YYYY-MM-DD] [--chat NAME]...
      [--database-path PATH] [--contacts FILE | --no-contacts] [--verbose]`

func exportUsageText() string {
	return strings.TrimSpace(`
Usage:
  imsg-export [export] ` + filterUsage + `
      [--output-directory DIR] [--format html|json]
`)
}

func collectUsageText(name string) string {
	return strings.TrimSpace(fmt.Sprintf(`
Usage:
  imsg-export %s %s
`, name, filterUsage))
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
