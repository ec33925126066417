package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	args := os.Args[1:]
	command := "export"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	var err error
	switch command {
	case "export":
		err = runExportCommand(args)
	case "browse":
		err = runBrowseCommand(args)
	case "groups":
		err = runGroupsCommand(args)
	case "help":
		fmt.Println(exportUsageText())
		fmt.Println(collectUsageText("browse|groups"))
		return
	default:
		err = fmt.Errorf("unknown command %q\n%s", command, exportUsageText())
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "imsg-export %s failed: %v\n", command, err)
		os.Exit(1)
	}
}

// runExportCommand collates chat.db and writes HTML or JSON output.
func runExportCommand(args []string) error {
	paths, err := resolveDataPaths()
	if err != nil {
		return err
	}
	loadEnvFiles(paths)

	opts, err := parseExportArgs(args, paths)
	if err != nil {
		return err
	}
	// Fail before touching the database rather than after a long run.
	if err := checkOutputDirectory(opts.outputDir); err != nil {
		return err
	}

	logger := newLogger(os.Stderr, opts.verbose)
	ctx := context.Background()
	c, err := collectMessages(ctx, opts.collectOptions, logger)
	if err != nil {
		return err
	}

	var r renderer = htmlRenderer{}
	if opts.format == "json" {
		r = jsonRenderer{}
	}
	if err := exportConversations(ctx, c, opts.outputDir, r, logger); err != nil {
		return err
	}
	if len(c.messages) > 0 {
		fmt.Printf("Exported %d messages in %d conversations to %s\n", len(c.messages), len(c.groups), opts.outputDir)
	}
	return nil
}

// runBrowseCommand collates chat.db and opens the terminal browser.
func runBrowseCommand(args []string) error {
	paths, err := resolveDataPaths()
	if err != nil {
		return err
	}
	loadEnvFiles(paths)

	opts, err := parseCollectArgs("browse", args, paths)
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, opts.verbose)
	c, err := collectMessages(context.Background(), opts, logger)
	if err != nil {
		return err
	}

	program := tea.NewProgram(newModel(c), tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("run browser: %w", err)
	}
	return nil
}

// runGroupsCommand prints how messages would be grouped into conversations.
func runGroupsCommand(args []string) error {
	paths, err := resolveDataPaths()
	if err != nil {
		return err
	}
	loadEnvFiles(paths)

	opts, err := parseCollectArgs("groups", args, paths)
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, opts.verbose)
	c, err := collectMessages(context.Background(), opts, logger)
	if err != nil {
		return err
	}
	return writeGroupReport(os.Stdout, c.groups, time.Now())
}
