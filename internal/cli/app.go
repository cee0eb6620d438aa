// pattern: Functional Core
package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
)

// Command is a single CLI command with its metadata and handler.
type Command struct {
	Name    string
	Summary string
	Usage   string
	Run     func(args []string) error
}

// Group is a set of related subcommands under one name.
type Group struct {
	Name     string
	Summary  string
	Commands map[string]*Command
}

// App is the top-level CLI with groups and ungrouped commands. Execute
// reports an exit code instead of exiting, so dispatch stays testable.
type App struct {
	groups   map[string]*Group
	commands map[string]*Command
	version  string
	out      io.Writer
	errOut   io.Writer
}

// NewApp creates a CLI application writing to the given streams.
func NewApp(version string, out, errOut io.Writer) *App {
	return &App{
		groups:   make(map[string]*Group),
		commands: make(map[string]*Command),
		version:  version,
		out:      out,
		errOut:   errOut,
	}
}

// AddGroup creates and registers a new command group.
func (a *App) AddGroup(name, summary string) *Group {
	g := &Group{
		Name:     name,
		Summary:  summary,
		Commands: make(map[string]*Command),
	}
	a.groups[name] = g
	return g
}

// AddCommand registers an ungrouped (top-level) command.
func (a *App) AddCommand(cmd *Command) {
	a.commands[cmd.Name] = cmd
}

// AddCommand registers a command in the group.
func (g *Group) AddCommand(cmd *Command) {
	g.Commands[cmd.Name] = cmd
}

// Execute dispatches args to a command and returns the process exit
// code: 0 on success, 1 when the command failed, 2 for usage errors.
func (a *App) Execute(args []string) int {
	if len(args) == 0 {
		a.PrintHelp(a.errOut)
		return 2
	}

	cmdName := args[0]

	if cmd, ok := a.commands[cmdName]; ok {
		return a.run(cmd, args[1:])
	}

	if group, ok := a.groups[cmdName]; ok {
		if len(args) < 2 || args[1] == "help" || args[1] == "--help" || args[1] == "-h" {
			group.PrintHelp(a.errOut)
			return 2
		}

		if cmd, ok := group.Commands[args[1]]; ok {
			return a.run(cmd, args[2:])
		}

		fmt.Fprintf(a.errOut, "unknown command: %s %s\n\n", group.Name, args[1])
		group.PrintHelp(a.errOut)
		return 2
	}

	fmt.Fprintf(a.errOut, "unknown command: %s\n\n", cmdName)
	a.PrintHelp(a.errOut)
	return 2
}

func (a *App) run(cmd *Command, args []string) int {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			fmt.Fprintf(a.errOut, "%s\n", cmd.Usage)
			return 0
		}
	}
	if err := cmd.Run(args); err != nil {
		fmt.Fprintf(a.errOut, "error: %v\n", err)
		return 1
	}
	return 0
}

// PrintHelp prints the top-level help text.
func (a *App) PrintHelp(w io.Writer) {
	fmt.Fprintf(w, "Usage: pgembed [options] <command>\n\n")
	fmt.Fprintf(w, "Commands:\n")

	for _, name := range []string{"run", "init", "status", "stop", "logs", "cleanup", "extensions", "version"} {
		if cmd, ok := a.commands[name]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", cmd.Name, cmd.Summary)
		}
	}

	if len(a.groups) > 0 {
		fmt.Fprintf(w, "\nCommand Groups:\n")
		names := slices.Sorted(maps.Keys(a.groups))
		for _, name := range names {
			fmt.Fprintf(w, "  %-12s %s\n", name, a.groups[name].Summary)
		}
	}

	fmt.Fprintf(w, "\nUse \"pgembed <group> help\" for group details.\n\n")
	fmt.Fprintf(w, "Options:\n")
}

// PrintHelp prints help for a specific group.
func (g *Group) PrintHelp(w io.Writer) {
	fmt.Fprintf(w, "Usage: pgembed %s <command>\n\n", g.Name)
	fmt.Fprintf(w, "Commands:\n")
	names := slices.Sorted(maps.Keys(g.Commands))
	for _, name := range names {
		cmd := g.Commands[name]
		fmt.Fprintf(w, "  %-12s %s\n", cmd.Name, cmd.Summary)
	}
	fmt.Fprintf(w, "\nUse \"pgembed %s <command> --help\" for command details.\n", g.Name)
}
