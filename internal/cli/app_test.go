// pattern: Functional Core
package cli

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func newTestApp() (*App, *bytes.Buffer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return NewApp("1.0.0", out, errOut), out, errOut
}

func TestApp_PrintHelp_ShowsGroupedCommands(t *testing.T) {
	app, _, _ := newTestApp()
	app.AddGroup("db", "Manage databases")

	buf := &bytes.Buffer{}
	app.PrintHelp(buf)

	output := buf.String()
	if output == "" {
		t.Fatal("PrintHelp produced no output")
	}
	if !strings.Contains(output, "Command Groups") {
		t.Errorf("Help missing 'Command Groups' section")
	}
	if !strings.Contains(output, "db") {
		t.Errorf("Help missing 'db' group")
	}
}

func TestApp_Execute_NoArgs_PrintsHelp(t *testing.T) {
	app, _, errOut := newTestApp()

	code := app.Execute(nil)
	if code != 2 {
		t.Errorf("Execute(nil) returned %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "Usage:") {
		t.Errorf("Execute(nil) did not print help, got: %s", errOut.String())
	}
}

func TestApp_Execute_UngroupedCommand_Dispatches(t *testing.T) {
	app, _, _ := newTestApp()
	called := false
	app.AddCommand(&Command{
		Name:    "version",
		Summary: "Print version",
		Usage:   "Usage: pgembed version",
		Run: func(args []string) error {
			called = true
			return nil
		},
	})

	code := app.Execute([]string{"version"})
	if code != 0 {
		t.Errorf("Execute returned %d, want 0", code)
	}
	if !called {
		t.Errorf("Command Run was not called")
	}
}

func TestApp_Execute_CommandError_ReturnsOne(t *testing.T) {
	app, _, errOut := newTestApp()
	app.AddCommand(&Command{
		Name:    "stop",
		Summary: "Stop the server",
		Usage:   "Usage: pgembed stop",
		Run: func(args []string) error {
			return errors.New("boom")
		},
	})

	code := app.Execute([]string{"stop"})
	if code != 1 {
		t.Errorf("Execute returned %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "error: boom") {
		t.Errorf("stderr missing error message, got: %s", errOut.String())
	}
}

func TestApp_Execute_GroupCommand_Dispatches(t *testing.T) {
	app, _, _ := newTestApp()
	group := app.AddGroup("db", "Manage databases")

	called := false
	passedArgs := []string(nil)
	group.AddCommand(&Command{
		Name:    "create",
		Summary: "Create a database",
		Usage:   "Usage: pgembed db create <name>",
		Run: func(args []string) error {
			called = true
			passedArgs = args
			return nil
		},
	})

	code := app.Execute([]string{"db", "create", "app"})
	if code != 0 {
		t.Errorf("Execute returned %d, want 0", code)
	}
	if !called {
		t.Errorf("Command Run was not called")
	}
	if len(passedArgs) != 1 || passedArgs[0] != "app" {
		t.Errorf("Command received args %v, want [app]", passedArgs)
	}
}

func TestApp_Execute_GroupHelp_PrintsGroupCommands(t *testing.T) {
	app, _, errOut := newTestApp()
	group := app.AddGroup("db", "Manage databases")
	group.AddCommand(&Command{
		Name:    "create",
		Summary: "Create a database",
		Usage:   "Usage: pgembed db create <name>",
		Run:     func(args []string) error { return nil },
	})

	for _, helpArg := range []string{"help", "--help", "-h"} {
		t.Run(helpArg, func(t *testing.T) {
			errOut.Reset()
			code := app.Execute([]string{"db", helpArg})
			if code != 2 {
				t.Errorf("Execute returned %d, want 2", code)
			}
			if !strings.Contains(errOut.String(), "create") {
				t.Errorf("Group help missing 'create' command, got: %s", errOut.String())
			}
		})
	}
}

func TestApp_Execute_CommandHelp_PrintsUsage(t *testing.T) {
	app, _, errOut := newTestApp()
	group := app.AddGroup("db", "Manage databases")

	runCalled := false
	group.AddCommand(&Command{
		Name:    "create",
		Summary: "Create a database",
		Usage:   "Usage: pgembed db create <name> [data-dir]",
		Run: func(args []string) error {
			runCalled = true
			return nil
		},
	})

	code := app.Execute([]string{"db", "create", "--help"})
	if code != 0 {
		t.Errorf("Execute with --help returned %d, want 0", code)
	}
	if runCalled {
		t.Errorf("Command Run was called, should have printed usage instead")
	}
	if !strings.Contains(errOut.String(), "Usage: pgembed db create") {
		t.Errorf("Usage output missing expected string, got: %s", errOut.String())
	}
}

func TestApp_Execute_UnknownCommand_ReturnsUsageError(t *testing.T) {
	app, _, errOut := newTestApp()

	code := app.Execute([]string{"bogus"})
	if code != 2 {
		t.Errorf("Execute returned %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "unknown command: bogus") {
		t.Errorf("stderr missing unknown command message, got: %s", errOut.String())
	}
}

func TestApp_Execute_UnknownGroupCommand_ReturnsUsageError(t *testing.T) {
	app, _, errOut := newTestApp()
	app.AddGroup("db", "Manage databases")

	code := app.Execute([]string{"db", "bogus"})
	if code != 2 {
		t.Errorf("Execute returned %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "unknown command: db bogus") {
		t.Errorf("stderr missing unknown command message, got: %s", errOut.String())
	}
}
