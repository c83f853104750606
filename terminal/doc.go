// Package terminal implements the interactive command-line mode.
//
// Each line typed by the user becomes one turn of a single session run
// through the process bridge. Output is printed as it streams, with tool
// invocations recognised by the tools package summarised on their own line:
//
//	You: list the go files
//	Qodo: Let me look.
//	⏳ Tool call: list_files
//	main.go and main_test.go.
//
// This is mostly useful for checking how the CLI's output is classified
// without an editor attached.
//
// # Usage
//
//	b := bridge.New(opts)
//	defer b.Cleanup()
//	term := terminal.New(b, parser, false, os.Stdin, os.Stdout)
//	err := term.Run(ctx, initialPrompt)
//
// /quit, /exit or end of input ends the session.
package terminal
