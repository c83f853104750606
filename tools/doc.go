// Package tools recognises tool invocations in the qodo CLI's text output.
//
// The CLI prints narrative text, tool invocations and tool results as plain
// text, distinguishing them only by box-drawing decoration:
//
//	┌─ read_files
//	├── paths: package.json
//	└─── ✓ ✓ Success: File read successfully
//
// Parser matches the opening line against a configurable Vocabulary and
// reports the whole chunk as a single tool call. Chunks made only of
// continuation lines are dropped, everything else passes through as text.
// Detection is best effort: if the CLI changes its rendering, output simply
// degrades to text.
//
// Because the opening and closing lines of one invocation often arrive in
// different chunks, Parser alone reports most calls as pending. Tracker keeps
// the last pending call of a turn and turns a later closing marker into a
// status update.
package tools
