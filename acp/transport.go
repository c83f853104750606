package acp

import (
	"bufio"
	"bytes"
	"io"
)

// Transport moves whole JSON-RPC messages. Implementations need not be safe
// for concurrent writes; the Server serializes them.
type Transport interface {
	// ReadMessage returns the next message, or io.EOF once the peer is gone.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
}

// StdioTransport frames messages as newline-delimited JSON.
type StdioTransport struct {
	in  *bufio.Reader
	out *bufio.Writer
}

func NewStdioTransport(r io.Reader, w io.Writer) *StdioTransport {
	return &StdioTransport{
		in:  bufio.NewReaderSize(r, 1<<20),
		out: bufio.NewWriter(w),
	}
}

func (t *StdioTransport) ReadMessage() ([]byte, error) {
	// Lines are read whole so large prompts are never split.
	line, err := t.in.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) > 0 {
			return bytes.TrimRight(line, "\r\n"), nil
		}
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

func (t *StdioTransport) WriteMessage(data []byte) error {
	if _, err := t.out.Write(data); err != nil {
		return err
	}
	// A trailing newline tells the client the message is complete.
	if err := t.out.WriteByte('\n'); err != nil {
		return err
	}
	return t.out.Flush()
}
