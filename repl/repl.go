// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package repl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Returned by a handler to end the repl normally. The handler's result still gets written
var ErrQuit = errors.New("quit")

type MessageHandler func(string, *Repl) (string, error)

// ReadCloser combines the Reader and Closer interfaces
type ReadCloser interface {
	io.Reader
	io.Closer
}

type Repl struct {
	Input  ReadCloser
	Output io.WriteCloser
	// Written before every command, empty for none
	Prompt  string
	scanner *bufio.Scanner
	// Guards writer, notifications may come in from other goroutines
	lock   sync.Mutex
	writer *bufio.Writer
}

// Creates a new repl
// If no input is given, stdin will be used
// If no output is given, stdout will be used
// Note: The given reader and writer will be closed if the repl is started and then stops
func NewRepl(in ReadCloser, out io.WriteCloser) *Repl {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	return &Repl{
		Input:   in,
		Output:  out,
		scanner: bufio.NewScanner(in),
		writer:  bufio.NewWriter(out),
	}
}

// Starts the repl
// Blocks execution until the input ends or a handler returns ErrQuit
// Handler errors are written back as the command's result and don't stop the repl.
// Only failing to write does, after calling Close
func (r *Repl) Run(onMessage MessageHandler) error {
	if err := r.prompt(); err != nil {
		r.Close()
		return err
	}
	for r.scanner.Scan() {
		newMessage := strings.TrimSpace(r.scanner.Text())
		if newMessage == "" {
			if err := r.prompt(); err != nil {
				r.Close()
				return err
			}
			continue
		}
		res, err := onMessage(newMessage, r)
		if errors.Is(err, ErrQuit) {
			r.Println(res)
			r.Close()
			return nil
		}
		if err != nil {
			res = "error: " + err.Error()
		}
		if err = r.Println(res); err != nil {
			r.Close()
			return fmt.Errorf("failed to write result \"%s\": %w", res, err)
		}
		if err = r.prompt(); err != nil {
			r.Close()
			return err
		}
	}
	if err := r.scanner.Err(); err != nil {
		r.Close()
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

// Println writes one line of output. Safe to call from any goroutine
func (r *Repl) Println(line string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, err := r.writer.WriteString(line + "\n"); err != nil {
		return err
	}
	if err := r.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush writer: %w", err)
	}
	return nil
}

func (r *Repl) prompt() error {
	if r.Prompt == "" {
		return nil
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, err := r.writer.WriteString(r.Prompt); err != nil {
		return err
	}
	return r.writer.Flush()
}

// Close stops the repl if it was still running
// This will also close the reader and writer
func (r *Repl) Close() {
	r.Input.Close()
	r.Output.Close()
}
