// Package commandline implements a line based text protocol. Each request
// is one line made of a command name and an optional body:
//
//	ECHO hello world\r\n
//
// The body is also split on whitespace into parameters.
package commandline

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/core"
)

const DefaultMaxRequestLength = 4096

// ErrRequestTooLong is returned when a line exceeds the configured maximum.
// It wraps core.ErrProtocolViolation so the server closes the session.
var ErrRequestTooLong = fmt.Errorf("%w: request line too long", core.ErrProtocolViolation)

// Request is one decoded command line.
type Request struct {
	Command    string
	Body       string
	Parameters []string
}

// Key returns the command name.
func (r *Request) Key() string { return r.Command }

// Param returns the i-th parameter or "" when there is none.
func (r *Request) Param(i int) string {
	if i < 0 || i >= len(r.Parameters) {
		return ""
	}
	return r.Parameters[i]
}

// Parse splits a single line (without terminator) into a request. It
// returns nil for blank lines.
func Parse(line string) *Request {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	command, body, _ := strings.Cut(line, " ")
	body = strings.TrimSpace(body)
	return &Request{
		Command:    command,
		Body:       body,
		Parameters: strings.Fields(body),
	}
}

// Protocol builds decoders for the command line protocol.
type Protocol struct {
	maxLength int
}

// New returns a protocol accepting lines of up to maxLength bytes, not
// counting the terminator. Non-positive values select the default.
func New(maxLength int) *Protocol {
	if maxLength <= 0 {
		maxLength = DefaultMaxRequestLength
	}
	return &Protocol{maxLength: maxLength}
}

func (p *Protocol) MaxLength() int { return p.maxLength }

func (p *Protocol) NewDecoder(r io.Reader) core.Decoder[*Request] {
	return &decoder{
		reader:    bufio.NewReaderSize(r, p.maxLength+2),
		maxLength: p.maxLength,
	}
}

type decoder struct {
	reader    *bufio.Reader
	maxLength int
}

// Decode returns the next non-blank line. A partial line at the end of the
// stream yields io.ErrUnexpectedEOF.
func (d *decoder) Decode() (*Request, error) {
	for {
		line, err := d.reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, ErrRequestTooLong
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		line = bytes.TrimSuffix(line[:len(line)-1], []byte{'\r'})
		if len(line) > d.maxLength {
			return nil, ErrRequestTooLong
		}
		if req := Parse(string(line)); req != nil {
			return req, nil
		}
	}
}
