package gpib

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/arloliu/go-gpib/internal/util"
)

// DefaultTerminator is the terminator appended to outgoing commands.
const DefaultTerminator = "\n"

var errTruncatedResponse = errors.New("truncated response: deadline expired before terminator")

// Protocol frames outgoing commands and parses incoming responses.
//
// The zero value is not usable; use NewProtocol.
type Protocol struct {
	terminator []byte
}

// NewProtocol returns a protocol using terminator for framing and parsing.
func NewProtocol(terminator []byte) (Protocol, error) {
	if len(terminator) == 0 {
		return Protocol{}, errors.New("gpib: terminator must not be empty")
	}

	return Protocol{terminator: util.CloneSlice(terminator, 0)}, nil
}

// Terminator returns a copy of the configured terminator.
func (p Protocol) Terminator() []byte {
	return util.CloneSlice(p.terminator, 0)
}

// Frame returns the exact bytes to write for cmd.
//
// The terminator is appended unless cmd already ends with it; a command is
// never double-terminated. Non-ASCII commands fail with ErrProtocol.
func (p Protocol) Frame(cmd string) ([]byte, error) {
	if !util.IsASCII(cmd) {
		return nil, &Error{Kind: ErrProtocol, Op: OpWrite, Err: fmt.Errorf("command %q is not ASCII", cmd)}
	}

	if strings.HasSuffix(cmd, string(p.terminator)) {
		return []byte(cmd), nil
	}

	framed := make([]byte, 0, len(cmd)+len(p.terminator))
	framed = append(framed, cmd...)
	framed = append(framed, p.terminator...)

	return framed, nil
}

// IsQuery reports whether cmd is a query: its last non-whitespace character is '?'.
func IsQuery(cmd string) bool {
	trimmed := strings.TrimRightFunc(cmd, unicode.IsSpace)
	return strings.HasSuffix(trimmed, "?")
}

// Response is the parsed result of a query.
type Response struct {
	// Raw holds the bytes received, including the terminator if one arrived.
	Raw []byte
	// Text is the response with one trailing terminator removed.
	Text string
	// Elapsed is the wall-clock duration of the read.
	Elapsed time.Duration
	// End tells how the read completed.
	End ReadEnd
	// Partial is set when the read ended on its deadline instead of a terminator.
	Partial bool
}

// String returns the response text.
func (r *Response) String() string {
	if r == nil {
		return ""
	}

	return r.Text
}

// Parse converts a raw read into a Response.
//
// One trailing terminator is stripped. A read that ended on its deadline is
// returned as a partial Response together with an ErrProtocol error, never
// silently as a complete result.
func (p Protocol) Parse(res ReadResult, elapsed time.Duration) (*Response, error) {
	raw := util.CloneSlice(res.Data, 0)
	text, _ := util.TrimSuffixOnce(raw, p.terminator)

	resp := &Response{
		Raw:     raw,
		Text:    string(text),
		Elapsed: elapsed,
		End:     res.End,
	}

	if res.End == EndDeadline {
		resp.Partial = true
		return resp, &Error{Kind: ErrProtocol, Op: OpRead, Elapsed: elapsed, Err: errTruncatedResponse}
	}

	return resp, nil
}

// HasTerminator reports whether data ends with the configured terminator.
func (p Protocol) HasTerminator(data []byte) bool {
	return bytes.HasSuffix(data, p.terminator)
}
