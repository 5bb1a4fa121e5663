package ftp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Response is one complete server reply, possibly spanning several lines.
type Response struct {
	Code  int
	Lines []string
}

// Message returns the reply text without the code prefix.
func (r *Response) Message() string {
	if r == nil || len(r.Lines) == 0 {
		return ""
	}
	if len(r.Lines) == 1 {
		return trimCode(r.Lines[0])
	}
	parts := make([]string, 0, len(r.Lines))
	for _, l := range r.Lines {
		parts = append(parts, trimCode(l))
	}
	return strings.Join(parts, "\n")
}

// String returns the raw reply.
func (r *Response) String() string {
	if r == nil {
		return ""
	}
	return strings.Join(r.Lines, "\n")
}

func trimCode(line string) string {
	if len(line) >= 4 && isCodePrefix(line) {
		return strings.TrimSpace(line[4:])
	}
	return strings.TrimSpace(line)
}

func isCodePrefix(line string) bool {
	if len(line) < 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if line[i] < '0' || line[i] > '9' {
			return false
		}
	}
	return len(line) == 3 || line[3] == ' ' || line[3] == '-'
}

// readResponse reads one reply. Multi-line replies start with "ddd-" and
// end with a line starting "ddd " carrying the same code.
func readResponse(br *bufio.Reader) (*Response, error) {
	first, err := readLine(br)
	if err != nil {
		return nil, err
	}
	if !isCodePrefix(first) {
		return nil, fmt.Errorf("malformed reply %q", first)
	}
	code, _ := strconv.Atoi(first[:3])
	resp := &Response{Code: code, Lines: []string{first}}
	if len(first) == 3 || first[3] != '-' {
		return resp, nil
	}

	end := first[:3] + " "
	for {
		line, err := readLine(br)
		if err != nil {
			return nil, err
		}
		resp.Lines = append(resp.Lines, line)
		if strings.HasPrefix(line, end) || line == first[:3] {
			return resp, nil
		}
	}
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		if line != "" && errors.Is(err, io.EOF) {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
