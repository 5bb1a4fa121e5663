package ftp

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConnClosed reports that the command connection is gone.
	ErrConnClosed = errors.New("ftp: connection closed")
	// ErrActiveBlocked matches data connection failures that are typical for
	// a firewall or NAT between server and client in active mode.
	ErrActiveBlocked = errors.New("ftp: active mode data connection blocked")
	// ErrNotSeekable is returned when resume is requested on a stream that
	// cannot seek.
	ErrNotSeekable = errors.New("ftp: stream does not support seeking")
)

// ConnError is a network level failure on the command connection.
type ConnError struct {
	Session string
	Op      string // "dial", "tls", "read", "write"
	Err     error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("ftp session %s: %s: %v", e.Session, e.Op, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// ProtocolError is an unhappy response to a command.
type ProtocolError struct {
	Session  string
	Command  string
	Code     int
	Response string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ftp session %s: %s: %s", e.Session, e.Command, e.Response)
}

// Transient reports whether the server classified the failure as temporary (4xx).
func (e *ProtocolError) Transient() bool {
	return e.Code >= 400 && e.Code < 500
}

// TimeoutError reports that no happy or unhappy response arrived in time.
type TimeoutError struct {
	Session string
	Command string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ftp session %s: %s: no response after %s", e.Session, e.Command, e.After)
}

func (e *TimeoutError) Timeout() bool { return true }

// DataConnKind classifies data connection failures.
type DataConnKind int

const (
	// DataConnOpen means the data connection could not be opened.
	DataConnOpen DataConnKind = iota
	// DataConnTimeout means the server did not connect back in time (active mode).
	DataConnTimeout
	// DataConnRefused means the server refused the PORT address or could
	// not open the connection (425).
	DataConnRefused
	// DataConnBroken means the connection failed mid-transfer.
	DataConnBroken
)

var dataConnKindToString = map[DataConnKind]string{
	DataConnOpen:    "open failed",
	DataConnTimeout: "timeout",
	DataConnRefused: "refused",
	DataConnBroken:  "broken",
}

func (k DataConnKind) String() string {
	if s, ok := dataConnKindToString[k]; ok {
		return s
	}
	return fmt.Sprintf("unknown_data_conn_kind(%d)", k)
}

// DataConnError is a failure to establish or use a data connection.
type DataConnError struct {
	Session string
	Kind    DataConnKind
	Active  bool
	Err     error
}

func (e *DataConnError) Error() string {
	mode := "passive"
	if e.Active {
		mode = "active"
	}
	return fmt.Sprintf("ftp session %s: %s data connection %s: %v", e.Session, mode, e.Kind, e.Err)
}

func (e *DataConnError) Unwrap() error { return e.Err }

// Is matches ErrActiveBlocked for active mode connections that the server
// refused or never established.
func (e *DataConnError) Is(target error) bool {
	if target != ErrActiveBlocked {
		return false
	}
	return e.Active && (e.Kind == DataConnTimeout || e.Kind == DataConnRefused)
}

// IntegrityError reports a hash mismatch after a transfer.
type IntegrityError struct {
	Session string
	Name    string
	Algo    HashAlgo
	Local   string
	Remote  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ftp session %s: %s checksum mismatch for %s: local %s, remote %s", e.Session, e.Algo, e.Name, e.Local, e.Remote)
}

// AuthError reports a rejected login.
type AuthError struct {
	Session string
	User    string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("ftp session %s: login as %q rejected: %v", e.Session, e.User, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ResponseCode returns the reply code carried by a ProtocolError in err's
// chain, or 0.
func ResponseCode(err error) int {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return 0
}

// IsConnLost reports whether err means the session can no longer be used.
func IsConnLost(err error) bool {
	var ce *ConnError
	var te *TimeoutError
	if errors.As(err, &ce) || errors.As(err, &te) || errors.Is(err, ErrConnClosed) {
		return true
	}
	return ResponseCode(err) == 421
}

// SessionOf returns the id of the session that produced err, or "".
func SessionOf(err error) string {
	var (
		ce *ConnError
		pe *ProtocolError
		te *TimeoutError
		de *DataConnError
		ie *IntegrityError
		ae *AuthError
	)
	switch {
	case errors.As(err, &pe):
		return pe.Session
	case errors.As(err, &de):
		return de.Session
	case errors.As(err, &ie):
		return ie.Session
	case errors.As(err, &te):
		return te.Session
	case errors.As(err, &ce):
		return ce.Session
	case errors.As(err, &ae):
		return ae.Session
	}
	return ""
}
