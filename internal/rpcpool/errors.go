package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Code classifies a sync failure.
type Code string

const (
	CodeContractNotFound Code = "contract_not_found"
	CodeRPCUnreachable   Code = "rpc_unreachable"
	CodeSyncFailed       Code = "sync_failed"
)

// Error carries its classification from the point it was raised.
type Error struct {
	Code     Code
	Op       string
	Endpoint string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Endpoint != "" {
		fmt.Fprintf(&b, " (%s)", e.Endpoint)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// ContractNotFound builds the fatal error raised when no code exists at address.
func ContractNotFound(address string) *Error {
	return &Error{Code: CodeContractNotFound, Op: "code_at", Err: fmt.Errorf("no contract code at %s", address)}
}

var transientMarkers = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"fetch failed",
	"socket",
	"aborted",
	"eof",
	"no such host",
	"broken pipe",
}

// Classify returns the code of err. Typed errors keep their tag; untyped transport
// errors are classified once here.
func Classify(err error) Code {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeRPCUnreachable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CodeRPCUnreachable
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return CodeRPCUnreachable
		}
	}
	return CodeSyncFailed
}

// Wrap tags err with its classification unless it already carries one.
func Wrap(op, endpoint string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	return &Error{Code: Classify(err), Op: op, Endpoint: endpoint, Err: err}
}
