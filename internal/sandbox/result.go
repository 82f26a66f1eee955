// Package sandbox runs one untrusted skill per child process under a compile
// budget followed by an execution budget, and turns whatever happens into a
// well-formed Result.
package sandbox

import (
	"time"

	"ChainVoyager/internal/artifact"
	xerrors "ChainVoyager/internal/errors"
)

// Kind classifies a failed invocation.
type Kind string

const (
	KindNone              Kind = ""
	KindCompileError      Kind = "CompileError"
	KindRuntimeError      Kind = "RuntimeError"
	KindTimeout           Kind = "Timeout"
	KindProtocolViolation Kind = "ProtocolViolation"
	KindMalformedOutput   Kind = "MalformedOutput"
	KindMalformedReceipt  Kind = "MalformedReceipt"
)

// Code maps the kind onto the shared error registry.
func (k Kind) Code() xerrors.Code {
	switch k {
	case KindCompileError:
		return xerrors.CodeCompile
	case KindRuntimeError:
		return xerrors.CodeRuntime
	case KindTimeout:
		return xerrors.CodeTimeout
	case KindProtocolViolation:
		return xerrors.CodeProtocolViolation
	case KindMalformedOutput:
		return xerrors.CodeMalformedOutput
	case KindMalformedReceipt:
		return xerrors.CodeMalformedReceipt
	default:
		return xerrors.CodeUnknown
	}
}

// TimedOut is the error text of every Timeout result.
const TimedOut = "timed out"

// Result is produced exactly once per invocation. OK == false always comes
// with a non-empty Error and a zero Reward.
type Result struct {
	OK         bool
	Reward     float64
	DoneReason string
	Artifact   *artifact.Artifact
	Receipt    []byte
	Error      string
	Kind       Kind
	Writes     map[string]string
	Logs       []string
	Stderr     string
	Duration   time.Duration
}

// Err returns the failure as a coded error, nil for successful results.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return xerrors.New(r.Kind.Code(), r.Error)
}

func failure(kind Kind, msg string) Result {
	if msg == "" {
		msg = xerrors.AttributesOf(kind.Code()).Message
	}
	return Result{Kind: kind, Error: msg}
}
