package nodeclient

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a failed node operation.
type Kind string

const (
	KindUnreachable       Kind = "unreachable"
	KindTimeout           Kind = "timeout"
	KindUpstream          Kind = "upstream_error"
	KindUnknownNode       Kind = "unknown_node"
	KindDependencyMissing Kind = "dependency_missing"
	KindStageBusy         Kind = "stage_busy"
	KindInvalidRequest    Kind = "invalid_request"
)

// Sentinels matched by errors.Is against any *Failure of the same kind.
var (
	ErrUnreachable       = errors.New("node unreachable")
	ErrTimeout           = errors.New("node call timed out")
	ErrUpstream          = errors.New("node returned an error")
	ErrUnknownNode       = errors.New("unknown node")
	ErrDependencyMissing = errors.New("pipeline dependency missing")
	ErrStageBusy         = errors.New("stage already running on node")
	ErrInvalidRequest    = errors.New("request could not be encoded")
)

func (k Kind) sentinel() error {
	switch k {
	case KindUnreachable:
		return ErrUnreachable
	case KindTimeout:
		return ErrTimeout
	case KindUpstream:
		return ErrUpstream
	case KindUnknownNode:
		return ErrUnknownNode
	case KindDependencyMissing:
		return ErrDependencyMissing
	case KindStageBusy:
		return ErrStageBusy
	case KindInvalidRequest:
		return ErrInvalidRequest
	default:
		return nil
	}
}

// Failure is the error returned by every node operation.
type Failure struct {
	Kind Kind
	Node string
	Op   string
	// Status and Body are set for KindUpstream.
	Status int
	Body   string
	Err    error
}

// NewFailure builds a failure of the given kind. A nil err defaults to the kind's sentinel.
func NewFailure(kind Kind, node, op string, err error) *Failure {
	if err == nil {
		err = kind.sentinel()
	}
	return &Failure{Kind: kind, Node: node, Op: op, Err: err}
}

func (f *Failure) Error() string {
	prefix := f.Node
	if f.Op != "" {
		prefix += " " + f.Op
	}
	if f.Kind == KindUpstream && f.Status != 0 {
		if f.Body != "" {
			return fmt.Sprintf("%s: %s: status %d: %s", prefix, f.Kind, f.Status, f.Body)
		}
		return fmt.Sprintf("%s: %s: status %d", prefix, f.Kind, f.Status)
	}
	if f.Err != nil && f.Err != f.Kind.sentinel() {
		return fmt.Sprintf("%s: %s: %v", prefix, f.Kind, f.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, f.Kind)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Is matches the sentinel of the failure's kind.
func (f *Failure) Is(target error) bool {
	s := f.Kind.sentinel()
	return s != nil && target == s
}

// KindOf extracts the failure kind of err. Errors that are not failures report KindUnreachable.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	for _, k := range []Kind{KindTimeout, KindUpstream, KindUnknownNode, KindDependencyMissing, KindStageBusy, KindInvalidRequest} {
		if errors.Is(err, k.sentinel()) {
			return k
		}
	}
	return KindUnreachable
}

// transportFailure classifies an error from http.Client.Do or a body read.
func transportFailure(node, op string, err error) *Failure {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewFailure(KindTimeout, node, op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return NewFailure(KindTimeout, node, op, err)
	}
	return NewFailure(KindUnreachable, node, op, err)
}
