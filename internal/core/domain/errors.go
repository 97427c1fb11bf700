package domain

import (
	"errors"
	"fmt"
	"strings"
)

// AlreadyRecordedReason is the verifier's revert reason for a duplicate
// (DID, source chain, source tx) proof.
const AlreadyRecordedReason = "proof already recorded"

var (
	// ErrNonceConflict is returned when the node rejects a nonce as already used.
	ErrNonceConflict = errors.New("nonce conflict")
	// ErrAlreadyRecorded means the proof is already on chain; callers treat it as success.
	ErrAlreadyRecorded = errors.New("proof already recorded")
	// ErrUnresolvedDID means the locking address has no registered DID.
	ErrUnresolvedDID = errors.New("address has no registered DID")
	// ErrNotFound is returned by stores for missing records.
	ErrNotFound = errors.New("not found")
	// ErrReceiptTimeout is returned when a receipt did not appear in time.
	ErrReceiptTimeout = errors.New("receipt wait timed out")
)

// RPCError is a classified chain RPC failure.
type RPCError struct {
	Chain     ChainID
	Method    string
	Code      int
	Message   string
	Transient bool
	// Revert is set when the node reported an execution revert.
	Revert bool
	Err    error
}

func (e *RPCError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s %s: rpc error %d: %s", e.Chain, e.Method, e.Code, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Chain, e.Method, msg)
}

func (e *RPCError) Unwrap() error { return e.Err }

// IssuanceError is a classified credential issuer failure.
type IssuanceError struct {
	Op        string
	Status    int
	Message   string
	Transient bool
	Err       error
}

func (e *IssuanceError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("issuer %s: http %d: %s", e.Op, e.Status, msg)
	}
	return fmt.Sprintf("issuer %s: %s", e.Op, msg)
}

func (e *IssuanceError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Transient
	}
	var issErr *IssuanceError
	if errors.As(err, &issErr) {
		return issErr.Transient
	}
	return errors.Is(err, ErrReceiptTimeout)
}

// IsRevert reports whether err is an execution revert reported by a node.
func IsRevert(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Revert
}

// IsAlreadyRecorded reports whether err is the verifier rejecting a duplicate
// proof. Other reverts (wrong signer, paused verifier) do not match.
func IsAlreadyRecorded(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || !rpcErr.Revert {
		return false
	}
	return strings.Contains(strings.ToLower(rpcErr.Error()), AlreadyRecordedReason)
}
