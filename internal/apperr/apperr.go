// Package apperr defines the error taxonomy shared by the domain packages
// and maps it onto HTTP responses.
//
// Domain packages declare their own sentinels wrapping one of the base
// errors below, e.g.
//
//	var ErrEscrowNotFound = fmt.Errorf("escrow %w", apperr.ErrNotFound)
//
// so handlers can dispatch on the kind with errors.Is.
package apperr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gigvault/escrowd/internal/logging"
)

// Kind is the machine-readable error category returned to API callers.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindInvalidState       Kind = "invalid_state"
	KindInvalidArgument    Kind = "invalid_argument"
	KindUnauthorized       Kind = "unauthorized"
	KindConflict           Kind = "conflict"
	KindVerificationFailed Kind = "verification_failed"
	KindChainUnavailable   Kind = "chain_unavailable"
	KindChainSubmission    Kind = "chain_submission_failed"
	KindStorage            Kind = "storage_failure"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidState       = errors.New("invalid state for this operation")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrConflict           = errors.New("conflict")
	ErrVerificationFailed = errors.New("verification failed")
	ErrChainUnavailable   = errors.New("chain unavailable")
	ErrChainSubmission    = errors.New("chain submission failed")
)

// kinds is checked in order. ChainUnavailable precedes VerificationFailed
// because an unreachable indexer during a lock is reported as both.
var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrNotFound, KindNotFound},
	{ErrInvalidState, KindInvalidState},
	{ErrInvalidArgument, KindInvalidArgument},
	{ErrUnauthorized, KindUnauthorized},
	{ErrConflict, KindConflict},
	{ErrChainUnavailable, KindChainUnavailable},
	{ErrVerificationFailed, KindVerificationFailed},
	{ErrChainSubmission, KindChainSubmission},
}

// KindOf classifies err. Anything outside the taxonomy is a storage failure.
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindStorage
}

// Status returns the HTTP status code for a kind.
func Status(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidState, KindInvalidArgument, KindUnauthorized, KindVerificationFailed:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindChainSubmission:
		return http.StatusBadGateway
	case KindChainUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Respond writes err as {"error": kind, "message": ...}. Storage failures are
// logged and masked.
func Respond(c *gin.Context, err error) {
	kind := KindOf(err)
	status := Status(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed",
			"path", c.FullPath(),
			"error", err,
		)
		msg = "An unexpected error occurred"
	}
	c.JSON(status, gin.H{"error": string(kind), "message": msg})
}

// BadRequest writes a 400 invalid_argument response with a fixed message.
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": string(KindInvalidArgument), "message": message})
}
