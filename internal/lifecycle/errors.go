package lifecycle

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound  = errors.New("request not found")
	ErrForbidden = errors.New("actor may not perform this action")

	ErrAlreadyActive         = errors.New("you already have an active job")
	ErrAlreadyTaken          = errors.New("request already taken")
	ErrAlreadyRated          = errors.New("request already rated")
	ErrInvalidTransition     = errors.New("transition not allowed from current state")
	ErrQuoteNotPending       = errors.New("no quote awaiting a decision")
	ErrQuoteAwaitingApproval = errors.New("quote awaiting client approval")
	ErrWalletBlocked         = errors.New("wallet balance blocks new work")
	ErrInvalidCode           = errors.New("invalid completion code")
)

// ValidationError lists offending input fields. It is returned before any store write.
type ValidationError struct {
	Fields map[string]string
}

func (v *ValidationError) Error() string {
	keys := make([]string, 0, len(v.Fields))
	for k := range v.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, v.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func invalid(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindInvalidCode
	KindNotFound
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindInvalidCode:
		return "invalid_code"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	default:
		return "internal"
	}
}

// KindOf classifies err for callers that map failures onto a transport.
func KindOf(err error) Kind {
	var ve *ValidationError
	switch {
	case err == nil:
		return KindInternal
	case errors.As(err, &ve):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrWalletBlocked):
		return KindForbidden
	case errors.Is(err, ErrInvalidCode):
		return KindInvalidCode
	case errors.Is(err, ErrAlreadyActive),
		errors.Is(err, ErrAlreadyTaken),
		errors.Is(err, ErrAlreadyRated),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrQuoteNotPending),
		errors.Is(err, ErrQuoteAwaitingApproval):
		return KindConflict
	default:
		return KindInternal
	}
}

// conflictReason labels the conflicts_total metric.
func conflictReason(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyActive):
		return "already_active"
	case errors.Is(err, ErrAlreadyTaken):
		return "already_taken"
	case errors.Is(err, ErrAlreadyRated):
		return "already_rated"
	case errors.Is(err, ErrQuoteNotPending):
		return "quote_not_pending"
	case errors.Is(err, ErrQuoteAwaitingApproval):
		return "quote_awaiting_approval"
	case errors.Is(err, ErrInvalidCode):
		return "invalid_code"
	default:
		return "invalid_transition"
	}
}
