package retro

import (
	"errors"
	"fmt"
)

// Kind is the coarse error category. Every operation failure falls into
// exactly one kind; clients branch on Kind for policy (retry, surface
// to user) and on Code for cause.
type Kind string

const (
	// KindValidation: a payload field is out of bounds or malformed.
	KindValidation Kind = "VALIDATION"

	// KindAuthorization: wrong or missing signer, or an unusable
	// session token.
	KindAuthorization Kind = "AUTHORIZATION"

	// KindState: the records are in a state that forbids the
	// operation (wrong stage, closed board, record already exists).
	KindState Kind = "STATE"

	// KindBudget: the credit delta would exceed the remaining budget.
	KindBudget Kind = "BUDGET"
)

// Code identifies the exact failure cause. Codes are stable; clients
// may branch on them.
type Code string

const (
	// Validation codes.
	CodeNoCategories        Code = "NO_CATEGORIES"
	CodeTooManyCategories   Code = "TOO_MANY_CATEGORIES"
	CodeCategoryNameTooLong Code = "CATEGORY_NAME_TOO_LONG"
	CodeTooManyParticipants Code = "TOO_MANY_PARTICIPANTS"
	CodeInvalidCategory     Code = "INVALID_CATEGORY"
	CodeNoteTooLong         Code = "NOTE_TOO_LONG"
	CodeGroupTitleTooLong   Code = "GROUP_TITLE_TOO_LONG"
	CodeDescriptionTooLong  Code = "DESCRIPTION_TOO_LONG"
	CodeTooManyVerifiers    Code = "TOO_MANY_VERIFIERS"
	CodeThresholdTooLow     Code = "THRESHOLD_TOO_LOW"
	CodeThresholdTooHigh    Code = "THRESHOLD_TOO_HIGH"
	CodeOwnerIsVerifier     Code = "OWNER_IS_VERIFIER"
	CodeZeroCreditDelta     Code = "ZERO_CREDIT_DELTA"
	CodeInvalidStageValue   Code = "INVALID_STAGE_VALUE"

	// Authorization codes.
	CodeMissingSignature       Code = "MISSING_SIGNATURE"
	CodeNotFacilitator         Code = "NOT_FACILITATOR"
	CodeNotOnAllowlist         Code = "NOT_ON_ALLOWLIST"
	CodeNotAVerifier           Code = "NOT_A_VERIFIER"
	CodeNotAuthorizer          Code = "NOT_AUTHORIZER"
	CodeSessionExpired         Code = "SESSION_EXPIRED"
	CodeSessionWrongProgram    Code = "SESSION_WRONG_PROGRAM"
	CodeSessionWrongSigner     Code = "SESSION_WRONG_SIGNER"
	CodeSessionWrongAuthority  Code = "SESSION_WRONG_AUTHORITY"

	// State codes.
	CodeRecordMissing         Code = "RECORD_MISSING"
	CodeRecordExists          Code = "RECORD_EXISTS"
	CodeBoardClosed           Code = "BOARD_CLOSED"
	CodeBoardNotClosed        Code = "BOARD_NOT_CLOSED"
	CodeInvalidStage          Code = "INVALID_STAGE"
	CodeInvalidStageTransition Code = "INVALID_STAGE_TRANSITION"
	CodeNoteAlreadyGrouped    Code = "NOTE_ALREADY_GROUPED"
	CodeNoteNotGrouped        Code = "NOTE_NOT_GROUPED"
	CodeParentMismatch        Code = "PARENT_MISMATCH"
	CodeAddressMismatch       Code = "ADDRESS_MISMATCH"

	// Budget codes.
	CodeInsufficientCredits Code = "INSUFFICIENT_CREDITS"
)

// Error is the typed failure every operation returns. The whole
// operation is rolled back by the ledger when one is returned; there
// are never partial effects to clean up.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
}

func newError(kind Kind, code Code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func validationError(code Code, format string, args ...any) *Error {
	return newError(KindValidation, code, format, args...)
}

func authorizationError(code Code, format string, args ...any) *Error {
	return newError(KindAuthorization, code, format, args...)
}

func stateError(code Code, format string, args ...any) *Error {
	return newError(KindState, code, format, args...)
}

func budgetError(code Code, format string, args ...any) *Error {
	return newError(KindBudget, code, format, args...)
}

// CodeOf returns the error's code, or "" if err is not a *retro.Error.
// Uses errors.As to handle wrapped errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return kindOf(err) == KindValidation }

// IsAuthorization reports whether err is an authorization failure.
func IsAuthorization(err error) bool { return kindOf(err) == KindAuthorization }

// IsState reports whether err is a state-precondition failure.
func IsState(err error) bool { return kindOf(err) == KindState }

// IsBudget reports whether err is a credit-budget failure.
func IsBudget(err error) bool { return kindOf(err) == KindBudget }

func kindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
