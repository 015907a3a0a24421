package slayers

import (
	"errors"
	"fmt"
	"time"
)

// Reason identifies why a request was rejected
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonMention    Reason = "mention"
	ReasonCooldown   Reason = "cooldown"
	ReasonFormat     Reason = "format"
	ReasonPermission Reason = "permission"
	ReasonDuplicate  Reason = "duplicate"
	ReasonSystem     Reason = "system"
)

func (r Reason) String() string {
	if r == ReasonNone {
		return "accepted"
	}
	return string(r)
}

// PermissionKind narrows down a ReasonPermission rejection
type PermissionKind string

const (
	PermissionNone PermissionKind = ""

	// PermissionAdministrator means the submitter is an administrator,
	// who is never renamed
	PermissionAdministrator PermissionKind = "administrator"

	// PermissionBotMissing means the bot lacks Manage Nicknames
	PermissionBotMissing PermissionKind = "bot_missing_permission"

	// PermissionHierarchy means the submitter's highest role is at or
	// above the bot's highest role
	PermissionHierarchy PermissionKind = "role_hierarchy"
)

var (
	ErrMention    = errors.New("message mentions a user instead of a name")
	ErrCooldown   = errors.New("name change on cooldown")
	ErrFormat     = errors.New("invalid request format")
	ErrPermission = errors.New("not permitted")
	ErrDuplicate  = errors.New("id already in use")
	ErrSystem     = errors.New("system error")
	ErrDelivery   = errors.New("message not delivered")
)

var reasonErrors = map[Reason]error{
	ReasonMention:    ErrMention,
	ReasonCooldown:   ErrCooldown,
	ReasonFormat:     ErrFormat,
	ReasonPermission: ErrPermission,
	ReasonDuplicate:  ErrDuplicate,
	ReasonSystem:     ErrSystem,
}

// RejectionError describes a rejected request. It unwraps to the
// sentinel for its Reason (ErrCooldown, ErrFormat, ...) and to the
// underlying cause, if there is one.
type RejectionError struct {
	Reason Reason

	// Remaining is the time left on the submitter's cooldown
	Remaining time.Duration

	// Holder is the user ID of the member already using the requested ID
	Holder string

	Permission PermissionKind

	Err error
}

func (e *RejectionError) Error() string {
	msg := e.sentinel().Error()
	switch {
	case e.Reason == ReasonCooldown:
		msg = fmt.Sprintf("%s (%s remaining)", msg, e.Remaining.Round(time.Second))
	case e.Reason == ReasonDuplicate && e.Holder != "":
		msg = fmt.Sprintf("%s (held by %s)", msg, e.Holder)
	case e.Permission != PermissionNone:
		msg = fmt.Sprintf("%s: %s", msg, e.Permission)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

func (e *RejectionError) Unwrap() []error {
	errs := []error{e.sentinel()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func (e *RejectionError) sentinel() error {
	if err, ok := reasonErrors[e.Reason]; ok {
		return err
	}
	return ErrSystem
}

func newRejection(reason Reason, cause error) *RejectionError {
	return &RejectionError{Reason: reason, Err: cause}
}

// ApplyError is the cause of a ReasonSystem rejection raised while
// applying a request, recording which mutations went through
type ApplyError struct {
	NicknameApplied bool
	RoleApplied     bool
	NicknameErr     error
	RoleErr         error
}

func (e *ApplyError) Error() string {
	switch {
	case e.NicknameErr != nil && e.RoleErr != nil:
		return fmt.Sprintf(
			"nickname and role not applied: %s; %s",
			e.NicknameErr, e.RoleErr,
		)
	case e.NicknameErr != nil && e.RoleApplied:
		return fmt.Sprintf("role applied, nickname not applied: %s", e.NicknameErr)
	case e.NicknameErr != nil:
		return fmt.Sprintf("nickname not applied: %s", e.NicknameErr)
	case e.RoleErr != nil && e.NicknameApplied:
		return fmt.Sprintf("nickname applied, role not applied: %s", e.RoleErr)
	case e.RoleErr != nil:
		return fmt.Sprintf("role not applied: %s", e.RoleErr)
	default:
		return "apply failed"
	}
}

func (e *ApplyError) Unwrap() []error {
	var errs []error
	if e.NicknameErr != nil {
		errs = append(errs, e.NicknameErr)
	}
	if e.RoleErr != nil {
		errs = append(errs, e.RoleErr)
	}
	return errs
}

// Partial reports whether one mutation succeeded while the other failed
func (e *ApplyError) Partial() bool {
	return e.NicknameApplied != e.RoleApplied
}

// ReasonOf returns the Reason carried by err, or ReasonSystem for any
// other non-nil error
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		return rejection.Reason
	}
	return ReasonSystem
}
