package slayers

import (
	"errors"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestRejectionError(t *testing.T) {
	t.Parallel()

	t.Run(
		"cooldown", func(t *testing.T) {
			err := newRejection(ReasonCooldown, nil)
			err.Remaining = 290 * time.Second
			assert.Equal(t, "name change on cooldown (4m50s remaining)", err.Error())
			assert.ErrorIs(t, err, ErrCooldown)
			assert.NotErrorIs(t, err, ErrFormat)
		},
	)

	t.Run(
		"duplicate", func(t *testing.T) {
			err := newRejection(ReasonDuplicate, nil)
			err.Holder = "42"
			assert.Equal(t, "id already in use (held by 42)", err.Error())
			assert.ErrorIs(t, err, ErrDuplicate)
		},
	)

	t.Run(
		"permission", func(t *testing.T) {
			err := newRejection(ReasonPermission, nil)
			err.Permission = PermissionHierarchy
			assert.Equal(t, "not permitted: role_hierarchy", err.Error())
			assert.ErrorIs(t, err, ErrPermission)
		},
	)

	t.Run(
		"with cause", func(t *testing.T) {
			cause := errors.New("name and id not found")
			err := newRejection(ReasonFormat, cause)
			assert.Equal(t, "invalid request format: name and id not found", err.Error())
			assert.ErrorIs(t, err, ErrFormat)
			assert.ErrorIs(t, err, cause)
		},
	)

	t.Run(
		"unknown reason", func(t *testing.T) {
			err := newRejection(Reason("bogus"), nil)
			assert.ErrorIs(t, err, ErrSystem)
		},
	)
}

func TestApplyError(t *testing.T) {
	t.Parallel()

	roleErr := errors.New("missing access")
	nickErr := errors.New("unknown member")

	tests := []struct {
		name     string
		err      *ApplyError
		expected string
		partial  bool
	}{
		{
			name:     "role failed",
			err:      &ApplyError{NicknameApplied: true, RoleErr: roleErr},
			expected: "nickname applied, role not applied: missing access",
			partial:  true,
		},
		{
			name:     "nickname failed",
			err:      &ApplyError{RoleApplied: true, NicknameErr: nickErr},
			expected: "role applied, nickname not applied: unknown member",
			partial:  true,
		},
		{
			name:     "both failed",
			err:      &ApplyError{NicknameErr: nickErr, RoleErr: roleErr},
			expected: "nickname and role not applied: unknown member; missing access",
			partial:  false,
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, tc.err.Error())
				assert.Equal(t, tc.partial, tc.err.Partial())

				rejection := newRejection(ReasonSystem, tc.err)
				assert.ErrorIs(t, rejection, ErrSystem)

				var applyErr *ApplyError
				require.ErrorAs(t, rejection, &applyErr)
				assert.Same(t, tc.err, applyErr)
				if tc.err.RoleErr != nil {
					assert.ErrorIs(t, rejection, roleErr)
				}
				if tc.err.NicknameErr != nil {
					assert.ErrorIs(t, rejection, nickErr)
				}
			},
		)
	}
}

func TestReasonOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ReasonNone, ReasonOf(nil))
	assert.Equal(t, ReasonSystem, ReasonOf(errors.New("boom")))
	assert.Equal(
		t,
		ReasonDuplicate,
		ReasonOf(fmt.Errorf("wrapped: %w", newRejection(ReasonDuplicate, nil))),
	)
	assert.Equal(t, "accepted", ReasonNone.String())
	assert.Equal(t, "cooldown", ReasonCooldown.String())
}
