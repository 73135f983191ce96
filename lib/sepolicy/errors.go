package sepolicy

import "errors"

var (
	// ErrNoPolicy is returned when no policy source exists
	ErrNoPolicy = errors.New("no selinux policy found")

	// ErrCommit is returned when the merged policy cannot be loaded or published
	ErrCommit = errors.New("cannot commit selinux policy")

	// ErrInvalidRule is returned for a rule the policy tool cannot accept
	ErrInvalidRule = errors.New("invalid policy rule")
)
