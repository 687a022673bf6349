package master

import (
	"fmt"
	"regexp"
)

// MaximumTreeDepth bounds the account tree. The root account is at depth 1;
// no account may be created deeper than this.
const MaximumTreeDepth = 7

// AccountingCode identifies an account (tenant) in the hierarchical tree.
type AccountingCode string

// UserID identifies an administrator.
type UserID string

// HostID identifies a managed server.
type HostID int

var (
	accountingRegexp = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{1,31}$`)
	userIDRegexp     = regexp.MustCompile(`^[a-z][a-z0-9_.]{0,254}$`)
)

// ParseAccountingCode validates and returns an accounting code.
// Codes are 2-32 characters, start with a letter, and contain only
// letters, digits and underscores.
func ParseAccountingCode(s string) (AccountingCode, error) {
	if !accountingRegexp.MatchString(s) {
		return "", fmt.Errorf("invalid accounting code %q", s)
	}
	return AccountingCode(s), nil
}

// ParseUserID validates and returns an administrator username.
func ParseUserID(s string) (UserID, error) {
	if !userIDRegexp.MatchString(s) {
		return "", fmt.Errorf("invalid username %q", s)
	}
	return UserID(s), nil
}

func (a AccountingCode) String() string { return string(a) }

func (u UserID) String() string { return string(u) }

// RequestSource exposes the authenticated caller for one request. It is
// immutable for the duration of the request; the protocol/session layer
// that produces it is an external collaborator.
type RequestSource interface {
	// Username returns the authenticated administrator.
	Username() UserID

	// ProtocolVersion returns the negotiated client protocol version.
	ProtocolVersion() string
}

// StaticSource is a RequestSource with fixed values, used by internal
// callers and tests.
type StaticSource struct {
	User    UserID
	Version string
}

func (s StaticSource) Username() UserID        { return s.User }
func (s StaticSource) ProtocolVersion() string { return s.Version }
