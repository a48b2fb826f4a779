package realtime

import (
	"fmt"
	"strings"
	"unicode"
)

// ChannelKey addresses a fan-out scope, e.g. "thread:42".
type ChannelKey string

type Scope string

const (
	ScopeCommunity Scope = "community"
	ScopeThread    Scope = "thread"
	ScopeGlobal    Scope = "global"
)

// GlobalNotifications is the channel every connection joins on connect.
const GlobalNotifications ChannelKey = "global:notifications"

func CommunityChannel(communityID string) ChannelKey {
	return ChannelKey(string(ScopeCommunity) + ":" + communityID)
}

func ThreadChannel(threadID string) ChannelKey {
	return ChannelKey(string(ScopeThread) + ":" + threadID)
}

// ParseChannel validates s as "scope:identifier".
func ParseChannel(s string) (ChannelKey, error) {
	scope, id, ok := strings.Cut(s, ":")
	if !ok {
		return "", fmt.Errorf("%w: %q has no scope", ErrInvalidChannel, s)
	}
	switch Scope(scope) {
	case ScopeCommunity, ScopeThread, ScopeGlobal:
	default:
		return "", fmt.Errorf("%w: unknown scope %q", ErrInvalidChannel, scope)
	}
	if err := validIdentifier(id); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidChannel, err)
	}
	return ChannelKey(s), nil
}

func (k ChannelKey) Scope() Scope {
	scope, _, _ := strings.Cut(string(k), ":")
	return Scope(scope)
}

func (k ChannelKey) ID() string {
	_, id, _ := strings.Cut(string(k), ":")
	return id
}

func (k ChannelKey) String() string { return string(k) }

func validIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("empty identifier")
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("identifier %q contains whitespace", id)
		}
	}
	return nil
}
