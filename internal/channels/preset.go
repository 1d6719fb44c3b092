package channels

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultScope prefixes every studio channel name.
	DefaultScope = "studio"

	ResourceQuotes        = "quotes"
	ResourceTasks         = "tasks"
	ResourceLogs          = "logs"
	ResourceNotifications = "notifications"

	topicSeparator = ":"
)

var (
	// ErrInvalidTopic indicates a channel name that does not follow scope:tenant:resource.
	ErrInvalidTopic = errors.New("channels: invalid topic")
	// ErrUnknownResource indicates a resource without a registered preset.
	ErrUnknownResource = errors.New("channels: unknown resource")
)

// Preset captures the per-resource channel conventions.
type Preset struct {
	Resource string
	Scope    string
	// Private channels are checked by the transport's access control.
	Private bool
	// RequiresAuth makes the handshake fail when no identity is signed in.
	RequiresAuth bool
	// RequiresMembership adds the tenant membership check before opening.
	RequiresMembership bool
	BroadcastSelf      bool
	BroadcastAck       bool
}

var presets = map[string]Preset{
	ResourceQuotes: {
		Resource:           ResourceQuotes,
		Scope:              DefaultScope,
		Private:            true,
		RequiresAuth:       true,
		RequiresMembership: true,
		BroadcastAck:       true,
	},
	ResourceTasks: {
		Resource:           ResourceTasks,
		Scope:              DefaultScope,
		Private:            true,
		RequiresAuth:       true,
		RequiresMembership: true,
		BroadcastSelf:      true,
		BroadcastAck:       true,
	},
	ResourceLogs: {
		Resource:     ResourceLogs,
		Scope:        DefaultScope,
		Private:      true,
		RequiresAuth: true,
	},
	ResourceNotifications: {
		Resource:      ResourceNotifications,
		Scope:         DefaultScope,
		BroadcastSelf: true,
	},
}

// LookupPreset returns the preset registered for the resource.
func LookupPreset(resource string) (Preset, error) {
	preset, ok := presets[strings.ToLower(strings.TrimSpace(resource))]
	if !ok {
		return Preset{}, fmt.Errorf("%w: %q", ErrUnknownResource, resource)
	}
	return preset, nil
}

// Config selects the channel to open for one tenant.
type Config struct {
	Preset
	TenantID string
}

// Topic returns the channel name for the configuration.
func (c Config) Topic() string {
	scope := c.Scope
	if scope == "" {
		scope = DefaultScope
	}
	return TopicName(scope, c.TenantID, c.Resource)
}

func (c Config) validate() error {
	if strings.TrimSpace(c.TenantID) == "" {
		return fmt.Errorf("%w: empty tenant", ErrInvalidTopic)
	}
	if strings.TrimSpace(c.Resource) == "" {
		return fmt.Errorf("%w: empty resource", ErrInvalidTopic)
	}
	if strings.Contains(c.TenantID, topicSeparator) || strings.Contains(c.Resource, topicSeparator) {
		return fmt.Errorf("%w: separator in segment", ErrInvalidTopic)
	}
	return nil
}

// TopicName formats "<scope>:<tenantId>:<resource>".
func TopicName(scope, tenantID, resource string) string {
	return scope + topicSeparator + tenantID + topicSeparator + resource
}

// ParseTopic splits a channel name into its scope, tenant and resource.
func ParseTopic(topic string) (scope, tenantID, resource string, err error) {
	segments := strings.Split(topic, topicSeparator)
	if len(segments) != 3 {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	for _, segment := range segments {
		if strings.TrimSpace(segment) == "" {
			return "", "", "", fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
		}
	}
	return segments[0], segments[1], segments[2], nil
}
