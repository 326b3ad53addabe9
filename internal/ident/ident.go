// Package ident defines the addresses used on the agent bus.
//
// An AgentID names one agent instance as "type/key"; a TopicID names a
// broadcast channel as "type/source". Both are comparable value types, so
// equality is always structural and they can be used directly as map keys.
package ident

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultKey is used when an AgentID or TopicID is built without a key.
const DefaultKey = "default"

// Separator splits the type from the key in the string form.
const Separator = "/"

var (
	// ErrInvalidFormat is returned when a string is not exactly "type/key".
	ErrInvalidFormat = errors.New("invalid address format")

	// ErrInvalidType is returned when the type part contains forbidden characters.
	ErrInvalidType = errors.New("invalid address type")

	// ErrInvalidKey is returned when the key part contains the separator.
	ErrInvalidKey = errors.New("invalid address key")
)

var (
	agentTypePattern = regexp.MustCompile(`^[\w\-.]+$`)
	topicTypePattern = regexp.MustCompile(`^[\w\-.:=]+$`)
)

// AgentID addresses a single agent instance.
type AgentID struct {
	Type string `json:"type" yaml:"type"`
	Key  string `json:"key" yaml:"key"`
}

// NewAgentID validates its inputs and returns an AgentID. An empty key
// becomes DefaultKey.
func NewAgentID(agentType, key string) (AgentID, error) {
	if key == "" {
		key = DefaultKey
	}
	if !agentTypePattern.MatchString(agentType) {
		return AgentID{}, fmt.Errorf("%w: %q", ErrInvalidType, agentType)
	}
	if strings.Contains(key, Separator) {
		return AgentID{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return AgentID{Type: agentType, Key: key}, nil
}

// MustAgentID is NewAgentID for static addresses; it panics on invalid input.
func MustAgentID(agentType, key string) AgentID {
	id, err := NewAgentID(agentType, key)
	if err != nil {
		panic(err)
	}
	return id
}

// ParseAgentID parses "type/key".
func ParseAgentID(s string) (AgentID, error) {
	typ, key, err := split(s)
	if err != nil {
		return AgentID{}, err
	}
	return NewAgentID(typ, key)
}

// String returns the canonical "type/key" form.
func (id AgentID) String() string {
	return id.Type + Separator + id.Key
}

// Equal reports structural equality.
func (id AgentID) Equal(other AgentID) bool {
	return id == other
}

// IsZero reports whether id is the zero value.
func (id AgentID) IsZero() bool {
	return id == AgentID{}
}

// MarshalText implements encoding.TextMarshaler so AgentIDs can key JSON/YAML maps.
func (id AgentID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *AgentID) UnmarshalText(text []byte) error {
	parsed, err := ParseAgentID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// TopicID addresses a broadcast channel.
type TopicID struct {
	Type   string `json:"type" yaml:"type"`
	Source string `json:"source" yaml:"source"`
}

// NewTopicID validates its inputs and returns a TopicID. An empty source
// becomes DefaultKey.
func NewTopicID(topicType, source string) (TopicID, error) {
	if source == "" {
		source = DefaultKey
	}
	if !topicTypePattern.MatchString(topicType) {
		return TopicID{}, fmt.Errorf("%w: %q", ErrInvalidType, topicType)
	}
	if strings.Contains(source, Separator) {
		return TopicID{}, fmt.Errorf("%w: %q", ErrInvalidKey, source)
	}
	return TopicID{Type: topicType, Source: source}, nil
}

// MustTopicID panics on invalid input.
func MustTopicID(topicType, source string) TopicID {
	id, err := NewTopicID(topicType, source)
	if err != nil {
		panic(err)
	}
	return id
}

// ParseTopicID parses "type/source".
func ParseTopicID(s string) (TopicID, error) {
	typ, source, err := split(s)
	if err != nil {
		return TopicID{}, err
	}
	return NewTopicID(typ, source)
}

// String returns the canonical "type/source" form.
func (t TopicID) String() string {
	return t.Type + Separator + t.Source
}

// Equal reports structural equality.
func (t TopicID) Equal(other TopicID) bool {
	return t == other
}

// MarshalText implements encoding.TextMarshaler.
func (t TopicID) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TopicID) UnmarshalText(text []byte) error {
	parsed, err := ParseTopicID(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// split enforces exactly one separator with text on both sides, so only
// strings String can produce are accepted.
func split(s string) (string, string, error) {
	parts := strings.Split(s, Separator)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("%w: %q must contain exactly one %q", ErrInvalidFormat, s, Separator)
	}
	if parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q has an empty part", ErrInvalidFormat, s)
	}
	return parts[0], parts[1], nil
}
