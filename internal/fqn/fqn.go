// Package fqn handles fully qualified host names of the form
// "<name>@<url-encoded location>[-<nodeId>]".
package fqn

import (
	"fmt"
	"net/url"
	"strings"
)

// FQN is a parsed fully qualified host name.
type FQN struct {
	Name     string
	Location string
	NodeID   string
}

// Format builds the canonical FQN string. The location is URL-encoded so
// that spaces and separators survive transport in paths and JSON keys.
func Format(name, location, nodeID string) string {
	s := name + "@" + url.QueryEscape(location)
	if nodeID != "" {
		s += "-" + nodeID
	}
	return s
}

// String returns the canonical encoding of f.
func (f FQN) String() string {
	return Format(f.Name, f.Location, f.NodeID)
}

// Parse splits an FQN into its parts. The node id suffix is optional; it
// is recognized as the segment after the last '-' that follows the '@'.
// Returns an error when the name or location part is empty or the
// location cannot be URL-decoded.
func Parse(s string) (FQN, error) {
	at := strings.Index(s, "@")
	if at <= 0 || at == len(s)-1 {
		return FQN{}, fmt.Errorf("invalid fqn %q: missing name or location", s)
	}

	name := s[:at]
	rest := s[at+1:]

	var nodeID string
	if dash := strings.LastIndex(rest, "-"); dash > 0 && dash < len(rest)-1 {
		nodeID = rest[dash+1:]
		rest = rest[:dash]
	}

	location, err := url.QueryUnescape(rest)
	if err != nil {
		return FQN{}, fmt.Errorf("invalid fqn %q: %w", s, err)
	}
	if location == "" {
		return FQN{}, fmt.Errorf("invalid fqn %q: empty location", s)
	}

	return FQN{Name: name, Location: location, NodeID: nodeID}, nil
}
