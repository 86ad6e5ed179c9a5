// Package policy parses and evaluates permission scopes.
//
// A scope is a space-separated list of policies, each of the form
//
//	Resource.Operation[.Constraint][:id1,id2,...]
//
// Missing segments default to "*", which matches anything. A request is
// allowed when any policy in the scope matches it; there are no deny
// rules.
package policy

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Wildcard matches any resource, operation, constraint or id.
const Wildcard = "*"

// Resource kinds.
const (
	ResourceFile    = "File"
	ResourceFolder  = "Folder"
	ResourceBucket  = "Bucket"
	ResourceCluster = "Cluster"
)

// Operations.
const (
	OpList   = "List"
	OpRead   = "Read"
	OpWrite  = "Write"
	OpDelete = "Delete"
)

// Constraint names the bucket-info sub-resource in Bucket.Read.Info.
const ConstraintInfo = "Info"

// Policy is a single parsed scope entry. An empty Constraint or a nil
// IDs set means "any".
type Policy struct {
	Resource   string
	Operation  string
	Constraint string
	IDs        []string
}

// Request is what a policy is matched against.
type Request struct {
	Resource   string
	Operation  string
	Constraint string
	ID         string
}

// Matches reports whether p grants r.
func (p Policy) Matches(r Request) bool {
	if p.Resource != Wildcard && p.Resource != r.Resource {
		return false
	}
	if p.Operation != Wildcard && p.Operation != r.Operation {
		return false
	}
	if p.Constraint != "" && p.Constraint != Wildcard && p.Constraint != r.Constraint {
		return false
	}
	if p.IDs == nil {
		return true
	}
	for _, id := range p.IDs {
		if id == r.ID {
			return true
		}
	}
	return false
}

// String renders p in canonical form, omitting defaulted segments.
func (p Policy) String() string {
	var b strings.Builder
	b.WriteString(p.Resource)
	if p.Operation != Wildcard || p.Constraint != "" || p.Resource != Wildcard {
		b.WriteByte('.')
		b.WriteString(p.Operation)
	}
	if p.Constraint != "" {
		b.WriteByte('.')
		b.WriteString(p.Constraint)
	}
	if p.IDs != nil {
		b.WriteByte(':')
		b.WriteString(strings.Join(p.IDs, ","))
	}
	return b.String()
}

// ParsePolicy parses one scope entry.
func ParsePolicy(s string) (Policy, error) {
	perm, ids, hasIDs := strings.Cut(s, ":")

	segs := strings.Split(perm, ".")
	if len(segs) > 3 {
		return Policy{}, fmt.Errorf("policy %q: too many segments", s)
	}
	for _, seg := range segs {
		if !validSegment(seg) {
			return Policy{}, fmt.Errorf("policy %q: invalid segment %q", s, seg)
		}
	}

	p := Policy{Resource: segs[0], Operation: Wildcard}
	if len(segs) > 1 {
		p.Operation = segs[1]
	}
	if len(segs) > 2 {
		p.Constraint = segs[2]
	}

	if hasIDs && ids != Wildcard {
		list := strings.Split(ids, ",")
		for _, id := range list {
			if !validName(id) {
				return Policy{}, fmt.Errorf("policy %q: invalid id %q", s, id)
			}
		}
		p.IDs = list
	}
	return p, nil
}

func validSegment(s string) bool {
	return s == Wildcard || validName(s)
}

// validName accepts non-empty [A-Za-z0-9_-] strings.
func validName(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

// Policies is a parsed scope.
type Policies []Policy

// Parse parses a scope leniently: malformed entries are dropped so a
// corrupt scope can only ever grant less.
func Parse(scope string) Policies {
	var ps Policies
	for _, tok := range strings.Fields(scope) {
		p, err := ParsePolicy(tok)
		if err != nil {
			log.Debug().Err(err).Msg("ignoring malformed policy")
			continue
		}
		ps = append(ps, p)
	}
	return ps
}

// ParseStrict parses a scope, failing on the first malformed entry.
func ParseStrict(scope string) (Policies, error) {
	var ps Policies
	for _, tok := range strings.Fields(scope) {
		p, err := ParsePolicy(tok)
		if err != nil {
			return nil, err
		}
		ps = append(ps, p)
	}
	return ps, nil
}

// Allows reports whether any policy grants r.
func (ps Policies) Allows(r Request) bool {
	for _, p := range ps {
		if p.Matches(r) {
			return true
		}
	}
	return false
}

// Match reports whether ps grants operation op on resource id of the
// given kind, with no constraint.
func Match(ps Policies, kind, op, id string) bool {
	return ps.Allows(Request{Resource: kind, Operation: op, ID: id})
}

// String renders the scope in canonical form.
func (ps Policies) String() string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = p.String()
	}
	return strings.Join(parts, " ")
}
