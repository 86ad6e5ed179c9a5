// Package authz decides whether a caller may perform an operation on a
// bucket resource, combining bucket roles, visibility and access tokens.
package authz

import (
	"fmt"
	"slices"
	"sync"

	"github.com/ossbucket/ossbucket/internal/audit"
	"github.com/ossbucket/ossbucket/internal/clock"
	"github.com/ossbucket/ossbucket/internal/errs"
	"github.com/ossbucket/ossbucket/internal/policy"
	"github.com/ossbucket/ossbucket/internal/token"
)

// RoleSet holds the bucket's privileged principals.
type RoleSet struct {
	// Managers can read, write and administer everything.
	Managers []string `yaml:"managers" cbor:"1,keyasint,omitempty"`
	// Auditors can read and list everything, archived resources included.
	Auditors []string `yaml:"auditors" cbor:"2,keyasint,omitempty"`
}

// IsManager reports whether id is a manager.
func (r RoleSet) IsManager(id string) bool {
	return id != "" && slices.Contains(r.Managers, id)
}

// IsAuditor reports whether id is an auditor.
func (r RoleSet) IsAuditor(id string) bool {
	return id != "" && slices.Contains(r.Auditors, id)
}

// Reason says which rule granted a request.
type Reason string

const (
	ReasonManager Reason = "manager"
	ReasonAuditor Reason = "auditor"
	ReasonPublic  Reason = "public"
	ReasonToken   Reason = "token"
)

// Request describes one operation to authorize.
type Request struct {
	Caller string
	// Token is the raw signed access token, if the call carried one.
	Token     []byte
	Resource  string
	Operation string
	ID        string
	// Archived is set when the target, or the bucket, is archived.
	Archived bool
	// Check evaluates the token scope. When nil the scope must match
	// Resource, Operation and ID directly.
	Check func(policy.Policies) bool
}

// Decision is the outcome of a successful authorization.
type Decision struct {
	Reason Reason
	// Token is set when the decision rests on a verified token.
	Token *token.Token
}

// ReadClass reports whether op only observes state.
func ReadClass(op string) bool {
	return op == policy.OpRead || op == policy.OpList
}

// Authorizer makes access decisions for one bucket.
type Authorizer struct {
	audience string
	clock    clock.Clock
	audit    *audit.Logger

	mu     sync.RWMutex
	roles  RoleSet
	keys   *token.Keys
	public bool
}

// New creates an authorizer for the bucket identified by audience.
func New(audience string, keys *token.Keys, clk clock.Clock) *Authorizer {
	if clk == nil {
		clk = clock.Real()
	}
	if keys == nil {
		keys = &token.Keys{}
	}
	return &Authorizer{audience: audience, clock: clk, keys: keys, audit: audit.Default()}
}

// SetAuditLogger replaces where denials are recorded.
func (a *Authorizer) SetAuditLogger(l *audit.Logger) {
	if l == nil {
		l = audit.Nop()
	}
	a.audit = l
}

// Audience returns the bucket identity tokens must be addressed to.
func (a *Authorizer) Audience() string { return a.audience }

// SetRoles replaces the role set.
func (a *Authorizer) SetRoles(r RoleSet) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.roles = RoleSet{Managers: slices.Clone(r.Managers), Auditors: slices.Clone(r.Auditors)}
}

// Roles returns a copy of the role set.
func (a *Authorizer) Roles() RoleSet {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return RoleSet{Managers: slices.Clone(a.roles.Managers), Auditors: slices.Clone(a.roles.Auditors)}
}

// SetKeys replaces the trusted token keys.
func (a *Authorizer) SetKeys(k *token.Keys) {
	if k == nil {
		k = &token.Keys{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = k
}

// Verify checks data against the trusted keys and this bucket's
// audience and returns the token.
func (a *Authorizer) Verify(data []byte) (*token.Token, error) {
	a.mu.RLock()
	keys := a.keys
	a.mu.RUnlock()
	return a.verify(data, keys)
}

func (a *Authorizer) verify(data []byte, keys *token.Keys) (*token.Token, error) {
	return token.Verify(data, keys, a.audience, a.clock.Now())
}

// SetPublic sets whether anyone may read non-archived content.
func (a *Authorizer) SetPublic(public bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.public = public
}

// IsManager reports whether caller is a manager.
func (a *Authorizer) IsManager(caller string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.roles.IsManager(caller)
}

// Authorize evaluates r. Rules are tried in order: manager, auditor
// for reads, public reads of non-archived resources, then a token whose
// subject is the caller and whose scope covers the request. Only
// managers and auditors read archived resources; token writes to them
// pass here and fail on the resource status instead. Token
// verification errors are returned as is; every other refusal is
// errs.ErrPermissionDenied.
func (a *Authorizer) Authorize(r Request) (Decision, error) {
	a.mu.RLock()
	roles, keys, public := a.roles, a.keys, a.public
	a.mu.RUnlock()

	read := ReadClass(r.Operation)
	switch {
	case roles.IsManager(r.Caller):
		return Decision{Reason: ReasonManager}, nil
	case read && roles.IsAuditor(r.Caller):
		return Decision{Reason: ReasonAuditor}, nil
	case read && public && !r.Archived:
		return Decision{Reason: ReasonPublic}, nil
	}

	if len(r.Token) == 0 {
		return Decision{}, a.deny(r, "no token")
	}
	tok, err := a.verify(r.Token, keys)
	if err != nil {
		a.audit.LogToken(r.Caller, r.Operation, r.Resource, err)
		return Decision{}, err
	}
	if tok.Subject != r.Caller {
		return Decision{}, a.deny(r, fmt.Sprintf("token subject %q is not the caller", tok.Subject))
	}
	if read && r.Archived {
		return Decision{}, a.deny(r, "resource is archived")
	}

	ps := policy.Parse(tok.Scope)
	var allowed bool
	if r.Check != nil {
		allowed = r.Check(ps)
	} else {
		allowed = policy.Match(ps, r.Resource, r.Operation, r.ID)
	}
	if !allowed {
		return Decision{}, a.deny(r, "scope does not cover request")
	}
	return Decision{Reason: ReasonToken, Token: tok}, nil
}

func (a *Authorizer) deny(r Request, why string) error {
	a.audit.LogAuthz(r.Caller, r.Operation, r.Resource, r.ID, audit.Denied, why)
	return fmt.Errorf("%w: %s %s %s: %s", errs.ErrPermissionDenied, r.Operation, r.Resource, r.ID, why)
}
