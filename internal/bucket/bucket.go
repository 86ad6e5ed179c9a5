// Package bucket is the authorized front of one bucket. Every operation
// takes the calling principal and its token, is checked against the
// bucket roles and token scope, then runs on the storage engine.
package bucket

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/ossbucket/ossbucket/internal/audit"
	"github.com/ossbucket/ossbucket/internal/authz"
	"github.com/ossbucket/ossbucket/internal/clock"
	"github.com/ossbucket/ossbucket/internal/errs"
	"github.com/ossbucket/ossbucket/internal/kv"
	"github.com/ossbucket/ossbucket/internal/metrics"
	"github.com/ossbucket/ossbucket/internal/policy"
	"github.com/ossbucket/ossbucket/internal/store"
	"github.com/rs/zerolog/log"
)

// Caller identifies who is making a call and the token it carries.
type Caller struct {
	ID    string
	Token []byte
}

// Options configure Open.
type Options struct {
	// Seed is the state of a new bucket. For an existing bucket only
	// the name is checked against the persisted state.
	Seed State
	// DataDir is where the kv store lives; empty for in-memory stores.
	DataDir string
	// Controllers may administer the bucket and act as managers.
	Controllers []string
	Clock       clock.Clock
	Metrics     *metrics.BucketMetrics
	// Audit records denials and admin changes; defaults to the global logger.
	Audit *audit.Logger
}

// Service serves one bucket.
type Service struct {
	store       *store.Store
	state       *stateHolder
	auth        *authz.Authorizer
	metrics     *metrics.BucketMetrics
	audit       *audit.Logger
	dataDir     string
	controllers []string
}

// Open loads or initializes the bucket kept in db.
func Open(ctx context.Context, db kv.Store, opts Options) (*Service, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Audit == nil {
		opts.Audit = audit.Default()
	}
	seed := opts.Seed.clone()
	if seed.CreatedAt == 0 {
		seed.CreatedAt = clock.UnixMilli(opts.Clock)
	}
	h, err := loadState(ctx, db, seed)
	if err != nil {
		return nil, fmt.Errorf("load bucket state: %w", err)
	}
	st := h.Load()

	fs, err := store.New(ctx, db, st.Limits, opts.Clock)
	if err != nil {
		return nil, err
	}
	s := &Service{
		store:       fs,
		state:       h,
		auth:        authz.New(st.Name, nil, opts.Clock),
		metrics:     opts.Metrics,
		audit:       opts.Audit,
		dataDir:     opts.DataDir,
		controllers: slices.Clone(opts.Controllers),
	}
	s.auth.SetAuditLogger(opts.Audit)
	if err := s.apply(st); err != nil {
		return nil, err
	}
	s.refreshStorage(ctx)

	log.Info().
		Str("bucket", st.Name).
		Str("visibility", st.Visibility.String()).
		Str("status", st.Status.String()).
		Int("managers", len(st.Roles.Managers)).
		Int("trusted_keys", len(st.TrustedKeys)).
		Msg("bucket opened")
	return s, nil
}

// Name returns the bucket identity tokens must be addressed to.
func (s *Service) Name() string { return s.auth.Audience() }

// Authenticate verifies a presented token and returns the caller it
// names. Front ends use it to establish who is calling.
func (s *Service) Authenticate(data []byte) (Caller, error) {
	tok, err := s.auth.Verify(data)
	if err != nil {
		s.metrics.RecordDenial(string(errs.KindOf(err)))
		s.audit.LogToken("", "Authenticate", "Bucket", err)
		return Caller{}, err
	}
	return Caller{ID: tok.Subject, Token: data}, nil
}

// Store exposes the storage engine for maintenance tools.
func (s *Service) Store() *store.Store { return s.store }

// apply pushes state into the authorizer and the store.
func (s *Service) apply(st State) error {
	keys, err := st.Keys()
	if err != nil {
		return err
	}
	s.auth.SetKeys(keys)
	s.auth.SetRoles(st.Roles)
	s.auth.SetPublic(st.Visibility == Public)
	s.store.SetLimits(st.Limits)
	return nil
}

func (s *Service) isController(id string) bool {
	return id != "" && slices.Contains(s.controllers, id)
}

func (s *Service) isManager(id string) bool {
	return s.isController(id) || s.auth.IsManager(id)
}

// authorize checks c against one request. The bucket's own archived
// status makes every resource archived.
func (s *Service) authorize(c Caller, resource, op string, id uint32, archived bool, check func(policy.Policies) bool) error {
	if s.isController(c.ID) {
		return nil
	}
	if s.state.Load().Status == store.StatusArchived {
		archived = true
	}
	_, err := s.auth.Authorize(authz.Request{
		Caller:    c.ID,
		Token:     c.Token,
		Resource:  resource,
		Operation: op,
		ID:        strconv.FormatUint(uint64(id), 10),
		Archived:  archived,
		Check:     check,
	})
	if err != nil {
		s.metrics.RecordDenial(string(errs.KindOf(err)))
	}
	return err
}

// writable fails unless the bucket accepts writes.
func (s *Service) writable() error {
	if st := s.state.Load().Status; st != store.StatusReadWrite {
		return fmt.Errorf("%w: bucket is %s", errs.ErrPrecondition, st)
	}
	return nil
}

// chain returns folder id followed by its ancestors up to the root.
func (s *Service) chain(ctx context.Context, id uint32) ([]uint32, error) {
	above, err := s.store.FolderAncestors(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, 0, len(above)+1)
	out = append(out, id)
	for _, a := range above {
		out = append(out, a.ID)
	}
	return out, nil
}

func (s *Service) folderTarget(ctx context.Context, id uint32) (*store.Folder, []uint32, error) {
	f, err := s.store.GetFolder(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	folders, err := s.chain(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return f, folders, nil
}

// parentTarget is folderTarget for the parent of a new file or folder,
// where a missing parent is an invalid path.
func (s *Service) parentTarget(ctx context.Context, id uint32) (*store.Folder, []uint32, error) {
	p, folders, err := s.folderTarget(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: parent folder %d does not exist", errs.ErrInvalidPath, id)
	}
	return p, folders, err
}

func (s *Service) fileTarget(ctx context.Context, id uint32) (*store.File, []uint32, error) {
	f, err := s.store.GetFile(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	folders, err := s.chain(ctx, f.Parent)
	if err != nil {
		return nil, nil, err
	}
	return f, folders, nil
}

func (s *Service) observe(op string, c Caller, start time.Time, err *error) {
	d := time.Since(start)
	kind := errs.KindOf(*err)
	s.metrics.RecordOperation(op, string(kind), d.Seconds())

	ev := log.Debug()
	if kind == errs.KindGeneric {
		ev = log.Error()
	}
	ev.Str("op", op).Str("caller", c.ID).Dur("took", d).Err(*err).Msg("bucket operation")
}

// observeWrite is observe for mutating operations; it also refreshes
// the storage gauges.
func (s *Service) observeWrite(ctx context.Context, op string, c Caller, start time.Time, err *error) {
	s.observe(op, c, start, err)
	if *err == nil {
		s.refreshStorage(ctx)
	}
}

func (s *Service) refreshStorage(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	st, err := s.store.Stats(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("reading storage stats")
		return
	}
	s.metrics.UpdateStorage(st.Files, st.Folders, st.Bytes)
}
