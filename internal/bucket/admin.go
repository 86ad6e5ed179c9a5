package bucket

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/ossbucket/ossbucket/internal/audit"
	"github.com/ossbucket/ossbucket/internal/authz"
	"github.com/ossbucket/ossbucket/internal/errs"
	"github.com/ossbucket/ossbucket/internal/policy"
	"github.com/ossbucket/ossbucket/internal/store"
	"github.com/ossbucket/ossbucket/internal/token"
	"github.com/rs/zerolog/log"
)

// Info describes a bucket to its readers.
type Info struct {
	Name       string
	Visibility Visibility
	Status     store.Status
	Limits     store.Limits
	Stats      store.Stats
	Managers   []string
	Auditors   []string
	CreatedAt  time.Time
}

// Capacity is the disk usage of the volume holding the bucket data.
type Capacity struct {
	TotalBytes     int64
	UsedBytes      int64
	AvailableBytes int64
	// StoredBytes is the uncompressed size of all file content.
	StoredBytes uint64
}

// Info returns the bucket description. It needs Bucket.Read.Info.
func (s *Service) Info(ctx context.Context, c Caller) (info Info, err error) {
	defer s.observe("info", c, time.Now(), &err)

	if err := s.authorizeBucketRead(c); err != nil {
		return Info{}, err
	}
	st := s.state.Load()
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return Info{}, err
	}
	return Info{
		Name:       st.Name,
		Visibility: st.Visibility,
		Status:     st.Status,
		Limits:     st.Limits,
		Stats:      stats,
		Managers:   st.Roles.Managers,
		Auditors:   st.Roles.Auditors,
		CreatedAt:  time.UnixMilli(st.CreatedAt),
	}, nil
}

// Stats returns the file, folder and byte totals.
func (s *Service) Stats(ctx context.Context, c Caller) (stats store.Stats, err error) {
	defer s.observe("stats", c, time.Now(), &err)

	if err := s.authorizeBucketRead(c); err != nil {
		return store.Stats{}, err
	}
	return s.store.Stats(ctx)
}

// Capacity reports the disk statistics of the data directory. Buckets
// without one are kept in memory and have no capacity to report.
func (s *Service) Capacity(ctx context.Context, c Caller) (cp Capacity, err error) {
	defer s.observe("capacity", c, time.Now(), &err)

	if err := s.authorizeBucketRead(c); err != nil {
		return Capacity{}, err
	}
	if s.dataDir == "" {
		return Capacity{}, fmt.Errorf("%w: bucket has no data directory", errs.ErrNotSupported)
	}
	total, used, available, err := volumeStats(s.dataDir)
	if err != nil {
		return Capacity{}, fmt.Errorf("%w: %v", errs.ErrGeneric, err)
	}
	s.metrics.UpdateVolume(total, used, available)

	stats, err := s.store.Stats(ctx)
	if err != nil {
		return Capacity{}, err
	}
	return Capacity{TotalBytes: total, UsedBytes: used, AvailableBytes: available, StoredBytes: stats.Bytes}, nil
}

func (s *Service) authorizeBucketRead(c Caller) error {
	bucket := s.Name()
	return s.authorize(c, policy.ResourceBucket, policy.OpRead, 0, false,
		func(ps policy.Policies) bool { return ps.CanReadBucket(bucket) })
}

// UpdateBucketInput changes bucket settings. Nil fields are left alone.
// The bucket name is the token audience and cannot be changed.
type UpdateBucketInput struct {
	MaxFileSize       *uint64
	MaxFolderDepth    *uint8
	MaxChildren       *uint16
	MaxCustomDataSize *uint16
	EnableHashIndex   *bool
	UniqueNames       *bool
	Status            *store.Status
	Visibility        *Visibility
	// TrustedKeys and WeakKeys replace the key sets; lines are in
	// authorized_keys format.
	TrustedKeys   []string
	WeakKeys      []string
	MaxWeakWindow *time.Duration
}

// Validate rejects settings no bucket could hold.
func (in UpdateBucketInput) Validate() error {
	if in.MaxFileSize != nil && *in.MaxFileSize == 0 {
		return fmt.Errorf("%w: max file size must be positive", errs.ErrPrecondition)
	}
	if in.MaxFolderDepth != nil && *in.MaxFolderDepth == 0 {
		return fmt.Errorf("%w: max folder depth must be positive", errs.ErrPrecondition)
	}
	if in.MaxChildren != nil && *in.MaxChildren == 0 {
		return fmt.Errorf("%w: max children must be positive", errs.ErrPrecondition)
	}
	for _, line := range slices.Concat(in.TrustedKeys, in.WeakKeys) {
		if _, err := token.ParsePublicKey(line); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrPrecondition, err)
		}
	}
	return nil
}

// requireController fails unless c may administer the bucket.
func (s *Service) requireController(c Caller, action string) error {
	if s.isController(c.ID) {
		return nil
	}
	s.metrics.RecordDenial(string(errs.KindPermissionDenied))
	s.audit.LogAdmin(c.ID, action, audit.Denied, "not a controller")
	return fmt.Errorf("%w: %q is not a controller", errs.ErrPermissionDenied, c.ID)
}

// AdminUpdateBucket applies in to the bucket state. Switching the hash
// index on rebuilds it from the finalized files.
func (s *Service) AdminUpdateBucket(ctx context.Context, c Caller, in UpdateBucketInput) (err error) {
	defer s.observe("admin_update_bucket", c, time.Now(), &err)

	if err := s.requireController(c, "admin_update_bucket"); err != nil {
		return err
	}
	if err := in.Validate(); err != nil {
		return err
	}

	var reindex bool
	st, err := s.state.Mutate(ctx, func(st *State) error {
		l := &st.Limits
		setIf(&l.MaxFileSize, in.MaxFileSize)
		setIf(&l.MaxFolderDepth, in.MaxFolderDepth)
		setIf(&l.MaxChildren, in.MaxChildren)
		setIf(&l.MaxCustomDataSize, in.MaxCustomDataSize)
		setIf(&l.UniqueNames, in.UniqueNames)
		if in.EnableHashIndex != nil {
			reindex = *in.EnableHashIndex && !l.EnableHashIndex
			l.EnableHashIndex = *in.EnableHashIndex
		}
		setIf(&st.Status, in.Status)
		setIf(&st.Visibility, in.Visibility)
		setIf(&st.MaxWeakWindow, in.MaxWeakWindow)
		if in.TrustedKeys != nil {
			st.TrustedKeys = slices.Clone(in.TrustedKeys)
		}
		if in.WeakKeys != nil {
			st.WeakKeys = slices.Clone(in.WeakKeys)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.apply(st); err != nil {
		return err
	}
	s.audit.LogAdmin(c.ID, "admin_update_bucket", audit.Allowed,
		fmt.Sprintf("status=%s visibility=%s", st.Status, st.Visibility))

	if reindex {
		n, err := s.store.ReindexHashes(ctx)
		if err != nil {
			return fmt.Errorf("rebuild hash index: %w", err)
		}
		log.Info().Int("files", n).Msg("hash index rebuilt")
	}
	return nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// AdminSetManagers replaces the manager set.
func (s *Service) AdminSetManagers(ctx context.Context, c Caller, ids []string) error {
	return s.updateRoles(ctx, c, "admin_set_managers", ids, func(r *authz.RoleSet, ids []string) {
		r.Managers = ids
	})
}

// AdminAddManagers adds ids to the manager set.
func (s *Service) AdminAddManagers(ctx context.Context, c Caller, ids []string) error {
	return s.updateRoles(ctx, c, "admin_add_managers", ids, func(r *authz.RoleSet, ids []string) {
		r.Managers = union(r.Managers, ids)
	})
}

// AdminRemoveManagers removes ids from the manager set.
func (s *Service) AdminRemoveManagers(ctx context.Context, c Caller, ids []string) error {
	return s.updateRoles(ctx, c, "admin_remove_managers", ids, func(r *authz.RoleSet, ids []string) {
		r.Managers = without(r.Managers, ids)
	})
}

// AdminSetAuditors replaces the auditor set.
func (s *Service) AdminSetAuditors(ctx context.Context, c Caller, ids []string) error {
	return s.updateRoles(ctx, c, "admin_set_auditors", ids, func(r *authz.RoleSet, ids []string) {
		r.Auditors = ids
	})
}

// AdminAddAuditors adds ids to the auditor set.
func (s *Service) AdminAddAuditors(ctx context.Context, c Caller, ids []string) error {
	return s.updateRoles(ctx, c, "admin_add_auditors", ids, func(r *authz.RoleSet, ids []string) {
		r.Auditors = union(r.Auditors, ids)
	})
}

// AdminRemoveAuditors removes ids from the auditor set.
func (s *Service) AdminRemoveAuditors(ctx context.Context, c Caller, ids []string) error {
	return s.updateRoles(ctx, c, "admin_remove_auditors", ids, func(r *authz.RoleSet, ids []string) {
		r.Auditors = without(r.Auditors, ids)
	})
}

func (s *Service) updateRoles(ctx context.Context, c Caller, op string, ids []string, fn func(*authz.RoleSet, []string)) (err error) {
	defer s.observe(op, c, time.Now(), &err)

	if err := s.requireController(c, op); err != nil {
		return err
	}
	set := normalizeIDs(ids)
	if slices.Contains(set, "") {
		return fmt.Errorf("%w: empty principal", errs.ErrPrecondition)
	}
	st, err := s.state.Mutate(ctx, func(st *State) error {
		fn(&st.Roles, set)
		return nil
	})
	if err != nil {
		return err
	}
	s.auth.SetRoles(st.Roles)
	s.audit.LogRoleChange(c.ID, op, st.Roles.Managers, st.Roles.Auditors)
	return nil
}

// normalizeIDs returns ids sorted without duplicates.
func normalizeIDs(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

func union(a, b []string) []string {
	return normalizeIDs(slices.Concat(a, b))
}

func without(a, drop []string) []string {
	return slices.DeleteFunc(slices.Clone(a), func(id string) bool {
		return slices.Contains(drop, id)
	})
}
