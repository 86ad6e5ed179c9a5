package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ossbucket/ossbucket/internal/bucket"
	"github.com/ossbucket/ossbucket/internal/config"
	"github.com/ossbucket/ossbucket/internal/errs"
	"github.com/ossbucket/ossbucket/internal/store"
	"github.com/ossbucket/ossbucket/pkg/bytesize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type infoView struct {
	Name       string    `yaml:"name"`
	Visibility string    `yaml:"visibility"`
	Status     string    `yaml:"status"`
	CreatedAt  time.Time `yaml:"created_at"`
	Managers   []string  `yaml:"managers,flow"`
	Auditors   []string  `yaml:"auditors,flow"`
	Limits     struct {
		MaxFileSize       bytesize.Size `yaml:"max_file_size"`
		MaxFolderDepth    uint8         `yaml:"max_folder_depth"`
		MaxChildren       uint16        `yaml:"max_children"`
		MaxCustomDataSize bytesize.Size `yaml:"max_custom_data_size"`
		EnableHashIndex   bool          `yaml:"enable_hash_index"`
		UniqueNames       bool          `yaml:"unique_names"`
	} `yaml:"limits"`
	Stats struct {
		Files   uint64        `yaml:"files"`
		Folders uint64        `yaml:"folders"`
		Bytes   bytesize.Size `yaml:"bytes"`
	} `yaml:"stats"`
	Volume *volumeView `yaml:"volume,omitempty"`
}

type volumeView struct {
	Total     bytesize.Size `yaml:"total"`
	Used      bytesize.Size `yaml:"used"`
	Available bytesize.Size `yaml:"available"`
}

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show bucket settings, totals and disk usage",
		RunE:  runInfo,
	}
	addIdentityFlags(cmd)
	return cmd
}

func runInfo(cmd *cobra.Command, args []string) error {
	svc, c, closeFn, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer closeFn()
	ctx := cmd.Context()

	info, err := svc.Info(ctx, c)
	if err != nil {
		return err
	}
	var v infoView
	v.Name = info.Name
	v.Visibility = info.Visibility.String()
	v.Status = info.Status.String()
	v.CreatedAt = info.CreatedAt.UTC()
	v.Managers = info.Managers
	v.Auditors = info.Auditors
	v.Limits.MaxFileSize = bytesize.Size(info.Limits.MaxFileSize)
	v.Limits.MaxFolderDepth = info.Limits.MaxFolderDepth
	v.Limits.MaxChildren = info.Limits.MaxChildren
	v.Limits.MaxCustomDataSize = bytesize.Size(info.Limits.MaxCustomDataSize)
	v.Limits.EnableHashIndex = info.Limits.EnableHashIndex
	v.Limits.UniqueNames = info.Limits.UniqueNames
	v.Stats.Files = info.Stats.Files
	v.Stats.Folders = info.Stats.Folders
	v.Stats.Bytes = bytesize.Size(info.Stats.Bytes)

	cp, err := svc.Capacity(ctx, c)
	switch {
	case err == nil:
		v.Volume = &volumeView{
			Total:     bytesize.Size(cp.TotalBytes),
			Used:      bytesize.Size(cp.UsedBytes),
			Available: bytesize.Size(cp.AvailableBytes),
		}
	case errors.Is(err, errs.ErrNotSupported):
	default:
		return err
	}

	out, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func newAdminCmd() *cobra.Command {
	adminCmd := &cobra.Command{
		Use:   "admin",
		Short: "Change bucket settings and roles (controllers only)",
	}
	addIdentityFlags(adminCmd)

	adminCmd.AddCommand(newAdminUpdateCmd())
	adminCmd.AddCommand(newRoleCmd("managers",
		(*bucket.Service).AdminSetManagers,
		(*bucket.Service).AdminAddManagers,
		(*bucket.Service).AdminRemoveManagers))
	adminCmd.AddCommand(newRoleCmd("auditors",
		(*bucket.Service).AdminSetAuditors,
		(*bucket.Service).AdminAddAuditors,
		(*bucket.Service).AdminRemoveAuditors))
	return adminCmd
}

type roleFunc func(*bucket.Service, context.Context, bucket.Caller, []string) error

func newRoleCmd(role string, set, add, remove roleFunc) *cobra.Command {
	roleCmd := &cobra.Command{
		Use:   role,
		Short: "Manage bucket " + role,
	}
	for _, sub := range []struct {
		name string
		fn   roleFunc
		args cobra.PositionalArgs
	}{
		{"set", set, cobra.ArbitraryArgs},
		{"add", add, cobra.MinimumNArgs(1)},
		{"remove", remove, cobra.MinimumNArgs(1)},
	} {
		fn := sub.fn
		roleCmd.AddCommand(&cobra.Command{
			Use:   sub.name + " <principal>...",
			Short: fmt.Sprintf("%s %s", sub.name, role),
			Args:  sub.args,
			RunE: func(cmd *cobra.Command, args []string) error {
				svc, c, closeFn, err := openLocal(cmd)
				if err != nil {
					return err
				}
				defer closeFn()
				return fn(svc, cmd.Context(), c, args)
			},
		})
	}
	return roleCmd
}

func newAdminUpdateCmd() *cobra.Command {
	var (
		maxFileSize, maxCustomDataSize bytesize.Size
		maxFolderDepth                 uint8
		maxChildren                    uint16
		enableHashIndex, uniqueNames   bool
		status, visibility             string
		trustedKeyFiles, weakKeyFiles  []string
		maxWeakWindow                  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Change bucket limits, status, visibility or keys",
		Long: `Change bucket settings. Only the flags given are applied.

Key files replace the whole trusted or weak key set.`,
		Example: `  ossbucket admin update --status read-only
  ossbucket admin update --max-file-size 10GB --enable-hash-index`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var in bucket.UpdateBucketInput
			fl := cmd.Flags()
			if fl.Changed("max-file-size") {
				v := uint64(maxFileSize)
				in.MaxFileSize = &v
			}
			if fl.Changed("max-custom-data-size") {
				if maxCustomDataSize < 0 || maxCustomDataSize > 65535 {
					return fmt.Errorf("--max-custom-data-size must be at most 65535 bytes")
				}
				v := uint16(maxCustomDataSize)
				in.MaxCustomDataSize = &v
			}
			if fl.Changed("max-folder-depth") {
				in.MaxFolderDepth = &maxFolderDepth
			}
			if fl.Changed("max-children") {
				in.MaxChildren = &maxChildren
			}
			if fl.Changed("enable-hash-index") {
				in.EnableHashIndex = &enableHashIndex
			}
			if fl.Changed("unique-names") {
				in.UniqueNames = &uniqueNames
			}
			if fl.Changed("status") {
				st, err := store.ParseStatus(status)
				if err != nil {
					return err
				}
				in.Status = &st
			}
			if fl.Changed("visibility") {
				vis, err := config.ParseVisibility(visibility)
				if err != nil {
					return err
				}
				in.Visibility = &vis
			}
			if fl.Changed("max-weak-window") {
				in.MaxWeakWindow = &maxWeakWindow
			}
			var err error
			if in.TrustedKeys, err = config.ReadKeyFiles(trustedKeyFiles); err != nil {
				return err
			}
			if in.WeakKeys, err = config.ReadKeyFiles(weakKeyFiles); err != nil {
				return err
			}

			svc, c, closeFn, err := openLocal(cmd)
			if err != nil {
				return err
			}
			defer closeFn()
			return svc.AdminUpdateBucket(cmd.Context(), c, in)
		},
	}
	fl := cmd.Flags()
	fl.Var(&maxFileSize, "max-file-size", "largest accepted file")
	fl.Var(&maxCustomDataSize, "max-custom-data-size", "largest custom metadata map")
	fl.Uint8Var(&maxFolderDepth, "max-folder-depth", 0, "deepest folder level")
	fl.Uint16Var(&maxChildren, "max-children", 0, "most entries per folder")
	fl.BoolVar(&enableHashIndex, "enable-hash-index", false, "index files by content hash")
	fl.BoolVar(&uniqueNames, "unique-names", true, "reject duplicate names within a folder")
	fl.StringVar(&status, "status", "", "read-write, read-only or archived")
	fl.StringVar(&visibility, "visibility", "", "private or public")
	fl.StringSliceVar(&trustedKeyFiles, "trusted-key-files", nil, "replace the trusted issuer keys")
	fl.StringSliceVar(&weakKeyFiles, "weak-key-files", nil, "replace the weak issuer keys")
	fl.DurationVar(&maxWeakWindow, "max-weak-window", 0, "longest accepted weak token window")
	return cmd
}

