package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/ossbucket/ossbucket/internal/store"
	"github.com/spf13/cobra"
)

func newFolderCmd() *cobra.Command {
	folderCmd := &cobra.Command{
		Use:   "folder",
		Short: "Manage folders of a local bucket",
		Long: `Manage folders directly in the configured data directory.

Commands act as --as (default: the first controller) and need the
server to be stopped, since the database is locked while it runs.`,
	}
	addIdentityFlags(folderCmd)

	createCmd := &cobra.Command{
		Use:   "create <parent-id> <name>",
		Short: "Create a folder",
		Args:  cobra.ExactArgs(2),
		RunE:  runFolderCreate,
	}
	folderCmd.AddCommand(createCmd)

	var prev uint32
	var take int
	listCmd := &cobra.Command{
		Use:     "list [parent-id]",
		Aliases: []string{"ls"},
		Short:   "List subfolders",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFolderList(cmd, args, prev, take)
		},
	}
	listCmd.Flags().Uint32Var(&prev, "after", 0, "list ids after this one")
	listCmd.Flags().IntVar(&take, "take", 100, "maximum entries")
	folderCmd.AddCommand(listCmd)

	var recursive bool
	rmCmd := &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a folder",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFolderDelete(cmd, args, recursive)
		},
	}
	rmCmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "delete the folder's content too")
	folderCmd.AddCommand(rmCmd)

	return folderCmd
}

func parseID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return uint32(id), nil
}

func runFolderCreate(cmd *cobra.Command, args []string) error {
	parent, err := parseID(args[0])
	if err != nil {
		return err
	}
	svc, c, closeFn, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	id, err := svc.CreateFolder(cmd.Context(), c, parent, args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d\n", id)
	return nil
}

func runFolderList(cmd *cobra.Command, args []string, prev uint32, take int) error {
	parent := store.RootFolderID
	if len(args) == 1 {
		var err error
		if parent, err = parseID(args[0]); err != nil {
			return err
		}
	}
	svc, c, closeFn, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	folders, err := svc.ListFolders(cmd.Context(), c, parent, prev, take)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tFOLDERS\tFILES\tSTATUS\tUPDATED")
	for _, f := range folders {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%s\n",
			f.ID, f.Name, len(f.Folders), len(f.Files), f.Status,
			time.UnixMilli(f.UpdatedAt).Format(time.RFC3339))
	}
	return w.Flush()
}

func runFolderDelete(cmd *cobra.Command, args []string, recursive bool) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	svc, c, closeFn, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	return svc.DeleteFolder(cmd.Context(), c, id, recursive)
}
