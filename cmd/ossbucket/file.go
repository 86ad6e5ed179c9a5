package main

import (
	"fmt"
	"hash/crc32"
	"io"
	"mime"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/ossbucket/ossbucket/internal/bucket"
	"github.com/ossbucket/ossbucket/internal/store"
	"github.com/ossbucket/ossbucket/pkg/bytesize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newFileCmd() *cobra.Command {
	fileCmd := &cobra.Command{
		Use:   "file",
		Short: "Manage files of a local bucket",
		Long: `Manage files directly in the configured data directory.

Commands act as --as (default: the first controller) and need the
server to be stopped, since the database is locked while it runs.

Examples:
  # Upload a file into folder 3
  ossbucket file put --parent 3 ./photo.jpg

  # Download the first megabyte of file 12
  ossbucket file get 12 part.bin --length 1MB

  # List files of the root folder
  ossbucket file ls`,
	}
	addIdentityFlags(fileCmd)

	var put putOptions
	putCmd := &cobra.Command{
		Use:   "put <local-path>",
		Short: "Upload a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFilePut(cmd, args[0], put)
		},
	}
	putCmd.Flags().Uint32Var(&put.parent, "parent", store.RootFolderID, "destination folder id")
	putCmd.Flags().StringVar(&put.name, "name", "", "file name (default: base name of the local path)")
	putCmd.Flags().StringVar(&put.contentType, "content-type", "", "content type (default: from the extension)")
	putCmd.Flags().BoolVar(&put.readOnly, "read-only", false, "make the file read-only once uploaded")
	fileCmd.AddCommand(putCmd)

	var offset, length bytesize.Size
	getCmd := &cobra.Command{
		Use:   "get <id> [local-path]",
		Short: "Download a file, to stdout without a local path",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFileGet(cmd, args, uint64(offset), uint64(length))
		},
	}
	getCmd.Flags().Var(&offset, "offset", "first byte to read, e.g. 4MB")
	getCmd.Flags().Var(&length, "length", "bytes to read (default: to the end)")
	fileCmd.AddCommand(getCmd)

	var prev uint32
	var take int
	lsCmd := &cobra.Command{
		Use:     "list [folder-id]",
		Aliases: []string{"ls"},
		Short:   "List files of a folder",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFileList(cmd, args, prev, take)
		},
	}
	lsCmd.Flags().Uint32Var(&prev, "after", 0, "list ids after this one")
	lsCmd.Flags().IntVar(&take, "take", 100, "maximum entries")
	fileCmd.AddCommand(lsCmd)

	var parent int64
	rmCmd := &cobra.Command{
		Use:     "delete <id>...",
		Aliases: []string{"rm"},
		Short:   "Delete files",
		Long: `Delete files by id. With --parent, the ids are deleted as one batch
and only those that are direct children of the folder are removed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFileDelete(cmd, args, parent)
		},
	}
	rmCmd.Flags().Int64Var(&parent, "parent", -1, "batch delete from this folder id")
	fileCmd.AddCommand(rmCmd)

	return fileCmd
}

type putOptions struct {
	parent      uint32
	name        string
	contentType string
	readOnly    bool
}

func runFilePut(cmd *cobra.Command, path string, opts putOptions) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}

	in := store.CreateFileInput{
		Parent:      opts.parent,
		Name:        opts.name,
		ContentType: opts.contentType,
		Size:        uint64(fi.Size()),
	}
	if in.Name == "" {
		in.Name = filepath.Base(path)
	}
	if in.ContentType == "" {
		in.ContentType = mime.TypeByExtension(filepath.Ext(path))
	}

	svc, c, closeFn, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer closeFn()
	ctx := cmd.Context()

	var id uint32
	if fi.Size() <= store.MaxBytesPerCall {
		data, err := io.ReadAll(f)
		if err != nil {
			return err
		}
		in.Content = data
		if in.Content == nil {
			in.Content = []byte{}
		}
		crc := crc32.ChecksumIEEE(data)
		in.CRC32 = &crc
		if opts.readOnly {
			in.Status = store.StatusReadOnly
		}
		if id, err = svc.CreateFile(ctx, c, in); err != nil {
			return err
		}
	} else {
		if id, err = svc.CreateFile(ctx, c, in); err != nil {
			return err
		}
		if err := uploadChunks(cmd, svc, c, id, f); err != nil {
			return err
		}
		if err := svc.FinalizeFile(ctx, c, id, nil); err != nil {
			return err
		}
		if opts.readOnly {
			ro := store.StatusReadOnly
			if err := svc.UpdateFile(ctx, c, store.UpdateFileInput{ID: id, Status: &ro}); err != nil {
				return err
			}
		}
	}

	log.Debug().Uint32("file_id", id).Str("name", in.Name).Int64("size", fi.Size()).Msg("file uploaded")
	fmt.Fprintf(cmd.OutOrStdout(), "%d\n", id)
	return nil
}

func uploadChunks(cmd *cobra.Command, svc *bucket.Service, c bucket.Caller, id uint32, r io.Reader) error {
	buf := make([]byte, store.ChunkSize)
	for index := uint32(0); ; index++ {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			crc := crc32.ChecksumIEEE(buf[:n])
			if _, werr := svc.WriteChunk(cmd.Context(), c, id, index, buf[:n], &crc); werr != nil {
				return fmt.Errorf("write chunk %d: %w", index, werr)
			}
		}
		switch err {
		case nil:
		case io.EOF, io.ErrUnexpectedEOF:
			return nil
		default:
			return err
		}
	}
}

func runFileGet(cmd *cobra.Command, args []string, offset, length uint64) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	svc, c, closeFn, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer closeFn()
	ctx := cmd.Context()

	f, err := svc.GetFile(ctx, c, id)
	if err != nil {
		return err
	}
	if offset > f.Filled {
		return fmt.Errorf("offset %d is past the end of file %d (%d bytes)", offset, id, f.Filled)
	}
	end := f.Filled
	if length > 0 {
		end = min(end, offset+length)
	}

	out := cmd.OutOrStdout()
	if len(args) == 2 {
		dst, err := os.Create(args[1])
		if err != nil {
			return err
		}
		defer func() { _ = dst.Close() }()
		out = dst
	}

	for off := offset; off < end; {
		data, err := svc.ReadRange(ctx, c, id, off, min(end-off, store.MaxBytesPerCall))
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return io.ErrUnexpectedEOF
		}
		if _, err := out.Write(data); err != nil {
			return err
		}
		off += uint64(len(data))
	}
	return nil
}

func runFileList(cmd *cobra.Command, args []string, prev uint32, take int) error {
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

	files, err := svc.ListFiles(cmd.Context(), c, parent, prev, take)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSIZE\tSTATE\tTYPE\tUPDATED")
	for _, f := range files {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			f.ID, f.Name, bytesize.Format(int64(f.Size)), f.State(), f.ContentType,
			time.UnixMilli(f.UpdatedAt).Format(time.RFC3339))
	}
	return w.Flush()
}

func runFileDelete(cmd *cobra.Command, args []string, parent int64) error {
	ids := make([]uint32, 0, len(args))
	for _, a := range args {
		id, err := parseID(a)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	svc, c, closeFn, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer closeFn()
	ctx := cmd.Context()

	if parent >= 0 {
		deleted, err := svc.BatchDeleteSubfiles(ctx, c, uint32(parent), ids)
		if err != nil {
			return err
		}
		for _, id := range deleted {
			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", id)
		}
		return nil
	}
	for _, id := range ids {
		if err := svc.DeleteFile(ctx, c, id); err != nil {
			return fmt.Errorf("delete file %d: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d\n", id)
	}
	return nil
}
