package main

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	bderr "github.com/bucketdesk/bucketdesk/internal/errors"
	"github.com/bucketdesk/bucketdesk/internal/storage"
)

func newListCommand(cli *CLI) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "ls <bucket> [prefix]",
		Short: "List one folder level",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bucket, prefix := args[0], ""
			if len(args) > 1 {
				prefix = args[1]
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()

			cursor := ""
			for {
				page, err := cli.adapter.ListObjects(cmd.Context(), cli.provider, bucket, prefix, cursor, 0)
				if err != nil {
					return err
				}
				for _, e := range page.Entries {
					if e.Type == storage.TypeFolder {
						fmt.Fprintf(w, "%s\t%s\t\n", bold(e.Key), gray("-"))
						continue
					}
					modified := ""
					if e.ModifiedAt != nil {
						modified = e.ModifiedAt.Local().Format(time.DateTime)
					}
					fmt.Fprintf(w, "%s\t%d\t%s\n", e.Key, e.Size, gray(modified))
				}
				if !page.HasMore || !all {
					if page.HasMore {
						fmt.Fprintln(w, yellow("(more entries; use --all)"))
					}
					return nil
				}
				cursor = page.NextCursor
			}
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Follow every page")
	return cmd
}

func newPutCommand(cli *CLI) *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "put <bucket> <file> <key>",
		Short: "Upload one file as-is",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			bucket, path, key := args[0], args[1], args[2]
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}
			if contentType == "" {
				contentType = mime.TypeByExtension(filepath.Ext(path))
			}
			if err := cli.adapter.Upload(cmd.Context(), cli.provider, bucket, key, f, info.Size(), contentType); err != nil {
				return err
			}
			status(cmd.OutOrStdout(), true, "%s -> %s/%s (%d bytes)", path, bucket, key, info.Size())
			return nil
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "Content type (default: from the file extension)")
	return cmd
}

func newGetCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "get <bucket> <key> <path>",
		Short: "Download one object to a local file",
		Long:  "Download one object. If path is a directory the object's file name is used.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			bucket, key, path := args[0], args[1], args[2]
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				path = filepath.Join(path, filepath.Base(key))
			}
			saved, err := cli.adapter.DownloadToFile(cmd.Context(), cli.provider, bucket, key, path)
			if err != nil {
				return err
			}
			status(cmd.OutOrStdout(), true, "%s/%s -> %s", bucket, key, saved)
			return nil
		},
	}
}

func newRemoveCommand(cli *CLI) *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "rm <bucket> <key>...",
		Short: "Delete objects, or folders with -r",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bucket, keys := args[0], args[1:]
			out := cmd.OutOrStdout()
			if recursive {
				var failed []string
				for _, key := range keys {
					err := cli.adapter.DeleteObject(cmd.Context(), cli.provider, bucket, key, true)
					status(out, err == nil, "%s", key)
					if err != nil {
						failed = append(failed, key)
					}
				}
				if len(failed) > 0 {
					return fmt.Errorf("%d of %d deletes failed", len(failed), len(keys))
				}
				return nil
			}
			err := cli.adapter.DeleteObjects(cmd.Context(), cli.provider, bucket, keys)
			reportBatch(cmd, keys, err)
			return err
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Treat keys as folders and delete everything under them")
	return cmd
}

// reportBatch prints one line per key of a batch operation.
func reportBatch(cmd *cobra.Command, keys []string, err error) {
	failed := map[string]bool{}
	var be *bderr.BatchError
	if errors.As(err, &be) {
		for _, k := range be.FailedKeys() {
			failed[k] = true
		}
	} else if err != nil {
		return
	}
	for _, k := range keys {
		status(cmd.OutOrStdout(), !failed[k], "%s", k)
	}
}

func newMoveCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "mv <bucket> <source>... <destination-prefix>",
		Short: "Move files or folders under another folder",
		Long:  `Move files or folders under another folder. Use "" as the destination for the bucket root.`,
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			bucket := args[0]
			sources, dest := args[1:len(args)-1], args[len(args)-1]
			if len(sources) == 1 {
				key, err := cli.adapter.MoveObject(cmd.Context(), cli.provider, bucket, sources[0], dest)
				if err != nil {
					return err
				}
				status(cmd.OutOrStdout(), true, "%s -> %s", sources[0], key)
				return nil
			}
			err := cli.adapter.MoveObjects(cmd.Context(), cli.provider, bucket, sources, dest)
			reportBatch(cmd, sources, err)
			return err
		},
	}
}

func newRenameCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <bucket> <key> <new-name>",
		Short: "Rename a file or folder within its folder",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := cli.adapter.RenameObject(cmd.Context(), cli.provider, args[0], args[1], args[2])
			if err != nil {
				return err
			}
			status(cmd.OutOrStdout(), true, "%s -> %s", args[1], key)
			return nil
		},
	}
}

func newMkdirCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <bucket> <path>",
		Short: "Create an empty folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, err := cli.adapter.CreateFolder(cmd.Context(), cli.provider, args[0], args[1])
			if err != nil {
				return err
			}
			status(cmd.OutOrStdout(), true, "%s", prefix)
			return nil
		},
	}
}

func newMakeBucketCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "mb <bucket>",
		Short: "Create a bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.adapter.CreateBucket(cmd.Context(), cli.provider, args[0]); err != nil {
				return err
			}
			status(cmd.OutOrStdout(), true, "bucket %s created", args[0])
			return nil
		},
	}
}

func newRemoveBucketCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "rb <bucket>",
		Short: "Delete an empty bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.adapter.DeleteBucket(cmd.Context(), cli.provider, args[0]); err != nil {
				return err
			}
			status(cmd.OutOrStdout(), true, "bucket %s deleted", args[0])
			return nil
		},
	}
}

func newURLCommand(cli *CLI) *cobra.Command {
	var expires time.Duration
	cmd := &cobra.Command{
		Use:   "url <bucket> <key>",
		Short: "Print a presigned read URL",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := cli.adapter.GetObjectURL(cmd.Context(), cli.provider, args[0], args[1], expires)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u)
			return nil
		},
	}
	cmd.Flags().DurationVar(&expires, "expires", 0, "URL lifetime (default: one hour)")
	return cmd
}

func newResumeCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Finish renames and moves interrupted by a crash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.adapter.ResumePending(cmd.Context(), cli.provider); err != nil {
				return err
			}
			status(cmd.OutOrStdout(), true, "no pending relocations")
			return nil
		},
	}
}

func newPingCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Test the profile's credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res := cli.adapter.TestConnection(cmd.Context(), cli.provider)
			if !res.Connected {
				return bderr.New(res.Kind, "ping", "", "", errors.New(res.Error))
			}
			status(cmd.OutOrStdout(), true, "connected to %s", cli.provider.Kind())
			return nil
		},
	}
}
