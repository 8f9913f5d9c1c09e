package main

import (
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bucketdesk/bucketdesk/internal/compress"
	"github.com/bucketdesk/bucketdesk/internal/transfer"
)

func newCompressCommand(cli *CLI) *cobra.Command {
	var (
		presetID string
		crop     []int
		out      string
		blur     bool
	)
	cmd := &cobra.Command{
		Use:   "compress <image>",
		Short: "Compress an image locally without uploading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			stem := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))

			if blur {
				ph, err := compress.MakePlaceholder(data)
				if err != nil {
					return err
				}
				dest := out
				if dest == "" {
					dest = fmt.Sprintf("%s_blur_%dx%d.%s", stem, ph.Width, ph.Height, compress.Extension(ph.Format))
				}
				if err := os.WriteFile(dest, ph.Data, 0o644); err != nil {
					return err
				}
				status(cmd.OutOrStdout(), true, "%s (%dx%d, blurhash %s)", dest, ph.Width, ph.Height, ph.Hash)
				return nil
			}

			registry, err := compress.NewRegistry(cli.cfg.Presets...)
			if err != nil {
				return err
			}
			preset, err := registry.Get(presetID)
			if err != nil {
				return err
			}
			var opts compress.Options
			if len(crop) > 0 {
				if len(crop) != 4 {
					return fmt.Errorf("--crop takes x,y,width,height")
				}
				r := image.Rect(crop[0], crop[1], crop[0]+crop[2], crop[1]+crop[3])
				opts.Crop = &r
			}
			res, err := compress.Compress(data, preset, opts)
			if err != nil {
				return err
			}
			dest := out
			if dest == "" {
				dest = fmt.Sprintf("%s_%s_%dx%d.%s", stem, preset.ID, res.Width, res.Height, compress.Extension(res.Format))
			}
			if err := os.WriteFile(dest, res.Data, 0o644); err != nil {
				return err
			}
			status(cmd.OutOrStdout(), true, "%s (%dx%d, %d -> %d bytes)", dest, res.Width, res.Height, len(data), res.Size)
			return nil
		},
	}
	cmd.Flags().StringVar(&presetID, "preset", "standard", "Preset id")
	cmd.Flags().IntSliceVar(&crop, "crop", nil, "Crop rectangle x,y,width,height in source pixels")
	cmd.Flags().StringVarP(&out, "output", "o", "", "Output path (default: derived from the preset and size)")
	cmd.Flags().BoolVar(&blur, "blur", false, "Write the blur placeholder instead of a preset rendition")
	return cmd
}

func newUploadCommand(cli *CLI) *cobra.Command {
	var (
		prefix       string
		presets      []string
		keepOriginal bool
		blur         bool
		document     string
		mode         string
		baseURL      string
		crop         []int
	)
	cmd := &cobra.Command{
		Use:   "upload <bucket> <file>...",
		Short: "Upload files, compressing images into preset variants",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rect *transfer.Crop
			if len(crop) > 0 {
				if len(crop) != 4 {
					return fmt.Errorf("--crop takes x,y,width,height")
				}
				rect = &transfer.Crop{X: crop[0], Y: crop[1], Width: crop[2], Height: crop[3]}
			}
			files := make([]transfer.SourceFile, 0, len(args)-1)
			for _, p := range args[1:] {
				files = append(files, transfer.SourceFile{Path: p, Crop: rect})
			}
			req := transfer.UploadRequest{
				Provider:                cli.provider,
				Bucket:                  args[0],
				Prefix:                  prefix,
				Files:                   files,
				Presets:                 presets,
				KeepOriginal:            keepOriginal,
				GenerateBlurPlaceholder: blur,
				Rewrite:                 transfer.RewriteOptions{Mode: transfer.RewriteMode(mode), BaseURL: baseURL},
			}
			if document != "" {
				data, err := os.ReadFile(document)
				if err != nil {
					return err
				}
				req.Document = string(data)
			}

			o, err := cli.orchestrator()
			if err != nil {
				return err
			}
			defer o.Close(cmd.Context())
			id, _, err := o.SubmitUpload(cmd.Context(), req)
			if err != nil {
				return err
			}
			summary, err := o.Wait(cmd.Context(), id)
			if err != nil {
				return err
			}
			report(cmd.OutOrStdout(), summary)
			if document != "" && summary.Document != "" {
				if err := os.WriteFile(document, []byte(summary.Document), 0o644); err != nil {
					return err
				}
				status(cmd.OutOrStdout(), true, "rewrote %s", document)
			}
			return summaryErr(summary)
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Destination folder")
	cmd.Flags().StringSliceVar(&presets, "preset", nil, "Compression preset id (repeatable)")
	cmd.Flags().BoolVar(&keepOriginal, "keep-original", false, "Also upload the untouched original of each image")
	cmd.Flags().BoolVar(&blur, "blur", false, "Also upload a blur placeholder of each image")
	cmd.Flags().StringVar(&document, "document", "", "Markdown file whose image references are rewritten in place")
	cmd.Flags().StringVar(&mode, "rewrite", "path", "Reference rewrite mode: path or url")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Public base URL for url rewriting (default: presigned URLs)")
	cmd.Flags().IntSliceVar(&crop, "crop", nil, "Crop rectangle x,y,width,height applied to every image")
	return cmd
}

func newDownloadCommand(cli *CLI) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "download <bucket> <key>...",
		Short: "Download objects into a local directory",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := cli.orchestrator()
			if err != nil {
				return err
			}
			defer o.Close(cmd.Context())
			id, _, err := o.SubmitDownload(cmd.Context(), transfer.DownloadRequest{
				Provider:  cli.provider,
				Bucket:    args[0],
				Keys:      args[1:],
				Directory: dir,
			})
			if err != nil {
				return err
			}
			summary, err := o.Wait(cmd.Context(), id)
			if err != nil {
				return err
			}
			report(cmd.OutOrStdout(), summary)
			return summaryErr(summary)
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "Target directory")
	return cmd
}

// orchestrator builds a transfer pool over the CLI's adapter. History is
// not recorded for command-line transfers.
func (c *CLI) orchestrator() (*transfer.Orchestrator, error) {
	presets, err := compress.NewRegistry(c.cfg.Presets...)
	if err != nil {
		return nil, err
	}
	return transfer.New(c.adapter, transfer.Options{
		MaxConcurrent:   c.cfg.Transfer.MaxConcurrent,
		Workers:         c.cfg.Transfer.Workers,
		CompressWorkers: c.cfg.Transfer.CompressWorkers,
		CallTimeout:     c.cfg.Transfer.CallTimeout.Std(),
		Retention:       c.cfg.Transfer.Retention.Std(),
		Presets:         presets,
	}), nil
}

// report prints one line per task.
func report(w io.Writer, s transfer.Summary) {
	for _, t := range s.Tasks {
		switch t.Status {
		case transfer.StatusCompleted:
			status(w, true, "%s -> %s %s", t.SourceName, t.Destination, gray(fmt.Sprintf("(%d bytes)", t.ResultSize)))
		case transfer.StatusCancelled:
			fmt.Fprintf(w, "%s %s\n", yellow("cancelled"), t.SourceName)
		default:
			status(w, false, "%s: %s", t.SourceName, t.Error)
		}
	}
}

func summaryErr(s transfer.Summary) error {
	if s.Success {
		return nil
	}
	return fmt.Errorf("%d of %d tasks did not complete", s.Total-s.Completed, s.Total)
}
