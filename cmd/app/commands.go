package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/starford/nbfolio/internal"
	"github.com/starford/nbfolio/internal/pipeline"
)

func stripCommand() *cli.Command {
	return &cli.Command{
		Name:      "strip",
		Usage:     "Write a processed copy of a notebook with large outputs removed",
		ArgsUsage: "<notebook>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Output file (default: same path under paths.processed_dir)"},
			&cli.StringFlag{Name: "mode", Usage: "large or all (default from strip.mode)"},
			&cli.IntFlag{Name: "max-output-bytes", Usage: "Size limit of a single output entry (default from strip.max_output_bytes)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 1 {
				return fmt.Errorf("strip: expected one notebook path")
			}
			out := cmd.String("out")
			var opts []internal.Option
			if out != "" {
				opts = append(opts, internal.WithProcessedDir(filepath.Dir(out)))
				out = filepath.Base(out)
			}
			app, err := newApp(cmd, func(cfg *internal.Config) {
				if m := cmd.String("mode"); m != "" {
					cfg.Strip.Mode = m
				}
				if n := cmd.Int("max-output-bytes"); n > 0 {
					cfg.Strip.MaxOutputBytes = int(n)
				}
			}, opts...)
			if err != nil {
				return err
			}
			defer app.Close()

			src, err := app.Pipeline.Load(cmd.Args().First())
			if err != nil {
				return err
			}
			res, err := app.Pipeline.Strip(src, out)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%s: %d outputs and %d entries removed (%s)\n",
				res.Output.Path, res.Report.OutputsRemoved, res.Report.EntriesRemoved,
				humanize.Bytes(uint64(res.Report.BytesRemoved)))
			return nil
		},
	}
}

func chartsCommand() *cli.Command {
	return &cli.Command{
		Name:      "charts",
		Usage:     "Export embedded charts as standalone HTML files",
		ArgsUsage: "[notebook...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out-dir", Aliases: []string{"o"}, Usage: "Output directory (default: paths.plots_dir)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			var opts []internal.Option
			if dir := cmd.String("out-dir"); dir != "" {
				opts = append(opts, internal.WithPlotsDir(dir))
			}
			app, err := newApp(cmd, nil, opts...)
			if err != nil {
				return err
			}
			defer app.Close()

			var srcs []*pipeline.Source
			if cmd.NArg() == 0 {
				if srcs, err = app.Pipeline.LoadAll(); err != nil {
					return err
				}
			}
			for _, name := range cmd.Args().Slice() {
				src, err := app.Pipeline.Load(name)
				if err != nil {
					return err
				}
				srcs = append(srcs, src)
			}

			res, err := app.Pipeline.Export(srcs...)
			if err != nil {
				return err
			}
			for _, f := range res.Files {
				fmt.Fprintf(os.Stdout, "%s\t%s\n", f.Path, f.Title)
			}
			for _, p := range res.Removed {
				fmt.Fprintf(os.Stdout, "removed %s\n", p)
			}
			return nil
		},
	}
}

func renderCommand() *cli.Command {
	return &cli.Command{
		Name:      "render",
		Usage:     "Render a notebook as a standalone HTML page",
		ArgsUsage: "<notebook>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Output file (default: <notebook>.html under paths.processed_dir)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 1 {
				return fmt.Errorf("render: expected one notebook path")
			}
			out := cmd.String("out")
			var opts []internal.Option
			if out != "" {
				opts = append(opts, internal.WithProcessedDir(filepath.Dir(out)))
				out = filepath.Base(out)
			}
			app, err := newApp(cmd, nil, opts...)
			if err != nil {
				return err
			}
			defer app.Close()

			src, err := app.Pipeline.Load(cmd.Args().First())
			if err != nil {
				return err
			}
			res, err := app.Pipeline.Render(src, out)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, res.Output.Path)
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Convert every changed notebook in the source directory",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "Convert every notebook, changed or not"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			app, err := newApp(cmd, nil)
			if err != nil {
				return err
			}
			defer app.Close()

			rep, err := app.Pipeline.Sync(ctx, cmd.Bool("force"))
			if rep != nil {
				fmt.Fprintf(os.Stdout, "processed %d, skipped %d, removed %d, failed %d\n",
					rep.Processed, rep.Skipped, rep.Removed, rep.Failed)
				for _, f := range rep.Failures {
					fmt.Fprintf(os.Stdout, "failed %s\n", f)
				}
			}
			return err
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show which notebooks are new, stale, current or orphaned",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			app, err := newApp(cmd, nil)
			if err != nil {
				return err
			}
			defer app.Close()

			entries, err := app.Pipeline.Status()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STATE\tNOTEBOOK\tCONVERTED")
			for _, e := range entries {
				when := "-"
				if e.UpdatedAt != nil {
					when = humanize.Time(*e.UpdatedAt)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.State, e.Source, when)
			}
			return tw.Flush()
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Convert notebooks whenever they change",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			app, err := newApp(cmd, nil)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Watch(ctx)
		},
	}
}

func previewCommand() *cli.Command {
	return &cli.Command{
		Name:  "preview",
		Usage: "Serve the outputs locally with live reload",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "HTTP port (default from preview.http.port)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			app, err := newApp(cmd, func(cfg *internal.Config) {
				if p := cmd.Int("port"); p > 0 {
					cfg.Preview.HTTP.Port = int(p)
				}
			})
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Preview(ctx)
		},
	}
}

func mcpCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the conversions as MCP tools over stdio",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			app, err := newApp(cmd, nil)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.ServeMCP()
		},
	}
}
