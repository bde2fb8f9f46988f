package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"pdf-assistant-go/internal/app"
)

func newIngestCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <path|glob>...",
		Short: "Extract, chunk, embed and index PDF files",
		Long: `Ingest PDF files into the index. Arguments may be files, directories
(searched recursively for *.pdf) or doublestar globs such as "docs/**/*.pdf".
Files whose content was already ingested are reported as duplicates.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := expandPaths(args)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("no PDF files matched %s", strings.Join(args, " "))
			}

			ctx := cmd.Context()
			a, err := o.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			bar := progressbar.NewOptions(len(paths),
				progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionSetDescription("Ingesting"),
				progressbar.OptionOnCompletion(func() {
					fmt.Fprintln(cmd.ErrOrStderr())
				}),
			)

			var lines []string
			failed := 0
			for _, p := range paths {
				bar.Describe(filepath.Base(p))
				line, err := ingestFile(ctx, a, p)
				if err != nil {
					failed++
					line = fmt.Sprintf("fail  %s: %s", p, describe(err))
				}
				lines = append(lines, line)
				_ = bar.Add(1)
				if ctx.Err() != nil {
					break
				}
			}
			_ = bar.Finish()

			for _, l := range lines {
				fmt.Fprintln(out, l)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed", failed, len(paths))
			}
			return nil
		},
	}
}

// expandPaths 展开文件、目录与 glob 参数，返回去重排序后的 PDF 路径。
func expandPaths(args []string) ([]string, error) {
	seen := make(map[string]struct{})
	add := func(p string) {
		seen[filepath.Clean(p)] = struct{}{}
	}

	for _, arg := range args {
		if strings.ContainsAny(arg, "*?[{") {
			matches, err := doublestar.FilepathGlob(arg)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", arg, err)
			}
			for _, m := range matches {
				if info, err := os.Stat(m); err == nil && !info.IsDir() {
					add(m)
				}
			}
			continue
		}

		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("path does not exist: %w", err)
		}
		if !info.IsDir() {
			add(arg)
			continue
		}
		matches, err := doublestar.Glob(os.DirFS(arg), "**/*.{pdf,PDF}", doublestar.WithFilesOnly())
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			add(filepath.Join(arg, filepath.FromSlash(m)))
		}
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func ingestFile(ctx context.Context, a *app.App, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	res, err := a.Uploads.Upload(ctx, filepath.Base(path), data)
	if err != nil {
		return "", err
	}
	chunks := 0
	if res.Document != nil {
		chunks = res.Document.ChunkCount
	}
	return fmt.Sprintf("ok    %s -> %s (%s, %d chunks)", path, res.DocumentID, res.Message(), chunks), nil
}
