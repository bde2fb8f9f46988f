package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pdf-assistant-go/internal/model"
)

func newDocumentsCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "documents",
		Aliases: []string{"docs"},
		Short:   "List or delete indexed documents",
	}

	var output string
	list := &cobra.Command{
		Use:   "list",
		Short: "List indexed documents, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := o.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			docs, err := a.Documents.List(ctx)
			if err != nil {
				return err
			}
			return renderDocuments(cmd.OutOrStdout(), docs, output)
		},
	}
	list.Flags().StringVarP(&output, "output", "o", "table", "output format: table, json or yaml")

	del := &cobra.Command{
		Use:   "delete <document-id>...",
		Short: "Delete documents and all of their chunks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := o.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, id := range args {
				if err := a.Documents.Delete(ctx, id); err != nil {
					return fmt.Errorf("delete %s: %s", id, describe(err))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			}
			return nil
		},
	}

	cmd.AddCommand(list, del)
	return cmd
}

// documentView 是命令行输出用的字段集合。
type documentView struct {
	ID         string `json:"id" yaml:"id"`
	Filename   string `json:"filename" yaml:"filename"`
	Uploaded   string `json:"uploaded" yaml:"uploaded"`
	Pages      int    `json:"pages" yaml:"pages"`
	Chunks     int    `json:"chunks" yaml:"chunks"`
	Bytes      int64  `json:"bytes" yaml:"bytes"`
	ContentMD5 string `json:"content_md5" yaml:"content_md5"`
}

func renderDocuments(w io.Writer, docs []model.Document, format string) error {
	views := make([]documentView, 0, len(docs))
	for _, d := range docs {
		views = append(views, documentView{
			ID:         d.ID,
			Filename:   d.Filename,
			Uploaded:   d.UploadTime.UTC().Format("2006-01-02 15:04:05"),
			Pages:      d.PageCount,
			Chunks:     d.ChunkCount,
			Bytes:      d.ByteSize,
			ContentMD5: d.ContentHash,
		})
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(views)
	case "table", "":
		if len(views) == 0 {
			_, err := fmt.Fprintln(w, "No documents indexed.")
			return err
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tFILENAME\tUPLOADED\tPAGES\tCHUNKS")
		for _, v := range views {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", v.ID, v.Filename, v.Uploaded, v.Pages, v.Chunks)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q (use table, json or yaml)", format)
	}
}
