package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pdf-assistant-go/internal/model"
)

// streamWriter 把模型增量直接写到终端。
type streamWriter struct {
	w io.Writer
}

func (s streamWriter) WriteMessage(_ int, data []byte) error {
	_, err := s.w.Write(data)
	return err
}

func newQueryCmd(o *rootOptions) *cobra.Command {
	var (
		web    bool
		docID  string
		topK   int
		stream bool
	)
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Answer a question from the indexed documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := o.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			req := model.QueryRequest{
				Query:        strings.Join(args, " "),
				UseWebSearch: web,
				DocumentID:   docID,
				TopK:         topK,
			}
			out := cmd.OutOrStdout()

			var res *model.QueryResult
			if stream {
				res, err = a.Queries.QueryStream(ctx, req, streamWriter{w: out})
				fmt.Fprintln(out)
			} else {
				res, err = a.Queries.Query(ctx, req)
				if err == nil {
					fmt.Fprintln(out, res.Answer)
				}
			}
			if err != nil {
				return fmt.Errorf("query failed: %s", describe(err))
			}
			printSources(out, res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&web, "web", false, "augment the context with web search results")
	cmd.Flags().StringVar(&docID, "doc", "", "restrict retrieval to one document id")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "number of chunks to retrieve (default from config)")
	cmd.Flags().BoolVar(&stream, "stream", true, "print the answer as it is generated")
	return cmd
}

func printSources(w io.Writer, res *model.QueryResult) {
	if len(res.Chunks) == 0 && len(res.WebSources) == 0 {
		return
	}
	fmt.Fprintln(w, "\nSources:")
	for i, ch := range res.Chunks {
		fmt.Fprintf(w, "  [D%d] %s page %d (score %.3f)\n", i+1, ch.DocumentID, ch.Page, ch.Score)
	}
	for i, s := range res.WebSources {
		fmt.Fprintf(w, "  [W%d] %s - %s\n", i+1, s.Title, s.URL)
	}
}

func newSummarizeCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "summarize <document-id>",
		Short: "Summarize one indexed document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := o.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.Summaries.Summarize(ctx, args[0])
			if err != nil {
				return fmt.Errorf("summarize failed: %s", describe(err))
			}
			fmt.Fprintln(cmd.OutOrStdout(), summary)
			return nil
		},
	}
}
