// Package cli 实现 pdfctl 命令行：入库、问答、摘要、文档管理与服务启动。
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pdf-assistant-go/internal/app"
	"pdf-assistant-go/internal/config"
	"pdf-assistant-go/pkg/errs"
	"pdf-assistant-go/pkg/log"
)

type rootOptions struct {
	configFile string
	verbose    bool
	cfg        *config.Config
}

// open 组装组件。命令行总是同步入库，不经过 Kafka。
func (o *rootOptions) open(ctx context.Context) (*app.App, error) {
	cfg := *o.cfg
	cfg.Ingest.Async = false
	return app.New(ctx, &cfg)
}

// NewRootCmd 创建 pdfctl 根命令。
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "pdfctl",
		Short: "Ask questions about your PDF documents",
		Long: `pdfctl ingests PDF files into a local vector index and answers questions
grounded in their content, optionally augmented with web search.

Example usage:
  pdfctl ingest ./papers/**/*.pdf       # Index every PDF under ./papers
  pdfctl query "What is the main result?"
  pdfctl documents list -o json
  pdfctl serve                          # Start the HTTP API`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			opts.cfg = cfg

			log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
			// 交互式命令默认只输出告警
			if !opts.verbose && cmd.Name() != "serve" {
				log.SetLevel("warn")
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			log.Sync()
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "./configs/config.yaml", "config file")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "show info-level logs")

	cmd.AddCommand(
		newIngestCmd(opts),
		newQueryCmd(opts),
		newSummarizeCmd(opts),
		newDocumentsCmd(opts),
		newIndexCmd(opts),
		newServeCmd(opts),
	)
	return cmd
}

// Execute 运行根命令，Ctrl-C 取消正在进行的操作，出错时以非零状态码退出。
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// describe 返回适合终端展示的错误说明；未分类的错误保留原始信息。
func describe(err error) string {
	if errs.KindOf(err) == errs.KindInternal {
		return err.Error()
	}
	return errs.Message(err)
}
