// Package main 是 pdfctl 命令行的入口点。
package main

import "pdf-assistant-go/internal/cli"

func main() {
	cli.Execute()
}
