// Package es 提供了基于 Elasticsearch 的向量索引实现。
package es

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"pdf-assistant-go/internal/config"
	"pdf-assistant-go/pkg/log"
)

// NewClient 创建客户端并请求一次集群信息，地址不可达时直接返回错误。
func NewClient(ctx context.Context, esCfg config.ElasticsearchConfig) (*elasticsearch.Client, error) {
	addrs := splitAddresses(esCfg.Addresses)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("elasticsearch addresses are empty")
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:     addrs,
		Username:      esCfg.Username,
		Password:      esCfg.Password,
		MaxRetries:    3,
		RetryOnStatus: []int{502, 503, 504, 429},
		RetryBackoff:  func(attempt int) time.Duration { return time.Duration(attempt) * 200 * time.Millisecond },
		Transport: &http.Transport{
			// 开发集群多为自签名证书
			TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
			ResponseHeaderTimeout: 30 * time.Second,
		},
	})
	if err != nil {
		return nil, err
	}

	infoCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	res, err := client.Info(client.Info.WithContext(infoCtx))
	if err != nil {
		return nil, fmt.Errorf("connect elasticsearch %v: %w", addrs, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch info: %s", res.Status())
	}
	log.Infof("[ESIndex] Elasticsearch 已连接, 地址: %v", addrs)
	return client, nil
}

// splitAddresses 解析逗号分隔的地址列表，忽略空项。
func splitAddresses(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, strings.TrimRight(a, "/"))
		}
	}
	return out
}
