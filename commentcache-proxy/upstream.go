package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jedisct1/dlog"

	"github.com/happyheadlines/commentcache/cacheaside"
	"github.com/happyheadlines/commentcache/threadcache"
)

const maxUpstreamResponseSize = 8 << 20

// UpstreamError reports an unexpected answer from the comment service.
type UpstreamError struct {
	Method string
	Path   string
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s %s: %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
}

// UpstreamClient is the persistence of the cache-aside service: the comment service
// the proxy sits in front of, reached over HTTP.
type UpstreamClient struct {
	baseURL   *url.URL
	client    *http.Client
	transport *http.Transport
}

var _ cacheaside.Persistence = (*UpstreamClient)(nil)

func NewUpstreamClient(baseURL string, timeout time.Duration) (*UpstreamClient, error) {
	parsed, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: timeout,
	}
	return &UpstreamClient{
		baseURL:   parsed,
		client:    &http.Client{Transport: transport, Timeout: timeout},
		transport: transport,
	}, nil
}

func (upstream *UpstreamClient) Close() {
	upstream.transport.CloseIdleConnections()
}

func (upstream *UpstreamClient) fetch(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	target := *upstream.baseURL
	target.Path += path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", "commentcache-proxy")
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	start := time.Now()
	resp, err := upstream.client.Do(req)
	if err != nil {
		dlog.Debugf("Upstream client error: [%v] - closing idle connections", err)
		upstream.transport.CloseIdleConnections()
		return nil, 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamResponseSize))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	dlog.Debugf("Upstream %s %s: %d in %v", method, path, resp.StatusCode, time.Since(start))
	return data, resp.StatusCode, nil
}

// call performs a request and decodes a JSON record; a 404 is reported as not found.
func (upstream *UpstreamClient) call(ctx context.Context, method, path string, body []byte, expected int) (threadcache.CommentRecord, bool, error) {
	data, status, err := upstream.fetch(ctx, method, path, body)
	if err != nil {
		return threadcache.CommentRecord{}, false, err
	}
	if status == http.StatusNotFound {
		return threadcache.CommentRecord{}, false, nil
	}
	if status != expected {
		return threadcache.CommentRecord{}, false, &UpstreamError{Method: method, Path: path, Status: status}
	}
	var record threadcache.CommentRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return threadcache.CommentRecord{}, false, fmt.Errorf("upstream %s %s: %w", method, path, err)
	}
	if record.ID <= 0 || record.ArticleID <= 0 {
		return threadcache.CommentRecord{}, false, errors.New("upstream " + method + " " + path + ": incomplete comment record")
	}
	return record, true, nil
}

func commentPath(commentID int64) string {
	return "/comments/" + strconv.FormatInt(commentID, 10)
}

func (upstream *UpstreamClient) GetThreadByArticleID(ctx context.Context, articleID int64) ([]threadcache.CommentRecord, error) {
	path := "/articles/" + strconv.FormatInt(articleID, 10) + "/comments"
	data, status, err := upstream.fetch(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return []threadcache.CommentRecord{}, nil
	default:
		return nil, &UpstreamError{Method: http.MethodGet, Path: path, Status: status}
	}
	records, err := threadcache.DecodeThread(data)
	if err != nil {
		return nil, fmt.Errorf("upstream GET %s: %w", path, err)
	}
	return records, nil
}

func (upstream *UpstreamClient) GetCommentByID(ctx context.Context, commentID int64) (threadcache.CommentRecord, bool, error) {
	return upstream.call(ctx, http.MethodGet, commentPath(commentID), nil, http.StatusOK)
}

func (upstream *UpstreamClient) CreateComment(ctx context.Context, record threadcache.CommentRecord) (threadcache.CommentRecord, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return threadcache.CommentRecord{}, err
	}
	created, found, err := upstream.call(ctx, http.MethodPost, "/comments", body, http.StatusCreated)
	if err != nil {
		return threadcache.CommentRecord{}, err
	}
	if !found {
		return threadcache.CommentRecord{}, &UpstreamError{Method: http.MethodPost, Path: "/comments", Status: http.StatusNotFound}
	}
	return created, nil
}

func (upstream *UpstreamClient) UpdateComment(ctx context.Context, commentID int64, patch cacheaside.CommentPatch) (threadcache.CommentRecord, bool, error) {
	body, err := json.Marshal(patch)
	if err != nil {
		return threadcache.CommentRecord{}, false, err
	}
	return upstream.call(ctx, http.MethodPut, commentPath(commentID), body, http.StatusOK)
}

// DeleteComment expects the comment service to answer with the deleted record, so
// the article owning it can be invalidated.
func (upstream *UpstreamClient) DeleteComment(ctx context.Context, commentID int64) (threadcache.CommentRecord, bool, error) {
	return upstream.call(ctx, http.MethodDelete, commentPath(commentID), nil, http.StatusOK)
}
