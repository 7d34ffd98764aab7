// Package syncclient は外部の同期エンドポイント（取引元スクレイパー）との通信を提供する。
// イベントストリームを返す同期開始APIと、残留セッションの強制停止APIを扱う。
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/finsync/internal/model"
)

const (
	streamPath    = "/sync/stream"
	forceStopPath = "/sync/force-stop"

	// maxErrorBodySize はエラーレスポンスとして読み込む最大バイト数。
	maxErrorBodySize = 64 * 1024

	userAgent = "finsync/1.0"

	concurrencyKind = "CONCURRENCY_ERROR"
)

// Options は同期リクエストのオプション。
type Options struct {
	CombineInstallments bool `json:"combineInstallments,omitempty"`
	FutureMonths        int  `json:"futureMonthsToScrape,omitempty"`
	ShowBrowser         bool `json:"showBrowser,omitempty"`
}

// Request は同期開始リクエスト。
type Request struct {
	AccountID string
	Vendor    string
	StartDate time.Time
	Options   Options
}

// requestBody は同期開始リクエストのJSONボディ。
type requestBody struct {
	AccountID string  `json:"accountId"`
	Vendor    string  `json:"vendor"`
	StartDate string  `json:"startDate"`
	Options   Options `json:"options"`
}

// errorBody は非2xxレスポンスのJSONボディ。
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Error   string `json:"error"`
	Hint    string `json:"hint"`
}

// Client は同期エンドポイントのHTTPクライアント。
// ストリームを長時間読み続けるため、http.Client.Timeoutは使用せず
// 呼び出し元のcontextで中断を制御する。
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewClient はClientを生成する。baseURLが不正な場合はエラーを返す。
func NewClient(httpClient *http.Client, baseURL string, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid sync endpoint URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid sync endpoint URL scheme: %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("sync endpoint URL has no host: %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
	}, nil
}

// StartSync は同期を開始し、イベントストリームのボディを返す。
// 呼び出し元はボディを必ずCloseすること。
// ctxのキャンセルでストリームの読み込みは即座に中断される。
//
// 失敗時は*model.SyncErrorを返す。
// 非2xxレスポンスでkindがCONCURRENCY_ERRORの場合、またはHTTP 409の場合は
// KindConcurrencyとなる。
func (c *Client) StartSync(ctx context.Context, req Request) (io.ReadCloser, error) {
	body, err := json.Marshal(requestBody{
		AccountID: req.AccountID,
		Vendor:    req.Vendor,
		StartDate: req.StartDate.Format(time.DateOnly),
		Options:   req.Options,
	})
	if err != nil {
		return nil, &model.SyncError{Kind: model.KindConfiguration, Message: "リクエストの生成に失敗しました", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+streamPath, bytes.NewReader(body))
	if err != nil {
		return nil, &model.SyncError{Kind: model.KindConfiguration, Message: "HTTPリクエストの作成に失敗しました", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Error("同期エンドポイントへのリクエストに失敗しました",
			slog.String("account_id", req.AccountID),
			slog.String("vendor", req.Vendor),
			slog.String("error", err.Error()),
		)
		return nil, &model.SyncError{Kind: model.KindNetwork, Message: "同期エンドポイントに接続できません", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		syncErr := decodeErrorResponse(resp)
		c.logger.Warn("同期エンドポイントがエラーステータスを返しました",
			slog.String("account_id", req.AccountID),
			slog.String("vendor", req.Vendor),
			slog.Int("http_status", resp.StatusCode),
			slog.String("kind", string(syncErr.Kind)),
		)
		return nil, syncErr
	}

	return resp.Body, nil
}

// ForceStop はリモートで残留している同期処理を強制停止する。
// 同時実行エラーの後、利用者が明示的に確認した場合にのみ呼び出すこと。
func (c *Client) ForceStop(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+forceStopPath, nil)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Error("強制停止リクエストに失敗しました", slog.String("error", err.Error()))
		return &model.SyncError{Kind: model.KindNetwork, Message: "同期エンドポイントに接続できません", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeErrorResponse(resp)
	}

	c.logger.Info("リモートの同期処理を強制停止しました")
	return nil
}

// decodeErrorResponse は非2xxレスポンスをSyncErrorに変換する。
func decodeErrorResponse(resp *http.Response) *model.SyncError {
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	var eb errorBody
	structured := readErr == nil && json.Unmarshal(raw, &eb) == nil

	msg := eb.Message
	if msg == "" {
		msg = eb.Error
	}
	if msg == "" {
		msg = fmt.Sprintf("同期エンドポイントがステータス %d を返しました", resp.StatusCode)
	}

	syncErr := &model.SyncError{
		Kind:       model.KindNetwork,
		Message:    msg,
		Hint:       eb.Hint,
		VendorKind: eb.Kind,
		StatusCode: resp.StatusCode,
	}

	switch {
	case structured && eb.Kind == concurrencyKind:
		syncErr.Kind = model.KindConcurrency
	case resp.StatusCode == http.StatusConflict:
		syncErr.Kind = model.KindConcurrency
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		syncErr.Kind = model.KindConfiguration
	case structured && eb.Kind != "":
		syncErr.Kind = model.KindVendor
	}
	if readErr != nil {
		syncErr.Err = readErr
	}
	return syncErr
}

// IsConcurrency はerrが同時実行エラーかを返す。
func IsConcurrency(err error) bool {
	return errors.Is(err, model.ErrConcurrency)
}
