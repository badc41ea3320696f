package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/dataset"
	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/plan"
)

const (
	tokenPath        = "/oauth2/tokenP"
	tokenFileName    = "kis_token.yaml"
	compactDayFormat = "20060102"

	// KIS는 토큰 재발급 횟수를 제한하므로 만료 직전까지 캐시를 쓴다.
	tokenSafetyMargin = time.Minute
	maxRetryDelay     = 30 * time.Second
)

// KISOptions parameterise the KIS market data fetcher.
type KISOptions struct {
	BaseURL        string
	AppKey         string
	AppSecret      string
	Endpoint       string
	TRID           string
	Timeout        time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	TokenDir       string
	DateColumn     string
	NumericColumns []string
	UserAgent      string
	// ExtraParams are fixed feed-level query parameters sent with every
	// request (the minute feed's hour/interval codes).
	ExtraParams map[string]string
}

// KIS fetches period quotes from the KIS open API.
type KIS struct {
	opts    KISOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// NewKIS constructs a KIS fetcher, applying defaults for unset options.
func NewKIS(opts KISOptions, logger zerolog.Logger) *KIS {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.TokenDir == "" {
		opts.TokenDir = "tokens"
	}
	if opts.DateColumn == "" {
		opts.DateColumn = "stck_bsop_date"
	}
	if opts.TRID == "" {
		opts.TRID = "FHKIF03020100"
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://openapi.koreainvestment.com:9443"
	}

	return &KIS{
		opts:    opts,
		logger:  logger.With().Str("component", "kis_fetcher").Logger(),
		client:  &http.Client{Timeout: opts.Timeout},
		baseURL: baseURL,
	}
}

// APIError is a KIS gateway or business level failure.
type APIError struct {
	Status int
	RtCd   string
	MsgCd  string
	Msg    string
}

func (e *APIError) Error() string {
	if e.RtCd != "" || e.MsgCd != "" {
		return fmt.Sprintf("KIS 응답 오류 (HTTP %d, rt_cd=%s, msg_cd=%s): %s", e.Status, e.RtCd, e.MsgCd, e.Msg)
	}
	if e.Msg != "" {
		return fmt.Sprintf("KIS 응답 오류 (HTTP %d): %s", e.Status, e.Msg)
	}
	return fmt.Sprintf("KIS 응답 오류 (HTTP %d)", e.Status)
}

// TokenExpired reports whether the gateway rejected our access token.
func (e *APIError) TokenExpired() bool {
	return e.RtCd == "1" && (e.MsgCd == "EGW00121" || e.MsgCd == "EGW00123")
}

func (e *APIError) retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// FetchWindow retrieves one sub-window of rows for code, retrying
// transient failures and reissuing the token once when it expired.
func (k *KIS) FetchWindow(ctx context.Context, code string, params map[string]string, window plan.Range) ([]dataset.Row, error) {
	if k.opts.AppKey == "" || k.opts.AppSecret == "" {
		return nil, errors.New("KIS appkey와 appsecret이 필요함")
	}
	if k.opts.Endpoint == "" {
		return nil, errors.New("KIS 조회 엔드포인트가 비어 있음")
	}

	query := url.Values{}
	for key, value := range k.opts.ExtraParams {
		query.Set(key, value)
	}
	for key, value := range params {
		query.Set(key, value)
	}
	query.Set("FID_INPUT_DATE_1", window.Start.Format(compactDayFormat))
	query.Set("FID_INPUT_DATE_2", window.End.Format(compactDayFormat))

	reauthed := false
	delay := k.opts.RetryDelay
	attempt := 0
	for {
		rows, err := k.fetchOnce(ctx, code, query)
		if err == nil {
			return rows, nil
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if apiErr.TokenExpired() && !reauthed {
				reauthed = true
				k.invalidateToken()
				k.logger.Warn().Str("code", code).Str("msg_cd", apiErr.MsgCd).Msg("토큰 만료 응답, 재발급 후 재시도")
				continue
			}
			if !apiErr.retryable() {
				return nil, err
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt >= k.opts.MaxRetries {
			return nil, err
		}

		attempt++
		sleep := retryJitter(delay)
		k.logger.Warn().
			Err(err).
			Str("code", code).
			Int("attempt", attempt).
			Dur("delay", sleep).
			Msg("시세 조회 실패, 재시도")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}

// retryJitter spreads retry sleeps so parallel collectors do not hit the
// gateway in lockstep.
func retryJitter(d time.Duration) time.Duration {
	return d + rand.N(d/2+1)
}

func (k *KIS) fetchOnce(ctx context.Context, code string, query url.Values) ([]dataset.Row, error) {
	token, err := k.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := k.baseURL + k.opts.Endpoint + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("appkey", k.opts.AppKey)
	req.Header.Set("appsecret", k.opts.AppSecret)
	req.Header.Set("tr_id", k.opts.TRID)
	req.Header.Set("custtype", "P")
	if ua := strings.TrimSpace(k.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "kospifeed/1.0")
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("시세 조회 요청 실패 (%s): %w", code, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("시세 응답 읽기 실패 (%s): %w", code, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	var env kisEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("시세 응답 파싱 실패 (%s): %w", code, err)
	}
	if env.RtCd != "0" {
		return nil, &APIError{Status: resp.StatusCode, RtCd: env.RtCd, MsgCd: env.MsgCd, Msg: env.Msg1}
	}

	raws := decodeRows(env.Output2)
	if len(raws) == 0 {
		// 일부 조회는 행을 output1에 담아 준다.
		raws = decodeRows(env.Output1)
	}

	rows := make([]dataset.Row, 0, len(raws))
	for _, raw := range raws {
		rows = append(rows, k.normalizeRow(raw))
	}
	return rows, nil
}

type kisEnvelope struct {
	RtCd    string          `json:"rt_cd"`
	MsgCd   string          `json:"msg_cd"`
	Msg1    string          `json:"msg1"`
	Output1 json.RawMessage `json:"output1"`
	Output2 json.RawMessage `json:"output2"`
}

func decodeRows(raw json.RawMessage) []map[string]any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	if trimmed[0] == '[' {
		var rows []map[string]any
		if err := unmarshalUseNumber(trimmed, &rows); err != nil {
			return nil
		}
		return rows
	}

	var row map[string]any
	if err := unmarshalUseNumber(trimmed, &row); err != nil || len(row) == 0 {
		return nil
	}
	return []map[string]any{row}
}

func unmarshalUseNumber(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func (k *KIS) normalizeRow(raw map[string]any) dataset.Row {
	row := make(dataset.Row, len(raw))
	for col, value := range raw {
		row[col] = stringifyField(value)
	}

	if date, ok := row[k.opts.DateColumn]; ok {
		row[k.opts.DateColumn] = normalizeDate(date)
	}
	for _, col := range k.opts.NumericColumns {
		value, ok := row[col]
		if !ok {
			continue
		}
		row[col] = normalizeNumeric(value)
	}
	return row
}

func stringifyField(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case json.Number:
		return value.String()
	case bool:
		return strconv.FormatBool(value)
	default:
		return fmt.Sprint(value)
	}
}

// normalizeDate rewrites YYYYMMDD into YYYY-MM-DD; anything else passes through.
func normalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) != len(compactDayFormat) {
		return s
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return s
		}
	}
	return s[:4] + "-" + s[4:6] + "-" + s[6:]
}

// normalizeNumeric strips thousands separators and drops values that do
// not parse as numbers, so downstream consumers see "" instead of junk.
func normalizeNumeric(s string) string {
	cleaned := strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if cleaned == "" {
		return ""
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return ""
	}
	return d.String()
}

type errorResponse struct {
	RtCd      string `json:"rt_cd"`
	MsgCd     string `json:"msg_cd"`
	Msg1      string `json:"msg1"`
	ErrorCode string `json:"error_code"`
	ErrorDesc string `json:"error_description"`
}

func parseHTTPError(status int, payload []byte) *APIError {
	apiErr := &APIError{Status: status}
	var body errorResponse
	if err := json.Unmarshal(payload, &body); err == nil {
		apiErr.RtCd = body.RtCd
		apiErr.MsgCd = body.MsgCd
		if apiErr.MsgCd == "" {
			apiErr.MsgCd = body.ErrorCode
		}
		apiErr.Msg = body.Msg1
		if apiErr.Msg == "" {
			apiErr.Msg = body.ErrorDesc
		}
	}
	if apiErr.Msg == "" && len(payload) > 0 {
		apiErr.Msg = strings.TrimSpace(string(payload))
	}
	return apiErr
}

type cachedToken struct {
	AccessToken string    `yaml:"access_token"`
	IssuedAt    time.Time `yaml:"issued_at"`
	ExpiresAt   time.Time `yaml:"expires_at"`
}

func (k *KIS) tokenFile() string {
	return filepath.Join(k.opts.TokenDir, tokenFileName)
}

// ensureToken returns a valid access token, reusing the in-memory or
// on-disk cache before issuing a new one.
func (k *KIS) ensureToken(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	if k.token != "" && now.Before(k.tokenExp.Add(-tokenSafetyMargin)) {
		return k.token, nil
	}

	if cached, ok := k.loadCachedToken(now); ok {
		k.token = cached.AccessToken
		k.tokenExp = cached.ExpiresAt
		k.logger.Debug().Time("expires_at", cached.ExpiresAt).Msg("캐시된 토큰 사용")
		return k.token, nil
	}

	token, expiresAt, err := k.issueToken(ctx, now)
	if err != nil {
		return "", err
	}
	k.token = token
	k.tokenExp = expiresAt
	k.saveCachedToken(cachedToken{AccessToken: token, IssuedAt: now, ExpiresAt: expiresAt})
	return token, nil
}

func (k *KIS) loadCachedToken(now time.Time) (cachedToken, bool) {
	var cached cachedToken
	data, err := os.ReadFile(k.tokenFile())
	if err != nil {
		return cached, false
	}
	if err := yaml.Unmarshal(data, &cached); err != nil {
		k.logger.Warn().Err(err).Msg("토큰 캐시 파싱 실패, 새로 발급")
		return cached, false
	}
	if cached.AccessToken == "" || !now.Before(cached.ExpiresAt.Add(-tokenSafetyMargin)) {
		return cached, false
	}
	return cached, true
}

func (k *KIS) saveCachedToken(cached cachedToken) {
	data, err := yaml.Marshal(cached)
	if err != nil {
		k.logger.Warn().Err(err).Msg("토큰 캐시 직렬화 실패")
		return
	}
	if err := os.MkdirAll(k.opts.TokenDir, 0o755); err != nil {
		k.logger.Warn().Err(err).Msg("토큰 디렉터리 생성 실패")
		return
	}
	if err := os.WriteFile(k.tokenFile(), data, 0o600); err != nil {
		k.logger.Warn().Err(err).Msg("토큰 캐시 저장 실패")
	}
}

func (k *KIS) invalidateToken() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.token = ""
	k.tokenExp = time.Time{}
	if err := os.Remove(k.tokenFile()); err != nil && !os.IsNotExist(err) {
		k.logger.Warn().Err(err).Msg("토큰 캐시 삭제 실패")
	}
}

type tokenRequest struct {
	GrantType string `json:"grant_type"`
	AppKey    string `json:"appkey"`
	AppSecret string `json:"appsecret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (k *KIS) issueToken(ctx context.Context, now time.Time) (string, time.Time, error) {
	body, err := json.Marshal(tokenRequest{
		GrantType: "client_credentials",
		AppKey:    k.opts.AppKey,
		AppSecret: k.opts.AppSecret,
	})
	if err != nil {
		return "", time.Time{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.baseURL+tokenPath, bytes.NewReader(body))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := k.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("토큰 발급 요청 실패: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("토큰 응답 읽기 실패: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("토큰 발급 실패: %w", parseHTTPError(resp.StatusCode, payload))
	}

	var tok tokenResponse
	if err := json.Unmarshal(payload, &tok); err != nil {
		return "", time.Time{}, fmt.Errorf("토큰 응답 파싱 실패: %w", err)
	}
	if tok.AccessToken == "" {
		return "", time.Time{}, errors.New("토큰 응답에 access_token이 없음")
	}

	expiresIn := time.Duration(tok.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = 24 * time.Hour
	}
	expiresAt := now.Add(expiresIn)

	k.logger.Info().Time("expires_at", expiresAt).Msg("접근 토큰 발급 완료")
	return tok.AccessToken, expiresAt, nil
}

var _ RowFetcher = (*KIS)(nil)
