package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/plan"
)

func noopLogger() zerolog.Logger { return zerolog.Nop() }

func testWindow() plan.Range {
	return plan.Range{
		Start: time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC),
	}
}

func writeToken(w http.ResponseWriter) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": "test-token",
		"token_type":   "Bearer",
		"expires_in":   86400,
	})
}

func testOptions(srvURL, tokenDir string) KISOptions {
	return KISOptions{
		BaseURL:        srvURL,
		AppKey:         "key",
		AppSecret:      "secret",
		Endpoint:       "/uapi/quotations",
		TRID:           "FHKIF03020100",
		Timeout:        time.Second,
		MaxRetries:     1,
		RetryDelay:     time.Millisecond,
		TokenDir:       tokenDir,
		NumericColumns: []string{"futs_prpr", "acml_vol"},
	}
}

func TestKISMissingCredentials(t *testing.T) {
	k := NewKIS(KISOptions{Endpoint: "/uapi/quotations"}, noopLogger())
	if _, err := k.FetchWindow(context.Background(), "101W06", nil, testWindow()); err == nil {
		t.Fatal("인증 정보가 없으면 오류여야 한다")
	}
}

func TestKISFetchSuccess(t *testing.T) {
	var tokenCalls, dataCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/tokenP":
			tokenCalls.Add(1)
			writeToken(w)
		case "/uapi/quotations":
			dataCalls.Add(1)
			if got := r.Header.Get("tr_id"); got != "FHKIF03020100" {
				t.Errorf("tr_id 헤더가 틀림: %s", got)
			}
			if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
				t.Errorf("authorization 헤더가 틀림: %s", got)
			}
			q := r.URL.Query()
			if q.Get("FID_INPUT_DATE_1") != "20250616" || q.Get("FID_INPUT_DATE_2") != "20250620" {
				t.Errorf("조회 구간이 틀림: %v", q)
			}
			if q.Get("FID_COND_MRKT_DIV_CODE") != "F" {
				t.Errorf("시장 구분 코드가 전달되어야 한다: %v", q)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"rt_cd":  "0",
				"msg_cd": "MCA00000",
				"msg1":   "정상처리 되었습니다",
				"output2": []map[string]any{
					{"stck_bsop_date": "20250620", "futs_prpr": "341.55", "acml_vol": "1,234,567"},
					{"stck_bsop_date": "20250619", "futs_prpr": "340.10", "acml_vol": "987654"},
				},
			})
		default:
			t.Errorf("예상하지 못한 경로: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	k := NewKIS(testOptions(srv.URL, t.TempDir()), noopLogger())
	rows, err := k.FetchWindow(context.Background(), "101W06", map[string]string{
		"FID_COND_MRKT_DIV_CODE": "F",
		"FID_INPUT_ISCD":         "101W06",
		"FID_PERIOD_DIV_CODE":    "D",
	}, testWindow())
	if err != nil {
		t.Fatalf("정상 응답이 실패함: %v", err)
	}

	if len(rows) != 2 {
		t.Fatalf("2행이어야 한다: %d", len(rows))
	}
	if rows[0]["stck_bsop_date"] != "2025-06-20" {
		t.Fatalf("날짜가 YYYY-MM-DD로 정규화되어야 한다: %s", rows[0]["stck_bsop_date"])
	}
	if rows[0]["acml_vol"] != "1234567" {
		t.Fatalf("천 단위 구분자가 제거되어야 한다: %s", rows[0]["acml_vol"])
	}
	if tokenCalls.Load() != 1 || dataCalls.Load() != 1 {
		t.Fatalf("호출 횟수가 틀림: token=%d data=%d", tokenCalls.Load(), dataCalls.Load())
	}
}

func TestKISExtraParamsSent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth2/tokenP" {
			writeToken(w)
			return
		}
		q := r.URL.Query()
		if q.Get("FID_HOUR_CLS_CODE") != "60" || q.Get("FID_INPUT_HOUR_1") != "090000" {
			t.Errorf("고정 파라미터가 전달되어야 한다: %v", q)
		}
		if q.Get("FID_PW_DATA_INCU_YN") != "N" {
			t.Errorf("호출별 파라미터가 고정값을 덮어써야 한다: %v", q)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"rt_cd":   "0",
			"output2": []map[string]any{{"stck_bsop_date": "20250620"}},
		})
	}))
	defer srv.Close()

	opts := testOptions(srv.URL, t.TempDir())
	opts.ExtraParams = map[string]string{
		"FID_HOUR_CLS_CODE":   "60",
		"FID_INPUT_HOUR_1":    "090000",
		"FID_PW_DATA_INCU_YN": "Y",
	}
	k := NewKIS(opts, noopLogger())
	params := map[string]string{"FID_PW_DATA_INCU_YN": "N"}
	if _, err := k.FetchWindow(context.Background(), "101W06", params, testWindow()); err != nil {
		t.Fatalf("조회 실패: %v", err)
	}
}

func TestKISTokenCacheReused(t *testing.T) {
	var tokenCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/tokenP":
			tokenCalls.Add(1)
			writeToken(w)
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"rt_cd":   "0",
				"output2": []map[string]any{{"stck_bsop_date": "20250620"}},
			})
		}
	}))
	defer srv.Close()

	tokenDir := t.TempDir()

	first := NewKIS(testOptions(srv.URL, tokenDir), noopLogger())
	if _, err := first.FetchWindow(context.Background(), "101W06", nil, testWindow()); err != nil {
		t.Fatalf("첫 조회 실패: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tokenDir, tokenFileName)); err != nil {
		t.Fatalf("토큰이 디스크에 캐시되어야 한다: %v", err)
	}

	// 새 프로세스를 흉내내어 디스크 캐시만으로 재사용되는지 확인한다.
	second := NewKIS(testOptions(srv.URL, tokenDir), noopLogger())
	if _, err := second.FetchWindow(context.Background(), "101W06", nil, testWindow()); err != nil {
		t.Fatalf("두 번째 조회 실패: %v", err)
	}

	if tokenCalls.Load() != 1 {
		t.Fatalf("토큰은 한 번만 발급되어야 한다: %d", tokenCalls.Load())
	}
}

func TestKISTokenExpiredReissued(t *testing.T) {
	var tokenCalls, dataCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/tokenP":
			tokenCalls.Add(1)
			writeToken(w)
		default:
			if dataCalls.Add(1) == 1 {
				_ = json.NewEncoder(w).Encode(map[string]any{
					"rt_cd":  "1",
					"msg_cd": "EGW00121",
					"msg1":   "유효하지 않은 token 입니다.",
				})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"rt_cd":   "0",
				"output2": []map[string]any{{"stck_bsop_date": "20250620"}},
			})
		}
	}))
	defer srv.Close()

	k := NewKIS(testOptions(srv.URL, t.TempDir()), noopLogger())
	rows, err := k.FetchWindow(context.Background(), "101W06", nil, testWindow())
	if err != nil {
		t.Fatalf("토큰 재발급 후 성공해야 한다: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("1행이어야 한다: %d", len(rows))
	}
	if tokenCalls.Load() != 2 {
		t.Fatalf("토큰이 재발급되어야 한다: %d", tokenCalls.Load())
	}
	if dataCalls.Load() != 2 {
		t.Fatalf("조회는 두 번이어야 한다: %d", dataCalls.Load())
	}
}

func TestKISBusinessErrorNotRetried(t *testing.T) {
	var dataCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth2/tokenP" {
			writeToken(w)
			return
		}
		dataCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"rt_cd":  "1",
			"msg_cd": "OPSQ2000",
			"msg1":   "조회할 자료가 없습니다",
		})
	}))
	defer srv.Close()

	k := NewKIS(testOptions(srv.URL, t.TempDir()), noopLogger())
	_, err := k.FetchWindow(context.Background(), "101W06", nil, testWindow())
	if err == nil {
		t.Fatal("rt_cd=1 응답은 오류여야 한다")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("APIError여야 한다: %v", err)
	}
	if apiErr.MsgCd != "OPSQ2000" || apiErr.TokenExpired() {
		t.Fatalf("오류 필드가 틀림: %+v", apiErr)
	}
	if dataCalls.Load() != 1 {
		t.Fatalf("업무 오류는 재시도하지 않아야 한다: %d", dataCalls.Load())
	}
}

func TestKISServerErrorRetried(t *testing.T) {
	var dataCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth2/tokenP" {
			writeToken(w)
			return
		}
		if dataCalls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"rt_cd":   "0",
			"output2": []map[string]any{{"stck_bsop_date": "20250620"}},
		})
	}))
	defer srv.Close()

	k := NewKIS(testOptions(srv.URL, t.TempDir()), noopLogger())
	if _, err := k.FetchWindow(context.Background(), "101W06", nil, testWindow()); err != nil {
		t.Fatalf("재시도 후 성공해야 한다: %v", err)
	}
	if dataCalls.Load() != 2 {
		t.Fatalf("5xx는 한 번 재시도되어야 한다: %d", dataCalls.Load())
	}
}

func TestKISOutput1Fallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth2/tokenP" {
			writeToken(w)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"rt_cd":   "0",
			"output1": map[string]any{"stck_bsop_date": "20250620", "futs_prpr": "341.55"},
			"output2": []map[string]any{},
		})
	}))
	defer srv.Close()

	k := NewKIS(testOptions(srv.URL, t.TempDir()), noopLogger())
	rows, err := k.FetchWindow(context.Background(), "101W06", nil, testWindow())
	if err != nil {
		t.Fatalf("조회 실패: %v", err)
	}
	if len(rows) != 1 || rows[0]["futs_prpr"] != "341.55" {
		t.Fatalf("output2가 비면 output1을 써야 한다: %#v", rows)
	}
}

func TestNormalizeHelpers(t *testing.T) {
	if got := normalizeDate("20250620"); got != "2025-06-20" {
		t.Fatalf("normalizeDate: %s", got)
	}
	if got := normalizeDate("2025-06-20"); got != "2025-06-20" {
		t.Fatalf("이미 정규화된 날짜는 그대로: %s", got)
	}
	if got := normalizeDate(""); got != "" {
		t.Fatalf("빈 날짜는 그대로: %q", got)
	}

	if got := normalizeNumeric("1,234.50"); got != "1234.5" {
		t.Fatalf("normalizeNumeric: %s", got)
	}
	if got := normalizeNumeric("-"); got != "" {
		t.Fatalf("숫자가 아니면 빈 문자열: %q", got)
	}
	if got := normalizeNumeric("  "); got != "" {
		t.Fatalf("공백은 빈 문자열: %q", got)
	}
}
