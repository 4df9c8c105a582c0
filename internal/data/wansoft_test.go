package data

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"posetl/internal/biz"
	"posetl/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/require"
)

const fakeToken = "tok-123"

// fakeWansoft 模拟登录、CSRF、预热和导出接口
type fakeWansoft struct {
	mu       sync.Mutex
	sessions map[string]bool
	logins   int
	warmups  []string
	exports  []exportCall
}

type exportCall struct {
	path       string
	subsidiary string
	cookie     string
	start      string
	end        string
}

func newFakeWansoft(t *testing.T) (*fakeWansoft, *httptest.Server) {
	f := &fakeWansoft{sessions: make(map[string]bool)}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/Account/LogOn", f.logOn)
	mux.HandleFunc(reportPagePath, f.page)
	mux.HandleFunc(transfersPagePath, f.page)
	mux.HandleFunc("/Reports/GetConsolidatedSales", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) || r.Header.Get("RequestVerificationToken") != fakeToken {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.warmups = append(f.warmups, r.URL.Path)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/Reports/ExportSalesDetailReport", func(w http.ResponseWriter, r *http.Request) {
		if !f.recordExport(w, r) {
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		json.NewEncoder(w).Encode(map[string]string{
			"fileBase64": base64.StdEncoding.EncodeToString([]byte("detail-bytes")),
			"fileName":   "Detalle.xlsx",
		})
	})
	mux.HandleFunc("/Reports/ExportSalesReport", func(w http.ResponseWriter, r *http.Request) {
		if !f.recordExport(w, r) {
			return
		}
		w.Header().Set("Content-Type", "application/vnd.ms-excel")
		w.Header().Set("Content-Disposition", `attachment; filename="pagos.xls"`)
		w.Write([]byte("payments-bytes"))
	})
	mux.HandleFunc(transfersExportURL, func(w http.ResponseWriter, r *http.Request) {
		if !f.recordExport(w, r) {
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte("transfers-bytes"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeWansoft) authorized(r *http.Request) bool {
	c, err := r.Cookie("auth")
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[c.Value]
}

func (f *fakeWansoft) expireSessions() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = make(map[string]bool)
}

func (f *fakeWansoft) logOn(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		fmt.Fprintf(w, `<html><body>
<form action="/Account/LogOn" method="post">
  <input type="hidden" name="__RequestVerificationToken" value="login-token">
  <input type="hidden" name="ReturnUrl" value="">
  <input type="text" name="UserName">
  <input type="password" name="Password">
</form></body></html>`)
		return
	}
	r.ParseForm()
	if r.PostForm.Get("UserName") != "ana" || r.PostForm.Get("Password") != "secret" ||
		r.PostForm.Get("__RequestVerificationToken") != "login-token" {
		w.WriteHeader(http.StatusOK)
		return
	}
	f.mu.Lock()
	f.logins++
	session := fmt.Sprintf("s%d", f.logins)
	f.sessions[session] = true
	f.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: "auth", Value: session, Path: "/"})
	http.Redirect(w, r, r.PostForm.Get("ReturnUrl"), http.StatusFound)
}

func (f *fakeWansoft) page(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		http.Redirect(w, r, "/Account/LogOn?ReturnUrl="+r.URL.Path, http.StatusFound)
		return
	}
	fmt.Fprintf(w, `<html><body><form><input name="__RequestVerificationToken" type="hidden" value="%s"></form></body></html>`, fakeToken)
}

func (f *fakeWansoft) recordExport(w http.ResponseWriter, r *http.Request) bool {
	if !f.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	r.ParseForm()
	if r.Form.Get("__RequestVerificationToken") != fakeToken {
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	var cookie string
	if c, err := r.Cookie("SubsidiaryId"); err == nil {
		cookie = c.Value
	}
	f.mu.Lock()
	f.exports = append(f.exports, exportCall{
		path:       r.URL.Path,
		subsidiary: r.Form.Get("subsidiaryId"),
		cookie:     cookie,
		start:      r.Form.Get("startDate"),
		end:        r.Form.Get("endDate"),
	})
	f.mu.Unlock()
	return true
}

func newTestExtractor(t *testing.T, baseURL, user string) (*WansoftExtractor, *FileOutputRepo) {
	out := NewFileOutputRepo(t.TempDir(), log.DefaultLogger)
	e, cleanup, err := NewWansoftExtractor(&conf.Wansoft{
		BaseURL:         baseURL,
		User:            user,
		Password:        "secret",
		WarmupEndpoints: []string{"GetConsolidatedSales"},
	}, &conf.Pipeline{Domains: map[string]*conf.Domain{
		"sales":     {Report: "Detail"},
		"payments":  {Report: "Payments"},
		"transfers": {Report: ReportTransfersIssued},
	}}, out, log.DefaultLogger)
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return e, out
}

func TestWansoftExtractorDownload(t *testing.T) {
	fake, srv := newFakeWansoft(t)
	e, out := newTestExtractor(t, srv.URL, "ana")
	ctx := context.Background()
	rng := biz.MustDateRange("2024-01-01", "2024-01-31")

	paths, err := e.Download(ctx, &biz.ExtractRequest{Domain: "sales", Branch: "Kavia", Code: "8777", Range: rng})
	require.NoError(t, err)
	want := filepath.Join(out.RawDir("sales", "Kavia", "8777", rng), "Detail_kavia_2024-01-01_2024-01-31.xlsx")
	require.Equal(t, []string{want}, paths)
	content, err := os.ReadFile(want)
	require.NoError(t, err)
	require.Equal(t, "detail-bytes", string(content))

	paths, err = e.Download(ctx, &biz.ExtractRequest{Domain: "payments", Branch: "Punto Valle", Code: "6162", Range: rng})
	require.NoError(t, err)
	require.Equal(t, "Payments_punto-valle_2024-01-01_2024-01-31.xls", filepath.Base(paths[0]))

	require.Equal(t, 1, fake.logins)
	require.Equal(t, []string{"/Reports/GetConsolidatedSales", "/Reports/GetConsolidatedSales"}, fake.warmups)
	require.Equal(t, []exportCall{
		{path: "/Reports/ExportSalesDetailReport", subsidiary: "8777", cookie: "8777", start: "2024-01-01", end: "2024-02-01"},
		{path: "/Reports/ExportSalesReport", subsidiary: "6162", cookie: "6162", start: "2024-01-01", end: "2024-02-01"},
	}, fake.exports)
}

func TestWansoftExtractorTransfers(t *testing.T) {
	fake, srv := newFakeWansoft(t)
	e, _ := newTestExtractor(t, srv.URL, "ana")

	paths, err := e.Download(context.Background(), &biz.ExtractRequest{
		Domain: "transfers", Branch: "QIN", Code: "7470", Range: biz.MustDateRange("2024-02-01", "2024-02-29"),
	})
	require.NoError(t, err)
	require.Equal(t, "TransfersIssued_qin_2024-02-01_2024-02-29.xlsx", filepath.Base(paths[0]))
	require.Len(t, fake.exports, 1)
	require.Equal(t, "7470", fake.exports[0].cookie)
	// 区间末日为 2 月 29 日，endDate 为次日
	require.Equal(t, "2024-02-01", fake.exports[0].start)
	require.Equal(t, "2024-03-01", fake.exports[0].end)
	require.Empty(t, fake.warmups)
}

func TestWansoftExtractorRelogin(t *testing.T) {
	fake, srv := newFakeWansoft(t)
	e, _ := newTestExtractor(t, srv.URL, "ana")
	ctx := context.Background()
	req := &biz.ExtractRequest{Domain: "sales", Branch: "Kavia", Code: "8777", Range: biz.MustDateRange("2024-01-01", "2024-01-31")}

	_, err := e.Download(ctx, req)
	require.NoError(t, err)
	fake.expireSessions()
	_, err = e.Download(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 2, fake.logins)
	require.Len(t, fake.exports, 2)
}

func TestWansoftExtractorErrors(t *testing.T) {
	_, srv := newFakeWansoft(t)

	e, _ := newTestExtractor(t, srv.URL, "")
	_, err := e.Download(context.Background(), &biz.ExtractRequest{Domain: "sales", Branch: "Kavia", Code: "8777", Range: biz.MustDateRange("2024-01-01", "2024-01-31")})
	var cfgErr *biz.ConfigError
	require.ErrorAs(t, err, &cfgErr)

	_, err = e.Download(context.Background(), &biz.ExtractRequest{Domain: "unknown", Branch: "Kavia", Code: "8777", Range: biz.MustDateRange("2024-01-01", "2024-01-31")})
	require.ErrorContains(t, err, "no wansoft report")

	_, _, err = NewWansoftExtractor(&conf.Wansoft{}, nil, nil, log.DefaultLogger)
	require.ErrorAs(t, err, &cfgErr)
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Punto Valle":  "punto-valle",
		"Café Ñandú":   "cafe-nandu",
		"  A - B  ":    "a-b",
		"Kavia_OLD":    "kavia_old",
		"":             "unknown",
		"¡¿!":          "unknown",
		"Hotel  Kavia": "hotel-kavia",
	}
	for in, want := range tests {
		require.Equal(t, want, slugify(in), in)
	}
}

func TestFindCSRFToken(t *testing.T) {
	require.Equal(t, "a", findCSRFToken(`<input name="__RequestVerificationToken" value="a">`))
	require.Equal(t, "b", findCSRFToken(`<head><meta name="__RequestVerificationToken" content="b"></head>`))
	require.Equal(t, "", findCSRFToken(`<p>nothing</p>`))
}
