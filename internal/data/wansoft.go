package data

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"posetl/internal/biz"
	"posetl/internal/conf"
	"posetl/internal/pkg/httpclient"

	"github.com/go-kratos/kratos/v2/log"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"resty.dev/v3"
)

const (
	reportPagePath     = "/Reports/ConsolidatedSalesMasterReport"
	loginPathMarker    = "/Account/LogOn"
	transfersPagePath  = "/Inventory/Transfers"
	transfersExportURL = "/Inventory/ExportTransfersIssued"

	// ReportTransfersIssued 库存调拨导出
	ReportTransfersIssued = "TransfersIssued"
)

// reportEndpoints 销售类报表对应的导出接口
var reportEndpoints = map[string]string{
	"Detail":       "ExportSalesDetailReport",
	"Consolidated": "Export",
	"Payments":     "ExportSalesReport",
}

// DefaultWarmupEndpoints 导出前需要预热的报表接口
var DefaultWarmupEndpoints = []string{
	"GetConsolidatedSales", "CancelSalesDetail", "CourtesiesDetail", "SalesByHours",
	"SalesByGroup", "SalesByGroupType", "SalesByArea", "SalesBySaucer", "SalesByUser",
	"SalesByTypeOfOrder", "DiscountsDetail", "PersonsByHour", "PersonsByDay",
	"PersonsByDayName", "SalesByPaymentType", "SalesByModifiers", "SalesByTerminal",
	"MegaPointsReport", "TipByUser", "Promotions", "ChargePaymentMethod",
	"SaleNullificationDetail",
}

var errUnauthorized = errors.New("wansoft: not authenticated")

// WansoftExtractor 通过 Wansoft POS 网页导出原始报表
type WansoftExtractor struct {
	client  *httpclient.Client
	cfg     *conf.Wansoft
	reports map[string]string
	warmup  []string
	out     *FileOutputRepo
	log     *log.Helper

	// 会话和 cookie 共享，导出串行执行
	mu       sync.Mutex
	loggedIn bool
}

// NewWansoftExtractor 创建 Wansoft 导出器
func NewWansoftExtractor(c *conf.Wansoft, p *conf.Pipeline, out *FileOutputRepo, logger log.Logger) (*WansoftExtractor, func(), error) {
	if c == nil || c.BaseURL == "" {
		return nil, nil, &biz.ConfigError{Msg: "wansoft.base_url is required"}
	}
	helper := log.NewHelper(log.With(logger, "module", "data/wansoft"))

	hc := httpclient.DefaultConfig()
	hc.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if d := c.Timeout.AsDuration(); d > 0 {
		hc.Timeout = d
	}
	if c.RetryCount > 0 {
		hc.RetryCount = int(c.RetryCount)
	}
	client := httpclient.NewClient(hc, helper)

	reports := make(map[string]string)
	if p != nil {
		for name, d := range p.Domains {
			if d != nil && d.Report != "" {
				reports[name] = d.Report
			}
		}
	}
	warmup := c.WarmupEndpoints
	if warmup == nil {
		warmup = DefaultWarmupEndpoints
	}

	e := &WansoftExtractor{
		client:  client,
		cfg:     c,
		reports: reports,
		warmup:  warmup,
		out:     out,
		log:     helper,
	}
	cleanup := func() {
		if err := client.Close(); err != nil {
			helper.Warnf("Failed to close wansoft client: %v", err)
		}
	}
	return e, cleanup, nil
}

// Download 导出一个分店编码在子范围内的报表，返回写入的文件路径
func (e *WansoftExtractor) Download(ctx context.Context, req *biz.ExtractRequest) ([]string, error) {
	report, ok := e.reports[req.Domain]
	if !ok {
		return nil, fmt.Errorf("no wansoft report configured for domain %q", req.Domain)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	name, content, err := e.exportWithLogin(ctx, report, req)
	if errors.Is(err, errUnauthorized) {
		e.log.Warnf("Session expired exporting %s for %s, logging in again", report, req.Branch)
		e.loggedIn = false
		name, content, err = e.exportWithLogin(ctx, report, req)
	}
	if err != nil {
		return nil, err
	}

	dir := e.out.RawDir(req.Domain, req.Branch, req.Code, req.Range)
	path := filepath.Join(dir, outputFileName(report, req.Branch, req.Range, name))
	if err := writeFileAtomic(path, func(w io.Writer) error {
		_, err := w.Write(content)
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", path, err)
	}
	e.log.Infof("Exported %s for %s (%s) %s: %d bytes -> %s", report, req.Branch, req.Code, req.Range.Key(), len(content), path)
	return []string{path}, nil
}

func (e *WansoftExtractor) exportWithLogin(ctx context.Context, report string, req *biz.ExtractRequest) (string, []byte, error) {
	if !e.loggedIn {
		if err := e.login(ctx); err != nil {
			return "", nil, err
		}
		e.loggedIn = true
	}
	if report == ReportTransfersIssued {
		return e.exportTransfers(ctx, req)
	}
	return e.exportSales(ctx, report, req)
}

// login 访问受保护页面，被重定向到登录页时提交登录表单
func (e *WansoftExtractor) login(ctx context.Context) error {
	if _, err := e.client.Get(ctx, "/"); err != nil {
		e.log.Debugf("Seed request failed: %v", err)
	}

	resp, err := e.client.Get(ctx, reportPagePath)
	if resp == nil {
		return fmt.Errorf("failed to open report page: %w", err)
	}
	if !needsLogin(resp) {
		if err != nil {
			return fmt.Errorf("failed to open report page: %w", err)
		}
		e.log.Info("No login required")
		return nil
	}
	if e.cfg.User == "" || e.cfg.Password == "" {
		return &biz.ConfigError{Msg: "wansoft login required but wansoft.user/password are empty"}
	}

	pageURL := finalURL(resp)
	form, err := parseLoginForm(resp.String())
	if err != nil {
		return err
	}
	userField := chooseField(form.fields, "UserName", "Email", "Login", "Username")
	if userField == "" {
		userField = "UserName"
	}
	pwdField := chooseField(form.fields, "Password", "Pass", "Pwd")
	if pwdField == "" {
		pwdField = form.passwordInput
	}
	if pwdField == "" {
		pwdField = "Password"
	}
	if _, ok := form.fields[userField]; !ok {
		return fmt.Errorf("could not identify login user field, found %v", fieldNames(form.fields))
	}
	if _, ok := form.fields[pwdField]; !ok {
		return fmt.Errorf("could not identify login password field, found %v", fieldNames(form.fields))
	}
	form.fields[userField] = e.cfg.User
	form.fields[pwdField] = e.cfg.Password
	if v, ok := form.fields["ReturnUrl"]; ok && v == "" {
		form.fields["ReturnUrl"] = reportPagePath
	}

	action := form.action
	if action == "" {
		action = pageURL
	}
	action = e.resolve(action)

	headers := map[string]string{"Referer": pageURL, "Origin": e.origin()}
	if _, err := e.client.PostForm(ctx, action, form.fields, headers); err != nil {
		return fmt.Errorf("login POST failed: %w", err)
	}

	check, err := e.client.Get(ctx, reportPagePath)
	if check == nil {
		return fmt.Errorf("failed to verify login: %w", err)
	}
	if err != nil || needsLogin(check) {
		return fmt.Errorf("login failed: still redirected to login page (final URL %s)", finalURL(check))
	}
	e.log.Info("Login succeeded")
	return nil
}

// exportSales 设置分店 cookie，取 CSRF，预热后调用导出接口
func (e *WansoftExtractor) exportSales(ctx context.Context, report string, req *biz.ExtractRequest) (string, []byte, error) {
	endpoint, ok := reportEndpoints[report]
	if !ok {
		return "", nil, fmt.Errorf("unsupported wansoft report %q", report)
	}
	e.client.SetCookie("SubsidiaryId", req.Code)

	page, err := e.openPage(ctx, reportPagePath)
	if err != nil {
		return "", nil, err
	}
	token := findCSRFToken(page.String())
	if token == "" {
		return "", nil, fmt.Errorf("CSRF token not found on %s (status %d)", reportPagePath, page.StatusCode())
	}

	params := rangeParams(req)
	body := copyParams(params)
	body["__RequestVerificationToken"] = token
	headers := e.ajaxHeaders(e.resolve(reportPagePath), token)

	for _, ep := range e.warmup {
		if err := e.warmupEndpoint(ctx, ep, params, body, headers); err != nil {
			return "", nil, err
		}
	}

	resp, err := e.client.R(ctx).
		SetQueryParams(params).
		SetFormData(body).
		SetHeaders(headers).
		Post("/Reports/" + endpoint)
	if err != nil {
		return "", nil, fmt.Errorf("export %s failed: %w", report, err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return "", nil, errUnauthorized
	}
	if err := httpclient.CheckStatus(resp); err != nil {
		return "", nil, fmt.Errorf("export %s for %s %s failed: %w", report, req.Code, req.Range.Key(), err)
	}
	return decodeExport(resp, fmt.Sprintf("%s_%s.xlsx", report, req.Range.Key()))
}

func (e *WansoftExtractor) warmupEndpoint(ctx context.Context, name string, params, body, headers map[string]string) error {
	resp, err := e.client.R(ctx).
		SetQueryParams(params).
		SetFormData(body).
		SetHeaders(headers).
		Post("/Reports/" + name)
	if err != nil {
		return fmt.Errorf("warm-up %s failed: %w", name, err)
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized:
		return errUnauthorized
	case code == http.StatusBadRequest || code == http.StatusForbidden:
		return fmt.Errorf("warm-up %s blocked: HTTP %d", name, code)
	case code < 200 || code >= 300:
		e.log.Warnf("Warm-up %s returned %d", name, code)
	}
	return nil
}

// exportTransfers 库存调拨导出
func (e *WansoftExtractor) exportTransfers(ctx context.Context, req *biz.ExtractRequest) (string, []byte, error) {
	page, err := e.openPage(ctx, transfersPagePath)
	if err != nil {
		return "", nil, err
	}
	token := findCSRFToken(page.String())
	if token == "" {
		return "", nil, fmt.Errorf("CSRF token not found on %s", transfersPagePath)
	}
	e.client.SetCookie("SubsidiaryId", req.Code)

	form := rangeParams(req)
	form["transferReference"] = ""
	form["status"] = "0"
	form["__RequestVerificationToken"] = token

	resp, err := e.client.PostForm(ctx, transfersExportURL, form, e.ajaxHeaders(e.resolve(transfersPagePath), token))
	if resp != nil && resp.StatusCode() == http.StatusUnauthorized {
		return "", nil, errUnauthorized
	}
	if err != nil {
		return "", nil, fmt.Errorf("transfers export failed: %w", err)
	}
	return decodeExport(resp, fmt.Sprintf("%s_%s.xlsx", ReportTransfersIssued, req.Range.Key()))
}

// openPage 打开页面，会话失效时返回 errUnauthorized
func (e *WansoftExtractor) openPage(ctx context.Context, path string) (*resty.Response, error) {
	resp, err := e.client.Get(ctx, path)
	if resp != nil && needsLogin(resp) {
		return nil, errUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return resp, nil
}

func (e *WansoftExtractor) ajaxHeaders(referer, token string) map[string]string {
	return map[string]string{
		"Origin":                   e.origin(),
		"Referer":                  referer,
		"X-Requested-With":         "XMLHttpRequest",
		"Accept":                   "*/*",
		"RequestVerificationToken": token,
	}
}

func (e *WansoftExtractor) origin() string {
	u, err := url.Parse(e.cfg.BaseURL)
	if err != nil {
		return e.cfg.BaseURL
	}
	return u.Scheme + "://" + u.Host
}

func (e *WansoftExtractor) resolve(ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	return e.origin() + ref
}

// rangeParams Wansoft 的 endDate 不含当天，传入区间末日的次日
func rangeParams(req *biz.ExtractRequest) map[string]string {
	return map[string]string{
		"subsidiaryId": req.Code,
		"startDate":    biz.FormatDate(req.Range.Start),
		"endDate":      biz.FormatDate(req.Range.End.AddDate(0, 0, 1)),
	}
}

func copyParams(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func needsLogin(resp *resty.Response) bool {
	return resp.StatusCode() == http.StatusUnauthorized || strings.Contains(finalURL(resp), loginPathMarker)
}

func finalURL(resp *resty.Response) string {
	if resp.RawResponse != nil && resp.RawResponse.Request != nil && resp.RawResponse.Request.URL != nil {
		return resp.RawResponse.Request.URL.String()
	}
	if resp.Request != nil {
		return resp.Request.URL
	}
	return ""
}

type exportPayload struct {
	FileBase64 *string `json:"fileBase64"`
	FileName   string  `json:"fileName"`
}

// decodeExport 接受 JSON {fileBase64, fileName} 或直接的附件响应
func decodeExport(resp *resty.Response, fallback string) (string, []byte, error) {
	ct := strings.ToLower(resp.Header().Get("Content-Type"))
	cd := resp.Header().Get("Content-Disposition")

	if strings.Contains(ct, "application/json") {
		var p exportPayload
		if err := json.Unmarshal(resp.Bytes(), &p); err != nil {
			return "", nil, fmt.Errorf("invalid export JSON: %w", err)
		}
		if p.FileBase64 == nil {
			return "", nil, fmt.Errorf("export JSON missing fileBase64")
		}
		content, err := base64.StdEncoding.DecodeString(*p.FileBase64)
		if err != nil {
			return "", nil, fmt.Errorf("invalid fileBase64: %w", err)
		}
		name := p.FileName
		if name == "" {
			name = fallback
		}
		return name, content, nil
	}

	if strings.Contains(ct, "application/vnd") || strings.Contains(ct, "application/octet-stream") ||
		strings.Contains(strings.ToLower(cd), "attachment") {
		name := dispositionFilename(cd)
		if name == "" {
			name = fallback
		}
		return name, resp.Bytes(), nil
	}

	body := resp.String()
	if len(body) > 300 {
		body = body[:300]
	}
	return "", nil, fmt.Errorf("export returned unexpected content-type %q: %s", ct, body)
}

func dispositionFilename(h string) string {
	if h == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(h)
	if err != nil {
		return ""
	}
	return params["filename"]
}

// outputFileName <report>_<branch slug>_<start>_<end><ext>
func outputFileName(report, branch string, rng biz.DateRange, suggested string) string {
	ext := strings.ToLower(filepath.Ext(suggested))
	if ext == "" {
		ext = ".xlsx"
	}
	return fmt.Sprintf("%s_%s_%s_%s%s", report, slugify(branch), biz.FormatDate(rng.Start), biz.FormatDate(rng.End), ext)
}

// slugify lowercases, strips diacritics and collapses spaces and hyphens into one hyphen.
func slugify(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if out, _, err := transform.String(t, s); err == nil {
		s = out
	}
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
		case r == '-' || unicode.IsSpace(r):
			pendingDash = true
		}
	}
	out := strings.Trim(b.String(), "-_")
	if out == "" {
		return "unknown"
	}
	return out
}

func chooseField(fields map[string]string, candidates ...string) string {
	for _, c := range candidates {
		if _, ok := fields[c]; ok {
			return c
		}
	}
	return ""
}

func fieldNames(fields map[string]string) []string {
	out := make([]string, 0, len(fields))
	for k := range fields {
		out = append(out, k)
	}
	return out
}
