package data

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// loginForm 登录页的第一个表单
type loginForm struct {
	action        string
	fields        map[string]string
	passwordInput string
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func walk(n *html.Node, visit func(*html.Node) bool) bool {
	if !visit(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, visit) {
			return false
		}
	}
	return true
}

// findElements 返回所有指定标签的元素
func findElements(root *html.Node, tag string) []*html.Node {
	var out []*html.Node
	walk(root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == tag {
			out = append(out, n)
		}
		return true
	})
	return out
}

// parseLoginForm 解析登录表单的 action 和全部 input
func parseLoginForm(page string) (*loginForm, error) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("failed to parse login page: %w", err)
	}
	forms := findElements(doc, "form")
	if len(forms) == 0 {
		return nil, fmt.Errorf("login form not found")
	}
	form := forms[0]
	lf := &loginForm{action: attr(form, "action"), fields: make(map[string]string)}
	for _, in := range findElements(form, "input") {
		name := attr(in, "name")
		if name == "" {
			continue
		}
		lf.fields[name] = attr(in, "value")
		if lf.passwordInput == "" && strings.EqualFold(attr(in, "type"), "password") {
			lf.passwordInput = name
		}
	}
	return lf, nil
}

// findCSRFToken 查找 ASP.NET AntiForgery token：具名 input、meta，最后是名字含 VerificationToken 的隐藏域
func findCSRFToken(page string) string {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return ""
	}
	inputs := findElements(doc, "input")
	for _, name := range []string{"__RequestVerificationToken", "__RequestVerificationTokenWith"} {
		for _, in := range inputs {
			if attr(in, "name") == name {
				if v := attr(in, "value"); v != "" {
					return v
				}
			}
		}
	}
	for _, m := range findElements(doc, "meta") {
		if attr(m, "name") == "__RequestVerificationToken" {
			if v := attr(m, "content"); v != "" {
				return v
			}
		}
	}
	for _, in := range inputs {
		if !strings.EqualFold(attr(in, "type"), "hidden") {
			continue
		}
		if strings.Contains(attr(in, "name")+attr(in, "id"), "VerificationToken") {
			if v := attr(in, "value"); v != "" {
				return v
			}
		}
	}
	return ""
}
