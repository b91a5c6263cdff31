package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/changeflow/clients/webfetch"
	"github.com/jeeves-cluster-organization/changeflow/commbus"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/tools"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Form purposes reported by form_detector.
const (
	FormContact      = "contact"
	FormNewsletter   = "newsletter"
	FormSearch       = "search"
	FormLogin        = "login"
	FormRegistration = "registration"
	FormPayment      = "payment"
	FormOther        = "other"
)

func formDetectorHandler(fetcher commbus.WebFetcher) tools.ToolHandler {
	return func(ctx context.Context, params map[string]any) (map[string]any, error) {
		page, doc, err := fetchDocument(ctx, fetcher, params)
		if err != nil {
			return nil, err
		}
		forms := DetectForms(doc)
		hasType := func(kind string) bool {
			for _, f := range forms {
				if f["type"] == kind {
					return true
				}
			}
			return false
		}
		return map[string]any{
			"url":                 page.URL,
			"forms_found":         len(forms),
			"forms":               forms,
			"has_contact_form":    hasType(FormContact),
			"has_newsletter_form": hasType(FormNewsletter),
			"has_search_form":     hasType(FormSearch),
		}, nil
	}
}

// DetectForms describes every <form> in doc.
func DetectForms(doc *html.Node) []map[string]any {
	labels := labelsByFor(doc)
	forms := make([]map[string]any, 0)
	for i, form := range webfetch.FindAll(doc, atom.Form) {
		id := webfetch.Attr(form, "id")
		if id == "" {
			id = fmt.Sprintf("form-%d", i)
		}
		method := strings.ToUpper(webfetch.Attr(form, "method"))
		if method == "" {
			method = "GET"
		}
		classes := strings.Fields(webfetch.Attr(form, "class"))
		fields := formFields(form, labels)
		forms = append(forms, map[string]any{
			"index":   i,
			"id":      id,
			"name":    webfetch.Attr(form, "name"),
			"action":  webfetch.Attr(form, "action"),
			"method":  method,
			"classes": classes,
			"fields":  fields,
			"type":    classifyForm(fields, classes),
		})
	}
	return forms
}

func labelsByFor(doc *html.Node) map[string]string {
	labels := make(map[string]string)
	for _, l := range webfetch.FindAll(doc, atom.Label) {
		if target := webfetch.Attr(l, "for"); target != "" {
			if _, seen := labels[target]; !seen {
				labels[target] = webfetch.Text(l)
			}
		}
	}
	return labels
}

func formFields(form *html.Node, labels map[string]string) []map[string]any {
	fields := make([]map[string]any, 0)
	for _, in := range webfetch.FindAll(form, atom.Input, atom.Textarea, atom.Select) {
		kind := strings.ToLower(webfetch.Attr(in, "type"))
		if kind == "" {
			kind = "text"
		}
		switch kind {
		case "submit", "button", "image":
			continue
		}
		field := map[string]any{
			"name":        webfetch.Attr(in, "name"),
			"id":          webfetch.Attr(in, "id"),
			"type":        kind,
			"placeholder": webfetch.Attr(in, "placeholder"),
			"required":    webfetch.HasAttr(in, "required"),
			"label":       fieldLabel(in, labels),
		}
		if in.DataAtom == atom.Select {
			options := make([]string, 0)
			for _, opt := range webfetch.FindAll(in, atom.Option) {
				options = append(options, webfetch.Text(opt))
			}
			field["options"] = options
		}
		fields = append(fields, field)
	}
	return fields
}

func fieldLabel(in *html.Node, labels map[string]string) string {
	if id := webfetch.Attr(in, "id"); id != "" {
		if l, ok := labels[id]; ok {
			return l
		}
	}
	for p := in.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.DataAtom == atom.Label {
			return webfetch.Text(p)
		}
	}
	return ""
}

func classifyForm(fields []map[string]any, classes []string) string {
	var words, names []string
	for _, f := range fields {
		if name, _ := f["name"].(string); name != "" {
			names = append(names, strings.ToLower(name))
		}
		if label, _ := f["label"].(string); label != "" {
			words = append(words, strings.ToLower(label))
		}
	}
	text := strings.Join(append(append(names, words...), lower(classes)...), " ")
	has := func(keywords ...string) bool {
		for _, k := range keywords {
			if strings.Contains(text, k) {
				return true
			}
		}
		return false
	}

	switch {
	case has("contact", "message", "inquiry", "email", "phone") && has("message", "comment", "inquiry"):
		return FormContact
	case has("newsletter", "subscribe", "subscription"):
		return FormNewsletter
	case has("search", "query"):
		return FormSearch
	case contains(names, "password") || has("passwd"):
		return FormLogin
	case has("register", "signup", "sign-up"):
		return FormRegistration
	case has("payment", "checkout", "billing", "card"):
		return FormPayment
	default:
		return FormOther
	}
}

func lower(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
