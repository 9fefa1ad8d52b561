package rest

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/schema"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/tools"
)

// Auth schemes recognised in security requirements.
const (
	AuthAPIKey = "api_key"
	AuthBasic  = "basic"
	AuthBearer = "bearer"
	AuthOAuth2 = "oauth2"
)

// Auth is how one operation authenticates. Secrets are never part of the document;
// they come from Credentials.
type Auth struct {
	Scheme   string
	Name     string // api_key parameter name
	In       string // header, query or cookie
	TokenURL string
	Scopes   []string
}

// Operation is one HTTP endpoint exposed as a tool.
type Operation struct {
	Tool      tools.Tool
	Method    string
	URL       string // may hold {param} placeholders
	Path      []string
	Query     []string
	Header    []string
	BodyField string
	Auth      *Auth
}

var methods = []string{"get", "post", "put", "patch", "delete"}

// Converter turns an OpenAPI 2 or 3 document into operations.
type Converter struct {
	doc        map[string]any
	docURL     string
	baseURL    string
	nameCounts map[string]int
}

func NewConverter(doc map[string]any, docURL string) *Converter {
	return &Converter{doc: doc, docURL: docURL, nameCounts: make(map[string]int)}
}

// Title returns info.title, or "".
func (c *Converter) Title() string {
	info, _ := c.doc["info"].(map[string]any)
	t, _ := info["title"].(string)
	return t
}

// Version returns info.version, or "".
func (c *Converter) Version() string {
	info, _ := c.doc["info"].(map[string]any)
	v, _ := info["version"].(string)
	return v
}

// BaseURL resolves servers[0].url (OAS3), schemes/host/basePath (OAS2), or the origin of
// the document URL, in that order. A relative server URL is joined to the origin.
func (c *Converter) BaseURL() string {
	if c.baseURL != "" {
		return c.baseURL
	}
	origin := ""
	if pu, err := url.Parse(c.docURL); err == nil && pu.Host != "" {
		origin = pu.Scheme + "://" + pu.Host
	}
	if servers, ok := c.doc["servers"].([]any); ok && len(servers) > 0 {
		if s0, ok := servers[0].(map[string]any); ok {
			if u, _ := s0["url"].(string); u != "" {
				if strings.HasPrefix(u, "/") {
					return origin + u
				}
				return u
			}
		}
	}
	if host, _ := c.doc["host"].(string); host != "" {
		scheme := "https"
		if ss, ok := c.doc["schemes"].([]any); ok && len(ss) > 0 {
			if s, ok := ss[0].(string); ok {
				scheme = s
			}
		}
		basePath, _ := c.doc["basePath"].(string)
		return scheme + "://" + host + strings.TrimRight(basePath, "/")
	}
	return origin
}

// Convert walks paths in sorted order so the catalog is stable between loads.
func (c *Converter) Convert() ([]Operation, error) {
	paths, _ := c.doc["paths"].(map[string]any)
	if len(paths) == 0 {
		return nil, errors.New("document declares no paths")
	}
	base := strings.TrimRight(c.BaseURL(), "/")
	if base == "" {
		return nil, errors.New("document has no server URL; set a base URL")
	}

	keys := make([]string, 0, len(paths))
	for p := range paths {
		keys = append(keys, p)
	}
	sort.Strings(keys)

	var ops []Operation
	for _, p := range keys {
		item, ok := paths[p].(map[string]any)
		if !ok {
			continue
		}
		shared, _ := item["parameters"].([]any)
		for _, m := range methods {
			raw, ok := item[m].(map[string]any)
			if !ok {
				continue
			}
			ops = append(ops, c.operation(p, m, raw, shared, base))
		}
	}
	return ops, nil
}

func (c *Converter) operation(path, method string, op map[string]any, shared []any, base string) Operation {
	name, _ := op["operationId"].(string)
	if name == "" {
		name = method + "_" + sanitizeName(path)
	} else {
		name = sanitizeName(name)
	}
	name = c.unique(name)

	desc, _ := op["summary"].(string)
	if desc == "" {
		desc, _ = op["description"].(string)
	}
	var tags []string
	if raw, ok := op["tags"].([]any); ok {
		for _, t := range raw {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
	}

	out := Operation{Method: strings.ToUpper(method), URL: base + path}
	props := map[string]*schema.Schema{}
	var required []string

	params := append(append([]any(nil), shared...), listOf(op["parameters"])...)
	for _, raw := range params {
		param, ok := c.resolveSchema(raw).(map[string]any)
		if !ok {
			continue
		}
		pname, _ := param["name"].(string)
		in, _ := param["in"].(string)
		if pname == "" {
			continue
		}
		req, _ := param["required"].(bool)

		var s *schema.Schema
		if in == "body" {
			s = c.toSchema(param["schema"])
			out.BodyField = pname
		} else if sub, ok := param["schema"]; ok {
			s = c.toSchema(sub)
		} else {
			// OAS2 keeps type and enum on the parameter itself
			s = c.toSchema(param)
		}
		if s.Description == "" {
			s.Description, _ = param["description"].(string)
		}

		switch in {
		case "path":
			out.Path = append(out.Path, pname)
			req = true
		case "query":
			out.Query = append(out.Query, pname)
		case "header":
			out.Header = append(out.Header, pname)
		case "body":
		default:
			continue
		}
		props[pname] = s
		if req {
			required = append(required, pname)
		}
	}

	if rb, ok := c.resolveSchema(op["requestBody"]).(map[string]any); ok {
		if body := jsonContent(rb["content"]); body != nil {
			out.BodyField = "body"
			props["body"] = c.toSchema(body["schema"])
			if req, _ := rb["required"].(bool); req {
				required = append(required, "body")
			}
		}
	}

	out.Auth = c.auth(op)
	out.Tool = tools.Tool{
		Name:        name,
		Description: desc,
		InputSchema: schema.Object(props, required...),
		Tags:        tags,
	}
	return out
}

// jsonContent picks application/json, else the first media type by name.
func jsonContent(v any) map[string]any {
	content, ok := v.(map[string]any)
	if !ok || len(content) == 0 {
		return nil
	}
	if mt, ok := content["application/json"].(map[string]any); ok {
		return mt
	}
	keys := make([]string, 0, len(content))
	for k := range content {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	mt, _ := content[keys[0]].(map[string]any)
	return mt
}

func (c *Converter) unique(name string) string {
	n := c.nameCounts[name]
	c.nameCounts[name] = n + 1
	if n == 0 {
		return name
	}
	return fmt.Sprintf("%s_%d", name, n+1)
}

func (c *Converter) resolveRef(ref string) (map[string]any, error) {
	if !strings.HasPrefix(ref, "#/") {
		return nil, fmt.Errorf("unsupported external ref %q", ref)
	}
	node := c.doc
	for _, p := range strings.Split(ref[2:], "/") {
		next, ok := node[p].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("ref %q not found", ref)
		}
		node = next
	}
	return node, nil
}

// resolveSchema inlines every local $ref under v. Cycles stop at the repeated ref.
func (c *Converter) resolveSchema(v any) any {
	return c.resolve(v, map[string]bool{})
}

func (c *Converter) resolve(v any, seen map[string]bool) any {
	switch val := v.(type) {
	case map[string]any:
		if ref, ok := val["$ref"].(string); ok {
			if seen[ref] {
				return map[string]any{}
			}
			sub, err := c.resolveRef(ref)
			if err != nil {
				return val
			}
			seen[ref] = true
			defer delete(seen, ref)
			return c.resolve(sub, seen)
		}
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[k] = c.resolve(x, seen)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = c.resolve(x, seen)
		}
		return out
	default:
		return val
	}
}

// toSchema keeps the keywords the validator understands. Unknown or multi-valued types
// are left open.
func (c *Converter) toSchema(v any) *schema.Schema {
	m, ok := c.resolveSchema(v).(map[string]any)
	if !ok {
		return &schema.Schema{}
	}
	return buildSchema(m)
}

func buildSchema(m map[string]any) *schema.Schema {
	s := &schema.Schema{}
	s.Type, _ = m["type"].(string)
	s.Description, _ = m["description"].(string)
	s.Title, _ = m["title"].(string)
	s.Pattern, _ = m["pattern"].(string)
	s.Format, _ = m["format"].(string)
	s.Default = m["default"]
	if e, ok := m["enum"].([]any); ok {
		s.Enum = e
	}
	if f, ok := m["minimum"].(float64); ok {
		s.Minimum = schema.Bound(f)
	}
	if f, ok := m["maximum"].(float64); ok {
		s.Maximum = schema.Bound(f)
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = buildSchema(items)
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*schema.Schema, len(props))
		for k, p := range props {
			if pm, ok := p.(map[string]any); ok {
				s.Properties[k] = buildSchema(pm)
			}
		}
	}
	if req, ok := m["required"].([]any); ok {
		for _, r := range req {
			if name, ok := r.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}
	return s
}

// auth takes the first satisfiable requirement of the operation, else of the document.
func (c *Converter) auth(op map[string]any) *Auth {
	reqs := listOf(op["security"])
	if _, declared := op["security"]; !declared {
		reqs = listOf(c.doc["security"])
	}
	schemes := c.securitySchemes()
	for _, raw := range reqs {
		req, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		names := make([]string, 0, len(req))
		for n := range req {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			sc, ok := c.resolveSchema(schemes[n]).(map[string]any)
			if !ok {
				continue
			}
			if a := authFromScheme(sc); a != nil {
				return a
			}
		}
	}
	return nil
}

func (c *Converter) securitySchemes() map[string]any {
	if comp, ok := c.doc["components"].(map[string]any); ok {
		if s, ok := comp["securitySchemes"].(map[string]any); ok {
			return s
		}
	}
	s, _ := c.doc["securityDefinitions"].(map[string]any)
	return s
}

func authFromScheme(sc map[string]any) *Auth {
	typ, _ := sc["type"].(string)
	switch strings.ToLower(typ) {
	case "apikey":
		name, _ := sc["name"].(string)
		in, _ := sc["in"].(string)
		return &Auth{Scheme: AuthAPIKey, Name: name, In: in}
	case "basic":
		return &Auth{Scheme: AuthBasic}
	case "http":
		s, _ := sc["scheme"].(string)
		switch strings.ToLower(s) {
		case "basic":
			return &Auth{Scheme: AuthBasic}
		case "bearer":
			return &Auth{Scheme: AuthBearer}
		}
	case "oauth2":
		// OAS3 nests flows; OAS2 keeps one flow on the scheme
		if flows, ok := sc["flows"].(map[string]any); ok {
			if cc, ok := flows["clientCredentials"].(map[string]any); ok {
				return oauthFlow(cc)
			}
			for _, raw := range flows {
				if f, ok := raw.(map[string]any); ok {
					if a := oauthFlow(f); a != nil {
						return a
					}
				}
			}
		}
		return oauthFlow(sc)
	}
	return nil
}

func oauthFlow(f map[string]any) *Auth {
	tokenURL, _ := f["tokenUrl"].(string)
	if tokenURL == "" {
		return nil
	}
	a := &Auth{Scheme: AuthOAuth2, TokenURL: tokenURL}
	if scopes, ok := f["scopes"].(map[string]any); ok {
		for s := range scopes {
			a.Scopes = append(a.Scopes, s)
		}
		sort.Strings(a.Scopes)
	}
	return a
}

func listOf(v any) []any {
	l, _ := v.([]any)
	return l
}

// sanitizeName turns a path or operation id into a tool name: braces dropped,
// everything outside [A-Za-z0-9_] replaced, underscores collapsed.
func sanitizeName(p string) string {
	out := strings.NewReplacer("{", "", "}", "").Replace(p)
	out = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, out)
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	out = strings.Trim(out, "_")
	if out == "" {
		return "root"
	}
	return out
}
