package openapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode"

	"github.com/pb33f/libopenapi"
	v3 "github.com/pb33f/libopenapi/datamodel/high/v3"

	"github.com/nerrad567/apilink/internal/loader"
	"github.com/nerrad567/apilink/internal/rtc"
)

// ErrUnsupported is returned for documents that are not OpenAPI 3.x.
var ErrUnsupported = errors.New("openapi: unsupported document")

// Options overrides values taken from the document.
type Options struct {
	// Name defaults to a slug of info.title.
	Name string
	// BaseURL defaults to the first server URL.
	BaseURL string
}

// Import parses an OpenAPI 3.x document and returns the equivalent
// collection file. Warnings describe operations that were skipped or
// renamed.
func Import(data []byte, opts Options) (*loader.File, []string, error) {
	doc, err := libopenapi.NewDocument(data)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing OpenAPI document: %w", err)
	}
	version := doc.GetVersion()
	if !strings.HasPrefix(version, "3.") {
		return nil, nil, fmt.Errorf("%w: version %q (only 3.x supported)", ErrUnsupported, version)
	}
	model, err := doc.BuildV3Model()
	if err != nil {
		return nil, nil, fmt.Errorf("building OpenAPI model: %w", err)
	}

	im := &importer{
		file: &loader.File{
			Name:     opts.Name,
			BaseURL:  opts.BaseURL,
			Commands: make(map[string]loader.Operation),
			Queries:  make(map[string]loader.Operation),
			Requests: make(map[string]loader.Operation),
			Sockets:  make(map[string]loader.Operation),
		},
		names:   make(map[string]bool),
		queries: make(map[string]string),
	}
	im.run(&model.Model)
	return im.file, im.warnings, nil
}

type importer struct {
	file     *loader.File
	warnings []string
	names    map[string]bool
	// queries maps a list path to its query name.
	queries map[string]string
	// deferred holds GETs that attach to a query once all lists are known.
	deferred []deferredGet
}

type deferredGet struct {
	path   string
	parent string
	op     *v3.Operation
	meta   bool
}

func (im *importer) run(doc *v3.Document) {
	if im.file.Name == "" {
		im.file.Name = "api"
		if doc.Info != nil {
			if s := slug(doc.Info.Title); s != "" {
				im.file.Name = s
			}
		}
	}
	if im.file.BaseURL == "" && len(doc.Servers) > 0 {
		im.file.BaseURL = doc.Servers[0].URL
	}
	if im.file.BaseURL == "" {
		im.warn("document has no servers; set base_url before use")
	}

	if doc.Paths == nil || doc.Paths.PathItems == nil {
		im.warn("document has no paths")
		return
	}

	for path, item := range doc.Paths.PathItems.FromOldest() {
		im.path(path, item)
	}
	for _, d := range im.deferred {
		im.attach(d)
	}
}

func (im *importer) path(path string, item *v3.PathItem) {
	methods := []struct {
		method string
		op     *v3.Operation
	}{
		{http.MethodGet, item.Get},
		{http.MethodPost, item.Post},
		{http.MethodPut, item.Put},
		{http.MethodPatch, item.Patch},
		{http.MethodDelete, item.Delete},
		{http.MethodHead, item.Head},
		{http.MethodOptions, item.Options},
		{http.MethodTrace, item.Trace},
	}

	for _, m := range methods {
		if m.op == nil {
			continue
		}
		switch m.method {
		case http.MethodGet:
			im.get(path, m.op)
		case http.MethodPost:
			name := im.name(m.op, m.method, path)
			im.file.Commands[name] = loader.Operation{Path: path, Required: requiredFields(m.op)}
		case http.MethodTrace:
			im.warn("skipping TRACE %s", path)
		default:
			name := im.name(m.op, m.method, path)
			im.file.Requests[name] = loader.Operation{Path: path, Method: m.method, Required: requiredFields(m.op)}
		}
	}
}

func (im *importer) get(path string, op *v3.Operation) {
	if streams(op) {
		im.file.Sockets[im.name(op, http.MethodGet, path)] = loader.Operation{Path: path, Transport: string(rtc.TransportSSE)}
		return
	}

	parent, last := splitLast(path)
	switch {
	case last == "_meta" && parent != "":
		im.deferred = append(im.deferred, deferredGet{path: path, parent: parent, op: op, meta: true})
	case isParam(last) && parent != "":
		im.deferred = append(im.deferred, deferredGet{path: path, parent: parent, op: op})
	default:
		name := im.name(op, http.MethodGet, path)
		im.file.Queries[name] = loader.Operation{Path: path}
		im.queries[path] = name
	}
}

// attach links item and meta endpoints to their list query, falling back
// to a standalone GET request.
func (im *importer) attach(d deferredGet) {
	if qname, ok := im.queries[d.parent]; ok {
		q := im.file.Queries[qname]
		if d.meta {
			q.Meta = d.path
		} else if q.Item == "" {
			q.Item = d.path
		} else {
			im.addGetRequest(d)
			return
		}
		im.file.Queries[qname] = q
		return
	}
	im.addGetRequest(d)
}

func (im *importer) addGetRequest(d deferredGet) {
	name := im.name(d.op, http.MethodGet, d.path)
	im.file.Requests[name] = loader.Operation{Path: d.path, Method: http.MethodGet}
}

// name returns a unique operation name.
func (im *importer) name(op *v3.Operation, method, path string) string {
	base := identifier(op.OperationId)
	if base == "" {
		base = identifier(strings.ToLower(method) + " " + path)
	}
	name := base
	for i := 2; im.names[name]; i++ {
		name = fmt.Sprintf("%s_%d", base, i)
	}
	if name != base {
		im.warn("%s %s renamed to %s to avoid a duplicate name", method, path, name)
	}
	im.names[name] = true
	return name
}

func (im *importer) warn(format string, args ...any) {
	im.warnings = append(im.warnings, fmt.Sprintf(format, args...))
}

func streams(op *v3.Operation) bool {
	if op.Responses == nil || op.Responses.Codes == nil {
		return false
	}
	for _, resp := range op.Responses.Codes.FromOldest() {
		if resp == nil || resp.Content == nil {
			continue
		}
		for mediaType := range resp.Content.FromOldest() {
			if strings.HasPrefix(mediaType, "text/event-stream") {
				return true
			}
		}
	}
	return false
}

func requiredFields(op *v3.Operation) []string {
	if op.RequestBody == nil || op.RequestBody.Content == nil {
		return nil
	}
	for mediaType, content := range op.RequestBody.Content.FromOldest() {
		if !strings.Contains(mediaType, "json") || content == nil || content.Schema == nil {
			continue
		}
		schema := content.Schema.Schema()
		if schema == nil || len(schema.Required) == 0 {
			return nil
		}
		return append([]string(nil), schema.Required...)
	}
	return nil
}

func splitLast(path string) (parent, last string) {
	trimmed := strings.TrimRight(path, "/")
	i := strings.LastIndexByte(trimmed, '/')
	if i < 0 {
		return "", trimmed
	}
	return trimmed[:i], trimmed[i+1:]
}

func isParam(segment string) bool {
	return len(segment) > 2 && segment[0] == '{' && segment[len(segment)-1] == '}'
}

// identifier turns s into a snake_case name made of letters, digits and
// underscores. camelCase boundaries are kept as underscores.
func identifier(s string) string {
	var b strings.Builder
	prevLower := false
	pendingSep := false
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if unicode.IsUpper(r) && prevLower {
				pendingSep = true
			}
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(unicode.ToLower(r))
			prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
		default:
			pendingSep = true
			prevLower = false
		}
	}
	return b.String()
}

func slug(s string) string {
	return strings.ReplaceAll(identifier(s), "_", "-")
}
