// Package cfn holds CloudFormation documents as generic trees so that
// intrinsic functions and properties this tool does not model survive a
// load, rewrite and encode round trip.
package cfn

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/fullstack-deploy/internal/xerrors"
)

// Well-known logical ids and identifiers shared by the base template and
// the composer.
const (
	DistributionID   = "ApiDistribution"
	BucketID         = "WebAppS3Bucket"
	BucketPolicyID   = "WebAppS3BucketPolicy"
	OAIID            = "S3OriginAccessIdentity"
	RestAPIID        = "ApiGatewayRestApi"
	APIOriginID      = "ApiGateway"
	WebOriginID      = "WebApp"
	OAIStatementSid  = "OAIGetObject"
	ResourcesSection = "Resources"
)

var ErrEmptyDocument = errors.New("template document is empty")

// Template is a CloudFormation document. The zero value is not usable; use
// New, Parse or Base.
type Template struct {
	doc map[string]any
}

// New wraps doc without copying it.
func New(doc map[string]any) *Template {
	if doc == nil {
		doc = map[string]any{}
	}
	return &Template{doc: doc}
}

// Parse decodes a YAML or JSON document. CloudFormation short-form tags
// (!Ref, !GetAtt, !Sub, ...) are expanded to their long form.
func Parse(data []byte) (*Template, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyDocument
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, xerrors.Wrap(err, "decode template")
	}
	v, err := fromNode(&root)
	if err != nil {
		return nil, err
	}
	doc, ok := v.(map[string]any)
	if !ok {
		return nil, xerrors.Newf("template root must be a mapping, got %T", v)
	}
	return New(doc), nil
}

// Doc returns the underlying tree. Callers that mutate it own the template.
func (t *Template) Doc() map[string]any {
	return t.doc
}

// Clone returns a deep copy.
func (t *Template) Clone() *Template {
	return New(DeepCopy(t.doc).(map[string]any))
}

// Resources returns the Resources section, creating it if absent.
func (t *Template) Resources() map[string]any {
	res, ok := t.doc[ResourcesSection].(map[string]any)
	if !ok {
		res = map[string]any{}
		t.doc[ResourcesSection] = res
	}
	return res
}

// Resource returns the resource with the given logical id.
func (t *Template) Resource(id string) (map[string]any, bool) {
	return Map(t.doc, ResourcesSection, id)
}

// Properties returns the Properties mapping of a resource.
func (t *Template) Properties(id string) (map[string]any, bool) {
	return Map(t.doc, ResourcesSection, id, "Properties")
}

func (t *Template) HasResource(id string) bool {
	_, ok := t.Resource(id)
	return ok
}

func (t *Template) DeleteResource(id string) {
	Delete(t.doc, ResourcesSection, id)
}

// ResourceIDs lists logical ids in sorted order.
func (t *Template) ResourceIDs() []string {
	res := t.Resources()
	ids := make([]string, 0, len(res))
	for id := range res {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Merge returns a new template with overlay deep-merged onto base. Nested
// mappings merge key by key; lists and scalars from overlay replace those in
// base. Neither input is modified.
func Merge(base, overlay *Template) *Template {
	out := base.Clone()
	if overlay == nil {
		return out
	}
	mergeInto(out.doc, overlay.doc)
	return out
}

func mergeInto(dst, src map[string]any) {
	for k, sv := range src {
		sm, srcIsMap := sv.(map[string]any)
		dm, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			mergeInto(dm, sm)
			continue
		}
		dst[k] = DeepCopy(sv)
	}
}

// DeepCopy copies mappings and lists recursively. Scalars are returned as is.
func DeepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = DeepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = DeepCopy(e)
		}
		return out
	default:
		return v
	}
}

// Format selects the encoding used by Encode.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, FormatYAML:
		return Format(s), nil
	case "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unknown template format %q (want json or yaml)", s)
}

// Encode renders the template. YAML output uses long-form intrinsics.
func (t *Template) Encode(f Format) ([]byte, error) {
	switch f {
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(t.doc); err != nil {
			return nil, xerrors.Wrap(err, "encode template yaml")
		}
		if err := enc.Close(); err != nil {
			return nil, xerrors.Wrap(err, "encode template yaml")
		}
		return buf.Bytes(), nil
	case FormatJSON, "":
		b, err := json.MarshalIndent(t.doc, "", "  ")
		if err != nil {
			return nil, xerrors.Wrap(err, "encode template json")
		}
		return append(b, '\n'), nil
	}
	return nil, xerrors.Newf("unknown template format %q", f)
}
