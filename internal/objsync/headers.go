package objsync

import (
	"net/http"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keithlinneman/fullstack-deploy/internal/pathutil"
	"github.com/keithlinneman/fullstack-deploy/internal/xerrors"
)

// AllObjects is the rule key that applies to every object without a more
// specific rule.
const AllObjects = "ALL_OBJECTS"

type Header struct {
	Name  string
	Value string
}

// Rules maps an exact key, a directory prefix (ending in "/") or AllObjects
// to an ordered header list.
type Rules map[string][]Header

// HeaderSet is the resolved header overlay for one object.
type HeaderSet struct {
	CacheControl            string
	ContentEncoding         string
	ContentLanguage         string
	ContentDisposition      string
	Expires                 string
	WebsiteRedirectLocation string
	Metadata                map[string]string
}

func (h HeaderSet) IsZero() bool {
	return h.CacheControl == "" && h.ContentEncoding == "" && h.ContentLanguage == "" &&
		h.ContentDisposition == "" && h.Expires == "" && h.WebsiteRedirectLocation == "" &&
		len(h.Metadata) == 0
}

type prefixRule struct {
	prefix  string
	headers []Header
}

// ruleTable is Rules with keys normalised and prefixes ordered longest first.
type ruleTable struct {
	exact    map[string][]Header
	prefixes []prefixRule
	all      []Header
}

func compileRules(rules Rules) *ruleTable {
	t := &ruleTable{exact: map[string][]Header{}}
	keys := make([]string, 0, len(rules))
	for k := range rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	byPrefix := map[string][]Header{}
	for _, k := range keys {
		hs := rules[k]
		if k == AllObjects {
			t.all = append(t.all, hs...)
			continue
		}
		nk := strings.TrimPrefix(strings.TrimPrefix(pathutil.ToSlash(k), "./"), "/")
		if strings.HasSuffix(nk, "/") {
			byPrefix[nk] = append(byPrefix[nk], hs...)
		} else {
			t.exact[nk] = append(t.exact[nk], hs...)
		}
	}
	for p, hs := range byPrefix {
		t.prefixes = append(t.prefixes, prefixRule{prefix: p, headers: hs})
	}
	sort.Slice(t.prefixes, func(i, j int) bool {
		if len(t.prefixes[i].prefix) != len(t.prefixes[j].prefix) {
			return len(t.prefixes[i].prefix) > len(t.prefixes[j].prefix)
		}
		return t.prefixes[i].prefix < t.prefixes[j].prefix
	})
	return t
}

// tier returns the single rule list that applies to key.
func (t *ruleTable) tier(key string) []Header {
	if hs, ok := t.exact[key]; ok {
		return hs
	}
	for _, p := range t.prefixes {
		if strings.HasPrefix(key, p.prefix) {
			return p.headers
		}
	}
	return t.all
}

func (t *ruleTable) resolve(key string) HeaderSet {
	var h HeaderSet
	for _, e := range t.tier(key) {
		switch strings.ToLower(e.Name) {
		case "cache-control":
			h.CacheControl = e.Value
		case "content-encoding":
			h.ContentEncoding = e.Value
		case "content-language":
			h.ContentLanguage = e.Value
		case "content-disposition":
			h.ContentDisposition = e.Value
		case "expires":
			h.Expires = e.Value
		case "website-redirect-location":
			h.WebsiteRedirectLocation = e.Value
		default:
			if h.Metadata == nil {
				h.Metadata = map[string]string{}
			}
			for k := range h.Metadata {
				if strings.EqualFold(k, e.Name) {
					delete(h.Metadata, k)
				}
			}
			h.Metadata[e.Name] = e.Value
		}
	}
	return h
}

// ResolveHeaders returns the header overlay for key. Exactly one tier
// applies: exact key, else the longest matching directory prefix, else
// AllObjects. Within the tier later entries override earlier ones.
func ResolveHeaders(key string, rules Rules) HeaderSet {
	return compileRules(rules).resolve(pathutil.ToSlash(key))
}

// apply copies the overlay onto a put request.
func (h HeaderSet) apply(in *s3.PutObjectInput) error {
	if h.CacheControl != "" {
		in.CacheControl = aws.String(h.CacheControl)
	}
	if h.ContentEncoding != "" {
		in.ContentEncoding = aws.String(h.ContentEncoding)
	}
	if h.ContentLanguage != "" {
		in.ContentLanguage = aws.String(h.ContentLanguage)
	}
	if h.ContentDisposition != "" {
		in.ContentDisposition = aws.String(h.ContentDisposition)
	}
	if h.WebsiteRedirectLocation != "" {
		in.WebsiteRedirectLocation = aws.String(h.WebsiteRedirectLocation)
	}
	if h.Expires != "" {
		t, err := http.ParseTime(h.Expires)
		if err != nil {
			return xerrors.Wrapf(err, "Expires %q is not an HTTP date", h.Expires)
		}
		in.Expires = aws.Time(t)
	}
	if len(h.Metadata) > 0 {
		in.Metadata = make(map[string]string, len(h.Metadata))
		for k, v := range h.Metadata {
			in.Metadata[k] = v
		}
	}
	return nil
}
