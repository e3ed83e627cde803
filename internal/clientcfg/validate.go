package clientcfg

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ValidationError carries every configuration problem found in one pass.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid config: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid config (%d problems):\n  - %s", len(e.Problems), strings.Join(e.Problems, "\n  - "))
}

//go:embed schema.yaml
var schemaYAML []byte

const schemaURL = "fullstack.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var raw any
		if err := yaml.Unmarshal(schemaYAML, &raw); err != nil {
			schemaErr = fmt.Errorf("parse schema: %w", err)
			return
		}
		b, err := json.Marshal(raw)
		if err != nil {
			schemaErr = fmt.Errorf("marshal schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, bytes.NewReader(b)); err != nil {
			schemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
	})
	return schema, schemaErr
}

// normalize decodes a YAML node into JSON-shaped values (float64 numbers,
// string keys) as the schema validator expects.
func normalize(n *yaml.Node) (map[string]any, error) {
	var raw any
	if err := n.Decode(&raw); err != nil {
		return nil, fmt.Errorf("config is not valid YAML: %v", err)
	}
	if raw == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("config must use string keys: %v", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	m, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("config must be a mapping, got %T", doc)
	}
	return m, nil
}

// Validate checks a JSON-shaped config document. Structural rules come from
// the embedded schema, the rest are checked here. projectDir is used to
// confirm the distribution folder exists. Returns *ValidationError or nil.
func Validate(doc map[string]any, projectDir string) error {
	var problems []string

	s, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := s.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if !errors.As(err, &ve) {
			return err
		}
		problems = append(problems, schemaProblems(ve)...)
	}

	if name, ok := doc["bucketName"].(string); !ok || strings.TrimSpace(name) == "" {
		problems = append(problems, "Please specify a bucket name for the client in the fullstack config")
	}

	folder := DefaultDistributionFolder
	if f, ok := doc["distributionFolder"].(string); ok && f != "" {
		folder = f
	}
	if fi, err := os.Stat(ResolvePath(projectDir, folder)); err != nil || !fi.IsDir() {
		problems = append(problems, fmt.Sprintf("Could not find '%s' folder in your project root", folder))
	}

	if rf, ok := doc["resourcesFile"].(string); ok && rf != "" {
		if fi, err := os.Stat(ResolvePath(projectDir, rf)); err != nil || fi.IsDir() {
			problems = append(problems, fmt.Sprintf("Could not find resources file '%s'", rf))
		}
	}

	if v, ok := doc["objectHeaders"]; ok {
		problems = append(problems, validateObjectHeaders(v)...)
	}
	if v, ok := doc["redirectAllRequestsTo"]; ok {
		problems = append(problems, validateRedirectAll(doc, v)...)
	}
	if v, ok := doc["routingRules"]; ok {
		problems = append(problems, validateRoutingRules(v)...)
	}

	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: problems}
}

func schemaProblems(ve *jsonschema.ValidationError) []string {
	var out []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}

func validateObjectHeaders(v any) []string {
	rules, ok := v.(map[string]any)
	if !ok {
		return []string{"objectHeaders must be an object"}
	}
	keys := make([]string, 0, len(rules))
	for k := range rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var problems []string
	for _, k := range keys {
		list, ok := rules[k].([]any)
		if !ok {
			problems = append(problems, fmt.Sprintf("objectHeaders['%s'] must be an array", k))
			continue
		}
		for _, e := range list {
			h, _ := e.(map[string]any)
			if _, ok := h["name"].(string); !ok {
				problems = append(problems, fmt.Sprintf("Each object header must have a (string) 'name' attribute (objectHeaders['%s'])", k))
			}
			if _, ok := h["value"].(string); !ok {
				problems = append(problems, fmt.Sprintf("Each object header must have a (string) 'value' attribute (objectHeaders['%s'])", k))
			}
		}
	}
	return problems
}

func validateRedirectAll(doc map[string]any, v any) []string {
	var problems []string
	for _, k := range []string{"indexDocument", "errorDocument", "routingRules"} {
		if _, ok := doc[k]; ok {
			problems = append(problems, k+" cannot be specified with redirectAllRequestsTo")
		}
	}
	r, ok := v.(map[string]any)
	if !ok {
		return append(problems, "redirectAllRequestsTo must be an object")
	}
	if h, ok := r["hostName"]; !ok {
		problems = append(problems, "redirectAllRequestsTo.hostName is required")
	} else if _, ok := h.(string); !ok {
		problems = append(problems, "redirectAllRequestsTo.hostName must be a string")
	}
	if p, ok := r["protocol"]; ok {
		problems = append(problems, checkProtocol("redirectAllRequestsTo.protocol", p)...)
	}
	return problems
}

func validateRoutingRules(v any) []string {
	rules, ok := v.([]any)
	if !ok {
		return []string{"routingRules must be an array"}
	}
	var problems []string
	for i, e := range rules {
		prefix := fmt.Sprintf("routingRules[%d]", i)
		rule, ok := e.(map[string]any)
		if !ok {
			problems = append(problems, prefix+" must be an object")
			continue
		}

		if red, ok := rule["redirect"].(map[string]any); !ok {
			problems = append(problems, prefix+".redirect is required and must be an object")
		} else {
			for _, k := range []string{"hostName", "replaceKeyPrefixWith", "replaceKeyWith"} {
				if x, ok := red[k]; ok {
					if _, ok := x.(string); !ok {
						problems = append(problems, fmt.Sprintf("%s.redirect.%s must be a string", prefix, k))
					}
				}
			}
			if p, ok := red["protocol"]; ok {
				problems = append(problems, checkProtocol(prefix+".redirect.protocol", p)...)
			}
			if c, ok := red["httpRedirectCode"]; ok && !isInteger(c) {
				problems = append(problems, prefix+".redirect.httpRedirectCode must be an integer")
			}
			_, hasPrefix := red["replaceKeyPrefixWith"]
			_, hasKey := red["replaceKeyWith"]
			if hasPrefix && hasKey {
				problems = append(problems, prefix+".redirect: replaceKeyPrefixWith and replaceKeyWith cannot both be specified")
			}
		}

		c, ok := rule["condition"]
		if !ok {
			continue
		}
		cond, ok := c.(map[string]any)
		if !ok {
			problems = append(problems, prefix+".condition must be an object")
			continue
		}
		code, hasCode := cond["httpErrorCodeReturnedEquals"]
		kp, hasKP := cond["keyPrefixEquals"]
		if !hasCode && !hasKP {
			problems = append(problems, prefix+": condition.httpErrorCodeReturnedEquals or condition.keyPrefixEquals must be defined")
		}
		if hasCode && !isInteger(code) {
			problems = append(problems, prefix+".condition.httpErrorCodeReturnedEquals must be an integer")
		}
		if _, ok := kp.(string); hasKP && !ok {
			problems = append(problems, prefix+".condition.keyPrefixEquals must be a string")
		}
	}
	return problems
}

func checkProtocol(field string, v any) []string {
	s, ok := v.(string)
	if !ok {
		return []string{field + " must be a string"}
	}
	if s != "http" && s != "https" {
		return []string{field + " must be either http or https"}
	}
	return nil
}

func isInteger(v any) bool {
	f, ok := v.(float64)
	return ok && f == math.Trunc(f) && !math.IsInf(f, 0)
}
