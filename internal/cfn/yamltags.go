package cfn

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/fullstack-deploy/internal/xerrors"
)

// fromNode converts a decoded YAML node into plain maps, lists and scalars.
func fromNode(n *yaml.Node) (any, error) {
	if n == nil {
		return nil, nil
	}
	if isShortForm(n.Tag) {
		return intrinsic(n)
	}
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return fromNode(n.Content[0])
	case yaml.AliasNode:
		return fromNode(n.Alias)
	case yaml.MappingNode:
		out := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			k := n.Content[i]
			if k.Kind != yaml.ScalarNode {
				return nil, xerrors.Newf("line %d: mapping keys must be scalars", k.Line)
			}
			v, err := fromNode(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			out[k.Value] = v
		}
		return out, nil
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := fromNode(c)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.ScalarNode:
		// "2010-09-09" must stay a string, not become a time.Time
		if n.ShortTag() == "!!timestamp" {
			return n.Value, nil
		}
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, xerrors.Wrapf(err, "line %d", n.Line)
		}
		return v, nil
	}
	return nil, xerrors.Newf("line %d: unsupported yaml node kind %d", n.Line, n.Kind)
}

func isShortForm(tag string) bool {
	return strings.HasPrefix(tag, "!") && !strings.HasPrefix(tag, "!!")
}

// intrinsic expands !Name value into its long form.
func intrinsic(n *yaml.Node) (any, error) {
	name := strings.TrimPrefix(n.Tag, "!")
	inner := *n
	inner.Tag = ""

	switch name {
	case "Ref", "Condition":
		return map[string]any{name: n.Value}, nil
	case "GetAtt":
		if n.Kind == yaml.ScalarNode {
			res, attr, ok := strings.Cut(n.Value, ".")
			if !ok {
				return nil, xerrors.Newf("line %d: !GetAtt %q must be Resource.Attribute", n.Line, n.Value)
			}
			return map[string]any{"Fn::GetAtt": []any{res, attr}}, nil
		}
	}

	var v any
	var err error
	if n.Kind == yaml.ScalarNode {
		// short-form scalars are always strings (!Sub, !Base64, !ImportValue)
		v = n.Value
	} else if v, err = fromNode(&inner); err != nil {
		return nil, err
	}
	return map[string]any{"Fn::" + name: v}, nil
}
