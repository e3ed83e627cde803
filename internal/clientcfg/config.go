// Package clientcfg loads and validates the deployment configuration for
// the static client: bucket, distribution settings, header rules and the
// optional hand-authored resources file.
package clientcfg

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/fullstack-deploy/internal/pathutil"
	"github.com/keithlinneman/fullstack-deploy/internal/xerrors"
)

const (
	DefaultDistributionFolder     = "client/dist"
	DefaultIndexDocument          = "index.html"
	DefaultErrorDocument          = "error.html"
	DefaultMinimumProtocolVersion = "TLSv1.2_2021"
	DefaultPriceClass             = "PriceClass_100"
	DefaultAPIPath                = "api"
	DefaultInvalidationPath       = "/*"
)

// Config is the validated deployment configuration. Treat it as read-only
// once Load returns.
type Config struct {
	BucketName         string `yaml:"bucketName"`
	DistributionFolder string `yaml:"distributionFolder"`

	IndexDocument         string              `yaml:"indexDocument"`
	ErrorDocument         string              `yaml:"errorDocument"`
	RedirectAllRequestsTo *RedirectAll        `yaml:"redirectAllRequestsTo"`
	RoutingRules          []RoutingRule       `yaml:"routingRules"`
	ObjectHeaders         map[string][]Header `yaml:"objectHeaders"`

	Domain                 StringList `yaml:"domain"`
	Certificate            string     `yaml:"certificate"`
	MinimumProtocolVersion string     `yaml:"minimumProtocolVersion"`
	WAF                    string     `yaml:"waf"`
	PriceClass             string     `yaml:"priceClass"`
	Logging                *Logging   `yaml:"logging"`

	APIPath                  string `yaml:"apiPath"`
	APIGatewayRestAPIID      string `yaml:"apiGatewayRestApiId"`
	APIGatewayRestAPIIDParam string `yaml:"apiGatewayRestApiIdParam"`

	SinglePageApp      bool  `yaml:"singlePageApp"`
	CompressWebContent *bool `yaml:"compressWebContent"`

	Origins              []map[string]any `yaml:"origins"`
	CacheBehaviors       []map[string]any `yaml:"cacheBehaviors"`
	DefaultCacheBehavior map[string]any   `yaml:"defaultCacheBehavior"`

	InvalidationPaths StringList `yaml:"invalidationPaths"`
	NoDeleteContents  bool       `yaml:"noDeleteContents"`
	ResourcesFile     string     `yaml:"resourcesFile"`
}

type RedirectAll struct {
	HostName string `yaml:"hostName"`
	Protocol string `yaml:"protocol"`
}

type RoutingRule struct {
	Condition *RoutingCondition `yaml:"condition"`
	Redirect  RoutingRedirect   `yaml:"redirect"`
}

type RoutingCondition struct {
	HTTPErrorCodeReturnedEquals *int   `yaml:"httpErrorCodeReturnedEquals"`
	KeyPrefixEquals             string `yaml:"keyPrefixEquals"`
}

type RoutingRedirect struct {
	HostName             string `yaml:"hostName"`
	HTTPRedirectCode     *int   `yaml:"httpRedirectCode"`
	Protocol             string `yaml:"protocol"`
	ReplaceKeyPrefixWith string `yaml:"replaceKeyPrefixWith"`
	ReplaceKeyWith       string `yaml:"replaceKeyWith"`
}

type Logging struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// Header is one {name, value} entry of an object header rule.
type Header struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// StringList accepts either a single string or a list of strings.
type StringList []string

func (s *StringList) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		var one string
		if err := n.Decode(&one); err != nil {
			return err
		}
		*s = StringList{one}
		return nil
	}
	var many []string
	if err := n.Decode(&many); err != nil {
		return err
	}
	*s = many
	return nil
}

// Compress reports whether CloudFront should compress web content.
func (c *Config) Compress() bool {
	return c.CompressWebContent == nil || *c.CompressWebContent
}

// ResolvePath resolves a config-relative path against projectDir. Absolute
// paths are returned as is.
func ResolvePath(projectDir, name string) string {
	name = filepath.FromSlash(name)
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(projectDir, name)
}

// Load reads path and returns the validated config. Relative paths inside
// the config (distribution folder, resources file) resolve against
// projectDir. Validation failures come back as *ValidationError.
func Load(path, projectDir string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read config %s", path)
	}
	return Decode(data, projectDir)
}

// Decode parses a config document. The document may be the settings
// themselves or a serverless-style file carrying them under
// custom.fullstack.
func Decode(data []byte, projectDir string) (*Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ValidationError{Problems: []string{"config document is empty"}}
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &ValidationError{Problems: []string{"config is not valid YAML: " + err.Error()}}
	}
	section := settingsNode(&root)

	doc, err := normalize(section)
	if err != nil {
		return nil, &ValidationError{Problems: []string{err.Error()}}
	}
	if err := Validate(doc, projectDir); err != nil {
		return nil, err
	}

	var c Config
	if err := section.Decode(&c); err != nil {
		return nil, &ValidationError{Problems: []string{err.Error()}}
	}
	c.applyDefaults()
	return &c, nil
}

// settingsNode returns custom.fullstack when present, else the document root.
func settingsNode(root *yaml.Node) *yaml.Node {
	n := root
	if n.Kind == yaml.DocumentNode && len(n.Content) > 0 {
		n = n.Content[0]
	}
	for _, key := range []string{"custom", "fullstack"} {
		child := mappingValue(n, key)
		if child == nil {
			return n
		}
		n = child
	}
	return n
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	if n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.DistributionFolder == "" {
		c.DistributionFolder = DefaultDistributionFolder
	}
	// redirect mode serves no documents of its own
	if c.RedirectAllRequestsTo == nil {
		if c.IndexDocument == "" {
			c.IndexDocument = DefaultIndexDocument
		}
		if c.ErrorDocument == "" {
			c.ErrorDocument = DefaultErrorDocument
		}
	}
	if c.MinimumProtocolVersion == "" {
		c.MinimumProtocolVersion = DefaultMinimumProtocolVersion
	}
	if c.PriceClass == "" {
		c.PriceClass = DefaultPriceClass
	}
	c.APIPath = strings.Trim(c.APIPath, "/")
	if c.APIPath == "" {
		c.APIPath = DefaultAPIPath
	}

	paths := make(StringList, 0, len(c.InvalidationPaths))
	for _, p := range c.InvalidationPaths {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, pathutil.EnsureLeadingSlash(p))
		}
	}
	if len(paths) == 0 {
		paths = StringList{DefaultInvalidationPath}
	}
	c.InvalidationPaths = paths

	domains := make(StringList, 0, len(c.Domain))
	for _, d := range c.Domain {
		if d = strings.TrimSpace(d); d != "" {
			domains = append(domains, d)
		}
	}
	c.Domain = domains
}
