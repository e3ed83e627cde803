// Package compose rewrites the hosting template (distribution, bucket,
// bucket policy, origin access identity) from the deployment config.
//
// Compose never mutates its input. Each rule below is idempotent and runs
// once over the merged template, so removing the API origin also removes
// behaviours that a hand-authored resources file added for it.
package compose

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/keithlinneman/fullstack-deploy/internal/cfn"
	"github.com/keithlinneman/fullstack-deploy/internal/clientcfg"
	"github.com/keithlinneman/fullstack-deploy/internal/xerrors"
)

var (
	ErrMissingResource        = errors.New("template is missing a required resource")
	ErrDuplicateOrigin        = errors.New("duplicate origin id")
	ErrDuplicateCacheBehavior = errors.New("duplicate cache behavior")
	ErrUnknownOrigin          = errors.New("cache behavior targets an unknown origin")
)

// APIBinding identifies the REST API the distribution fronts. InStack means
// the API is declared in the same stack, so the template's own reference to
// it is kept and only the stage path is rewritten.
type APIBinding struct {
	RestAPIID string
	InStack   bool
}

type Options struct {
	Service string
	Stage   string
	Region  string

	// API is nil when no API is deployed; the API origin is then removed.
	API *APIBinding
}

// composition is the working state shared by the rules.
type composition struct {
	t      *cfn.Template
	dist   map[string]any // ApiDistribution.Properties.DistributionConfig
	bucket map[string]any // WebAppS3Bucket.Properties
	policy map[string]any // WebAppS3BucketPolicy.Properties
	conf   *clientcfg.Config
	opts   Options
}

type rule struct {
	name string
	fn   func(*composition) error
}

var rules = []rule{
	{"api-origin", applyAPIOrigin},
	{"custom-resources", applyCustomResources},
	{"aliases", applyAliases},
	{"certificate", applyCertificate},
	{"waf", applyWAF},
	{"logging", applyLogging},
	{"price-class", applyPriceClass},
	{"single-page-app", applySinglePageApp},
	{"default-cache-behavior", applyDefaultCacheBehavior},
	{"bucket-name", applyBucketName},
	{"website", applyWebsite},
	{"origin-references", checkOriginReferences},
}

// Compose returns a rewritten copy of in.
func Compose(in *cfn.Template, conf *clientcfg.Config, opts Options) (*cfn.Template, error) {
	if in == nil || conf == nil {
		return nil, xerrors.New("compose: template and config are required")
	}
	if opts.Service == "" || opts.Stage == "" {
		return nil, xerrors.Newf("compose: service and stage are required (service=%q stage=%q)", opts.Service, opts.Stage)
	}

	c := &composition{t: in.Clone(), conf: conf, opts: opts}
	var ok bool
	if c.dist, ok = cfn.Map(c.t.Doc(), cfn.ResourcesSection, cfn.DistributionID, "Properties", "DistributionConfig"); !ok {
		return nil, xerrors.Wrapf(ErrMissingResource, "%s.Properties.DistributionConfig", cfn.DistributionID)
	}
	if c.bucket, ok = c.t.Properties(cfn.BucketID); !ok {
		return nil, xerrors.Wrapf(ErrMissingResource, "%s.Properties", cfn.BucketID)
	}
	if c.policy, ok = c.t.Properties(cfn.BucketPolicyID); !ok {
		return nil, xerrors.Wrapf(ErrMissingResource, "%s.Properties", cfn.BucketPolicyID)
	}

	for _, r := range rules {
		if err := r.fn(c); err != nil {
			return nil, xerrors.Wrapf(err, "compose %s", r.name)
		}
	}
	return c.t, nil
}

func (c *composition) origins() []map[string]any {
	l, _ := cfn.List(c.dist, "Origins")
	return cfn.Maps(l)
}

func (c *composition) behaviors() []map[string]any {
	l, _ := cfn.List(c.dist, "CacheBehaviors")
	return cfn.Maps(l)
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// filterList keeps elements of dist[key] for which keep returns true.
// Non-mapping elements are kept untouched.
func filterList(dist map[string]any, key string, keep func(map[string]any) bool) {
	l, ok := cfn.List(dist, key)
	if !ok {
		return
	}
	out := make([]any, 0, len(l))
	for _, e := range l {
		if m, ok := e.(map[string]any); ok && !keep(m) {
			continue
		}
		out = append(out, e)
	}
	dist[key] = out
}

func applyAPIOrigin(c *composition) error {
	api := c.opts.API
	if api == nil {
		filterList(c.dist, "Origins", func(o map[string]any) bool { return str(o, "Id") != cfn.APIOriginID })
		filterList(c.dist, "CacheBehaviors", func(b map[string]any) bool { return str(b, "TargetOriginId") != cfn.APIOriginID })
		return nil
	}
	if !api.InStack && (api.RestAPIID == "" || c.opts.Region == "") {
		return xerrors.Newf("external api needs a rest api id and region (id=%q region=%q)", api.RestAPIID, c.opts.Region)
	}

	for _, o := range c.origins() {
		if str(o, "Id") != cfn.APIOriginID {
			continue
		}
		o["OriginPath"] = "/" + c.opts.Stage
		if !api.InStack {
			o["DomainName"] = fmt.Sprintf("%s.execute-api.%s.amazonaws.com", api.RestAPIID, c.opts.Region)
		}
	}
	for _, b := range c.behaviors() {
		if str(b, "TargetOriginId") == cfn.APIOriginID {
			b["PathPattern"] = c.conf.APIPath + "/*"
		}
	}
	return nil
}

type behaviorKey struct{ target, pattern string }

func applyCustomResources(c *composition) error {
	if len(c.conf.Origins) > 0 {
		seen := map[string]bool{}
		for _, o := range c.origins() {
			seen[str(o, "Id")] = true
		}
		l, _ := cfn.List(c.dist, "Origins")
		for _, o := range c.conf.Origins {
			id := str(o, "Id")
			if seen[id] {
				return xerrors.Wrapf(ErrDuplicateOrigin, "origin %q", id)
			}
			seen[id] = true
			l = append(l, cfn.DeepCopy(o))
		}
		c.dist["Origins"] = l
	}

	if len(c.conf.CacheBehaviors) > 0 {
		seen := map[behaviorKey]bool{}
		for _, b := range c.behaviors() {
			seen[behaviorKey{str(b, "TargetOriginId"), str(b, "PathPattern")}] = true
		}
		l, _ := cfn.List(c.dist, "CacheBehaviors")
		for _, b := range c.conf.CacheBehaviors {
			k := behaviorKey{str(b, "TargetOriginId"), str(b, "PathPattern")}
			if seen[k] {
				return xerrors.Wrapf(ErrDuplicateCacheBehavior, "target %q path %q", k.target, k.pattern)
			}
			seen[k] = true
			l = append(l, cfn.DeepCopy(b))
		}
		c.dist["CacheBehaviors"] = l
	}
	return nil
}

func applyAliases(c *composition) error {
	if len(c.conf.Domain) == 0 {
		delete(c.dist, "Aliases")
		return nil
	}
	aliases := make([]any, len(c.conf.Domain))
	for i, d := range c.conf.Domain {
		aliases[i] = d
	}
	c.dist["Aliases"] = aliases
	return nil
}

func applyCertificate(c *composition) error {
	if c.conf.Certificate == "" {
		delete(c.dist, "ViewerCertificate")
		return nil
	}
	c.dist["ViewerCertificate"] = map[string]any{
		"AcmCertificateArn":      c.conf.Certificate,
		"SslSupportMethod":       "sni-only",
		"MinimumProtocolVersion": c.conf.MinimumProtocolVersion,
	}
	return nil
}

func applyWAF(c *composition) error {
	if c.conf.WAF == "" {
		delete(c.dist, "WebACLId")
		return nil
	}
	c.dist["WebACLId"] = c.conf.WAF
	return nil
}

func applyLogging(c *composition) error {
	if c.conf.Logging == nil || c.conf.Logging.Bucket == "" {
		delete(c.dist, "Logging")
		return nil
	}
	c.dist["Logging"] = map[string]any{
		"Bucket":         c.conf.Logging.Bucket,
		"Prefix":         c.conf.Logging.Prefix,
		"IncludeCookies": false,
	}
	return nil
}

func applyPriceClass(c *composition) error {
	c.dist["PriceClass"] = c.conf.PriceClass
	return nil
}

func applySinglePageApp(c *composition) error {
	if !c.conf.SinglePageApp {
		delete(c.dist, "CustomErrorResponses")
		delete(c.dist, "DefaultRootObject")
		c.t.DeleteResource(cfn.OAIID)
		filterStatements(c.policy, func(s map[string]any) bool { return str(s, "Sid") != cfn.OAIStatementSid })
		// an S3 origin without an identity takes an empty string, not a dangling Ref
		for _, o := range c.origins() {
			if s3, ok := o["S3OriginConfig"].(map[string]any); ok {
				s3["OriginAccessIdentity"] = ""
			}
		}
		return nil
	}

	index := c.conf.IndexDocument
	c.dist["DefaultRootObject"] = index

	responses, _ := cfn.List(c.dist, "CustomErrorResponses")
	for _, code := range []int{403, 404} {
		found := false
		for _, r := range cfn.Maps(responses) {
			if codeEquals(r["ErrorCode"], code) {
				r["ResponseCode"] = 200
				r["ResponsePagePath"] = "/" + index
				found = true
			}
		}
		if !found {
			responses = append(responses, map[string]any{
				"ErrorCode":          code,
				"ErrorCachingMinTTL": 1,
				"ResponseCode":       200,
				"ResponsePagePath":   "/" + index,
			})
		}
	}
	c.dist["CustomErrorResponses"] = responses

	ensureOAI(c)
	return nil
}

// ensureOAI restores the identity resource and its policy statement when a
// hand-authored template removed them.
func ensureOAI(c *composition) {
	if !c.t.HasResource(cfn.OAIID) {
		c.t.Resources()[cfn.OAIID] = map[string]any{
			"Type": "AWS::CloudFront::CloudFrontOriginAccessIdentity",
			"Properties": map[string]any{
				"CloudFrontOriginAccessIdentityConfig": map[string]any{
					"Comment": map[string]any{"Fn::Sub": "${AWS::StackName} web client"},
				},
			},
		}
	}
	stmts, _ := cfn.List(c.policy, "PolicyDocument", "Statement")
	for _, s := range cfn.Maps(stmts) {
		if str(s, "Sid") == cfn.OAIStatementSid {
			return
		}
	}
	stmts = append(stmts, map[string]any{
		"Sid":    cfn.OAIStatementSid,
		"Effect": "Allow",
		"Principal": map[string]any{
			"CanonicalUser": map[string]any{"Fn::GetAtt": []any{cfn.OAIID, "S3CanonicalUserId"}},
		},
		"Action": "s3:GetObject",
		"Resource": map[string]any{"Fn::Join": []any{"", []any{
			"arn:aws:s3:::", map[string]any{"Ref": cfn.BucketID}, "/*",
		}}},
	})
	cfn.Set(c.policy, stmts, "PolicyDocument", "Statement")
}

func filterStatements(policy map[string]any, keep func(map[string]any) bool) {
	doc, ok := cfn.Map(policy, "PolicyDocument")
	if !ok {
		return
	}
	filterList(doc, "Statement", keep)
}

// codeEquals matches ErrorCode values written as numbers or strings.
func codeEquals(v any, code int) bool {
	switch x := v.(type) {
	case int:
		return x == code
	case int64:
		return x == int64(code)
	case float64:
		return x == float64(code)
	case string:
		n, err := strconv.Atoi(x)
		return err == nil && n == code
	}
	return false
}

func applyDefaultCacheBehavior(c *composition) error {
	dcb, ok := cfn.Map(c.dist, "DefaultCacheBehavior")
	if !ok {
		dcb = map[string]any{}
		c.dist["DefaultCacheBehavior"] = dcb
	}
	for k, v := range c.conf.DefaultCacheBehavior {
		dcb[k] = cfn.DeepCopy(v)
	}
	dcb["Compress"] = c.conf.Compress()
	return nil
}

// BucketName is the physical bucket name for a service and stage.
func BucketName(service, stage, bucket string) string {
	return fmt.Sprintf("%s-%s-%s", service, stage, bucket)
}

func applyBucketName(c *composition) error {
	c.bucket["BucketName"] = BucketName(c.opts.Service, c.opts.Stage, c.conf.BucketName)
	return nil
}

func applyWebsite(c *composition) error {
	wc := map[string]any{}
	if r := c.conf.RedirectAllRequestsTo; r != nil {
		redirect := map[string]any{"HostName": r.HostName}
		if r.Protocol != "" {
			redirect["Protocol"] = r.Protocol
		}
		wc["RedirectAllRequestsTo"] = redirect
		c.bucket["WebsiteConfiguration"] = wc
		return nil
	}

	wc["IndexDocument"] = c.conf.IndexDocument
	wc["ErrorDocument"] = c.conf.ErrorDocument
	if len(c.conf.RoutingRules) > 0 {
		rr := make([]any, 0, len(c.conf.RoutingRules))
		for _, r := range c.conf.RoutingRules {
			rr = append(rr, routingRule(r))
		}
		wc["RoutingRules"] = rr
	}
	c.bucket["WebsiteConfiguration"] = wc
	return nil
}

func routingRule(r clientcfg.RoutingRule) map[string]any {
	redirect := map[string]any{}
	setIf := func(m map[string]any, k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	setIf(redirect, "HostName", r.Redirect.HostName)
	setIf(redirect, "Protocol", r.Redirect.Protocol)
	setIf(redirect, "ReplaceKeyPrefixWith", r.Redirect.ReplaceKeyPrefixWith)
	setIf(redirect, "ReplaceKeyWith", r.Redirect.ReplaceKeyWith)
	// CloudFormation types both codes as strings
	if r.Redirect.HTTPRedirectCode != nil {
		redirect["HttpRedirectCode"] = strconv.Itoa(*r.Redirect.HTTPRedirectCode)
	}
	out := map[string]any{"RedirectRule": redirect}

	if cond := r.Condition; cond != nil {
		rc := map[string]any{}
		if cond.HTTPErrorCodeReturnedEquals != nil {
			rc["HttpErrorCodeReturnedEquals"] = strconv.Itoa(*cond.HTTPErrorCodeReturnedEquals)
		}
		setIf(rc, "KeyPrefixEquals", cond.KeyPrefixEquals)
		out["RoutingRuleCondition"] = rc
	}
	return out
}

func checkOriginReferences(c *composition) error {
	ids := map[string]bool{}
	for _, o := range c.origins() {
		id := str(o, "Id")
		if ids[id] {
			return xerrors.Wrapf(ErrDuplicateOrigin, "origin %q", id)
		}
		ids[id] = true
	}

	seen := map[behaviorKey]bool{}
	for _, b := range c.behaviors() {
		k := behaviorKey{str(b, "TargetOriginId"), str(b, "PathPattern")}
		if !ids[k.target] {
			return xerrors.Wrapf(ErrUnknownOrigin, "path %q targets %q", k.pattern, k.target)
		}
		if seen[k] {
			return xerrors.Wrapf(ErrDuplicateCacheBehavior, "target %q path %q", k.target, k.pattern)
		}
		seen[k] = true
	}

	if dcb, ok := cfn.Map(c.dist, "DefaultCacheBehavior"); ok {
		if target := str(dcb, "TargetOriginId"); target != "" && !ids[target] {
			return xerrors.Wrapf(ErrUnknownOrigin, "default cache behavior targets %q", target)
		}
	}
	return nil
}
