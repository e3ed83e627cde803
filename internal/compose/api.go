package compose

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/fullstack-deploy/internal/cfn"
	"github.com/keithlinneman/fullstack-deploy/internal/clientcfg"
	"github.com/keithlinneman/fullstack-deploy/internal/log"
	"github.com/keithlinneman/fullstack-deploy/internal/xerrors"
)

// ParameterGetter is the subset of the SSM client used for API discovery.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// DeployContext is what the surrounding deployment knows about the API.
type DeployContext struct {
	// RestAPIID is an id supplied by the caller (flag or environment).
	RestAPIID string

	// StackTemplate is the compiled template of the service stack, if any.
	// An ApiGatewayRestApi resource there means the API lives in-stack.
	StackTemplate *cfn.Template

	// SSM resolves apiGatewayRestApiIdParam when set.
	SSM ParameterGetter
}

// ResolveAPI picks the API the distribution should front. Order: the
// config override, the caller-supplied id, an in-stack API resource, the
// SSM parameter named in the config. A nil binding with nil error means no
// API is deployed.
func ResolveAPI(ctx context.Context, conf *clientcfg.Config, dc DeployContext) (*APIBinding, error) {
	logger := log.FromContext(ctx)

	if conf.APIGatewayRestAPIID != "" {
		logger.Debug(ctx, "api origin from config", "rest_api_id", conf.APIGatewayRestAPIID)
		return &APIBinding{RestAPIID: conf.APIGatewayRestAPIID}, nil
	}
	if dc.RestAPIID != "" {
		logger.Debug(ctx, "api origin from deploy context", "rest_api_id", dc.RestAPIID)
		return &APIBinding{RestAPIID: dc.RestAPIID}, nil
	}
	if dc.StackTemplate != nil && dc.StackTemplate.HasResource(cfn.RestAPIID) {
		logger.Debug(ctx, "api origin from stack template", "resource", cfn.RestAPIID)
		return &APIBinding{InStack: true}, nil
	}
	if name := conf.APIGatewayRestAPIIDParam; name != "" {
		if dc.SSM == nil {
			return nil, xerrors.Newf("apiGatewayRestApiIdParam %q set but no SSM client available", name)
		}
		out, err := dc.SSM.GetParameter(ctx, &ssm.GetParameterInput{Name: aws.String(name)})
		if err != nil {
			return nil, xerrors.Wrapf(err, "get ssm parameter %s", name)
		}
		if out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
			return nil, xerrors.Newf("ssm parameter %s has no value", name)
		}
		id := aws.ToString(out.Parameter.Value)
		logger.Debug(ctx, "api origin from ssm", "param", name, "rest_api_id", id)
		return &APIBinding{RestAPIID: id}, nil
	}

	logger.Info(ctx, "no api gateway found, removing api origin from distribution")
	return nil, nil
}
