package aws

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	tagging "github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"
	taggingtypes "github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/openfroyo/reconcile/pkg/engine"
)

const (
	// ProviderName identifies the adapter in logs and metrics.
	ProviderName = "aws"

	// DefaultRequestsPerSecond keeps discovery below the tagging API quota.
	DefaultRequestsPerSecond = 5

	resourcesPerPage = 100
)

// TaggingClient is the subset of the Resource Groups Tagging API the provider uses.
type TaggingClient interface {
	GetResources(ctx context.Context, in *tagging.GetResourcesInput, optFns ...func(*tagging.Options)) (*tagging.GetResourcesOutput, error)
}

// Options configures the provider.
type Options struct {
	// Kinds extends or overrides DefaultKinds.
	Kinds map[string]KindMapping

	// RequestsPerSecond limits GetResources calls; zero uses the default.
	RequestsPerSecond float64
}

// Provider finds resources by tag through the Resource Groups Tagging API.
type Provider struct {
	client  TaggingClient
	kinds   map[string]KindMapping
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// New creates a provider on client.
func New(client TaggingClient, opts Options, logger zerolog.Logger) *Provider {
	kinds := make(map[string]KindMapping, len(DefaultKinds)+len(opts.Kinds))
	for k, m := range DefaultKinds {
		kinds[k] = m
	}
	for k, m := range opts.Kinds {
		if m.IDFormat == "" {
			m.IDFormat = IDFormatARN
		}
		kinds[k] = m
	}

	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}

	return &Provider{
		client:  client,
		kinds:   kinds,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		logger:  logger.With().Str("component", "provider").Str("provider", ProviderName).Logger(),
	}
}

// NewFromConfig creates a provider using a tagging client built from cfg.
func NewFromConfig(cfg aws.Config, opts Options, logger zerolog.Logger) *Provider {
	return New(tagging.NewFromConfig(cfg), opts, logger)
}

// Name implements engine.ProviderQuerier.
func (p *Provider) Name() string {
	return ProviderName
}

// Find returns every resource of kind whose tags satisfy selector.
func (p *Provider) Find(ctx context.Context, kind string, selector engine.Selector) ([]engine.ProviderResource, error) {
	mapping, ok := p.kinds[kind]
	if !ok {
		return nil, engine.NewPermanentQueryError(fmt.Sprintf("unsupported resource kind %q", kind), nil).
			WithCode(engine.ErrCodeValidation).
			WithRemediation("add a kind mapping for this resource type to the provider configuration")
	}
	if err := selector.Validate(); err != nil {
		return nil, err
	}

	paginator := tagging.NewGetResourcesPaginator(p.client, &tagging.GetResourcesInput{
		ResourceTypeFilters: []string{mapping.ResourceType},
		TagFilters:          tagFilters(selector.TagFilters()),
		ResourcesPerPage:    aws.Int32(resourcesPerPage),
	})

	var resources []engine.ProviderResource
	for paginator.HasMorePages() {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, classify(err)
		}
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(err)
		}
		for _, tm := range page.ResourceTagMappingList {
			res, err := p.toResource(kind, mapping, tm)
			if err != nil {
				p.logger.Warn().Err(err).Str("kind", kind).Msg("Skipping resource with unusable ARN")
				continue
			}
			resources = append(resources, res)
		}
	}

	p.logger.Debug().
		Str("kind", kind).
		Str("resource_type", mapping.ResourceType).
		Int("found", len(resources)).
		Msg("Tagging API lookup complete")
	return resources, nil
}

func (p *Provider) toResource(kind string, mapping KindMapping, m taggingtypes.ResourceTagMapping) (engine.ProviderResource, error) {
	arn := aws.ToString(m.ResourceARN)
	id, err := importID(arn, mapping.IDFormat)
	if err != nil {
		return engine.ProviderResource{}, err
	}
	tags := make(map[string]string, len(m.Tags))
	for _, t := range m.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return engine.ProviderResource{
		ID:   id,
		Kind: kind,
		Name: tags["Name"],
		Tags: tags,
	}, nil
}

func tagFilters(tags map[string]string) []taggingtypes.TagFilter {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	filters := make([]taggingtypes.TagFilter, 0, len(keys))
	for _, k := range keys {
		filters = append(filters, taggingtypes.TagFilter{Key: aws.String(k), Values: []string{tags[k]}})
	}
	return filters
}

// classify maps SDK and transport errors onto the query taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return engine.NewPermanentQueryError("query cancelled", err).WithCode(engine.ErrCodeCancelled)
	case errors.Is(err, context.DeadlineExceeded):
		return engine.NewTransientQueryError("query timed out", err).WithCode(engine.ErrCodeTimeout)
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		// Connection resets, DNS failures and similar never reach the service.
		return engine.NewTransientQueryError("tagging API request failed", err)
	}

	switch apiErr.ErrorCode() {
	case "ThrottlingException", "Throttling", "RequestLimitExceeded", "TooManyRequestsException":
		return engine.NewThrottledError("tagging API throttled the request", err).
			WithCode(engine.ErrCodeTransientQuery).
			WithOperation("query")
	case "AccessDeniedException", "UnauthorizedOperation", "InvalidClientTokenId",
		"ExpiredTokenException", "UnrecognizedClientException":
		return engine.NewPermanentQueryError("tagging API denied access", err).
			WithRemediation("check the AWS credentials and the tag:GetResources permission")
	case "InvalidParameterException", "PaginationTokenExpiredException":
		return engine.NewPermanentQueryError("tagging API rejected the request", err)
	}
	if apiErr.ErrorFault() == smithy.FaultServer {
		return engine.NewTransientQueryError("tagging API service error", err)
	}
	return engine.NewPermanentQueryError("tagging API request failed", err)
}

var _ engine.ProviderQuerier = (*Provider)(nil)
