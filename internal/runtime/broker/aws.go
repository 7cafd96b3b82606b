package broker

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/servicekit/internal/runtime/destination"
	"github.com/drblury/servicekit/internal/runtime/logging"
)

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

// AWSConfigLoader allows overriding the AWS config loader for testing.
var AWSConfigLoader = awsconfig.LoadDefaultConfig

// AWSTopicResolverFactory allows overriding the topic resolver creation for testing.
var AWSTopicResolverFactory = sns.NewGenerateArnTopicResolver

// AWSPublisherFactory allows overriding the publisher creation for testing.
var AWSPublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// AWSSubscriberFactory allows overriding the subscriber creation for testing.
var AWSSubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

// awsSettings is the broker configuration with overrides from the endpoint
// URI applied: aws://<region>?account=<id>&endpoint=<url>.
type awsSettings struct {
	region    string
	accountID string
	accessKey string
	secretKey string
	endpoint  string
}

func resolveAWSSettings(endpoint *url.URL, env Env) awsSettings {
	s := awsSettings{
		region:    env.Config.AWSRegion,
		accountID: strings.Trim(env.Config.AWSAccountID, "\"' "),
		accessKey: env.Config.AWSAccessKeyID,
		secretKey: env.Config.AWSSecretAccessKey,
		endpoint:  env.Config.AWSEndpoint,
	}
	if endpoint.Host != "" {
		s.region = endpoint.Host
	}
	q := endpoint.Query()
	if v := q.Get("account"); v != "" {
		s.accountID = v
	}
	if v := q.Get("endpoint"); v != "" {
		s.endpoint = v
	}

	if s.endpoint != "" && len(s.accountID) != awsAccountIDLength {
		s.accountID = localstackAccountID
	}
	return s
}

// dialAWS maps both destination kinds onto an SNS topic named after the
// destination. Queue subscribers share one SQS queue per topic so each message
// is consumed once; topic subscribers get an SQS queue per session.
func dialAWS(ctx context.Context, endpoint *url.URL, env Env) (Connection, error) {
	settings := resolveAWSSettings(endpoint, env)

	awsCfg, err := loadAWSConfig(ctx, settings)
	if err != nil {
		return nil, err
	}
	logging.Named(env.Log, "aws").Info("Created AWS config", logging.LogFields{
		"region":          awsCfg.Region,
		"custom_endpoint": settings.endpoint != "",
	})

	topicResolver, err := AWSTopicResolverFactory(settings.accountID, awsCfg.Region)
	if err != nil {
		return nil, fmt.Errorf("aws: create topic resolver: %w", err)
	}

	snsOpts, sqsOpts, err := awsEndpointOptions(settings.endpoint)
	if err != nil {
		return nil, err
	}

	return &watermillConnection{
		scheme: endpoint.Scheme,
		newPublisher: func(destination.Kind) (message.Publisher, error) {
			return AWSPublisherFactory(sns.PublisherConfig{
				TopicResolver: topicResolver,
				AWSConfig:     awsCfg,
				OptFns:        snsOpts,
				Marshaler:     sns.DefaultMarshalerUnmarshaler{},
			}, env.Logger)
		},
		newSubscriber: func(kind destination.Kind, sessionID string) (message.Subscriber, error) {
			return AWSSubscriberFactory(
				sns.SubscriberConfig{
					AWSConfig:            awsCfg,
					OptFns:               snsOpts,
					TopicResolver:        topicResolver,
					GenerateSqsQueueName: sqsQueueNameGenerator(kind, sessionID),
				},
				sqs.SubscriberConfig{
					AWSConfig: awsCfg,
					OptFns:    sqsOpts,
				},
				env.Logger,
			)
		},
	}, nil
}

func loadAWSConfig(ctx context.Context, s awsSettings) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if s.region != "" {
		opts = append(opts, awsconfig.WithRegion(s.region))
	}
	if s.accessKey != "" && s.secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(s.accessKey, s.secretKey)))
	}

	awsCfg, err := AWSConfigLoader(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("aws: load config: %w", err)
	}
	if s.region != "" {
		awsCfg.Region = s.region
	}
	return awsCfg, nil
}

func awsEndpointOptions(endpoint string) ([]func(*amazonsns.Options), []func(*amazonsqs.Options), error) {
	if endpoint == "" {
		return nil, nil, nil
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("aws: parse endpoint: %w", err)
	}
	snsOpts := []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *parsed},
		}),
	}
	sqsOpts := []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *parsed},
		}),
	}
	return snsOpts, sqsOpts, nil
}

func sqsQueueNameGenerator(kind destination.Kind, sessionID string) func(context.Context, sns.TopicArn) (string, error) {
	return func(ctx context.Context, snsTopic sns.TopicArn) (string, error) {
		topic, err := sns.ExtractTopicNameFromTopicArn(snsTopic)
		if err != nil {
			return "", err
		}
		if kind == destination.KindTopic {
			return string(topic) + "-" + sessionID, nil
		}
		return string(topic), nil
	}
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}
