package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
)

// SESAPI is the subset of the SES v2 client used for sending
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig contains Amazon SES settings
type SESConfig struct {
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	ConfigurationSet string
}

// SESTransport sends through the Amazon SES v2 API
type SESTransport struct {
	client    SESAPI
	configSet string
	logger    *slog.Logger
}

// NewSESTransport loads AWS configuration and creates an SES transport.
// Empty static credentials fall back to the default credential chain.
func NewSESTransport(ctx context.Context, cfg SESConfig, logger *slog.Logger) (*SESTransport, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewSESTransportWithClient(sesv2.NewFromConfig(awsCfg), cfg.ConfigurationSet, logger), nil
}

// NewSESTransportWithClient creates an SES transport over an existing client
func NewSESTransportWithClient(client SESAPI, configSet string, logger *slog.Logger) *SESTransport {
	return &SESTransport{
		client:    client,
		configSet: configSet,
		logger:    logger.With("component", "transport", "provider", "ses"),
	}
}

// Name returns the provider name
func (t *SESTransport) Name() string {
	return "ses"
}

// Send delivers msg with a simple SES message
func (t *SESTransport) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	if err := validate(t.Name(), msg); err != nil {
		return nil, err
	}

	body := &types.Body{}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination: &types.Destination{
			ToAddresses:  msg.To,
			CcAddresses:  msg.CC,
			BccAddresses: msg.BCC,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	if t.configSet != "" {
		input.ConfigurationSetName = aws.String(t.configSet)
	}
	if id, ok := msg.Headers[HeaderEmailID]; ok {
		input.EmailTags = []types.MessageTag{{Name: aws.String("mailgate_id"), Value: aws.String(id)}}
	}

	out, err := t.client.SendEmail(ctx, input)
	if err != nil {
		return nil, t.classify(err)
	}

	messageID := aws.ToString(out.MessageId)
	t.logger.Info("message accepted", "message_id", messageID, "recipients", len(msg.Recipients()))

	return &Receipt{Provider: t.Name(), MessageID: messageID}, nil
}

// classify maps SES API errors to transport errors
func (t *SESTransport) classify(err error) *Error {
	te := &Error{
		Provider: t.Name(),
		Class:    ClassTemporary,
		Message:  "SendEmail failed",
		Detail:   err.Error(),
		Err:      err,
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		te.Code = respErr.HTTPStatusCode()
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		te.Message = apiErr.ErrorCode()
		te.Detail = apiErr.ErrorMessage()

		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "LimitExceededException", "Throttling":
			te.Class = ClassRateLimited
		case "MessageRejected", "MailFromDomainNotVerifiedException", "AccountSuspendedException",
			"SendingPausedException", "NotFoundException", "BadRequestException":
			te.Class = ClassPermanent
		case "AccessDeniedException", "UnrecognizedClientException", "InvalidSignatureException":
			te.Class = ClassAuth
		}
		return te
	}

	if te.Code == http.StatusTooManyRequests {
		te.Class = ClassRateLimited
	} else if class := classifyNetError(err); class != ClassUnknown {
		te.Class = class
	}
	return te
}
