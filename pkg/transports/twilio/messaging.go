package twilio

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/resilience"
	"github.com/harunnryd/callbridge/pkg/transports"
)

type messageCreator interface {
	CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error)
}

type callFetcher interface {
	FetchCall(sid string, params *api.FetchCallParams) (*api.ApiV2010Call, error)
}

func newRestClient(cfg Config) *twilio.RestClient {
	return twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
}

// SMSSender delivers text messages through the Messages REST resource.
type SMSSender struct {
	cfg    Config
	client messageCreator
}

func NewSMSSender(cfg Config) *SMSSender {
	return &SMSSender{cfg: cfg.withDefaults()}
}

func (s *SMSSender) SendMessage(ctx context.Context, to, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(to) == "" {
		return resilience.Permanent(errors.New("sms: destination required"))
	}
	if s.cfg.MessagingFrom == "" && s.cfg.MessagingServiceSID == "" {
		return resilience.Permanent(errors.New("sms: messaging_from or messaging_service_sid required"))
	}
	client := s.client
	if client == nil {
		if s.cfg.AccountSID == "" || s.cfg.AuthToken == "" {
			return resilience.Permanent(errors.New("missing twilio credentials"))
		}
		client = newRestClient(s.cfg).Api
	}
	params := &api.CreateMessageParams{}
	params.SetTo(to)
	params.SetBody(body)
	if s.cfg.MessagingServiceSID != "" {
		params.SetMessagingServiceSid(s.cfg.MessagingServiceSID)
	} else {
		params.SetFrom(s.cfg.MessagingFrom)
	}
	if _, err := client.CreateMessage(params); err != nil {
		return errorsx.Wrap(classifyRestError(err), errorsx.ReasonDeliveryFailed)
	}
	return nil
}

// CallerResolver reads the From number of a call through the Calls REST resource.
type CallerResolver struct {
	cfg    Config
	client callFetcher
}

func NewCallerResolver(cfg Config) *CallerResolver {
	return &CallerResolver{cfg: cfg.withDefaults()}
}

func (c *CallerResolver) ResolveCallerAddress(ctx context.Context, callSID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	client := c.client
	if client == nil {
		if c.cfg.AccountSID == "" || c.cfg.AuthToken == "" {
			return "", errors.New("missing twilio credentials")
		}
		client = newRestClient(c.cfg).Api
	}
	call, err := client.FetchCall(callSID, &api.FetchCallParams{})
	if err != nil {
		return "", errorsx.Wrapf(errorsx.ReasonCallerResolve, "fetch call %s: %w", callSID, err)
	}
	if call == nil || call.From == nil || *call.From == "" {
		return "", errorsx.Wrapf(errorsx.ReasonCallerResolve, "fetch call %s: no caller number", callSID)
	}
	return *call.From, nil
}

// classifyRestError maps Twilio REST failures onto the retry vocabulary:
// 429 is a rate limit, other 4xx are permanent, the rest are retried.
func classifyRestError(err error) error {
	var restErr *twilioclient.TwilioRestError
	if !errors.As(err, &restErr) {
		return err
	}
	switch {
	case restErr.Status == http.StatusTooManyRequests:
		return resilience.RateLimitError{Provider: "twilio", Message: restErr.Message}
	case restErr.Status >= 400 && restErr.Status < 500:
		return resilience.Permanent(err)
	default:
		return err
	}
}

var (
	_ transports.MessageSender  = (*SMSSender)(nil)
	_ transports.CallerResolver = (*CallerResolver)(nil)
)
