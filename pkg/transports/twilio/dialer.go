package twilio

import (
	"context"
	"errors"
	"fmt"
	"strings"

	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/callbridge/pkg/transports"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Dialer places outbound calls that land on the voice webhook, which is how
// the test caller script reaches the bridge.
type Dialer struct {
	cfg    Config
	client callCreator
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

func (d *Dialer) Dial(ctx context.Context, to, from, url string) (string, error) {
	return d.DialWithOptions(ctx, to, from, url, transports.DialOptions{})
}

func (d *Dialer) DialWithOptions(ctx context.Context, to, from, url string, opts transports.DialOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if to == "" || from == "" {
		return "", errors.New("to/from required")
	}
	client := d.client
	if client == nil {
		if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
			return "", errors.New("missing twilio credentials")
		}
		client = newRestClient(d.cfg).Api
	}
	if url == "" {
		url = d.publicURL(d.cfg.VoicePath)
	}
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(url)
	params.SetStatusCallback(d.publicURL(d.cfg.StatusCallbackPath))
	params.SetStatusCallbackEvent([]string{"completed"})
	if strings.TrimSpace(opts.SendDigits) != "" {
		params.SetSendDigits(opts.SendDigits)
	}
	resp, err := client.CreateCall(params)
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Sid == nil {
		return "", fmt.Errorf("missing call sid")
	}
	return *resp.Sid, nil
}

func (d *Dialer) publicURL(path string) string {
	return (&Transport{cfg: d.cfg}).publicHTTPURL(path)
}

var _ transports.OutboundDialerWithOptions = (*Dialer)(nil)
