package bridge

import (
	"context"

	"github.com/harunnryd/callbridge/pkg/commands"
	"github.com/harunnryd/callbridge/pkg/realtime"
	"github.com/harunnryd/callbridge/pkg/transports"
)

// TelephonyLeg is the caller side of a session. Events is closed when the
// leg ends.
type TelephonyLeg interface {
	Events() <-chan transports.MediaEvent
	SendAudio(streamID string, mulaw []byte) error
	Clear(streamID string) error
	Close() error
}

// AgentLeg is the speech-to-speech agent side of a session.
type AgentLeg interface {
	Events() <-chan realtime.ServerEvent
	UpdateSession(cfg realtime.SessionConfig) error
	AppendAudio(audio []byte) error
	CommitAudio() error
	CreateResponse(instructions string) error
	CancelResponse() error
	Close() error
}

// AgentDialer opens a new agent leg.
type AgentDialer func(ctx context.Context) (AgentLeg, error)

// RealtimeDialer adapts realtime.Dial.
func RealtimeDialer(cfg realtime.Config) AgentDialer {
	return func(ctx context.Context) (AgentLeg, error) {
		conn, err := realtime.Dial(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// CallerBook is the process-wide caller address cache.
type CallerBook interface {
	commands.AddressBook
	Put(callID, address string)
}
