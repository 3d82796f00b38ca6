package bridge

import (
	"context"
	"log/slog"

	"github.com/harunnryd/callbridge/pkg/codec"
	"github.com/harunnryd/callbridge/pkg/commands"
	"github.com/harunnryd/callbridge/pkg/transcript"
)

// session holds one call's state. Every field is owned by the session loop.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	tel   TelephonyLeg
	agent AgentLeg
	fsm   stateMachine

	streamID string
	callID   string

	telReady      bool
	agentReady    bool
	paired        bool
	greetingSent  bool
	turnActive    bool
	closing       bool
	commitBytes   int
	pendingFrames [][]byte

	uplink     *codec.Uplink
	downlink   *codec.Downlink
	scanner    *commands.Scanner
	dispatcher *commands.Dispatcher
	tap        transcript.Tap

	lookups chan lookupResult
	taps    chan transcript.Tap
}

type lookupResult struct {
	query   string
	summary string
	err     error
}

// transition moves the state machine, logging rejected moves.
func (s *session) transition(to State) {
	if err := s.fsm.Transition(to); err != nil {
		s.log.Warn("bridge_invalid_transition", "call_sid", s.callID, "error", err)
	}
}

func (s *session) bothReady() bool {
	return s.telReady && s.agentReady
}
