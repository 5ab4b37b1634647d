package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/cubelink/internal/instruction"
	"github.com/jkaninda/cubelink/internal/transport"
)

// runObserver publishes transport progress for one run.
type runObserver struct {
	broker *Broker
	runID  uuid.UUID
}

func (o *runObserver) OnState(s transport.State) {
	o.broker.Publish(Event{RunID: o.runID, Type: EventState, State: string(s)})
}

func (o *runObserver) OnAck(i int, in instruction.Instruction, _ time.Duration) {
	o.broker.Publish(Event{RunID: o.runID, Type: EventAck, Index: i, Line: in.Line()})
}

func newRunID() uuid.UUID { return uuid.New() }
