package transport

import (
	"context"
	"time"

	"github.com/jkaninda/cubelink/internal/instruction"
)

// Observer receives progress notifications from a delivery.
type Observer interface {
	OnState(state State)
	OnAck(index int, in instruction.Instruction, wait time.Duration)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) OnState(State)                                     {}
func (NopObserver) OnAck(int, instruction.Instruction, time.Duration) {}

// Stream writes seq to the session one line at a time, waiting for an ACK
// after each. Whatever happens, a clear line is written before returning;
// its ACK is not awaited. Stream returns the number of acknowledged lines.
func Stream(ctx context.Context, s *Session, seq []instruction.Instruction, obs Observer) (int, error) {
	if obs == nil {
		obs = NopObserver{}
	}
	acked := 0
	defer func() {
		if err := s.Send(instruction.ClearCube(s.Encoding()).Line()); err != nil {
			s.logger.Debug("final clear not written", "error", err)
		}
	}()

	for i, in := range seq {
		if err := ctx.Err(); err != nil {
			return acked, err
		}
		start := time.Now()
		if err := s.Send(in.Line()); err != nil {
			return acked, err
		}
		if err := s.AwaitAck(ctx); err != nil {
			return acked, err
		}
		acked++
		obs.OnAck(i, in, time.Since(start))
	}
	return acked, nil
}
