package pipeline

import (
	"context"
	"net"

	"github.com/dbbouncer/pgagroal/internal/evloop"
	"github.com/dbbouncer/pgagroal/internal/pgpool"
	"github.com/dbbouncer/pgagroal/internal/protocol"
)

// RunPerformance drives the performance pipeline (spec §4.5.1):
// single-frame relay in both directions, clean exit on client Terminate,
// kill on a FATAL/PANIC server ErrorResponse.
func RunPerformance(ctx context.Context, client net.Conn, slot *pgpool.Slot) Result {
	backend := slot.Conn()

	clientW := evloop.NewWatcher(client, 0)
	backendW := evloop.NewWatcher(backend, 0)
	clientW.Start()
	backendW.Start()
	defer clientW.Stop()
	defer backendW.Stop()

	for {
		select {
		case <-ctx.Done():
			return Result{Code: ExitShutdown, FinalSlot: slot, SlotAuthValid: true, SocketValid: false}

		case ev := <-clientW.Events():
			if ev.Err != nil {
				return Result{Code: ExitClientFailure, FinalSlot: slot, SlotAuthValid: true, SocketValid: true}
			}
			if err := protocol.WriteTyped(backend, ev.Msg.Kind, ev.Msg.Payload); err != nil {
				return Result{Code: ExitServerFailure, FinalSlot: slot, SlotAuthValid: true, SocketValid: false}
			}
			if ev.Msg.Kind == protocol.KindTerminate {
				return Result{Code: ExitSuccess, FinalSlot: slot, SlotAuthValid: true, SocketValid: true}
			}

		case ev := <-backendW.Events():
			if ev.Err != nil {
				return Result{Code: ExitServerFailure, FinalSlot: slot, SlotAuthValid: true, SocketValid: false}
			}
			if ev.Msg.Kind == protocol.KindErrorResponse && protocol.IsFatalError(ev.Msg.Payload) {
				protocol.WriteTyped(client, ev.Msg.Kind, ev.Msg.Payload)
				return Result{Code: ExitServerFatal, FinalSlot: slot, SlotAuthValid: true, SocketValid: false}
			}
			if err := protocol.WriteTyped(client, ev.Msg.Kind, ev.Msg.Payload); err != nil {
				return Result{Code: ExitClientFailure, FinalSlot: slot, SlotAuthValid: true, SocketValid: true}
			}
		}
	}
}
