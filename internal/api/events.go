package api

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/nexuschat/nexus/internal/bus"
	"github.com/nexuschat/nexus/internal/protocol"
	"github.com/nexuschat/nexus/internal/rest"
	intsync "github.com/nexuschat/nexus/internal/sync"
	"github.com/nexuschat/nexus/internal/transport"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

const watchBuffer = 256

// forward streams bus events whose kind starts with one of kinds until the
// client goes away.
func forward(b *bus.Bus, session string, kinds []string, stream EventStream, logger *zap.Logger) error {
	ch, unsub := b.Subscribe("", watchBuffer)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			if !inAny(evt, kinds) {
				continue
			}
			payload, err := json.Marshal(evt.Payload)
			if err != nil {
				logger.Warn("event payload not encodable", zap.String("kind", evt.Kind), zap.Error(err))
				payload = nil
			}
			if err := stream.Send(&Event{
				ID:         uuid.NewString(),
				Session:    session,
				Kind:       evt.Kind,
				OccurredAt: evt.Timestamp,
				Payload:    payload,
			}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func inAny(evt bus.Event, namespaces []string) bool {
	for _, ns := range namespaces {
		if evt.In(ns) {
			return true
		}
	}
	return false
}

// toStatus maps engine and transport errors to gRPC codes.
func toStatus(op string, err error) error {
	var rejected *protocol.RejectedError
	code := codes.Internal
	switch {
	case errors.Is(err, intsync.ErrEmptyMessage):
		code = codes.InvalidArgument
	case errors.Is(err, intsync.ErrNoSelection), errors.Is(err, intsync.ErrNotFailed):
		code = codes.FailedPrecondition
	case errors.Is(err, intsync.ErrUnknownConversation):
		code = codes.NotFound
	case errors.Is(err, intsync.ErrSuperseded):
		code = codes.Aborted
	case errors.As(err, &rejected):
		code = codes.Aborted
	case rest.IsUnauthorized(err), errors.Is(err, rest.ErrNoToken), errors.Is(err, transport.ErrUnauthorized):
		code = codes.Unauthenticated
	case errors.Is(err, transport.ErrNotConnected), errors.Is(err, transport.ErrDisconnected):
		code = codes.Unavailable
	case errors.Is(err, transport.ErrAckTimeout), errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
