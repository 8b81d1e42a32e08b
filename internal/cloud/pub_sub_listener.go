// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cloud provides components for interacting with Google Cloud services.
// This file defines a generic Pub/Sub message listener that hands every
// message to a "Command".
//
// Logic Flow:
//  1. An instance of PubSubListener is created with a client and a subscription ID.
//  2. A "Command" is attached to this listener once the workflow is built.
//  3. `Listen` starts a goroutine that receives messages from the subscription.
//  4. Each message's data is placed under cor.CtxIn and the Command runs.
//  5. On success the message is acknowledged. On failure the retry policy
//     decides: failures it calls permanent are acknowledged and dropped, the
//     rest are nacked for redelivery.
//  6. Every message is traced with OpenTelemetry.
package cloud

import (
	"context"
	"log/slog"

	"cloud.google.com/go/pubsub"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/cor"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// PubSubListener connects a subscription to a processing command.
type PubSubListener struct {
	client       *pubsub.Client       // The client for interacting with the Pub/Sub service.
	subscription *pubsub.Subscription // The subscription this listener pulls messages from.
	command      cor.Command          // The command to execute for each message received.
	permanent    func(error) bool     // Failures that must not be redelivered.
}

// NewPubSubListener creates a listener for subscriptionID. command may be nil
// and attached later with SetCommand.
func NewPubSubListener(
	pubsubClient *pubsub.Client,
	subscriptionID string,
	command cor.Command,
) (cmd *PubSubListener, err error) {
	cmd = &PubSubListener{
		client:       pubsubClient,
		subscription: pubsubClient.Subscription(subscriptionID),
		command:      command,
		permanent:    func(error) bool { return false },
	}
	return cmd, nil
}

// SetCommand attaches command if none is set yet.
func (m *PubSubListener) SetCommand(command cor.Command) {
	if m.command == nil {
		m.command = command
	}
}

// SetRetryPolicy sets the predicate for failures that are acknowledged
// instead of redelivered.
func (m *PubSubListener) SetRetryPolicy(permanent func(error) bool) {
	if permanent != nil {
		m.permanent = permanent
	}
}

// Listen receives messages in the background until ctx is canceled.
func (m *PubSubListener) Listen(ctx context.Context) {
	if m.command == nil {
		slog.Warn("pubsub listener has no command; not listening", "subscription", m.subscription.ID())
		return
	}
	slog.Info("listening", "subscription", m.subscription.ID())

	go func() {
		tracer := otel.Tracer("message-listener")

		err := m.subscription.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
			spanCtx, span := tracer.Start(msgCtx, "receive-message")
			defer span.End()
			span.SetAttributes(attribute.String("msg.id", msg.ID))

			chainCtx := cor.NewBaseContextWith(spanCtx)
			defer chainCtx.Close()
			chainCtx.Add(cor.CtxIn, string(msg.Data))

			m.command.Execute(chainCtx)

			err := chainCtx.Err()
			switch {
			case err == nil:
				span.SetStatus(codes.Ok, "success")
				msg.Ack()
			case m.permanent(err):
				span.SetStatus(codes.Error, "rejected")
				slog.ErrorContext(spanCtx, "dropping message", "id", msg.ID, "error", err)
				msg.Ack()
			default:
				span.SetStatus(codes.Error, "failed")
				slog.ErrorContext(spanCtx, "message failed; will be redelivered", "id", msg.ID, "error", err)
				msg.Nack()
			}
		})
		if err != nil {
			slog.Error("error receiving data", "subscription", m.subscription.ID(), "error", err)
		}
	}()
}
