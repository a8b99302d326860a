package iotclient

import (
	"context"
	"fmt"

	"github.com/wostzone/iotcentral-go/api"
	"github.com/wostzone/iotcentral-go/pkg/payload"
)

// runCommandListener receives commands, acknowledges their receipt and passes them to the
// command handler.
// This runs until the session terminates or ctx is cancelled.
func (client *IoTCClient) runCommandListener(ctx context.Context, session api.IHubSession) {
	defer client.listeners.Done()
	client.logger.Debug("Setup commands listener")

	receipt, _ := payload.Marshal(payload.CreateCommandReceipt())
	for {
		if client.events.commandHandler() == nil {
			client.logger.Debug("Commands callback not found")
			if !client.idle(ctx) {
				return
			}
			continue
		}
		command, err := session.ReceiveCommand(ctx)
		if err != nil {
			client.listenerEnded(ctx, "Commands", err)
			return
		}
		client.logger.Debug("Received command " + command.Name)

		err = session.AcknowledgeCommand(command, api.CommandReceiptStatus, receipt)
		if err != nil {
			client.logger.Info(fmt.Sprintf("ERROR: Failed acknowledging command '%s': %s", command.Name, err))
		}
		handler := client.events.commandHandler()
		if handler == nil {
			client.logger.Debug("Commands callback removed. Command " + command.Name + " ignored")
			continue
		}
		client.handleCommand(session, handler, command)
	}
}

// handleCommand invokes the handler with a callback to report the command result
func (client *IoTCClient) handleCommand(session api.IHubSession, handler api.CommandHandler, command *api.CommandInvocation) {
	defer func() {
		if r := recover(); r != nil {
			client.logger.Info(fmt.Sprintf("ERROR: Handler of command '%s' failed: %v", command.Name, r))
		}
	}()
	ack := func(name string, value interface{}, requestID string) error {
		return client.sendProperty(session, payload.CreateCommandResult(name, value, requestID), nil)
	}
	handler(command, ack)
}
