package worker

import (
	"context"

	"github.com/spec-kit/mechanic-dispatch/internal/events"
	"github.com/spec-kit/mechanic-dispatch/internal/service"
)

// StartNotificationWorker registers notification handlers and starts
// delivering queued events. Callers close the dispatcher on shutdown.
func StartNotificationWorker(ctx context.Context, dispatcher *events.AsyncDispatcher, notificationService *service.NotificationService) {
	if notificationService == nil || dispatcher == nil {
		return
	}
	notificationService.RegisterHandlers()
	dispatcher.Start(ctx)
}
