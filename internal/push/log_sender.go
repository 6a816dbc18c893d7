package push

import (
	"context"

	"cadence/internal/storage"
	logx "cadence/pkg/logx"
)

// NewLogSender returns a Sender that writes each delivery as a
// structured log line. It is the default transport: real channels
// (mobile push, email, chat) plug in behind the same interface.
func NewLogSender(log logx.Logger) Sender {
	return SenderFunc(func(_ context.Context, p storage.Push) error {
		log.Info("push delivered",
			logx.String("kind", p.Kind),
			logx.Int64("user", p.UserID),
			logx.String("resource", p.ResourceID),
			logx.String("title", p.Title),
		)
		return nil
	})
}
