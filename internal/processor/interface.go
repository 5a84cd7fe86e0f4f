package processor

import "context"

// Processor обрабатывает один кадр TWS.
type Processor interface {
	Process(ctx context.Context, fields []string) error
}
