package export

import "context"

// Exporter writes a backup. The backup scheduler depends on it.
type Exporter interface {
	Export(ctx context.Context, config *ExportConfig) (*ExportResult, error)
}

// Ensure *Service implements the interface at compile time.
var _ Exporter = (*Service)(nil)
