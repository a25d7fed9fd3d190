package export

import "context"

// ExportServiceInterface defines the contract for export services.
type ExportServiceInterface interface {
	// Export performs a data export with the given configuration.
	Export(ctx context.Context, config *ExportConfig) (*ExportResult, error)
}

var _ ExportServiceInterface = (*ExportService)(nil)
