package dto

// ImportRequest carries the form fields sent alongside an uploaded spreadsheet.
type ImportRequest struct {
	Region         string `form:"region"          validate:"required,len=2,alpha"`
	ReferenceMonth string `form:"reference_month" validate:"required,datetime=2006-01"`
	ItemType       string `form:"item_type"       validate:"omitempty,oneof=input composition"`
	TransportMode  string `form:"transport_mode"`
	TaxRegime      string `form:"tax_regime"      validate:"omitempty,oneof=burdened unburdened onerado desonerado"`
}

// RowErrorItem is one non-fatal row failure reported back to the uploader.
type RowErrorItem struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// ImportResponse summarizes one ingestion run.
type ImportResponse struct {
	RunID             string         `json:"run_id"`
	Source            string         `json:"source"`
	ItemsParsed       int            `json:"items_parsed"`
	Inserted          int64          `json:"inserted"`
	SkippedDuplicates int64          `json:"skipped_duplicates"`
	FailedBatches     int            `json:"failed_batches"`
	MemoryLoaded      int            `json:"memory_loaded"`
	Errors            []RowErrorItem `json:"errors"`
	DurationMs        int64          `json:"duration_ms"`
}

// DeleteResponse reports the result of an explicit data reset.
type DeleteResponse struct {
	Source  string `json:"source"`
	Deleted int64  `json:"deleted"`
}
