package models

import "time"

// Document is a company-scoped document reference in the document store.
// The orchestrator only searches and surfaces these; ingestion is the
// routers' job.
type Document struct {
	DocumentID string         `bson:"document_id" json:"document_id"`
	CompanyID  string         `bson:"company_id" json:"company_id"`
	Name       string         `bson:"name" json:"name"`
	DocType    string         `bson:"doc_type,omitempty" json:"doc_type,omitempty"` // invoice | receipt | statement | contract | other
	Status     string         `bson:"status,omitempty" json:"status,omitempty"`
	StorageURL string         `bson:"storage_url,omitempty" json:"storage_url,omitempty"`
	Metadata   map[string]any `bson:"metadata,omitempty" json:"metadata,omitempty"`
	UploadedAt time.Time      `bson:"uploaded_at" json:"uploaded_at"`
}
