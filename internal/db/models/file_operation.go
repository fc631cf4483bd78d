// Package models - file_operation.go defines FileOperation, the audit record
// written for every orchestrated file operation.
package models

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// OperationKind names a file operation
type OperationKind string

const (
	OpList         OperationKind = "list"
	OpUpload       OperationKind = "upload"
	OpDownload     OperationKind = "download"
	OpDelete       OperationKind = "delete"
	OpCreateFolder OperationKind = "create_folder"
	OpCopy         OperationKind = "copy"
	OpMove         OperationKind = "move"
	OpInfo         OperationKind = "info"
)

// OperationKinds lists every kind in display order.
var OperationKinds = []OperationKind{
	OpList, OpUpload, OpDownload, OpDelete, OpCreateFolder, OpCopy, OpMove, OpInfo,
}

// OperationStatus is the record's lifecycle state
type OperationStatus string

const (
	StatusPending OperationStatus = "pending"
	StatusSuccess OperationStatus = "success"
	StatusFailed  OperationStatus = "failed"
)

// FileOperation is one row of the append-only operations log. AdapterConfigID
// may refer to a configuration that has since been deleted.
type FileOperation struct {
	ID              uuid.UUID       `db:"id"`
	OwnerID         uuid.UUID       `db:"owner_id"`
	AdapterConfigID uuid.UUID       `db:"adapter_config_id"`
	Operation       OperationKind   `db:"operation"`
	TargetPath      string          `db:"target_path"`
	FileName        sql.NullString  `db:"file_name"`
	FileSize        sql.NullInt64   `db:"file_size"`
	Status          OperationStatus `db:"status"`
	ErrorKind       sql.NullString  `db:"error_kind"`
	ErrorDetail     sql.NullString  `db:"error_detail"`
	CreatedAt       time.Time       `db:"created_at"`
	CompletedAt     sql.NullTime    `db:"completed_at"`

	// Populated by joined reads
	AdapterName    sql.NullString `db:"adapter_name"`
	AdapterType    sql.NullString `db:"adapter_type"`
	AdapterDeleted bool           `db:"adapter_deleted"`
}

// FileOperationResponse is the client-facing view of a record
type FileOperationResponse struct {
	ID             uuid.UUID       `json:"id"`
	AdapterID      uuid.UUID       `json:"adapterId"`
	AdapterName    string          `json:"adapterName,omitempty"`
	AdapterType    string          `json:"adapterType,omitempty"`
	AdapterDeleted bool            `json:"adapterDeleted"`
	Operation      OperationKind   `json:"operation"`
	Path           string          `json:"path"`
	FileName       *string         `json:"fileName,omitempty"`
	FileSize       *int64          `json:"fileSize,omitempty"`
	Status         OperationStatus `json:"status"`
	ErrorKind      *string         `json:"errorKind,omitempty"`
	ErrorMessage   *string         `json:"errorMessage,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
}

// ToResponse converts to the client-facing view.
func (o *FileOperation) ToResponse() FileOperationResponse {
	resp := FileOperationResponse{
		ID:             o.ID,
		AdapterID:      o.AdapterConfigID,
		AdapterName:    o.AdapterName.String,
		AdapterType:    o.AdapterType.String,
		AdapterDeleted: o.AdapterDeleted,
		Operation:      o.Operation,
		Path:           o.TargetPath,
		Status:         o.Status,
		CreatedAt:      o.CreatedAt,
	}
	if o.FileName.Valid {
		resp.FileName = &o.FileName.String
	}
	if o.FileSize.Valid {
		resp.FileSize = &o.FileSize.Int64
	}
	if o.ErrorKind.Valid {
		resp.ErrorKind = &o.ErrorKind.String
	}
	if o.ErrorDetail.Valid {
		resp.ErrorMessage = &o.ErrorDetail.String
	}
	if o.CompletedAt.Valid {
		resp.CompletedAt = &o.CompletedAt.Time
	}
	return resp
}
