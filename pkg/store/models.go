package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.

// StoredFileModel is the dedup authority: one row per distinct content hash.
type StoredFileModel struct {
	ID              int64     `gorm:"primaryKey;autoIncrement"`
	ContentHash     string    `gorm:"size:64;uniqueIndex;not null"`
	ObjectPath      string    `gorm:"uniqueIndex;not null"`
	SizeBytes       int64     `gorm:"not null"`
	Extension       string    `gorm:"not null"`
	FirstUploadedAt time.Time `gorm:"not null;autoCreateTime"`
}

func (StoredFileModel) TableName() string { return "stored_files" }

type DocumentModel struct {
	ID             string  `gorm:"primaryKey"`
	UserDocumentID string  `gorm:"not null;uniqueIndex:uq_documents_owner_userdoc,priority:2"`
	StoredFileID   int64   `gorm:"not null;index"`
	Name           string  `gorm:"not null"`
	OwnerID        string  `gorm:"not null;index;uniqueIndex:uq_documents_owner_userdoc,priority:1"`
	AccessGroupID  *string `gorm:"index"`
	Metadata       datatypes.JSON `gorm:"type:jsonb"`
	DocType        string         `gorm:"not null;default:generic"`
	IsSyncEnabled  bool           `gorm:"not null;default:true"`
	IsPublic       bool           `gorm:"not null;default:false"`
	Created        time.Time      `gorm:"not null;autoCreateTime"`
	Edited         time.Time      `gorm:"not null;autoUpdateTime"`
}

func (DocumentModel) TableName() string { return "documents" }

// RawLineModel is the positional backbone. Positions are unique within a
// document and never renumbered.
type RawLineModel struct {
	ID        string    `gorm:"primaryKey"`
	DocID     string    `gorm:"not null;index;uniqueIndex:uq_raw_lines_doc_position,priority:1"`
	Position  int       `gorm:"not null;uniqueIndex:uq_raw_lines_doc_position,priority:2"`
	BlockType string    `gorm:"not null"`
	Content   string    `gorm:"type:text;not null;default:''"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

func (RawLineModel) TableName() string { return "raw_lines" }

// DocumentLineDetailModel carries structural metadata for generic text blocks.
type DocumentLineDetailModel struct {
	LineID    string         `gorm:"primaryKey"`
	DocID     string         `gorm:"not null;index"`
	PageIdx   *int           ``
	BlockID   *string        `gorm:"index"`
	Geometry  datatypes.JSON `gorm:"type:jsonb"`
	Hierarchy datatypes.JSON `gorm:"type:jsonb"`
	Attrs     datatypes.JSON `gorm:"type:jsonb"`
}

func (DocumentLineDetailModel) TableName() string { return "lines_document" }

// ImageLineDetailModel doubles as the image-caption job row. image_hash is
// the per-document dedup key for images.
type ImageLineDetailModel struct {
	LineID      string     `gorm:"primaryKey"`
	DocID       string     `gorm:"not null;uniqueIndex:uq_lines_image_doc_hash,priority:1"`
	Filename    string     `gorm:"not null"`
	ImageHash   string     `gorm:"not null;uniqueIndex:uq_lines_image_doc_hash,priority:2"`
	ObjectKey   string     ``
	Status      string     `gorm:"not null;default:pending"`
	Attempts    int        `gorm:"not null;default:0"`
	ResultText  *string    `gorm:"type:text"`
	OCRText     *string    `gorm:"type:text"`
	LLMModel    *string    ``
	LastError   *string    `gorm:"type:text"`
	CreatedAt   time.Time  `gorm:"not null;autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"not null;autoUpdateTime;index"`
	ProcessedAt *time.Time ``
}

func (ImageLineDetailModel) TableName() string { return "lines_image" }

type AudioLineDetailModel struct {
	LineID       string         `gorm:"primaryKey"`
	DocID        string         `gorm:"not null;index"`
	StartTS      float64        `gorm:"not null"`
	EndTS        float64        `gorm:"not null"`
	Duration     float64        `gorm:"not null"`
	SpeakerLabel *string        ``
	SpeakerIdx   *int           ``
	Confidence   *float64       ``
	EmoPrimary   *string        ``
	EmoScores    datatypes.JSON `gorm:"type:jsonb"`
	Tasks        datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt    time.Time      `gorm:"not null;autoCreateTime"`
}

func (AudioLineDetailModel) TableName() string { return "lines_audio" }

type AutotagTaskModel struct {
	ID          string         `gorm:"primaryKey"`
	DocID       string         `gorm:"not null;index"`
	Status      string         `gorm:"not null;default:enqueued"`
	Attempts    int            `gorm:"not null;default:0"`
	ResultJSON  datatypes.JSON `gorm:"type:jsonb"`
	LLMModel    *string        ``
	LastError   *string        `gorm:"type:text"`
	CreatedAt   time.Time      `gorm:"not null;autoCreateTime"`
	UpdatedAt   time.Time      `gorm:"not null;autoUpdateTime;index"`
	ProcessedAt *time.Time     ``
}

func (AutotagTaskModel) TableName() string { return "autotag_tasks" }

// Cascade-deleted document children. ACL and tag bookkeeping itself lives
// elsewhere; these tables exist so document deletion takes them along.
type DocumentPermissionModel struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	DocID     string `gorm:"not null;index"`
	SubjectID string `gorm:"not null"`
	Level     string `gorm:"not null"`
}

func (DocumentPermissionModel) TableName() string { return "document_permissions" }

type TagModel struct {
	ID   int64  `gorm:"primaryKey;autoIncrement"`
	Name string `gorm:"uniqueIndex;not null"`
}

func (TagModel) TableName() string { return "tags" }

type DocumentTagModel struct {
	DocID string `gorm:"primaryKey"`
	TagID int64  `gorm:"primaryKey"`
}

func (DocumentTagModel) TableName() string { return "document_tags" }
