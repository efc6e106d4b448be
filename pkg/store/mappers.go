package store

import (
	"encoding/json"

	"gorm.io/datatypes"

	"sensorydata/pkg/domain"
)

func toJSON(v any) datatypes.JSON {
	if v == nil {
		return nil
	}
	switch m := v.(type) {
	case map[string]any:
		if len(m) == 0 {
			return nil
		}
	case map[string]float64:
		if len(m) == 0 {
			return nil
		}
	case []string:
		if len(m) == 0 {
			return nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}

func jsonToMap(data datatypes.JSON) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func jsonToFloatMap(data datatypes.JSON) map[string]float64 {
	if len(data) == 0 {
		return nil
	}
	var m map[string]float64
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func jsonToStrings(data datatypes.JSON) []string {
	if len(data) == 0 {
		return nil
	}
	var s []string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	return s
}

func strDeref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func storedFileFromModel(m StoredFileModel) domain.StoredFile {
	return domain.StoredFile{
		ID:              m.ID,
		ContentHash:     m.ContentHash,
		ObjectPath:      m.ObjectPath,
		SizeBytes:       m.SizeBytes,
		Extension:       m.Extension,
		FirstUploadedAt: m.FirstUploadedAt,
	}
}

func documentToModel(d domain.Document) DocumentModel {
	return DocumentModel{
		ID:             d.ID,
		UserDocumentID: d.UserDocumentID,
		StoredFileID:   d.StoredFileID,
		Name:           d.Name,
		OwnerID:        d.OwnerID,
		AccessGroupID:  strPtrOrNil(d.AccessGroupID),
		Metadata:       toJSON(d.Metadata),
		DocType:        string(d.DocType),
		IsSyncEnabled:  d.IsSyncEnabled,
		IsPublic:       d.IsPublic,
	}
}

// documentFromModel joins the stored-file columns consumers expect on a
// materialized document view.
func documentFromModel(m DocumentModel, sf StoredFileModel) domain.Document {
	return domain.Document{
		ID:             m.ID,
		UserDocumentID: m.UserDocumentID,
		StoredFileID:   m.StoredFileID,
		Name:           m.Name,
		OwnerID:        m.OwnerID,
		AccessGroupID:  strDeref(m.AccessGroupID),
		Metadata:       jsonToMap(m.Metadata),
		DocType:        domain.DocType(m.DocType),
		IsSyncEnabled:  m.IsSyncEnabled,
		IsPublic:       m.IsPublic,
		Created:        m.Created,
		Edited:         m.Edited,
		ContentHash:    sf.ContentHash,
		ObjectPath:     sf.ObjectPath,
		Extension:      sf.Extension,
	}
}

func imageJobFromModel(m ImageLineDetailModel) domain.ImageJob {
	return domain.ImageJob{
		LineID:      m.LineID,
		DocID:       m.DocID,
		Filename:    m.Filename,
		ImageHash:   m.ImageHash,
		ObjectKey:   m.ObjectKey,
		Status:      domain.JobStatus(m.Status),
		Attempts:    m.Attempts,
		ResultText:  strDeref(m.ResultText),
		OCRText:     strDeref(m.OCRText),
		LLMModel:    strDeref(m.LLMModel),
		LastError:   strDeref(m.LastError),
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		ProcessedAt: m.ProcessedAt,
	}
}

func autotagFromModel(m AutotagTaskModel) domain.AutotagTask {
	return domain.AutotagTask{
		ID:          m.ID,
		DocID:       m.DocID,
		Status:      domain.JobStatus(m.Status),
		Attempts:    m.Attempts,
		ResultJSON:  jsonToMap(m.ResultJSON),
		LLMModel:    strDeref(m.LLMModel),
		LastError:   strDeref(m.LastError),
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		ProcessedAt: m.ProcessedAt,
	}
}
