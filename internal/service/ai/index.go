package ai

import (
	"context"
	"errors"

	"rolechat/internal/config"

	openai "github.com/sashabaranov/go-openai"
)

// Document is a file attached to a retrieval index.
type Document struct {
	ID   string
	Name string
}

// VectorIndex manages documents in a hosted vector store.
type VectorIndex struct {
	client   *openai.Client
	pageSize int
}

// NewVectorIndex uses the assistant credentials; the store id is passed per call.
func NewVectorIndex(cfg config.AssistantConfig) (*VectorIndex, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("assistant.api_key is required")
	}
	return &VectorIndex{client: newClient(cfg.APIKey, cfg.BaseURL), pageSize: 100}, nil
}

// ListDocuments returns every document in the index with its file name resolved.
func (v *VectorIndex) ListDocuments(ctx context.Context, indexID string) ([]Document, error) {
	var (
		docs  []Document
		after *string
	)
	limit := v.pageSize
	order := "asc"
	for {
		page, err := v.client.ListVectorStoreFiles(ctx, indexID, openai.Pagination{
			Limit: &limit,
			Order: &order,
			After: after,
		})
		if err != nil {
			return nil, wrap("list index documents", err)
		}
		for _, f := range page.VectorStoreFiles {
			file, err := v.client.GetFile(ctx, f.ID)
			if err != nil {
				return nil, wrap("get file "+f.ID, err)
			}
			docs = append(docs, Document{ID: f.ID, Name: file.FileName})
		}
		if !page.HasMore || page.LastID == nil || len(page.VectorStoreFiles) == 0 {
			break
		}
		after = page.LastID
	}
	return docs, nil
}

// DeleteDocument detaches the document from the index and removes the file.
func (v *VectorIndex) DeleteDocument(ctx context.Context, indexID, docID string) error {
	if err := v.client.DeleteVectorStoreFile(ctx, indexID, docID); err != nil {
		return wrap("detach document", err)
	}
	if err := v.client.DeleteFile(ctx, docID); err != nil {
		return wrap("delete file", err)
	}
	return nil
}

// UploadDocument stores data as a new file and attaches it to the index.
func (v *VectorIndex) UploadDocument(ctx context.Context, indexID, name string, data []byte) (string, error) {
	file, err := v.client.CreateFileBytes(ctx, openai.FileBytesRequest{
		Name:    name,
		Bytes:   data,
		Purpose: openai.PurposeAssistants,
	})
	if err != nil {
		return "", wrap("upload file", err)
	}
	if _, err := v.client.CreateVectorStoreFile(ctx, indexID, openai.VectorStoreFileRequest{FileID: file.ID}); err != nil {
		return "", wrap("attach document", err)
	}
	return file.ID, nil
}
