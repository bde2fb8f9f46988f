package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.etcd.io/bbolt"

	"pdf-assistant-go/internal/model"
	"pdf-assistant-go/pkg/errs"
)

var (
	bucketDocuments = []byte("documents")
	bucketByHash    = []byte("documents_by_hash")
)

// boltDocumentRepository 把文档记录保存在与向量索引相同的 bbolt 文件中。
type boltDocumentRepository struct {
	db *bbolt.DB
}

// NewBoltDocumentRepository 在 db 中创建所需的 bucket。
func NewBoltDocumentRepository(db *bbolt.DB) (DocumentRepository, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketDocuments, bucketByHash} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &boltDocumentRepository{db: db}, nil
}

func (r *boltDocumentRepository) Create(ctx context.Context, doc *model.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		byHash := tx.Bucket(bucketByHash)
		if doc.ContentHash != "" {
			if existing := byHash.Get([]byte(doc.ContentHash)); existing != nil && string(existing) != doc.ID {
				return ErrDuplicateContent
			}
			if err := byHash.Put([]byte(doc.ContentHash), []byte(doc.ID)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketDocuments).Put([]byte(doc.ID), data)
	})
}

func (r *boltDocumentRepository) Get(ctx context.Context, id string) (*model.Document, error) {
	var doc *model.Document
	err := r.db.View(func(tx *bbolt.Tx) error {
		var err error
		doc, err = getDocument(tx, id)
		return err
	})
	return doc, err
}

func (r *boltDocumentRepository) FindByContentHash(ctx context.Context, hash string) (*model.Document, error) {
	var doc *model.Document
	err := r.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketByHash).Get([]byte(hash))
		if id == nil {
			return errs.ErrDocumentNotFound
		}
		var err error
		doc, err = getDocument(tx, string(id))
		return err
	})
	return doc, err
}

func (r *boltDocumentRepository) List(ctx context.Context) ([]model.Document, error) {
	var docs []model.Document
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDocuments).ForEach(func(k, v []byte) error {
			var d model.Document
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("decode document %s: %w", k, err)
			}
			docs = append(docs, d)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].UploadTime.After(docs[j].UploadTime) })
	return docs, nil
}

func (r *boltDocumentRepository) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(bucketDocuments)
		raw := docs.Get([]byte(id))
		if raw == nil {
			return nil
		}
		var d model.Document
		if err := json.Unmarshal(raw, &d); err == nil && d.ContentHash != "" {
			byHash := tx.Bucket(bucketByHash)
			if owner := byHash.Get([]byte(d.ContentHash)); string(owner) == id {
				if err := byHash.Delete([]byte(d.ContentHash)); err != nil {
					return err
				}
			}
		}
		return docs.Delete([]byte(id))
	})
}

func getDocument(tx *bbolt.Tx, id string) (*model.Document, error) {
	raw := tx.Bucket(bucketDocuments).Get([]byte(id))
	if raw == nil {
		return nil, errs.ErrDocumentNotFound
	}
	var d model.Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", id, err)
	}
	return &d, nil
}
