package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/utils"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ObjectStoreMirror replicates artifacts into a NATS JetStream object store bucket.
type ObjectStoreMirror struct {
	bucket string
	store  nats.ObjectStore
}

// NewObjectStoreMirror creates the bucket, or binds to it when it already exists.
func NewObjectStoreMirror(js nats.JetStreamContext, bucket string) (*ObjectStoreMirror, error) {
	if bucket == "" {
		return nil, utils.WrapIfNotNil(errors.New("bucket name is required"))
	}

	store, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucket,
		Description: fmt.Sprintf("Generated media for the %s bucket.", bucket),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, utils.WrapIfNotNil(err, "create bucket "+bucket)
		}
		store, err = js.ObjectStore(bucket)
		if err != nil {
			return nil, utils.WrapIfNotNil(err, "bind bucket "+bucket)
		}
	}

	return &ObjectStoreMirror{bucket: bucket, store: store}, nil
}

func (m *ObjectStoreMirror) Upload(_ context.Context, key string, data []byte) error {
	_, err := m.store.Put(&nats.ObjectMeta{Name: key}, bytes.NewReader(data))
	if err != nil {
		return utils.WrapIfNotNil(err, fmt.Sprintf("put %s/%s", m.bucket, key))
	}
	return nil
}

func (m *ObjectStoreMirror) Download(_ context.Context, key string) ([]byte, error) {
	obj, err := m.store.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return nil, ErrMirrorMiss
		}
		return nil, utils.WrapIfNotNil(err, fmt.Sprintf("get %s/%s", m.bucket, key))
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()
	if readErr != nil {
		return nil, utils.WrapIfNotNil(readErr, key)
	}
	if closeErr != nil {
		return data, utils.WrapIfNotNil(closeErr, key)
	}
	return data, nil
}
