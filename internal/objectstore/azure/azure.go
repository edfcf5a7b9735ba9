// Package azure stores enrolled images in an Azure Blob Storage container.
package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"github.com/andresmejia3/livekyc/internal/logger"
	"github.com/andresmejia3/livekyc/internal/objectstore"
)

type Store struct {
	client      *azblob.Client
	accountName string
	container   string
}

var _ objectstore.Store = (*Store)(nil)

// New authenticates with the account's shared key.
func New(accountName, accountKey, container string) (*Store, error) {
	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		logger.Error("error generating azblob shared key credential", logger.LoggerOptions{
			Key:  "error",
			Data: err,
		})
		return nil, err
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", accountName)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("create azblob client: %w", err)
	}
	return &Store{client: client, accountName: accountName, container: container}, nil
}

func (s *Store) Put(ctx context.Context, key string, data []byte) (string, error) {
	_, err := s.client.UploadBuffer(ctx, s.container, key, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr("image/jpeg")},
	})
	if err != nil {
		return "", fmt.Errorf("upload %s/%s: %w", s.container, key, err)
	}
	return s.URL(key), nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.client.DeleteBlob(ctx, s.container, key, nil); err != nil {
		return fmt.Errorf("delete %s/%s: %w", s.container, key, err)
	}
	return nil
}

// URL renders https://<account>.blob.core.windows.net/<container>/<key>.
func (s *Store) URL(key string) string {
	return fmt.Sprintf("https://%s.blob.core.windows.net/%s/%s", s.accountName, s.container, key)
}
