// Package storage builds the configured artifact archive.
package storage

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"audio2mp4/internal/adapters/storage/gdrive"
	"audio2mp4/internal/adapters/storage/localfs"
	"audio2mp4/internal/config"
	apperrors "audio2mp4/internal/pkg/errors"
	"audio2mp4/internal/ports"
)

// NewProvider returns the provider named by cfg.Provider, or nil when
// archiving is disabled.
func NewProvider(ctx context.Context, cfg config.StorageConfig) (ports.StorageProvider, error) {
	switch cfg.Provider {
	case "":
		return nil, nil

	case "localfs":
		if cfg.LocalRoot == "" {
			return nil, apperrors.Validation("missing env: STORAGE_LOCAL_ROOT")
		}
		return localfs.New(cfg.LocalRoot), nil

	case "gdrive":
		return newGDriveProvider(ctx, cfg.GDrive)

	default:
		return nil, apperrors.Validationf("unknown storage provider: %s", cfg.Provider)
	}
}

func newGDriveProvider(ctx context.Context, cfg config.GDriveConfig) (ports.StorageProvider, error) {
	conf := OAuthConfig(cfg.ClientID, cfg.ClientSecret, "")
	tok := &oauth2.Token{RefreshToken: cfg.RefreshToken}
	httpClient := conf.Client(ctx, tok)

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, apperrors.Wrap(err, "storage.gdrive", "failed to create drive service")
	}
	return gdrive.NewClient(srv, cfg.FolderID), nil
}

// OAuthConfig is the Drive client configuration shared with cmd/gdrive-auth.
func OAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}
}
