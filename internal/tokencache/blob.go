package tokencache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// S3Config configures the optional object-storage mirror.
type S3Config struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
}

// S3Store mirrors credential blobs to object storage so a rebuilt host
// picks up its session without a fresh login.
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	bucket := strings.TrimSpace(cfg.Bucket)
	if endpoint == "" || bucket == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("missing blob configuration")
	}

	host, secure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "roborock-bridge/tokens"
	}

	return &S3Store{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *S3Store) Load(ctx context.Context, account string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(account), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrapError(err)
	}
	defer obj.Close()

	if _, err := obj.Stat(); err != nil {
		return nil, s.wrapError(err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (s *S3Store) Save(ctx context.Context, account string, data []byte) error {
	reader := bytes.NewReader(data)
	_, err := s.client.PutObject(ctx, s.bucket, s.key(account), reader, int64(reader.Len()), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return s.wrapError(err)
	}
	return nil
}

func (s *S3Store) key(account string) string {
	return path.Join(s.prefix, account+".json")
}

func (s *S3Store) wrapError(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" {
		return ErrNotFound
	}
	return err
}

func parseEndpoint(raw string) (string, bool, error) {
	if !strings.Contains(raw, "://") {
		return raw, true, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse blob endpoint: %w", err)
	}
	if parsed.Host == "" {
		return "", false, fmt.Errorf("invalid blob endpoint %q", raw)
	}
	return parsed.Host, parsed.Scheme != "http", nil
}

// MirrorStore composes a primary store with a best-effort mirror. Loads
// prefer the primary and fall back to the mirror; saves go to both, and a
// mirror failure is logged rather than surfaced.
type MirrorStore struct {
	primary Store
	mirror  Store
	log     zerolog.Logger
}

func NewMirrorStore(primary, mirror Store, log zerolog.Logger) *MirrorStore {
	return &MirrorStore{primary: primary, mirror: mirror, log: log}
}

func (s *MirrorStore) Load(ctx context.Context, account string) ([]byte, error) {
	data, err := s.primary.Load(ctx, account)
	if err == nil {
		return data, nil
	}
	data, mirrorErr := s.mirror.Load(ctx, account)
	if mirrorErr != nil {
		return nil, err
	}
	// Backfill the primary so the next load is local.
	if saveErr := s.primary.Save(ctx, account, data); saveErr != nil {
		s.log.Warn().Err(saveErr).Str("account", account).Msg("backfill credential cache failed")
	}
	return data, nil
}

func (s *MirrorStore) Save(ctx context.Context, account string, data []byte) error {
	err := s.primary.Save(ctx, account, data)
	if mirrorErr := s.mirror.Save(ctx, account, data); mirrorErr != nil {
		s.log.Warn().Err(mirrorErr).Str("account", account).Msg("mirror credential save failed")
	}
	return err
}
