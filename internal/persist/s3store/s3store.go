// Package s3store implements persist.Backend on an S3 bucket. Each record set
// is one object, <prefix><name>.json, holding the same document the file
// backend writes.
package s3store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/synthlabs/scrybe/internal/models"
	"github.com/synthlabs/scrybe/internal/persist"
)

// ObjectAPI is the subset of *s3.Client the backend uses.
type ObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config selects the bucket and, optionally, a non-AWS endpoint.
type Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // e.g. a MinIO URL; enables path-style addressing
}

// NewClient builds an S3 client from cfg. Credentials come from the standard
// AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY / AWS_SESSION_TOKEN variables.
func NewClient(cfg Config) *s3.Client {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := s3.Options{
		Region:      region,
		Credentials: aws.NewCredentialsCache(envCredentials()),
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	return s3.New(opts)
}

func envCredentials() aws.CredentialsProviderFunc {
	return func(context.Context) (aws.Credentials, error) {
		id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
		if id == "" || secret == "" {
			return aws.Credentials{}, errors.New("s3store: AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set")
		}
		return aws.Credentials{
			AccessKeyID:     id,
			SecretAccessKey: secret,
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
			Source:          "env",
		}, nil
	}
}

// Backend stores record sets as objects in one bucket.
type Backend struct {
	client ObjectAPI
	bucket string
	prefix string

	locks sync.Map // name -> *sync.Mutex
}

// New returns a backend over client.
func New(client ObjectAPI, bucket, prefix string) *Backend {
	return &Backend{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key for the record set name.
func (b *Backend) Key(name string) string {
	return b.prefix + models.FileName(name)
}

// Open implements persist.Backend. An empty document is written when the
// object is absent, so the record set is listed by Names right away.
func (b *Backend) Open(ctx context.Context, name string, opts persist.Options) (persist.Handle, error) {
	if err := models.ValidateName(name); err != nil {
		return nil, fmt.Errorf("s3store.Open: %w", err)
	}
	mu, _ := b.locks.LoadOrStore(name, &sync.Mutex{})
	r := &records{b: b, key: b.Key(name), mu: mu.(*sync.Mutex)}
	if err := r.create(ctx); err != nil {
		return nil, fmt.Errorf("s3store.Open %s: %w", r.key, err)
	}
	return persist.NewHandle(r, opts), nil
}

// Names implements persist.Backend.
func (b *Backend) Names(ctx context.Context) ([]string, error) {
	var names []string
	var token *string
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(b.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("s3store.Names: %w", err)
		}
		for _, obj := range out.Contents {
			rest := strings.TrimPrefix(aws.ToString(obj.Key), b.prefix)
			if strings.Contains(rest, "/") || !strings.HasSuffix(rest, ".json") {
				continue
			}
			name := strings.TrimSuffix(rest, ".json")
			if models.ValidateName(name) == nil {
				names = append(names, name)
			}
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(names)
	return names, nil
}

// ---------------------------------------------------------------------------
// records
// ---------------------------------------------------------------------------

type records struct {
	b   *Backend
	key string
	mu  *sync.Mutex
}

// read fetches the document. A missing object reads as empty with found false.
func (r *records) read(ctx context.Context) (doc persist.Document, found bool, err error) {
	out, err := r.b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.b.bucket),
		Key:    aws.String(r.key),
	})
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return persist.Document("{}"), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, err
	}
	doc, err = persist.ParseDocument(data)
	return doc, true, err
}

// create writes an empty document unless the object already exists.
func (r *records) create(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, found, err := r.read(ctx)
	if err != nil || found {
		return err
	}
	return r.write(ctx, persist.Document("{}"))
}

func (r *records) write(ctx context.Context, doc persist.Document) error {
	_, err := r.b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.b.bucket),
		Key:         aws.String(r.key),
		Body:        bytes.NewReader(doc.Pretty()),
		ContentType: aws.String("application/json"),
	})
	return err
}

func (r *records) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, _, err := r.read(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("s3store.Get %s: %w", r.key, err)
	}
	v, ok := doc.Get(key)
	return v, ok, nil
}

func (r *records) Put(ctx context.Context, key string, value json.RawMessage) error {
	return r.Commit(ctx, map[string]json.RawMessage{key: value})
}

func (r *records) Remove(ctx context.Context, key string) error {
	return r.Commit(ctx, map[string]json.RawMessage{key: nil})
}

func (r *records) Commit(ctx context.Context, batch map[string]json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, _, err := r.read(ctx)
	if err != nil {
		return fmt.Errorf("s3store.Commit %s: %w", r.key, err)
	}
	if doc, err = doc.Apply(batch); err != nil {
		return fmt.Errorf("s3store.Commit %s: %w", r.key, err)
	}
	if err := r.write(ctx, doc); err != nil {
		return fmt.Errorf("s3store.Commit %s: %w", r.key, err)
	}
	return nil
}

func (*records) Close() error { return nil }
