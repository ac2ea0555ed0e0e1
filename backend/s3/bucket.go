// Package s3 is a glassdb.Backend over an S3 (or S3 compatible) bucket.
//
// Every version of a key is its own object under "<key>/_v/<version>". The
// latest version is published by the small "<key>/_head" object, which is only
// ever replaced with a conditional PutObject (If-Match on the etag read, or
// If-None-Match for a new key). A commit uploads the version objects first and
// then advances the heads in key order, rolling back the heads it moved when
// one condition fails. Heads of several keys are thus not advanced atomically;
// the commit lock table keeps competing writers out while a commit publishes.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/sharedcode/glassdb"
)

const (
	largeObjectMinSize = 10 * 1024 * 1024
	// S3 DeleteObjects limit.
	maxDeleteBatch = 1000
	// A version object may be collected between reading the head and fetching
	// it; the read then starts over from a fresh head.
	maxReadAttempts = 3

	headSuffix  = "/_head"
	versionsDir = "/_v/"
	deletedMeta = "deleted"
)

type head struct {
	Version glassdb.Version `json:"version"`
	Size    int64           `json:"size"`
	Deleted bool            `json:"deleted,omitempty"`
}

// headState is the head of a key as read before a commit.
type headState struct {
	head
	etag   string
	exists bool
}

// Bucket implements glassdb.Backend.
type Bucket struct {
	bucketName string
	s3Client   *s3.Client
}

// NewBucket returns a Backend storing its objects in bucketName.
func NewBucket(s3Client *s3.Client, bucketName string) (*Bucket, error) {
	if s3Client == nil {
		return nil, fmt.Errorf("s3Client parameter can't be nil")
	}
	if bucketName == "" {
		return nil, fmt.Errorf("bucketName parameter can't be empty")
	}
	return &Bucket{
		bucketName: bucketName,
		s3Client:   s3Client,
	}, nil
}

func headKey(key string) string {
	return key + headSuffix
}

func versionPrefix(key string) string {
	return key + versionsDir
}

// versionKey zero pads the version so listing returns versions in order.
func versionKey(key string, v glassdb.Version) string {
	return fmt.Sprintf("%s%020d", versionPrefix(key), v)
}

// GetMetadata returns the tags of the metadata object at path.
func (b *Bucket) GetMetadata(ctx context.Context, path string) (glassdb.Metadata, error) {
	out, err := b.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(path),
	})
	if err != nil {
		if isNotFound(err) {
			return glassdb.Metadata{}, glassdb.ErrNotFound
		}
		return glassdb.Metadata{}, err
	}
	tags := make(glassdb.Tags, len(out.Metadata))
	for k, v := range out.Metadata {
		tags[strings.ToLower(k)] = v
	}
	return glassdb.Metadata{Path: path, Tags: tags}, nil
}

// WriteIfNotExists creates the metadata object at path.
func (b *Bucket) WriteIfNotExists(ctx context.Context, path string, payload []byte, tags glassdb.Tags) error {
	_, err := b.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucketName),
		Key:         aws.String(path),
		Body:        bytes.NewReader(payload),
		Metadata:    tags,
		IfNoneMatch: aws.String("*"),
	})
	if err != nil && isPrecondition(err) {
		return glassdb.ErrPrecondition
	}
	return err
}

func (b *Bucket) readHead(ctx context.Context, key string) (headState, error) {
	out, err := b.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(headKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return headState{}, glassdb.ErrNotFound
		}
		return headState{}, err
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return headState{}, err
	}
	var h head
	if err := json.Unmarshal(body, &h); err != nil {
		return headState{}, fmt.Errorf("corrupt head of %s: %w", key, err)
	}
	return headState{head: h, etag: aws.ToString(out.ETag), exists: true}, nil
}

// putHead replaces the head of key only if it is still prev.
func (b *Bucket) putHead(ctx context.Context, key string, h head, prev headState) (string, error) {
	body, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	in := &s3.PutObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(headKey(key)),
		Body:   bytes.NewReader(body),
	}
	if prev.exists {
		in.IfMatch = aws.String(prev.etag)
	} else {
		in.IfNoneMatch = aws.String("*")
	}
	out, err := b.s3Client.PutObject(ctx, in)
	if err != nil {
		if isPrecondition(err) {
			return "", glassdb.ErrPrecondition
		}
		return "", err
	}
	return aws.ToString(out.ETag), nil
}

// Stat returns the latest version of key.
func (b *Bucket) Stat(ctx context.Context, key string) (glassdb.Version, error) {
	h, err := b.readHead(ctx, key)
	if err != nil {
		return glassdb.NoVersion, err
	}
	return h.Version, nil
}

// Read returns the latest version of key.
func (b *Bucket) Read(ctx context.Context, key string) (glassdb.VersionedValue, error) {
	for attempt := 0; ; attempt++ {
		h, err := b.readHead(ctx, key)
		if err != nil {
			return glassdb.VersionedValue{}, err
		}
		if h.Deleted {
			return glassdb.VersionedValue{Key: key, Version: h.Version, Deleted: true}, nil
		}
		var v glassdb.VersionedValue
		if h.Size > largeObjectMinSize {
			v, err = b.fetchLargeObject(ctx, key, h.Version)
		} else {
			v, err = b.ReadVersion(ctx, key, h.Version)
		}
		if err == glassdb.ErrNotFound && attempt+1 < maxReadAttempts {
			continue
		}
		return v, err
	}
}

// ReadVersion returns the given version of key.
func (b *Bucket) ReadVersion(ctx context.Context, key string, version glassdb.Version) (glassdb.VersionedValue, error) {
	result, err := b.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(versionKey(key, version)),
	})
	if err != nil {
		if isNotFound(err) {
			return glassdb.VersionedValue{}, glassdb.ErrNotFound
		}
		return glassdb.VersionedValue{}, err
	}
	defer result.Body.Close()
	body, err := io.ReadAll(result.Body)
	if err != nil {
		return glassdb.VersionedValue{}, err
	}
	v := glassdb.VersionedValue{
		Key:     key,
		Version: version,
		Deleted: isDeleted(result.Metadata),
	}
	if !v.Deleted {
		v.Value = body
	}
	return v, nil
}

// fetchLargeObject downloads a big version in parallel ranged parts.
func (b *Bucket) fetchLargeObject(ctx context.Context, key string, version glassdb.Version) (glassdb.VersionedValue, error) {
	downloader := manager.NewDownloader(b.s3Client, func(d *manager.Downloader) {
		d.PartSize = largeObjectMinSize
	})
	buffer := manager.NewWriteAtBuffer([]byte{})
	_, err := downloader.Download(ctx, buffer, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(versionKey(key, version)),
	})
	if err != nil {
		if isNotFound(err) {
			return glassdb.VersionedValue{}, glassdb.ErrNotFound
		}
		return glassdb.VersionedValue{}, err
	}
	return glassdb.VersionedValue{
		Key:     key,
		Version: version,
		Value:   buffer.Bytes(),
	}, nil
}

func isDeleted(meta map[string]string) bool {
	for k, v := range meta {
		if strings.EqualFold(k, deletedMeta) {
			return v == "true"
		}
	}
	return false
}

func (b *Bucket) putVersion(ctx context.Context, commit glassdb.Version, w glassdb.Write) error {
	in := &s3.PutObjectInput{
		Bucket:   aws.String(b.bucketName),
		Key:      aws.String(versionKey(w.Key, commit)),
		Metadata: map[string]string{deletedMeta: strconv.FormatBool(w.Delete)},
	}
	if w.Delete {
		in.Body = bytes.NewReader(nil)
	} else {
		in.Body = bytes.NewReader(w.Value)
	}
	if len(w.Value) > largeObjectMinSize {
		uploader := manager.NewUploader(b.s3Client, func(u *manager.Uploader) {
			u.PartSize = largeObjectMinSize
		})
		_, err := uploader.Upload(ctx, in)
		return err
	}
	_, err := b.s3Client.PutObject(ctx, in)
	return err
}

type publishedHead struct {
	key  string
	etag string
	prev headState
}

// Write checks every expectation, uploads the new versions and then publishes
// them by advancing the heads.
func (b *Bucket) Write(ctx context.Context, commit glassdb.Version, writes []glassdb.Write, expected map[string]glassdb.Version) error {
	writes = slices.Clone(writes)
	slices.SortFunc(writes, func(x, y glassdb.Write) int { return strings.Compare(x.Key, y.Key) })

	heads := make(map[string]headState, len(writes)+len(expected))
	load := func(k string) (headState, error) {
		if h, ok := heads[k]; ok {
			return h, nil
		}
		h, err := b.readHead(ctx, k)
		if err != nil && err != glassdb.ErrNotFound {
			return headState{}, err
		}
		heads[k] = h
		return h, nil
	}
	for k, want := range expected {
		h, err := load(k)
		if err != nil {
			return err
		}
		got := glassdb.NoVersion
		if h.exists {
			got = h.Version
		}
		if got != want {
			return glassdb.ErrPrecondition
		}
	}
	for _, w := range writes {
		h, err := load(w.Key)
		if err != nil {
			return err
		}
		if h.exists && h.Version >= commit {
			return glassdb.ErrPrecondition
		}
	}

	// The uploaded versions stay invisible until their head points at them.
	var uploaded []glassdb.Write
	for _, w := range writes {
		if err := b.putVersion(ctx, commit, w); err != nil {
			b.discardVersions(ctx, commit, uploaded)
			return err
		}
		uploaded = append(uploaded, w)
	}

	published := make([]publishedHead, 0, len(writes))
	for _, w := range writes {
		prev := heads[w.Key]
		h := head{Version: commit, Size: int64(len(w.Value)), Deleted: w.Delete}
		etag, err := b.putHead(ctx, w.Key, h, prev)
		if err != nil {
			b.rollback(ctx, published)
			b.discardVersions(ctx, commit, uploaded)
			return err
		}
		published = append(published, publishedHead{key: w.Key, etag: etag, prev: prev})
	}
	return nil
}

// rollback restores the heads moved by a failed commit, newest first.
func (b *Bucket) rollback(ctx context.Context, published []publishedHead) {
	ctx = context.WithoutCancel(ctx)
	for i := len(published) - 1; i >= 0; i-- {
		p := published[i]
		if p.prev.exists {
			_, _ = b.putHead(ctx, p.key, p.prev.head, headState{etag: p.etag, exists: true})
			continue
		}
		_, _ = b.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucketName),
			Key:    aws.String(headKey(p.key)),
		})
	}
}

func (b *Bucket) discardVersions(ctx context.Context, commit glassdb.Version, writes []glassdb.Write) {
	names := make([]string, len(writes))
	for i, w := range writes {
		names[i] = versionKey(w.Key, commit)
	}
	_ = b.remove(context.WithoutCancel(ctx), names)
}

// Versions lists the stored versions of key in ascending order.
func (b *Bucket) Versions(ctx context.Context, key string) ([]glassdb.Version, error) {
	prefix := versionPrefix(key)
	names, err := b.list(ctx, prefix)
	if err != nil {
		return nil, err
	}
	r := make([]glassdb.Version, 0, len(names))
	for _, n := range names {
		v, err := strconv.ParseInt(strings.TrimPrefix(n, prefix), 10, 64)
		if err != nil {
			continue
		}
		r = append(r, glassdb.Version(v))
	}
	slices.Sort(r)
	return r, nil
}

// Delete removes the given versions of key. When none is left the head goes too.
func (b *Bucket) Delete(ctx context.Context, key string, versions ...glassdb.Version) error {
	if len(versions) == 0 {
		return nil
	}
	names := make([]string, len(versions))
	for i, v := range versions {
		names[i] = versionKey(key, v)
	}
	if err := b.remove(ctx, names); err != nil {
		return err
	}
	left, err := b.Versions(ctx, key)
	if err != nil || len(left) > 0 {
		return err
	}
	_, err = b.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(headKey(key)),
	})
	return err
}

// remove deletes objects by name in DeleteObjects sized batches.
func (b *Bucket) remove(ctx context.Context, names []string) error {
	for len(names) > 0 {
		n := min(len(names), maxDeleteBatch)
		batch := names[:n]
		names = names[n:]

		objectIds := make([]types.ObjectIdentifier, len(batch))
		for i, key := range batch {
			objectIds[i] = types.ObjectIdentifier{Key: aws.String(key)}
		}
		output, err := b.s3Client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucketName),
			Delete: &types.Delete{Objects: objectIds, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return err
		}
		for _, e := range output.Errors {
			if aws.ToString(e.Code) == "NoSuchKey" {
				continue
			}
			return fmt.Errorf("couldn't delete %s, details: %s", aws.ToString(e.Key), aws.ToString(e.Message))
		}
	}
	return nil
}

// List returns the keys with the given prefix in ascending order.
func (b *Bucket) List(ctx context.Context, prefix string) ([]string, error) {
	names, err := b.list(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var r []string
	for _, n := range names {
		if k, ok := strings.CutSuffix(n, headSuffix); ok {
			r = append(r, k)
		}
	}
	// S3 orders "<key>/_head" objects, not keys.
	slices.Sort(r)
	return r, nil
}

func (b *Bucket) list(ctx context.Context, prefix string) ([]string, error) {
	p := s3.NewListObjectsV2Paginator(b.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucketName),
		Prefix: aws.String(prefix),
	})
	var r []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, o := range page.Contents {
			r = append(r, aws.ToString(o.Key))
		}
	}
	return r, nil
}
