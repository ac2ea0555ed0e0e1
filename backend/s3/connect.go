package s3

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config locates the bucket holding a database.
type Config struct {
	// "http://127.0.0.1:9000", empty for AWS.
	HostEndpointUrl string `json:"endpoint,omitempty"`
	// "us-east-1"
	Region   string `json:"region"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Bucket   string `json:"bucket"`
	// UsePathStyle is required by most S3 compatible servers (minio).
	UsePathStyle bool `json:"use_path_style,omitempty"`
}

// Connect to the S3 (or minio) endpoint described by config.
func Connect(config Config) *s3.Client {
	return s3.NewFromConfig(aws.Config{Region: config.Region}, func(o *s3.Options) {
		if config.HostEndpointUrl != "" {
			o.BaseEndpoint = aws.String(config.HostEndpointUrl)
		}
		if config.Username != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(config.Username, config.Password, "")
		}
		o.UsePathStyle = config.UsePathStyle
	})
}

// EnsureBucket creates the bucket unless it exists already.
func EnsureBucket(ctx context.Context, client *s3.Client, bucketName, region string) error {
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucketName)})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("couldn't check bucket %s, details: %w", bucketName, err)
	}
	in := &s3.CreateBucketInput{Bucket: aws.String(bucketName)}
	// us-east-1 rejects an explicit location constraint.
	if region != "" && region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(region),
		}
	}
	if _, err := client.CreateBucket(ctx, in); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("couldn't create bucket %s in Region %s, details: %w", bucketName, region, err)
	}
	return nil
}

func httpStatus(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsk) || errors.As(err, &nf) || errors.As(err, &nsb) {
		return true
	}
	return httpStatus(err) == http.StatusNotFound
}

// isPrecondition reports a lost conditional write. S3 answers 412 when the
// condition does not hold and 409 when a concurrent conditional write won.
func isPrecondition(err error) bool {
	switch httpStatus(err) {
	case http.StatusPreconditionFailed, http.StatusConflict:
		return true
	}
	return false
}
