package uploader

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/coscene-io/coscout/internal/api"
)

// Bucket is fixed server-side; the security token scopes access.
const Bucket = "default"

// NewS3Client builds an S3 client from a platform security token.
// Retries stay at one attempt: the sweep loop is the retry mechanism,
// and a fresh token is minted on every pass.
func NewS3Client(token *api.SecurityToken) (s3iface.S3API, error) {
	endpoint := token.Endpoint
	if !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}

	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String("us-east-1"),
		Endpoint:         aws.String(endpoint),
		Credentials:      credentials.NewStaticCredentials(token.AccessKeyID, token.AccessKeySecret, token.SessionToken),
		MaxRetries:       aws.Int(1),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("uploader: building s3 session: %w", err)
	}

	return s3.New(sess), nil
}

// ObjectKey is the record-scoped key for one file, using the
// warehouse-less record name.
func ObjectKey(recordName api.RecordName, filename string) string {
	return recordName.Simple() + "/files/" + filename
}
