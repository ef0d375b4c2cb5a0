package reader

import (
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3Client is the subset of the S3 API the reader needs.
type S3Client interface {
	ListObjectsV2(input *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output,
		error)
	GetObject(input *s3.GetObjectInput) (*s3.GetObjectOutput, error)
}

// NewS3Client
// Creates an S3 client from the shared AWS configuration and environment.
func NewS3Client() (S3Client, error) {
	sess, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, err
	}
	return s3.New(sess), nil
}

// ParseS3URI splits `s3://bucket/prefix` into its bucket and prefix.
func ParseS3URI(uri string) (bucket, prefix string, err error) {
	if !strings.HasPrefix(uri, "s3://") {
		return "", "", fmt.Errorf("not an s3 uri: %s", uri)
	}
	rest := strings.TrimPrefix(uri, "s3://")
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		return "", "", fmt.Errorf("s3 uri without a bucket: %s", uri)
	}
	bucket = parts[0]
	if len(parts) == 2 {
		prefix = parts[1]
	}
	return bucket, prefix, nil
}

// getObjectsS3Recursively
// Pages through every object under prefix, sending each to objects.
func getObjectsS3Recursively(svc S3Client, bucketName, prefix string,
	objects chan<- *s3.Object) error {
	var continuationToken *string
	for {
		output, err := svc.ListObjectsV2(&s3.ListObjectsV2Input{
			Bucket:            aws.String(bucketName),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return fmt.Errorf("listing s3://%s/%s: %w", bucketName,
				prefix, err)
		}
		for _, object := range output.Contents {
			objects <- object
		}
		if !aws.BoolValue(output.IsTruncated) ||
			output.NextContinuationToken == nil {
			return nil
		}
		continuationToken = output.NextContinuationToken
	}
}

// ListArchivesS3
// Lists the archives in a supported format under prefix, in key order.
func ListArchivesS3(svc S3Client, bucketName, prefix string) ([]Archive,
	error) {
	objects := make(chan *s3.Object, 64)
	listErr := make(chan error, 1)
	go func() {
		listErr <- getObjectsS3Recursively(svc, bucketName, prefix, objects)
		close(objects)
	}()

	pathInfos := make([]PathInfo, 0)
	for object := range objects {
		key := aws.StringValue(object.Key)
		if !isArchive(key) {
			continue
		}
		pathInfos = append(pathInfos, PathInfo{
			Path:    key,
			Size:    aws.Int64Value(object.Size),
			ModTime: aws.TimeValue(object.LastModified),
		})
	}
	if err := <-listErr; err != nil {
		return nil, err
	}
	if len(pathInfos) == 0 {
		return nil, fmt.Errorf("s3://%s/%s does not contain any archives",
			bucketName, prefix)
	}
	SortPathInfoByPath(pathInfos, true)
	archives := make([]Archive, len(pathInfos))
	for idx := range pathInfos {
		archives[idx] = S3Archive(svc, bucketName, pathInfos[idx])
	}
	return archives, nil
}

// S3Archive wraps one S3 object; the body is streamed on Open.
func S3Archive(svc S3Client, bucketName string, info PathInfo) Archive {
	key := info.Path
	return Archive{
		Name: "s3://" + bucketName + "/" + key,
		Size: info.Size,
		Open: func() (io.ReadCloser, error) {
			output, err := svc.GetObject(&s3.GetObjectInput{
				Bucket: aws.String(bucketName),
				Key:    aws.String(key),
			})
			if err != nil {
				return nil, fmt.Errorf("fetching s3://%s/%s: %w",
					bucketName, key, err)
			}
			return output.Body, nil
		},
	}
}

// OpenS3
// Returns a Reader over every archive under an `s3://bucket/prefix` uri.
func OpenS3(svc S3Client, uri string, opts Options) (*Reader, error) {
	bucketName, prefix, err := ParseS3URI(uri)
	if err != nil {
		return nil, err
	}
	archives, err := ListArchivesS3(svc, bucketName, prefix)
	if err != nil {
		return nil, err
	}
	if opts.Reorder != "" && opts.Reorder != "none" {
		pathInfos := make([]PathInfo, len(archives))
		byName := make(map[string]Archive, len(archives))
		for idx, archive := range archives {
			pathInfos[idx] = PathInfo{Path: archive.Name, Size: archive.Size}
			byName[archive.Name] = archive
		}
		if err := ReorderPathInfos(pathInfos, opts.Reorder,
			opts.Rand); err != nil {
			return nil, err
		}
		for idx := range pathInfos {
			archives[idx] = byName[pathInfos[idx].Path]
		}
	}
	return NewReader(archives, opts), nil
}
