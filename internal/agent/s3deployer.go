// S3-backed Deployer (spec §4.6's concrete DownloadCode step), grounded on
// original_source's remote_deployer.{h,cpp}: RemoteDeployer is an abstract
// base whose DownloadCode subclasses fetch from an object store. This is
// the concrete subclass, using aws-sdk-go-v2's S3 client in GetObject mode
// rather than a vendored S3 SDK.
package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/oriys/corefn/internal/logging"
	"github.com/oriys/corefn/internal/pkg/fsutil"
)

// CodePackageThresholds mirrors the original's messages::CodePackageThresholds:
// the size ceiling checked against an object's Content-Length before its
// body is downloaded.
type CodePackageThresholds struct {
	UnzipFileSizeMaxBytes uint64
}

// S3Deployer fetches code artefacts from an S3-compatible bucket into a
// temporary file under the destination directory (spec §4.6 step 1-2).
// The archive is not unpacked: the temporary file is removed again after
// the optional hash step, leaving only the destination directory.
// enableSignatureValidation mirrors remote_deployer.h's
// enableSignatureValidation_ toggle; when set, the first 16 hex characters
// of the archive's SHA-256 are logged at debug level, and no signature is
// verified.
type S3Deployer struct {
	client                    *s3.Client
	thresholds                CodePackageThresholds
	enableSignatureValidation bool
}

// NewS3Deployer loads AWS credentials/config the standard way
// (environment, shared config file, or static keys if provided) and
// constructs an S3Deployer.
func NewS3Deployer(ctx context.Context, endpoint, accessKeyID, secretAccessKey string, thresholds CodePackageThresholds, enableSignatureValidation bool) (*S3Deployer, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if accessKeyID != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("agent: load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = true
	})

	return &S3Deployer{client: client, thresholds: thresholds, enableSignatureValidation: enableSignatureValidation}, nil
}

// Deploy downloads artefact.ObjectID from bucket artefact.BucketID into a
// temporary file under dest, first rejecting an object whose Content-Length
// exceeds the unzip size ceiling (spec §4.6's CheckZipFile equivalent). It implements the Deployer interface destcache.go declares.
func (d *S3Deployer) Deploy(dest string, artefact Artefact) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(artefact.BucketID),
		Key:    aws.String(artefact.ObjectID),
	})
	if err != nil {
		return fmt.Errorf("agent: s3 GetObject bucket=%s key=%s: %w", artefact.BucketID, artefact.ObjectID, err)
	}
	defer out.Body.Close()

	if out.ContentLength != nil && d.thresholds.UnzipFileSizeMaxBytes > 0 && uint64(*out.ContentLength) > d.thresholds.UnzipFileSizeMaxBytes {
		return fmt.Errorf("agent: artefact %s exceeds unzip size ceiling (%d > %d)",
			artefact.ObjectID, *out.ContentLength, d.thresholds.UnzipFileSizeMaxBytes)
	}

	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("agent: mkdir destination %s: %w", dest, err)
	}

	archivePath := filepath.Join(dest, ".download.tmp")
	f, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("agent: create download temp file: %w", err)
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		os.Remove(archivePath)
		return fmt.Errorf("agent: write downloaded artefact: %w", err)
	}
	f.Close()

	if d.enableSignatureValidation {
		sum, err := fsutil.HashFile(archivePath)
		if err != nil {
			os.Remove(archivePath)
			return fmt.Errorf("agent: hash downloaded artefact: %w", err)
		}
		logging.Op().Debug("agent: signature validation requested", "dest", dest, "sha256", sum)
	}

	if err := os.Remove(archivePath); err != nil {
		logging.Op().Warn("agent: remove download temp file failed", "path", archivePath, "err", err)
	}

	logging.Op().Info("agent: deployed artefact", "bucket", artefact.BucketID, "object", artefact.ObjectID, "dest", dest)
	return nil
}

// Clear removes a materialised destination from disk, matching
// remote_deployer.cpp's Clear (a stub there since the original's S3 path
// was unsupported; here it is a real recursive removal).
func (d *S3Deployer) Clear(dest, objectKey string) error {
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("agent: clear destination %s: %w", dest, err)
	}
	return nil
}
