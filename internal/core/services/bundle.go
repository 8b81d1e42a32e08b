// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	credentials "cloud.google.com/go/iam/credentials/apiv1"
	credentialspb "cloud.google.com/go/iam/credentials/apiv1/credentialspb"
	"cloud.google.com/go/storage"
	"github.com/jaycherian/gcp-go-vista-detect/internal/cloud"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/results"
)

// ErrUnknownArtifact is returned for names that are not bundle artifacts.
var ErrUnknownArtifact = errors.New("unknown artifact")

// Artifacts lists the bundle files that can be linked.
var Artifacts = map[string]bool{
	results.ReportFileName:   true,
	results.MetadataFileName: true,
	results.VideoFileName:    true,
	"detections_video.avi":   true,
}

// BundleService hands out time-limited links to mirrored bundle artifacts.
type BundleService struct {
	StorageClient *storage.Client                   // Client for interacting with Google Cloud Storage.
	IAMClient     *credentials.IamCredentialsClient // Signs URLs when no private key is available.
	SignerEmail   string                            // The service account that signs URLs.
	Bucket        string                            // The mirror bucket.
	Prefix        string                            // Prefix of every bundle in the bucket.
	TTL           time.Duration                     // Lifetime of a signed URL.
}

// ArtifactObject returns the mirrored object for artifact of videoID.
func (s *BundleService) ArtifactObject(videoID, artifact string) (cloud.GCSObject, error) {
	if !Artifacts[artifact] {
		return cloud.GCSObject{}, fmt.Errorf("%w: %q", ErrUnknownArtifact, artifact)
	}
	return cloud.BundleObject(s.Bucket, s.Prefix, videoID, artifact), nil
}

// SignedURL returns a V4 GET URL for artifact of videoID. When a signer
// service account and IAM client are configured, signing goes through the
// IAM Credentials API so no private key is needed locally.
func (s *BundleService) SignedURL(ctx context.Context, videoID, artifact string) (string, error) {
	if s == nil || s.StorageClient == nil {
		return "", errors.New("bundle mirror is not configured")
	}
	obj, err := s.ArtifactObject(videoID, artifact)
	if err != nil {
		return "", err
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	}
	if s.IAMClient != nil && s.SignerEmail != "" {
		opts.GoogleAccessID = s.SignerEmail
		opts.SignBytes = func(b []byte) ([]byte, error) {
			resp, err := s.IAMClient.SignBlob(ctx, &credentialspb.SignBlobRequest{
				Name:    fmt.Sprintf("projects/-/serviceAccounts/%s", s.SignerEmail),
				Payload: b,
			})
			if err != nil {
				return nil, fmt.Errorf("IAMClient.SignBlob: %w", err)
			}
			return resp.SignedBlob, nil
		}
	}

	u, err := s.StorageClient.Bucket(obj.Bucket).SignedURL(obj.Name, opts)
	if err != nil {
		return "", fmt.Errorf("Bucket(%q).Object(%q).SignedURL: %w", obj.Bucket, obj.Name, err)
	}
	return u, nil
}
