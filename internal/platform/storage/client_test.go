package storage

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/orderflow/api/internal/platform/auth"
)

type captureSigner struct {
	email    string
	payloads [][]byte
	err      error
}

func (c *captureSigner) Email() string { return c.email }

func (c *captureSigner) SignBytes(_ context.Context, payload []byte) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.payloads = append(c.payloads, append([]byte(nil), payload...))
	return []byte("signed"), nil
}

func newSignedClient(t *testing.T, now time.Time) (*Client, *captureSigner) {
	t.Helper()
	signer := &captureSigner{email: "archiver@orderflow-test.iam.gserviceaccount.com"}
	opts := []ClientOption{}
	if !now.IsZero() {
		opts = append(opts, WithClock(func() time.Time { return now }))
	}
	client, err := NewClient(signer, opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client, signer
}

func TestSignedURLForArchiveUpload(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	client, signer := newSignedClient(t, now)

	res, err := client.SignedURL(context.Background(), "orderflow-archives", "archives/completed-20260310-120000.jsonl", SignedURLOptions{
		Upload: &UploadOptions{
			Method:              "PUT",
			ContentType:         "application/x-ndjson",
			ContentMD5:          "xN0dYbCPv0CM0k9d1u8G7g==",
			RequireMD5:          true,
			AllowedContentTypes: []string{"application/x-ndjson"},
			MaxSize:             1 << 20,
			ExpiresIn:           10 * time.Minute,
		},
	})
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}

	if res.Method != httpMethodPut {
		t.Errorf("Method = %s, want PUT", res.Method)
	}
	if want := now.Add(10 * time.Minute); !res.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", res.ExpiresAt, want)
	}
	for header, want := range map[string]string{
		"Content-Type":                "application/x-ndjson",
		"Content-MD5":                 "xN0dYbCPv0CM0k9d1u8G7g==",
		"x-goog-content-length-range": "0,1048576",
	} {
		if res.Headers[header] != want {
			t.Errorf("header %s = %q, want %q", header, res.Headers[header], want)
		}
	}

	parsed, err := url.Parse(res.URL)
	if err != nil {
		t.Fatalf("parse signed URL: %v", err)
	}
	if !strings.Contains(parsed.RawQuery, "X-Goog-Signature=") {
		t.Errorf("signature missing from query: %s", parsed.RawQuery)
	}
	if len(signer.payloads) == 0 {
		t.Error("signer was never invoked")
	}
}

func TestSignedURLUploadValidation(t *testing.T) {
	client, _ := newSignedClient(t, time.Time{})

	t.Run("content type outside allow list", func(t *testing.T) {
		_, err := client.SignedURL(context.Background(), "orderflow-archives", "archives/completed-x.jsonl", SignedURLOptions{
			Upload: &UploadOptions{
				Method:              "PUT",
				ContentType:         "application/pdf",
				AllowedContentTypes: []string{"application/x-ndjson"},
			},
		})
		if !errors.Is(err, errContentTypeDenied) {
			t.Fatalf("err = %v, want errContentTypeDenied", err)
		}
	})

	t.Run("md5 required but absent", func(t *testing.T) {
		_, err := client.SignedURL(context.Background(), "orderflow-archives", "archives/completed-x.jsonl", SignedURLOptions{
			Upload: &UploadOptions{
				Method:      "PUT",
				ContentType: "application/x-ndjson",
				RequireMD5:  true,
			},
		})
		if !errors.Is(err, errMD5Required) {
			t.Fatalf("err = %v, want errMD5Required", err)
		}
	})
}

func TestSignedURLDownloadDeniesForeignIdentity(t *testing.T) {
	client, _ := newSignedClient(t, time.Time{})

	_, err := client.SignedURL(context.Background(), "orderflow-archives", "archives/completed-x.jsonl", SignedURLOptions{
		Download: &DownloadOptions{
			OwnerID:  "user-7f3a",
			Identity: &auth.Identity{UID: "user-9c21"},
		},
	})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
}

func TestSignedURLDownloadAllowsStaffForAnyOwner(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	client, _ := newSignedClient(t, now)

	res, err := client.SignedURL(context.Background(), "orderflow-archives", "archives/completed-x.jsonl", SignedURLOptions{
		Download: &DownloadOptions{
			OwnerID:   "user-7f3a",
			Identity:  &auth.Identity{UID: "ops-1", Roles: []string{auth.RoleStaff}},
			ExpiresIn: 5 * time.Minute,
		},
	})
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	if res.Method != httpMethodGet {
		t.Errorf("Method = %s, want GET", res.Method)
	}
	if want := now.Add(5 * time.Minute); !res.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", res.ExpiresAt, want)
	}
}

func TestSignedURLDownloadCapsExpiry(t *testing.T) {
	client, _ := newSignedClient(t, time.Time{})

	_, err := client.SignedURL(context.Background(), "orderflow-archives", "archives/completed-x.jsonl", SignedURLOptions{
		Download: &DownloadOptions{
			OwnerID:   "user-7f3a",
			Identity:  &auth.Identity{UID: "user-7f3a", Roles: []string{auth.RoleUser}},
			ExpiresIn: 30 * time.Minute,
		},
	})
	if !errors.Is(err, errExpiryTooLong) {
		t.Fatalf("err = %v, want errExpiryTooLong", err)
	}
}
