package bundlefetch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// S3Signer produces presigned GET URLs (SigV4 query signing) for an
// S3-compatible endpoint, used in place of a plain object-store URL when
// S3_ACCESS_KEY, S3_SECRET_KEY and S3_BUCKET are all configured. It is a minimal, GET-only
// query presigner, not a general S3 client: the runner only ever issues
// single GETs against well-known object keys.
type S3Signer struct {
	AccessKey string
	SecretKey string
	Region    string
	Service   string // "s3"
}

// PresignGET returns a presigned GET URL for the given bucket-relative key,
// valid for expires.
func (s *S3Signer) PresignGET(endpoint, bucket, key string, expires time.Duration) (string, error) {
	region := s.Region
	if region == "" {
		region = "us-east-1"
	}
	service := s.Service
	if service == "" {
		service = "s3"
	}

	now := time.Now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")

	u, err := url.Parse(strings.TrimRight(endpoint, "/") + "/" + bucket + "/" + strings.TrimLeft(key, "/"))
	if err != nil {
		return "", err
	}

	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", dateStamp, region, service)
	credential := s.AccessKey + "/" + credentialScope

	q := url.Values{}
	q.Set("X-Amz-Algorithm", "AWS4-HMAC-SHA256")
	q.Set("X-Amz-Credential", credential)
	q.Set("X-Amz-Date", amzDate)
	q.Set("X-Amz-Expires", fmt.Sprintf("%d", int(expires.Seconds())))
	q.Set("X-Amz-SignedHeaders", "host")
	u.RawQuery = q.Encode()

	canonicalRequest := strings.Join([]string{
		"GET",
		u.Path,
		u.RawQuery,
		"host:" + u.Host + "\n",
		"host",
		"UNSIGNED-PAYLOAD",
	}, "\n")

	hash := sha256.Sum256([]byte(canonicalRequest))
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		hex.EncodeToString(hash[:]),
	}, "\n")

	signingKey := s.deriveSigningKey(dateStamp, region, service)
	signature := hmacHex(signingKey, stringToSign)

	q.Set("X-Amz-Signature", signature)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *S3Signer) deriveSigningKey(dateStamp, region, service string) []byte {
	kDate := hmacSum([]byte("AWS4"+s.SecretKey), dateStamp)
	kRegion := hmacSum(kDate, region)
	kService := hmacSum(kRegion, service)
	return hmacSum(kService, "aws4_request")
}

func hmacSum(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func hmacHex(key []byte, data string) string {
	return hex.EncodeToString(hmacSum(key, data))
}
