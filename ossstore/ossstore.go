package ossstore

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/aliyun/credentials-go/credentials"
)

type Store struct {
	bucketName string

	uploadBucket *oss.Bucket
	signBucket   *oss.Bucket

	cred credentials.Credential

	prefix     string
	signExpiry time.Duration
}

func NewFromEnv() (*Store, bool, error) {
	bucket := strings.TrimSpace(os.Getenv("OSS_BUCKET"))
	if bucket == "" {
		return nil, false, nil
	}

	region := strings.TrimSpace(os.Getenv("OSS_REGION"))
	if region == "" {
		// AuthV4 requires a region; default to the main deployment region.
		region = "cn-heyuan"
	}

	internalEndpoint := strings.TrimSpace(os.Getenv("OSS_ENDPOINT_INTERNAL"))
	publicEndpoint := strings.TrimSpace(os.Getenv("OSS_ENDPOINT_PUBLIC"))
	if internalEndpoint == "" && publicEndpoint == "" {
		return nil, true, errors.New("OSS_BUCKET is set but OSS_ENDPOINT_INTERNAL/OSS_ENDPOINT_PUBLIC are missing")
	}
	if publicEndpoint == "" {
		// Signed URLs must be reachable from the browser; an internal-only
		// endpoint would sign internal hostnames.
		publicEndpoint = internalEndpoint
	}
	if internalEndpoint == "" {
		internalEndpoint = publicEndpoint
	}

	prefix := strings.TrimSpace(os.Getenv("OSS_PREFIX"))
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "anomaly-results"
	}

	expirySec := readEnvInt64Default("OSS_SIGN_EXPIRE_SECONDS", 600)
	if expirySec <= 0 {
		expirySec = 600
	}

	cred, err := newAlibabaCredential(region) // supports local AK, ACK RRSA (OIDC), the full chain
	if err != nil {
		return nil, true, fmt.Errorf("init alibaba credentials failed: %w", err)
	}
	// Validate up front so PutObject doesn't hit OSS anonymously and fail with
	// a misleading bucket-acl 403.
	if err := validateAlibabaCredential(cred); err != nil {
		return nil, true, err
	}

	provider := &credentialsProvider{cred: cred}

	uploadClient, err := newOSSClient(internalEndpoint, region, provider)
	if err != nil {
		return nil, true, fmt.Errorf("init oss upload client failed: %w", err)
	}
	signClient, err := newOSSClient(publicEndpoint, region, provider)
	if err != nil {
		return nil, true, fmt.Errorf("init oss sign client failed: %w", err)
	}

	ub, err := uploadClient.Bucket(bucket)
	if err != nil {
		return nil, true, fmt.Errorf("open oss bucket(upload) failed: %w", err)
	}
	sb, err := signClient.Bucket(bucket)
	if err != nil {
		return nil, true, fmt.Errorf("open oss bucket(sign) failed: %w", err)
	}

	return &Store{
		bucketName:   bucket,
		uploadBucket: ub,
		signBucket:   sb,
		cred:         cred,
		prefix:       prefix,
		signExpiry:   time.Duration(expirySec) * time.Second,
	}, true, nil
}

func newAlibabaCredential(region string) (credentials.Credential, error) {
	// When the RRSA env vars are present, configure OIDC explicitly and allow
	// overriding the STS endpoint (regional STS domains behave better without NAT).
	roleArn := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_ROLE_ARN"))
	providerArn := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_OIDC_PROVIDER_ARN"))
	tokenFile := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_OIDC_TOKEN_FILE"))
	if roleArn != "" && providerArn != "" && tokenFile != "" {
		cfg := new(credentials.Config).
			SetType("oidc_role_arn").
			SetRoleArn(roleArn).
			SetOIDCProviderArn(providerArn).
			SetOIDCTokenFilePath(tokenFile)

		stsEndpoint := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_STS_ENDPOINT"))
		if stsEndpoint == "" {
			stsEndpoint = "sts.aliyuncs.com"
			if strings.TrimSpace(region) != "" {
				stsEndpoint = "sts." + strings.TrimSpace(region) + ".aliyuncs.com"
			}
		}
		cfg.SetSTSEndpoint(stsEndpoint)
		return credentials.NewCredential(cfg)
	}
	return credentials.NewCredential(nil)
}

func validateAlibabaCredential(cred credentials.Credential) error {
	if cred == nil {
		return errors.New("alibaba credentials not initialized (RRSA/AK/STS all unavailable)")
	}
	c, err := cred.GetCredential()
	if err != nil {
		return fmt.Errorf("fetch alibaba temporary credential failed (check RRSA injection / STS connectivity): %w", err)
	}
	if c == nil || c.AccessKeyId == nil || c.AccessKeySecret == nil || strings.TrimSpace(*c.AccessKeyId) == "" || strings.TrimSpace(*c.AccessKeySecret) == "" {
		return errors.New("alibaba credential is empty: likely RRSA not injected, check ALIBABA_CLOUD_ROLE_ARN / ALIBABA_CLOUD_OIDC_PROVIDER_ARN / ALIBABA_CLOUD_OIDC_TOKEN_FILE")
	}
	return nil
}

func newOSSClient(endpoint, region string, provider oss.CredentialsProvider) (*oss.Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("endpoint empty")
	}
	opts := []oss.ClientOption{
		oss.SetCredentialsProvider(provider),
		oss.AuthVersion(oss.AuthV4),
	}
	if strings.TrimSpace(region) != "" {
		opts = append(opts, oss.Region(region))
	}
	// accessKeyId/secret stay empty; everything goes through the provider.
	return oss.New(endpoint, "", "", opts...)
}

func (s *Store) Enabled() bool { return s != nil && s.uploadBucket != nil && s.signBucket != nil }

// ObjectKeyForArtifact maps a query artifact file to its object key, e.g.
// anomaly-results/<queryKey>/mosaic.png.
func (s *Store) ObjectKeyForArtifact(queryKey, filename string) string {
	queryKey = strings.TrimSpace(queryKey)
	name := strings.TrimSpace(filename)
	if name == "" {
		name = "artifact"
	}
	// prevent path traversal in object key
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	return path.Join(s.prefix, queryKey, name)
}

// ContentTypeFor picks a content type from the artifact filename extension.
func ContentTypeFor(filename string) string {
	switch strings.ToLower(path.Ext(strings.TrimSpace(filename))) {
	case ".png":
		return "image/png"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

func (s *Store) ensureCred() error {
	if s == nil || s.cred == nil {
		return errors.New("alibaba credentials not initialized (RRSA/AK/STS all unavailable)")
	}
	// Trigger a refresh/validation so the SDK never sends anonymous requests.
	return validateAlibabaCredential(s.cred)
}

func (s *Store) PutFileFromPath(objectKey, localPath, contentType string) error {
	if !s.Enabled() {
		return errors.New("oss not enabled")
	}
	if err := s.ensureCred(); err != nil {
		return err
	}
	objectKey = strings.TrimLeft(strings.TrimSpace(objectKey), "/")
	localPath = strings.TrimSpace(localPath)
	if objectKey == "" || localPath == "" {
		return errors.New("invalid objectKey/localPath")
	}
	opts := []oss.Option{}
	if strings.TrimSpace(contentType) != "" {
		opts = append(opts, oss.ContentType(strings.TrimSpace(contentType)))
	}
	return s.uploadBucket.PutObjectFromFile(objectKey, localPath, opts...)
}

// PutArtifact uploads a local artifact file under the query's result prefix and
// returns the object key it was stored at.
func (s *Store) PutArtifact(queryKey, localPath string) (string, error) {
	if !s.Enabled() {
		return "", errors.New("oss not enabled")
	}
	localPath = strings.TrimSpace(localPath)
	if localPath == "" {
		return "", errors.New("localPath empty")
	}
	name := path.Base(strings.ReplaceAll(localPath, "\\", "/"))
	key := s.ObjectKeyForArtifact(queryKey, name)
	if err := s.PutFileFromPath(key, localPath, ContentTypeFor(name)); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) GetObject(objectKey string) (io.ReadCloser, error) {
	if !s.Enabled() {
		return nil, errors.New("oss not enabled")
	}
	if err := s.ensureCred(); err != nil {
		return nil, err
	}
	objectKey = strings.TrimLeft(strings.TrimSpace(objectKey), "/")
	if objectKey == "" {
		return nil, errors.New("objectKey empty")
	}
	// Read via uploadBucket (usually the internal endpoint) to stay off the
	// public egress path.
	return s.uploadBucket.GetObject(objectKey)
}

func (s *Store) SignDownloadURL(objectKey, downloadFilename string) (string, error) {
	if !s.Enabled() {
		return "", errors.New("oss not enabled")
	}
	if err := s.ensureCred(); err != nil {
		return "", err
	}
	objectKey = strings.TrimLeft(strings.TrimSpace(objectKey), "/")
	if objectKey == "" {
		return "", errors.New("objectKey empty")
	}

	name := strings.TrimSpace(downloadFilename)
	if name == "" {
		name = path.Base(objectKey)
	}
	escaped := url.PathEscape(name)
	disp := fmt.Sprintf("attachment; filename=%q; filename*=UTF-8''%s", path.Base(objectKey), escaped)

	u, err := s.signBucket.SignURL(
		objectKey,
		oss.HTTPGet,
		int64(s.signExpiry.Seconds()),
		oss.ResponseContentDisposition(disp),
	)
	if err != nil {
		return "", err
	}
	return u, nil
}

// --- Credentials bridge: credentials-go -> OSS SDK V1 ---

type credentialsProvider struct {
	cred credentials.Credential
}

type ossCred struct {
	AccessKeyId     string
	AccessKeySecret string
	SecurityToken   string
}

func (c *ossCred) GetAccessKeyID() string     { return c.AccessKeyId }
func (c *ossCred) GetAccessKeySecret() string { return c.AccessKeySecret }
func (c *ossCred) GetSecurityToken() string   { return c.SecurityToken }

func (p *credentialsProvider) GetCredentials() oss.Credentials {
	out, err := p.cred.GetCredential()
	if err != nil || out == nil || out.AccessKeyId == nil || out.AccessKeySecret == nil {
		// The V1 provider interface can't return an error; empty credentials
		// surface the failure at request time.
		return &ossCred{}
	}
	token := ""
	if out.SecurityToken != nil {
		token = *out.SecurityToken
	}
	return &ossCred{
		AccessKeyId:     deref(out.AccessKeyId),
		AccessKeySecret: deref(out.AccessKeySecret),
		SecurityToken:   token,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func readEnvInt64Default(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}
