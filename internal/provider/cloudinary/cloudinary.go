package cloudinary

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vnmchuo/enhance-gateway/internal/provider"
	"github.com/vnmchuo/enhance-gateway/internal/worker"
)

// UploadMarker separates the delivery prefix from the asset path in a
// Cloudinary image URL.
const UploadMarker = "/image/upload/"

const DefaultAPIBaseURL = "https://api.cloudinary.com/v1_1"

var ErrMissingCredentials = errors.New("cloudinary: cloud name, api key and api secret are required")

// ParsePublicID extracts the public id from a delivery URL, dropping the
// version segment and the file extension. It reports false when the URL
// has no upload marker.
func ParsePublicID(imageURL string) (string, bool) {
	i := strings.Index(imageURL, UploadMarker)
	if i == -1 {
		return "", false
	}
	tail := imageURL[i+len(UploadMarker):]
	if q := strings.IndexAny(tail, "?#"); q != -1 {
		tail = tail[:q]
	}
	tail = stripVersion(tail)

	dir, file := "", tail
	if slash := strings.LastIndex(tail, "/"); slash != -1 {
		dir, file = tail[:slash+1], tail[slash+1:]
	}
	if dot := strings.LastIndex(file, "."); dot != -1 {
		file = file[:dot]
	}
	return dir + file, true
}

// stripVersion removes a leading "v<digits>/" segment.
func stripVersion(tail string) string {
	if len(tail) < 3 || tail[0] != 'v' {
		return tail
	}
	slash := strings.Index(tail, "/")
	if slash < 2 {
		return tail
	}
	if _, err := strconv.ParseUint(tail[1:slash], 10, 64); err != nil {
		return tail
	}
	return tail[slash+1:]
}

// TargetWidth picks an output width for a scale factor when the source
// dimensions are unknown.
func TargetWidth(scale float64) int {
	switch {
	case scale >= 4:
		return 2400
	case scale >= 3:
		return 1800
	default:
		return 1400
	}
}

// Transformation renders the comma-separated directive list for an upscale.
func Transformation(scale float64, style string) string {
	sharpen := 120
	subtle := strings.EqualFold(strings.TrimSpace(style), "subtle")
	if subtle {
		sharpen = 60
	}
	parts := []string{
		fmt.Sprintf("c_scale,w_%d", TargetWidth(scale)),
		fmt.Sprintf("e_unsharp_mask:%d", sharpen),
	}
	if !subtle {
		parts = append(parts, "e_improve")
	}
	parts = append(parts, "q_auto:best", "f_auto")
	return strings.Join(parts, ",")
}

// TransformURL inserts transformation right after the upload marker.
func TransformURL(imageURL, transformation string) (string, bool) {
	i := strings.Index(imageURL, UploadMarker)
	if i == -1 {
		return "", false
	}
	cut := i + len(UploadMarker)
	return imageURL[:cut] + transformation + "/" + imageURL[cut:], true
}

// BasicAuthHeader combines key and secret for the Admin API.
func BasicAuthHeader(key, secret string) string {
	token := base64.StdEncoding.EncodeToString([]byte(key + ":" + secret))
	return "Basic " + token
}

// Sign computes the request signature: SHA-1 over the sorted, non-empty
// params joined as k=v&k=v, followed by the secret. api_key, file,
// resource_type, cloud_name and signature itself are never signed.
func Sign(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		switch k {
		case "api_key", "file", "resource_type", "cloud_name", "signature":
			continue
		}
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + params[k]
	}
	sum := sha1.Sum([]byte(strings.Join(pairs, "&") + secret))
	return hex.EncodeToString(sum[:])
}

type Options struct {
	CloudName  string
	APIKey     string
	APISecret  string
	APIBaseURL string
	HTTP       provider.Options
	// Now stamps signed requests; defaults to time.Now.
	Now func() time.Time
}

// Client materializes transformations through the signed explicit endpoint.
type Client struct {
	cloudName string
	apiKey    string
	apiSecret string
	http      *provider.Client
	now       func() time.Time
}

func New(opts Options) *Client {
	base := opts.APIBaseURL
	if base == "" {
		base = DefaultAPIBaseURL
	}
	httpOpts := opts.HTTP
	httpOpts.BaseURL = base
	if opts.APIKey != "" && opts.APISecret != "" {
		httpOpts.AuthHeader = BasicAuthHeader(opts.APIKey, opts.APISecret)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		cloudName: opts.CloudName,
		apiKey:    opts.APIKey,
		apiSecret: opts.APISecret,
		http:      provider.New(httpOpts),
		now:       now,
	}
}

func (c *Client) HasCredentials() bool {
	return c.cloudName != "" && c.apiKey != "" && c.apiSecret != ""
}

// ExplicitParams builds the signed parameter set for an eager transformation.
func (c *Client) ExplicitParams(publicID, transformation string) map[string]string {
	params := map[string]string{
		"public_id": publicID,
		"type":      "upload",
		"eager":     transformation,
		"timestamp": strconv.FormatInt(c.now().Unix(), 10),
	}
	params["signature"] = Sign(params, c.apiSecret)
	params["api_key"] = c.apiKey
	return params
}

// Explicit asks Cloudinary to generate the derived image now. The
// returned Response is nil only on transport failure.
func (c *Client) Explicit(ctx context.Context, publicID, transformation string) (*provider.Response, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingCredentials
	}
	path := "/" + c.cloudName + "/image/explicit"
	return c.http.CreateJob(ctx, path, c.ExplicitParams(publicID, transformation))
}

// EagerURL reads the materialized derivative URL from an explicit reply.
func EagerURL(body map[string]any) (string, bool) {
	return worker.Extract(body,
		worker.Field("eager", "0", "secure_url"),
		worker.Field("eager", "0", "url"),
	)
}
