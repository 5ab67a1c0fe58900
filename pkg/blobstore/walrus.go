package blobstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
)

// DefaultWalrusEpochs is how many storage epochs a blob is paid for
const DefaultWalrusEpochs = 5

// WalrusOptions points the store at a Walrus publisher and aggregator
type WalrusOptions struct {
	// PublisherURL accepts uploads, e.g. https://publisher.walrus-testnet.walrus.space
	PublisherURL string
	// AggregatorURL serves reads, e.g. https://aggregator.walrus-testnet.walrus.space
	AggregatorURL string
	// Epochs is the storage duration requested on upload
	Epochs int
	// Timeout bounds requests whose context carries no deadline
	Timeout time.Duration
}

// WalrusStore implements Store against the Walrus HTTP API. References are
// Walrus blob ids, which are themselves content-derived.
type WalrusStore struct {
	client     *fasthttp.Client
	publisher  string
	aggregator string
	epochs     int
	timeout    time.Duration
}

// NewWalrusStore creates a store for the given endpoints.
func NewWalrusStore(opts WalrusOptions) (*WalrusStore, error) {
	if opts.PublisherURL == "" || opts.AggregatorURL == "" {
		return nil, errors.New("walrus publisher and aggregator urls are required")
	}
	if opts.Epochs <= 0 {
		opts.Epochs = DefaultWalrusEpochs
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &WalrusStore{
		client: &fasthttp.Client{
			Name:                "pdw-index",
			MaxResponseBodySize: 1 << 30,
		},
		publisher:  strings.TrimRight(opts.PublisherURL, "/"),
		aggregator: strings.TrimRight(opts.AggregatorURL, "/"),
		epochs:     opts.Epochs,
		timeout:    opts.Timeout,
	}, nil
}

type walrusStoreResponse struct {
	NewlyCreated *struct {
		BlobObject struct {
			BlobID string `json:"blobId"`
		} `json:"blobObject"`
	} `json:"newlyCreated"`
	AlreadyCertified *struct {
		BlobID string `json:"blobId"`
	} `json:"alreadyCertified"`
}

func (s *WalrusStore) do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		return s.client.DoDeadline(req, resp, deadline)
	}
	return s.client.DoTimeout(req, resp, s.timeout)
}

// Put uploads data through the publisher.
func (s *WalrusStore) Put(ctx context.Context, data []byte) (Ref, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("%s/v1/blobs?epochs=%d", s.publisher, s.epochs))
	req.Header.SetMethod(fasthttp.MethodPut)
	req.Header.SetContentType("application/octet-stream")
	req.SetBodyRaw(data)

	if err := s.do(ctx, req, resp); err != nil {
		return "", fmt.Errorf("walrus put: %w", err)
	}
	if code := resp.StatusCode(); code != fasthttp.StatusOK {
		return "", fmt.Errorf("walrus put: status %d: %s", code, truncate(resp.Body(), 256))
	}

	var out walrusStoreResponse
	if err := sonic.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("walrus put: decode response: %w", err)
	}
	switch {
	case out.NewlyCreated != nil && out.NewlyCreated.BlobObject.BlobID != "":
		return Ref(out.NewlyCreated.BlobObject.BlobID), nil
	case out.AlreadyCertified != nil && out.AlreadyCertified.BlobID != "":
		return Ref(out.AlreadyCertified.BlobID), nil
	}
	return "", errors.New("walrus put: response carries no blob id")
}

// Get downloads a blob through the aggregator.
func (s *WalrusStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidRef)
	}
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.aggregator + "/v1/blobs/" + url.PathEscape(string(ref)))
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := s.do(ctx, req, resp); err != nil {
		return nil, fmt.Errorf("walrus get %s: %w", ref, err)
	}
	switch code := resp.StatusCode(); code {
	case fasthttp.StatusOK:
	case fasthttp.StatusNotFound:
		return nil, fmt.Errorf("walrus get %s: %w", ref, ErrNotFound)
	default:
		return nil, fmt.Errorf("walrus get %s: status %d: %s", ref, code, truncate(resp.Body(), 256))
	}
	return append([]byte(nil), resp.Body()...), nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
